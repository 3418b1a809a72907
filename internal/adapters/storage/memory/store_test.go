package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/PabloGalante/policydesk/internal/adapters/storage/memory"
	"github.com/PabloGalante/policydesk/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(id string, at time.Time) *domain.Session {
	d := &domain.Draft{ID: domain.DraftID(id + "-d1"), Title: "Draft 1", CreatedAt: at, UpdatedAt: at}
	return &domain.Session{
		ID: domain.SessionID(id), Title: domain.DefaultSessionTitle,
		CreatedAt: at, UpdatedAt: at,
		Drafts: []*domain.Draft{d}, ActiveDraftID: d.ID, DraftSeq: 1,
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []domain.RemoteUpdate
}

func (r *recorder) record(u domain.RemoteUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last(kind domain.UpdateKind) (domain.RemoteUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].Kind == kind {
			return r.updates[i], true
		}
	}
	return domain.RemoteUpdate{}, false
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func TestCreateSessionIsVisibleWithItsDraft(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, newSession("s1", now)))

	sessions, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Drafts, 1)
	assert.Equal(t, sessions[0].Drafts[0].ID, sessions[0].ActiveDraftID)
}

func TestDeleteDraftRejectsLastAndRepointsActive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()
	s := newSession("s1", now)
	require.NoError(t, store.CreateSession(ctx, s))

	err := store.DeleteDraft(ctx, "s1", "s1-d1")
	require.ErrorIs(t, err, domain.ErrLastDraft)

	s.DraftSeq = 2
	d2 := &domain.Draft{ID: "s1-d2", Title: "Draft 2", CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second)}
	require.NoError(t, store.CreateDraft(ctx, s, d2))

	sessions, _ := store.LoadSessions(ctx)
	assert.Equal(t, domain.DraftID("s1-d2"), sessions[0].ActiveDraftID)

	require.NoError(t, store.DeleteDraft(ctx, "s1", "s1-d2"))
	sessions, _ = store.LoadSessions(ctx)
	require.Len(t, sessions[0].Drafts, 1)
	assert.Equal(t, domain.DraftID("s1-d1"), sessions[0].ActiveDraftID)
}

func TestWatchDeliversInitialStateAndOrderedMessages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", now)))

	rec := &recorder{}
	unsubscribe, err := store.WatchSession(ctx, "s1", rec.record)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)

	// Appended out of timestamp order; subscribers still see ascending order.
	require.NoError(t, store.AppendMessage(ctx, "s1", &domain.Message{ID: "m2", Role: domain.RoleAssistant, Timestamp: now.Add(2 * time.Second)}))
	require.NoError(t, store.AppendMessage(ctx, "s1", &domain.Message{ID: "m1", Role: domain.RoleUser, Timestamp: now.Add(time.Second)}))

	require.Eventually(t, func() bool {
		u, ok := rec.last(domain.UpdateMessages)
		return ok && len(u.Messages) == 2
	}, time.Second, 5*time.Millisecond)

	u, _ := rec.last(domain.UpdateMessages)
	assert.Equal(t, domain.MessageID("m1"), u.Messages[0].ID)
	assert.Equal(t, domain.MessageID("m2"), u.Messages[1].ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", time.Now())))

	rec := &recorder{}
	unsubscribe, err := store.SubscribeDrafts(ctx, "s1", rec.record)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, store.UpdateDraftContent(ctx, "s1", "s1-d1", "after"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestCancelledContextReleasesSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memory.NewStore()
	require.NoError(t, store.CreateSession(context.Background(), newSession("s1", time.Now())))

	rec := &recorder{}
	_, err := store.SubscribeSession(ctx, "s1", rec.record)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		before := rec.count()
		_ = store.SetActiveDraft(context.Background(), "s1", "s1-d1")
		time.Sleep(5 * time.Millisecond)
		return rec.count() == before
	}, time.Second, 10*time.Millisecond)
}

func TestFailWrites(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", time.Now())))

	boom := assert.AnError
	store.FailWrites(boom)
	require.ErrorIs(t, store.RenameDraft(ctx, "s1", "s1-d1", "x"), boom)
	store.FailWrites(nil)
	require.NoError(t, store.RenameDraft(ctx, "s1", "s1-d1", "x"))
}
