package firestore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/policydesk/internal/adapters/storage/firestore"
	"github.com/PabloGalante/policydesk/internal/domain"
)

// newEmulatorStore connects to the Firestore emulator, skipping when none is configured.
func newEmulatorStore(t *testing.T) *firestore.Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	store, err := firestore.NewStore(context.Background(), "policydesk-test", "client-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession() *domain.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := domain.SessionID(uuid.NewString())
	d := &domain.Draft{ID: domain.DraftID(string(id) + "-d1"), Title: "Draft 1", CreatedAt: now, UpdatedAt: now}
	return &domain.Session{
		ID: id, Title: domain.DefaultSessionTitle, CreatedAt: now, UpdatedAt: now,
		Drafts: []*domain.Draft{d}, ActiveDraftID: d.ID, DraftSeq: 1,
	}
}

func TestNewStoreRequiresIDs(t *testing.T) {
	_, err := firestore.NewStore(context.Background(), "", "c")
	require.Error(t, err)
	_, err = firestore.NewStore(context.Background(), "p", "")
	require.Error(t, err)
}

func TestCreateAndLoadSession(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	s := newSession()

	require.NoError(t, store.CreateSession(ctx, s))
	require.NoError(t, store.AppendMessage(ctx, s.ID, &domain.Message{
		ID: "m1", Role: domain.RoleUser, Content: "hi", Timestamp: s.CreatedAt.Add(time.Second),
	}))

	sessions, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)
	require.Len(t, sessions[0].Drafts, 1)
	require.Len(t, sessions[0].Messages, 1)
	assert.Equal(t, "hi", sessions[0].Messages[0].Content)
}

func TestDeleteDraftTransaction(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	s := newSession()
	require.NoError(t, store.CreateSession(ctx, s))

	require.ErrorIs(t, store.DeleteDraft(ctx, s.ID, s.ActiveDraftID), domain.ErrLastDraft)

	s.DraftSeq = 2
	d2 := &domain.Draft{ID: domain.DraftID(string(s.ID) + "-d2"), Title: "Draft 2", CreatedAt: s.CreatedAt.Add(time.Second)}
	require.NoError(t, store.CreateDraft(ctx, s, d2))
	require.NoError(t, store.DeleteDraft(ctx, s.ID, d2.ID))

	sessions, err := store.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions[0].Drafts, 1)
	assert.Equal(t, s.Drafts[0].ID, sessions[0].ActiveDraftID)
}

func TestDraftWritesTouchSession(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	s := newSession()
	require.NoError(t, store.CreateSession(ctx, s))

	updatedAt := func() time.Time {
		sessions, err := store.LoadSessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		return sessions[0].UpdatedAt
	}

	before := updatedAt()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.UpdateDraftContent(ctx, s.ID, s.ActiveDraftID, "new text"))
	afterContent := updatedAt()
	assert.True(t, afterContent.After(before), "content write must bump the session")

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.RenameDraft(ctx, s.ID, s.ActiveDraftID, "Renamed"))
	assert.True(t, updatedAt().After(afterContent), "rename must bump the session")
}

func TestWatchSessionDeliversDrafts(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()
	s := newSession()
	require.NoError(t, store.CreateSession(ctx, s))

	var (
		mu      sync.Mutex
		content string
	)
	unsubscribe, err := store.WatchSession(ctx, s.ID, func(u domain.RemoteUpdate) {
		if u.Kind != domain.UpdateDrafts || len(u.Drafts) == 0 {
			return
		}
		mu.Lock()
		content = u.Drafts[0].Content
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, store.UpdateDraftContent(ctx, s.ID, s.ActiveDraftID, "remote text"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return content == "remote text"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestActiveSessionID(t *testing.T) {
	store := newEmulatorStore(t)
	ctx := context.Background()

	id, err := store.LoadActiveSessionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, store.SaveActiveSessionID(ctx, "s9"))
	id, err = store.LoadActiveSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s9"), id)
}
