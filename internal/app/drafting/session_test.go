package drafting_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/PabloGalante/policydesk/internal/adapters/storage/memory"
	"github.com/PabloGalante/policydesk/internal/app/drafting"
	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sessionID domain.SessionID = "s1"
	draftID   domain.DraftID   = "d1"
)

type fakeStore struct {
	mu     sync.Mutex
	writes []string
	subs   []func(sessions.Event)
}

func (f *fakeStore) Session(id domain.SessionID) (*domain.Session, error) {
	if id != sessionID {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.Session{
		ID:            sessionID,
		Drafts:        []*domain.Draft{{ID: draftID, Title: "Draft 1", Content: "initial"}},
		ActiveDraftID: draftID,
	}, nil
}

func (f *fakeStore) UpdateDraftContent(ctx context.Context, id domain.SessionID, d domain.DraftID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, content)
	return nil
}

func (f *fakeStore) Subscribe(fn func(sessions.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[idx] = nil
	}
}

func (f *fakeStore) push(d domain.DraftID, content string) {
	f.mu.Lock()
	subs := slices.Clone(f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(sessions.Event{Kind: sessions.EventDraftContent, Origin: sessions.OriginRemote, SessionID: sessionID, DraftID: d, Content: content})
		}
	}
}

func (f *fakeStore) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeEditor struct {
	err error
}

func (e fakeEditor) EditDraft(ctx context.Context, content, instruction string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return strings.ToUpper(content), nil
}

const delay = 20 * time.Millisecond

func newSession(t *testing.T, store *fakeStore, editor domain.DraftEditor, opts ...drafting.Option) *drafting.Session {
	t.Helper()
	opts = append([]drafting.Option{drafting.WithAutosaveDelay(delay)}, opts...)
	s, err := drafting.NewSession(store, editor, sessionID, draftID, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewSessionUnknownDraft(t *testing.T) {
	_, err := drafting.NewSession(&fakeStore{}, fakeEditor{}, sessionID, "nope")
	require.ErrorIs(t, err, domain.ErrDraftNotFound)
}

func TestEditsAreDebouncedIntoOneWrite(t *testing.T) {
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{})
	assert.Equal(t, "initial", s.Content())

	require.NoError(t, s.Edit("a"))
	require.NoError(t, s.Edit("ab"))
	require.NoError(t, s.Edit("abc"))
	assert.Equal(t, drafting.Dirty, s.State())

	require.Eventually(t, func() bool { return s.State() == drafting.Clean }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"abc"}, store.written())
}

func TestRemoteContentWinsOverLocalEdits(t *testing.T) {
	store := &fakeStore{}
	var changed []string
	s := newSession(t, store, fakeEditor{}, drafting.WithOnChange(func(c string) { changed = append(changed, c) }))

	require.NoError(t, s.Edit("local"))
	store.push(draftID, "remote")

	assert.Equal(t, "remote", s.Content())
	assert.Equal(t, drafting.Clean, s.State())
	assert.Equal(t, []string{"remote"}, changed)

	time.Sleep(3 * delay)
	assert.Empty(t, store.written(), "discarded edits must not be written")
}

func TestEchoOfOwnWriteIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{})

	require.NoError(t, s.Edit("a"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Edit("ab"))

	store.push(draftID, "a")
	assert.Equal(t, "ab", s.Content())
	assert.Equal(t, drafting.Dirty, s.State())
}

func TestCleanSessionTakesRevertToEarlierFlush(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{})

	require.NoError(t, s.Edit("A"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Edit("B"))
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, drafting.Clean, s.State())

	store.push(draftID, "A")
	assert.Equal(t, "A", s.Content())
	assert.Equal(t, drafting.Clean, s.State())
}

func TestRevertByOtherClientReachesEditor(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the store's echo window")
	}
	ctx := context.Background()
	remote := memory.NewStore()
	a, err := sessions.New(ctx, remote)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	b, err := sessions.New(ctx, remote)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	sel := a.SelectedSession()
	require.Equal(t, sel.ID, b.SelectedID())
	s, err := drafting.NewSession(a, fakeEditor{}, sel.ID, sel.ActiveDraftID, drafting.WithAutosaveDelay(delay))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	for _, c := range []string{"A", "B"} {
		require.NoError(t, s.Edit(c))
		require.NoError(t, s.Flush(ctx))
	}
	require.Eventually(t, func() bool {
		got, _ := b.Session(sel.ID)
		return got.Draft(sel.ActiveDraftID).Content == "B"
	}, time.Second, 5*time.Millisecond)

	time.Sleep(2100 * time.Millisecond)
	require.NoError(t, b.UpdateDraftContent(ctx, sel.ID, sel.ActiveDraftID, "A"))

	require.Eventually(t, func() bool {
		got, _ := a.Session(sel.ID)
		return got.Draft(sel.ActiveDraftID).Content == "A" && s.Content() == "A"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, drafting.Clean, s.State())
}

func TestPushesForOtherDraftsAreIgnored(t *testing.T) {
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{})

	store.push("other", "elsewhere")
	assert.Equal(t, "initial", s.Content())
}

func TestRewriteAndUndoToggle(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{})

	out, err := s.Rewrite(ctx, "shout")
	require.NoError(t, err)
	assert.Equal(t, "INITIAL", out)
	assert.Equal(t, []string{"INITIAL"}, store.written())
	assert.Equal(t, drafting.Clean, s.State())

	restored, ok := s.Undo()
	require.True(t, ok)
	assert.Equal(t, "initial", restored)

	restored, ok = s.Undo()
	require.True(t, ok)
	assert.Equal(t, "INITIAL", restored)
	assert.Equal(t, 1, s.UndoDepth())
}

func TestRewriteFailureLeavesContent(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	boom := errors.New("model unavailable")
	s := newSession(t, store, fakeEditor{err: boom})

	_, err := s.Rewrite(ctx, "shout")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "initial", s.Content())
	assert.Zero(t, s.UndoDepth())
	assert.Empty(t, store.written())

	_, ok := s.Undo()
	assert.False(t, ok)
}

func TestUndoStackIsBounded(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	s := newSession(t, store, fakeEditor{}, drafting.WithUndoLimit(2))

	for _, c := range []string{"one", "two", "three"} {
		require.NoError(t, s.Edit(c))
		_, err := s.Rewrite(ctx, "shout")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.UndoDepth())
}

func TestCloseStopsTimerWithoutWriting(t *testing.T) {
	store := &fakeStore{}
	s, err := drafting.NewSession(store, fakeEditor{}, sessionID, draftID, drafting.WithAutosaveDelay(delay))
	require.NoError(t, err)

	require.NoError(t, s.Edit("unsaved"))
	s.Close()

	time.Sleep(3 * delay)
	assert.Empty(t, store.written())
	require.ErrorIs(t, s.Edit("more"), drafting.ErrClosed)

	store.push(draftID, "remote")
	assert.Equal(t, "unsaved", s.Content())
}

func TestWorksAgainstSessionStore(t *testing.T) {
	ctx := context.Background()
	store, err := sessions.New(ctx, &memRepo{})
	require.NoError(t, err)
	defer store.Close()

	sel := store.SelectedSession()
	s, err := drafting.NewSession(store, fakeEditor{}, sel.ID, sel.ActiveDraftID, drafting.WithAutosaveDelay(delay))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Edit("saved through the store"))
	require.Eventually(t, func() bool {
		got, _ := store.Session(sel.ID)
		return got.ActiveDraft().Content == "saved through the store"
	}, time.Second, 5*time.Millisecond)
}

// memRepo is a minimal repository that keeps nothing.
type memRepo struct{}

func (memRepo) LoadSessions(context.Context) ([]*domain.Session, error) { return nil, nil }
func (memRepo) Commit(context.Context, domain.Change) error { return nil }
func (memRepo) LoadActiveSessionID(context.Context) (domain.SessionID, error) { return "", nil }
func (memRepo) SaveActiveSessionID(context.Context, domain.SessionID) error { return nil }
