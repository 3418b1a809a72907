// Package sessions is the in-memory authoritative model of all chat sessions.
// Reads never wait on persistence: every mutation is applied to the model
// first and then handed to the repository as a domain.Change.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/migration"
	"github.com/PabloGalante/policydesk/internal/observability"
)

// ErrPersistence wraps repository failures. The change it reports is kept in
// memory.
var ErrPersistence = errors.New("change not persisted")

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the UUIDv7 generator used for new sessions,
// messages and drafts.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

type Store struct {
	repo    domain.SessionRepository
	watcher domain.SessionWatcher
	now     func() time.Time
	newID   func() string

	// ctx scopes remote watches; it ends with Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions []*domain.Session
	selected domain.SessionID
	pending  map[domain.DraftID]pendingDraft

	// activeHint holds a remote active draft id whose draft has not arrived yet.
	activeHint map[domain.SessionID]domain.DraftID

	// written holds the values of each field this store recently committed,
	// most recent last. A push carrying one of them that differs from the
	// model is a late echo of an older local write.
	writtenMu sync.Mutex
	written   map[fieldKey][]writtenValue

	// persistMu orders repository commits, so the local blob is never written
	// by two read-modify-write cycles at once.
	persistMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	watchMu sync.Mutex
	unwatch domain.Unsubscribe
	closed  bool
}

type pendingDraft int

const (
	pendingCreate pendingDraft = iota + 1
	pendingDelete
)

// New loads every session from repo. An empty repository gets one default
// session. The previously selected session is restored, falling back to the
// first one. If repo also implements domain.SessionWatcher, the selected
// session is watched for remote changes.
func New(ctx context.Context, repo domain.SessionRepository, opts ...Option) (*Store, error) {
	s := &Store{
		repo:       repo,
		now:        time.Now,
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
		pending:    make(map[domain.DraftID]pendingDraft),
		activeHint: make(map[domain.SessionID]domain.DraftID),
		written:    make(map[fieldKey][]writtenValue),
		subs:       make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if w, ok := repo.(domain.SessionWatcher); ok {
		s.watcher = w
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	log := observability.LoggerFromContext(ctx)

	loaded, err := repo.LoadSessions(ctx)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range loaded {
		if migration.Repair(sess) {
			log.Warnw("repaired session drafts on load", "session_id", sess.ID)
		}
		s.sessions = append(s.sessions, sess)
	}

	if len(s.sessions) == 0 {
		sess := s.newSession(domain.DefaultSessionTitle)
		s.sessions = append(s.sessions, sess)
		if err := s.commit(ctx, domain.Change{Kind: domain.ChangeSessionCreated, SessionID: sess.ID}); err != nil {
			log.Warnw("default session kept in memory only", "error", err)
		}
	}

	active, err := repo.LoadActiveSessionID(ctx)
	if err != nil {
		log.Warnw("could not restore selected session", "error", err)
	}
	if s.find(active) == nil {
		active = s.sessions[0].ID
	}
	if err := s.SelectSession(ctx, active); err != nil && !errors.Is(err, ErrPersistence) {
		s.Close()
		return nil, err
	}

	log.Infow("session store ready", "sessions", len(s.sessions), "selected", active)
	return s, nil
}

// Close stops the remote watch and releases the store's background context.
// Nothing is written.
func (s *Store) Close() {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return
	}
	s.closed = true
	stop := s.unwatch
	s.unwatch = nil
	s.watchMu.Unlock()

	if stop != nil {
		stop()
	}
	s.cancel()
}

// ─────────────────────────────────────────
// Reads
// ─────────────────────────────────────────

// Sessions returns copies of every session in creation order.
func (s *Store) Sessions() []*domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

func (s *Store) Session(id domain.SessionID) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.find(id)
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) SelectedID() domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// SelectedSession returns a copy of the selected session, or nil.
func (s *Store) SelectedSession() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.find(s.selected).Clone()
}

// ─────────────────────────────────────────
// Selection
// ─────────────────────────────────────────

// SelectSession makes id the selected session, persists the choice and moves
// the remote watch to it. The previous watch is released before the new one
// starts. It must not be called from inside an event callback.
func (s *Store) SelectSession(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	if s.find(id) == nil {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	changed := s.selected != id
	s.selected = id
	s.mu.Unlock()

	if changed {
		s.emit(Event{Kind: EventSelectionChanged, SessionID: id})
	}
	if err := s.watch(id); err != nil {
		observability.LoggerFromContext(ctx).Warnw("remote watch not started", "session_id", id, "error", err)
	}

	if err := s.repo.SaveActiveSessionID(ctx, id); err != nil {
		observability.LoggerFromContext(ctx).Errorw("persisting selected session failed", "session_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *Store) watch(id domain.SessionID) error {
	if s.watcher == nil {
		return nil
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.closed {
		return nil
	}

	if s.unwatch != nil {
		stop := s.unwatch
		s.unwatch = nil
		stop()
	}

	stop, err := s.watcher.WatchSession(s.ctx, id, s.applyRemote)
	if err != nil {
		return err
	}
	s.unwatch = stop
	return nil
}

// ─────────────────────────────────────────
// Mutation plumbing
// ─────────────────────────────────────────

// mutation is what an operation did to the model: the changes to persist and
// the events to publish.
type mutation struct {
	changes []domain.Change
	events  []Event
}

func (m *mutation) change(kind domain.ChangeKind, id domain.SessionID) *domain.Change {
	m.changes = append(m.changes, domain.Change{Kind: kind, SessionID: id})
	return &m.changes[len(m.changes)-1]
}

func (m *mutation) event(e Event) {
	m.events = append(m.events, e)
}

// update runs fn on the session under the model lock, bumps UpdatedAt, then
// publishes the events and commits the changes once the lock is released.
func (s *Store) update(ctx context.Context, id domain.SessionID, fn func(*domain.Session, *mutation) error) error {
	s.mu.Lock()
	sess := s.find(id)
	if sess == nil {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	var m mutation
	if err := fn(sess, &m); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(m.changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.touch(sess)
	s.mu.Unlock()

	s.emit(m.events...)
	return s.commit(ctx, m.changes...)
}

// commit hands changes to the repository in order. Each change carries the
// session as it is when the commit runs, so a slow commit never persists a
// snapshot older than one already written.
func (s *Store) commit(ctx context.Context, changes ...domain.Change) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	log := observability.LoggerFromContext(ctx)
	var errs []error
	for _, c := range changes {
		if c.Kind != domain.ChangeSessionDeleted {
			s.mu.RLock()
			c.Session = s.find(c.SessionID).Clone()
			s.mu.RUnlock()
			if c.Session == nil {
				// Deleted while waiting; its delete change follows.
				continue
			}
			if c.Kind == domain.ChangeDraftContent || c.Kind == domain.ChangeDraftRenamed {
				if c.Draft = c.Session.Draft(c.Draft.ID); c.Draft == nil {
					continue
				}
			}
		}

		s.rememberWrite(c)
		err := s.repo.Commit(ctx, c)
		s.settle(c)
		if err != nil {
			log.Errorw("persisting change failed",
				"kind", c.Kind,
				"session_id", c.SessionID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
	}
	return nil
}

// settle clears the pending marker of an acknowledged (or failed) draft
// creation. Deletion markers stay: draft ids are never reused, and a push
// queued before the delete must not bring the draft back.
func (s *Store) settle(c domain.Change) {
	if c.Kind != domain.ChangeDraftCreated {
		return
	}
	s.mu.Lock()
	delete(s.pending, c.Draft.ID)
	s.mu.Unlock()
}

// find returns the live session; callers hold s.mu.
func (s *Store) find(id domain.SessionID) *domain.Session {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// stamp returns now, never earlier than after.
func (s *Store) stamp(after time.Time) time.Time {
	t := s.now().UTC()
	if t.Before(after) {
		return after
	}
	return t
}

func (s *Store) touch(sess *domain.Session) {
	sess.UpdatedAt = s.stamp(sess.UpdatedAt)
}

func (s *Store) newSession(title string) *domain.Session {
	now := s.now().UTC()
	draft := &domain.Draft{
		ID:        domain.DraftID(s.newID()),
		Title:     domain.DefaultDraftTitle(1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &domain.Session{
		ID:            domain.SessionID(s.newID()),
		Title:         title,
		CreatedAt:     now,
		UpdatedAt:     now,
		Messages:      []*domain.Message{},
		Drafts:        []*domain.Draft{draft},
		ActiveDraftID: draft.ID,
		DraftSeq:      1,
	}
}
