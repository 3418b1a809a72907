// Package memory is an in-process document store with the same contract as
// the Firestore adapter: granular acknowledged writes and snapshot pushes to
// subscribers. It is NOT persistent.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PabloGalante/policydesk/internal/adapters/storage"
	"github.com/PabloGalante/policydesk/internal/domain"
)

var (
	_ domain.SessionRepository = (*Store)(nil)
	_ domain.SessionWatcher    = (*Store)(nil)
	_ storage.DocumentWriter   = (*Store)(nil)
)

var errSessionExists = errors.New("session already exists")

type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	order    []domain.SessionID
	activeID domain.SessionID
	subs     map[domain.SessionID][]*subscriber
	now      func() time.Time

	writeErr error
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[domain.SessionID]*domain.Session),
		subs:     make(map[domain.SessionID][]*subscriber),
		now:      time.Now,
	}
}

// FailWrites makes every following write return err (nil restores normal writes).
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Store) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].Clone())
	}
	return out, nil
}

func (s *Store) Commit(ctx context.Context, change domain.Change) error {
	return storage.ApplyChange(ctx, s, change)
}

func (s *Store) LoadActiveSessionID(ctx context.Context) (domain.SessionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID, nil
}

func (s *Store) SaveActiveSessionID(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = id
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	if _, exists := s.sessions[session.ID]; exists {
		return errSessionExists
	}
	if len(session.Drafts) == 0 {
		return domain.ErrLastDraft
	}

	stored := session.Clone()
	stored.Messages = nil
	for _, m := range session.Messages {
		stored.Messages = append(stored.Messages, m.Persistable())
	}
	s.sessions[session.ID] = stored
	s.order = append(s.order, session.ID)

	s.publishLocked(session.ID, domain.UpdateSession, domain.UpdateDrafts, domain.UpdateMessages)
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(session.ID)
	if err != nil {
		return err
	}

	stored.Title = session.Title
	stored.Preview = session.Preview
	stored.UpdatedAt = s.now()

	s.publishLocked(session.ID, domain.UpdateSession)
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sessionLocked(id); err != nil {
		return err
	}

	delete(s.sessions, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
	}
	return nil
}

// sessionLocked returns the stored session or an error; callers hold s.mu.
func (s *Store) sessionLocked(id domain.SessionID) (*domain.Session, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	stored, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return stored, nil
}
