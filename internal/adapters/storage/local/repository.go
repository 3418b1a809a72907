package local

import (
	"context"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// Compile-time check to ensure Store implements domain.SessionRepository
var _ domain.SessionRepository = (*Store)(nil)

// LoadSessions implements domain.SessionRepository.
func (s *Store) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.Load(ctx), nil
}

// Commit applies a change to the cached collection and saves the whole blob.
// The local store keeps no per-child documents, so every change is written
// as the owning session's snapshot.
func (s *Store) Commit(ctx context.Context, change domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(ctx)

	idx := -1
	for i, sess := range s.cache {
		if sess.ID == change.SessionID {
			idx = i
			break
		}
	}

	switch {
	case change.Kind == domain.ChangeSessionDeleted:
		if idx < 0 {
			return nil
		}
		s.cache = append(s.cache[:idx:idx], s.cache[idx+1:]...)
	case change.Session == nil:
		return nil
	case idx < 0:
		s.cache = append(s.cache, change.Session.Clone())
	default:
		s.cache[idx] = change.Session.Clone()
	}

	return s.saveLocked(ctx)
}
