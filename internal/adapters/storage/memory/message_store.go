package memory

import (
	"context"

	"github.com/PabloGalante/policydesk/internal/domain"
)

func (s *Store) AppendMessage(ctx context.Context, id domain.SessionID, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(id)
	if err != nil {
		return err
	}

	for _, m := range stored.Messages {
		if m.ID == msg.ID {
			return nil
		}
	}

	stored.Messages = append(stored.Messages, msg.Persistable())
	domain.SortMessages(stored.Messages)
	stored.UpdatedAt = s.now()

	s.publishLocked(id, domain.UpdateMessages, domain.UpdateSession)
	return nil
}
