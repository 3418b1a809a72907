package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

const (
	titleMaxRunes   = 30
	previewMaxRunes = 100
	ellipsis        = "..."
)

// DeriveTitle turns the first user message into a session title: whitespace
// collapsed, at most 30 runes, "..." appended when cut.
func DeriveTitle(text string) string {
	return truncate(strings.Join(strings.Fields(text), " "), titleMaxRunes, ellipsis)
}

func truncate(s string, max int, suffix string) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimRight(string(r[:max]), " ") + suffix
}

// CreateSession adds a session with one default draft and selects it. An empty
// title means the "New Chat" placeholder, which the first user message replaces.
func (s *Store) CreateSession(ctx context.Context, title string) (*domain.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultSessionTitle
	}

	s.mu.Lock()
	sess := s.newSession(title)
	s.sessions = append(s.sessions, sess)
	out := sess.Clone()
	s.mu.Unlock()

	observability.LoggerFromContext(ctx).Infow("session created", "session_id", sess.ID)

	s.emit(Event{Kind: EventSessionCreated, SessionID: sess.ID})
	err := s.commit(ctx, domain.Change{Kind: domain.ChangeSessionCreated, SessionID: sess.ID})
	if selErr := s.SelectSession(ctx, sess.ID); err == nil {
		err = selErr
	}
	return out, err
}

// DeleteSession removes a session with its messages and drafts. The last
// remaining session cannot be deleted. Deleting the selected session selects
// the first remaining one.
func (s *Store) DeleteSession(ctx context.Context, id domain.SessionID) error {
	s.mu.Lock()
	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if len(s.sessions) == 1 {
		s.mu.Unlock()
		return domain.ErrLastSession
	}

	s.sessions = append(s.sessions[:idx:idx], s.sessions[idx+1:]...)
	wasSelected := s.selected == id
	next := s.sessions[0].ID
	s.mu.Unlock()

	observability.LoggerFromContext(ctx).Infow("session deleted", "session_id", id)

	s.emit(Event{Kind: EventSessionDeleted, SessionID: id})
	var selErr error
	if wasSelected {
		selErr = s.SelectSession(ctx, next)
	}
	if err := s.commit(ctx, domain.Change{Kind: domain.ChangeSessionDeleted, SessionID: id}); err != nil {
		return err
	}
	return selErr
}

func (s *Store) RenameSession(ctx context.Context, id domain.SessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.ErrInvalidTitle
	}
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		if sess.Title == title {
			return nil
		}
		sess.Title = title
		m.change(domain.ChangeSessionUpdated, id)
		m.event(Event{Kind: EventSessionChanged, SessionID: id})
		return nil
	})
}

// UpdatePreview stores a snippet of the latest answer for session lists.
func (s *Store) UpdatePreview(ctx context.Context, id domain.SessionID, text string) error {
	preview := truncate(strings.Join(strings.Fields(text), " "), previewMaxRunes, ellipsis)
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		if sess.Preview == preview {
			return nil
		}
		sess.Preview = preview
		m.change(domain.ChangeSessionUpdated, id)
		m.event(Event{Kind: EventSessionChanged, SessionID: id})
		return nil
	})
}

// AddMessage appends msg to the session's transcript and returns the stored
// copy. The store assigns the id and a timestamp that never goes back in time
// within the session. While the title is still the placeholder, the first user
// message becomes the title.
func (s *Store) AddMessage(ctx context.Context, id domain.SessionID, msg domain.Message) (*domain.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return nil, domain.ErrEmptyMessage
	}
	if msg.QueryMode != "" && !msg.QueryMode.Valid() {
		msg.QueryMode = ""
	}

	var out *domain.Message
	err := s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		stored := msg.Persistable()
		if stored.ID == "" {
			stored.ID = domain.MessageID(s.newID())
		}
		stored.Timestamp = s.stamp(sess.LastTimestamp())

		// The title is committed before the message so a remote echo of the
		// message write never carries the placeholder title.
		if stored.Role == domain.RoleUser && sess.Title == domain.DefaultSessionTitle && !hasUserMessage(sess) {
			if title := DeriveTitle(stored.Content); title != "" {
				sess.Title = title
				m.change(domain.ChangeSessionUpdated, id)
				m.event(Event{Kind: EventSessionChanged, SessionID: id})
			}
		}

		sess.Messages = append(sess.Messages, stored)
		m.change(domain.ChangeMessageAdded, id).Message = stored.Clone()
		m.event(Event{Kind: EventMessagesChanged, SessionID: id})
		out = stored.Clone()
		return nil
	})
	return out, err
}

func hasUserMessage(sess *domain.Session) bool {
	for _, m := range sess.Messages {
		if m.Role == domain.RoleUser {
			return true
		}
	}
	return false
}

// History returns the last n user and assistant messages of a session, oldest first.
func (s *Store) History(id domain.SessionID, n int) ([]domain.HistoryTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.find(id)
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}

	var turns []domain.HistoryTurn
	for i := len(sess.Messages) - 1; i >= 0 && len(turns) < n; i-- {
		m := sess.Messages[i]
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		turns = append(turns, domain.HistoryTurn{Role: m.Role, Content: m.Content})
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
