package sessions

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// DraftSeparator is inserted between existing draft content and appended text.
const DraftSeparator = "\n\n---\n\n"

// CreateDraft adds a draft titled "Draft N" and makes it the active one.
func (s *Store) CreateDraft(ctx context.Context, id domain.SessionID) (*domain.Draft, error) {
	var out *domain.Draft
	err := s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		after := sess.CreatedAt
		for _, d := range sess.Drafts {
			if d.CreatedAt.After(after) {
				after = d.CreatedAt
			}
		}
		now := s.stamp(after)

		sess.DraftSeq++
		d := &domain.Draft{
			ID:        domain.DraftID(s.newID()),
			Title:     domain.DefaultDraftTitle(sess.DraftSeq),
			CreatedAt: now,
			UpdatedAt: now,
		}
		sess.Drafts = append(sess.Drafts, d)
		sess.ActiveDraftID = d.ID
		s.pending[d.ID] = pendingCreate

		m.change(domain.ChangeDraftCreated, id).Draft = d.Clone()
		m.event(Event{Kind: EventDraftsChanged, SessionID: id})
		m.event(Event{Kind: EventSessionChanged, SessionID: id})
		out = d.Clone()
		return nil
	})
	return out, err
}

func (s *Store) RenameDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.ErrInvalidTitle
	}
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		d := sess.Draft(draftID)
		if d == nil {
			return domain.ErrDraftNotFound
		}
		if d.Title == title {
			return nil
		}
		d.Title = title
		d.UpdatedAt = s.stamp(d.UpdatedAt)
		m.change(domain.ChangeDraftRenamed, id).Draft = d.Clone()
		m.event(Event{Kind: EventDraftsChanged, SessionID: id})
		return nil
	})
}

// DeleteDraft removes a draft. The last draft of a session cannot be deleted;
// deleting the active draft activates the earliest remaining one.
func (s *Store) DeleteDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		idx := -1
		for i, d := range sess.Drafts {
			if d.ID == draftID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.ErrDraftNotFound
		}
		if len(sess.Drafts) == 1 {
			return domain.ErrLastDraft
		}

		sess.Drafts = append(sess.Drafts[:idx:idx], sess.Drafts[idx+1:]...)
		s.pending[draftID] = pendingDelete
		m.change(domain.ChangeDraftDeleted, id).DraftID = draftID
		m.event(Event{Kind: EventDraftsChanged, SessionID: id})

		if sess.ActiveDraftID == draftID {
			sess.ActiveDraftID = sess.FirstDraft().ID
			m.event(Event{Kind: EventSessionChanged, SessionID: id})
		}
		return nil
	})
}

func (s *Store) SetActiveDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		if sess.Draft(draftID) == nil {
			return domain.ErrDraftNotFound
		}
		if sess.ActiveDraftID == draftID {
			return nil
		}
		sess.ActiveDraftID = draftID
		m.change(domain.ChangeActiveDraft, id)
		m.event(Event{Kind: EventSessionChanged, SessionID: id})
		return nil
	})
}

// UpdateDraftContent replaces a draft's content. Writing the same content
// again is a no-op.
func (s *Store) UpdateDraftContent(ctx context.Context, id domain.SessionID, draftID domain.DraftID, content string) error {
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		d := sess.Draft(draftID)
		if d == nil {
			return domain.ErrDraftNotFound
		}
		s.setContent(sess, d, content, m)
		return nil
	})
}

// AppendToActiveDraftContent adds text to the active draft, separated from
// existing content by DraftSeparator.
func (s *Store) AppendToActiveDraftContent(ctx context.Context, id domain.SessionID, text string) error {
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		d := sess.ActiveDraft()
		if d == nil {
			return domain.ErrDraftNotFound
		}
		s.setContent(sess, d, appendContent(d.Content, text), m)
		return nil
	})
}

// CopyAllMessagesToActiveDraft renders the transcript as "User:" and
// "Assistant:" blocks and appends it to the active draft. System messages are
// left out.
func (s *Store) CopyAllMessagesToActiveDraft(ctx context.Context, id domain.SessionID) error {
	return s.update(ctx, id, func(sess *domain.Session, m *mutation) error {
		d := sess.ActiveDraft()
		if d == nil {
			return domain.ErrDraftNotFound
		}
		text := RenderTranscript(sess.Messages)
		if text == "" {
			return nil
		}
		s.setContent(sess, d, appendContent(d.Content, text), m)
		return nil
	})
}

// RenderTranscript formats user and assistant messages as blocks separated by
// blank lines.
func RenderTranscript(msgs []*domain.Message) string {
	blocks := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUser:
			blocks = append(blocks, fmt.Sprintf("User: %s", msg.Content))
		case domain.RoleAssistant:
			blocks = append(blocks, fmt.Sprintf("Assistant: %s", msg.Content))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func appendContent(old, text string) string {
	if old == "" {
		return text
	}
	return old + DraftSeparator + text
}

func (s *Store) setContent(sess *domain.Session, d *domain.Draft, content string, m *mutation) {
	if d.Content == content {
		return
	}
	d.Content = content
	d.UpdatedAt = s.stamp(d.UpdatedAt)
	m.change(domain.ChangeDraftContent, sess.ID).Draft = d.Clone()
	m.event(Event{Kind: EventDraftContent, SessionID: sess.ID, DraftID: d.ID, Content: content})
}
