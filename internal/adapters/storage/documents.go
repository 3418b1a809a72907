// Package storage holds what the document-oriented repositories (Firestore
// and its in-process stand-in) share: the per-document write surface and the
// mapping from model changes onto it.
package storage

import (
	"context"
	"fmt"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// DocumentWriter is the granular, acknowledged write surface of a
// document database laid out as sessions with messages/drafts children.
// Each call returns once the write is acknowledged, not once it has been
// propagated back through subscriptions.
type DocumentWriter interface {
	// CreateSession writes the session and all its drafts atomically.
	CreateSession(ctx context.Context, s *domain.Session) error
	// UpdateSession writes session-level fields (title, preview).
	UpdateSession(ctx context.Context, s *domain.Session) error
	DeleteSession(ctx context.Context, id domain.SessionID) error

	AppendMessage(ctx context.Context, id domain.SessionID, m *domain.Message) error

	// CreateDraft writes the draft and makes it the session's active draft.
	CreateDraft(ctx context.Context, s *domain.Session, d *domain.Draft) error
	UpdateDraftContent(ctx context.Context, id domain.SessionID, draftID domain.DraftID, content string) error
	RenameDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID, title string) error
	SetActiveDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error
	// DeleteDraft rejects with domain.ErrLastDraft when it would leave the
	// session without drafts, and repoints the active draft in the same write.
	DeleteDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error
}

// ApplyChange maps a model change onto the document write it needs.
func ApplyChange(ctx context.Context, w DocumentWriter, c domain.Change) error {
	var err error
	switch c.Kind {
	case domain.ChangeSessionCreated:
		err = w.CreateSession(ctx, c.Session)
	case domain.ChangeSessionDeleted:
		err = w.DeleteSession(ctx, c.SessionID)
	case domain.ChangeSessionUpdated:
		err = w.UpdateSession(ctx, c.Session)
	case domain.ChangeMessageAdded:
		err = w.AppendMessage(ctx, c.SessionID, c.Message)
	case domain.ChangeDraftCreated:
		err = w.CreateDraft(ctx, c.Session, c.Draft)
	case domain.ChangeDraftRenamed:
		err = w.RenameDraft(ctx, c.SessionID, c.Draft.ID, c.Draft.Title)
	case domain.ChangeDraftContent:
		err = w.UpdateDraftContent(ctx, c.SessionID, c.Draft.ID, c.Draft.Content)
	case domain.ChangeDraftDeleted:
		err = w.DeleteDraft(ctx, c.SessionID, c.DraftID)
	case domain.ChangeActiveDraft:
		err = w.SetActiveDraft(ctx, c.SessionID, c.Session.ActiveDraftID)
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.Kind, c.SessionID, err)
	}
	return nil
}
