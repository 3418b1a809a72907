package memory

import (
	"context"

	"github.com/PabloGalante/policydesk/internal/domain"
)

func (s *Store) CreateDraft(ctx context.Context, session *domain.Session, draft *domain.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(session.ID)
	if err != nil {
		return err
	}
	if stored.Draft(draft.ID) != nil {
		return nil
	}

	d := *draft
	stored.Drafts = append(stored.Drafts, &d)
	domain.SortDrafts(stored.Drafts)
	stored.ActiveDraftID = d.ID
	if session.DraftSeq > stored.DraftSeq {
		stored.DraftSeq = session.DraftSeq
	}
	stored.UpdatedAt = s.now()

	s.publishLocked(session.ID, domain.UpdateDrafts, domain.UpdateSession)
	return nil
}

func (s *Store) UpdateDraftContent(ctx context.Context, id domain.SessionID, draftID domain.DraftID, content string) error {
	return s.updateDraft(id, draftID, func(d *domain.Draft) { d.Content = content })
}

func (s *Store) RenameDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID, title string) error {
	return s.updateDraft(id, draftID, func(d *domain.Draft) { d.Title = title })
}

func (s *Store) updateDraft(id domain.SessionID, draftID domain.DraftID, fn func(*domain.Draft)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(id)
	if err != nil {
		return err
	}
	d := stored.Draft(draftID)
	if d == nil {
		return domain.ErrDraftNotFound
	}

	fn(d)
	d.UpdatedAt = s.now()
	stored.UpdatedAt = d.UpdatedAt

	s.publishLocked(id, domain.UpdateDrafts)
	return nil
}

func (s *Store) SetActiveDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(id)
	if err != nil {
		return err
	}
	if stored.Draft(draftID) == nil {
		return domain.ErrDraftNotFound
	}

	stored.ActiveDraftID = draftID
	stored.UpdatedAt = s.now()

	s.publishLocked(id, domain.UpdateSession)
	return nil
}

func (s *Store) DeleteDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.sessionLocked(id)
	if err != nil {
		return err
	}

	idx := -1
	for i, d := range stored.Drafts {
		if d.ID == draftID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.ErrDraftNotFound
	}
	if len(stored.Drafts) == 1 {
		return domain.ErrLastDraft
	}

	stored.Drafts = append(stored.Drafts[:idx:idx], stored.Drafts[idx+1:]...)
	if stored.ActiveDraftID == draftID {
		stored.ActiveDraftID = stored.FirstDraft().ID
	}
	stored.UpdatedAt = s.now()

	s.publishLocked(id, domain.UpdateDrafts, domain.UpdateSession)
	return nil
}
