package sessions

import (
	"time"

	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

// applyRemote folds a pushed snapshot into the model. Nothing is committed
// back: the push already is the persisted state.
//
// Session fields and draft contents are last-writer-wins, except that a value
// this store committed itself and has since replaced is a late echo and is
// skipped. Messages are a union by id, so local messages whose write is still
// in flight survive. Drafts created or deleted locally and not yet
// acknowledged keep their local state.
func (s *Store) applyRemote(u domain.RemoteUpdate) {
	s.mu.Lock()
	sess := s.find(u.SessionID)
	if sess == nil {
		s.mu.Unlock()
		return
	}

	var events []Event
	switch u.Kind {
	case domain.UpdateSession:
		events = s.reconcileSession(sess, u.Session)
	case domain.UpdateMessages:
		events = reconcileMessages(sess, u.Messages)
	case domain.UpdateDrafts:
		events = s.reconcileDrafts(sess, u.Drafts)
	}
	s.mu.Unlock()

	for i := range events {
		events[i].Origin = OriginRemote
	}
	s.emit(events...)
}

func (s *Store) reconcileSession(sess, remote *domain.Session) []Event {
	if remote == nil {
		return nil
	}

	changed := false
	if remote.Title != "" && remote.Title != sess.Title && !s.isEcho(sessionField(sess.ID, fieldTitle), remote.Title) {
		sess.Title = remote.Title
		changed = true
	}
	if remote.Preview != sess.Preview && !s.isEcho(sessionField(sess.ID, fieldPreview), remote.Preview) {
		sess.Preview = remote.Preview
		changed = true
	}
	if remote.ActiveDraftID != sess.ActiveDraftID && !s.isEcho(sessionField(sess.ID, fieldActiveDraft), string(remote.ActiveDraftID)) {
		if sess.Draft(remote.ActiveDraftID) != nil {
			sess.ActiveDraftID = remote.ActiveDraftID
			delete(s.activeHint, sess.ID)
			changed = true
		} else if remote.ActiveDraftID != "" {
			s.activeHint[sess.ID] = remote.ActiveDraftID
		}
	}
	if remote.DraftSeq > sess.DraftSeq {
		sess.DraftSeq = remote.DraftSeq
	}
	if remote.UpdatedAt.After(sess.UpdatedAt) {
		sess.UpdatedAt = remote.UpdatedAt
	}

	if !changed {
		return nil
	}
	return []Event{{Kind: EventSessionChanged, SessionID: sess.ID}}
}

func reconcileMessages(sess *domain.Session, remote []*domain.Message) []Event {
	known := make(map[domain.MessageID]bool, len(sess.Messages))
	for _, m := range sess.Messages {
		known[m.ID] = true
	}

	added := false
	for _, m := range remote {
		if known[m.ID] {
			continue
		}
		sess.Messages = append(sess.Messages, m.Persistable())
		known[m.ID] = true
		added = true
	}
	if !added {
		return nil
	}

	domain.SortMessages(sess.Messages)
	return []Event{{Kind: EventMessagesChanged, SessionID: sess.ID}}
}

func (s *Store) reconcileDrafts(sess *domain.Session, remote []*domain.Draft) []Event {
	if len(remote) == 0 {
		// The session's draft documents may not be visible yet; an empty set
		// would break the at-least-one-draft rule, so it is ignored.
		return nil
	}

	local := make(map[domain.DraftID]*domain.Draft, len(sess.Drafts))
	for _, d := range sess.Drafts {
		local[d.ID] = d
	}

	next := make([]*domain.Draft, 0, len(remote))
	seen := make(map[domain.DraftID]bool, len(remote))
	for _, d := range remote {
		if s.pending[d.ID] == pendingDelete {
			continue
		}
		nd := d.Clone()
		if old, ok := local[d.ID]; ok {
			if nd.Content != old.Content && s.isEcho(draftField(sess.ID, d.ID, fieldContent), nd.Content) {
				nd.Content, nd.UpdatedAt = old.Content, old.UpdatedAt
			}
			if nd.Title != old.Title && s.isEcho(draftField(sess.ID, d.ID, fieldDraftTitle), nd.Title) {
				nd.Title = old.Title
			}
		}
		next = append(next, nd)
		seen[d.ID] = true
	}
	for _, d := range sess.Drafts {
		if !seen[d.ID] && s.pending[d.ID] == pendingCreate {
			next = append(next, d)
		}
	}
	if len(next) == 0 {
		return nil
	}
	domain.SortDrafts(next)

	var events []Event
	setChanged := len(next) != len(sess.Drafts)
	for _, d := range next {
		old, ok := local[d.ID]
		if !ok || old.Title != d.Title {
			setChanged = true
		}
		if ok && old.Content != d.Content {
			events = append(events, Event{Kind: EventDraftContent, SessionID: sess.ID, DraftID: d.ID, Content: d.Content})
		}
	}
	sess.Drafts = next

	if setChanged {
		events = append(events, Event{Kind: EventDraftsChanged, SessionID: sess.ID})
	}
	if hint, ok := s.activeHint[sess.ID]; ok && sess.Draft(hint) != nil {
		delete(s.activeHint, sess.ID)
		if hint != sess.ActiveDraftID {
			sess.ActiveDraftID = hint
			events = append(events, Event{Kind: EventSessionChanged, SessionID: sess.ID})
		}
	}
	if sess.ActiveDraft() == nil {
		sess.ActiveDraftID = sess.FirstDraft().ID
		events = append(events, Event{Kind: EventSessionChanged, SessionID: sess.ID})
		observability.Logger().Debugw("active draft repointed after remote drafts update",
			"session_id", sess.ID,
			"draft_id", sess.ActiveDraftID,
		)
	}
	if len(sess.Drafts) > sess.DraftSeq {
		sess.DraftSeq = len(sess.Drafts)
	}
	return events
}

const (
	// echoWindow is how many committed values per field are remembered.
	echoWindow = 8
	// echoTTL is how long a committed value is recognized as our own echo.
	echoTTL = 2 * time.Second
)

type field int

const (
	fieldTitle field = iota
	fieldPreview
	fieldActiveDraft
	fieldContent
	fieldDraftTitle
)

type fieldKey struct {
	session domain.SessionID
	draft   domain.DraftID
	field   field
}

type writtenValue struct {
	value string
	at    time.Time
}

func sessionField(id domain.SessionID, f field) fieldKey {
	return fieldKey{session: id, field: f}
}

func draftField(id domain.SessionID, draftID domain.DraftID, f field) fieldKey {
	return fieldKey{session: id, draft: draftID, field: f}
}

// rememberWrite records the field values a change is about to persist.
func (s *Store) rememberWrite(c domain.Change) {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()

	if c.Kind == domain.ChangeSessionDeleted {
		for k := range s.written {
			if k.session == c.SessionID {
				delete(s.written, k)
			}
		}
		return
	}
	if c.Kind == domain.ChangeDraftDeleted {
		for k := range s.written {
			if k.session == c.SessionID && k.draft == c.DraftID {
				delete(s.written, k)
			}
		}
	}

	now := time.Now()
	sess := c.Session
	s.rememberLocked(sessionField(sess.ID, fieldTitle), sess.Title, now)
	s.rememberLocked(sessionField(sess.ID, fieldPreview), sess.Preview, now)
	s.rememberLocked(sessionField(sess.ID, fieldActiveDraft), string(sess.ActiveDraftID), now)
	for _, d := range sess.Drafts {
		s.rememberLocked(draftField(sess.ID, d.ID, fieldContent), d.Content, now)
		s.rememberLocked(draftField(sess.ID, d.ID, fieldDraftTitle), d.Title, now)
	}
}

func (s *Store) rememberLocked(k fieldKey, v string, now time.Time) {
	vals := s.written[k][:0:0]
	for _, w := range s.written[k] {
		if w.value != v && now.Sub(w.at) < echoTTL {
			vals = append(vals, w)
		}
	}
	vals = append(vals, writtenValue{value: v, at: now})
	if len(vals) > echoWindow {
		vals = vals[len(vals)-echoWindow:]
	}
	s.written[k] = vals
}

// isEcho reports whether v was committed by this store within echoTTL.
// Values written by another client are never echoes unless they happen to
// repeat one of ours inside that window.
func (s *Store) isEcho(k fieldKey, v string) bool {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()
	for _, w := range s.written[k] {
		if w.value == v && time.Since(w.at) < echoTTL {
			return true
		}
	}
	return false
}
