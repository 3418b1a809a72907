package sessions

import "github.com/PabloGalante/policydesk/internal/domain"

type EventKind string

const (
	EventSessionCreated   EventKind = "session_created"
	EventSessionDeleted   EventKind = "session_deleted"
	EventSessionChanged   EventKind = "session_changed" // title, preview, active draft
	EventMessagesChanged  EventKind = "messages_changed"
	EventDraftsChanged    EventKind = "drafts_changed" // draft set or titles
	EventDraftContent     EventKind = "draft_content"
	EventSelectionChanged EventKind = "selection_changed"
)

// Origin tells whether an event was caused by a local call or by a remote push.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Event reports a model change. DraftID and Content are set for
// EventDraftContent.
type Event struct {
	Kind      EventKind
	Origin    Origin
	SessionID domain.SessionID
	DraftID   domain.DraftID
	Content   string
}

// Subscribe registers fn for every following model event and returns a func
// that removes it. fn runs synchronously on the goroutine that caused the
// change and must not block.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}

	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.Unlock()

	for _, e := range events {
		for _, fn := range fns {
			fn(e)
		}
	}
}
