package domain

import (
	"fmt"
	"sort"
)

// Attachment describes a file sent along with a message. Only the descriptor
// is kept; file content never reaches persistence.
type Attachment struct {
	Name string
	Size int64
	Type string
}

// Message represents any entry in a session's transcript (user, assistant or system)
type Message struct {
	ID        MessageID
	Role      Role
	Content   string
	Timestamp Timestamp

	// Response is the raw backend result for assistant (or failed) turns
	Response    *QueryResponse
	QueryMode   QueryMode
	Attachments []Attachment

	// Transient markers for in-flight placeholders, never persisted
	IsThinking  bool
	CurrentStep string
}

// Draft is a named, independently editable document scoped to a session.
type Draft struct {
	ID        DraftID
	Title     string
	Content   string
	CreatedAt Timestamp
	UpdatedAt Timestamp
}

// Session is a conversation thread owning an ordered message log and a
// non-empty set of drafts, exactly one of which is active.
type Session struct {
	ID        SessionID
	Title     string
	Preview   string
	CreatedAt Timestamp
	UpdatedAt Timestamp

	Messages      []*Message
	Drafts        []*Draft
	ActiveDraftID DraftID

	// DraftSeq counts drafts ever created in the session; it drives "Draft N".
	DraftSeq int
}

// DefaultDraftTitle returns the placeholder title of the n-th draft (1-based).
func DefaultDraftTitle(n int) string {
	return fmt.Sprintf("%s%d", draftTitlePrefix, n)
}

// Draft returns the draft with the given id, or nil.
func (s *Session) Draft(id DraftID) *Draft {
	for _, d := range s.Drafts {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// ActiveDraft returns the draft ActiveDraftID points at, or nil.
func (s *Session) ActiveDraft() *Draft {
	return s.Draft(s.ActiveDraftID)
}

// FirstDraft returns the earliest created draft. Ties keep slice order.
func (s *Session) FirstDraft() *Draft {
	if len(s.Drafts) == 0 {
		return nil
	}
	first := s.Drafts[0]
	for _, d := range s.Drafts[1:] {
		if d.CreatedAt.Before(first.CreatedAt) {
			first = d
		}
	}
	return first
}

// SortDrafts orders drafts by creation time, keeping the relative order of equal timestamps.
func SortDrafts(drafts []*Draft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		return drafts[i].CreatedAt.Before(drafts[j].CreatedAt)
	})
}

// SortMessages orders messages by timestamp, keeping the relative order of equal timestamps.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// LastTimestamp returns the timestamp of the newest message, or the zero time.
func (s *Session) LastTimestamp() Timestamp {
	if len(s.Messages) == 0 {
		return Timestamp{}
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]*Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	out.Drafts = make([]*Draft, 0, len(s.Drafts))
	for _, d := range s.Drafts {
		out.Drafts = append(out.Drafts, d.Clone())
	}
	return &out
}

// Clone returns a copy of the draft.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Response != nil {
		out.Response = m.Response.Clone()
	}
	return &out
}

// Persistable returns a copy with the transient in-flight markers cleared.
func (m *Message) Persistable() *Message {
	out := m.Clone()
	out.IsThinking = false
	out.CurrentStep = ""
	return out
}
