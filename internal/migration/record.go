// Package migration converts every historically persisted session shape into
// the canonical domain model, and encodes the model back into its current
// persisted shape.
package migration

import (
	"encoding/json"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// Record is the current persisted shape of a session.
type Record struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Preview       string          `json:"preview,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
	Messages      []MessageRecord `json:"messages"`
	Drafts        []DraftRecord   `json:"drafts"`
	ActiveDraftID string          `json:"activeDraftId"`
	DraftCounter  int             `json:"draftCounter"`
}

type MessageRecord struct {
	ID          string                `json:"id"`
	Role        string                `json:"role"`
	Content     string                `json:"content"`
	Timestamp   string                `json:"timestamp"`
	Response    *domain.QueryResponse `json:"response,omitempty"`
	QueryMode   string                `json:"queryMode,omitempty"`
	Attachments []AttachmentRecord    `json:"attachments,omitempty"`
}

type AttachmentRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type DraftRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Encode converts a session into its persisted record. Transient message
// markers and attachment contents are never part of the record.
func Encode(s *domain.Session) Record {
	rec := Record{
		ID:            string(s.ID),
		Title:         s.Title,
		Preview:       s.Preview,
		CreatedAt:     formatTime(s.CreatedAt),
		UpdatedAt:     formatTime(s.UpdatedAt),
		Messages:      make([]MessageRecord, 0, len(s.Messages)),
		Drafts:        make([]DraftRecord, 0, len(s.Drafts)),
		ActiveDraftID: string(s.ActiveDraftID),
		DraftCounter:  s.DraftSeq,
	}

	for _, m := range s.Messages {
		mr := MessageRecord{
			ID:        string(m.ID),
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: formatTime(m.Timestamp),
			Response:  m.Response.Clone(),
			QueryMode: string(m.QueryMode),
		}
		for _, a := range m.Attachments {
			mr.Attachments = append(mr.Attachments, AttachmentRecord{Name: a.Name, Size: a.Size, Type: a.Type})
		}
		rec.Messages = append(rec.Messages, mr)
	}

	for _, d := range s.Drafts {
		rec.Drafts = append(rec.Drafts, DraftRecord{
			ID:        string(d.ID),
			Title:     d.Title,
			Content:   d.Content,
			CreatedAt: formatTime(d.CreatedAt),
			UpdatedAt: formatTime(d.UpdatedAt),
		})
	}

	return rec
}

// EncodeAll serializes an ordered session list.
func EncodeAll(sessions []*domain.Session) ([]byte, error) {
	recs := make([]Record, 0, len(sessions))
	for _, s := range sessions {
		recs = append(recs, Encode(s))
	}
	return json.Marshal(recs)
}
