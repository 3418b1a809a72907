package migration

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// rawSession accepts every session shape ever persisted. Presence of fields,
// not a version number, decides how a record is read.
type rawSession struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Preview       string       `json:"preview"`
	CreatedAt     flexTime     `json:"createdAt"`
	UpdatedAt     flexTime     `json:"updatedAt"`
	Messages      []rawMessage `json:"messages"`
	Drafts        *[]rawDraft  `json:"drafts"`
	Draft         *string      `json:"draft"`
	ActiveDraftID *string      `json:"activeDraftId"`
	DraftCounter  int          `json:"draftCounter"`
}

type rawMessage struct {
	ID          string             `json:"id"`
	Role        string             `json:"role"`
	Sender      string             `json:"sender"`
	Content     *string            `json:"content"`
	Text        string             `json:"text"`
	Timestamp   flexTime           `json:"timestamp"`
	Response    json.RawMessage    `json:"response"`
	QueryMode   string             `json:"queryMode"`
	Attachments []AttachmentRecord `json:"attachments"`
	Files       []AttachmentRecord `json:"files"`
}

type rawDraft struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	CreatedAt flexTime `json:"createdAt"`
	UpdatedAt flexTime `json:"updatedAt"`
}

// Migrate converts one persisted session record of unknown vintage into the
// canonical shape. The result always holds at least one draft and an active
// draft id that resolves. Running it on its own encoded output is a no-op.
func Migrate(raw json.RawMessage, now time.Time) (*domain.Session, error) {
	var rs rawSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}

	s := &domain.Session{
		ID:        domain.SessionID(strings.TrimSpace(rs.ID)),
		Title:     rs.Title,
		Preview:   rs.Preview,
		CreatedAt: rs.CreatedAt.Time,
		UpdatedAt: rs.UpdatedAt.Time,
		DraftSeq:  rs.DraftCounter,
	}

	switch {
	case s.CreatedAt.IsZero() && !s.UpdatedAt.IsZero():
		s.CreatedAt = s.UpdatedAt
	case s.CreatedAt.IsZero():
		s.CreatedAt = now.UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.ID == "" {
		s.ID = legacyID(raw)
	}
	if strings.TrimSpace(s.Title) == "" {
		s.Title = domain.DefaultSessionTitle
	}

	s.Messages = migrateMessages(s, rs.Messages)

	switch {
	case rs.Drafts != nil:
		s.Drafts = migrateDrafts(s, *rs.Drafts)
		if rs.ActiveDraftID != nil {
			s.ActiveDraftID = domain.DraftID(*rs.ActiveDraftID)
		}
	case rs.Draft != nil:
		s.Drafts = []*domain.Draft{defaultDraft(s, *rs.Draft)}
	default:
		s.Drafts = []*domain.Draft{defaultDraft(s, "")}
	}

	Repair(s)
	return s, nil
}

// legacyID derives a stable id for a record written without one. Distinct
// records get distinct ids; once encoded, the id is persisted with the record.
func legacyID(raw json.RawMessage) domain.SessionID {
	sum := sha256.Sum256(bytes.TrimSpace(raw))
	return domain.SessionID("legacy-" + hex.EncodeToString(sum[:8]))
}

// Repair restores the draft invariants of an already decoded session: at
// least one draft, an active draft id that resolves and a draft counter that
// covers every draft. It reports whether anything had to change.
func Repair(s *domain.Session) bool {
	changed := false
	if len(s.Drafts) == 0 {
		s.Drafts = []*domain.Draft{defaultDraft(s, "")}
		changed = true
	}
	if s.Draft(s.ActiveDraftID) == nil {
		s.ActiveDraftID = s.Drafts[0].ID
		changed = true
	}
	if s.DraftSeq < len(s.Drafts) {
		s.DraftSeq = len(s.Drafts)
		changed = true
	}
	return changed
}

// MigrateAll decodes a persisted session array. Records that cannot be read
// are skipped and reported in the joined error next to the recovered sessions;
// an unreadable array yields no sessions.
func MigrateAll(data []byte, now time.Time) ([]*domain.Session, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}

	out := make([]*domain.Session, 0, len(raws))
	seen := make(map[domain.SessionID]bool, len(raws))
	var errs []error
	for i, raw := range raws {
		s, err := Migrate(raw, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("record %d: duplicate session id %s", i, s.ID))
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

func migrateMessages(s *domain.Session, raws []rawMessage) []*domain.Message {
	out := make([]*domain.Message, 0, len(raws))
	for i, rm := range raws {
		m := &domain.Message{
			ID:        domain.MessageID(rm.ID),
			Role:      parseRole(rm.Role, rm.Sender),
			Timestamp: rm.Timestamp.Time,
			QueryMode: domain.QueryMode(rm.QueryMode),
		}
		if m.ID == "" {
			m.ID = domain.MessageID(fmt.Sprintf("%s-msg-%d", s.ID, i+1))
		}
		if rm.Content != nil {
			m.Content = *rm.Content
		} else {
			m.Content = rm.Text
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = s.CreatedAt
		}
		if !m.QueryMode.Valid() {
			m.QueryMode = ""
		}

		atts := rm.Attachments
		if len(atts) == 0 {
			atts = rm.Files
		}
		for _, a := range atts {
			m.Attachments = append(m.Attachments, domain.Attachment{Name: a.Name, Size: a.Size, Type: a.Type})
		}

		if len(rm.Response) > 0 && string(rm.Response) != "null" {
			var resp domain.QueryResponse
			if err := json.Unmarshal(rm.Response, &resp); err == nil {
				m.Response = &resp
			}
		}

		out = append(out, m)
	}
	return out
}

func migrateDrafts(s *domain.Session, raws []rawDraft) []*domain.Draft {
	out := make([]*domain.Draft, 0, len(raws))
	seen := make(map[domain.DraftID]bool, len(raws))
	for i, rd := range raws {
		d := &domain.Draft{
			ID:        domain.DraftID(rd.ID),
			Title:     rd.Title,
			Content:   rd.Content,
			CreatedAt: rd.CreatedAt.Time,
			UpdatedAt: rd.UpdatedAt.Time,
		}
		if d.ID == "" {
			d.ID = draftID(s.ID, i+1)
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if strings.TrimSpace(d.Title) == "" {
			d.Title = domain.DefaultDraftTitle(i + 1)
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = s.CreatedAt
		}
		if d.UpdatedAt.IsZero() {
			d.UpdatedAt = d.CreatedAt
		}
		out = append(out, d)
	}
	return out
}

func defaultDraft(s *domain.Session, content string) *domain.Draft {
	return &domain.Draft{
		ID:        draftID(s.ID, 1),
		Title:     domain.DefaultDraftTitle(1),
		Content:   content,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func draftID(sessionID domain.SessionID, n int) domain.DraftID {
	return domain.DraftID(fmt.Sprintf("%s-draft-%d", sessionID, n))
}

func parseRole(role, sender string) domain.Role {
	v := strings.ToLower(strings.TrimSpace(role))
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(sender))
	}
	switch v {
	case "user", "human":
		return domain.RoleUser
	case "assistant", "bot", "ai":
		return domain.RoleAssistant
	default:
		return domain.RoleSystem
	}
}
