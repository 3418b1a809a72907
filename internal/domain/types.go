package domain

import "time"

type SessionID string
type MessageID string
type DraftID string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type QueryMode string

const (
	ModeQA         QueryMode = "qa"         // Direct answer with citations
	ModeDeepThink  QueryMode = "deep_think" // Multi-iteration retrieval
	ModeBrainstorm QueryMode = "brainstorm" // Open-ended exploration
)

// Valid reports whether m is one of the known query modes.
func (m QueryMode) Valid() bool {
	switch m {
	case ModeQA, ModeDeepThink, ModeBrainstorm:
		return true
	}
	return false
}

type Timestamp = time.Time

const (
	DefaultSessionTitle = "New Chat"
	draftTitlePrefix    = "Draft "
)
