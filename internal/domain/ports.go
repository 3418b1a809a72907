package domain

import "context"

// QueryClient defines how the application asks the answering backend.
type QueryClient interface {
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
	QueryWithFiles(ctx context.Context, req QueryRequest, files []FileUpload) (*QueryResponse, error)
}

// DraftEditor rewrites draft content following a natural-language instruction.
type DraftEditor interface {
	EditDraft(ctx context.Context, content, instruction string) (string, error)
}

// DocumentLocator is consumed by the document viewer.
type DocumentLocator interface {
	SignedURL(ctx context.Context, documentID string) (*SignedURL, error)
	Locate(ctx context.Context, documentID, snippet string) (*LocateResult, error)
}

// ChangeKind names the mutation a Change carries.
type ChangeKind string

const (
	ChangeSessionCreated ChangeKind = "session_created"
	ChangeSessionDeleted ChangeKind = "session_deleted"
	ChangeSessionUpdated ChangeKind = "session_updated" // title, preview
	ChangeMessageAdded   ChangeKind = "message_added"
	ChangeDraftCreated   ChangeKind = "draft_created"
	ChangeDraftRenamed   ChangeKind = "draft_renamed"
	ChangeDraftContent   ChangeKind = "draft_content"
	ChangeDraftDeleted   ChangeKind = "draft_deleted"
	ChangeActiveDraft    ChangeKind = "active_draft"
)

// Change is a mutation already applied to the in-memory model.
// Session is a deep copy of the owning session after the change (nil on delete);
// Message/Draft/DraftID identify the child the change is about.
type Change struct {
	Kind      ChangeKind
	SessionID SessionID
	Session   *Session
	Message   *Message
	Draft     *Draft
	DraftID   DraftID
}

// SessionRepository defines session persistence. Both the local and the remote
// adapters implement it; the session store depends on nothing else.
type SessionRepository interface {
	LoadSessions(ctx context.Context) ([]*Session, error)
	Commit(ctx context.Context, change Change) error
	LoadActiveSessionID(ctx context.Context) (SessionID, error)
	SaveActiveSessionID(ctx context.Context, id SessionID) error
}

// UpdateKind names which part of a session a remote push carries.
type UpdateKind string

const (
	UpdateSession  UpdateKind = "session"
	UpdateMessages UpdateKind = "messages"
	UpdateDrafts   UpdateKind = "drafts"
)

// RemoteUpdate is a snapshot pushed by a remote repository.
// Session holds only session-level fields; Messages are in timestamp order,
// Drafts in creation order.
type RemoteUpdate struct {
	Kind      UpdateKind
	SessionID SessionID
	Session   *Session
	Messages  []*Message
	Drafts    []*Draft
}

// Unsubscribe stops a subscription. No delivery happens after it returns.
type Unsubscribe func()

// SessionWatcher is implemented by repositories that push live changes.
type SessionWatcher interface {
	WatchSession(ctx context.Context, id SessionID, fn func(RemoteUpdate)) (Unsubscribe, error)
}
