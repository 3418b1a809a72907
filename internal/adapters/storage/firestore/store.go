package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/policydesk/internal/adapters/storage"
	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

var (
	_ domain.SessionRepository = (*Store)(nil)
	_ domain.SessionWatcher    = (*Store)(nil)
	_ storage.DocumentWriter   = (*Store)(nil)
)

// loadConcurrency bounds how many sessions have their subcollections read at once.
const loadConcurrency = 8

type Store struct {
	client   *firestore.Client
	clientID string

	mu         sync.Mutex
	draftLocks map[domain.DraftID]*semaphore.Weighted
}

// NewStore creates a Firestore store.
// Sessions are scoped to clientID, which also keys the selected-session record.
func NewStore(ctx context.Context, projectID, clientID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{
		client:     client,
		clientID:   clientID,
		draftLocks: make(map[domain.DraftID]*semaphore.Weighted),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) sessionsCol() *firestore.CollectionRef {
	return s.client.Collection("sessions")
}

func (s *Store) sessionDoc(id domain.SessionID) *firestore.DocumentRef {
	return s.sessionsCol().Doc(string(id))
}

func (s *Store) messagesCol(sessionID domain.SessionID) *firestore.CollectionRef {
	return s.sessionDoc(sessionID).Collection("messages")
}

func (s *Store) messageDoc(sessionID domain.SessionID, msgID domain.MessageID) *firestore.DocumentRef {
	return s.messagesCol(sessionID).Doc(string(msgID))
}

func (s *Store) draftsCol(sessionID domain.SessionID) *firestore.CollectionRef {
	return s.sessionDoc(sessionID).Collection("drafts")
}

func (s *Store) draftDoc(sessionID domain.SessionID, draftID domain.DraftID) *firestore.DocumentRef {
	return s.draftsCol(sessionID).Doc(string(draftID))
}

func (s *Store) clientDoc() *firestore.DocumentRef {
	return s.client.Collection("clients").Doc(s.clientID)
}

// draftLock returns the semaphore serializing content writes to one draft.
func (s *Store) draftLock(id domain.DraftID) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.draftLocks[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.draftLocks[id] = sem
	}
	return sem
}

func notFound(err error, sentinel error) error {
	if status.Code(err) == codes.NotFound {
		return sentinel
	}
	return err
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type sessionDoc struct {
	Owner         string    `firestore:"owner"`
	Title         string    `firestore:"title"`
	Preview       string    `firestore:"preview"`
	ActiveDraftID string    `firestore:"active_draft_id"`
	DraftSeq      int       `firestore:"draft_seq"`
	CreatedAt     time.Time `firestore:"created_at"`
	UpdatedAt     time.Time `firestore:"updated_at,serverTimestamp"`
}

type attachmentDoc struct {
	Name string `firestore:"name"`
	Size int64  `firestore:"size"`
	Type string `firestore:"type"`
}

type messageDoc struct {
	Role        string          `firestore:"role"`
	Content     string          `firestore:"content"`
	Timestamp   time.Time       `firestore:"timestamp"`
	QueryMode   string          `firestore:"query_mode,omitempty"`
	Attachments []attachmentDoc `firestore:"attachments,omitempty"`
	// Response is stored as the backend's JSON so its shape can evolve freely.
	Response string `firestore:"response,omitempty"`
}

type draftDoc struct {
	Title     string    `firestore:"title"`
	Content   string    `firestore:"content"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type clientDoc struct {
	ActiveSessionID string `firestore:"active_session_id"`
}

func (s *Store) toSessionDoc(session *domain.Session) sessionDoc {
	return sessionDoc{
		Owner:         s.clientID,
		Title:         session.Title,
		Preview:       session.Preview,
		ActiveDraftID: string(session.ActiveDraftID),
		DraftSeq:      session.DraftSeq,
		CreatedAt:     session.CreatedAt,
	}
}

func fromSessionDoc(id string, doc sessionDoc) *domain.Session {
	return &domain.Session{
		ID:            domain.SessionID(id),
		Title:         doc.Title,
		Preview:       doc.Preview,
		ActiveDraftID: domain.DraftID(doc.ActiveDraftID),
		DraftSeq:      doc.DraftSeq,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

func toMessageDoc(m *domain.Message) (messageDoc, error) {
	doc := messageDoc{
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		QueryMode: string(m.QueryMode),
	}
	for _, a := range m.Attachments {
		doc.Attachments = append(doc.Attachments, attachmentDoc(a))
	}
	if m.Response != nil {
		raw, err := json.Marshal(m.Response)
		if err != nil {
			return messageDoc{}, fmt.Errorf("encode response: %w", err)
		}
		doc.Response = string(raw)
	}
	return doc, nil
}

func fromMessageDoc(id string, doc messageDoc) (*domain.Message, error) {
	m := &domain.Message{
		ID:        domain.MessageID(id),
		Role:      domain.Role(doc.Role),
		Content:   doc.Content,
		Timestamp: doc.Timestamp,
		QueryMode: domain.QueryMode(doc.QueryMode),
	}
	for _, a := range doc.Attachments {
		m.Attachments = append(m.Attachments, domain.Attachment(a))
	}
	if doc.Response != "" {
		var resp domain.QueryResponse
		if err := json.Unmarshal([]byte(doc.Response), &resp); err != nil {
			return nil, fmt.Errorf("decode response of message %s: %w", id, err)
		}
		m.Response = &resp
	}
	return m, nil
}

func toDraftDoc(d *domain.Draft) draftDoc {
	return draftDoc{Title: d.Title, Content: d.Content, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func fromDraftDoc(id string, doc draftDoc) *domain.Draft {
	return &domain.Draft{
		ID:        domain.DraftID(id),
		Title:     doc.Title,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func decodeMessages(snaps []*firestore.DocumentSnapshot) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0, len(snaps))
	for _, snap := range snaps {
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		m, err := fromMessageDoc(snap.Ref.ID, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	domain.SortMessages(out)
	return out, nil
}

func decodeDrafts(snaps []*firestore.DocumentSnapshot) ([]*domain.Draft, error) {
	out := make([]*domain.Draft, 0, len(snaps))
	for _, snap := range snaps {
		var doc draftDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode draftDoc: %w", err)
		}
		out = append(out, fromDraftDoc(snap.Ref.ID, doc))
	}
	domain.SortDrafts(out)
	return out, nil
}

// ─────────────────────────────────────────
// SessionRepository implementation
// ─────────────────────────────────────────

func (s *Store) LoadSessions(ctx context.Context) ([]*domain.Session, error) {
	snaps, err := s.sessionsCol().
		Where("owner", "==", s.clientID).
		OrderBy("created_at", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore LoadSessions: %w", err)
	}

	out := make([]*domain.Session, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, snap := range snaps {
		g.Go(func() error {
			session, err := s.loadSession(gctx, snap)
			if err != nil {
				return err
			}
			out[i] = session
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("firestore LoadSessions: %w", err)
	}
	return out, nil
}

func (s *Store) loadSession(ctx context.Context, snap *firestore.DocumentSnapshot) (*domain.Session, error) {
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode sessionDoc: %w", err)
	}
	session := fromSessionDoc(snap.Ref.ID, doc)

	msgSnaps, err := s.messagesCol(session.ID).OrderBy("timestamp", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("messages of %s: %w", session.ID, err)
	}
	if session.Messages, err = decodeMessages(msgSnaps); err != nil {
		return nil, err
	}

	draftSnaps, err := s.draftsCol(session.ID).OrderBy("created_at", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("drafts of %s: %w", session.ID, err)
	}
	if session.Drafts, err = decodeDrafts(draftSnaps); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) Commit(ctx context.Context, change domain.Change) error {
	return storage.ApplyChange(ctx, s, change)
}

func (s *Store) LoadActiveSessionID(ctx context.Context) (domain.SessionID, error) {
	snap, err := s.clientDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("firestore LoadActiveSessionID: %w", err)
	}
	var doc clientDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("decode clientDoc: %w", err)
	}
	return domain.SessionID(doc.ActiveSessionID), nil
}

func (s *Store) SaveActiveSessionID(ctx context.Context, id domain.SessionID) error {
	if _, err := s.clientDoc().Set(ctx, clientDoc{ActiveSessionID: string(id)}); err != nil {
		return fmt.Errorf("firestore SaveActiveSessionID: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// Session documents
// ─────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	if len(session.Drafts) == 0 {
		return domain.ErrLastDraft
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.sessionDoc(session.ID), s.toSessionDoc(session)); err != nil {
			return err
		}
		for _, d := range session.Drafts {
			if err := tx.Create(s.draftDoc(session.ID, d.ID), toDraftDoc(d)); err != nil {
				return err
			}
		}
		for _, m := range session.Messages {
			doc, err := toMessageDoc(m.Persistable())
			if err != nil {
				return err
			}
			if err := tx.Create(s.messageDoc(session.ID, m.ID), doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("firestore CreateSession: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.sessionDoc(session.ID).Update(ctx, []firestore.Update{
		{Path: "title", Value: session.Title},
		{Path: "preview", Value: session.Preview},
		{Path: "updated_at", Value: firestore.ServerTimestamp},
	})
	if err != nil {
		return fmt.Errorf("firestore UpdateSession: %w", notFound(err, domain.ErrSessionNotFound))
	}
	return nil
}

// DeleteSession removes the children first so a crash never leaves orphans
// under a missing parent that LoadSessions would not find.
func (s *Store) DeleteSession(ctx context.Context, id domain.SessionID) error {
	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob

	for _, col := range []*firestore.CollectionRef{s.messagesCol(id), s.draftsCol(id)} {
		refs := col.DocumentRefs(ctx)
		for {
			ref, err := refs.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				bw.End()
				return fmt.Errorf("firestore DeleteSession: %w", err)
			}
			job, err := bw.Delete(ref)
			if err != nil {
				bw.End()
				return fmt.Errorf("firestore DeleteSession: %w", err)
			}
			jobs = append(jobs, job)
		}
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("firestore DeleteSession: %w", err)
		}
	}

	if _, err := s.sessionDoc(id).Delete(ctx); err != nil {
		return fmt.Errorf("firestore DeleteSession: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// Messages
// ─────────────────────────────────────────

func (s *Store) AppendMessage(ctx context.Context, id domain.SessionID, msg *domain.Message) error {
	doc, err := toMessageDoc(msg.Persistable())
	if err != nil {
		return err
	}

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Set(s.messageDoc(id, msg.ID), doc); err != nil {
			return err
		}
		return s.touch(tx, id)
	})
	if err != nil {
		return fmt.Errorf("firestore AppendMessage: %w", notFound(err, domain.ErrSessionNotFound))
	}
	return nil
}

// touch bumps the parent's updated_at inside tx.
func (s *Store) touch(tx *firestore.Transaction, id domain.SessionID, extra ...firestore.Update) error {
	updates := append([]firestore.Update{{Path: "updated_at", Value: firestore.ServerTimestamp}}, extra...)
	return tx.Update(s.sessionDoc(id), updates)
}

// ─────────────────────────────────────────
// Drafts
// ─────────────────────────────────────────

func (s *Store) CreateDraft(ctx context.Context, session *domain.Session, draft *domain.Draft) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.draftDoc(session.ID, draft.ID), toDraftDoc(draft)); err != nil {
			return err
		}
		return s.touch(tx, session.ID,
			firestore.Update{Path: "active_draft_id", Value: string(draft.ID)},
			firestore.Update{Path: "draft_seq", Value: session.DraftSeq},
		)
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("firestore CreateDraft: %w", notFound(err, domain.ErrSessionNotFound))
	}
	return nil
}

// UpdateDraftContent keeps at most one outstanding content write per draft;
// later callers wait for the earlier write to be acknowledged.
func (s *Store) UpdateDraftContent(ctx context.Context, id domain.SessionID, draftID domain.DraftID, content string) error {
	sem := s.draftLock(draftID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	return s.updateDraft(ctx, id, draftID, firestore.Update{Path: "content", Value: content})
}

func (s *Store) RenameDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID, title string) error {
	return s.updateDraft(ctx, id, draftID, firestore.Update{Path: "title", Value: title})
}

func (s *Store) updateDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID, field firestore.Update) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Update(s.draftDoc(id, draftID), []firestore.Update{
			field,
			{Path: "updated_at", Value: time.Now().UTC()},
		}); err != nil {
			return err
		}
		return s.touch(tx, id)
	})
	if err != nil {
		return fmt.Errorf("firestore update draft %s: %w", draftID, notFound(err, domain.ErrDraftNotFound))
	}
	return nil
}

func (s *Store) SetActiveDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	_, err := s.sessionDoc(id).Update(ctx, []firestore.Update{
		{Path: "active_draft_id", Value: string(draftID)},
		{Path: "updated_at", Value: firestore.ServerTimestamp},
	})
	if err != nil {
		return fmt.Errorf("firestore SetActiveDraft: %w", notFound(err, domain.ErrSessionNotFound))
	}
	return nil
}

// DeleteDraft reads the draft set and deletes in one transaction, so two
// clients cannot each delete one of the last two drafts.
func (s *Store) DeleteDraft(ctx context.Context, id domain.SessionID, draftID domain.DraftID) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sessSnap, err := tx.Get(s.sessionDoc(id))
		if err != nil {
			return notFound(err, domain.ErrSessionNotFound)
		}
		var sess sessionDoc
		if err := sessSnap.DataTo(&sess); err != nil {
			return fmt.Errorf("decode sessionDoc: %w", err)
		}

		draftSnaps, err := tx.Documents(s.draftsCol(id).OrderBy("created_at", firestore.Asc)).GetAll()
		if err != nil {
			return err
		}

		found := false
		var remaining []string
		for _, snap := range draftSnaps {
			if snap.Ref.ID == string(draftID) {
				found = true
				continue
			}
			remaining = append(remaining, snap.Ref.ID)
		}
		if !found {
			return domain.ErrDraftNotFound
		}
		if len(remaining) == 0 {
			return domain.ErrLastDraft
		}

		if err := tx.Delete(s.draftDoc(id, draftID)); err != nil {
			return err
		}
		if sess.ActiveDraftID == string(draftID) {
			return s.touch(tx, id, firestore.Update{Path: "active_draft_id", Value: remaining[0]})
		}
		return s.touch(tx, id)
	})
	if err != nil {
		return fmt.Errorf("firestore DeleteDraft: %w", err)
	}

	s.mu.Lock()
	delete(s.draftLocks, draftID)
	s.mu.Unlock()
	return nil
}

// isStopped reports whether a listener error just means it was shut down.
func isStopped(ctx context.Context, err error) bool {
	return err == iterator.Done ||
		status.Code(err) == codes.Canceled ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

func logListenerError(id domain.SessionID, what string, err error) {
	observability.Logger().Warnw("firestore listener stopped",
		"session_id", id,
		"listener", what,
		"error", err,
	)
}
