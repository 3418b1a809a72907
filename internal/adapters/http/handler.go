package httpadapter

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/PabloGalante/policydesk/internal/adapters/queryapi"
	"github.com/PabloGalante/policydesk/internal/app/conversation"
	"github.com/PabloGalante/policydesk/internal/app/drafting"
	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

// maxUploadMemory is how much of a multipart send is buffered in memory.
const maxUploadMemory = 32 << 20

type Deps struct {
	Store        *sessions.Store
	Conversation *conversation.Service
	// Editor backs draft rewrites; nil disables them.
	Editor domain.DraftEditor
	// Locator backs the /pdf routes; nil disables them.
	Locator        domain.DocumentLocator
	AllowedOrigins []string
	AutosaveDelay  time.Duration
}

type Server struct {
	router   chi.Router
	store    *sessions.Store
	conv     *conversation.Service
	editor   domain.DraftEditor
	locator  domain.DocumentLocator
	autosave time.Duration

	mu      sync.Mutex
	editors map[editorKey]*drafting.Session
}

func NewServer(deps Deps) *Server {
	s := &Server{
		store:    deps.Store,
		conv:     deps.Conversation,
		editor:   deps.Editor,
		locator:  deps.Locator,
		autosave: deps.AutosaveDelay,
		editors:  make(map[editorKey]*drafting.Session),
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(withRequestLogging)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/conversation/status", s.handleStatus)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleRenameSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/select", s.handleSelectSession)
			r.Post("/messages", s.handleSendMessage)

			r.Route("/drafts", func(r chi.Router) {
				r.Get("/", s.handleListDrafts)
				r.Post("/", s.handleCreateDraft)
				r.Post("/active/append", s.handleAppendToActive)
				r.Post("/active/copy-messages", s.handleCopyMessages)

				r.Route("/{draftID}", func(r chi.Router) {
					r.Patch("/", s.handleUpdateDraft)
					r.Delete("/", s.handleDeleteDraft)
					r.Post("/activate", s.handleActivateDraft)
					r.Post("/rewrite", s.handleRewriteDraft)
					r.Post("/undo", s.handleUndoDraft)
				})
			})
		})
	})

	r.Get("/pdf/{docID}", s.handleSignedURL)
	r.Post("/pdf/locate", s.handleLocate)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops every open draft editing session without writing.
func (s *Server) Close() {
	s.mu.Lock()
	eds := s.editors
	s.editors = make(map[editorKey]*drafting.Session)
	s.mu.Unlock()

	for _, ed := range eds {
		ed.Close()
	}
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type sessionSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Preview       string    `json:"preview"`
	MessageCount  int       `json:"message_count"`
	DraftCount    int       `json:"draft_count"`
	ActiveDraftID string    `json:"active_draft_id"`
	Selected      bool      `json:"selected"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type sessionResponse struct {
	sessionSummary
	Messages []messageResponse `json:"messages"`
	Drafts   []draftResponse   `json:"drafts"`
}

type attachmentResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type messageResponse struct {
	ID          string                `json:"id"`
	Role        string                `json:"role"`
	Content     string                `json:"content"`
	Timestamp   time.Time             `json:"timestamp"`
	QueryMode   string                `json:"query_mode,omitempty"`
	Attachments []attachmentResponse  `json:"attachments,omitempty"`
	Response    *domain.QueryResponse `json:"response,omitempty"`
	IsThinking  bool                  `json:"is_thinking,omitempty"`
	CurrentStep string                `json:"current_step,omitempty"`
}

type draftResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Text            string `json:"text"`
	Mode            string `json:"mode,omitempty"`
	InternetEnabled bool   `json:"internet_enabled,omitempty"`
}

type sendMessageResponse struct {
	SessionID   string           `json:"session_id"`
	UserMessage *messageResponse `json:"user_message,omitempty"`
	Reply       *messageResponse `json:"reply,omitempty"`
	Failed      bool             `json:"failed"`
}

type statusResponse struct {
	State   string           `json:"state"`
	Pending *messageResponse `json:"pending,omitempty"`
}

type locateRequest struct {
	DocumentID string `json:"document_id"`
	Snippet    string `json:"snippet"`
}

// ─────────────────────────────────────────────
// Session handlers
// ─────────────────────────────────────────────

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	selected := s.store.SelectedID()
	all := s.store.Sessions()
	out := make([]sessionSummary, 0, len(all))
	for _, sess := range all {
		out = append(out, toSessionSummary(sess, selected))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}

	sess, err := s.store.CreateSession(r.Context(), req.Title)
	if err = s.applied(r, err); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess, sess.ID))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, s.store.SelectedID()))
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	id := sessionID(r)
	if err := s.applied(r, s.store.RenameSession(r.Context(), id, req.Title)); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := s.applied(r, s.store.DeleteSession(r.Context(), id)); err != nil {
		writeError(w, err)
		return
	}
	s.dropEditors(id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	if err := s.applied(r, s.store.SelectSession(r.Context(), sessionID(r))); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetSession(w, r)
}

// handleSendMessage accepts either a JSON body or multipart form data with
// text, mode, internet_enabled and any number of "files" parts.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var (
		req   sendMessageRequest
		files []domain.FileUpload
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			badRequest(w, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()

		req.Text = r.FormValue("text")
		req.Mode = r.FormValue("mode")
		req.InternetEnabled, _ = strconv.ParseBool(r.FormValue("internet_enabled"))

		uploads, closeAll, err := openUploads(r.MultipartForm.File["files"])
		if err != nil {
			badRequest(w, "unreadable attachment")
			return
		}
		defer closeAll()
		files = uploads
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	mode := domain.QueryMode(req.Mode)
	if mode != "" && !mode.Valid() {
		badRequest(w, "unknown mode")
		return
	}

	out, err := s.conv.Send(r.Context(), conversation.SendInput{
		SessionID:       sessionID(r),
		Text:            req.Text,
		Mode:            mode,
		InternetEnabled: req.InternetEnabled,
		Files:           files,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		SessionID:   string(out.SessionID),
		UserMessage: toMessageResponsePtr(out.UserMessage),
		Reply:       toMessageResponsePtr(out.Reply),
		Failed:      out.Failed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:   s.conv.State().String(),
		Pending: toMessageResponsePtr(s.conv.Pending()),
	})
}

// ─────────────────────────────────────────────
// Document handlers
// ─────────────────────────────────────────────

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "document lookup is not configured"})
		return
	}
	u, err := s.locator.SignedURL(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "document lookup is not configured"})
		return
	}
	var req locateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.DocumentID == "" || strings.TrimSpace(req.Snippet) == "" {
		badRequest(w, "document_id and snippet are required")
		return
	}
	res, err := s.locator.Locate(r.Context(), req.DocumentID, req.Snippet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─────────────────────────────────────────────
// Conversion helpers
// ─────────────────────────────────────────────

func toSessionSummary(s *domain.Session, selected domain.SessionID) sessionSummary {
	return sessionSummary{
		ID:            string(s.ID),
		Title:         s.Title,
		Preview:       s.Preview,
		MessageCount:  len(s.Messages),
		DraftCount:    len(s.Drafts),
		ActiveDraftID: string(s.ActiveDraftID),
		Selected:      s.ID == selected,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func toSessionResponse(s *domain.Session, selected domain.SessionID) sessionResponse {
	msgs := make([]messageResponse, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, toMessageResponse(m))
	}
	return sessionResponse{
		sessionSummary: toSessionSummary(s, selected),
		Messages:       msgs,
		Drafts:         toDraftsResponse(s),
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	out := messageResponse{
		ID:          string(m.ID),
		Role:        string(m.Role),
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		QueryMode:   string(m.QueryMode),
		Response:    m.Response,
		IsThinking:  m.IsThinking,
		CurrentStep: m.CurrentStep,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, attachmentResponse{Name: a.Name, Size: a.Size, Type: a.Type})
	}
	return out
}

func toMessageResponsePtr(m *domain.Message) *messageResponse {
	if m == nil {
		return nil
	}
	out := toMessageResponse(m)
	return &out
}

func toDraftsResponse(s *domain.Session) []draftResponse {
	out := make([]draftResponse, 0, len(s.Drafts))
	for _, d := range s.Drafts {
		out = append(out, toDraftResponse(d, s.ActiveDraftID))
	}
	return out
}

func toDraftResponse(d *domain.Draft, active domain.DraftID) draftResponse {
	return draftResponse{
		ID:        string(d.ID),
		Title:     d.Title,
		Content:   d.Content,
		Active:    d.ID == active,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func sessionID(r *http.Request) domain.SessionID {
	return domain.SessionID(chi.URLParam(r, "id"))
}

func openUploads(headers []*multipart.FileHeader) ([]domain.FileUpload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	out := make([]domain.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		opened = append(opened, f)
		out = append(out, domain.FileUpload{
			Attachment: domain.Attachment{
				Name: fh.Filename,
				Size: fh.Size,
				Type: fh.Header.Get("Content-Type"),
			},
			Content: f,
		})
	}
	return out, closeAll, nil
}

// ─────────────────────────────────────────────
// HTTP helpers
// ─────────────────────────────────────────────

// applied drops ErrPersistence: the change is already in the model and will
// be visible to every reader, so the request succeeded.
func (s *Server) applied(r *http.Request, err error) error {
	if errors.Is(err, sessions.ErrPersistence) {
		observability.LoggerFromContext(r.Context()).Warnw("change kept in memory only", "error", err)
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	var apiErr *queryapi.APIError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrDraftNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrLastSession), errors.Is(err, domain.ErrLastDraft), errors.Is(err, domain.ErrBusy):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidTitle), errors.Is(err, domain.ErrEmptyMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &apiErr):
		status, msg = http.StatusBadGateway, apiErr.Message
	}

	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
