package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PabloGalante/policydesk/internal/app/drafting"
	"github.com/PabloGalante/policydesk/internal/domain"
)

type editorKey struct {
	session domain.SessionID
	draft   domain.DraftID
}

type updateDraftRequest struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

type appendRequest struct {
	Text string `json:"text"`
}

type rewriteRequest struct {
	Instruction string `json:"instruction"`
}

type editResponse struct {
	Content   string `json:"content"`
	UndoDepth int    `json:"undo_depth"`
}

type draftsResponse struct {
	ActiveDraftID string          `json:"active_draft_id"`
	Drafts        []draftResponse `json:"drafts"`
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draftsResponse{
		ActiveDraftID: string(sess.ActiveDraftID),
		Drafts:        toDraftsResponse(sess),
	})
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	d, err := s.store.CreateDraft(r.Context(), id)
	if err = s.applied(r, err); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDraftResponse(d, d.ID))
}

// handleUpdateDraft renames and/or replaces the content of a draft. Content
// goes through the draft's editing session so a later undo sees it.
func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req updateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Title == nil && req.Content == nil {
		badRequest(w, "title or content is required")
		return
	}

	id, draftID := sessionID(r), draftIDParam(r)
	if req.Title != nil {
		if err := s.applied(r, s.store.RenameDraft(r.Context(), id, draftID, *req.Title)); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Content != nil {
		ed, err := s.editorFor(id, draftID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := ed.Edit(*req.Content); err != nil {
			writeError(w, err)
			return
		}
		if err := s.applied(r, ed.Flush(r.Context())); err != nil {
			writeError(w, err)
			return
		}
	}
	s.writeDraft(w, r, id, draftID, http.StatusOK)
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id, draftID := sessionID(r), draftIDParam(r)
	if err := s.applied(r, s.store.DeleteDraft(r.Context(), id, draftID)); err != nil {
		writeError(w, err)
		return
	}
	s.dropEditors(id, draftID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateDraft(w http.ResponseWriter, r *http.Request) {
	id, draftID := sessionID(r), draftIDParam(r)
	if err := s.applied(r, s.store.SetActiveDraft(r.Context(), id, draftID)); err != nil {
		writeError(w, err)
		return
	}
	s.writeDraft(w, r, id, draftID, http.StatusOK)
}

func (s *Server) handleAppendToActive(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		badRequest(w, "text is required")
		return
	}
	id := sessionID(r)
	if err := s.applied(r, s.store.AppendToActiveDraftContent(r.Context(), id, req.Text)); err != nil {
		writeError(w, err)
		return
	}
	s.writeActiveDraft(w, r, id)
}

func (s *Server) handleCopyMessages(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := s.applied(r, s.store.CopyAllMessagesToActiveDraft(r.Context(), id)); err != nil {
		writeError(w, err)
		return
	}
	s.writeActiveDraft(w, r, id)
}

func (s *Server) handleRewriteDraft(w http.ResponseWriter, r *http.Request) {
	if s.editor == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "draft rewriting is not configured"})
		return
	}
	var req rewriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		badRequest(w, "instruction is required")
		return
	}

	ed, err := s.editorFor(sessionID(r), draftIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	content, err := ed.Rewrite(r.Context(), req.Instruction)
	if err = s.applied(r, err); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{Content: content, UndoDepth: ed.UndoDepth()})
}

func (s *Server) handleUndoDraft(w http.ResponseWriter, r *http.Request) {
	ed, err := s.editorFor(sessionID(r), draftIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	content, ok := ed.Undo()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "nothing to undo"})
		return
	}
	if err := s.applied(r, ed.Flush(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{Content: content, UndoDepth: ed.UndoDepth()})
}

func (s *Server) writeDraft(w http.ResponseWriter, r *http.Request, id domain.SessionID, draftID domain.DraftID, status int) {
	sess, err := s.store.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	d := sess.Draft(draftID)
	if d == nil {
		writeError(w, domain.ErrDraftNotFound)
		return
	}
	writeJSON(w, status, toDraftResponse(d, sess.ActiveDraftID))
}

// writeActiveDraft responds with the active draft after a store-side content
// change. Any editing session of that draft holds stale content, so it is
// dropped.
func (s *Server) writeActiveDraft(w http.ResponseWriter, r *http.Request, id domain.SessionID) {
	sess, err := s.store.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	d := sess.ActiveDraft()
	s.dropEditors(id, d.ID)
	writeJSON(w, http.StatusOK, toDraftResponse(d, sess.ActiveDraftID))
}

// editorFor returns the open editing session of a draft, starting one when
// needed.
func (s *Server) editorFor(id domain.SessionID, draftID domain.DraftID) (*drafting.Session, error) {
	key := editorKey{session: id, draft: draftID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ed, ok := s.editors[key]; ok {
		return ed, nil
	}

	var opts []drafting.Option
	if s.autosave > 0 {
		opts = append(opts, drafting.WithAutosaveDelay(s.autosave))
	}
	editor := s.editor
	if editor == nil {
		editor = unavailableEditor{}
	}
	ed, err := drafting.NewSession(s.store, editor, id, draftID, opts...)
	if err != nil {
		return nil, err
	}
	s.editors[key] = ed
	return ed, nil
}

// dropEditors closes the editing sessions of one draft, or of every draft of
// the session when draftID is empty.
func (s *Server) dropEditors(id domain.SessionID, draftID domain.DraftID) {
	var closing []*drafting.Session

	s.mu.Lock()
	for key, ed := range s.editors {
		if key.session == id && (draftID == "" || key.draft == draftID) {
			closing = append(closing, ed)
			delete(s.editors, key)
		}
	}
	s.mu.Unlock()

	for _, ed := range closing {
		ed.Close()
	}
}

func draftIDParam(r *http.Request) domain.DraftID {
	return domain.DraftID(chi.URLParam(r, "draftID"))
}

type unavailableEditor struct{}

func (unavailableEditor) EditDraft(_ context.Context, _, _ string) (string, error) {
	return "", errors.New("draft rewriting is not configured")
}
