package domain

import (
	"io"
	"time"
)

// HistoryTurn is one role/content pair of the conversation window sent as context.
type HistoryTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// QueryRequest is what the query backend receives for a single question.
type QueryRequest struct {
	Query           string        `json:"query"`
	Mode            QueryMode     `json:"mode"`
	InternetEnabled bool          `json:"internet_enabled"`
	History         []HistoryTurn `json:"history"`
}

// FileUpload is an attachment with its content, only alive for the duration of a send.
type FileUpload struct {
	Attachment
	Content io.Reader
}

// Citation points at a passage of a source document.
type Citation struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	Page       int    `json:"page,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// TraceStage summarizes one retrieval stage of the backend.
type TraceStage struct {
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// ProcessingTrace records how the backend produced an answer.
type ProcessingTrace struct {
	Stages     []TraceStage `json:"stages,omitempty"`
	Language   string       `json:"language,omitempty"`
	Iterations int          `json:"iterations,omitempty"`
}

// QueryError is the error sub-object a backend response may carry.
type QueryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// QueryResponse is the opaque backend result stored with assistant messages.
type QueryResponse struct {
	Answer          string           `json:"answer"`
	Citations       []Citation       `json:"citations,omitempty"`
	ProcessingTrace *ProcessingTrace `json:"processing_trace,omitempty"`
	RiskAssessment  string           `json:"risk_assessment,omitempty"`
	Error           *QueryError      `json:"error,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *QueryResponse) Clone() *QueryResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Citations = append([]Citation(nil), r.Citations...)
	if r.ProcessingTrace != nil {
		pt := *r.ProcessingTrace
		pt.Stages = append([]TraceStage(nil), r.ProcessingTrace.Stages...)
		out.ProcessingTrace = &pt
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// SignedURL is a time-limited retrieval URL for a source document.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LocateConfidence is how sure the backend is that a snippet was found.
type LocateConfidence string

const (
	ConfidenceExact LocateConfidence = "exact"
	ConfidenceNone  LocateConfidence = "none"
)

// LocateResult tells where a snippet appears inside a document.
type LocateResult struct {
	Page              *int             `json:"page"`
	Found             bool             `json:"found"`
	NormalizedSnippet string           `json:"normalized_snippet"`
	Confidence        LocateConfidence `json:"confidence"`
	TotalPages        int              `json:"total_pages"`
}
