// Package queryapi talks to the policy answering backend over HTTP: question
// answering, AI draft edits and source document lookups.
package queryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

var (
	_ domain.QueryClient     = (*Client)(nil)
	_ domain.DraftEditor     = (*Client)(nil)
	_ domain.DocumentLocator = (*Client)(nil)
)

const (
	DefaultRatePerSecond = 5

	// maxErrorBody bounds how much of a failed response is kept in an APIError.
	maxErrorBody = 4 << 10
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("query api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("query api: status %d: %s", e.StatusCode, e.Message)
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Request deadlines come from the
// caller's context, so the default client sets no timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit caps outgoing requests per second; zero or less disables it.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), DefaultRatePerSecond),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	var out domain.QueryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/query", queryBody(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryWithFiles sends the request as multipart form data: the JSON request in
// the "payload" field and one "files" part per attachment.
func (c *Client) QueryWithFiles(ctx context.Context, req domain.QueryRequest, files []domain.FileUpload) (*domain.QueryResponse, error) {
	payload, err := json.Marshal(queryBody(req))
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("payload", string(payload)); err != nil {
		return nil, fmt.Errorf("write payload field: %w", err)
	}
	for _, f := range files {
		if err := writeFile(w, f); err != nil {
			return nil, fmt.Errorf("attach %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var out domain.QueryResponse
	if err := c.do(ctx, http.MethodPost, "/api/query/upload", w.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditDraft(ctx context.Context, content, instruction string) (string, error) {
	in := struct {
		Content     string `json:"content"`
		Instruction string `json:"instruction"`
	}{content, instruction}
	var out struct {
		Content string `json:"content"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/draft/edit", in, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *Client) SignedURL(ctx context.Context, documentID string) (*domain.SignedURL, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	var out domain.SignedURL
	if err := c.doJSON(ctx, http.MethodGet, "/api/pdf/"+url.PathEscape(documentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Locate(ctx context.Context, documentID, snippet string) (*domain.LocateResult, error) {
	in := struct {
		DocumentID string `json:"document_id"`
		Snippet    string `json:"snippet"`
	}{documentID, snippet}
	var out domain.LocateResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/pdf/locate", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// queryBody makes sure history encodes as [] rather than null.
func queryBody(req domain.QueryRequest) domain.QueryRequest {
	if req.History == nil {
		req.History = []domain.HistoryTurn{}
	}
	return req
}

func writeFile(w *multipart.Writer, f domain.FileUpload) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
	ct := f.Type
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if f.Content == nil {
		return nil
	}
	_, err = io.Copy(part, f.Content)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	observability.LoggerFromContext(ctx).Debugw("query api call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// newAPIError prefers the backend's {"error":{"message"}} or {"detail"} body
// over the raw text.
func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var body struct {
		Error  *domain.QueryError `json:"error"`
		Detail string             `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != nil && body.Error.Message != "":
			e.Message = body.Error.Message
		case body.Detail != "":
			e.Message = body.Detail
		}
	}
	return e
}
