package queryapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/policydesk/internal/adapters/queryapi"
	"github.com/PabloGalante/policydesk/internal/domain"
)

func newClient(t *testing.T, h http.HandlerFunc) *queryapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := queryapi.NewClient(srv.URL+"/", queryapi.WithRateLimit(0))
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := queryapi.NewClient("/api")
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "What is the leave policy?", body["query"])
		assert.Equal(t, "deep_think", body["mode"])
		assert.Equal(t, true, body["internet_enabled"])
		assert.Equal(t, []any{}, body["history"])

		_, _ = io.WriteString(w, `{"answer":"Twenty days.","citations":[{"document_id":"hr-7","page":3}],"processing_trace":{"iterations":2}}`)
	})

	resp, err := c.Query(context.Background(), domain.QueryRequest{
		Query:           "What is the leave policy?",
		Mode:            domain.ModeDeepThink,
		InternetEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Twenty days.", resp.Answer)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "hr-7", resp.Citations[0].DocumentID)
	assert.Equal(t, 3, resp.Citations[0].Page)
	assert.Equal(t, 2, resp.ProcessingTrace.Iterations)
	assert.Nil(t, resp.Error)
}

func TestQueryWithFiles(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var req domain.QueryRequest
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("payload")), &req))
		assert.Equal(t, "Summarize", req.Query)
		require.Len(t, req.History, 1)

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.pdf", files[0].Filename)
		assert.Equal(t, "application/pdf", files[0].Header.Get("Content-Type"))
		assert.Equal(t, "application/octet-stream", files[1].Header.Get("Content-Type"))

		f, err := files[0].Open()
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "%PDF-1.7", string(data))

		_, _ = io.WriteString(w, `{"answer":"Summary."}`)
	})

	resp, err := c.QueryWithFiles(context.Background(), domain.QueryRequest{
		Query:   "Summarize",
		Mode:    domain.ModeQA,
		History: []domain.HistoryTurn{{Role: domain.RoleUser, Content: "hi"}},
	}, []domain.FileUpload{
		{Attachment: domain.Attachment{Name: "a.pdf", Type: "application/pdf"}, Content: strings.NewReader("%PDF-1.7")},
		{Attachment: domain.Attachment{Name: "notes.bin"}, Content: strings.NewReader("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summary.", resp.Answer)
}

func TestNon2xxIsAPIError(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"error object", `{"error":{"code":"overloaded","message":"Try again later"}}`, "Try again later"},
		{"detail", `{"detail":"Invalid mode"}`, "Invalid mode"},
		{"plain text", "bad gateway", "bad gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := c.Query(context.Background(), domain.QueryRequest{Query: "q"})
			var apiErr *queryapi.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
			assert.Equal(t, tc.want, apiErr.Message)
		})
	}
}

func TestEditDraft(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/draft/edit", r.URL.Path)
		var in struct{ Content, Instruction string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"content": strings.ToUpper(in.Content) + " (" + in.Instruction + ")"})
	})

	out, err := c.EditDraft(context.Background(), "<p>hi</p>", "shout")
	require.NoError(t, err)
	assert.Equal(t, "<P>HI</P> (shout)", out)
}

func TestSignedURLAndLocate(t *testing.T) {
	expires := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/pdf/hr 7":
			_ = json.NewEncoder(w).Encode(domain.SignedURL{URL: "https://files.example/hr-7.pdf", ExpiresAt: expires})
		case r.Method == http.MethodPost && r.URL.Path == "/api/pdf/locate":
			_, _ = io.WriteString(w, `{"page":4,"found":true,"normalized_snippet":"twenty days","confidence":"exact","total_pages":12}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	u, err := c.SignedURL(ctx, "hr 7")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/hr-7.pdf", u.URL)
	assert.True(t, u.ExpiresAt.Equal(expires))

	loc, err := c.Locate(ctx, "hr-7", "Twenty  days")
	require.NoError(t, err)
	require.NotNil(t, loc.Page)
	assert.Equal(t, 4, *loc.Page)
	assert.True(t, loc.Found)
	assert.Equal(t, domain.ConfidenceExact, loc.Confidence)

	_, err = c.SignedURL(ctx, "")
	require.Error(t, err)
}

func TestContextCancellationStopsRequest(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Query(ctx, domain.QueryRequest{Query: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitWaitsForToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"answer":"ok"}`)
	}))
	defer srv.Close()

	c, err := queryapi.NewClient(srv.URL, queryapi.WithRateLimit(1))
	require.NoError(t, err)

	_, err = c.Query(context.Background(), domain.QueryRequest{Query: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Query(ctx, domain.QueryRequest{Query: "second"})
	require.Error(t, err, "second call within the same second must wait for a token")
}
