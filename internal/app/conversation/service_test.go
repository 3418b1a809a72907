package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/PabloGalante/policydesk/internal/adapters/llm"
	"github.com/PabloGalante/policydesk/internal/adapters/storage/memory"
	"github.com/PabloGalante/policydesk/internal/app/conversation"
	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) *sessions.Store {
	t.Helper()
	store, err := sessions.New(context.Background(), memory.NewStore())
	if err != nil {
		t.Fatalf("sessions.New failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// stubClient answers with fn; it serves both the plain and the upload call.
type stubClient struct {
	fn func(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error)
}

func (c stubClient) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	return c.fn(ctx, req)
}

func (c stubClient) QueryWithFiles(ctx context.Context, req domain.QueryRequest, _ []domain.FileUpload) (*domain.QueryResponse, error) {
	return c.fn(ctx, req)
}

func roles(s *domain.Session) []domain.Role {
	out := make([]domain.Role, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, m.Role)
	}
	return out
}

func TestSendCreatesSessionAndRecordsAnswer(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := conversation.NewService(store, llm.NewMock())

	out, err := svc.Send(ctx, conversation.SendInput{
		Text: "How many vacation days do contractors get per year?",
		Mode: domain.ModeQA,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if out.Failed {
		t.Fatalf("expected a successful send, got reply %q", out.Reply.Content)
	}
	if out.Reply == nil || out.Reply.Content == "" {
		t.Fatalf("expected non-empty assistant reply")
	}

	session, err := store.Session(out.SessionID)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if session.Title != "How many vacation days do cont..." {
		t.Fatalf("unexpected title %q", session.Title)
	}
	if got := roles(session); len(got) != 2 || got[0] != domain.RoleUser || got[1] != domain.RoleAssistant {
		t.Fatalf("unexpected transcript roles %v", got)
	}
	if session.Preview == "" {
		t.Fatalf("expected preview to be set")
	}
	if svc.State() != conversation.Idle {
		t.Fatalf("expected idle state after send")
	}
}

func TestNetworkErrorAddsOneSystemMessage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	svc := conversation.NewService(store, stubClient{fn: func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
		return nil, errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	}})

	out, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "Hello policy bot"})
	require.NoError(t, err)
	assert.True(t, out.Failed)

	session, _ := store.Session(id)
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleSystem}, roles(session))
	assert.Contains(t, session.Messages[1].Content, "connection refused")
	assert.Equal(t, conversation.Idle, svc.State())
	assert.Nil(t, svc.Pending())
}

func TestResponseErrorBecomesSystemMessage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	svc := conversation.NewService(store, stubClient{fn: func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
		return &domain.QueryResponse{Error: &domain.QueryError{Code: "index_unavailable", Message: "Search index is rebuilding"}}, nil
	}})

	out, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "What is the travel policy?"})
	require.NoError(t, err)
	assert.True(t, out.Failed)

	session, _ := store.Session(id)
	require.Equal(t, []domain.Role{domain.RoleUser, domain.RoleSystem}, roles(session))
	assert.Contains(t, session.Messages[1].Content, "Search index is rebuilding")
	require.NotNil(t, session.Messages[1].Response)
	assert.Equal(t, "index_unavailable", session.Messages[1].Response.Error.Code)
}

func TestEmptyAnswerGetsFallback(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	svc := conversation.NewService(store, stubClient{fn: func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
		return &domain.QueryResponse{Answer: "  "}, nil
	}})

	out, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "Anything?"})
	require.NoError(t, err)
	assert.Equal(t, "No answer was returned for this question.", out.Reply.Content)
	assert.Equal(t, domain.RoleAssistant, out.Reply.Role)
}

func TestSendTimesOut(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	svc := conversation.NewService(store, stubClient{fn: func(ctx context.Context, _ domain.QueryRequest) (*domain.QueryResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, conversation.WithTimeout(20*time.Millisecond))

	out, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "Slow question"})
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.Equal(t, domain.RoleSystem, out.Reply.Role)
	assert.Equal(t, conversation.Idle, svc.State())
}

func TestConcurrentSendIsBusyAndShowsProgress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	release := make(chan struct{})
	started := make(chan struct{})
	var (
		mu    sync.Mutex
		steps []string
	)
	svc := conversation.NewService(store,
		stubClient{fn: func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
			close(started)
			<-release
			return &domain.QueryResponse{Answer: "done"}, nil
		}},
		conversation.WithStepInterval(5*time.Millisecond),
		conversation.WithStepListener(func(step string) {
			mu.Lock()
			steps = append(steps, step)
			mu.Unlock()
		}),
	)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "first"})
		done <- err
	}()
	<-started

	_, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "second"})
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, conversation.Sending, svc.State())

	pending := svc.Pending()
	require.NotNil(t, pending)
	assert.True(t, pending.IsThinking)
	assert.Contains(t, conversation.Steps, pending.CurrentStep)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) >= 3
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, conversation.Idle, svc.State())
	assert.Nil(t, svc.Pending())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, conversation.Steps[0], steps[0])
	assert.Equal(t, conversation.Steps[1], steps[1])
}

func TestHistoryWindowExcludesCurrentQuestion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()

	for i := range 12 {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, err := store.AddMessage(ctx, id, domain.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}

	var got domain.QueryRequest
	svc := conversation.NewService(store, stubClient{fn: func(_ context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
		got = req
		return &domain.QueryResponse{Answer: "ok"}, nil
	}})

	_, err := svc.Send(ctx, conversation.SendInput{SessionID: id, Text: "current", Mode: domain.ModeDeepThink, InternetEnabled: true})
	require.NoError(t, err)

	require.Len(t, got.History, 10)
	assert.Equal(t, "turn 2", got.History[0].Content)
	assert.Equal(t, "turn 11", got.History[9].Content)
	assert.Equal(t, "current", got.Query)
	assert.Equal(t, domain.ModeDeepThink, got.Mode)
	assert.True(t, got.InternetEnabled)
}

func TestSendRejectsEmptyText(t *testing.T) {
	svc := conversation.NewService(newStore(t), llm.NewMock())
	_, err := svc.Send(context.Background(), conversation.SendInput{Text: "   "})
	require.ErrorIs(t, err, domain.ErrEmptyMessage)
}

func TestAttachmentsUseUploadCall(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	id := store.SelectedID()
	svc := conversation.NewService(store, llm.NewMock())

	out, err := svc.Send(ctx, conversation.SendInput{
		SessionID: id,
		Text:      "Summarize this contract",
		Files:     []domain.FileUpload{{Attachment: domain.Attachment{Name: "contract.pdf", Size: 1024, Type: "application/pdf"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Reply.Content, "contract.pdf")
	require.Len(t, out.UserMessage.Attachments, 1)
	assert.Equal(t, "contract.pdf", out.UserMessage.Attachments[0].Name)
}
