package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

const (
	DefaultTimeout = 120 * time.Second

	// historyWindow is how many earlier user/assistant messages go out as context.
	historyWindow = 10

	fallbackAnswer = "No answer was returned for this question."
)

type State int

const (
	Idle State = iota
	Sending
)

func (s State) String() string {
	if s == Sending {
		return "sending"
	}
	return "idle"
}

// SessionStore is what the orchestrator needs from the session store.
type SessionStore interface {
	CreateSession(ctx context.Context, title string) (*domain.Session, error)
	AddMessage(ctx context.Context, id domain.SessionID, msg domain.Message) (*domain.Message, error)
	History(id domain.SessionID, n int) ([]domain.HistoryTurn, error)
	UpdatePreview(ctx context.Context, id domain.SessionID, text string) error
}

type Option func(*Service)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithStepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stepInterval = d
		}
	}
}

// WithStepListener is called with each progress label while a send is in flight.
func WithStepListener(fn func(step string)) Option {
	return func(s *Service) { s.onStep = fn }
}

// Service sends one question at a time to the query backend and records the
// exchange in the session store.
type Service struct {
	store        SessionStore
	client       domain.QueryClient
	timeout      time.Duration
	stepInterval time.Duration
	onStep       func(string)

	mu      sync.Mutex
	state   State
	pending *domain.Message
}

func NewService(store SessionStore, client domain.QueryClient, opts ...Option) *Service {
	s := &Service{
		store:        store,
		client:       client,
		timeout:      DefaultTimeout,
		stepInterval: DefaultStepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the in-flight "thinking" placeholder, or nil when idle. It
// is never stored.
func (s *Service) Pending() *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

type SendInput struct {
	// SessionID may be empty; a session titled after the text is created then.
	SessionID       domain.SessionID
	Text            string
	Mode            domain.QueryMode
	InternetEnabled bool
	Files           []domain.FileUpload
}

type SendOutput struct {
	SessionID   domain.SessionID
	UserMessage *domain.Message
	// Reply is the assistant answer, or the system message describing a failure.
	Reply    *domain.Message
	Response *domain.QueryResponse
	Failed   bool
}

// Send records the question, asks the backend and records the answer. Backend
// failures do not return an error: they end up as a system message in the
// session and Failed is set. Errors are returned only when nothing was sent.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Files) == 0 {
		return nil, domain.ErrEmptyMessage
	}
	if in.Mode == "" {
		in.Mode = domain.ModeQA
	}
	if !in.Mode.Valid() {
		return nil, fmt.Errorf("unknown query mode %q", in.Mode)
	}

	s.mu.Lock()
	if s.state == Sending {
		s.mu.Unlock()
		return nil, domain.ErrBusy
	}
	s.state = Sending
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = Idle
		s.pending = nil
		s.mu.Unlock()
	}()

	log := observability.LoggerFromContext(ctx).With(
		"mode", in.Mode,
		"attachments", len(in.Files),
	)

	sessionID := in.SessionID
	if sessionID == "" {
		session, err := s.store.CreateSession(ctx, sessions.DeriveTitle(text))
		if err != nil && !errors.Is(err, sessions.ErrPersistence) {
			log.Errorw("failed to create session", "error", err)
			return nil, err
		}
		sessionID = session.ID
	}
	log = log.With("session_id", sessionID)

	history, err := s.store.History(sessionID, historyWindow)
	if err != nil {
		log.Errorw("failed to load history", "error", err)
		return nil, err
	}

	attachments := make([]domain.Attachment, 0, len(in.Files))
	for _, f := range in.Files {
		attachments = append(attachments, f.Attachment)
	}
	userMsg, err := s.store.AddMessage(ctx, sessionID, domain.Message{
		Role:        domain.RoleUser,
		Content:     text,
		QueryMode:   in.Mode,
		Attachments: attachments,
	})
	if err != nil && !errors.Is(err, sessions.ErrPersistence) {
		log.Errorw("failed to append user message", "error", err)
		return nil, err
	}

	log.Infow("sending question", "history", len(history))

	stop := s.startSteps()
	resp, err := s.query(ctx, domain.QueryRequest{
		Query:           text,
		Mode:            in.Mode,
		InternetEnabled: in.InternetEnabled,
		History:         history,
	}, in.Files)
	stop()

	out := &SendOutput{SessionID: sessionID, UserMessage: userMsg, Response: resp}

	switch {
	case err != nil:
		log.Warnw("query failed", "error", err)
		out.Failed = true
		out.Reply = s.addSystem(ctx, log, sessionID, domain.Message{
			Content: describeFailure(err),
		})
	case resp.Error != nil:
		log.Warnw("query returned an error", "code", resp.Error.Code, "message", resp.Error.Message)
		out.Failed = true
		out.Reply = s.addSystem(ctx, log, sessionID, domain.Message{
			Content:  describeQueryError(resp.Error),
			Response: resp,
		})
	default:
		answer := resp.Answer
		if strings.TrimSpace(answer) == "" {
			answer = fallbackAnswer
		}
		reply, err := s.store.AddMessage(ctx, sessionID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   answer,
			Response:  resp,
			QueryMode: in.Mode,
		})
		if err != nil && !errors.Is(err, sessions.ErrPersistence) {
			log.Errorw("failed to append answer", "error", err)
		}
		out.Reply = reply
		if err := s.store.UpdatePreview(ctx, sessionID, answer); err != nil {
			log.Warnw("failed to update preview", "error", err)
		}
		log.Infow("question answered", "citations", len(resp.Citations))
	}

	return out, nil
}

func (s *Service) query(ctx context.Context, req domain.QueryRequest, files []domain.FileUpload) (*domain.QueryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		resp *domain.QueryResponse
		err  error
	)
	if len(files) > 0 {
		resp, err = s.client.QueryWithFiles(ctx, req, files)
	} else {
		resp, err = s.client.Query(ctx, req)
	}
	if err == nil && resp == nil {
		err = errors.New("empty response from query backend")
	}
	return resp, err
}

func (s *Service) addSystem(ctx context.Context, log *zap.SugaredLogger, id domain.SessionID, msg domain.Message) *domain.Message {
	msg.Role = domain.RoleSystem
	stored, err := s.store.AddMessage(ctx, id, msg)
	if err != nil && !errors.Is(err, sessions.ErrPersistence) {
		log.Errorw("failed to append system message", "error", err)
	}
	return stored
}

func describeFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The policy assistant took too long to answer. Please try again."
	}
	return fmt.Sprintf("Could not reach the policy assistant: %v", err)
}

func describeQueryError(e *domain.QueryError) string {
	if e.Message == "" {
		return fmt.Sprintf("The policy assistant returned an error (%s).", e.Code)
	}
	return fmt.Sprintf("The policy assistant returned an error: %s", e.Message)
}
