// Package drafting holds the per-draft editing state: debounced autosave,
// undo of AI rewrites and last-writer-wins against remote pushes.
package drafting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

const (
	DefaultAutosaveDelay = 500 * time.Millisecond
	DefaultUndoLimit     = 20

	// echoWindow is how many recent flushes are recognized as our own echoes.
	echoWindow = 8
	// echoTTL matches the session store's echo window.
	echoTTL = 2 * time.Second
)

var ErrClosed = errors.New("draft editing session closed")

type State int

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// DraftStore is the part of the session store an editing session needs.
type DraftStore interface {
	Session(id domain.SessionID) (*domain.Session, error)
	UpdateDraftContent(ctx context.Context, id domain.SessionID, draftID domain.DraftID, content string) error
	Subscribe(fn func(sessions.Event)) (cancel func())
}

type Option func(*Session)

func WithAutosaveDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.delay = d
		}
	}
}

func WithUndoLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.undoLimit = n
		}
	}
}

// WithOnChange registers fn for content replaced from outside Edit: remote
// pushes, rewrites and undo.
func WithOnChange(fn func(content string)) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session edits one draft. Local edits are flushed to the store after the
// autosave delay; a remote push of different content replaces local edits.
type Session struct {
	store     DraftStore
	editor    domain.DraftEditor
	sessionID domain.SessionID
	draftID   domain.DraftID
	delay     time.Duration
	undoLimit int
	onChange  func(string)

	mu      sync.Mutex
	state   State
	content string
	flushed []flushedValue // most recent last
	undo    []string
	timer   *time.Timer
	gen     int
	closed  bool
	cancel  func()

	inflight sync.WaitGroup
}

func NewSession(store DraftStore, editor domain.DraftEditor, sessionID domain.SessionID, draftID domain.DraftID, opts ...Option) (*Session, error) {
	sess, err := store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	d := sess.Draft(draftID)
	if d == nil {
		return nil, domain.ErrDraftNotFound
	}

	s := &Session{
		store:     store,
		editor:    editor,
		sessionID: sessionID,
		draftID:   draftID,
		delay:     DefaultAutosaveDelay,
		undoLimit: DefaultUndoLimit,
		content:   d.Content,
		flushed:   []flushedValue{{content: d.Content, at: time.Now()}},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cancel = store.Subscribe(s.onEvent)
	return s, nil
}

func (s *Session) DraftID() domain.DraftID { return s.draftID }

func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Edit records a local edit and restarts the autosave timer.
func (s *Session) Edit(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if content == s.content {
		return nil
	}
	s.content = content
	s.state = Dirty
	s.scheduleLocked()
	return nil
}

// Flush writes pending edits now.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopTimerLocked()
	if s.state == Clean {
		s.mu.Unlock()
		return nil
	}
	content := s.content
	s.mu.Unlock()

	return s.flush(ctx, content)
}

// Rewrite asks the draft editor to apply instruction to the current content.
// On failure the content is left as it was. On success the previous content
// is pushed onto the undo stack and the result is written at once.
func (s *Session) Rewrite(ctx context.Context, instruction string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	current := s.content
	s.mu.Unlock()

	rewritten, err := s.editor.EditDraft(ctx, current, instruction)
	if err != nil {
		observability.LoggerFromContext(ctx).Warnw("draft rewrite failed",
			"session_id", s.sessionID,
			"draft_id", s.draftID,
			"error", err,
		)
		return "", fmt.Errorf("rewrite draft: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.pushUndoLocked(s.content)
	s.content = rewritten
	s.state = Dirty
	s.stopTimerLocked()
	s.mu.Unlock()

	s.notify(rewritten)
	return rewritten, s.flush(ctx, rewritten)
}

// Undo restores the most recent snapshot and pushes the replaced content back
// onto the stack, so calling it again toggles between the two. It reports
// false when there is nothing to undo.
func (s *Session) Undo() (string, bool) {
	s.mu.Lock()
	if s.closed || len(s.undo) == 0 {
		s.mu.Unlock()
		return "", false
	}
	last := len(s.undo) - 1
	restored := s.undo[last]
	s.undo = s.undo[:last]
	s.pushUndoLocked(s.content)

	s.content = restored
	s.state = Dirty
	s.scheduleLocked()
	s.mu.Unlock()

	s.notify(restored)
	return restored, true
}

// UndoDepth returns how many snapshots Undo can restore.
func (s *Session) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

// Close stops the autosave timer without writing and stops listening to the
// store. It waits for a flush already in progress.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.inflight.Wait()
}

func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.onTimer(gen) })
}

func (s *Session) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) onTimer(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state != Dirty {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	content := s.content
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if err := s.flush(context.Background(), content); err != nil {
		observability.WithFields("session_id", s.sessionID, "draft_id", s.draftID).
			Errorw("draft autosave failed", "error", err)
	}
}

// flush writes content and marks the session clean when nothing was typed
// in the meantime. A failed write leaves it dirty.
func (s *Session) flush(ctx context.Context, content string) error {
	s.mu.Lock()
	s.rememberLocked(content)
	s.mu.Unlock()

	err := s.store.UpdateDraftContent(ctx, s.sessionID, s.draftID, content)
	if err != nil && !errors.Is(err, sessions.ErrPersistence) {
		return err
	}

	s.mu.Lock()
	if s.content == content {
		s.state = Clean
	}
	s.mu.Unlock()
	return err
}

func (s *Session) onEvent(e sessions.Event) {
	if e.Kind != sessions.EventDraftContent || e.Origin != sessions.OriginRemote {
		return
	}
	if e.SessionID != s.sessionID || e.DraftID != s.draftID {
		return
	}

	s.mu.Lock()
	if s.closed || e.Content == s.content {
		s.mu.Unlock()
		return
	}
	// A late echo of our own flush must not discard edits typed since. A
	// clean session has nothing to lose, so any push is taken as is.
	if s.state == Dirty && s.isEchoLocked(e.Content) {
		s.mu.Unlock()
		return
	}
	// Last writer wins: the pushed content replaces local edits.
	s.stopTimerLocked()
	s.content = e.Content
	s.state = Clean
	s.rememberLocked(e.Content)
	s.mu.Unlock()

	s.notify(e.Content)
}

type flushedValue struct {
	content string
	at      time.Time
}

func (s *Session) isEchoLocked(content string) bool {
	for _, f := range s.flushed {
		if f.content == content && time.Since(f.at) < echoTTL {
			return true
		}
	}
	return false
}

func (s *Session) rememberLocked(content string) {
	now := time.Now()
	if n := len(s.flushed); n > 0 && s.flushed[n-1].content == content {
		s.flushed[n-1].at = now
		return
	}
	s.flushed = append(s.flushed, flushedValue{content: content, at: now})
	if len(s.flushed) > echoWindow {
		s.flushed = s.flushed[len(s.flushed)-echoWindow:]
	}
}

func (s *Session) pushUndoLocked(content string) {
	s.undo = append(s.undo, content)
	if len(s.undo) > s.undoLimit {
		s.undo = s.undo[len(s.undo)-s.undoLimit:]
	}
}

func (s *Session) notify(content string) {
	if s.onChange != nil {
		s.onChange(content)
	}
}
