// Package local persists the whole session collection as a single serialized
// blob in a SQLite key-value table. It is used when there is no remote
// identity (guest / local-only mode).
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/migration"
	"github.com/PabloGalante/policydesk/internal/observability"
)

const (
	DefaultPrefix     = "policydesk"
	DefaultQuotaBytes = 5 << 20
)

// Warner surfaces a user-visible warning.
type Warner func(msg string)

type Option func(*Store)

// WithPrefix sets the key prefix used for both persisted keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithQuota sets the largest session blob the store accepts, in bytes.
func WithQuota(bytes int) Option {
	return func(s *Store) { s.quota = bytes }
}

// WithWarner sets the callback used for capacity warnings.
func WithWarner(w Warner) Option {
	return func(s *Store) { s.warn = w }
}

// WithClock overrides the time source used during migration.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store owns exclusive read-modify-write access to the persisted blob.
// Its cache is replaced only by explicit Save calls.
type Store struct {
	db     *sql.DB
	prefix string
	quota  int
	warn   Warner
	now    func() time.Time

	mu     sync.Mutex
	cache  []*domain.Session
	loaded bool
	warned bool
}

// Open opens (or creates) the store at path. ":memory:" gives a throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating local store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	// One connection: the blob is single-writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing local store schema: %w", err)
	}

	s := &Store{
		db:     db,
		prefix: DefaultPrefix,
		quota:  DefaultQuotaBytes,
		warn:   func(string) {},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sessionsKey() string { return s.prefix + ".sessions" }
func (s *Store) activeKey() string   { return s.prefix + ".activeSessionId" }

// Load returns the persisted sessions in their stored order. It never fails:
// unreadable data is logged and yields an empty list.
func (s *Store) Load(ctx context.Context) []*domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(ctx)
	return cloneAll(s.cache)
}

func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	s.cache = nil

	log := observability.LoggerFromContext(ctx).With("key", s.sessionsKey())

	raw, err := s.get(ctx, s.sessionsKey())
	if err != nil {
		log.Errorw("failed to read local sessions", "error", err)
		return
	}
	if raw == "" {
		return
	}

	sessions, err := migration.MigrateAll([]byte(raw), s.now())
	if err != nil {
		log.Warnw("local sessions partially unreadable", "error", err, "recovered", len(sessions))
	}
	s.cache = sessions
}

// Save persists the full ordered collection. It is best-effort: when the
// store is full the write is dropped, a warning is surfaced once, and nil is
// returned. Other failures are returned for logging.
func (s *Store) Save(ctx context.Context, sessions []*domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = true
	s.cache = cloneAll(sessions)
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	data, err := migration.EncodeAll(s.cache)
	if err != nil {
		return fmt.Errorf("encoding local sessions: %w", err)
	}

	if s.quota > 0 && len(data) > s.quota {
		s.capacityExceeded(ctx, fmt.Errorf("%w: %d bytes > %d", domain.ErrQuotaExceeded, len(data), s.quota))
		return nil
	}

	if err := s.put(ctx, s.sessionsKey(), string(data)); err != nil {
		if isFull(err) {
			s.capacityExceeded(ctx, fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err))
			return nil
		}
		return fmt.Errorf("writing local sessions: %w", err)
	}

	s.warned = false
	return nil
}

func (s *Store) capacityExceeded(ctx context.Context, err error) {
	observability.LoggerFromContext(ctx).Warnw("local save dropped", "error", err)
	if s.warned {
		return
	}
	s.warned = true
	s.warn("Local storage is full. Recent changes are kept in this window but were not saved; delete old chats to free space.")
}

// LoadActiveSessionID returns the selected session id, or "" when none is stored.
func (s *Store) LoadActiveSessionID(ctx context.Context) (domain.SessionID, error) {
	v, err := s.get(ctx, s.activeKey())
	if err != nil {
		return "", fmt.Errorf("reading active session id: %w", err)
	}
	return domain.SessionID(v), nil
}

// SaveActiveSessionID stores the selected session id; an empty id clears it.
func (s *Store) SaveActiveSessionID(ctx context.Context, id domain.SessionID) error {
	if id == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, s.activeKey()); err != nil {
			return fmt.Errorf("clearing active session id: %w", err)
		}
		return nil
	}
	if err := s.put(ctx, s.activeKey(), string(id)); err != nil {
		return fmt.Errorf("writing active session id: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func isFull(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}

func cloneAll(in []*domain.Session) []*domain.Session {
	out := make([]*domain.Session, 0, len(in))
	for _, s := range in {
		out = append(out, s.Clone())
	}
	return out
}
