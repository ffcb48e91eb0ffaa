package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"robustagent/internal/logging"
	"robustagent/internal/models"
)

// DefaultWindowSize is the number of turns hydrated when none is configured.
const DefaultWindowSize = 5

// MaxWindowTurns bounds a single LoadWindow request.
const MaxWindowTurns = 1000

// History is the contract the turn pipeline and API depend on.
type History interface {
	Append(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
	LoadWindow(ctx context.Context, sessionID string, turns int) ([]*models.Message, error)
	Clear(ctx context.Context, sessionID string) error
	CountMessages(ctx context.Context, sessionID string) (int, error)
	ListSessions(ctx context.Context) ([]models.SessionSummary, error)
	WindowSize() int
}

// Store is an append-only, session-scoped message log with windowed reads.
type Store struct {
	db         *sql.DB
	windowSize int
	retries    uint64
	backoff    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithWindowSize sets the default number of turns returned by LoadWindow.
func WithWindowSize(turns int) Option {
	return func(s *Store) {
		if turns > 0 {
			s.windowSize = turns
		}
	}
}

// WithRetry bounds how often a write is retried on lock contention.
func WithRetry(retries uint64, backoff time.Duration) Option {
	return func(s *Store) {
		s.retries = retries
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	s := &Store{
		db:         db,
		windowSize: DefaultWindowSize,
		retries:    3,
		backoff:    50 * time.Millisecond,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WindowSize returns the default turn window.
func (s *Store) WindowSize() int { return s.windowSize }

// Append durably records one message. Each call is a single auto-committed insert.
func (s *Store) Append(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	if sessionID == "" {
		return nil, &StorageError{Op: "append", Err: errors.New("session id is required")}
	}
	if !role.Persisted() {
		return nil, &StorageError{Op: "append", SessionID: sessionID, Err: fmt.Errorf("role %q is not stored", role)}
	}

	msg := &models.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		msg.ID = id
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "append", SessionID: sessionID, Err: err}
	}
	return msg, nil
}

// LoadWindow returns the most recent turns (at most 2*turns messages) in
// chronological order. turns <= 0 selects the configured window size and
// larger requests are capped at MaxWindowTurns.
func (s *Store) LoadWindow(ctx context.Context, sessionID string, turns int) ([]*models.Message, error) {
	if turns <= 0 {
		turns = s.windowSize
	}
	turns = min(turns, MaxWindowTurns)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, turns*2,
	)
	if err != nil {
		return nil, &StorageError{Op: "load window", SessionID: sessionID, Err: fmt.Errorf("list messages: %w", err)}
	}
	defer rows.Close()

	messages := make([]*models.Message, 0, turns*2)
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, &StorageError{Op: "load window", SessionID: sessionID, Err: fmt.Errorf("scan message: %w", err)}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load window", SessionID: sessionID, Err: err}
	}

	// newest first from the query; callers want chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Clear deletes every message of the session. Clearing an empty session is a no-op.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	err := s.withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "clear", SessionID: sessionID, Err: err}
	}
	return nil
}

// CountMessages returns how many messages the session holds.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID,
	).Scan(&count); err != nil {
		return 0, &StorageError{Op: "count", SessionID: sessionID, Err: fmt.Errorf("count messages: %w", err)}
	}
	return count, nil
}

// ListSessions summarizes every stored session, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	// Join back on the boundary rows so created_at keeps its column type when scanned.
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.session_id, g.cnt, f.created_at, l.created_at
		FROM (
			SELECT session_id, COUNT(*) AS cnt, MIN(id) AS first_id, MAX(id) AS last_id
			FROM chat_messages GROUP BY session_id
		) g
		JOIN chat_messages f ON f.id = g.first_id
		JOIN chat_messages l ON l.id = g.last_id
		ORDER BY l.created_at DESC, l.id DESC`,
	)
	if err != nil {
		return nil, &StorageError{Op: "list sessions", Err: fmt.Errorf("list sessions: %w", err)}
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		var ss models.SessionSummary
		if err := rows.Scan(&ss.ID, &ss.MessageCount, &ss.FirstAt, &ss.LastAt); err != nil {
			return nil, &StorageError{Op: "list sessions", Err: fmt.Errorf("scan session: %w", err)}
		}
		sessions = append(sessions, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && isContention(err) {
			s.logger.Warn("memory write contended, retrying", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// isContention reports lock or busy errors from sqlite and mysql.
func isContention(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "deadlock found") ||
		strings.Contains(msg, "lock wait timeout")
}
