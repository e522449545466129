package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "therapychat/pkg/database"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

const (
	writeQueueSize    = 100
	writeRetryDelay   = 250 * time.Millisecond
	writeEnqueueLimit = 30 * time.Second
)

var _ interfaces.SessionStore = (*Manager)(nil)

var errManagerShuttingDown = errors.New("database manager is shutting down")

// Manager is the SQLite session store
// ARCHITECTURAL DISCOVERY: Every write runs on one goroutine inside its own
// transaction, so read-modify-write on a session is serialized store-wide
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(*sql.Tx) error
	result    chan error
}

// abortError marks an error produced by caller logic inside a write.
// Those are never retried.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// NewManager opens the SQLite database and starts the writer goroutine.
// The schema is not touched; see NewStore for migration handling.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "store").Str("driver", dbconfig.DriverSQLite).Logger(),
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := m.runTx(op)
			if err != nil && isBusy(err) {
				// FUNCTIONAL DISCOVERY: Only lock contention from outside
				// processes is worth one retry; logic errors are final
				m.logger.Warn().Err(err).Dur("delay", writeRetryDelay).Msg("database write busy, retrying")
				time.Sleep(writeRetryDelay)
				err = m.runTx(op)
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			m.failPending()
			return
		}
	}
}

// failPending answers every queued but unstarted write
func (m *Manager) failPending() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- errManagerShuttingDown
		default:
			return
		}
	}
}

func (m *Manager) runTx(op writeOperation) error {
	tx, err := m.db.BeginTx(op.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := op.operation(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.Tx) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
		var err error
		select {
		case err = <-result:
		case <-m.stopped:
			// an operation queued after the final drain is never picked up
			select {
			case err = <-result:
			default:
				return errManagerShuttingDown
			}
		}
		var abort *abortError
		if errors.As(err, &abort) {
			return abort.err
		}
		return err
	case <-time.After(writeEnqueueLimit):
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return errManagerShuttingDown
	}
}

// CreateSession inserts the session row and any initial messages
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, requester_id, provider_id, start_time, end_time, status,
				notes, last_message_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.RequesterID,
			session.ProviderID,
			session.StartTime.UTC(),
			nullTime(session.EndTime),
			string(session.Status),
			session.Notes,
			nullTime(session.LastMessageAt),
			session.CreatedAt.UTC(),
			session.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for i, msg := range session.Messages {
			if err := insertMessage(ctx, tx, i, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession retrieves a session with its full message history
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	// ARCHITECTURAL DISCOVERY: Reads use the pool directly; WAL keeps them
	// consistent while the writer goroutine commits
	return loadSession(ctx, m.db, sessionID)
}

// UpdateSession runs fn against the stored session inside the writer transaction
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, fn interfaces.MutateFunc) (*types.Session, error) {
	var updated *types.Session
	err := m.executeWrite(ctx, func(tx *sql.Tx) error {
		current, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return &abortError{err}
		}
		original := current.Clone()

		if err := fn(current); err != nil {
			return &abortError{err}
		}
		if err := checkMutation(original, current); err != nil {
			return &abortError{err}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET start_time = ?, end_time = ?, status = ?, notes = ?, last_message_at = ?, updated_at = ?
			WHERE id = ?
		`,
			current.StartTime.UTC(),
			nullTime(current.EndTime),
			string(current.Status),
			current.Notes,
			nullTime(current.LastMessageAt),
			current.UpdatedAt.UTC(),
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		for i, msg := range current.Messages {
			if i >= len(original.Messages) {
				if err := insertMessage(ctx, tx, i, msg); err != nil {
					return err
				}
				continue
			}
			if msg.IsRead != original.Messages[i].IsRead {
				if _, err := tx.ExecContext(ctx,
					"UPDATE messages SET is_read = ? WHERE id = ?", msg.IsRead, msg.ID); err != nil {
					return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
				}
			}
		}

		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListActiveSessions returns scheduled and in-progress sessions for a participant
func (m *Manager) ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE (requester_id = ? OR provider_id = ?)
			AND status IN ('scheduled', 'in-progress')
		ORDER BY start_time ASC, created_at ASC, id ASC
	`, participantID, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	_ = rows.Close()

	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		session, err := loadSession(ctx, m.db, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer goroutine and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSession(ctx context.Context, q queryer, sessionID string) (*types.Session, error) {
	var (
		session       types.Session
		status        string
		endTime       sql.NullTime
		lastMessageAt sql.NullTime
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, requester_id, provider_id, start_time, end_time, status,
			notes, last_message_at, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(
		&session.ID,
		&session.RequesterID,
		&session.ProviderID,
		&session.StartTime,
		&endTime,
		&status,
		&session.Notes,
		&lastMessageAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	session.Status = types.Status(status)
	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		session.LastMessageAt = &t
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, sender_id, content, timestamp, is_read
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	session.Messages = []*types.Message{}
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.Content, &msg.Timestamp, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		session.Messages = append(session.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return &session, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, seq int, msg *types.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, sender_id, content, timestamp, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, seq, msg.SenderID, msg.Content, msg.Timestamp.UTC(), msg.IsRead)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// applySQLiteOptimizations applies per-connection pragmas
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
