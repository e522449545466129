package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	dbconfig "therapychat/pkg/database"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.SessionStore = (*PostgresStore)(nil)

// postgresSchema mirrors the SQLite migration in PostgreSQL types
const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    requester_id TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ,
    status TEXT NOT NULL DEFAULT 'scheduled'
        CHECK (status IN ('scheduled', 'in-progress', 'completed', 'cancelled')),
    notes TEXT NOT NULL DEFAULT '',
    last_message_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (requester_id <> provider_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    seq INTEGER NOT NULL,
    sender_id TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_sessions_requester ON sessions(requester_id, status, start_time);
CREATE INDEX IF NOT EXISTS idx_sessions_provider ON sessions(provider_id, status, start_time);
`

// PostgresStore keeps sessions in PostgreSQL
// ARCHITECTURAL DISCOVERY: Unlike SQLite there is no writer goroutine; the
// session row is locked with SELECT ... FOR UPDATE so writers to different
// sessions proceed in parallel while writers to one session serialize
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects the pool and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int, logger zerolog.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Str("driver", dbconfig.DriverPostgres).Logger(),
	}, nil
}

// CreateSession inserts the session row and any initial messages
func (s *PostgresStore) CreateSession(ctx context.Context, session *types.Session) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, requester_id, provider_id, start_time, end_time, status,
				notes, last_message_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			session.ID,
			session.RequesterID,
			session.ProviderID,
			session.StartTime.UTC(),
			utcPtr(session.EndTime),
			string(session.Status),
			session.Notes,
			utcPtr(session.LastMessageAt),
			session.CreatedAt.UTC(),
			session.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		for i, msg := range session.Messages {
			if err := insertPostgresMessage(ctx, tx, i, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession retrieves a session with its full message history
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return loadPostgresSession(ctx, s.pool, sessionID, false)
}

// UpdateSession runs fn against the locked session row inside one transaction
func (s *PostgresStore) UpdateSession(ctx context.Context, sessionID string, fn interfaces.MutateFunc) (*types.Session, error) {
	var updated *types.Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := loadPostgresSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		original := current.Clone()

		if err := fn(current); err != nil {
			return err
		}
		if err := checkMutation(original, current); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE sessions
			SET start_time = $1, end_time = $2, status = $3, notes = $4, last_message_at = $5, updated_at = $6
			WHERE id = $7
		`,
			current.StartTime.UTC(),
			utcPtr(current.EndTime),
			string(current.Status),
			current.Notes,
			utcPtr(current.LastMessageAt),
			current.UpdatedAt.UTC(),
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		for i, msg := range current.Messages {
			if i >= len(original.Messages) {
				if err := insertPostgresMessage(ctx, tx, i, msg); err != nil {
					return err
				}
				continue
			}
			if msg.IsRead != original.Messages[i].IsRead {
				if _, err := tx.Exec(ctx, "UPDATE messages SET is_read = $1 WHERE id = $2", msg.IsRead, msg.ID); err != nil {
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
func (s *PostgresStore) ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM sessions
		WHERE (requester_id = $1 OR provider_id = $1)
			AND status IN ('scheduled', 'in-progress')
		ORDER BY start_time ASC, created_at ASC, id ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan session rows: %w", err)
	}

	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		session, err := loadPostgresSession(ctx, s.pool, id, false)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// HealthCheck validates database connectivity
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPostgresSession(ctx context.Context, q pgQueryer, sessionID string, lock bool) (*types.Session, error) {
	query := `
		SELECT id, requester_id, provider_id, start_time, end_time, status,
			notes, last_message_at, created_at, updated_at
		FROM sessions
		WHERE id = $1`
	if lock {
		query += " FOR UPDATE"
	}

	var (
		session types.Session
		status  string
	)
	err := q.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.RequesterID,
		&session.ProviderID,
		&session.StartTime,
		&session.EndTime,
		&status,
		&session.Notes,
		&session.LastMessageAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	session.Status = types.Status(status)
	session.StartTime = session.StartTime.UTC()
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	session.EndTime = utcPtr(session.EndTime)
	session.LastMessageAt = utcPtr(session.LastMessageAt)

	rows, err := q.Query(ctx, `
		SELECT id, session_id, sender_id, content, timestamp, is_read
		FROM messages
		WHERE session_id = $1
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer rows.Close()

	session.Messages = []*types.Message{}
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderID, &msg.Content, &msg.Timestamp, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Timestamp = msg.Timestamp.UTC()
		session.Messages = append(session.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return &session, nil
}

func insertPostgresMessage(ctx context.Context, tx pgx.Tx, seq int, msg *types.Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, seq, sender_id, content, timestamp, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.SessionID, seq, msg.SenderID, msg.Content, msg.Timestamp.UTC(), msg.IsRead)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
