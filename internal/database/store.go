package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	dbconfig "therapychat/pkg/database"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

// ErrIllegalMutation is returned when an update would violate the
// append-only history or rewrite session identity
var ErrIllegalMutation = errors.New("illegal session mutation")

// NewStore builds the session store selected by config.Driver.
// SQLite stores are migrated and schema-validated before being returned.
func NewStore(ctx context.Context, config *dbconfig.Config, logger zerolog.Logger) (interfaces.SessionStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	switch config.Driver {
	case dbconfig.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		manager, err := NewManager(config, logger)
		if err != nil {
			return nil, err
		}
		if err := dbconfig.NewMigrationManager(manager.GetDB()).ApplyMigrations(); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		if err := dbconfig.NewSchemaValidator(manager.GetDB()).Validate(); err != nil {
			_ = manager.Close()
			return nil, fmt.Errorf("database schema invalid: %w", err)
		}
		logger.Info().Str("path", config.DatabasePath).Msg("sqlite session store ready")
		return manager, nil

	case dbconfig.DriverMemory:
		logger.Info().Msg("in-memory session store ready")
		return NewMemoryStore(), nil

	case dbconfig.DriverPostgres:
		store, err := NewPostgresStore(ctx, config.PostgresURL, config.MaxConnections, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("postgres session store ready")
		return store, nil

	case dbconfig.DriverRedis:
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("redis session store ready")
		return NewRedisStore(client, config.RedisKeyPrefix, config.RedisMaxRetries, logger), nil
	}

	return nil, fmt.Errorf("unsupported store driver %q", config.Driver)
}

// checkMutation enforces what every driver guarantees regardless of caller:
// identity is fixed, messages are only appended, and read flags only go
// from false to true.
func checkMutation(before, after *types.Session) error {
	if after.ID != before.ID || after.RequesterID != before.RequesterID || after.ProviderID != before.ProviderID {
		return fmt.Errorf("%w: session identity changed", ErrIllegalMutation)
	}
	if len(after.Messages) < len(before.Messages) {
		return fmt.Errorf("%w: messages removed", ErrIllegalMutation)
	}
	for i, old := range before.Messages {
		cur := after.Messages[i]
		if cur.ID != old.ID || cur.SenderID != old.SenderID || cur.Content != old.Content || !cur.Timestamp.Equal(old.Timestamp) {
			return fmt.Errorf("%w: message %s rewritten", ErrIllegalMutation, old.ID)
		}
		if old.IsRead && !cur.IsRead {
			return fmt.Errorf("%w: message %s marked unread", ErrIllegalMutation, old.ID)
		}
	}
	for _, msg := range after.Messages[len(before.Messages):] {
		if msg.SessionID != after.ID {
			return fmt.Errorf("%w: message %s belongs to another session", ErrIllegalMutation, msg.ID)
		}
	}
	return nil
}
