package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	dbconfig "therapychat/pkg/database"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.SessionStore = (*RedisStore)(nil)

// ErrTooManyConflicts is returned when optimistic retries are exhausted
var ErrTooManyConflicts = errors.New("too many concurrent updates")

// RedisStore keeps each session as one JSON document with a per-participant
// index set for active-session listing
// ARCHITECTURAL DISCOVERY: WATCH/MULTI gives per-session atomicity without a
// server-side lock; conflicting writers simply rerun their mutation
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	logger     zerolog.Logger
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, prefix string, maxRetries int, logger zerolog.Logger) *RedisStore {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "store").Str("driver", dbconfig.DriverRedis).Logger(),
	}
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *RedisStore) participantKey(id string) string {
	return fmt.Sprintf("%s:participant:%s:sessions", s.prefix, id)
}

// CreateSession implements interfaces.SessionStore
func (s *RedisStore) CreateSession(ctx context.Context, session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !created {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.participantKey(session.RequesterID), session.ID)
	pipe.SAdd(ctx, s.participantKey(session.ProviderID), session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// GetSession implements interfaces.SessionStore
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return decodeSession(data)
}

// UpdateSession implements interfaces.SessionStore
func (s *RedisStore) UpdateSession(ctx context.Context, sessionID string, fn interfaces.MutateFunc) (*types.Session, error) {
	key := s.sessionKey(sessionID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var updated *types.Session

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return types.ErrSessionNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read session: %w", err)
			}

			current, err := decodeSession(data)
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

			encoded, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal session: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = current
			return nil
		}, key)

		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		s.logger.Debug().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("optimistic update conflict, retrying")
	}

	return nil, fmt.Errorf("%w on session %s", ErrTooManyConflicts, sessionID)
}

// ListActiveSessions implements interfaces.SessionStore
func (s *RedisStore) ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error) {
	ids, err := s.client.SMembers(ctx, s.participantKey(participantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read participant index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	var sessions []*types.Session
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		if session.IsActive() && session.IsParticipant(participantID) {
			sessions = append(sessions, session)
		}
	}
	sortByStartTime(sessions)
	return sessions, nil
}

// HealthCheck implements interfaces.SessionStore
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close implements interfaces.SessionStore
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeSession(data []byte) (*types.Session, error) {
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Messages == nil {
		session.Messages = []*types.Message{}
	}
	return &session, nil
}
