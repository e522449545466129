package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.SessionStore = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process memory.
// Callers always receive deep copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*types.Session)}
}

// CreateSession implements interfaces.SessionStore
func (s *MemoryStore) CreateSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession implements interfaces.SessionStore
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// UpdateSession implements interfaces.SessionStore
func (s *MemoryStore) UpdateSession(ctx context.Context, sessionID string, fn interfaces.MutateFunc) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := checkMutation(stored, working); err != nil {
		return nil, err
	}

	s.sessions[sessionID] = working.Clone()
	return working, nil
}

// ListActiveSessions implements interfaces.SessionStore
func (s *MemoryStore) ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Session
	for _, session := range s.sessions {
		if session.IsActive() && session.IsParticipant(participantID) {
			result = append(result, session.Clone())
		}
	}
	sortByStartTime(result)
	return result, nil
}

// HealthCheck implements interfaces.SessionStore
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Close implements interfaces.SessionStore
func (s *MemoryStore) Close() error {
	return nil
}

func sortByStartTime(sessions []*types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
