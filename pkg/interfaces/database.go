package interfaces

import (
	"context"

	"therapychat/pkg/types"
)

// MutateFunc edits a session in place inside an atomic read-modify-write.
// Returning an error aborts the write and leaves the stored session untouched.
type MutateFunc func(session *types.Session) error

// SessionStore persists sessions together with their embedded messages
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling across drivers (sqlite, memory, redis)
type SessionStore interface {
	// CreateSession persists a new session
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns the session with its messages in append order,
	// or types.ErrSessionNotFound
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession applies fn to the current stored copy and persists the
	// result atomically with respect to every other write on the same session
	// FUNCTIONAL DISCOVERY: Append, mark-read and status changes all flow through
	// this one primitive so concurrent writers never lose each other's updates
	UpdateSession(ctx context.Context, sessionID string, fn MutateFunc) (*types.Session, error)

	// ListActiveSessions returns scheduled and in-progress sessions where the
	// participant is requester or provider, ordered by start time ascending
	ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error)

	// HealthCheck verifies backend connectivity
	HealthCheck(ctx context.Context) error

	// Close releases backend resources
	Close() error
}
