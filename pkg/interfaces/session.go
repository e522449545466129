package interfaces

import (
	"context"

	"therapychat/pkg/types"
)

// SessionService is the slice of the lifecycle controller the realtime
// gateway depends on
// ARCHITECTURAL DISCOVERY: Context-first design pattern ensures proper
// cancellation and timeout handling across all session operations
type SessionService interface {
	// Authorize loads the session and verifies participantID is one of its
	// two parties. Unknown sessions and non-parties both yield types.ErrNotFound.
	Authorize(ctx context.Context, sessionID, participantID string) (*types.Session, error)

	// AppendMessage persists a message and broadcasts it to the room
	AppendMessage(ctx context.Context, sessionID, senderID, content string) (*types.Message, error)

	// MarkRead flips the read flag on the other party's messages and reports
	// whether anything changed
	MarkRead(ctx context.Context, sessionID, readerID string) (bool, error)
}

// Authenticator resolves an auth token to a participant identity
type Authenticator interface {
	// ResolveToken returns the participant ID or an error wrapping
	// types.ErrAuthenticationFailed
	ResolveToken(ctx context.Context, token string) (string, error)
}
