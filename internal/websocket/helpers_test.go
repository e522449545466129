package websocket

import (
	"context"

	"github.com/rs/zerolog"
)

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// newTestConn builds a socketless connection in the given identity, enough
// for registry bookkeeping tests
func newTestConn(participantID, sessionID string) *Connection {
	conn := NewConnection(nil, 10, 0, zerolog.Nop())
	if participantID != "" {
		_ = conn.Authenticate(participantID)
	}
	if sessionID != "" {
		_ = conn.BindSession(sessionID)
	}
	return conn
}
