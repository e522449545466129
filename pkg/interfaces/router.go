package interfaces

import (
	"context"

	"therapychat/pkg/types"
)

// Broadcaster delivers events to live connections
// FUNCTIONAL DISCOVERY: Delivery is best-effort; closed sockets are skipped,
// nothing is queued or retried
type Broadcaster interface {
	// BroadcastToSession sends event to every connection in the session room
	// except excludeParticipantID (empty excludes nobody) and returns the
	// number of connections that accepted it
	BroadcastToSession(sessionID string, event types.Event, excludeParticipantID string) int

	// SendToParticipant sends event to the participant's current connection
	// and reports whether it was handed off
	SendToParticipant(participantID string, event types.Event) bool
}

// MessageRouter dispatches inbound envelopes received on a connection
// ARCHITECTURAL DISCOVERY: Routing logic abstracted from socket handling
// enables testing dispatch without a network
type MessageRouter interface {
	// RouteEvent parses and dispatches one raw envelope. Failures are reported
	// to the sender as error events and never close the connection.
	RouteEvent(ctx context.Context, sender Connection, raw []byte)
}
