package interfaces

// Connection represents a live realtime channel for one participant
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// ParticipantID returns the authenticated participant's ID
	ParticipantID() string

	// SessionID returns the bound session ID, or "" when not in a session
	SessionID() string

	// IsAuthenticated returns true once the token has been resolved
	IsAuthenticated() bool
}
