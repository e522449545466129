package websocket

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
)

// Registry tracks the live connection of every participant and the room of
// every session
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // participantID -> Connection
	rooms       map[string]map[string]*Connection // sessionID -> participantID -> Connection
	logger      zerolog.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// Register makes conn the participant's current connection and, when conn is
// bound to a session, adds it to that session's room.
// FUNCTIONAL DISCOVERY: A participant holds at most one connection. The
// previous one leaves its room here and is closed asynchronously; its own
// later Unregister is then a no-op.
func (r *Registry) Register(conn *Connection) (displaced *Connection, err error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return nil, ErrConnectionNotAuthenticated
	}

	participantID := conn.ParticipantID()
	sessionID := conn.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[participantID]; ok && existing != conn {
		r.removeFromRoomLocked(existing)
		displaced = existing
		go func() {
			if err := existing.CloseWithCode(websocket.CloseNormalClosure, "Replaced by a new connection"); err != nil {
				r.logger.Debug().Err(err).Str("participant_id", participantID).Msg("failed to close displaced connection")
			}
		}()
		metrics.ConnectionsDisplaced.Inc()
		r.logger.Info().Str("participant_id", participantID).Msg("connection displaced by newer connection")
	}

	r.connections[participantID] = conn

	if sessionID != "" {
		room := r.rooms[sessionID]
		if room == nil {
			room = make(map[string]*Connection)
			r.rooms[sessionID] = room
		}
		room[participantID] = conn
	}

	r.updateGaugesLocked()
	return displaced, nil
}

// Unregister removes conn if, and only if, it is still the participant's
// registered connection. It reports whether anything was removed.
func (r *Registry) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}

	participantID := conn.ParticipantID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.connections[participantID]
	if !ok || registered != conn {
		return false
	}

	delete(r.connections, participantID)
	r.removeFromRoomLocked(conn)
	r.updateGaugesLocked()
	return true
}

func (r *Registry) removeFromRoomLocked(conn *Connection) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}
	room, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	participantID := conn.ParticipantID()
	if room[participantID] == conn {
		delete(room, participantID)
	}
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(room) == 0 {
		delete(r.rooms, sessionID)
	}
}

func (r *Registry) updateGaugesLocked() {
	metrics.ActiveConnections.Set(float64(len(r.connections)))
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}

// Lookup returns the participant's current connection
func (r *Registry) Lookup(participantID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[participantID]
	return conn, ok
}

// SessionConnections returns a snapshot of the session's room
func (r *Registry) SessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[sessionID]
	connections := make([]*Connection, 0, len(room))
	for _, conn := range room {
		connections = append(connections, conn)
	}
	return connections
}

// ConnectionCount returns how many connections are in the session's room
func (r *Registry) ConnectionCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[sessionID])
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_sessions":   len(r.rooms),
	}
}

// CloseAll closes every registered connection with a going-away frame
func (r *Registry) CloseAll() {
	r.mu.RLock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	r.mu.RUnlock()

	for _, conn := range connections {
		_ = conn.CloseWithCode(websocket.CloseGoingAway, "Server shutting down")
	}
}
