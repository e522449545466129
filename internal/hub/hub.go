package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
	"therapychat/internal/websocket"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.Broadcaster = (*Hub)(nil)

// Hub fans events out to live connections
// ARCHITECTURAL DISCOVERY: Central delivery point for all outbound events keeps
// the registry free of serialization and the lifecycle free of sockets.
// Delivery hands each event to the connection's own send buffer and returns;
// per-connection FIFO buffers keep one caller's events in order.
type Hub struct {
	registry *websocket.Registry
	logger   zerolog.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub over registry
func NewHub(registry *websocket.Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Start enables delivery
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.logger.Info().Msg("message hub started")
	return nil
}

// Stop disables delivery; events offered afterwards are dropped
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	h.logger.Info().Msg("message hub stopped")
	return nil
}

// IsRunning reports whether the hub delivers events
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// BroadcastToSession implements interfaces.Broadcaster
func (h *Hub) BroadcastToSession(sessionID string, event types.Event, excludeParticipantID string) int {
	if !h.IsRunning() {
		metrics.EventsDropped.WithLabelValues(string(event.EventType())).Inc()
		return 0
	}

	delivered := 0
	for _, conn := range h.registry.SessionConnections(sessionID) {
		if excludeParticipantID != "" && conn.ParticipantID() == excludeParticipantID {
			continue
		}
		if h.deliver(conn, event) {
			delivered++
		}
	}
	return delivered
}

// SendToParticipant implements interfaces.Broadcaster
func (h *Hub) SendToParticipant(participantID string, event types.Event) bool {
	if !h.IsRunning() {
		metrics.EventsDropped.WithLabelValues(string(event.EventType())).Inc()
		return false
	}

	conn, ok := h.registry.Lookup(participantID)
	if !ok {
		return false
	}
	return h.deliver(conn, event)
}

// deliver hands event to conn. Closed or saturated connections are skipped;
// nothing is queued or retried.
func (h *Hub) deliver(conn *websocket.Connection, event types.Event) bool {
	eventType := string(event.EventType())
	if conn.State() == websocket.StateClosed {
		metrics.EventsDropped.WithLabelValues(eventType).Inc()
		return false
	}
	if err := conn.WriteJSON(event); err != nil {
		h.logger.Debug().
			Err(err).
			Str("participant_id", conn.ParticipantID()).
			Str("event", eventType).
			Msg("dropping event for unreachable connection")
		metrics.EventsDropped.WithLabelValues(eventType).Inc()
		return false
	}
	metrics.EventsDelivered.WithLabelValues(eventType).Inc()
	return true
}
