package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

// HandlerConfig carries the transport tuning knobs
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DefaultHandlerConfig returns the production defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendBufferSize: 100,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Handler owns the realtime endpoint: handshake, read loop and disconnect
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// sessions, routing and fan-out are all reached through interfaces
type Handler struct {
	registry    *Registry
	auth        interfaces.Authenticator
	sessions    interfaces.SessionService
	router      interfaces.MessageRouter
	broadcaster interfaces.Broadcaster
	config      HandlerConfig
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(
	config HandlerConfig,
	registry *Registry,
	auth interfaces.Authenticator,
	sessions interfaces.SessionService,
	router interfaces.MessageRouter,
	broadcaster interfaces.Broadcaster,
	logger zerolog.Logger,
) *Handler {
	h := &Handler{
		registry:    registry,
		auth:        auth,
		sessions:    sessions,
		router:      router,
		broadcaster: broadcaster,
		config:      config,
		logger:      logger.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// Handshake failures after the upgrade are reported with close codes:
// 4002 when the token does not resolve, 4003 when the session is unknown or
// the participant is not one of its parties.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.config.SendBufferSize, h.config.WriteTimeout, h.logger)
	if !h.connect(r.Context(), conn, tokenFromRequest(r), r.URL.Query().Get("sessionId")) {
		return
	}

	h.handleConnection(conn)
}

// connect authenticates, authorizes, registers and acknowledges conn.
// It reports whether the connection is ready for its read loop.
func (h *Handler) connect(ctx context.Context, conn *Connection, token, sessionID string) bool {
	participantID, err := h.auth.ResolveToken(ctx, token)
	if err != nil {
		h.logger.Debug().Err(err).Msg("rejecting connection: authentication failed")
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		_ = conn.CloseWithCode(CloseAuthenticationFailed, "Authentication failed")
		return false
	}
	if err := conn.Authenticate(participantID); err != nil {
		_ = conn.Close()
		return false
	}

	log := h.logger.With().Str("participant_id", participantID).Str("session_id", sessionID).Logger()

	if sessionID != "" {
		if _, err := h.sessions.Authorize(ctx, sessionID, participantID); err != nil {
			if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrForbidden) {
				log.Debug().Err(err).Msg("rejecting connection: not a session party")
				metrics.ConnectionsRejected.WithLabelValues("forbidden").Inc()
				_ = conn.CloseWithCode(CloseForbidden, "Forbidden")
			} else {
				log.Error().Err(err).Msg("session authorization failed")
				metrics.ConnectionsRejected.WithLabelValues("internal").Inc()
				_ = conn.CloseWithCode(websocket.CloseInternalServerErr, "Internal error")
			}
			return false
		}
		if err := conn.BindSession(sessionID); err != nil {
			_ = conn.Close()
			return false
		}
	}

	// queued ahead of registration so no room event can overtake it
	if err := conn.WriteJSON(types.NewConnectionEvent(participantID, sessionID)); err != nil {
		log.Debug().Err(err).Msg("failed to send connection acknowledgement")
	}

	displaced, err := h.registry.Register(conn)
	if err != nil {
		log.Error().Err(err).Msg("failed to register connection")
		_ = conn.Close()
		return false
	}
	h.announceDeparture(displaced, sessionID)

	log.Info().Msg("participant connected")
	return true
}

// announceDeparture tells the room a displaced connection belonged to that
// its participant left, unless the new connection rejoined the same room.
// The displaced connection's own OnDisconnect stays silent.
func (h *Handler) announceDeparture(displaced *Connection, newSessionID string) {
	if displaced == nil {
		return
	}
	oldSessionID := displaced.SessionID()
	if oldSessionID == "" || oldSessionID == newSessionID {
		return
	}
	participantID := displaced.ParticipantID()
	h.logger.Info().
		Str("participant_id", participantID).
		Str("session_id", oldSessionID).
		Str("new_session_id", newSessionID).
		Msg("participant moved to another session")
	h.broadcaster.BroadcastToSession(oldSessionID, types.NewUserDisconnectedEvent(participantID), participantID)
}

// handleConnection runs heartbeat and read pump until the socket closes
func (h *Handler) handleConnection(conn *Connection) {
	defer h.OnDisconnect(conn)

	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("participant_id", conn.ParticipantID()).Msg("websocket read error")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			_ = conn.WriteJSON(types.NewErrorEvent("Invalid message format"))
			continue
		}
		h.router.RouteEvent(conn.ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// OnDisconnect releases conn. When conn was still the registered connection
// for a session, the remaining room members are told the participant left.
func (h *Handler) OnDisconnect(conn *Connection) {
	removed := h.registry.Unregister(conn)
	_ = conn.Close()

	participantID := conn.ParticipantID()
	sessionID := conn.SessionID()
	if !removed {
		return
	}
	h.logger.Info().Str("participant_id", participantID).Str("session_id", sessionID).Msg("participant disconnected")

	if sessionID != "" {
		h.broadcaster.BroadcastToSession(sessionID, types.NewUserDisconnectedEvent(participantID), participantID)
	}
}

// tokenFromRequest reads the token query parameter, falling back to a
// bearer Authorization header for non-browser clients
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
