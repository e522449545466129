package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"therapychat/internal/session"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

// maxBodySize bounds REST request bodies
const maxBodySize = 64 * 1024

// SessionManager is the slice of the lifecycle controller the REST surface uses
type SessionManager interface {
	CreateSession(ctx context.Context, requesterID, providerID string, startTime time.Time, notes string) (*types.Session, error)
	GetSession(ctx context.Context, sessionID, participantID string) (*types.Session, error)
	ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error)
	UpdateSession(ctx context.Context, sessionID, participantID string, update session.Update) (*types.Session, error)
	CancelSession(ctx context.Context, sessionID, participantID string) (*types.Session, error)
	AppendMessage(ctx context.Context, sessionID, senderID, content string) (*types.Message, error)
	MarkRead(ctx context.Context, sessionID, readerID string) (bool, error)
}

// HealthChecker reports store connectivity
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	ConnectionCount(sessionID string) int
	GetStats() map[string]int
}

// ServerConfig carries the HTTP surface settings
type ServerConfig struct {
	CORSOrigins []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions  SessionManager
	store     HealthChecker
	registry  Registry
	auth      interfaces.Authenticator
	ws        http.Handler
	logger    zerolog.Logger
	router    *chi.Mux
	startedAt time.Time
}

// NewServer wires the REST routes, the realtime endpoint and the operational
// endpoints onto one chi router. ws may be nil when only REST is served.
func NewServer(
	config ServerConfig,
	sessions SessionManager,
	store HealthChecker,
	registry Registry,
	auth interfaces.Authenticator,
	ws http.Handler,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		sessions:  sessions,
		store:     store,
		registry:  registry,
		auth:      auth,
		ws:        ws,
		logger:    logger.With().Str("component", "api").Logger(),
		router:    chi.NewRouter(),
		startedAt: time.Now(),
	}

	s.setupRoutes(config)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// Metrics wrap everything; auth applies only to the /api group
func (s *Server) setupRoutes(config ServerConfig) {
	origins := config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthCheck)
	r.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(chimw.RequestSize(maxBodySize))
		r.Use(requireAuth(s.auth))

		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Put("/", s.updateSession)
			r.Delete("/", s.cancelSession)
			r.Post("/messages", s.appendMessage)
			r.Post("/messages/read", s.markRead)
		})
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
