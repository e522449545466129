package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"therapychat/internal/api"
	"therapychat/internal/auth"
	"therapychat/internal/config"
	"therapychat/internal/database"
	"therapychat/internal/hub"
	"therapychat/internal/router"
	"therapychat/internal/session"
	"therapychat/internal/websocket"
	"therapychat/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config         *config.Config
	logger         zerolog.Logger
	store          interfaces.SessionStore
	registry       *websocket.Registry
	messageHub     *hub.Hub
	sessionManager *session.Manager
	messageRouter  *router.Router
	apiServer      *api.Server
	httpServer     *http.Server

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listener net.Listener
	mu       sync.Mutex
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Registry → Hub → Session → Router → Auth → Gateway → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Session store (foundation layer), migrated when backed by SQLite
	store, err := database.NewStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	// STEP 2: Connection registry and the hub delivering over it
	registry := websocket.NewRegistry(logger)
	messageHub := hub.NewHub(registry, logger)

	// STEP 3: Lifecycle controller persists first, then broadcasts through the hub
	sessionManager := session.NewManager(store, messageHub, logger,
		session.WithMaxMessageLength(cfg.Chat.MaxMessageLength))

	// STEP 4: Inbound routing with per-participant rate limiting
	limiter := router.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
	messageRouter := router.NewRouter(sessionManager, messageHub, limiter, logger)

	// STEP 5: Token verification shared by REST and the realtime endpoint
	var verifierOpts []auth.Option
	if cfg.Auth.Issuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, verifierOpts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	// STEP 6: Realtime gateway
	wsHandler := websocket.NewHandler(websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBufferSize: cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, registry, verifier, sessionManager, messageRouter, messageHub, logger)

	// STEP 7: REST surface; /ws, /health and /metrics share its router
	apiServer := api.NewServer(api.ServerConfig{CORSOrigins: cfg.HTTP.CORSOrigins},
		sessionManager, store, registry, verifier, wsHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:         cfg,
		logger:         logger.With().Str("component", "app").Logger(),
		store:          store,
		registry:       registry,
		messageHub:     messageHub,
		sessionManager: sessionManager,
		messageRouter:  messageRouter,
		apiServer:      apiServer,
		httpServer:     httpServer,
	}, nil
}

// Start listens on the configured address and serves in the background
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, listener)
}

// Serve starts background components and serves HTTP on listener.
// Hub starts first to handle messages, then HTTP server accepts connections.
// Serve returns once serving has begun; use Stop to shut down.
func (app *Application) Serve(ctx context.Context, listener net.Listener) error {
	// STEP 1: Start message hub (delivery enabled before any connection exists)
	if err := app.messageHub.Start(); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Background maintenance bound to the application lifetime
	runCtx, cancel := context.WithCancel(context.Background())
	app.mu.Lock()
	app.cancel = cancel
	app.listener = listener
	app.mu.Unlock()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.messageRouter.RunCleanup(runCtx, app.config.Chat.CleanupInterval)
	}()

	// STEP 3: Start HTTP server (accepts connections)
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if err := ctx.Err(); err != nil {
		_ = app.Stop(context.Background())
		return err
	}

	app.logger.Info().Str("addr", listener.Addr().String()).Msg("therapychat application started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → live connections → Hub → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down therapychat application")
	var errs []error

	// STEP 1: Stop accepting new connections and drain REST requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	// STEP 2: Hijacked sockets are not tracked by the HTTP server
	app.registry.CloseAll()

	// STEP 3: Stop delivery and background maintenance
	if app.messageHub.IsRunning() {
		if err := app.messageHub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
		}
	}
	app.mu.Lock()
	if app.cancel != nil {
		app.cancel()
	}
	app.mu.Unlock()
	app.wg.Wait()

	// STEP 4: Close the store last
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store shutdown: %w", err))
	}

	app.logger.Info().Msg("therapychat application shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the address being served, or the configured one before Start
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
