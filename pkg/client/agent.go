// Package client keeps one realtime connection alive for an open chat view
// and reconciles it with the REST history.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"therapychat/pkg/types"
)

// Close codes the server uses to reject a handshake
const (
	closeAuthenticationFailed = 4002
	closeForbidden            = 4003
)

// ErrNotConnected is returned by socket operations while no connection is open
var ErrNotConnected = errors.New("not connected")

// Config controls an Agent
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080
	BaseURL   string
	Token     string
	SessionID string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// MaxAttempts bounds consecutive failed connection attempts; 0 retries forever
	MaxAttempts int

	TypingDebounce time.Duration
	WriteTimeout   time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the reconnect and typing defaults
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
		TypingDebounce: time.Second,
		WriteTimeout:   5 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// Handlers receive what the agent observes. Any of them may be nil.
// They run on the agent's read goroutine and must not block.
type Handlers struct {
	OnHistory     func(*types.Session)
	OnEvent       func(types.Event)
	OnStateChange func(State)
}

// State mirrors what a chat view renders besides the message list
type State struct {
	Connected  bool
	PeerTyping bool
	// LastReadBy and LastReadAt describe the latest messages_read receipt
	LastReadBy string
	LastReadAt time.Time
	// Attempts counts consecutive failed connection attempts
	Attempts int
}

// Agent is the client side of one chat view
// ARCHITECTURAL DISCOVERY: Chat content goes out over REST and comes back
// over the socket, so the socket only carries typing and read envelopes
// upstream and history is always reconciled from REST on (re)connect
type Agent struct {
	config   Config
	handlers Handlers
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	self   string
	typing bool
	burst  int
	timer  *time.Timer

	writeMu sync.Mutex
}

// New creates an agent; zero-valued tuning fields take DefaultConfig values
func New(config Config, handlers Handlers) (*Agent, error) {
	if config.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if config.Token == "" {
		return nil, errors.New("token is required")
	}
	if config.SessionID == "" {
		return nil, errors.New("session id is required")
	}

	defaults := DefaultConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = defaults.Jitter
	}
	if config.TypingDebounce <= 0 {
		config.TypingDebounce = defaults.TypingDebounce
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	return &Agent{
		config:   config,
		handlers: handlers,
		logger:   config.Logger.With().Str("component", "client").Str("session_id", config.SessionID).Logger(),
	}, nil
}

// State returns a snapshot of the mirrored state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run keeps the connection alive until ctx ends, a handshake is rejected, or
// MaxAttempts consecutive attempts fail. Each attempt refetches the history
// first so events missed while disconnected are recovered.
func (a *Agent) Run(ctx context.Context) error {
	policy := a.newBackOff()

	for {
		connected, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isFatal(err) {
			return err
		}

		attempts := 0
		if connected {
			// FUNCTIONAL DISCOVERY: A connection that got as far as the ack
			// counts as success, so the next outage starts from the initial delay
			policy.Reset()
			a.setAttempts(0)
		} else {
			attempts = a.setAttempts(a.State().Attempts + 1)
			if a.config.MaxAttempts > 0 && attempts >= a.config.MaxAttempts {
				return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
			}
		}

		delay := min(policy.NextBackOff(), a.config.MaxBackoff)
		a.logger.Info().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Agent) newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.config.InitialBackoff
	policy.MaxInterval = a.config.MaxBackoff
	policy.Multiplier = a.config.Multiplier
	policy.RandomizationFactor = a.config.Jitter
	policy.Reset()
	return policy
}

// runOnce fetches history, dials, and reads until the socket drops.
// connected reports whether the server acknowledged the connection.
func (a *Agent) runOnce(ctx context.Context) (connected bool, err error) {
	history, err := a.FetchHistory(ctx)
	if err != nil {
		return false, err
	}
	if a.handlers.OnHistory != nil {
		a.handlers.OnHistory(history)
	}

	conn, _, err := a.config.Dialer.DialContext(ctx, a.socketURL(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	// closing the socket when ctx ends unblocks the read below
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	defer a.detach(conn)
	return a.readLoop(conn)
}

func (a *Agent) readLoop(conn *websocket.Conn) (connected bool, err error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, classifyClose(err)
		}

		event, err := types.DecodeEvent(data)
		if err != nil {
			a.logger.Warn().Err(err).Msg("ignoring undecodable event")
			continue
		}
		if _, ok := event.(types.ConnectionEvent); ok && !connected {
			connected = true
		}
		a.apply(event)
		if a.handlers.OnEvent != nil {
			a.handlers.OnEvent(event)
		}
	}
}

// apply folds an event into the mirrored state
func (a *Agent) apply(event types.Event) {
	a.mu.Lock()
	changed := true
	switch e := event.(type) {
	case types.ConnectionEvent:
		a.self = e.UserID
		a.state.Connected = true
	case types.TypingEvent:
		a.state.PeerTyping = e.IsTyping
	case types.ChatEvent:
		// a message from the peer ends their typing burst
		if e.Message != nil && e.Message.SenderID != a.self && a.state.PeerTyping {
			a.state.PeerTyping = false
		} else {
			changed = false
		}
	case types.MessagesReadEvent:
		a.state.LastReadBy = e.UserID
		a.state.LastReadAt = time.Now()
	case types.UserDisconnectedEvent:
		a.state.PeerTyping = false
	default:
		changed = false
	}
	snapshot := a.state
	a.mu.Unlock()

	if changed && a.handlers.OnStateChange != nil {
		a.handlers.OnStateChange(snapshot)
	}
}

// detach forgets conn and resets per-connection state
func (a *Agent) detach(conn *websocket.Conn) {
	_ = conn.Close()

	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.typing = false
	a.state.Connected = false
	a.state.PeerTyping = false
	snapshot := a.state
	a.mu.Unlock()

	if a.handlers.OnStateChange != nil {
		a.handlers.OnStateChange(snapshot)
	}
}

func (a *Agent) setAttempts(n int) int {
	a.mu.Lock()
	a.state.Attempts = n
	a.mu.Unlock()
	return n
}

// KeyPress signals local typing activity. Every keystroke sends typing:true;
// TypingDebounce after the last one, typing:false follows.
func (a *Agent) KeyPress() error {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.typing = true
	a.burst++
	burst := a.burst
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.config.TypingDebounce, func() { a.stopTyping(burst) })
	a.mu.Unlock()

	return a.send(map[string]any{"type": types.EventTyping, "isTyping": true})
}

// stopTyping ends the burst unless a later keystroke re-armed the timer
func (a *Agent) stopTyping(burst int) {
	a.mu.Lock()
	if !a.typing || burst != a.burst {
		a.mu.Unlock()
		return
	}
	a.typing = false
	a.timer = nil
	a.mu.Unlock()

	if err := a.send(map[string]any{"type": types.EventTyping, "isTyping": false}); err != nil {
		a.logger.Debug().Err(err).Msg("failed to send typing stop")
	}
}

// MarkRead asks the server to mark the peer's messages read
func (a *Agent) MarkRead() error {
	return a.send(map[string]any{"type": types.EventRead})
}

func (a *Agent) send(envelope any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	if err := conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

func (a *Agent) socketURL() string {
	u, err := url.Parse(strings.TrimRight(a.config.BaseURL, "/"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	query := u.Query()
	query.Set("token", a.config.Token)
	query.Set("sessionId", a.config.SessionID)
	u.RawQuery = query.Encode()
	return u.String()
}

// classifyClose turns handshake rejections into terminal taxonomy errors
func classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case closeAuthenticationFailed:
			return fmt.Errorf("%w: %s", types.ErrAuthenticationFailed, closeErr.Text)
		case closeForbidden:
			return fmt.Errorf("%w: %s", types.ErrForbidden, closeErr.Text)
		}
	}
	return err
}

// isFatal reports errors that retrying cannot fix
func isFatal(err error) bool {
	return errors.Is(err, types.ErrAuthenticationFailed) ||
		errors.Is(err, types.ErrForbidden) ||
		errors.Is(err, types.ErrNotFound)
}
