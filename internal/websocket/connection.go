package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"therapychat/pkg/interfaces"
)

// State is the lifecycle position of a Connection
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateInSession
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInSession:
		return "in_session"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var _ interfaces.Connection = (*Connection)(nil)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	writeCh       chan []byte
	writeTimeout  time.Duration
	participantID string
	sessionID     string
	state         State
	logger        zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex
}

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		state:        StateConnecting,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Str("participant_id", c.ParticipantID()).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for delivery without blocking. A full buffer drops the
// event; delivery is best-effort and never retried.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close closes the socket without a close frame
func (c *Connection) Close() error {
	return c.close(func() error { return nil })
}

// CloseWithCode sends a close frame carrying code and reason, then closes
func (c *Connection) CloseWithCode(code int, reason string) error {
	return c.close(func() error {
		msg := websocket.FormatCloseMessage(code, reason)
		return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
}

func (c *Connection) close(beforeClose func() error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.cancel()
		if c.conn != nil {
			_ = beforeClose()
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Authenticate records the resolved participant identity
func (c *Connection) Authenticate(participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		return fmt.Errorf("cannot authenticate connection in state %s", c.state)
	}
	c.participantID = participantID
	c.state = StateAuthenticated
	return nil
}

// BindSession attaches the connection to an authorized session
func (c *Connection) BindSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated {
		return fmt.Errorf("cannot bind session in state %s", c.state)
	}
	c.sessionID = sessionID
	c.state = StateInSession
	return nil
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID != "" && c.state != StateConnecting
}

func (c *Connection) ParticipantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}
