package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"therapychat/internal/app"
	"therapychat/internal/auth"
	"therapychat/internal/config"
	dbconfig "therapychat/pkg/database"
	"therapychat/pkg/types"
)

const (
	testSecret     = "integration-secret"
	receiveTimeout = 2 * time.Second
	quietPeriod    = 200 * time.Millisecond
)

// TestServer is a fully wired application listening on a loopback port
type TestServer struct {
	t        *testing.T
	app      *app.Application
	BaseURL  string
	verifier *auth.Verifier
}

// StartTestServer boots the application on the in-memory store
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()
	cfg := testConfig()
	cfg.Database.Driver = dbconfig.DriverMemory
	return startWithConfig(t, cfg)
}

// StartSQLiteServer boots the application on a SQLite file at path
func StartSQLiteServer(t *testing.T, path string) *TestServer {
	t.Helper()
	cfg := testConfig()
	cfg.Database.Driver = dbconfig.DriverSQLite
	cfg.Database.DatabasePath = path
	return startWithConfig(t, cfg)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.WebSocket.PingInterval = time.Second
	cfg.WebSocket.ReadTimeout = 5 * time.Second
	return cfg
}

func startWithConfig(t *testing.T, cfg *config.Config) *TestServer {
	t.Helper()
	ctx := context.Background()

	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if err := application.Serve(ctx, listener); err != nil {
		t.Fatalf("Failed to serve: %v", err)
	}

	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	ts := &TestServer{
		t:        t,
		app:      application,
		BaseURL:  "http://" + application.Addr(),
		verifier: verifier,
	}
	t.Cleanup(ts.Stop)
	return ts
}

// Stop shuts the application down; calling it twice is harmless
func (ts *TestServer) Stop() {
	if ts.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.app.Stop(ctx); err != nil {
		ts.t.Logf("Application stop reported: %v", err)
	}
	ts.app = nil
}

// Token mints a bearer token for participantID
func (ts *TestServer) Token(participantID string) string {
	ts.t.Helper()
	token, err := ts.verifier.Sign(participantID, "", time.Hour)
	if err != nil {
		ts.t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

// Do sends a JSON request as participantID and decodes the response into out
// when out is non-nil. It returns the status code.
func (ts *TestServer) Do(method, path, participantID string, body, out any) int {
	ts.t.Helper()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			ts.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		ts.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if participantID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.Token(participantID))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			ts.t.Fatalf("Failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// CreateSession books a session from requester with provider an hour ahead
func (ts *TestServer) CreateSession(requester, provider string) *types.Session {
	ts.t.Helper()
	var resp struct {
		Session *types.Session `json:"session"`
	}
	body := map[string]any{"providerId": provider, "startTime": time.Now().Add(time.Hour)}
	if code := ts.Do(http.MethodPost, "/api/sessions", requester, body, &resp); code != http.StatusCreated {
		ts.t.Fatalf("Expected 201 creating session, got %d", code)
	}
	return resp.Session
}

// GetSession fetches a session as participantID
func (ts *TestServer) GetSession(sessionID, participantID string) *types.Session {
	ts.t.Helper()
	var resp struct {
		Session *types.Session `json:"session"`
	}
	if code := ts.Do(http.MethodGet, "/api/sessions/"+sessionID, participantID, nil, &resp); code != http.StatusOK {
		ts.t.Fatalf("Expected 200 fetching session, got %d", code)
	}
	return resp.Session
}

// TestClient is a raw realtime connection that records every server event
type TestClient struct {
	ParticipantID string
	SessionID     string

	conn   *websocket.Conn
	events chan types.Event
	done   chan struct{}

	writeMu  sync.Mutex
	mu       sync.Mutex
	closeErr error
}

// Dial opens a realtime connection with token and sessionID. It does not
// wait for the connection acknowledgement.
func (ts *TestServer) Dial(token, sessionID string) (*TestClient, error) {
	u, err := url.Parse(ts.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	query := u.Query()
	query.Set("token", token)
	query.Set("sessionId", sessionID)
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	tc := &TestClient{
		SessionID: sessionID,
		conn:      conn,
		events:    make(chan types.Event, 100),
		done:      make(chan struct{}),
	}
	go tc.readLoop()
	ts.t.Cleanup(func() { _ = tc.Close() })
	return tc, nil
}

// Connect dials as participantID and waits for the acknowledgement
func (ts *TestServer) Connect(participantID, sessionID string) *TestClient {
	ts.t.Helper()
	tc, err := ts.Dial(ts.Token(participantID), sessionID)
	if err != nil {
		ts.t.Fatal(err)
	}
	tc.ParticipantID = participantID

	event := tc.WaitFor(ts.t, types.EventConnection)
	if ack := event.(types.ConnectionEvent); ack.UserID != participantID || ack.SessionID != sessionID {
		ts.t.Fatalf("Unexpected acknowledgement %+v", ack)
	}
	return tc
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			tc.mu.Lock()
			tc.closeErr = err
			tc.mu.Unlock()
			return
		}
		event, err := types.DecodeEvent(data)
		if err != nil {
			continue
		}
		select {
		case tc.events <- event:
		default:
			// full buffer means the test stopped reading
		}
	}
}

// Send writes a raw client envelope
func (tc *TestClient) Send(envelope map[string]any) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return tc.conn.WriteJSON(envelope)
}

// WaitFor returns the next event of kind, skipping others
func (tc *TestClient) WaitFor(t *testing.T, kind types.EventType) types.Event {
	t.Helper()
	timeout := time.After(receiveTimeout)
	for {
		select {
		case event := <-tc.events:
			if event.EventType() == kind {
				return event
			}
		case <-tc.done:
			t.Fatalf("%s: connection closed while waiting for %s: %v", tc.ParticipantID, kind, tc.CloseError())
			return nil
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", tc.ParticipantID, kind)
			return nil
		}
	}
}

// ExpectNone fails if an event of kind arrives within the quiet period
func (tc *TestClient) ExpectNone(t *testing.T, kind types.EventType) {
	t.Helper()
	timeout := time.After(quietPeriod)
	for {
		select {
		case event := <-tc.events:
			if event.EventType() == kind {
				t.Fatalf("%s: unexpected %s event %+v", tc.ParticipantID, kind, event)
			}
		case <-timeout:
			return
		}
	}
}

// WaitClosed waits for the server to close the connection and returns the
// close frame, or nil if the connection ended without one
func (tc *TestClient) WaitClosed(t *testing.T) *websocket.CloseError {
	t.Helper()
	select {
	case <-tc.done:
	case <-time.After(receiveTimeout):
		t.Fatalf("%s: connection was not closed", tc.ParticipantID)
	}
	var closeErr *websocket.CloseError
	if errors.As(tc.CloseError(), &closeErr) {
		return closeErr
	}
	return nil
}

// CloseError returns the error that ended the read loop
func (tc *TestClient) CloseError() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closeErr
}

// Close sends a normal close frame and closes the socket
func (tc *TestClient) Close() error {
	tc.writeMu.Lock()
	_ = tc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	tc.writeMu.Unlock()
	return tc.conn.Close()
}

func tempDatabase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "therapychat.db")
}
