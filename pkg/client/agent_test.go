package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"therapychat/pkg/types"
)

const (
	testSessionID = "session-1"
	testToken     = "alice-token"
)

// fakeServer serves the history endpoint, the message endpoint and /ws the
// way the real server does, and hands every accepted socket to the test
type fakeServer struct {
	*httptest.Server

	mu            sync.Mutex
	historyStatus int
	closeCode     int
	historyCalls  int
	posted        []string
	authHeaders   []string

	queries  chan url.Values
	sockets  chan *websocket.Conn
	received chan map[string]any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		queries:  make(chan url.Values, 16),
		sockets:  make(chan *websocket.Conn, 16),
		received: make(chan map[string]any, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", fs.handleHistory)
	mux.HandleFunc("POST /api/sessions/{id}/messages", fs.handleMessage)
	mux.HandleFunc("/ws", fs.handleSocket)

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.historyCalls++
	status := fs.historyStatus
	fs.authHeaders = append(fs.authHeaders, r.Header.Get("Authorization"))
	fs.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": http.StatusText(status), "code": status, "message": "nope"})
		return
	}

	session := &types.Session{
		ID:          r.PathValue("id"),
		RequesterID: "alice",
		ProviderID:  "bob",
		Status:      types.StatusScheduled,
		Messages: []*types.Message{
			{ID: "m1", SessionID: r.PathValue("id"), SenderID: "bob", Content: "hello"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"session": session, "connectionCount": 0})
}

func (fs *fakeServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	fs.mu.Lock()
	fs.posted = append(fs.posted, req.Content)
	fs.authHeaders = append(fs.authHeaders, r.Header.Get("Authorization"))
	fs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": &types.Message{
		ID: "m2", SessionID: r.PathValue("id"), SenderID: "alice", Content: req.Content,
	}})
}

func (fs *fakeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	fs.queries <- r.URL.Query()

	fs.mu.Lock()
	closeCode := fs.closeCode
	fs.mu.Unlock()
	if closeCode != 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, "rejected"))
		return
	}

	if err := conn.WriteJSON(types.NewConnectionEvent("alice", r.URL.Query().Get("sessionId"))); err != nil {
		return
	}
	fs.sockets <- conn

	for {
		var envelope map[string]any
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		fs.received <- envelope
	}
}

func (fs *fakeServer) setHistoryStatus(status int) {
	fs.mu.Lock()
	fs.historyStatus = status
	fs.mu.Unlock()
}

func (fs *fakeServer) setCloseCode(code int) {
	fs.mu.Lock()
	fs.closeCode = code
	fs.mu.Unlock()
}

func (fs *fakeServer) historyCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.historyCalls
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Token:          testToken,
		SessionID:      testSessionID,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		TypingDebounce: 50 * time.Millisecond,
	}
}

// agentRun tracks one background Run call
type agentRun struct {
	done chan struct{}
	err  error
}

// wait returns Run's result, failing the test if it does not arrive in time
func (r *agentRun) wait(t *testing.T, what string) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run should stop: %s", what)
		return nil
	}
}

// runAgent starts Run in the background. The agent is stopped when the
// test ends.
func runAgent(t *testing.T, agent *Agent) *agentRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	run := &agentRun{done: make(chan struct{})}
	go func() {
		defer close(run.done)
		run.err = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-run.done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return run
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextSocket(t *testing.T, fs *fakeServer) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.sockets:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

func nextEnvelope(t *testing.T, fs *fakeServer) map[string]any {
	t.Helper()
	select {
	case envelope := <-fs.received:
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func TestNew_RequiresFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.BaseURL = "" }},
		{"missing token", func(c *Config) { c.Token = "" }},
		{"missing session", func(c *Config) { c.SessionID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig("http://localhost")
			tt.mutate(&config)
			if _, err := New(config, Handlers{}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	agent, err := New(Config{BaseURL: "http://localhost", Token: "t", SessionID: "s", Jitter: 3}, Handlers{})
	if err != nil {
		t.Fatal(err)
	}

	defaults := DefaultConfig()
	if agent.config.InitialBackoff != defaults.InitialBackoff || agent.config.MaxBackoff != defaults.MaxBackoff {
		t.Errorf("Backoff defaults not applied: %+v", agent.config)
	}
	if agent.config.Jitter != defaults.Jitter {
		t.Errorf("Out of range jitter should fall back to %v, got %v", defaults.Jitter, agent.config.Jitter)
	}
	if agent.config.HTTPClient == nil || agent.config.Dialer == nil {
		t.Error("Transport defaults not applied")
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base     string
		expected string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com/", "wss://chat.example.com/ws"},
		{"https://chat.example.com/therapy", "wss://chat.example.com/therapy/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			agent, err := New(Config{BaseURL: tt.base, Token: "tok en", SessionID: "s1"}, Handlers{})
			if err != nil {
				t.Fatal(err)
			}
			got := agent.socketURL()
			if !strings.HasPrefix(got, tt.expected+"?") {
				t.Errorf("Expected %s?..., got %s", tt.expected, got)
			}
			u, _ := url.Parse(got)
			if u.Query().Get("token") != "tok en" || u.Query().Get("sessionId") != "s1" {
				t.Errorf("Query parameters wrong: %s", u.RawQuery)
			}
		})
	}
}

// FUNCTIONAL VALIDATION TEST: history is fetched before the socket opens
func TestAgent_ConnectsAfterHistory(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var history *types.Session
	var events []types.Event
	agent, err := New(testConfig(fs.URL), Handlers{
		OnHistory: func(s *types.Session) {
			mu.Lock()
			history = s
			mu.Unlock()
		},
		OnEvent: func(e types.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	runAgent(t, agent)
	nextSocket(t, fs)

	query := <-fs.queries
	if query.Get("token") != testToken || query.Get("sessionId") != testSessionID {
		t.Errorf("Unexpected socket query: %v", query)
	}
	waitFor(t, "connected state", func() bool { return agent.State().Connected })

	mu.Lock()
	defer mu.Unlock()
	if history == nil || len(history.Messages) != 1 || history.Messages[0].Content != "hello" {
		t.Fatalf("History not delivered: %+v", history)
	}
	if len(events) == 0 || events[0].EventType() != types.EventConnection {
		t.Errorf("Expected connection ack as first event, got %v", events)
	}
	if fs.authHeaders[0] != "Bearer "+testToken {
		t.Errorf("History request should carry the bearer token, got %q", fs.authHeaders[0])
	}
}

func TestAgent_MirrorsPeerState(t *testing.T) {
	fs := newFakeServer(t)
	agent, err := New(testConfig(fs.URL), Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	runAgent(t, agent)
	server := nextSocket(t, fs)
	waitFor(t, "connected state", func() bool { return agent.State().Connected })

	if err := server.WriteJSON(types.NewTypingEvent("bob", true)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer typing", func() bool { return agent.State().PeerTyping })

	// our own echo does not end the peer's burst
	own := &types.Message{ID: "m2", SessionID: testSessionID, SenderID: "alice", Content: "hi"}
	if err := server.WriteJSON(types.NewChatEvent(own)); err != nil {
		t.Fatal(err)
	}
	peer := &types.Message{ID: "m3", SessionID: testSessionID, SenderID: "bob", Content: "hey"}
	if err := server.WriteJSON(types.NewChatEvent(peer)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer typing cleared", func() bool { return !agent.State().PeerTyping })

	if err := server.WriteJSON(types.NewMessagesReadEvent("bob", testSessionID)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "read receipt", func() bool { return agent.State().LastReadBy == "bob" })
	if agent.State().LastReadAt.IsZero() {
		t.Error("LastReadAt should be set with the receipt")
	}
}

// FUNCTIONAL VALIDATION TEST: every keystroke reports typing, one stop ends the burst
func TestAgent_KeyPressDebounce(t *testing.T) {
	fs := newFakeServer(t)
	agent, err := New(testConfig(fs.URL), Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	runAgent(t, agent)
	nextSocket(t, fs)
	waitFor(t, "connected state", func() bool { return agent.State().Connected })

	for i := 0; i < 5; i++ {
		if err := agent.KeyPress(); err != nil {
			t.Fatalf("KeyPress failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 5; i++ {
		start := nextEnvelope(t, fs)
		if start["type"] != "typing" || start["isTyping"] != true {
			t.Errorf("Keystroke %d: expected typing:true, got %v", i, start)
		}
	}
	stop := nextEnvelope(t, fs)
	if stop["type"] != "typing" || stop["isTyping"] != false {
		t.Errorf("Expected typing stop, got %v", stop)
	}

	select {
	case extra := <-fs.received:
		t.Errorf("Unexpected extra envelope %v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAgent_MarkRead(t *testing.T) {
	fs := newFakeServer(t)
	agent, err := New(testConfig(fs.URL), Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	runAgent(t, agent)
	nextSocket(t, fs)
	waitFor(t, "connected state", func() bool { return agent.State().Connected })

	if err := agent.MarkRead(); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	envelope := nextEnvelope(t, fs)
	if envelope["type"] != "read" || len(envelope) != 1 {
		t.Errorf("Expected bare read envelope, got %v", envelope)
	}
}

func TestAgent_NotConnected(t *testing.T) {
	agent, err := New(testConfig("http://localhost"), Handlers{})
	if err != nil {
		t.Fatal(err)
	}

	if err := agent.KeyPress(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("KeyPress: expected ErrNotConnected, got %v", err)
	}
	if err := agent.MarkRead(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MarkRead: expected ErrNotConnected, got %v", err)
	}
}

// TECHNICAL VALIDATION TEST: a dropped socket is re-established and history refetched
func TestAgent_ReconnectsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var transitions []bool
	agent, err := New(testConfig(fs.URL), Handlers{
		OnStateChange: func(s State) {
			mu.Lock()
			transitions = append(transitions, s.Connected)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	runAgent(t, agent)

	first := nextSocket(t, fs)
	waitFor(t, "connected state", func() bool { return agent.State().Connected })
	_ = first.Close()

	nextSocket(t, fs)
	waitFor(t, "reconnected state", func() bool { return agent.State().Connected })

	if calls := fs.historyCount(); calls < 2 {
		t.Errorf("History should be refetched on reconnect, got %d fetches", calls)
	}
	if attempts := agent.State().Attempts; attempts != 0 {
		t.Errorf("A successful reconnect should reset attempts, got %d", attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	sawDisconnect := false
	for _, connected := range transitions {
		if !connected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("Expected a disconnected state change between connections")
	}
}

func TestAgent_RejectedHandshakeIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected error
	}{
		{"authentication failed", closeAuthenticationFailed, types.ErrAuthenticationFailed},
		{"forbidden", closeForbidden, types.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.setCloseCode(tt.code)

			agent, err := New(testConfig(fs.URL), Handlers{})
			if err != nil {
				t.Fatal(err)
			}
			err = runAgent(t, agent).wait(t, "rejected handshake")
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
			if calls := fs.historyCount(); calls != 1 {
				t.Errorf("Expected no retry, got %d history fetches", calls)
			}
		})
	}
}

func TestAgent_MissingSessionIsFatal(t *testing.T) {
	fs := newFakeServer(t)
	fs.setHistoryStatus(http.StatusNotFound)

	agent, err := New(testConfig(fs.URL), Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	err = runAgent(t, agent).wait(t, "session not visible")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if len(fs.queries) != 0 {
		t.Error("No socket should be opened without history")
	}
}

func TestAgent_GivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	fs.setHistoryStatus(http.StatusServiceUnavailable)

	config := testConfig(fs.URL)
	config.MaxAttempts = 3
	agent, err := New(config, Handlers{})
	if err != nil {
		t.Fatal(err)
	}
	err = runAgent(t, agent).wait(t, "max attempts")
	if err == nil || !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Errorf("Expected give up error, got %v", err)
	}
	if calls := fs.historyCount(); calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if attempts := agent.State().Attempts; attempts != 3 {
		t.Errorf("Expected Attempts=3, got %d", attempts)
	}
}

func TestAgent_SendMessage(t *testing.T) {
	fs := newFakeServer(t)
	agent, err := New(testConfig(fs.URL), Handlers{})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := agent.SendMessage(context.Background(), "see you thursday")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg == nil || msg.Content != "see you thursday" || msg.SenderID != "alice" {
		t.Errorf("Unexpected message %+v", msg)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.posted) != 1 || fs.posted[0] != "see you thursday" {
		t.Errorf("Unexpected posted content %v", fs.posted)
	}
	if fs.authHeaders[0] != "Bearer "+testToken {
		t.Errorf("Expected bearer header, got %q", fs.authHeaders[0])
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code     int
		expected error
	}{
		{http.StatusBadRequest, types.ErrValidationFailed},
		{http.StatusUnauthorized, types.ErrAuthenticationFailed},
		{http.StatusForbidden, types.ErrNotFound},
		{http.StatusNotFound, types.ErrNotFound},
		{http.StatusConflict, types.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := statusError(tt.code, "")
			if !errors.Is(err, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, err)
			}
		})
	}

	if err := statusError(http.StatusBadGateway, "upstream"); isFatal(err) {
		t.Errorf("5xx should be retryable, got %v", err)
	}
}
