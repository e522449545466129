package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"therapychat/internal/session"
	"therapychat/pkg/types"
)

// Request/Response types for JSON serialization
type CreateSessionRequest struct {
	ProviderID string    `json:"providerId"`
	StartTime  time.Time `json:"startTime"`
	Notes      string    `json:"notes,omitempty"`
}

type UpdateSessionRequest struct {
	Status *types.Status `json:"status,omitempty"`
	Notes  *string       `json:"notes,omitempty"`
}

type AppendMessageRequest struct {
	Content string `json:"content"`
}

type SessionResponse struct {
	Session         *types.Session `json:"session"`
	ConnectionCount int            `json:"connectionCount"`
}

type ListSessionsResponse struct {
	Sessions []SessionWithConnections `json:"sessions"`
}

type SessionWithConnections struct {
	*types.Session
	ConnectionCount int `json:"connectionCount"`
}

type MessageResponse struct {
	Message *types.Message `json:"message"`
}

type MarkReadResponse struct {
	Success bool `json:"success"`
	Updated bool `json:"updated"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: POST /api/sessions - the caller books as requester
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ProviderID == "" {
		sendError(w, "Provider ID is required", http.StatusBadRequest)
		return
	}
	if req.StartTime.IsZero() {
		sendError(w, "Start time is required", http.StatusBadRequest)
		return
	}

	created, err := s.sessions.CreateSession(r.Context(), ParticipantFromContext(r.Context()), req.ProviderID, req.StartTime, req.Notes)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}

	sendJSON(w, http.StatusCreated, SessionResponse{Session: created})
}

// FUNCTIONAL DISCOVERY: GET /api/sessions - active sessions for the caller with live connection counts
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListActiveSessions(r.Context(), ParticipantFromContext(r.Context()))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}

	out := make([]SessionWithConnections, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionWithConnections{
			Session:         sess,
			ConnectionCount: s.connectionCount(sess.ID),
		}
	}
	sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// FUNCTIONAL DISCOVERY: GET /api/sessions/{id} - full history, the reconnect backstop for missed events
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := s.sessions.GetSession(r.Context(), sessionID, ParticipantFromContext(r.Context()))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, SessionResponse{
		Session:         sess,
		ConnectionCount: s.connectionCount(sessionID),
	})
}

// PUT /api/sessions/{id}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status == nil && req.Notes == nil {
		sendError(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	updated, err := s.sessions.UpdateSession(r.Context(), chi.URLParam(r, "id"), ParticipantFromContext(r.Context()),
		session.Update{Status: req.Status, Notes: req.Notes})
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, SessionResponse{Session: updated})
}

// FUNCTIONAL DISCOVERY: DELETE /api/sessions/{id} cancels; sessions are never hard-deleted
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.sessions.CancelSession(r.Context(), chi.URLParam(r, "id"), ParticipantFromContext(r.Context()))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, SessionResponse{Session: cancelled})
}

// POST /api/sessions/{id}/messages
func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	participantID := ParticipantFromContext(ctx)

	// FUNCTIONAL DISCOVERY: Non-parties get the same 404 as an unknown session
	// before content is even looked at
	if _, err := s.sessions.GetSession(ctx, sessionID, participantID); err != nil {
		s.sendDomainError(w, r, err)
		return
	}

	msg, err := s.sessions.AppendMessage(ctx, sessionID, participantID, req.Content)
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

// POST /api/sessions/{id}/messages/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	updated, err := s.sessions.MarkRead(r.Context(), chi.URLParam(r, "id"), ParticipantFromContext(r.Context()))
	if err != nil {
		s.sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, MarkReadResponse{Success: true, Updated: updated})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	connections := map[string]int{}
	if s.registry != nil {
		connections = s.registry.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	sendJSON(w, code, response)
}

func (s *Server) connectionCount(sessionID string) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.ConnectionCount(sessionID)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// sendDomainError maps err through the taxonomy. Internal failures are logged
// and reported without detail.
func (s *Server) sendDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		sendError(w, "Internal server error", code)
		return
	}
	sendError(w, err.Error(), code)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func sendError(w http.ResponseWriter, message string, code int) {
	sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
