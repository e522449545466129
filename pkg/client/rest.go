package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"therapychat/pkg/types"
)

// apiError mirrors the server's JSON error body
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FetchHistory loads the session with its full message history
func (a *Agent) FetchHistory(ctx context.Context) (*types.Session, error) {
	var resp struct {
		Session *types.Session `json:"session"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(a.config.SessionID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("empty session in response")
	}
	return resp.Session, nil
}

// SendMessage appends content through the REST API. The socket delivers the
// resulting chat event to every member of the room, this agent included.
func (a *Agent) SendMessage(ctx context.Context, content string) (*types.Message, error) {
	body := map[string]string{"content": content}
	var resp struct {
		Message *types.Message `json:"message"`
	}
	path := "/api/sessions/" + url.PathEscape(a.config.SessionID) + "/messages"
	if err := a.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (a *Agent) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.config.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return statusError(resp.StatusCode, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps an HTTP failure back onto the error taxonomy
func statusError(code int, message string) error {
	if message == "" {
		message = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", types.ErrValidationFailed, message)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", types.ErrAuthenticationFailed, message)
	case http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", types.ErrInvalidTransition, message)
	default:
		return fmt.Errorf("server returned %d: %s", code, message)
	}
}
