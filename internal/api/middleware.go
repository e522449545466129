package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

type contextKey string

const participantContextKey contextKey = "participant"

// ParticipantFromContext returns the participant id resolved by requireAuth
func ParticipantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(participantContextKey).(string)
	return id
}

// requireAuth resolves the bearer token to a participant id or answers 401
func requireAuth(auth interfaces.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				sendError(w, "Authentication token required", http.StatusUnauthorized)
				return
			}

			participantID, err := auth.ResolveToken(r.Context(), token)
			if err != nil {
				sendError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), participantContextKey, participantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requestLogger returns a request logging middleware using zerolog.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				event := logger.Info()
				if ww.Status() >= http.StatusInternalServerError {
					event = logger.Error()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// metricsMiddleware records request counts and latency per route pattern.
// TECHNICAL DISCOVERY: The wrapper must keep http.Hijacker, otherwise the
// /ws upgrade fails behind it; chi's WrapResponseWriter preserves it.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps metric label cardinality bounded by using the matched
// chi pattern instead of the raw path
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// errorStatus maps the error taxonomy onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrValidationFailed), errors.Is(err, types.ErrInvalidEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrForbidden):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
