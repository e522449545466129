package router

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

var _ interfaces.MessageRouter = (*Router)(nil)

// Router dispatches inbound realtime envelopes
// ARCHITECTURAL DISCOVERY: Pure routing logic without connection handling;
// persistence and the resulting broadcasts belong to the session service
type Router struct {
	sessions    interfaces.SessionService
	broadcaster interfaces.Broadcaster
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewRouter creates a new message router
func NewRouter(sessions interfaces.SessionService, broadcaster interfaces.Broadcaster, limiter *RateLimiter, logger zerolog.Logger) *Router {
	return &Router{
		sessions:    sessions,
		broadcaster: broadcaster,
		rateLimiter: limiter,
		logger:      logger.With().Str("component", "router").Logger(),
	}
}

// RouteEvent implements interfaces.MessageRouter.
// Every failure is answered with an error event to the sender only; the
// connection always stays open.
func (r *Router) RouteEvent(ctx context.Context, sender interfaces.Connection, raw []byte) {
	participantID := sender.ParticipantID()

	// every frame counts against the budget, malformed ones included
	if r.rateLimiter != nil && !r.rateLimiter.Allow(participantID) {
		metrics.RateLimitHits.Inc()
		metrics.InboundEvents.WithLabelValues("any", "rate_limited").Inc()
		r.reply(sender, msgRateLimited)
		return
	}

	event, err := types.ParseInbound(raw)
	if err != nil {
		kind := "invalid"
		text := msgInvalidFormat
		if errors.Is(err, types.ErrUnknownEventType) {
			kind = "unknown"
			text = msgUnknownType
		}
		metrics.InboundEvents.WithLabelValues(kind, "rejected").Inc()
		r.reply(sender, text)
		return
	}

	kind := string(event.Kind())

	sessionID := sender.SessionID()
	if sessionID == "" {
		metrics.InboundEvents.WithLabelValues(kind, "no_session").Inc()
		r.reply(sender, msgNoActiveSession)
		return
	}

	log := r.logger.With().Str("participant_id", participantID).Str("session_id", sessionID).Str("kind", kind).Logger()

	switch ev := event.(type) {
	case types.ChatRequest:
		start := time.Now()
		if _, err := r.sessions.AppendMessage(ctx, sessionID, participantID, ev.Content); err != nil {
			log.Debug().Err(err).Msg("chat rejected")
			metrics.InboundEvents.WithLabelValues(kind, "failed").Inc()
			r.reply(sender, chatErrorText(err))
			return
		}
		log.Debug().Dur("elapsed", time.Since(start)).Msg("chat appended")

	case types.TypingRequest:
		r.broadcaster.BroadcastToSession(sessionID, types.NewTypingEvent(participantID, ev.IsTyping), participantID)

	case types.ReadRequest:
		if _, err := r.sessions.MarkRead(ctx, sessionID, participantID); err != nil {
			log.Debug().Err(err).Msg("mark read failed")
			metrics.InboundEvents.WithLabelValues(kind, "failed").Inc()
			r.reply(sender, msgReadFailed)
			return
		}
	}

	metrics.InboundEvents.WithLabelValues(kind, "ok").Inc()
}

func (r *Router) reply(sender interfaces.Connection, text string) {
	if err := sender.WriteJSON(types.NewErrorEvent(text)); err != nil {
		r.logger.Debug().Err(err).Str("participant_id", sender.ParticipantID()).Msg("failed to send error event")
	}
}

// chatErrorText maps append failures to client-facing text
func chatErrorText(err error) string {
	switch {
	case errors.Is(err, types.ErrEmptyContent):
		return msgEmptyContent
	case errors.Is(err, types.ErrContentTooLong):
		return msgContentTooLong
	case errors.Is(err, types.ErrSessionClosed):
		return msgSessionClosed
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrSenderNotParticipant):
		return msgNoActiveSession
	default:
		return msgSendFailed
	}
}

// RunCleanup prunes idle rate-limit state every interval until ctx ends
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	if r.rateLimiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.rateLimiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
