package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"therapychat/internal/metrics"
	"therapychat/pkg/interfaces"
	"therapychat/pkg/types"
)

// DefaultMaxMessageLength bounds chat message content in runes
const DefaultMaxMessageLength = 1000

var _ interfaces.SessionService = (*Manager)(nil)

// Manager is the session lifecycle controller: every persisted change to a
// session goes through it, and so do the realtime events announcing them
// ARCHITECTURAL DISCOVERY: A per-session lock is held from the store write
// until the broadcast is handed off, so connections observe events in the
// same order the store serialized the writes
type Manager struct {
	store            interfaces.SessionStore
	broadcaster      interfaces.Broadcaster
	logger           zerolog.Logger
	now              func() time.Time
	maxMessageLength int
	locks            *keyedMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxMessageLength overrides DefaultMaxMessageLength
func WithMaxMessageLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxMessageLength = n
		}
	}
}

// NewManager creates a new session manager
func NewManager(store interfaces.SessionStore, broadcaster interfaces.Broadcaster, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		broadcaster:      broadcaster,
		logger:           logger.With().Str("component", "session").Logger(),
		now:              time.Now,
		maxMessageLength: DefaultMaxMessageLength,
		locks:            newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update carries the mutable fields of a session. Nil fields are left alone.
type Update struct {
	Status *types.Status `json:"status,omitempty"`
	Notes  *string       `json:"notes,omitempty"`
}

// CreateSession schedules a new session between requester and provider
func (m *Manager) CreateSession(ctx context.Context, requesterID, providerID string, startTime time.Time, notes string) (*types.Session, error) {
	now := m.now().UTC()
	if err := types.ValidateStartTime(startTime, now); err != nil {
		return nil, err
	}

	session := &types.Session{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		ProviderID:  providerID,
		StartTime:   startTime.UTC(),
		Status:      types.StatusScheduled,
		Messages:    []*types.Message{},
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.StoreLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	metrics.SessionsCreated.Inc()

	m.logger.Info().
		Str("session_id", session.ID).
		Str("requester_id", requesterID).
		Str("provider_id", providerID).
		Time("start_time", session.StartTime).
		Msg("session scheduled")
	return session, nil
}

// GetSession returns the session if participantID is one of its parties.
// Unknown sessions and non-parties are indistinguishable to the caller.
func (m *Manager) GetSession(ctx context.Context, sessionID, participantID string) (*types.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsParticipant(participantID) {
		return nil, types.ErrSessionNotFound
	}
	return session, nil
}

// Authorize implements interfaces.SessionService
func (m *Manager) Authorize(ctx context.Context, sessionID, participantID string) (*types.Session, error) {
	return m.GetSession(ctx, sessionID, participantID)
}

// ListActiveSessions returns the participant's scheduled and in-progress
// sessions ordered by start time
func (m *Manager) ListActiveSessions(ctx context.Context, participantID string) ([]*types.Session, error) {
	sessions, err := m.store.ListActiveSessions(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	return sessions, nil
}

// UpdateSession applies a status transition and/or a notes change.
// Entering in-progress or completed announces session_update; entering
// cancelled announces session_cancelled.
func (m *Manager) UpdateSession(ctx context.Context, sessionID, participantID string, update Update) (*types.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	var previous types.Status
	session, err := m.mutate(ctx, "update", sessionID, func(s *types.Session) error {
		if !s.IsParticipant(participantID) {
			return types.ErrSessionNotFound
		}
		previous = s.Status
		now := m.now().UTC()

		if update.Status != nil {
			if err := applyTransition(s, *update.Status, now); err != nil {
				return err
			}
		}
		if update.Notes != nil {
			if len(*update.Notes) > types.MaxNotesLength {
				return types.ErrNotesTooLong
			}
			s.Notes = *update.Notes
		}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if session.Status != previous {
		m.announceTransition(session)
	}
	return session, nil
}

// UpdateStatus is UpdateSession for a status change alone
func (m *Manager) UpdateStatus(ctx context.Context, sessionID, participantID string, status types.Status) (*types.Session, error) {
	return m.UpdateSession(ctx, sessionID, participantID, Update{Status: &status})
}

// CancelSession cancels a session that has not started yet
func (m *Manager) CancelSession(ctx context.Context, sessionID, participantID string) (*types.Session, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	session, err := m.mutate(ctx, "cancel", sessionID, func(s *types.Session) error {
		if !s.IsParticipant(participantID) {
			return types.ErrSessionNotFound
		}
		if s.Status != types.StatusScheduled {
			return fmt.Errorf("%w: only scheduled sessions can be cancelled, session is %s", types.ErrInvalidTransition, s.Status)
		}
		now := m.now().UTC()
		if err := applyTransition(s, types.StatusCancelled, now); err != nil {
			return err
		}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.announceTransition(session)
	return session, nil
}

// AppendMessage implements interfaces.SessionService. The stored message is
// broadcast as a chat event to the whole room, sender included.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, senderID, content string) (*types.Message, error) {
	content = strings.TrimSpace(content)
	if err := types.ValidateContent(content, m.maxMessageLength); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	var message *types.Message
	_, err := m.mutate(ctx, "append", sessionID, func(s *types.Session) error {
		if !s.IsParticipant(senderID) {
			return types.ErrSenderNotParticipant
		}
		if s.Status.IsTerminal() {
			return types.ErrSessionClosed
		}
		now := m.now().UTC()
		message = &types.Message{
			ID:        ulid.Make().String(),
			SessionID: s.ID,
			SenderID:  senderID,
			Content:   content,
			Timestamp: now,
			IsRead:    false,
		}
		s.Messages = append(s.Messages, message)
		s.LastMessageAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.Inc()

	out := *message
	m.broadcast(sessionID, types.NewChatEvent(&out), "")
	return &out, nil
}

// MarkRead implements interfaces.SessionService. It flips every unread
// message authored by the other party; only a real change is persisted and
// announced to the rest of the room.
func (m *Manager) MarkRead(ctx context.Context, sessionID, readerID string) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	_, err := m.mutate(ctx, "mark_read", sessionID, func(s *types.Session) error {
		if !s.IsParticipant(readerID) {
			return types.ErrSessionNotFound
		}
		changed := false
		for _, msg := range s.Messages {
			if msg.SenderID != readerID && !msg.IsRead {
				msg.IsRead = true
				changed = true
			}
		}
		if !changed {
			return errNoChange
		}
		s.UpdatedAt = m.now().UTC()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.broadcast(sessionID, types.NewMessagesReadEvent(readerID, sessionID), readerID)
	return true, nil
}

// mutate runs fn through the store and times it
func (m *Manager) mutate(ctx context.Context, op, sessionID string, fn interfaces.MutateFunc) (*types.Session, error) {
	start := time.Now()
	session, err := m.store.UpdateSession(ctx, sessionID, fn)
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return session, err
}

func applyTransition(s *types.Session, to types.Status, now time.Time) error {
	if !types.IsValidStatus(to) {
		return types.ErrInvalidStatus
	}
	if !types.CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.IsTerminal() {
		s.EndTime = &now
	}
	return nil
}

func (m *Manager) announceTransition(session *types.Session) {
	metrics.SessionTransitions.WithLabelValues(string(session.Status)).Inc()
	m.logger.Info().Str("session_id", session.ID).Str("status", string(session.Status)).Msg("session status changed")

	switch session.Status {
	case types.StatusInProgress, types.StatusCompleted:
		m.broadcast(session.ID, types.NewSessionUpdateEvent(session.ID, session.Status), "")
	case types.StatusCancelled:
		m.broadcast(session.ID, types.NewSessionCancelledEvent(session.ID), "")
	}
}

// broadcast hands event to the room. Recipients that cannot be reached miss
// it; they recover through the REST history on reconnect.
func (m *Manager) broadcast(sessionID string, event types.Event, exclude string) {
	if m.broadcaster == nil {
		return
	}
	if n := m.broadcaster.BroadcastToSession(sessionID, event, exclude); n == 0 {
		m.logger.Debug().
			Str("session_id", sessionID).
			Str("event", string(event.EventType())).
			Msg("no live recipients for event")
	}
}
