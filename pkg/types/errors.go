package types

import (
	"errors"
	"fmt"
)

// Error classes shared by every component. Specific errors below wrap one of
// these so callers can classify with errors.Is.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrInvalidEnvelope      = errors.New("invalid envelope")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrValidationFailed     = errors.New("validation failed")
)

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidParticipantID = fmt.Errorf("%w: participant ID must be 1-50 characters, alphanumeric + underscore/hyphen only", ErrValidationFailed)
	ErrSameParticipant      = fmt.Errorf("%w: requester and provider must be different participants", ErrValidationFailed)
	ErrStartTimeNotFuture   = fmt.Errorf("%w: start time must be in the future", ErrValidationFailed)
	ErrInvalidStatus        = fmt.Errorf("%w: unknown session status", ErrValidationFailed)
	ErrEmptyContent         = fmt.Errorf("%w: message content cannot be empty", ErrValidationFailed)
	ErrContentTooLong       = fmt.Errorf("%w: message content exceeds maximum length", ErrValidationFailed)
	ErrSenderNotParticipant = fmt.Errorf("%w: sender is not a participant of this session", ErrValidationFailed)
	ErrSessionClosed        = fmt.Errorf("%w: session is closed", ErrValidationFailed)
	ErrNotesTooLong         = fmt.Errorf("%w: notes exceed 5000 characters", ErrValidationFailed)

	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrNotFound)

	ErrUnknownEventType = fmt.Errorf("%w: unknown message type", ErrInvalidEnvelope)
	ErrMalformedEvent   = fmt.Errorf("%w: invalid message format", ErrInvalidEnvelope)
)
