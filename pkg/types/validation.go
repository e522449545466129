package types

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MaxNotesLength bounds the free-text notes of a session.
const MaxNotesLength = 5000

// validTransitions lists every allowed status change.
var validTransitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// Validate checks the structural invariants of a session.
func (s *Session) Validate() error {
	if !IsValidParticipantID(s.RequesterID) || !IsValidParticipantID(s.ProviderID) {
		return ErrInvalidParticipantID
	}
	if s.RequesterID == s.ProviderID {
		return ErrSameParticipant
	}
	if !IsValidStatus(s.Status) {
		return ErrInvalidStatus
	}
	if len(s.Notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	return nil
}

// ValidateStartTime rejects start times that are not strictly after now.
func ValidateStartTime(start, now time.Time) error {
	if !start.After(now) {
		return ErrStartTimeNotFuture
	}
	return nil
}

// ValidateContent checks that message content is non-empty and at most
// maxLen runes long.
func ValidateContent(content string, maxLen int) error {
	if content == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > maxLen {
		return ErrContentTooLong
	}
	return nil
}

// IsValidParticipantID checks if a participant ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidParticipantID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return participantIDRegex.MatchString(id)
}

// IsValidStatus reports whether s is one of the four lifecycle statuses.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends the session lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
