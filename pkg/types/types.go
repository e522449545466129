package types

import (
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Session is a scheduled chat interaction between a requester and a provider.
// FUNCTIONAL DISCOVERY: EndTime is set if and only if the session is in a
// terminal status; Messages only ever grows.
type Session struct {
	ID            string     `json:"id"`
	RequesterID   string     `json:"requesterId"`
	ProviderID    string     `json:"providerId"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Status        Status     `json:"status"`
	Messages      []*Message `json:"messages"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	Notes         string     `json:"notes"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Message is one chat utterance inside a Session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

// IsParticipant reports whether participantID is one of the two parties.
func (s *Session) IsParticipant(participantID string) bool {
	return participantID != "" && (participantID == s.RequesterID || participantID == s.ProviderID)
}

// IsActive reports whether the session is still scheduled or running.
func (s *Session) IsActive() bool {
	return s.Status == StatusScheduled || s.Status == StatusInProgress
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.LastMessageAt != nil {
		t := *s.LastMessageAt
		c.LastMessageAt = &t
	}
	c.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		mc := *m
		c.Messages[i] = &mc
	}
	return &c
}

// UnreadFor counts messages the given participant has not read yet.
func (s *Session) UnreadFor(participantID string) int {
	n := 0
	for _, m := range s.Messages {
		if m.SenderID != participantID && !m.IsRead {
			n++
		}
	}
	return n
}
