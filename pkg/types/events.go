package types

import (
	"encoding/json"
)

// EventType is the `type` discriminator of every realtime envelope.
type EventType string

// ARCHITECTURAL DISCOVERY: Closed set of envelope kinds. Anything outside it
// is rejected as an invalid envelope.
const (
	EventConnection       EventType = "connection"
	EventChat             EventType = "chat"
	EventTyping           EventType = "typing"
	EventRead             EventType = "read"
	EventMessagesRead     EventType = "messages_read"
	EventSessionUpdate    EventType = "session_update"
	EventSessionCancelled EventType = "session_cancelled"
	EventUserDisconnected EventType = "user_disconnected"
	EventError            EventType = "error"
)

// Event is a server-to-client envelope.
type Event interface {
	EventType() EventType
	isEvent()
}

// ConnectionEvent acknowledges a successful handshake.
type ConnectionEvent struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
}

// ChatEvent carries a persisted message.
type ChatEvent struct {
	Type    EventType `json:"type"`
	Message *Message  `json:"message"`
}

// TypingEvent relays a participant's typing indicator.
type TypingEvent struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"userId"`
	IsTyping bool      `json:"isTyping"`
}

// MessagesReadEvent tells the room that UserID has read the session.
type MessagesReadEvent struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
}

// SessionUpdateEvent announces a status change.
type SessionUpdateEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
}

// SessionCancelledEvent announces a cancellation.
type SessionCancelledEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
}

// UserDisconnectedEvent announces that a participant left the room.
type UserDisconnectedEvent struct {
	Type   EventType `json:"type"`
	UserID string    `json:"userId"`
}

// ErrorEvent reports a per-message failure to its sender only.
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func (ConnectionEvent) EventType() EventType       { return EventConnection }
func (ChatEvent) EventType() EventType             { return EventChat }
func (TypingEvent) EventType() EventType           { return EventTyping }
func (MessagesReadEvent) EventType() EventType     { return EventMessagesRead }
func (SessionUpdateEvent) EventType() EventType    { return EventSessionUpdate }
func (SessionCancelledEvent) EventType() EventType { return EventSessionCancelled }
func (UserDisconnectedEvent) EventType() EventType { return EventUserDisconnected }
func (ErrorEvent) EventType() EventType            { return EventError }

func (ConnectionEvent) isEvent()       {}
func (ChatEvent) isEvent()             {}
func (TypingEvent) isEvent()           {}
func (MessagesReadEvent) isEvent()     {}
func (SessionUpdateEvent) isEvent()    {}
func (SessionCancelledEvent) isEvent() {}
func (UserDisconnectedEvent) isEvent() {}
func (ErrorEvent) isEvent()            {}

// NewConnectionEvent builds the handshake acknowledgment.
func NewConnectionEvent(userID, sessionID string) ConnectionEvent {
	return ConnectionEvent{Type: EventConnection, Message: "Connected successfully", UserID: userID, SessionID: sessionID}
}

// NewChatEvent wraps a message for broadcast.
func NewChatEvent(m *Message) ChatEvent {
	return ChatEvent{Type: EventChat, Message: m}
}

// NewTypingEvent builds a typing indicator for userID.
func NewTypingEvent(userID string, isTyping bool) TypingEvent {
	return TypingEvent{Type: EventTyping, UserID: userID, IsTyping: isTyping}
}

// NewMessagesReadEvent builds a read receipt.
func NewMessagesReadEvent(userID, sessionID string) MessagesReadEvent {
	return MessagesReadEvent{Type: EventMessagesRead, UserID: userID, SessionID: sessionID}
}

// NewSessionUpdateEvent builds a status change notification.
func NewSessionUpdateEvent(sessionID string, status Status) SessionUpdateEvent {
	return SessionUpdateEvent{Type: EventSessionUpdate, SessionID: sessionID, Status: status}
}

// NewSessionCancelledEvent builds a cancellation notification.
func NewSessionCancelledEvent(sessionID string) SessionCancelledEvent {
	return SessionCancelledEvent{Type: EventSessionCancelled, SessionID: sessionID}
}

// NewUserDisconnectedEvent builds a departure notification.
func NewUserDisconnectedEvent(userID string) UserDisconnectedEvent {
	return UserDisconnectedEvent{Type: EventUserDisconnected, UserID: userID}
}

// NewErrorEvent builds a sender-only error.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}

// InboundEvent is a client-to-server envelope: one of ChatRequest,
// TypingRequest or ReadRequest.
type InboundEvent interface {
	Kind() EventType
	isInbound()
}

// ChatRequest asks the server to append and broadcast a message.
type ChatRequest struct {
	Content string
}

// TypingRequest carries the sender's typing indicator.
type TypingRequest struct {
	IsTyping bool
}

// ReadRequest marks every message from the other party as read.
type ReadRequest struct{}

func (ChatRequest) Kind() EventType   { return EventChat }
func (TypingRequest) Kind() EventType { return EventTyping }
func (ReadRequest) Kind() EventType   { return EventRead }

func (ChatRequest) isInbound()   {}
func (TypingRequest) isInbound() {}
func (ReadRequest) isInbound()   {}

type rawInbound struct {
	Type     EventType `json:"type"`
	Message  *string   `json:"message"`
	IsTyping *bool     `json:"isTyping"`
}

// ParseInbound decodes a client envelope. Malformed JSON, a missing type or
// missing required fields yield ErrMalformedEvent; a well-formed envelope of
// an unsupported kind yields ErrUnknownEventType.
func ParseInbound(data []byte) (InboundEvent, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformedEvent
	}

	switch raw.Type {
	case EventChat:
		if raw.Message == nil {
			return nil, ErrMalformedEvent
		}
		return ChatRequest{Content: *raw.Message}, nil
	case EventTyping:
		if raw.IsTyping == nil {
			return nil, ErrMalformedEvent
		}
		return TypingRequest{IsTyping: *raw.IsTyping}, nil
	case EventRead:
		return ReadRequest{}, nil
	case "":
		return nil, ErrMalformedEvent
	default:
		return nil, ErrUnknownEventType
	}
}

// DecodeEvent decodes a server envelope into its concrete type.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, ErrMalformedEvent
	}

	var ev Event
	var err error
	switch head.Type {
	case EventConnection:
		var e ConnectionEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventChat:
		var e ChatEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTyping:
		var e TypingEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventMessagesRead, EventRead:
		var e MessagesReadEvent
		err = json.Unmarshal(data, &e)
		e.Type = EventMessagesRead
		ev = e
	case EventSessionUpdate:
		var e SessionUpdateEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventSessionCancelled:
		var e SessionCancelledEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventUserDisconnected:
		var e UserDisconnectedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, ErrUnknownEventType
	}
	if err != nil {
		return nil, ErrMalformedEvent
	}
	return ev, nil
}
