package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    InboundEvent
		wantErr error
	}{
		{"chat", `{"type":"chat","message":"hello"}`, ChatRequest{Content: "hello"}, nil},
		{"typing true", `{"type":"typing","isTyping":true}`, TypingRequest{IsTyping: true}, nil},
		{"typing false", `{"type":"typing","isTyping":false}`, TypingRequest{IsTyping: false}, nil},
		{"read", `{"type":"read"}`, ReadRequest{}, nil},
		{"not json", `hello`, nil, ErrMalformedEvent},
		{"json array", `[1,2]`, nil, ErrMalformedEvent},
		{"null", `null`, nil, ErrMalformedEvent},
		{"missing type", `{"message":"x"}`, nil, ErrMalformedEvent},
		{"chat without message", `{"type":"chat"}`, nil, ErrMalformedEvent},
		{"chat with object message", `{"type":"chat","message":{"text":"x"}}`, nil, ErrMalformedEvent},
		{"typing without flag", `{"type":"typing"}`, nil, ErrMalformedEvent},
		{"typing with string flag", `{"type":"typing","isTyping":"yes"}`, nil, ErrMalformedEvent},
		{"unknown kind", `{"type":"video"}`, nil, ErrUnknownEventType},
		{"server-only kind", `{"type":"session_update"}`, nil, ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.raw))
			if err != tt.wantErr {
				t.Fatalf("ParseInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseInbound() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvents_WireShape(t *testing.T) {
	data, err := json.Marshal(NewTypingEvent("u2", true))
	if err != nil {
		t.Fatalf("marshal typing: %v", err)
	}
	if string(data) != `{"type":"typing","userId":"u2","isTyping":true}` {
		t.Errorf("unexpected typing wire shape: %s", data)
	}

	data, err = json.Marshal(NewConnectionEvent("u1", ""))
	if err != nil {
		t.Fatalf("marshal connection: %v", err)
	}
	if string(data) != `{"type":"connection","message":"Connected successfully","userId":"u1"}` {
		t.Errorf("unexpected connection wire shape: %s", data)
	}
}

func TestDecodeEvent_AllKinds(t *testing.T) {
	msg := &Message{ID: "m1", SessionID: "s1", SenderID: "u1", Content: "hello", Timestamp: time.Now().UTC()}
	events := []Event{
		NewConnectionEvent("u1", "s1"),
		NewChatEvent(msg),
		NewTypingEvent("u1", true),
		NewMessagesReadEvent("u1", "s1"),
		NewSessionUpdateEvent("s1", StatusInProgress),
		NewSessionCancelledEvent("s1"),
		NewUserDisconnectedEvent("u1"),
		NewErrorEvent("boom"),
	}

	for _, ev := range events {
		t.Run(string(ev.EventType()), func(t *testing.T) {
			data, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			decoded, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if decoded.EventType() != ev.EventType() {
				t.Errorf("decoded type %s, want %s", decoded.EventType(), ev.EventType())
			}
		})
	}

	if _, err := DecodeEvent([]byte(`{"type":"nope"}`)); err != ErrUnknownEventType {
		t.Errorf("unknown kind should fail with ErrUnknownEventType, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`{`)); err != ErrMalformedEvent {
		t.Errorf("broken JSON should fail with ErrMalformedEvent, got %v", err)
	}
}

func TestDecodeEvent_ChatPayload(t *testing.T) {
	raw := `{"type":"chat","message":{"id":"m1","sessionId":"s1","senderId":"u1","content":"hello","timestamp":"2026-01-01T00:00:00Z","isRead":false}}`
	ev, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	chat, ok := ev.(ChatEvent)
	if !ok {
		t.Fatalf("expected ChatEvent, got %T", ev)
	}
	if chat.Message.Content != "hello" || chat.Message.SenderID != "u1" {
		t.Errorf("unexpected chat payload: %+v", chat.Message)
	}
}
