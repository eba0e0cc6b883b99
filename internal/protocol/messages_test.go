package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a subscribe frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","destination":"/sub/chat/room/user1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.Destination != "/sub/chat/room/user1" {
		t.Errorf("expected destination %q, got %q", "/sub/chat/room/user1", sm.Destination)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat message frame keeps the embedded event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Message(t *testing.T) {
	input := []byte(`{"type":"message","event":{"type":"TALK","roomId":"r1","sender":"u1","message":"Hello!","botMode":false}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	em, ok := msg.(EventMsg)
	if !ok {
		t.Fatalf("expected EventMsg, got %T", msg)
	}
	if em.Event.Type != TypeTalk {
		t.Errorf("expected event type %q, got %q", TypeTalk, em.Event.Type)
	}
	if em.Event.RoomID != "r1" || em.Event.Sender != "u1" || em.Event.Message != "Hello!" {
		t.Errorf("unexpected event: %+v", em.Event)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating an event server frame
// ---------------------------------------------------------------------------

func TestNewServerMessage_Event(t *testing.T) {
	payload := EventFrame{
		Destination: RoomDestination("r1"),
		Event:       ChatEvent{Type: TypeTalk, RoomID: "r1", Sender: "bot", Message: "hi", BotMode: true},
	}

	data, err := NewServerMessage(TypeEvent, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeEvent {
		t.Errorf("expected type %q, got %v", TypeEvent, result["type"])
	}
	if result["destination"] != "/sub/chat/room/r1" {
		t.Errorf("expected destination %q, got %v", "/sub/chat/room/r1", result["destination"])
	}

	ev, ok := result["event"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected event to be an object, got %T", result["event"])
	}
	if ev["botMode"] != true {
		t.Errorf("expected botMode true, got %v", ev["botMode"])
	}
	if ev["roomId"] != "r1" {
		t.Errorf("expected roomId r1, got %v", ev["roomId"])
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"destination":"/sub/chat/agents"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		input    string
		wantType string
	}{
		{`{"type":"subscribe","destination":"/sub/chat/agents"}`, TypeSubscribe},
		{`{"type":"unsubscribe","destination":"/sub/chat/agents"}`, TypeUnsubscribe},
		{`{"type":"message","event":{"type":"ENTER","roomId":"r1"}}`, TypeMessage},
		{`{"type":"notice","event":{"message":"maintenance at 9"}}`, TypeNoticeFrame},
		{`{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Destinations
// ---------------------------------------------------------------------------

func TestRoomFromDestination(t *testing.T) {
	tests := []struct {
		destination string
		room        string
		ok          bool
	}{
		{"/sub/chat/room/user1", "user1", true},
		{"/sub/chat/room/ALL", "ALL", true},
		{"/sub/chat/room/", "", false},
		{"/sub/chat/agents", "", false},
		{"/pub/chat/message", "", false},
	}
	for _, tt := range tests {
		room, ok := RoomFromDestination(tt.destination)
		if room != tt.room || ok != tt.ok {
			t.Errorf("RoomFromDestination(%q) = (%q, %v), want (%q, %v)", tt.destination, room, ok, tt.room, tt.ok)
		}
	}

	if !ValidDestination(DestinationAgents) {
		t.Error("agents destination should be valid")
	}
	if ValidDestination("/topic/anything") {
		t.Error("unknown destination should be invalid")
	}
}

// ---------------------------------------------------------------------------
// Chat events
// ---------------------------------------------------------------------------

func TestDecodeEvent_IgnoresUnknownFields(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"CALL_AGENT","roomId":"r9","sender":"c1","priority":"high","botMode":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != TypeCallAgent || ev.RoomID != "r9" || ev.Sender != "c1" || !ev.BotMode {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{"type":`},
		{"unknown type", `{"type":"SHOUT","roomId":"r1"}`},
		{"missing type", `{"roomId":"r1"}`},
		{"missing room", `{"type":"TALK","message":"hi"}`},
		{"not an object", `"TALK"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.input))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("DecodeEvent(%s) error = %v, want ErrMalformedEvent", tt.input, err)
			}
		})
	}
}

func TestDecodeEvent_NoticeWithoutRoom(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"NOTICE","message":"hello all"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != TypeNotice {
		t.Errorf("expected NOTICE, got %q", ev.Type)
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	in := ChatEvent{ID: "e1", Type: TypeAccept, RoomID: "r2", Sender: "agent7", Receiver: "c2", BotMode: false, Ts: 1700000000123}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"botMode":false`) {
		t.Errorf("botMode must always be serialized, got %s", data)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if out != in {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText(""); err != nil {
		t.Errorf("empty text should be allowed: %v", err)
	}
	if err := ValidateText("안녕하세요"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateText(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("expected byte limit error")
	}
	if err := ValidateText(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("expected character limit error")
	}
	if err := ValidateText(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}
