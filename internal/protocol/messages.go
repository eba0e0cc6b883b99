// Package protocol defines the chat event model shared by every relay node and
// the WebSocket frames exchanged with clients. All messages are serialized as
// JSON; client frames follow an envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Destinations
// ---------------------------------------------------------------------------

const (
	// DestinationRoomPrefix is prepended to a room ID to form the room's
	// delivery destination.
	DestinationRoomPrefix = "/sub/chat/room/"

	// DestinationAgents receives every CALL_AGENT event in addition to the
	// room destination.
	DestinationAgents = "/sub/chat/agents"
)

// RoomDestination returns the delivery destination for a room.
func RoomDestination(roomID string) string {
	return DestinationRoomPrefix + roomID
}

// RoomFromDestination extracts the room ID from a room destination.
func RoomFromDestination(destination string) (string, bool) {
	roomID, ok := strings.CutPrefix(destination, DestinationRoomPrefix)
	if !ok || roomID == "" {
		return "", false
	}
	return roomID, true
}

// ValidDestination reports whether a client may subscribe to destination.
func ValidDestination(destination string) bool {
	if destination == DestinationAgents {
		return true
	}
	_, ok := RoomFromDestination(destination)
	return ok
}

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMessage     = "message"
	TypeNoticeFrame = "notice"
	TypePing        = "ping"
)

// Server -> Client frame types.
const (
	TypeSessionCreated = "session_created"
	TypeSubscribed     = "subscribed"
	TypeEvent          = "event"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// SubscribeMsg asks the server to deliver a destination's events to this
// connection.
type SubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// UnsubscribeMsg stops delivery of a destination to this connection.
type UnsubscribeMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// EventMsg carries a chat event from the client. Used for both "message"
// and "notice" frames.
type EventMsg struct {
	Type  string    `json:"type"`
	Event ChatEvent `json:"event"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a new connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
}

// EventFrame delivers a published chat event on one destination.
type EventFrame struct {
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	Event       ChatEvent `json:"event"`
}

// RateLimitedMsg is sent when the client has exceeded its event budget.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any error encountered.
// Chat events inside message/notice frames are not validated here; the
// router decides what to do with them.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage, TypeNoticeFrame:
		var m EventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server frame. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
