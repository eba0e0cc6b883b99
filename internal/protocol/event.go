package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when a payload cannot be decoded into a
// routable ChatEvent.
var ErrMalformedEvent = errors.New("protocol: malformed event")

// MessageType is the closed set of chat event kinds.
type MessageType string

const (
	TypeEnter     MessageType = "ENTER"      // participant joined the room
	TypeTalk      MessageType = "TALK"       // regular conversation (customer, agent or bot)
	TypeCallAgent MessageType = "CALL_AGENT" // customer asks for a human agent
	TypeAccept    MessageType = "ACCEPT"     // agent takes over the room
	TypeToBot     MessageType = "TO_BOT"     // room handed back to the bot
	TypeNotice    MessageType = "NOTICE"     // operator broadcast
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeEnter, TypeTalk, TypeCallAgent, TypeAccept, TypeToBot, TypeNotice:
		return true
	}
	return false
}

const (
	// RoomAll is the reserved virtual room that carries broadcast notices.
	RoomAll = "ALL"

	// SenderSystem authors events generated by the relay itself.
	SenderSystem = "system"

	// SenderBot authors events produced by the external bot.
	SenderBot = "bot"
)

// ChatEvent is the unit published on the shared event subject and delivered
// to clients. BotMode is always stamped by the server before publish.
type ChatEvent struct {
	ID       string      `json:"id,omitempty"` // assigned by the publisher
	Type     MessageType `json:"type"`
	RoomID   string      `json:"roomId"`
	Sender   string      `json:"sender,omitempty"`
	Receiver string      `json:"receiver,omitempty"`
	Message  string      `json:"message,omitempty"`
	BotMode  bool        `json:"botMode"`
	Ts       int64       `json:"ts,omitempty"` // unix milliseconds, assigned by the publisher
}

// DecodeEvent parses a JSON payload into a ChatEvent. Unknown fields are
// ignored. The type must be known and every type except NOTICE needs a room.
func DecodeEvent(data []byte) (ChatEvent, error) {
	var ev ChatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Check(); err != nil {
		return ChatEvent{}, err
	}
	return ev, nil
}

// Check validates the routing fields of an already decoded event.
func (e ChatEvent) Check() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	if e.RoomID == "" && e.Type != TypeNotice {
		return fmt.Errorf("%w: missing roomId", ErrMalformedEvent)
	}
	return nil
}

// Encode serializes the event for the broker.
func (e ChatEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event: %w", err)
	}
	return data, nil
}
