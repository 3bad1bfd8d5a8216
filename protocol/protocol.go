package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server events.
const (
	EventJoinRoom     = "join-room"
	EventSendMessage  = "send-message"
	EventReactMessage = "react-message"
	EventTyping       = "typing"
)

// Server -> client events. "typing" is shared by both directions.
const (
	EventRecentMessages  = "recent-messages"
	EventReceiveMessage  = "receive-message"
	EventMessageReaction = "message-reaction"
	EventUserList        = "user-list"
)

// Envelope is the frame exchanged over the room channel in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

type JoinRoom struct {
	Room     string `json:"room"`
	UserName string `json:"userName"`
}

type SendMessage struct {
	Room    string          `json:"room"`
	Message OutgoingMessage `json:"message"`
}

// OutgoingMessage is the body of a send request. ReplyTo is encoded as null
// when the message is not a reply.
type OutgoingMessage struct {
	Text     string  `json:"text"`
	ReplyTo  *string `json:"replyTo"`
	ImageURL string  `json:"imageUrl,omitempty"`
	VideoURL string  `json:"videoUrl,omitempty"`
}

type ReactMessage struct {
	Room      string `json:"room"`
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type Typing struct {
	Room string `json:"room"`
}

// Reaction is the payload of message-reaction: one more use of Reaction on
// message MessageID.
type Reaction struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusTyping  PresenceStatus = "typing"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the known presence states.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusTyping, StatusOffline:
		return true
	}
	return false
}

// Presence is one entry of a user-list snapshot.
type Presence struct {
	UserName string         `json:"userName"`
	Status   PresenceStatus `json:"status"`
}
