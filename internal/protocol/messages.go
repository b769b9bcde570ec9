package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeAssistantDelta MessageType = "assistant_delta"
	TypeAssistantDone  MessageType = "assistant_done"
	TypeTurnBlocked    MessageType = "turn_blocked"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is one visitor utterance sent over the stream.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// AssistantDelta carries one chunk of the persona's streamed reply.
type AssistantDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       int         `json:"seq"`
	TextDelta string      `json:"text_delta"`
}

// AssistantDone closes a streamed turn. Text holds the final reply so
// clients never have to reassemble deltas, and Incomplete marks a turn cut
// short mid-stream.
type AssistantDone struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Seq        int         `json:"seq"`
	Text       string      `json:"text"`
	Incomplete bool        `json:"incomplete,omitempty"`
}

// TurnBlocked replaces the reply when moderation stops a turn. Redirect is
// the age-appropriate message the client must display instead.
type TurnBlocked struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Seq        int         `json:"seq"`
	Redirect   string      `json:"redirect"`
	Categories []string    `json:"categories,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeClientMessage {
		return ClientMessage{}, ErrUnsupportedType
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, err
	}
	if msg.Text == "" {
		return ClientMessage{}, errors.New("invalid client_message")
	}
	return msg, nil
}
