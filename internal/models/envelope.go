package models

import (
	"encoding/json"
	"time"
)

/*
LEARNING: FLAT MESSAGE ENVELOPES

Every frame on a realtime connection is a JSON object tagged with "type".
Type-specific fields sit next to the tag instead of inside a nested payload:

	{"type": "cursor_position", "line": 3, "column": 14}

The Envelope keeps the tag, the optional session id and the timestamp as
real fields and everything else in Payload. Inbound envelopes also keep the
raw frame so handlers can Bind it straight into a typed struct.
*/

// MessageType identifies the kind of envelope on the wire
type MessageType string

const (
	// Inbound (client -> server)
	MessageTypePing           MessageType = "ping"
	MessageTypeSubscribe      MessageType = "subscribe"
	MessageTypeUnsubscribe    MessageType = "unsubscribe"
	MessageTypeChat           MessageType = "chat"
	MessageTypeTextChange     MessageType = "text_change"
	MessageTypeCursorPosition MessageType = "cursor_position"
	MessageTypeTextSelection  MessageType = "text_selection"
	MessageTypeAuthenticate   MessageType = "authenticate"

	// Outbound (server -> client)
	MessageTypePong                  MessageType = "pong"
	MessageTypeHeartbeat             MessageType = "heartbeat"
	MessageTypeError                 MessageType = "error"
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeParticipantJoined     MessageType = "participant_joined"
	MessageTypeParticipantLeft       MessageType = "participant_left"
	MessageTypeSessionState          MessageType = "session_state"
	MessageTypeSubscribed            MessageType = "subscribed"
	MessageTypeUnsubscribed          MessageType = "unsubscribed"
	MessageTypeAuthenticated         MessageType = "authenticated"
	MessageTypeNotification          MessageType = "notification"
)

// Envelope is the structured unit exchanged over a connection
type Envelope struct {
	Type      MessageType
	SessionID string
	Timestamp time.Time
	Payload   map[string]any

	raw []byte
}

// NewEnvelope creates an outbound envelope stamped with the current time
func NewEnvelope(msgType MessageType, payload map[string]any) *Envelope {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewErrorEnvelope creates an error envelope with a client-safe message
func NewErrorEnvelope(message string) *Envelope {
	return NewEnvelope(MessageTypeError, map[string]any{"message": message})
}

// WithSession sets the session id and returns the envelope for chaining
func (e *Envelope) WithSession(sessionID string) *Envelope {
	e.SessionID = sessionID
	return e
}

// MarshalJSON flattens the payload next to the envelope header
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
	}
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat frame into header and payload.
// A client-supplied timestamp that does not parse is ignored.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var header struct {
		Type      MessageType `json:"type"`
		SessionID string      `json:"session_id"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}

	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "type", "session_id":
			continue
		case "timestamp":
			var ts time.Time
			if err := json.Unmarshal(v, &ts); err == nil {
				e.Timestamp = ts
			}
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return err
		}
		payload[k] = value
	}

	e.Type = header.Type
	e.SessionID = header.SessionID
	e.Payload = payload
	e.raw = append([]byte(nil), data...)
	return nil
}

// Bind decodes the envelope's type-specific fields into v
func (e *Envelope) Bind(v any) error {
	if e.raw != nil {
		return json.Unmarshal(e.raw, v)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Inbound payloads

type ChatPayload struct {
	Message string `json:"message"`
}

type ChannelPayload struct {
	Channel string `json:"channel"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type TextChangePayload struct {
	Change TextChange `json:"change"`
}

type CursorPayload struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type SelectionPayload struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}
