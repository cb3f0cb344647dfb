// Package protocol defines the WebSocket message types exchanged between the
// hub, dashboard clients and the hardware controller.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Hub → dashboard
	TypeInitialState       MessageType = "initial_state"
	TypeUnifiedStateUpdate MessageType = "unified_state_update"
	TypeStatusUpdate       MessageType = "status_update"
	TypeCommandLog         MessageType = "command_log"
	TypeAudioProcessing    MessageType = "audio_processing"
	TypeHardwareEvent      MessageType = "hardware_event"
	TypeAssistantResponse  MessageType = "assistant_response"
	TypeConnectionInfo     MessageType = "connection_info"

	// Dashboard → hub
	TypeManualActivation MessageType = "manual_activation"
	TypeHardwareCommand  MessageType = "hardware_command"

	// Hardware → hub
	TypeVoiceActivityStart MessageType = "voice_activity_start"
	TypeVoiceActivityEnd   MessageType = "voice_activity_end"
	TypeButtonEvent        MessageType = "button_event"
	TypeAudioCaptured      MessageType = "audio_captured"
	TypeStateChanged       MessageType = "state_changed"
	TypeNFCEvent           MessageType = "nfc_event"
	TypeHardwareMetrics    MessageType = "hardware_metrics"
	TypeHeartbeat          MessageType = "heartbeat"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the envelope for every WebSocket message.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
	}

	return &Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ParseData unmarshals the payload into v. An absent payload leaves v untouched.
func (m *Message) ParseData(v interface{}) error {
	if len(m.Payload) == 0 || bytes.Equal(m.Payload, []byte("null")) {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Time returns the message timestamp, or the zero time if unset.
func (m *Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalJSON accepts the hardware controller's dialect as well as the
// canonical one: "data" in place of "payload", "ts" in place of "timestamp",
// and timestamps as float seconds or RFC 3339 strings.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      MessageType     `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Data      json.RawMessage `json:"data"`
		Timestamp json.RawMessage `json:"timestamp"`
		TS        json.RawMessage `json:"ts"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	m.Type = raw.Type
	m.Payload = raw.Payload
	if len(m.Payload) == 0 {
		m.Payload = raw.Data
	}

	ts := raw.Timestamp
	if len(ts) == 0 {
		ts = raw.TS
	}
	m.Timestamp = parseTimestamp(ts)
	return nil
}

// parseTimestamp normalizes a wire timestamp to Unix milliseconds.
// Numbers below 1e12 are taken as seconds. Unparseable values yield 0.
func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}

	s := string(raw)
	if raw[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999", str); err == nil {
			return t.UnixMilli()
		}
		s = str
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	if f < 1e12 {
		return int64(f * 1000)
	}
	return int64(f)
}

// ParseMessage parses a JSON message from bytes. The type discriminator is
// required; payload shape is never used to infer it.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if msg.Type == "" {
		return nil, &ProtocolError{Field: "type", Err: ErrMissingField}
	}
	return &msg, nil
}
