package protocol

import (
	"encoding/base64"
	"strings"
)

// Button press kinds after normalization.
const (
	PressShort = "short"
	PressLong  = "long"
)

// HardwareMessage is a decoded hardware → hub message.
type HardwareMessage interface {
	Type() MessageType
	hardwareMessage()
}

// VoiceActivityStart marks the beginning of detected speech.
type VoiceActivityStart struct{}

// VoiceActivityEnd marks the end of detected speech.
type VoiceActivityEnd struct{}

// ButtonEvent reports a physical button press.
type ButtonEvent struct {
	EventType string  `json:"event_type"` // short | long (short_press/long_press accepted)
	Duration  float64 `json:"duration"`
	Source    string  `json:"source,omitempty"`
}

// AudioCaptured reports a finished recording, optionally with its bytes.
type AudioCaptured struct {
	Filename   string         `json:"filename"`
	FileName   string         `json:"file_name,omitempty"` // hardware service spelling
	FileSize   int64          `json:"file_size,omitempty"`
	FilePath   string         `json:"file_path,omitempty"` // set when the bytes stay on the device
	SampleRate int            `json:"sample_rate,omitempty"`
	Channels   int            `json:"channels,omitempty"`
	Duration   float64        `json:"duration,omitempty"`
	Data       string         `json:"data,omitempty"` // base64
	RequestID  string         `json:"request_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StateChanged reports the controller's own state machine moving.
type StateChanged struct {
	OldState string         `json:"old_state,omitempty"`
	NewState string         `json:"new_state"`
	Context  map[string]any `json:"context,omitempty"`
}

// NFCEvent reports a tag read.
type NFCEvent struct {
	UID       string `json:"uid"`
	EventType string `json:"event_type,omitempty"`
}

// HardwareMetrics carries free-form controller metrics.
type HardwareMetrics struct {
	Metrics map[string]any
}

// Heartbeat is an explicit liveness signal.
type Heartbeat struct{}

// Pong answers a hub ping.
type Pong struct {
	ID string `json:"id,omitempty"`
}

func (VoiceActivityStart) Type() MessageType { return TypeVoiceActivityStart }
func (VoiceActivityEnd) Type() MessageType   { return TypeVoiceActivityEnd }
func (ButtonEvent) Type() MessageType        { return TypeButtonEvent }
func (AudioCaptured) Type() MessageType      { return TypeAudioCaptured }
func (StateChanged) Type() MessageType       { return TypeStateChanged }
func (NFCEvent) Type() MessageType           { return TypeNFCEvent }
func (HardwareMetrics) Type() MessageType    { return TypeHardwareMetrics }
func (Heartbeat) Type() MessageType          { return TypeHeartbeat }
func (Pong) Type() MessageType               { return TypePong }

func (VoiceActivityStart) hardwareMessage() {}
func (VoiceActivityEnd) hardwareMessage()   {}
func (ButtonEvent) hardwareMessage()        {}
func (AudioCaptured) hardwareMessage()      {}
func (StateChanged) hardwareMessage()       {}
func (NFCEvent) hardwareMessage()           {}
func (HardwareMetrics) hardwareMessage()    {}
func (Heartbeat) hardwareMessage()          {}
func (Pong) hardwareMessage()               {}
func (Ping) hardwareMessage()               {}

// Name returns the recording's filename under either spelling.
func (a AudioCaptured) Name() string {
	if a.Filename != "" {
		return a.Filename
	}
	return a.FileName
}

// Audio decodes the base64 payload. Nil means the event carried no bytes.
func (a AudioCaptured) Audio() ([]byte, error) {
	if a.Data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(a.Data)
}

// HardwareFrame is a decoded hardware message with its envelope timestamp.
type HardwareFrame struct {
	Timestamp int64 // Unix milliseconds, 0 if the sender omitted it
	Message   HardwareMessage
}

// DecodeHardware decodes and validates a hardware feed message.
func DecodeHardware(data []byte) (*HardwareFrame, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	return HardwareFrom(msg)
}

// HardwareFrom validates an already parsed envelope.
func HardwareFrom(msg *Message) (*HardwareFrame, error) {
	hm, err := decodeHardwareBody(msg)
	if err != nil {
		return nil, err
	}
	return &HardwareFrame{Timestamp: msg.Timestamp, Message: hm}, nil
}

func decodeHardwareBody(msg *Message) (HardwareMessage, error) {
	malformed := func() error { return &ProtocolError{Type: msg.Type, Err: ErrMalformed} }

	switch msg.Type {
	case TypeVoiceActivityStart:
		return VoiceActivityStart{}, nil
	case TypeVoiceActivityEnd:
		return VoiceActivityEnd{}, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil

	case TypePing:
		var p Ping
		_ = msg.ParseData(&p)
		return p, nil
	case TypePong:
		var p Pong
		_ = msg.ParseData(&p)
		return p, nil

	case TypeButtonEvent:
		var b ButtonEvent
		if err := msg.ParseData(&b); err != nil {
			return nil, malformed()
		}
		kind, ok := NormalizePress(b.EventType)
		if !ok {
			if b.EventType == "" {
				return nil, missing(msg.Type, "event_type")
			}
			return nil, invalid(msg.Type, "event_type", "%q", b.EventType)
		}
		b.EventType = kind
		if b.Duration < 0 {
			return nil, invalid(msg.Type, "duration", "negative")
		}
		return b, nil

	case TypeAudioCaptured:
		var a AudioCaptured
		if err := msg.ParseData(&a); err != nil {
			return nil, malformed()
		}
		if a.Name() == "" {
			return nil, missing(msg.Type, "filename")
		}
		if a.Duration < 0 {
			return nil, invalid(msg.Type, "duration", "negative")
		}
		if _, err := a.Audio(); err != nil {
			return nil, invalid(msg.Type, "data", "not base64")
		}
		return a, nil

	case TypeStateChanged:
		var s StateChanged
		if err := msg.ParseData(&s); err != nil {
			return nil, malformed()
		}
		if s.NewState == "" {
			return nil, missing(msg.Type, "new_state")
		}
		s.NewState = strings.ToLower(s.NewState)
		return s, nil

	case TypeNFCEvent:
		var n NFCEvent
		if err := msg.ParseData(&n); err != nil {
			return nil, malformed()
		}
		if n.UID == "" {
			return nil, missing(msg.Type, "uid")
		}
		return n, nil

	case TypeHardwareMetrics:
		m := HardwareMetrics{Metrics: map[string]any{}}
		if err := msg.ParseData(&m.Metrics); err != nil {
			return nil, malformed()
		}
		return m, nil

	case TypeManualActivation, TypeHardwareCommand:
		return nil, &ProtocolError{Type: msg.Type, Err: ErrWrongChannel}

	default:
		return nil, &ProtocolError{Type: msg.Type, Err: ErrUnknownType}
	}
}

// NormalizePress maps the accepted spellings of a press kind to short or long.
func NormalizePress(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short_press":
		return PressShort, true
	case "long", "long_press":
		return PressLong, true
	default:
		return "", false
	}
}

// EncodeHardware wraps a hardware message in an envelope. Used by the simulator.
func EncodeHardware(hm HardwareMessage) (*Message, error) {
	switch m := hm.(type) {
	case VoiceActivityStart, VoiceActivityEnd, Heartbeat:
		return NewMessage(m.Type(), struct{}{})
	case HardwareMetrics:
		return NewMessage(m.Type(), m.Metrics)
	default:
		return NewMessage(m.Type(), m)
	}
}

// NewAudioCaptured builds an audio_captured body carrying raw bytes.
func NewAudioCaptured(filename string, audio []byte, sampleRate, channels int, duration float64) AudioCaptured {
	return AudioCaptured{
		Filename:   filename,
		FileSize:   int64(len(audio)),
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   duration,
		Data:       base64.StdEncoding.EncodeToString(audio),
	}
}
