package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "status message",
			msgType: TypeStatusUpdate,
			data:    StatusUpdatePayload{Status: "listening"},
		},
		{
			name:    "state message",
			msgType: TypeInitialState,
			data:    StatePayload{Hardware: HardwareState{State: "idle"}},
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeHardwareEvent,
			data:    map[string]any{"bad": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestMessageWireShape(t *testing.T) {
	msg, err := NewStatusMessage("processing")
	if err != nil {
		t.Fatalf("NewStatusMessage() error = %v", err)
	}
	b, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "payload", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire message missing %q: %s", key, b)
		}
	}
	if string(raw["type"]) != `"status_update"` {
		t.Errorf("type = %s", raw["type"])
	}
	if string(raw["payload"]) != `{"status":"processing"}` {
		t.Errorf("payload = %s", raw["payload"])
	}
}

func TestParseMessageDialects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantTS  int64
		wantRaw string
	}{
		{
			name:    "canonical",
			input:   `{"type":"heartbeat","payload":{"a":1},"timestamp":1700000000123}`,
			wantTS:  1700000000123,
			wantRaw: `{"a":1}`,
		},
		{
			name:    "data alias with float seconds",
			input:   `{"type":"button_event","data":{"event_type":"short_press"},"timestamp":1700000000.5}`,
			wantTS:  1700000000500,
			wantRaw: `{"event_type":"short_press"}`,
		},
		{
			name:   "ts alias",
			input:  `{"type":"heartbeat","ts":1700000000999}`,
			wantTS: 1700000000999,
		},
		{
			name:   "iso timestamp",
			input:  `{"type":"heartbeat","timestamp":"2023-11-14T22:13:20Z"}`,
			wantTS: 1700000000000,
		},
		{
			name:   "garbage timestamp",
			input:  `{"type":"heartbeat","timestamp":"soon"}`,
			wantTS: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if msg.Timestamp != tt.wantTS {
				t.Errorf("Timestamp = %d, want %d", msg.Timestamp, tt.wantTS)
			}
			if tt.wantRaw != "" && string(msg.Payload) != tt.wantRaw {
				t.Errorf("Payload = %s, want %s", msg.Payload, tt.wantRaw)
			}
		})
	}
}

func TestParseInvalidMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", "not json", ErrMalformed},
		{"empty object", "{}", ErrMissingField},
		{"array", "[1,2]", ErrMalformed},
		{"wrong type field", `{"type":5}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseMessage() error = %v, want %v", err, tt.wantErr)
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Errorf("error %T is not *ProtocolError", err)
			}
		})
	}
}

func TestDecodeClient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ClientCommand
		wantErr error
	}{
		{
			name:  "manual activation",
			input: `{"type":"manual_activation","payload":{}}`,
			want:  ManualActivation{},
		},
		{
			name:  "manual activation without payload",
			input: `{"type":"manual_activation"}`,
			want:  ManualActivation{},
		},
		{
			name:  "start recording",
			input: `{"type":"hardware_command","payload":{"command":"start_recording"}}`,
			want:  HardwareCommand{Command: CommandStartRecording},
		},
		{
			name:  "stop recording",
			input: `{"type":"hardware_command","payload":{"command":"stop_recording"}}`,
			want:  HardwareCommand{Command: CommandStopRecording},
		},
		{
			name:    "hardware command missing command",
			input:   `{"type":"hardware_command","payload":{}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "hardware command unknown command",
			input:   `{"type":"hardware_command","payload":{"command":"self_destruct"}}`,
			wantErr: ErrInvalidField,
		},
		{
			name:    "hardware command payload wrong shape",
			input:   `{"type":"hardware_command","payload":"start"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown type",
			input:   `{"type":"reboot_everything","payload":{}}`,
			wantErr: ErrUnknownType,
		},
		{
			name:  "ping",
			input: `{"type":"ping","payload":{"id":"abc"}}`,
			want:  Ping{ID: "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClient([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeClient() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeClient() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeClient() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeHardware(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("RIFF"))

	tests := []struct {
		name    string
		input   string
		check   func(t *testing.T, f *HardwareFrame)
		wantErr error
	}{
		{
			name:  "voice activity start",
			input: `{"type":"voice_activity_start","timestamp":1700000000}`,
			check: func(t *testing.T, f *HardwareFrame) {
				if _, ok := f.Message.(VoiceActivityStart); !ok {
					t.Errorf("got %T", f.Message)
				}
				if f.Timestamp != 1700000000000 {
					t.Errorf("Timestamp = %d", f.Timestamp)
				}
			},
		},
		{
			name:  "button short_press normalized",
			input: `{"type":"button_event","data":{"event_type":"short_press","duration":0.4}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				b := f.Message.(ButtonEvent)
				if b.EventType != PressShort || b.Duration != 0.4 {
					t.Errorf("got %+v", b)
				}
			},
		},
		{
			name:  "button long",
			input: `{"type":"button_event","payload":{"event_type":"long","duration":2.5}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				if f.Message.(ButtonEvent).EventType != PressLong {
					t.Errorf("got %+v", f.Message)
				}
			},
		},
		{
			name:    "button missing event type",
			input:   `{"type":"button_event","payload":{"duration":1}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "button bogus event type",
			input:   `{"type":"button_event","payload":{"event_type":"double"}}`,
			wantErr: ErrInvalidField,
		},
		{
			name:  "audio captured with data",
			input: `{"type":"audio_captured","payload":{"filename":"a.wav","duration":2.3,"data":"` + audio + `"}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				a := f.Message.(AudioCaptured)
				data, err := a.Audio()
				if err != nil || string(data) != "RIFF" {
					t.Errorf("Audio() = %q, %v", data, err)
				}
			},
		},
		{
			name:  "audio captured hardware spelling",
			input: `{"type":"audio_captured","data":{"file_name":"b.wav","file_size":10}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				if f.Message.(AudioCaptured).Name() != "b.wav" {
					t.Errorf("Name() = %q", f.Message.(AudioCaptured).Name())
				}
			},
		},
		{
			name:    "audio captured without filename",
			input:   `{"type":"audio_captured","payload":{"duration":1}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "audio captured negative duration",
			input:   `{"type":"audio_captured","payload":{"filename":"a.wav","duration":-1}}`,
			wantErr: ErrInvalidField,
		},
		{
			name:    "audio captured bad base64",
			input:   `{"type":"audio_captured","payload":{"filename":"a.wav","data":"%%%"}}`,
			wantErr: ErrInvalidField,
		},
		{
			name:  "state changed",
			input: `{"type":"state_changed","data":{"old_state":"IDLE","new_state":"LISTENING"}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				if f.Message.(StateChanged).NewState != "listening" {
					t.Errorf("got %+v", f.Message)
				}
			},
		},
		{
			name:    "nfc without uid",
			input:   `{"type":"nfc_event","payload":{}}`,
			wantErr: ErrMissingField,
		},
		{
			name:  "metrics",
			input: `{"type":"hardware_metrics","data":{"cpu":12.5}}`,
			check: func(t *testing.T, f *HardwareFrame) {
				if f.Message.(HardwareMetrics).Metrics["cpu"] != 12.5 {
					t.Errorf("got %+v", f.Message)
				}
			},
		},
		{
			name:    "dashboard command on hardware feed",
			input:   `{"type":"manual_activation"}`,
			wantErr: ErrWrongChannel,
		},
		{
			name:    "unknown type",
			input:   `{"type":"firmware_blob"}`,
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeHardware([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeHardware() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeHardware() error = %v", err)
			}
			tt.check(t, f)
		})
	}
}

func TestEncodeHardwareDecodes(t *testing.T) {
	inputs := []HardwareMessage{
		VoiceActivityStart{},
		VoiceActivityEnd{},
		Heartbeat{},
		ButtonEvent{EventType: PressLong, Duration: 3},
		NewAudioCaptured("x.wav", []byte{1, 2, 3}, 16000, 1, 0.5),
		NFCEvent{UID: "04:AB"},
	}
	for _, in := range inputs {
		msg, err := EncodeHardware(in)
		if err != nil {
			t.Fatalf("EncodeHardware(%T) error = %v", in, err)
		}
		b, _ := msg.Bytes()
		f, err := DecodeHardware(b)
		if err != nil {
			t.Fatalf("DecodeHardware(%s) error = %v", b, err)
		}
		if f.Message.Type() != in.Type() {
			t.Errorf("type = %s, want %s", f.Message.Type(), in.Type())
		}
	}
}

func TestMessageTime(t *testing.T) {
	var m Message
	if !m.Time().IsZero() {
		t.Error("zero timestamp should give zero time")
	}
	m.Timestamp = 1700000000000
	if !m.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Time() = %v", m.Time())
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	err := missing(TypeHardwareCommand, "command")
	want := "protocol: hardware_command.command: missing required field"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !IsUnknownType(&ProtocolError{Err: ErrUnknownType}) {
		t.Error("IsUnknownType should match")
	}
}

func BenchmarkParseMessage(b *testing.B) {
	data := []byte(`{"type":"button_event","data":{"event_type":"short_press","duration":0.5},"timestamp":1700000000.25}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = DecodeHardware(data)
	}
}
