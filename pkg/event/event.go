// Package event defines the normalized domain events that drive the
// assistant state machine.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates an Event.
type Kind string

const (
	VoiceActivityStart Kind = "voice_activity_start"
	VoiceActivityEnd   Kind = "voice_activity_end"
	ButtonPress        Kind = "button_press"
	AudioSent          Kind = "audio_sent"
	HealthChange       Kind = "health_change"
	ManualActivation   Kind = "manual_activation"
	NFC                Kind = "nfc"
	AudioCompleted     Kind = "audio_completed"
	AudioFailed        Kind = "audio_failed"
)

// Press is the kind of button press.
type Press string

const (
	PressShort Press = "short"
	PressLong  Press = "long"
)

// Health is the hardware reachability transition.
type Health string

const (
	Unreachable Health = "unreachable"
	Recovered   Health = "recovered"
)

// Well-known sources. Last-writer-wins ordering is tracked per source.
const (
	SourceHardware  = "hardware"
	SourceDashboard = "dashboard"
	SourceQueue     = "audio_queue"
	SourceWatchdog  = "health_watchdog"
	SourceSimulator = "simulator"
)

// ErrInvalidEvent is returned by Validate.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a transient, normalized signal consumed by the reconciler.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Source    string

	Press         Press         // ButtonPress
	PressDuration time.Duration // ButtonPress
	Health        Health        // HealthChange
	AudioID       string        // AudioSent, AudioCompleted, AudioFailed
	UID           string        // NFC
	Err           error         // AudioFailed
}

// Validate checks that the kind-specific fields are present.
func (e Event) Validate() error {
	switch e.Kind {
	case VoiceActivityStart, VoiceActivityEnd, ManualActivation, AudioSent, AudioCompleted:
	case ButtonPress:
		if e.Press != PressShort && e.Press != PressLong {
			return fmt.Errorf("%w: button press %q", ErrInvalidEvent, e.Press)
		}
		if e.PressDuration < 0 {
			return fmt.Errorf("%w: negative press duration", ErrInvalidEvent)
		}
	case HealthChange:
		if e.Health != Unreachable && e.Health != Recovered {
			return fmt.Errorf("%w: health %q", ErrInvalidEvent, e.Health)
		}
	case NFC:
		if e.UID == "" {
			return fmt.Errorf("%w: nfc event without uid", ErrInvalidEvent)
		}
	case AudioFailed:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

func (e Event) String() string {
	switch e.Kind {
	case ButtonPress:
		return fmt.Sprintf("%s{%s %s}@%s", e.Kind, e.Press, e.PressDuration, e.Source)
	case HealthChange:
		return fmt.Sprintf("%s{%s}@%s", e.Kind, e.Health, e.Source)
	default:
		return fmt.Sprintf("%s@%s", e.Kind, e.Source)
	}
}

// stamp fills a zero timestamp with now.
func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now()
	}
	return at
}

// NewVoiceActivityStart creates a voice_activity_start event.
func NewVoiceActivityStart(source string, at time.Time) Event {
	return Event{Kind: VoiceActivityStart, Source: source, Timestamp: stamp(at)}
}

// NewVoiceActivityEnd creates a voice_activity_end event.
func NewVoiceActivityEnd(source string, at time.Time) Event {
	return Event{Kind: VoiceActivityEnd, Source: source, Timestamp: stamp(at)}
}

// NewButtonPress creates a button_press event.
func NewButtonPress(source string, press Press, d time.Duration, at time.Time) Event {
	return Event{Kind: ButtonPress, Source: source, Press: press, PressDuration: d, Timestamp: stamp(at)}
}

// NewManualActivation creates a manual_activation event.
func NewManualActivation(source string, at time.Time) Event {
	return Event{Kind: ManualActivation, Source: source, Timestamp: stamp(at)}
}

// NewAudioSent creates an audio_sent event for a submitted item.
func NewAudioSent(source, audioID string, at time.Time) Event {
	return Event{Kind: AudioSent, Source: source, AudioID: audioID, Timestamp: stamp(at)}
}

// NewHealthChange creates a health_change event.
func NewHealthChange(source string, h Health, at time.Time) Event {
	return Event{Kind: HealthChange, Source: source, Health: h, Timestamp: stamp(at)}
}

// NewNFC creates an nfc event.
func NewNFC(source, uid string, at time.Time) Event {
	return Event{Kind: NFC, Source: source, UID: uid, Timestamp: stamp(at)}
}

// NewAudioCompleted creates an audio_completed event.
func NewAudioCompleted(audioID string, at time.Time) Event {
	return Event{Kind: AudioCompleted, Source: SourceQueue, AudioID: audioID, Timestamp: stamp(at)}
}

// NewAudioFailed creates an audio_failed event.
func NewAudioFailed(audioID string, err error, at time.Time) Event {
	return Event{Kind: AudioFailed, Source: SourceQueue, AudioID: audioID, Err: err, Timestamp: stamp(at)}
}

// PressDurationFromSeconds converts a wire duration in seconds.
func PressDurationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
