// Package reconciler owns the canonical assistant state and drives it from
// hardware and audio-queue events.
package reconciler

import (
	"time"

	"github.com/teslashibe/go-puertocho/pkg/event"
)

// State is the canonical assistant state.
type State string

const (
	Idle       State = "idle"
	Listening  State = "listening"
	Processing State = "processing"
	Error      State = "error"
)

// Valid reports whether s is one of the four states.
func (s State) Valid() bool {
	switch s {
	case Idle, Listening, Processing, Error:
		return true
	}
	return false
}

// causeOverride marks transitions forced through Override.
const causeOverride event.Kind = "override"

// Transition records one state change.
type Transition struct {
	From   State      `json:"from"`
	To     State      `json:"to"`
	Cause  event.Kind `json:"cause"`
	Source string     `json:"source"`
	At     time.Time  `json:"at"`
}

// next computes the target state for ev, or ok=false when ev does not
// move the machine from cur. pending is the number of queued audio items.
func next(cur State, ev event.Event, pending int) (State, bool) {
	switch ev.Kind {
	case event.HealthChange:
		switch ev.Health {
		case event.Unreachable:
			if cur != Error {
				return Error, true
			}
		case event.Recovered:
			if cur == Error {
				return Idle, true
			}
		}

	case event.VoiceActivityStart, event.ManualActivation:
		if cur == Idle {
			return Listening, true
		}

	case event.VoiceActivityEnd, event.AudioSent:
		if cur == Listening {
			return Processing, true
		}

	case event.ButtonPress:
		if ev.Press != event.PressShort {
			return cur, false
		}
		switch cur {
		case Idle:
			return Listening, true
		case Listening:
			return Processing, true
		}

	case event.AudioCompleted:
		if cur == Processing && pending == 0 {
			return Idle, true
		}

	case event.AudioFailed:
		if cur == Processing {
			return Error, true
		}
	}
	return cur, false
}
