package reconciler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) Publish(msg *protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

type fakeQueue struct {
	pending int
}

func (q *fakeQueue) Summary() protocol.AudioProcessorState {
	return protocol.AudioProcessorState{Status: "idle", QueueLength: q.pending, TotalProcessed: 7}
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		ev      event.Event
		pending int
		want    State
		changed bool
	}{
		{"idle voice start", Idle, event.NewVoiceActivityStart(event.SourceHardware, at(1)), 0, Listening, true},
		{"idle manual", Idle, event.NewManualActivation(event.SourceDashboard, at(1)), 0, Listening, true},
		{"listening voice end", Listening, event.NewVoiceActivityEnd(event.SourceHardware, at(1)), 0, Processing, true},
		{"listening audio sent", Listening, event.NewAudioSent(event.SourceHardware, "a", at(1)), 0, Processing, true},
		{"processing completed", Processing, event.NewAudioCompleted("a", at(1)), 0, Idle, true},
		{"processing completed more queued", Processing, event.NewAudioCompleted("a", at(1)), 2, Processing, false},
		{"processing failed", Processing, event.NewAudioFailed("a", errors.New("x"), at(1)), 0, Error, true},
		{"error recovered", Error, event.NewHealthChange(event.SourceWatchdog, event.Recovered, at(1)), 0, Idle, true},
		{"short press idle", Idle, event.NewButtonPress(event.SourceHardware, event.PressShort, 0, at(1)), 0, Listening, true},
		{"short press listening", Listening, event.NewButtonPress(event.SourceHardware, event.PressShort, 0, at(1)), 0, Processing, true},
		{"long press ignored", Idle, event.NewButtonPress(event.SourceHardware, event.PressLong, 3*time.Second, at(1)), 0, Idle, false},
		{"voice start while processing", Processing, event.NewVoiceActivityStart(event.SourceHardware, at(1)), 0, Processing, false},
		{"voice end while idle", Idle, event.NewVoiceActivityEnd(event.SourceHardware, at(1)), 0, Idle, false},
		{"recovered while idle", Idle, event.NewHealthChange(event.SourceWatchdog, event.Recovered, at(1)), 0, Idle, false},
		{"nfc no transition", Idle, event.NewNFC(event.SourceHardware, "04", at(1)), 0, Idle, false},
		{"completed while listening", Listening, event.NewAudioCompleted("a", at(1)), 0, Listening, false},
	}

	for _, from := range []State{Idle, Listening, Processing} {
		tests = append(tests, struct {
			name    string
			from    State
			ev      event.Event
			pending int
			want    State
			changed bool
		}{"unreachable from " + string(from), from, event.NewHealthChange(event.SourceWatchdog, event.Unreachable, at(1)), 0, Error, true})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := next(tt.from, tt.ev, tt.pending)
			if ok != tt.changed || got != tt.want {
				t.Errorf("next(%s, %s) = %s,%v want %s,%v", tt.from, tt.ev, got, ok, tt.want, tt.changed)
			}
		})
	}
}

func TestApplyBroadcastsStatusThenUnified(t *testing.T) {
	rec := &recorder{}
	r := New(WithPublisher(rec), WithQueue(&fakeQueue{}))

	changed, err := r.Apply(event.NewManualActivation(event.SourceDashboard, at(1)))
	if err != nil || !changed {
		t.Fatalf("Apply() = %v, %v", changed, err)
	}

	got := rec.types()
	want := []protocol.MessageType{protocol.TypeStatusUpdate, protocol.TypeUnifiedStateUpdate}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("broadcasts = %v, want %v", got, want)
	}

	status, err := protocol.GetStatusData(rec.msgs[0])
	if err != nil || status.Status != "listening" {
		t.Errorf("status_update = %+v, %v", status, err)
	}
	state, err := protocol.GetStateData(rec.msgs[1])
	if err != nil {
		t.Fatal(err)
	}
	if state.Hardware.State != "listening" || state.Backend.AudioProcessor.TotalProcessed != 7 {
		t.Errorf("unified state = %+v", state)
	}
}

func TestInvalidTransitionNotBroadcast(t *testing.T) {
	rec := &recorder{}
	r := New(WithPublisher(rec))

	changed, err := r.Apply(event.NewVoiceActivityEnd(event.SourceHardware, at(1)))
	if err != nil || changed {
		t.Fatalf("Apply() = %v, %v; want false, nil", changed, err)
	}
	if n := len(rec.types()); n != 0 {
		t.Errorf("got %d broadcasts for an ignored event", n)
	}
	if r.State() != Idle {
		t.Errorf("State() = %s", r.State())
	}
}

func TestLastWriterWins(t *testing.T) {
	rec := &recorder{}
	r := New(WithPublisher(rec))

	if _, err := r.Apply(event.NewVoiceActivityStart(event.SourceHardware, at(10))); err != nil {
		t.Fatal(err)
	}
	// A voice_activity_end stamped before the start arrives late.
	changed, err := r.Apply(event.NewVoiceActivityEnd(event.SourceHardware, at(5)))
	if !errors.Is(err, ErrStale) || changed {
		t.Fatalf("late event: Apply() = %v, %v; want false, ErrStale", changed, err)
	}
	if r.State() != Listening {
		t.Errorf("State() = %s, want listening", r.State())
	}

	// Other sources keep their own clock.
	if _, err := r.Apply(event.NewAudioCompleted("x", at(1))); err != nil {
		t.Errorf("queue event with older timestamp should not be stale: %v", err)
	}
}

func TestUnreachableAndRecovery(t *testing.T) {
	rec := &recorder{}
	r := New(WithPublisher(rec))

	r.Apply(event.NewVoiceActivityStart(event.SourceHardware, at(1)))
	r.Apply(event.NewHealthChange(event.SourceWatchdog, event.Unreachable, at(2)))
	if r.State() != Error || r.Connected() {
		t.Fatalf("after unreachable: state=%s connected=%v", r.State(), r.Connected())
	}

	rec.reset()
	// Repeated unreachable: no transition, no broadcast.
	changed, _ := r.Apply(event.NewHealthChange(event.SourceWatchdog, event.Unreachable, at(3)))
	if changed || len(rec.types()) != 0 {
		t.Errorf("repeated unreachable should be silent, got %v", rec.types())
	}

	r.Apply(event.NewHealthChange(event.SourceWatchdog, event.Recovered, at(4)))
	if r.State() != Idle || !r.Connected() {
		t.Errorf("after recovered: state=%s connected=%v", r.State(), r.Connected())
	}
}

func TestListeningOnlyFromIdle(t *testing.T) {
	r := New()
	events := []event.Event{
		event.NewHealthChange(event.SourceWatchdog, event.Unreachable, at(1)),
		event.NewVoiceActivityStart(event.SourceHardware, at(2)),
		event.NewManualActivation(event.SourceDashboard, at(3)),
	}
	for _, ev := range events {
		r.Apply(ev)
	}
	if r.State() != Error {
		t.Errorf("listening must not be reachable from error, state = %s", r.State())
	}

	for _, tr := range r.History() {
		if tr.To == Listening && tr.From != Idle {
			t.Errorf("illegal transition %+v", tr)
		}
	}
}

func TestApplyRejectsInvalidEvent(t *testing.T) {
	r := New()
	_, err := r.Apply(event.Event{Kind: event.ButtonPress, Press: "triple", Timestamp: at(1)})
	if !errors.Is(err, event.ErrInvalidEvent) {
		t.Errorf("Apply() error = %v, want ErrInvalidEvent", err)
	}
}

func TestHistoryCapped(t *testing.T) {
	r := New(WithHistorySize(3))
	for i := 0; i < 10; i++ {
		r.Apply(event.NewManualActivation(event.SourceDashboard, at(2*i)))
		r.Apply(event.NewHealthChange(event.SourceWatchdog, event.Unreachable, at(2*i)))
		r.Apply(event.NewHealthChange(event.SourceWatchdog, event.Recovered, at(2*i+1)))
	}
	h := r.History()
	if len(h) != 3 {
		t.Fatalf("len(History()) = %d, want 3", len(h))
	}
	if h[2].To != Idle {
		t.Errorf("last transition = %+v", h[2])
	}
}

func TestTransitionHookAndRefresh(t *testing.T) {
	rec := &recorder{}
	var hooked []Transition
	r := New(WithPublisher(rec), WithTransitionHook(func(tr Transition) { hooked = append(hooked, tr) }))

	r.Apply(event.NewManualActivation(event.SourceDashboard, at(1)))
	if len(hooked) != 1 || hooked[0].From != Idle || hooked[0].To != Listening {
		t.Errorf("hook got %+v", hooked)
	}

	rec.reset()
	r.Refresh()
	if got := rec.types(); len(got) != 1 || got[0] != protocol.TypeUnifiedStateUpdate {
		t.Errorf("Refresh() broadcasts = %v", got)
	}
}

func TestHeartbeatInSnapshot(t *testing.T) {
	r := New()
	r.Heartbeat(at(5))
	r.Heartbeat(at(3))

	snap := r.Snapshot()
	if snap.Hardware.LastHeartbeat != at(5).UnixMilli() {
		t.Errorf("LastHeartbeat = %d, want %d", snap.Hardware.LastHeartbeat, at(5).UnixMilli())
	}
	if snap.Backend.AudioProcessor.Status != "idle" {
		t.Errorf("audio processor status = %q", snap.Backend.AudioProcessor.Status)
	}
}

func TestConcurrentApplyKeepsBroadcastOrder(t *testing.T) {
	rec := &recorder{}
	r := New(WithPublisher(rec))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := event.SourceDashboard
			if i%2 == 0 {
				r.Apply(event.NewManualActivation(src, time.Now()))
			} else {
				r.Apply(event.NewVoiceActivityEnd(event.SourceHardware, time.Now()))
			}
		}(i)
	}
	wg.Wait()

	// Every status_update must be immediately followed by its unified update.
	types := rec.types()
	for i, typ := range types {
		if typ == protocol.TypeStatusUpdate {
			if i+1 >= len(types) || types[i+1] != protocol.TypeUnifiedStateUpdate {
				t.Fatalf("status_update at %d not followed by unified_state_update: %v", i, types)
			}
		}
	}
}

func TestOverride(t *testing.T) {
	pub := &recorder{}
	r := New(WithPublisher(pub))

	changed, err := r.Override(Processing, event.SourceSimulator)
	if err != nil || !changed {
		t.Fatalf("Override = %v, %v", changed, err)
	}
	if r.State() != Processing {
		t.Errorf("state = %s", r.State())
	}
	got := pub.types()
	if len(got) != 2 || got[0] != protocol.TypeStatusUpdate || got[1] != protocol.TypeUnifiedStateUpdate {
		t.Errorf("broadcasts = %v", got)
	}

	pub.reset()
	if changed, _ := r.Override(Processing, event.SourceSimulator); changed {
		t.Error("override to the current state should be a no-op")
	}
	if _, err := r.Override(State("sleeping"), event.SourceSimulator); err == nil {
		t.Error("invalid state accepted")
	}
	if n := len(pub.types()); n != 0 {
		t.Errorf("no-op overrides broadcast %d messages", n)
	}
	if h := r.History(); h[len(h)-1].Cause != causeOverride {
		t.Errorf("history cause = %s", h[len(h)-1].Cause)
	}
}
