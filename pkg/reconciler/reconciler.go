package reconciler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// ErrStale is returned when an event is older than the last one applied
// from the same source.
var ErrStale = errors.New("stale event")

// Publisher fans a message out to every connected client.
type Publisher interface {
	Publish(msg *protocol.Message)
}

// QueueStatus summarizes the audio queue for snapshots.
type QueueStatus interface {
	Summary() protocol.AudioProcessorState
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPublisher sets where state broadcasts go.
func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) {
		r.pub = p
	}
}

// WithQueue sets the audio queue consulted for snapshots and for
// deciding whether processing is finished.
func WithQueue(q QueueStatus) Option {
	return func(r *Reconciler) {
		r.queue = q
	}
}

// WithHistorySize caps the transition history.
func WithHistorySize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.historySize = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithTransitionHook registers a callback invoked after every transition.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Reconciler) {
		r.onTransition = fn
	}
}

// Reconciler owns the single AssistantState. All reads and writes go
// through it.
//
// emitMu serializes apply-and-broadcast so broadcasts leave in the order
// transitions happened. mu guards the state itself and is never held
// while publishing.
type Reconciler struct {
	emitMu sync.Mutex

	mu            sync.RWMutex
	state         State
	lastSeen      map[string]time.Time
	connected     bool
	lastHeartbeat time.Time
	history       []Transition
	historySize   int

	pub          Publisher
	queue        QueueStatus
	logger       *slog.Logger
	onTransition func(Transition)
}

// New creates a reconciler in the idle state.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		state:       Idle,
		lastSeen:    make(map[string]time.Time),
		connected:   true,
		historySize: 50,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher sets the publisher after construction. The hub needs the
// reconciler for initial snapshots, so one of them has to be wired late.
func (r *Reconciler) SetPublisher(p Publisher) {
	r.emitMu.Lock()
	r.pub = p
	r.emitMu.Unlock()
}

// SetQueue sets the queue after construction.
func (r *Reconciler) SetQueue(q QueueStatus) {
	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
}

// Apply feeds one event into the state machine. It reports whether the
// state changed. Invalid transitions are ignored silently; stale events
// return ErrStale; malformed events return the validation error.
func (r *Reconciler) Apply(ev event.Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if last, ok := r.lastSeen[ev.Source]; ok && ev.Timestamp.Before(last) {
		r.mu.Unlock()
		r.logger.Debug("reconciler: dropping stale event", "event", ev.String(), "last", last)
		return false, ErrStale
	}
	r.lastSeen[ev.Source] = ev.Timestamp

	connChanged := false
	if ev.Kind == event.HealthChange {
		wasConnected := r.connected
		r.connected = ev.Health == event.Recovered
		connChanged = wasConnected != r.connected
	}

	pending := 0
	if r.queue != nil {
		pending = r.queue.Summary().QueueLength
	}

	to, ok := next(r.state, ev, pending)
	var tr Transition
	if ok {
		tr = Transition{From: r.state, To: to, Cause: ev.Kind, Source: ev.Source, At: ev.Timestamp}
		r.state = to
		r.history = append(r.history, tr)
		if len(r.history) > r.historySize {
			r.history = r.history[len(r.history)-r.historySize:]
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("state transition", "from", tr.From, "to", tr.To, "cause", tr.Cause, "source", tr.Source)
		if r.onTransition != nil {
			r.onTransition(tr)
		}
		r.publish(protocol.NewStatusMessage(string(to)))
	}
	if ok || connChanged {
		r.publish(protocol.NewUnifiedStateMessage(r.Snapshot()))
	}
	return ok, nil
}

// Override forces the state outside the event machine. Only the
// simulation endpoints use it; it broadcasts like any transition.
func (r *Reconciler) Override(to State, source string) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: state %q", event.ErrInvalidEvent, to)
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.state == to {
		r.mu.Unlock()
		return false, nil
	}
	tr := Transition{From: r.state, To: to, Cause: causeOverride, Source: source, At: time.Now()}
	r.state = to
	r.history = append(r.history, tr)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
	r.mu.Unlock()

	r.logger.Info("state override", "from", tr.From, "to", tr.To, "source", source)
	if r.onTransition != nil {
		r.onTransition(tr)
	}
	r.publish(protocol.NewStatusMessage(string(to)))
	r.publish(protocol.NewUnifiedStateMessage(r.Snapshot()))
	return true, nil
}

// Refresh broadcasts unified_state_update without a transition. The
// audio queue calls it when its metrics change.
func (r *Reconciler) Refresh() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.publish(protocol.NewUnifiedStateMessage(r.Snapshot()))
}

// Heartbeat records hardware liveness for the snapshot. It never
// broadcasts on its own.
func (r *Reconciler) Heartbeat(at time.Time) {
	r.mu.Lock()
	if at.After(r.lastHeartbeat) {
		r.lastHeartbeat = at
	}
	r.mu.Unlock()
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Connected reports whether the hardware is considered reachable.
func (r *Reconciler) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Snapshot builds the initial_state / unified_state_update payload.
func (r *Reconciler) Snapshot() protocol.StatePayload {
	r.mu.RLock()
	hw := protocol.HardwareState{
		State:     string(r.state),
		Connected: r.connected,
	}
	if !r.lastHeartbeat.IsZero() {
		hw.LastHeartbeat = r.lastHeartbeat.UnixMilli()
	}
	q := r.queue
	r.mu.RUnlock()

	var ap protocol.AudioProcessorState
	if q != nil {
		ap = q.Summary()
	} else {
		ap.Status = "idle"
	}

	return protocol.StatePayload{
		Hardware: hw,
		Backend:  protocol.BackendState{AudioProcessor: ap},
	}
}

// History returns a copy of recent transitions, oldest first.
func (r *Reconciler) History() []Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transition, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Reconciler) publish(msg *protocol.Message, err error) {
	if err != nil {
		r.logger.Error("reconciler: encode broadcast", "error", err)
		return
	}
	if r.pub != nil {
		r.pub.Publish(msg)
	}
}
