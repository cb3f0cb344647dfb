// Package bridge turns hardware feed messages, REST calls and dashboard
// commands into reconciler events, and forwards dashboard commands back
// to the hardware.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/hub"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
	"github.com/teslashibe/go-puertocho/pkg/reconciler"
)

// Default liveness settings.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultHealthInterval   = 5 * time.Second
	DefaultHandoffTimeout   = 20 * time.Second
)

// sourceHTTP orders REST ingest separately from the feed, whose
// timestamps come from the device clock.
const sourceHTTP = "hardware_http"

// sourceHandoff orders completions synthesized when processing outlives
// the handoff timeout with nothing left in the queue.
const sourceHandoff = "audio_handoff"

// Sentinel errors.
var (
	ErrHardwareUnreachable = errors.New("hardware unreachable")
	ErrUnsupportedCommand  = errors.New("unsupported command")
)

// StateSink is the reconciler surface the bridge drives.
type StateSink interface {
	Apply(ev event.Event) (bool, error)
	Heartbeat(at time.Time)
	State() reconciler.State
	Override(to reconciler.State, source string) (bool, error)
}

// AudioSink accepts captured recordings.
type AudioSink interface {
	Submit(data []byte, meta audio.Metadata) (*audio.Item, error)
}

// queueView is implemented by sinks that can report whether work is
// still queued or in flight. *audio.Queue implements it.
type queueView interface {
	Summary() protocol.AudioProcessorState
}

// Publisher fans a message out to every dashboard.
type Publisher interface {
	Publish(msg *protocol.Message)
}

// HealthChecker polls the hardware service.
type HealthChecker interface {
	Health(ctx context.Context) (hardware.Health, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPublisher sets where hardware_event broadcasts go.
func WithPublisher(p Publisher) Option {
	return func(b *Bridge) {
		b.pub = p
	}
}

// WithAudio sets the audio queue.
func WithAudio(a AudioSink) Option {
	return func(b *Bridge) {
		b.audio = a
	}
}

// WithForwarders sets the backward path to the hardware, tried in order.
func WithForwarders(fs ...Forwarder) Option {
	return func(b *Bridge) {
		b.forward = append(b.forward, fs...)
	}
}

// WithHealthCheck enables active polling of the hardware service.
func WithHealthCheck(hc HealthChecker, interval time.Duration) Option {
	return func(b *Bridge) {
		b.health = hc
		if interval > 0 {
			b.healthInterval = interval
		}
	}
}

// WithHeartbeatTimeout sets how long without a heartbeat means unreachable.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.heartbeatTimeout = d
		}
	}
}

// WithHandoffTimeout sets how long processing may wait with an idle queue
// before the bridge completes it. The hardware may announce a recording
// without its bytes and upload them elsewhere, or never upload them.
func WithHandoffTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.handoffTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithClock overrides the liveness clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// Bridge normalizes every hardware-facing input into events.
type Bridge struct {
	state   StateSink
	audio   AudioSink
	pub     Publisher
	forward ForwardChain
	health  HealthChecker
	logger  *slog.Logger
	now     func() time.Time

	heartbeatTimeout time.Duration
	healthInterval   time.Duration
	handoffTimeout   time.Duration

	lastBeat    atomic.Int64 // unix nanos
	unreachable atomic.Bool

	handoffMu sync.Mutex
	handoff   *time.Timer
}

// New creates a bridge driving state.
func New(state StateSink, opts ...Option) *Bridge {
	b := &Bridge{
		state:            state,
		logger:           slog.Default(),
		now:              time.Now,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		healthInterval:   DefaultHealthInterval,
		handoffTimeout:   DefaultHandoffTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastBeat.Store(b.now().UnixNano())
	return b
}

// HandleHardwareMessage implements hardware.Handler. Every message counts
// as a heartbeat.
func (b *Bridge) HandleHardwareMessage(ctx context.Context, deviceID string, frame protocol.HardwareFrame) error {
	b.MarkAlive()
	return b.dispatch(ctx, event.SourceHardware, deviceID, frame)
}

func (b *Bridge) dispatch(ctx context.Context, source, deviceID string, frame protocol.HardwareFrame) error {
	var at time.Time
	if frame.Timestamp > 0 {
		at = time.UnixMilli(frame.Timestamp)
	}

	switch m := frame.Message.(type) {
	case protocol.VoiceActivityStart:
		return b.apply(event.NewVoiceActivityStart(source, at))

	case protocol.VoiceActivityEnd:
		return b.apply(event.NewVoiceActivityEnd(source, at))

	case protocol.ButtonEvent:
		b.publishEvent(protocol.HardwareEventPayload{
			EventType:  string(event.ButtonPress),
			Source:     deviceID,
			ButtonType: m.EventType,
			Duration:   m.Duration,
		})
		return b.apply(event.NewButtonPress(source, event.Press(m.EventType), event.PressDurationFromSeconds(m.Duration), at))

	case protocol.AudioCaptured:
		data, err := m.Audio()
		if err != nil {
			b.captureFailed(source, m.Name(), err, at)
			return err
		}
		if len(data) == 0 {
			return b.announceCapture(source, deviceID, m, at)
		}
		_, err = b.submit(source, data, audio.Metadata{
			Filename:   m.Name(),
			SampleRate: m.SampleRate,
			Channels:   m.Channels,
			Duration:   m.Duration,
			RequestID:  m.RequestID,
			Source:     deviceID,
		}, at)
		return err

	case protocol.StateChanged:
		b.publishEvent(protocol.HardwareEventPayload{
			EventType: string(protocol.TypeStateChanged),
			Source:    deviceID,
			Details:   map[string]any{"old_state": m.OldState, "new_state": m.NewState, "context": m.Context},
		})
		switch m.NewState {
		case "listening":
			return b.apply(event.NewVoiceActivityStart(source, at))
		case "processing":
			return b.apply(event.NewVoiceActivityEnd(source, at))
		}
		return nil

	case protocol.NFCEvent:
		b.publishEvent(protocol.HardwareEventPayload{
			EventType: string(event.NFC),
			Source:    deviceID,
			UID:       m.UID,
			Details:   map[string]any{"event_type": m.EventType},
		})
		return b.apply(event.NewNFC(source, m.UID, at))

	case protocol.HardwareMetrics:
		b.publishEvent(protocol.HardwareEventPayload{
			EventType: string(protocol.TypeHardwareMetrics),
			Source:    deviceID,
			Details:   m.Metrics,
		})
		return nil

	case protocol.Heartbeat, protocol.Pong, protocol.Ping:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCommand, frame.Message.Type())
}

// eventAliases maps event names used by the hardware's REST client.
var eventAliases = map[protocol.MessageType]protocol.MessageType{
	"button_press": protocol.TypeButtonEvent,
	"state_change": protocol.TypeStateChanged,
}

// HandleEvent ingests one envelope posted to POST /hardware/events.
func (b *Bridge) HandleEvent(ctx context.Context, msg *protocol.Message) error {
	if alias, ok := eventAliases[msg.Type]; ok {
		msg.Type = alias
		if alias == protocol.TypeStateChanged {
			msg.Payload = renameField(msg.Payload, "state", "new_state")
		}
	}
	frame, err := protocol.HardwareFrom(msg)
	if err != nil {
		return err
	}
	b.MarkAlive()
	return b.dispatch(ctx, sourceHTTP, "http", *frame)
}

func renameField(raw json.RawMessage, from, to string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if _, ok := m[to]; ok {
		return raw
	}
	v, ok := m[from]
	if !ok {
		return raw
	}
	m[to] = v
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// SubmitAudio ingests a recording uploaded over HTTP.
func (b *Bridge) SubmitAudio(ctx context.Context, data []byte, meta audio.Metadata) (*audio.Item, error) {
	b.MarkAlive()
	return b.submit(sourceHTTP, data, meta, time.Time{})
}

// ReportStatus takes a status document pushed by the hardware service. It
// counts as a heartbeat and is broadcast as a hardware_event.
func (b *Bridge) ReportStatus(deviceID string, status map[string]any) {
	b.MarkAlive()
	b.publishEvent(protocol.HardwareEventPayload{
		EventType: "hardware_status",
		Source:    deviceID,
		Details:   status,
	})
}

func (b *Bridge) submit(source string, data []byte, meta audio.Metadata, at time.Time) (*audio.Item, error) {
	if b.audio == nil {
		return nil, errors.New("audio ingestion disabled")
	}
	item, err := b.audio.Submit(data, meta)
	if audio.IsDuplicate(err) {
		b.logger.Info("duplicate audio submission", "request_id", meta.RequestID, "id", item.ID)
		return item, nil
	}
	var ingest *audio.IngestionError
	if errors.As(err, &ingest) {
		b.captureFailed(source, meta.Filename, err, at)
	}
	if err != nil {
		return nil, err
	}
	return item, b.apply(event.NewAudioSent(source, item.ID, at))
}

// announceCapture handles audio_captured without bytes: the device kept
// the file or uploads it over HTTP. The handoff timer bounds the wait.
func (b *Bridge) announceCapture(source, deviceID string, m protocol.AudioCaptured, at time.Time) error {
	b.logger.Info("recording announced without data", "device", deviceID, "file", m.Name(), "size", m.FileSize)
	b.publishEvent(protocol.HardwareEventPayload{
		EventType: string(protocol.TypeAudioCaptured),
		Source:    deviceID,
		Duration:  m.Duration,
		Details:   map[string]any{"file_name": m.Name(), "file_size": m.FileSize, "file_path": m.FilePath},
	})
	return b.apply(event.NewAudioSent(source, m.Name(), at))
}

// captureFailed reports a recording the queue refused. From processing
// this moves the assistant to error rather than waiting on nothing.
func (b *Bridge) captureFailed(source, name string, cause error, at time.Time) {
	if name == "" {
		name = "unnamed"
	}
	ev := event.NewAudioFailed(name, cause, at)
	ev.Source = source
	if err := b.apply(ev); err != nil {
		b.logger.Warn("capture failure not applied", "file", name, "error", err)
	}
}

// HandleClientCommand implements hub.InboundHandler.
func (b *Bridge) HandleClientCommand(ctx context.Context, from hub.ConnectionID, cmd protocol.ClientCommand) error {
	switch c := cmd.(type) {
	case protocol.ManualActivation:
		b.logger.Info("manual activation", "connection", from)
		if err := b.apply(event.NewManualActivation(event.SourceDashboard, b.now())); err != nil {
			return err
		}
		_, err := b.forwardButton(ctx, protocol.PressShort, 0)
		return err

	case protocol.HardwareCommand:
		switch c.Command {
		case protocol.CommandStartRecording, protocol.CommandStopRecording:
			b.logger.Info("hardware command", "connection", from, "command", c.Command)
			_, err := b.forwardButton(ctx, protocol.PressShort, 0)
			return err
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, c.Command)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCommand, cmd.Type())
}

// SimulateButton forwards a simulated press to the hardware. When no
// hardware path accepts it the press is applied locally and reported as
// "local".
func (b *Bridge) SimulateButton(ctx context.Context, kind string, duration float64) (string, error) {
	press, ok := protocol.NormalizePress(kind)
	if !ok {
		return "", fmt.Errorf("%w: button kind %q", event.ErrInvalidEvent, kind)
	}
	via, err := b.forwardButton(ctx, press, duration)
	if err == nil && via != "" {
		return via, nil
	}

	b.publishEvent(protocol.HardwareEventPayload{
		EventType:  string(event.ButtonPress),
		Source:     event.SourceSimulator,
		ButtonType: press,
		Duration:   duration,
	})
	if err := b.apply(event.NewButtonPress(event.SourceSimulator, event.Press(press), event.PressDurationFromSeconds(duration), b.now())); err != nil {
		return "", err
	}
	return "local", nil
}

// SimulateStatus forces the assistant state.
func (b *Bridge) SimulateStatus(status string) (bool, error) {
	return b.state.Override(reconciler.State(status), event.SourceSimulator)
}

func (b *Bridge) forwardButton(ctx context.Context, kind string, duration float64) (string, error) {
	if len(b.forward) == 0 {
		return "", nil
	}
	via, err := b.forward.ForwardButton(ctx, kind, duration)
	if err != nil {
		b.logger.Warn("button forward failed", "kind", kind, "error", err)
		return "", err
	}
	b.logger.Debug("button forwarded", "kind", kind, "via", via)
	return via, nil
}

// apply feeds ev to the reconciler. Stale events are dropped quietly.
// Entering processing arms the handoff timer.
func (b *Bridge) apply(ev event.Event) error {
	changed, err := b.state.Apply(ev)
	if errors.Is(err, reconciler.ErrStale) {
		b.logger.Debug("stale event dropped", "event", ev.String())
		return nil
	}
	if changed && b.state.State() == reconciler.Processing {
		b.armHandoff()
	}
	return err
}

func (b *Bridge) armHandoff() {
	b.handoffMu.Lock()
	defer b.handoffMu.Unlock()
	if b.handoff != nil {
		b.handoff.Stop()
	}
	b.handoff = time.AfterFunc(b.handoffTimeout, b.expireHandoff)
}

func (b *Bridge) stopHandoff() {
	b.handoffMu.Lock()
	defer b.handoffMu.Unlock()
	if b.handoff != nil {
		b.handoff.Stop()
		b.handoff = nil
	}
}

// expireHandoff completes processing when nothing is queued or in flight.
// A busy queue completes it on its own.
func (b *Bridge) expireHandoff() {
	if b.state.State() != reconciler.Processing || b.audioBusy() {
		return
	}
	b.logger.Warn("processing timed out with an idle audio queue", "timeout", b.handoffTimeout)
	ev := event.NewAudioCompleted("handoff", b.now())
	ev.Source = sourceHandoff
	if _, err := b.state.Apply(ev); err != nil {
		b.logger.Warn("handoff completion not applied", "error", err)
	}
}

func (b *Bridge) audioBusy() bool {
	q, ok := b.audio.(queueView)
	if !ok {
		return false
	}
	sum := q.Summary()
	return sum.QueueLength > 0 || sum.Status == "processing"
}

func (b *Bridge) publishEvent(p protocol.HardwareEventPayload) {
	if b.pub == nil {
		return
	}
	msg, err := protocol.NewHardwareEventMessage(p)
	if err != nil {
		b.logger.Error("encode hardware_event", "error", err)
		return
	}
	b.pub.Publish(msg)
}
