package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-puertocho/pkg/archive"
	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Publisher fans a message out to every connected client.
type Publisher interface {
	Publish(msg *protocol.Message)
}

// Sink receives queue-origin events. The reconciler implements it.
type Sink interface {
	Apply(ev event.Event) (bool, error)
	Refresh()
}

// Archiver persists verification copies of completed recordings.
type Archiver interface {
	Save(receivedAt time.Time, original string, data []byte) (archive.Record, error)
}

// Observer is notified of queue activity. Used for metrics.
type Observer interface {
	Submitted()
	Rejected(reason string)
	Finished(status Status, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) Submitted()                     {}
func (nopObserver) Rejected(string)                {}
func (nopObserver) Finished(Status, time.Duration) {}

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher sets where audio broadcasts go.
func WithPublisher(p Publisher) Option {
	return func(q *Queue) {
		q.pub = p
	}
}

// WithSink sets where audio_completed / audio_failed events go.
func WithSink(s Sink) Option {
	return func(q *Queue) {
		q.sink = s
	}
}

// WithArchive enables verification copies. urlFor maps an archived file
// name to the public URL stored on the item; it may be nil.
func WithArchive(a Archiver, urlFor func(name string) string) Option {
	return func(q *Queue) {
		q.archive = a
		q.urlFor = urlFor
	}
}

// WithMaxQueued bounds the number of queued (not yet processing) items.
func WithMaxQueued(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxQueued = n
		}
	}
}

// WithCommandLog sets the command log.
func WithCommandLog(l *CommandLog) Option {
	return func(q *Queue) {
		q.commands = l
	}
}

// WithRecentSize sets how many finished items are kept for status queries.
func WithRecentSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.recentSize = n
		}
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		q.observer = o
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

type entry struct {
	item *Item
	data []byte
}

// Queue is a FIFO of audio items with a single active consumer.
//
// emitMu serializes each state change with its broadcasts so clients see
// queued → processing → completed in order. mu guards the queue contents
// and is never held while publishing or processing.
type Queue struct {
	emitMu sync.Mutex

	mu         sync.Mutex
	pending    []*entry // FIFO; pending[0] may be processing
	processing *entry
	recent     []*Item
	byRequest  map[string]*Item
	total      int64
	failed     int64

	wake    chan struct{}
	running atomic.Bool

	proc       Processor
	pub        Publisher
	sink       Sink
	archive    Archiver
	urlFor     func(string) string
	commands   *CommandLog
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
	maxQueued  int
	recentSize int
}

// NewQueue creates a queue processed by proc.
func NewQueue(proc Processor, opts ...Option) *Queue {
	q := &Queue{
		byRequest:  make(map[string]*Item),
		wake:       make(chan struct{}, 1),
		proc:       proc,
		observer:   nopObserver{},
		logger:     slog.Default(),
		now:        time.Now,
		maxQueued:  50,
		recentSize: 20,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.commands == nil {
		q.commands = NewCommandLog(100)
	}
	return q
}

// SetSink sets the sink after construction.
func (q *Queue) SetSink(s Sink) {
	q.emitMu.Lock()
	q.sink = s
	q.emitMu.Unlock()
}

// Submit validates and enqueues a recording and returns immediately.
// A repeated RequestID returns the existing item with ErrDuplicate.
func (q *Queue) Submit(data []byte, meta Metadata) (*Item, error) {
	if err := meta.Validate(data); err != nil {
		q.observer.Rejected("invalid")
		return nil, err
	}

	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	if meta.RequestID != "" {
		if existing, ok := q.byRequest[meta.RequestID]; ok {
			c := existing.clone()
			q.mu.Unlock()
			q.observer.Rejected("duplicate")
			return c, ErrDuplicate
		}
	}
	if q.queuedLocked() >= q.maxQueued {
		q.mu.Unlock()
		q.observer.Rejected("full")
		return nil, ErrQueueFull
	}

	item := &Item{
		ID:         uuid.NewString(),
		Filename:   meta.Filename,
		ReceivedAt: q.now(),
		Duration:   meta.Duration,
		Size:       int64(len(data)),
		Status:     StatusQueued,
		RequestID:  meta.RequestID,
		SampleRate: meta.SampleRate,
		Channels:   meta.Channels,
	}
	q.pending = append(q.pending, &entry{item: item, data: data})
	if item.RequestID != "" {
		q.byRequest[item.RequestID] = item
	}
	info := item.Info()
	out := item.clone()
	q.mu.Unlock()

	q.logger.Info("audio queued", "id", item.ID, "filename", item.Filename, "bytes", item.Size)
	q.observer.Submitted()
	q.publish(protocol.NewAudioProcessingMessage(string(StatusQueued), info))
	q.refresh()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return out, nil
}

// Run is the single consumer. It blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		q.logger.Error("audio queue consumer already running")
		return
	}
	defer q.running.Store(false)

	for {
		e := q.claim()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.process(ctx, e)
		if ctx.Err() != nil {
			return
		}
	}
}

// claim marks the head item processing. Only Run calls it.
func (q *Queue) claim() *entry {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	q.mu.Lock()
	if q.processing != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	e := q.pending[0]
	e.item.Status = StatusProcessing
	q.processing = e
	info := e.item.Info()
	q.mu.Unlock()

	q.publish(protocol.NewAudioProcessingMessage(string(StatusProcessing), info))
	q.refresh()
	return e
}

func (q *Queue) process(ctx context.Context, e *entry) {
	start := time.Now()

	q.mu.Lock()
	snapshot := e.item.clone()
	q.mu.Unlock()

	res, err := q.proc.Process(ctx, snapshot, e.data)
	if ctx.Err() != nil && err != nil {
		// Shutting down: leave the item queued rather than failing it.
		q.mu.Lock()
		e.item.Status = StatusQueued
		q.processing = nil
		q.mu.Unlock()
		return
	}

	var url string
	if err == nil && q.archive != nil {
		rec, aerr := q.archive.Save(e.item.ReceivedAt, e.item.Filename, e.data)
		if aerr != nil {
			q.logger.Error("audio archive failed", "id", e.item.ID, "error", aerr)
		} else if q.urlFor != nil {
			url = q.urlFor(rec.Name)
		}
	}

	q.finish(e, res, err, url, time.Since(start))
}

func (q *Queue) finish(e *entry, res *Result, procErr error, url string, took time.Duration) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()

	now := q.now()

	q.mu.Lock()
	item := e.item
	item.CompletedAt = now
	if procErr != nil {
		perr := &ProcessingError{ItemID: item.ID, Err: procErr}
		item.Status = StatusError
		item.Error = perr.Error()
		q.failed++
	} else {
		item.Status = StatusCompleted
		item.URL = url
		if res != nil {
			item.QualityScore = res.QualityScore
			item.Transcript = res.Transcript
		}
	}
	q.total++
	q.removeLocked(e)
	info := item.Info()
	status := item.Status
	q.mu.Unlock()

	e.data = nil

	if procErr != nil {
		q.logger.Warn("audio processing failed", "id", item.ID, "error", procErr, "took", took)
	} else {
		q.logger.Info("audio processed", "id", item.ID, "took", took, "url", url)
	}
	q.observer.Finished(status, took)
	q.publish(protocol.NewAudioProcessingMessage(string(status), info))

	if procErr == nil && res != nil {
		if res.Transcript != "" {
			q.appendCommandLocked(res.Transcript, now)
		}
		if res.ResponseText != "" {
			q.publish(protocol.NewAssistantResponseMessage(res.ResponseText, res.ResponseAudioURL, res.ResponseFilename))
		}
	}

	var ev event.Event
	if procErr != nil {
		ev = event.NewAudioFailed(item.ID, procErr, now)
	} else {
		ev = event.NewAudioCompleted(item.ID, now)
	}
	changed := false
	if q.sink != nil {
		var err error
		changed, err = q.sink.Apply(ev)
		if err != nil {
			q.logger.Debug("queue event not applied", "event", ev.String(), "error", err)
		}
	}
	if !changed {
		q.refresh()
	}
}

func (q *Queue) removeLocked(e *entry) {
	for i, p := range q.pending {
		if p == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.processing = nil

	q.recent = append(q.recent, e.item)
	if len(q.recent) > q.recentSize {
		evicted := q.recent[0]
		q.recent = q.recent[1:]
		if evicted.RequestID != "" && q.byRequest[evicted.RequestID] == evicted {
			delete(q.byRequest, evicted.RequestID)
		}
	}
}

func (q *Queue) queuedLocked() int {
	n := 0
	for _, e := range q.pending {
		if e.item.Status == StatusQueued {
			n++
		}
	}
	return n
}

// AddCommand appends a recognized command and broadcasts command_log.
func (q *Queue) AddCommand(text string) CommandLogEntry {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	return q.appendCommandLocked(text, q.now())
}

// appendCommandLocked requires emitMu.
func (q *Queue) appendCommandLocked(text string, at time.Time) CommandLogEntry {
	e := CommandLogEntry{Command: text, Timestamp: at}
	q.commands.Append(e)
	q.publish(protocol.NewCommandLogMessage(text, at))
	return e
}

// Commands returns the command log.
func (q *Queue) Commands() *CommandLog {
	return q.commands
}

// Summary implements the reconciler's queue view.
func (q *Queue) Summary() protocol.AudioProcessorState {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := "idle"
	if q.processing != nil {
		status = "processing"
	}
	return protocol.AudioProcessorState{
		Status:         status,
		QueueLength:    q.queuedLocked(),
		TotalProcessed: q.total,
		Failed:         q.failed,
	}
}

// StatusReport is the full queue view served by GET /audio/status.
type StatusReport struct {
	protocol.AudioProcessorState
	Current *Item   `json:"current,omitempty"`
	Queued  []*Item `json:"queued"`
	Recent  []*Item `json:"recent"`
}

// Status returns copies of the current queue contents.
func (q *Queue) Status() StatusReport {
	sum := q.Summary()

	q.mu.Lock()
	defer q.mu.Unlock()

	rep := StatusReport{AudioProcessorState: sum, Queued: []*Item{}, Recent: []*Item{}}
	if q.processing != nil {
		rep.Current = q.processing.item.clone()
	}
	for _, e := range q.pending {
		if e.item.Status == StatusQueued {
			rep.Queued = append(rep.Queued, e.item.clone())
		}
	}
	for i := len(q.recent) - 1; i >= 0; i-- {
		rep.Recent = append(rep.Recent, q.recent[i].clone())
	}
	return rep
}

// Get finds an item that is queued, processing or recently finished.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.pending {
		if e.item.ID == id {
			return e.item.clone(), true
		}
	}
	for _, it := range q.recent {
		if it.ID == id {
			return it.clone(), true
		}
	}
	return nil, false
}

func (q *Queue) publish(msg *protocol.Message, err error) {
	if err != nil {
		q.logger.Error("audio: encode broadcast", "error", err)
		return
	}
	if q.pub != nil {
		q.pub.Publish(msg)
	}
}

func (q *Queue) refresh() {
	if q.sink != nil {
		q.sink.Refresh()
	}
}

// IsDuplicate reports whether err came from a repeated request id.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
