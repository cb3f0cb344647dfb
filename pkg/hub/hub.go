package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Errors returned by the hub.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrHubClosed          = errors.New("hub closed")
)

// ConnectionID identifies one client connection.
type ConnectionID string

// StateSource builds the initial_state snapshot for a new client.
type StateSource interface {
	Snapshot() protocol.StatePayload
}

// InboundHandler receives validated dashboard commands.
type InboundHandler interface {
	HandleClientCommand(ctx context.Context, from ConnectionID, cmd protocol.ClientCommand) error
}

// Observer is notified of hub activity. Used for metrics.
type Observer interface {
	ClientConnected()
	ClientDisconnected(reason string)
	Broadcast(t protocol.MessageType)
	Inbound(t protocol.MessageType, ok bool)
}

// Disconnect reasons reported to the Observer.
const (
	ReasonClosed   = "closed"
	ReasonSlow     = "slow_consumer"
	ReasonShutdown = "shutdown"
)

type nopObserver struct{}

func (nopObserver) ClientConnected()                   {}
func (nopObserver) ClientDisconnected(string)          {}
func (nopObserver) Broadcast(protocol.MessageType)     {}
func (nopObserver) Inbound(protocol.MessageType, bool) {}

// Stats contains hub statistics.
type Stats struct {
	Connected        int   `json:"connected"`
	TotalConnections int64 `json:"total_connections"`
	Dropped          int64 `json:"dropped"`
	Broadcasts       int64 `json:"broadcasts"`
	InboundMessages  int64 `json:"inbound_messages"`
	InvalidMessages  int64 `json:"invalid_messages"`
}

// ConnectionInfo describes one registered client.
type ConnectionInfo struct {
	ID           ConnectionID `json:"id"`
	RemoteAddr   string       `json:"remote_addr"`
	ConnectedAt  time.Time    `json:"connected_at"`
	LastActivity time.Time    `json:"last_activity"`
	Pending      int          `json:"pending"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// minSendBuffer holds the greeting: initial_state and connection_info.
const minSendBuffer = 2

// WithSendBuffer sets the per-client send buffer size. Values below two
// are raised to two.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithStateSource sets where initial_state snapshots come from.
func WithStateSource(s StateSource) Option {
	return func(h *Hub) {
		h.state = s
	}
}

// WithInboundHandler sets where dashboard commands are routed.
func WithInboundHandler(handler InboundHandler) Option {
	return func(h *Hub) {
		h.handler = handler
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		h.observer = o
	}
}

type registration struct {
	client *Client
}

type directSend struct {
	id    ConnectionID
	frame Frame
	reply chan error
}

type unregistration struct {
	id     ConnectionID
	reason string
}

// Hub maintains the set of active clients and broadcasts messages to them.
// All registry mutation happens on the Run goroutine; mu only makes the
// registry readable from elsewhere.
type Hub struct {
	name string

	// Registered clients
	clients map[ConnectionID]*Client
	mu      sync.RWMutex

	// Outbound messages to broadcast, in emission order
	broadcast chan Frame

	// Register requests from clients
	register chan registration

	// Unregister requests from clients
	unregister chan unregistration

	// Messages for one client only
	direct chan directSend

	done    chan struct{}
	running atomic.Bool

	sendBuffer int
	state      StateSource
	handler    InboundHandler
	observer   Observer
	logger     *slog.Logger

	totalConnections atomic.Int64
	dropped          atomic.Int64
	broadcasts       atomic.Int64
	inbound          atomic.Int64
	invalid          atomic.Int64
}

// New creates a new Hub
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:       name,
		clients:    make(map[ConnectionID]*Client),
		broadcast:  make(chan Frame, 1024),
		register:   make(chan registration),
		unregister: make(chan unregistration),
		direct:     make(chan directSend),
		done:       make(chan struct{}),
		sendBuffer: 256,
		observer:   nopObserver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sendBuffer < minSendBuffer {
		h.sendBuffer = minSendBuffer
	}
	h.logger = h.logger.With("hub", name)
	return h
}

// SetInboundHandler sets the handler after construction.
func (h *Hub) SetInboundHandler(handler InboundHandler) {
	h.handler = handler
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			// Anything published before this registration is delivered to
			// the existing clients first so the snapshot is never followed
			// by an older broadcast.
			h.drainBroadcasts()
			h.add(reg.client)

		case u := <-h.unregister:
			h.remove(u.id, u.reason)

		case d := <-h.direct:
			d.reply <- h.sendDirect(d.id, d.frame)

		case frame := <-h.broadcast:
			h.fanout(frame)
		}
	}
}

func (h *Hub) drainBroadcasts() {
	for {
		select {
		case frame := <-h.broadcast:
			h.fanout(frame)
		default:
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	if h.state != nil {
		if msg, err := protocol.NewInitialStateMessage(h.state.Snapshot()); err == nil {
			h.enqueue(c, msg)
		} else {
			h.logger.Error("encode initial_state", "error", err)
		}
	}
	if msg, err := protocol.NewConnectionInfoMessage("Connected to puertocho hub", string(c.id)); err == nil {
		h.enqueue(c, msg)
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.observer.ClientConnected()
	h.logger.Info("client connected", "id", c.id, "remote", c.remote, "clients", count)
}

// enqueue is only used for a client not yet visible to fanout, whose
// buffer is empty.
func (h *Hub) enqueue(c *Client, msg *protocol.Message) {
	frame, err := NewFrame(msg)
	if err != nil {
		h.logger.Error("encode message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("greeting dropped, send buffer full", "id", c.id, "type", msg.Type)
	}
}

func (h *Hub) remove(id ConnectionID, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if reason == ReasonSlow {
		h.dropped.Add(1)
		h.logger.Warn("dropped slow client", "id", id, "clients", count)
	} else {
		h.logger.Info("client disconnected", "id", id, "reason", reason, "clients", count)
	}
	h.observer.ClientDisconnected(reason)
}

func (h *Hub) fanout(frame Frame) {
	var slow []ConnectionID

	h.mu.RLock()
	for id, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.remove(id, ReasonSlow)
	}
	h.broadcasts.Add(1)
	h.observer.Broadcast(frame.Type)
}

func (h *Hub) sendDirect(id ConnectionID, frame Frame) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	select {
	case c.send <- frame:
		return nil
	default:
		h.remove(id, ReasonSlow)
		return ErrConnectionNotFound
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[ConnectionID]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		h.observer.ClientDisconnected(ReasonShutdown)
	}
	close(h.done)
	h.logger.Info("hub stopped", "closed_clients", len(clients))
}

// Register adds a connection and queues its initial_state snapshot ahead
// of any later broadcast.
func (h *Hub) Register(conn Conn, remote string) (*Client, error) {
	c := newClient(h, ConnectionID(uuid.NewString()), conn, remote, h.sendBuffer)
	select {
	case h.register <- registration{client: c}:
		return c, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Unregister removes a connection. Safe to call more than once.
func (h *Hub) Unregister(id ConnectionID) {
	h.unregisterWithReason(id, ReasonClosed)
}

func (h *Hub) unregisterWithReason(id ConnectionID, reason string) {
	select {
	case h.unregister <- unregistration{id: id, reason: reason}:
	case <-h.done:
	}
}

// Publish broadcasts msg to every registered client in emission order.
// It waits only for the hub loop, never for client I/O.
func (h *Hub) Publish(msg *protocol.Message) {
	frame, err := NewFrame(msg)
	if err != nil {
		h.logger.Error("encode broadcast", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// SendTo queues msg for a single client.
func (h *Hub) SendTo(id ConnectionID, msg *protocol.Message) error {
	frame, err := NewFrame(msg)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case h.direct <- directSend{id: id, frame: frame, reply: reply}:
	case <-h.done:
		return ErrHubClosed
	}
	return <-reply
}

// DeliverInbound decodes a dashboard message and routes it. Unknown
// types are logged and dropped; malformed known types get an error
// reply. The connection is never closed for a bad message.
func (h *Hub) DeliverInbound(ctx context.Context, from ConnectionID, data []byte) {
	h.inbound.Add(1)

	cmd, err := protocol.DecodeClient(data)
	if err != nil {
		h.invalid.Add(1)
		var pe *protocol.ProtocolError
		t := protocol.MessageType("")
		if errors.As(err, &pe) {
			t = pe.Type
		}
		h.observer.Inbound(t, false)

		if protocol.IsUnknownType(err) {
			h.logger.Warn("dropping unknown client message", "id", from, "type", t)
			return
		}
		h.logger.Warn("rejecting malformed client message", "id", from, "error", err)
		h.replyError(from, err.Error())
		return
	}
	h.observer.Inbound(cmd.Type(), true)

	if p, ok := cmd.(protocol.Ping); ok {
		if msg, err := protocol.NewPongMessage(p.ID, 0); err == nil {
			_ = h.SendTo(from, msg)
		}
		return
	}

	if h.handler == nil {
		h.logger.Warn("no inbound handler, dropping command", "type", cmd.Type())
		return
	}
	if err := h.handler.HandleClientCommand(ctx, from, cmd); err != nil {
		h.logger.Warn("client command rejected", "id", from, "type", cmd.Type(), "error", err)
		h.replyError(from, err.Error())
	}
}

func (h *Hub) replyError(to ConnectionID, text string) {
	msg, err := protocol.NewErrorInfoMessage(text)
	if err != nil {
		return
	}
	if err := h.SendTo(to, msg); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		h.logger.Debug("error reply not delivered", "id", to, "error", err)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Connections lists registered clients.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.info())
	}
	return out
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		Connected:        h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		Dropped:          h.dropped.Load(),
		Broadcasts:       h.broadcasts.Load(),
		InboundMessages:  h.inbound.Load(),
		InvalidMessages:  h.invalid.Load(),
	}
}

// IsRunning returns whether the hub loop is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
