package hardware

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Handler consumes decoded hardware messages.
type Handler interface {
	HandleHardwareMessage(ctx context.Context, deviceID string, frame protocol.HardwareFrame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, deviceID string, frame protocol.HardwareFrame) error

// HandleHardwareMessage calls f.
func (f HandlerFunc) HandleHardwareMessage(ctx context.Context, deviceID string, frame protocol.HardwareFrame) error {
	return f(ctx, deviceID, frame)
}

// Device is a connected hardware feed.
type Device struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Send writes a message to the device.
func (d *Device) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Conn.WriteMessage(websocket.TextMessage, data)
}

// LastSeen returns when the device last sent anything.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

func (d *Device) touch(t time.Time) {
	d.mu.Lock()
	d.lastSeen = t
	d.mu.Unlock()
}

// Feed accepts WebSocket connections from the hardware service and turns
// their messages into Handler calls.
type Feed struct {
	mu      sync.RWMutex
	devices map[string]*Device
	handler Handler
	ctx     context.Context
	logger  *slog.Logger

	onConnect    func(deviceID string)
	onDisconnect func(deviceID string)

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	invalidMessages  atomic.Uint64
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger sets the logger.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = l
	}
}

// WithBaseContext sets the context passed to the handler.
func WithBaseContext(ctx context.Context) FeedOption {
	return func(f *Feed) {
		f.ctx = ctx
	}
}

// WithConnectHooks sets callbacks for device connect and disconnect.
func WithConnectHooks(onConnect, onDisconnect func(deviceID string)) FeedOption {
	return func(f *Feed) {
		f.onConnect = onConnect
		f.onDisconnect = onDisconnect
	}
}

// NewFeed creates a feed delivering to handler.
func NewFeed(handler Handler, opts ...FeedOption) *Feed {
	f := &Feed{
		devices: make(map[string]*Device),
		handler: handler,
		ctx:     context.Background(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetHandler replaces the message handler.
func (f *Feed) SetHandler(h Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// RegisterRoutes mounts the feed endpoints on app.
func (f *Feed) RegisterRoutes(app fiber.Router) {
	app.Use("/ws/hardware", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/hardware", websocket.New(f.handleDevice))
	app.Get("/ws/hardware/:id", websocket.New(f.handleDevice))
}

func (f *Feed) handleDevice(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	dev := &Device{ID: id, Conn: c, Connected: now, lastSeen: now}

	f.mu.Lock()
	if old, ok := f.devices[id]; ok {
		old.Conn.Close()
	}
	f.devices[id] = dev
	count := len(f.devices)
	f.mu.Unlock()

	f.logger.Info("hardware feed connected", "device", id, "total", count)
	if f.onConnect != nil {
		f.onConnect(id)
	}

	defer func() {
		f.mu.Lock()
		if f.devices[id] == dev {
			delete(f.devices, id)
		}
		count := len(f.devices)
		f.mu.Unlock()

		f.logger.Info("hardware feed disconnected", "device", id, "total", count)
		if f.onDisconnect != nil {
			f.onDisconnect(id)
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			f.logger.Debug("hardware feed read error", "device", id, "error", err)
			return
		}
		dev.touch(time.Now())
		f.messagesReceived.Add(1)
		f.handleMessage(dev, data)
	}
}

// handleMessage decodes one frame. Malformed frames get an error reply;
// the connection stays open.
func (f *Feed) handleMessage(dev *Device, data []byte) {
	frame, err := protocol.DecodeHardware(data)
	if err != nil {
		f.invalidMessages.Add(1)
		if protocol.IsUnknownType(err) {
			f.logger.Debug("hardware feed: unknown message", "device", dev.ID, "error", err)
			return
		}
		f.logger.Warn("hardware feed: rejected message", "device", dev.ID, "error", err)
		msg, encErr := protocol.NewErrorInfoMessage(err.Error())
		f.reply(dev, msg, encErr)
		return
	}

	if p, ok := frame.Message.(protocol.Ping); ok {
		msg, encErr := protocol.NewPongMessage(p.ID, frame.Timestamp)
		f.reply(dev, msg, encErr)
		return
	}

	f.mu.RLock()
	h := f.handler
	f.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h.HandleHardwareMessage(f.ctx, dev.ID, *frame); err != nil {
		f.logger.Warn("hardware feed: handler error", "device", dev.ID, "type", frame.Message.Type(), "error", err)
		msg, encErr := protocol.NewErrorInfoMessage(err.Error())
		f.reply(dev, msg, encErr)
	}
}

func (f *Feed) reply(dev *Device, msg *protocol.Message, err error) {
	if err != nil {
		f.logger.Error("hardware feed: encode reply", "error", err)
		return
	}
	f.messagesSent.Add(1)
	if err := dev.Send(msg); err != nil {
		f.logger.Debug("hardware feed: reply failed", "device", dev.ID, "error", err)
	}
}

// SendCommand sends msg to one device.
func (f *Feed) SendCommand(deviceID string, msg *protocol.Message) error {
	f.mu.RLock()
	dev, ok := f.devices[deviceID]
	f.mu.RUnlock()

	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "device not connected")
	}
	f.messagesSent.Add(1)
	return dev.Send(msg)
}

// Broadcast sends msg to every device and returns how many received it.
func (f *Feed) Broadcast(msg *protocol.Message) int {
	f.mu.RLock()
	devices := make([]*Device, 0, len(f.devices))
	for _, d := range f.devices {
		devices = append(devices, d)
	}
	f.mu.RUnlock()

	sent := 0
	for _, d := range devices {
		f.messagesSent.Add(1)
		if err := d.Send(msg); err != nil {
			f.logger.Debug("hardware feed: broadcast failed", "device", d.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Device returns a connected device by id.
func (f *Feed) Device(id string) *Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.devices[id]
}

// DeviceCount returns the number of connected devices.
func (f *Feed) DeviceCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.devices)
}

// FeedStats contains feed counters.
type FeedStats struct {
	Devices          int    `json:"devices"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	InvalidMessages  uint64 `json:"invalid_messages"`
}

// Stats returns feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Devices:          f.DeviceCount(),
		MessagesReceived: f.messagesReceived.Load(),
		MessagesSent:     f.messagesSent.Load(),
		InvalidMessages:  f.invalidMessages.Load(),
	}
}

// DeviceInfo describes a connected device.
type DeviceInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// DeviceInfos lists connected devices.
func (f *Feed) DeviceInfos() []DeviceInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(f.devices))
	for _, d := range f.devices {
		infos = append(infos, DeviceInfo{ID: d.ID, Connected: d.Connected, LastSeen: d.LastSeen()})
	}
	return infos
}

// RegisterAPIRoutes mounts device management routes under api.
func (f *Feed) RegisterAPIRoutes(api fiber.Router) {
	devices := api.Group("/devices")

	devices.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"devices": f.DeviceInfos(),
			"count":   f.DeviceCount(),
		})
	})

	devices.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(f.Stats())
	})

	devices.Post("/:id/button", func(c *fiber.Ctx) error {
		var req protocol.ButtonSimulation
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		kind, ok := protocol.NormalizePress(req.EventType)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "event_type must be short or long"})
		}
		msg, err := protocol.NewButtonSimulationMessage(kind, req.Duration)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if err := f.SendCommand(c.Params("id"), msg); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "sent"})
	})
}
