// Package feedclient connects to the hub's hardware feed as a hardware
// controller would. It reconnects with bounded exponential backoff and
// delivers button simulations sent by the hub to a callback.
package feedclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Defaults.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

const jitterFactor = 0.25

var (
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("feedclient: not connected")
	// ErrRetriesExhausted is returned by Run when MaxRetries dials in a row fail.
	ErrRetriesExhausted = errors.New("feedclient: retries exhausted")
)

// Config configures a Client.
type Config struct {
	// URL is the feed endpoint, e.g. ws://localhost:8000/ws/hardware/rpi-1.
	URL string

	DialTimeout time.Duration
	WriteWait   time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRetries bounds consecutive failed dials. Zero retries forever.
	MaxRetries int

	// HeartbeatInterval between heartbeat messages. Zero disables them.
	HeartbeatInterval time.Duration

	Header http.Header
}

// DefaultConfig returns a config for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		DialTimeout:       DefaultDialTimeout,
		WriteWait:         DefaultWriteWait,
		BackoffBase:       DefaultBackoffBase,
		BackoffMax:        DefaultBackoffMax,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("feedclient: url is required")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("feedclient: invalid backoff %s..%s", c.BackoffBase, c.BackoffMax)
	}
	if c.MaxRetries < 0 {
		return errors.New("feedclient: max retries must be >= 0")
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithCommandHandler sets the callback for button simulations from the hub.
func WithCommandHandler(fn func(protocol.ButtonSimulation)) Option {
	return func(c *Client) {
		c.onCommand = fn
	}
}

// WithConnectHandler sets a callback run after every successful dial.
func WithConnectHandler(fn func()) Option {
	return func(c *Client) {
		c.onConnect = fn
	}
}

// Client is a reconnecting hardware feed connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	onCommand func(protocol.ButtonSimulation)
	onConnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	connects atomic.Int64
}

// New creates a client. It does not connect until Run.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run keeps a connection open until ctx is cancelled. It returns nil on
// cancellation and ErrRetriesExhausted when MaxRetries dials fail in a row.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if c.cfg.MaxRetries > 0 && failures >= c.cfg.MaxRetries {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
			}
			delay := Backoff(failures-1, c.cfg.BackoffBase, c.cfg.BackoffMax)
			c.logger.Warn("feed dial failed", "url", c.cfg.URL, "attempt", failures, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		c.connects.Add(1)
		c.setConn(conn)
		c.logger.Info("feed connected", "url", c.cfg.URL)
		if c.onConnect != nil {
			c.onConnect()
		}

		err = c.serve(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("feed connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads until the connection fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(conn, done)
	}

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handle(conn, data)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, protocol.Heartbeat{}); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("feed: malformed message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeButtonEvent:
		var sim protocol.ButtonSimulation
		if err := msg.ParseData(&sim); err != nil {
			c.logger.Warn("feed: bad button command", "error", err)
			return
		}
		if c.onCommand != nil {
			c.onCommand(sim)
		}
	case protocol.TypePing:
		var p protocol.PingData
		msg.ParseData(&p)
		if err := c.write(conn, protocol.Pong{ID: p.ID}); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}
	case protocol.TypeConnectionInfo:
		info, err := protocol.GetConnectionInfoData(msg)
		if err == nil {
			c.logger.Info("feed: hub says", "message", info.Message)
		}
	default:
		c.logger.Debug("feed: ignored message", "type", msg.Type)
	}
}

// Send encodes hm and writes it on the current connection.
func (c *Client) Send(hm protocol.HardwareMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, hm)
}

func (c *Client) write(conn *websocket.Conn, hm protocol.HardwareMessage) error {
	msg, err := protocol.EncodeHardware(hm)
	if err != nil {
		return err
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connects returns how many times the client has connected.
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

// Backoff returns the delay before retry number attempt (zero based):
// base doubled per attempt, +-25% jitter, never above maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := float64(delay) * jitterFactor * (2*rand.Float64() - 1)
	d := time.Duration(float64(delay) + jitter)
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
