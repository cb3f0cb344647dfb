package feedclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-puertocho/internal/log"
	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

type frames struct {
	mu  sync.Mutex
	got []protocol.MessageType
}

func (f *frames) HandleHardwareMessage(_ context.Context, _ string, frame protocol.HardwareFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, frame.Message.Type())
	return nil
}

func (f *frames) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.MessageType(nil), f.got...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startFeed(t *testing.T, h hardware.Handler, addr string) *hardware.Feed {
	t.Helper()
	feed := hardware.NewFeed(h, hardware.WithFeedLogger(log.Discard()))
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	feed.RegisterRoutes(app)
	go app.Listen(addr)
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)
	return feed
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"no url", func(c *Config) { c.URL = "" }, true},
		{"zero base", func(c *Config) { c.BackoffBase = 0 }, true},
		{"max below base", func(c *Config) { c.BackoffMax = c.BackoffBase / 2 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("ws://localhost/ws/hardware")
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBackoffBounded(t *testing.T) {
	base, maxDelay := 100*time.Millisecond, time.Second
	tests := []struct {
		attempt int
		center  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := Backoff(tt.attempt, base, maxDelay)
			lo := time.Duration(float64(tt.center) * (1 - jitterFactor))
			if d < lo || d > maxDelay {
				t.Fatalf("Backoff(%d) = %s, want within [%s, %s]", tt.attempt, d, lo, maxDelay)
			}
		}
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1/ws/hardware")
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.MaxRetries = 3
	c, err := New(cfg, WithLogger(log.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	err = c.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Run() = %v, want ErrRetriesExhausted", err)
	}
	if c.Connected() || c.Connects() != 0 {
		t.Error("client should never have connected")
	}
	if err := c.Send(protocol.Heartbeat{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestSendAndReceiveCommands(t *testing.T) {
	h := &frames{}
	feed := startFeed(t, h, ":18290")

	var mu sync.Mutex
	var commands []protocol.ButtonSimulation
	cfg := DefaultConfig("ws://localhost:18290/ws/hardware/sim-1")
	cfg.HeartbeatInterval = 0
	c, err := New(cfg, WithLogger(log.Discard()), WithCommandHandler(func(s protocol.ButtonSimulation) {
		mu.Lock()
		commands = append(commands, s)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "connection", func() bool { return c.Connected() && feed.Device("sim-1") != nil })

	if err := c.Send(protocol.VoiceActivityStart{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(protocol.NewAudioCaptured("a.wav", []byte{0, 1, 2, 3}, 16000, 1, 0.1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "frames", func() bool { return len(h.types()) == 2 })
	if got := h.types(); got[0] != protocol.TypeVoiceActivityStart || got[1] != protocol.TypeAudioCaptured {
		t.Errorf("frames = %v", got)
	}

	msg, _ := protocol.NewButtonSimulationMessage(protocol.PressShort, 0.1)
	if n := feed.Broadcast(msg); n != 1 {
		t.Fatalf("Broadcast reached %d devices", n)
	}
	waitFor(t, "command", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(commands) == 1
	})
	if commands[0].EventType != protocol.PressShort {
		t.Errorf("command = %+v", commands[0])
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if c.Connected() {
		t.Error("still connected after cancel")
	}
}

func TestHeartbeats(t *testing.T) {
	h := &frames{}
	startFeed(t, h, ":18291")

	cfg := DefaultConfig("ws://localhost:18291/ws/hardware/sim-2")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c, err := New(cfg, WithLogger(log.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "heartbeats", func() bool {
		n := 0
		for _, typ := range h.types() {
			if typ == protocol.TypeHeartbeat {
				n++
			}
		}
		return n >= 2
	})
}

func TestReconnectsAfterDrop(t *testing.T) {
	h := &frames{}
	feed := startFeed(t, h, ":18292")

	cfg := DefaultConfig("ws://localhost:18292/ws/hardware/sim-3")
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.HeartbeatInterval = 0
	reconnected := make(chan struct{}, 4)
	c, err := New(cfg, WithLogger(log.Discard()), WithConnectHandler(func() { reconnected <- struct{}{} }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	<-reconnected
	waitFor(t, "device registered", func() bool { return feed.Device("sim-3") != nil })
	feed.Device("sim-3").Conn.Close()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if c.Connects() != 2 {
		t.Errorf("Connects() = %d, want 2", c.Connects())
	}
	waitFor(t, "connected", c.Connected)
	if err := c.Send(protocol.VoiceActivityEnd{}); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	waitFor(t, "frame after reconnect", func() bool { return len(h.types()) == 1 })
}
