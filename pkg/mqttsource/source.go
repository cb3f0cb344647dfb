// Package mqttsource ingests hardware events and recordings published over
// MQTT and sends simulated button presses back on a command topic.
package mqttsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds broker and topic settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// EventTopic carries protocol envelopes, e.g. "puertocho/+/events".
	EventTopic string
	// AudioTopic carries audio_captured bodies, e.g. "puertocho/+/audio".
	AudioTopic string
	// CommandTopic receives button simulations for the hardware.
	CommandTopic string

	QoS            byte
	ConnectTimeout time.Duration
	// RetryInterval spaces connection attempts while the broker is down.
	RetryInterval time.Duration
}

// DefaultConfig returns the topic layout used by the appliance.
func DefaultConfig(broker string) Config {
	return Config{
		Broker:         broker,
		ClientID:       "puertocho-hub",
		EventTopic:     "puertocho/+/events",
		AudioTopic:     "puertocho/+/audio",
		CommandTopic:   "puertocho/hardware/command",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
		RetryInterval:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt: broker is required")
	}
	if c.EventTopic == "" && c.AudioTopic == "" {
		return errors.New("mqtt: at least one of event or audio topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: invalid qos %d", c.QoS)
	}
	return nil
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// WithClient injects a paho client instead of building one from Config.
func WithClient(c mqtt.Client) Option {
	return func(s *Source) {
		s.client = c
	}
}

// Source bridges MQTT topics to a hardware.Handler.
type Source struct {
	cfg     Config
	client  mqtt.Client
	handler hardware.Handler
	ctx     context.Context
	logger  *slog.Logger
}

// New creates a source. It does not connect.
func New(cfg Config, handler hardware.Handler, opts ...Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Source{
		cfg:     cfg,
		handler: handler,
		ctx:     context.Background(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = mqtt.NewClient(s.clientOptions())
	}
	return s, nil
}

func (s *Source) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	// Keep trying when the broker is not up yet at startup.
	opts.SetConnectRetry(true)
	if s.cfg.RetryInterval > 0 {
		opts.SetConnectRetryInterval(s.cfg.RetryInterval)
	}
	// Clean sessions drop subscriptions; subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Info("mqtt connected", "broker", s.cfg.Broker)
		if err := s.subscribe(); err != nil {
			s.logger.Error("mqtt subscribe failed", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})
	return opts
}

// Run connects and blocks until ctx is cancelled, then disconnects. A
// broker that is not reachable yet is retried in the background.
func (s *Source) Run(ctx context.Context) error {
	s.ctx = ctx
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		s.logger.Warn("mqtt broker not reachable, retrying", "broker", s.cfg.Broker, "interval", s.cfg.RetryInterval)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s: %w", s.cfg.Broker, err)
	}

	<-ctx.Done()
	s.client.Disconnect(250)
	s.logger.Info("mqtt disconnected")
	return nil
}

func (s *Source) subscribe() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{s.cfg.EventTopic, s.handleEvent},
		{s.cfg.AudioTopic, s.handleAudio},
	}
	for _, sub := range subs {
		if sub.topic == "" {
			continue
		}
		token := s.client.Subscribe(sub.topic, s.cfg.QoS, sub.handler)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", sub.topic, token.Error())
		}
		s.logger.Info("mqtt subscribed", "topic", sub.topic)
	}
	return nil
}

func (s *Source) handleEvent(_ mqtt.Client, msg mqtt.Message) {
	device := deviceID(msg.Topic())
	frame, err := protocol.DecodeHardware(msg.Payload())
	if err != nil {
		s.logger.Warn("mqtt: rejected event", "topic", msg.Topic(), "error", err)
		return
	}
	s.deliver(device, *frame)
}

func (s *Source) handleAudio(_ mqtt.Client, msg mqtt.Message) {
	device := deviceID(msg.Topic())

	var body protocol.AudioCaptured
	if err := json.Unmarshal(msg.Payload(), &body); err != nil {
		s.logger.Warn("mqtt: malformed audio", "topic", msg.Topic(), "error", err)
		return
	}
	if body.Name() == "" {
		body.Filename = fmt.Sprintf("%s_%d.wav", device, time.Now().UnixMilli())
	}
	env, err := protocol.EncodeHardware(body)
	if err != nil {
		s.logger.Error("mqtt: encode audio", "error", err)
		return
	}
	frame, err := protocol.HardwareFrom(env)
	if err != nil {
		s.logger.Warn("mqtt: rejected audio", "topic", msg.Topic(), "error", err)
		return
	}
	s.deliver(device, *frame)
}

func (s *Source) deliver(device string, frame protocol.HardwareFrame) {
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleHardwareMessage(s.ctx, device, frame); err != nil {
		s.logger.Warn("mqtt: handler error", "device", device, "type", frame.Message.Type(), "error", err)
	}
}

// Name implements the bridge forwarder interface.
func (s *Source) Name() string { return "mqtt" }

// ForwardButton publishes a button simulation on the command topic.
func (s *Source) ForwardButton(ctx context.Context, kind string, duration float64) error {
	if s.cfg.CommandTopic == "" {
		return errors.New("mqtt: no command topic")
	}
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	msg, err := protocol.NewButtonSimulationMessage(kind, duration)
	if err != nil {
		return err
	}
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	token := s.client.Publish(s.cfg.CommandTopic, s.cfg.QoS, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports the broker connection state.
func (s *Source) IsConnected() bool {
	return s.client.IsConnected()
}

// deviceID extracts the device segment of "<prefix>/<device>/<kind>".
func deviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return "mqtt"
}
