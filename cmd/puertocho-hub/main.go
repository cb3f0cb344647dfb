// puertocho-hub: real-time hub between the voice assistant hardware and
// the dashboard. Owns the assistant state, the audio queue and the
// verification archive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/teslashibe/go-puertocho/internal/config"
	"github.com/teslashibe/go-puertocho/internal/log"
	"github.com/teslashibe/go-puertocho/pkg/archive"
	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/bridge"
	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/hub"
	"github.com/teslashibe/go-puertocho/pkg/metrics"
	"github.com/teslashibe/go-puertocho/pkg/mqttsource"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
	"github.com/teslashibe/go-puertocho/pkg/reconciler"
	"github.com/teslashibe/go-puertocho/pkg/server"
)

const remoteTimeout = 60 * time.Second

var (
	version = "1.0.0"
	port    = flag.Int("port", 0, "HTTP server port (overrides PORT)")
	debug   = flag.Bool("debug", false, "Enable debug logging and request logs")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)
	logger := log.L()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("🎙️  Puertocho Hub v" + version)
	fmt.Println("   Voice assistant state and audio hub")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// State and dashboard fan-out. The hub reads snapshots from the
	// reconciler and the reconciler publishes through the hub, so the
	// publisher is wired after both exist.
	state := reconciler.New(
		reconciler.WithLogger(log.Component("reconciler")),
		reconciler.WithTransitionHook(m.Transition),
	)
	dashboard := hub.New("dashboard",
		hub.WithStateSource(state),
		hub.WithSendBuffer(cfg.SendBuffer),
		hub.WithObserver(m),
		hub.WithLogger(log.Component("hub")),
	)
	state.SetPublisher(dashboard)

	// Audio pipeline
	var proc audio.Processor = audio.LocalProcessor{}
	if cfg.RemoteBackendURL != "" {
		proc = audio.Chain(audio.LocalProcessor{}, audio.NewRemoteProcessor(cfg.RemoteBackendURL, remoteTimeout))
		logger.Info("remote backend enabled", "url", cfg.RemoteBackendURL)
	}

	queueOpts := []audio.Option{
		audio.WithPublisher(dashboard),
		audio.WithSink(state),
		audio.WithMaxQueued(cfg.MaxQueued),
		audio.WithCommandLog(audio.NewCommandLog(cfg.CommandLogSize)),
		audio.WithObserver(m),
		audio.WithLogger(log.Component("audio")),
	}

	var store *archive.Store
	if cfg.VerificationEnabled {
		var err error
		store, err = archive.New(cfg.ArchiveDir,
			archive.WithRetentionDays(cfg.VerificationDays),
			archive.WithMaxFiles(cfg.VerificationMax),
			archive.WithCleanupInterval(cfg.CleanupInterval),
			archive.WithSweepHook(m.Sweep),
			archive.WithLogger(log.Component("archive")),
		)
		if err != nil {
			logger.Error("audio verification archive unavailable", "dir", cfg.ArchiveDir, "error", err)
			os.Exit(1)
		}
		queueOpts = append(queueOpts, audio.WithArchive(store, func(name string) string {
			return cfg.PublicBaseURL + "/audio/files/" + name
		}))
		m.GaugeFunc("archive_files", "Files in the verification archive", func() float64 {
			st, err := store.Stats()
			if err != nil {
				return 0
			}
			return float64(st.Files)
		})
	}

	queue := audio.NewQueue(proc, queueOpts...)
	state.SetQueue(queue)
	m.GaugeFunc("audio_queue_length", "Audio items waiting to be processed", func() float64 {
		return float64(queue.Summary().QueueLength)
	})

	// Hardware side. The bridge is the handler for every ingress, and
	// every ingress that can carry a press back to the device is also
	// one of its forwarders.
	hwClient := hardware.NewClient(cfg.HardwareURL, hardware.WithClientLogger(log.Component("hardware")))

	var br *bridge.Bridge
	feed := hardware.NewFeed(nil,
		hardware.WithBaseContext(ctx),
		hardware.WithFeedLogger(log.Component("feed")),
		hardware.WithConnectHooks(
			func(deviceID string) { br.MarkAlive() },
			func(deviceID string) { logger.Info("hardware device left", "device", deviceID) },
		),
	)
	m.GaugeFunc("hardware_devices", "Devices connected to the hardware feed", func() float64 {
		return float64(feed.DeviceCount())
	})

	forwarders := []bridge.Forwarder{
		bridge.FeedForwarder{Feed: feed},
		bridge.HTTPForwarder{Client: hwClient},
	}

	var mqttSrc *mqttsource.Source
	if cfg.MQTTEnabled() {
		mcfg := mqttsource.DefaultConfig(cfg.MQTTBroker)
		mcfg.ClientID = cfg.MQTTClientID
		mcfg.Username = cfg.MQTTUsername
		mcfg.Password = cfg.MQTTPassword
		mcfg.EventTopic = cfg.MQTTEventTopic
		mcfg.AudioTopic = cfg.MQTTAudioTopic
		mcfg.CommandTopic = cfg.MQTTCommandTopic

		handler := hardware.HandlerFunc(func(ctx context.Context, deviceID string, frame protocol.HardwareFrame) error {
			return br.HandleHardwareMessage(ctx, deviceID, frame)
		})
		var err error
		mqttSrc, err = mqttsource.New(mcfg, handler, mqttsource.WithLogger(log.Component("mqtt")))
		if err != nil {
			logger.Error("mqtt ingress unavailable", "error", err)
			os.Exit(1)
		}
		forwarders = append(forwarders, mqttSrc)
	}

	br = bridge.New(state,
		bridge.WithPublisher(dashboard),
		bridge.WithAudio(queue),
		bridge.WithForwarders(forwarders...),
		bridge.WithHealthCheck(hwClient, cfg.HealthCheckInterval),
		bridge.WithHeartbeatTimeout(cfg.HealthTimeout),
		bridge.WithLogger(log.Component("bridge")),
	)
	feed.SetHandler(br)
	dashboard.SetInboundHandler(br)

	srvOpts := []server.Option{
		server.WithHardwareClient(hwClient),
		server.WithFeed(feed),
		server.WithMetrics(m),
		server.WithBaseContext(ctx),
		server.WithLogger(log.Component("http")),
	}
	if store != nil {
		srvOpts = append(srvOpts, server.WithArchive(store))
	}
	server.Version = version
	srv := server.New(server.Config{Port: cfg.Port, Debug: *debug || cfg.LogLevel == "debug"}, dashboard, state, queue, br, srvOpts...)

	// Background workers
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug("worker stopped", "worker", name)
		}()
	}
	run("hub", dashboard.Run)
	run("audio", queue.Run)
	run("watchdog", br.Run)
	if store != nil {
		run("archive", store.Run)
	}
	if mqttSrc != nil {
		run("mqtt", func(ctx context.Context) {
			if err := mqttSrc.Run(ctx); err != nil {
				logger.Error("mqtt ingress stopped", "error", err)
			}
		})
	}

	go func() {
		if err := srv.Listen(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("hub started",
		"port", cfg.Port,
		"hardware_url", cfg.HardwareURL,
		"verification", cfg.VerificationEnabled,
		"mqtt", cfg.MQTTEnabled())

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop in time")
	}

	logger.Info("goodbye")
}
