// Package server exposes the hub over HTTP: the dashboard WebSocket, the
// hardware feed, the REST ingest and simulation endpoints and /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-puertocho/pkg/archive"
	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/bridge"
	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/hub"
	"github.com/teslashibe/go-puertocho/pkg/metrics"
	"github.com/teslashibe/go-puertocho/pkg/reconciler"
)

// Version is reported by GET /health.
var Version = "dev"

// DefaultBodyLimit allows a few minutes of 16 kHz mono PCM, base64 encoded.
const DefaultBodyLimit = 32 * 1024 * 1024

// Config configures the HTTP surface.
type Config struct {
	Port      int
	Debug     bool
	BodyLimit int
}

// Option configures a Server.
type Option func(*Server)

// WithHardwareClient enables the hardware control and status routes.
func WithHardwareClient(c *hardware.Client) Option {
	return func(s *Server) {
		s.hw = c
	}
}

// WithFeed mounts the hardware WebSocket feed and its device routes.
func WithFeed(f *hardware.Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// WithArchive serves archived recordings under /audio/files.
func WithArchive(a *archive.Store) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBaseContext sets the context handed to WebSocket handlers.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.ctx = ctx
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is the hub's HTTP server.
type Server struct {
	app *fiber.App
	cfg Config

	hub    *hub.Hub
	state  *reconciler.Reconciler
	queue  *audio.Queue
	bridge *bridge.Bridge

	hw      *hardware.Client
	feed    *hardware.Feed
	archive *archive.Store
	metrics *metrics.Metrics

	ctx     context.Context
	started time.Time
	logger  *slog.Logger
}

// New builds the fiber app and registers every route.
func New(cfg Config, h *hub.Hub, state *reconciler.Reconciler, q *audio.Queue, b *bridge.Bridge, opts ...Option) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	s := &Server{
		cfg:     cfg,
		hub:     h,
		state:   state,
		queue:   q,
		bridge:  b,
		ctx:     context.Background(),
		started: time.Now(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	app := fiber.New(fiber.Config{
		AppName:               "puertocho-hub",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)

	app.Post("/hardware/audio", s.handleAudioUpload)
	app.Post("/hardware/events", s.handleHardwareEvent)
	app.Post("/hardware/status", s.handleHardwareStatusPush)
	app.Get("/audio/status", s.handleAudioStatus)
	app.Get("/audio/files/:name", s.handleAudioFile)

	app.Post("/simulate/command", s.handleSimulateCommand)
	app.Post("/simulate/status", s.handleSimulateStatus)
	app.Post("/button/simulate", s.handleButtonSimulate)

	api := app.Group("/api/v1")
	api.Get("/state", s.handleState)
	api.Get("/commands", s.handleCommands)
	api.Get("/connections", s.handleConnections)
	api.Get("/archive", s.handleArchive)
	api.Get("/hardware/status", s.handleHardwareStatus)
	api.Post("/hardware/status", s.handleHardwareStatusPush)
	api.Post("/audio/process", s.handleAudioUpload)
	api.Post("/control/hardware", s.handleHardwareControl)

	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	if s.feed != nil {
		s.feed.RegisterRoutes(app)
		s.feed.RegisterAPIRoutes(api)
	}

	app.Use("/ws", hub.UpgradeRequired)
	app.Get("/ws", s.hub.Handler(s.ctx))

	s.app = app
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("http server listening",
		"addr", addr,
		"dashboard", fmt.Sprintf("ws://localhost:%d/ws", s.cfg.Port),
		"hardware_feed", fmt.Sprintf("ws://localhost:%d/ws/hardware", s.cfg.Port))
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for handlers up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders every error as {"error": "..."}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
