package server

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-puertocho/pkg/archive"
	"github.com/teslashibe/go-puertocho/pkg/audio"
	"github.com/teslashibe/go-puertocho/pkg/bridge"
	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ingest *audio.IngestionError
	var perr *protocol.ProtocolError
	var apiErr *hardware.APIError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &ingest), errors.As(err, &perr),
		errors.Is(err, event.ErrInvalidEvent), errors.Is(err, bridge.ErrUnsupportedCommand),
		errors.Is(err, archive.ErrInvalidName):
		return fiber.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, audio.ErrQueueFull):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrHardwareUnreachable), errors.As(err, &apiErr):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"service":     "puertocho-hub",
		"version":     Version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"state":       s.state.State(),
		"connections": s.hub.ClientCount(),
		"hardware": fiber.Map{
			"reachable":      !s.bridge.Unreachable(),
			"last_heartbeat": s.bridge.LastHeartbeat(),
		},
		"audio": s.queue.Summary(),
	})
}

// handleAudioUpload accepts a multipart "audio" file with optional form
// metadata, or a JSON audio_captured body with base64 data.
func (s *Server) handleAudioUpload(c *fiber.Ctx) error {
	var (
		data []byte
		meta audio.Metadata
		err  error
	)
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		data, meta, err = readMultipartAudio(c)
	} else {
		data, meta, err = readJSONAudio(c)
	}
	if err != nil {
		return badRequest(c, err.Error())
	}

	item, err := s.bridge.SubmitAudio(c.UserContext(), data, meta)
	if err != nil {
		s.logger.Warn("audio upload rejected", "filename", meta.Filename, "error", err)
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "queued",
		"message": "Audio received and queued for processing",
		"item":    item,
	})
}

func readMultipartAudio(c *fiber.Ctx) ([]byte, audio.Metadata, error) {
	fh, err := c.FormFile("audio")
	if err != nil {
		return nil, audio.Metadata{}, errors.New("multipart field 'audio' is required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, audio.Metadata{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, audio.Metadata{}, err
	}

	meta := audio.Metadata{
		Filename:  c.FormValue("filename", fh.Filename),
		RequestID: c.FormValue("request_id"),
		Source:    c.FormValue("source"),
	}
	if meta.SampleRate, err = formInt(c, "sample_rate"); err != nil {
		return nil, meta, err
	}
	if meta.Channels, err = formInt(c, "channels"); err != nil {
		return nil, meta, err
	}
	if v := c.FormValue("duration"); v != "" {
		if meta.Duration, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, meta, errors.New("duration must be a number")
		}
	}
	return data, meta, nil
}

func formInt(c *fiber.Ctx, key string) (int, error) {
	v := c.FormValue(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func readJSONAudio(c *fiber.Ctx) ([]byte, audio.Metadata, error) {
	var body protocol.AudioCaptured
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return nil, audio.Metadata{}, errors.New("body must be multipart or JSON")
	}
	data, err := body.Audio()
	if err != nil {
		return nil, audio.Metadata{}, errors.New("data is not valid base64")
	}
	return data, audio.Metadata{
		Filename:   body.Name(),
		SampleRate: body.SampleRate,
		Channels:   body.Channels,
		Duration:   body.Duration,
		RequestID:  body.RequestID,
	}, nil
}

func (s *Server) handleHardwareEvent(c *fiber.Ctx) error {
	msg, err := protocol.ParseMessage(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := s.bridge.HandleEvent(c.UserContext(), msg); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status":     "processed",
		"event_type": msg.Type,
	})
}

func (s *Server) handleAudioStatus(c *fiber.Ctx) error {
	return c.JSON(s.queue.Status())
}

func (s *Server) handleAudioFile(c *fiber.Ctx) error {
	if s.archive == nil {
		return fiber.NewError(fiber.StatusNotFound, "audio verification disabled")
	}
	f, rec, err := s.archive.Open(c.Params("name"))
	if err != nil {
		return fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "audio/wav")
	c.Set(fiber.HeaderContentDisposition, `inline; filename="`+rec.Name+`"`)
	return c.SendStream(f, int(rec.Size))
}

type commandRequest struct {
	Command string `json:"command"`
	Text    string `json:"text"`
}

func (s *Server) handleSimulateCommand(c *fiber.Ctx) error {
	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	text := strings.TrimSpace(req.Command)
	if text == "" {
		text = strings.TrimSpace(req.Text)
	}
	if text == "" {
		return badRequest(c, "command is required")
	}
	entry := s.queue.AddCommand(text)
	return c.JSON(fiber.Map{"status": "ok", "entry": entry})
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSimulateStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	changed, err := s.bridge.SimulateStatus(req.Status)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "state": req.Status, "changed": changed})
}

func (s *Server) handleButtonSimulate(c *fiber.Ctx) error {
	var req protocol.ButtonSimulation
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Duration < 0 {
		return badRequest(c, "duration must be >= 0")
	}
	via, err := s.bridge.SimulateButton(c.UserContext(), req.EventType, req.Duration)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status":     "ok",
		"event_type": req.EventType,
		"duration":   req.Duration,
		"delivered":  via,
	})
}

func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "success",
		"state":   s.state.Snapshot(),
		"history": s.state.History(),
	})
}

func (s *Server) handleCommands(c *fiber.Ctx) error {
	entries := s.queue.Commands().Entries()
	return c.JSON(fiber.Map{"commands": entries, "count": len(entries)})
}

func (s *Server) handleConnections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connections": s.hub.Connections(),
		"stats":       s.hub.Stats(),
	})
}

func (s *Server) handleArchive(c *fiber.Ctx) error {
	if s.archive == nil {
		return c.JSON(fiber.Map{"enabled": false})
	}
	stats, err := s.archive.Stats()
	if err != nil {
		return fail(c, err)
	}
	cfg := s.archive.Config()
	return c.JSON(fiber.Map{
		"enabled":        true,
		"stats":          stats,
		"retention_days": cfg.RetentionDays,
		"max_files":      cfg.MaxFiles,
	})
}

func (s *Server) handleHardwareStatus(c *fiber.Ctx) error {
	out := fiber.Map{
		"reachable":      !s.bridge.Unreachable(),
		"last_heartbeat": s.bridge.LastHeartbeat(),
	}
	if s.feed != nil {
		out["feed"] = s.feed.Stats()
	}
	if s.hw != nil {
		if h, err := s.hw.Health(c.UserContext()); err == nil {
			out["health"] = h
		} else {
			out["health_error"] = err.Error()
		}
	}
	return c.JSON(out)
}

// handleHardwareStatusPush accepts the status document the hardware
// service posts periodically.
func (s *Server) handleHardwareStatusPush(c *fiber.Ctx) error {
	var status map[string]any
	if err := c.BodyParser(&status); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	device, _ := status["device_id"].(string)
	if device == "" {
		device = c.IP()
	}
	s.bridge.ReportStatus(device, status)
	return c.JSON(fiber.Map{
		"status":         "received",
		"last_heartbeat": s.bridge.LastHeartbeat(),
	})
}

type controlRequest struct {
	Type string `json:"type"`

	State string `json:"state"`

	EventType string  `json:"event_type"`
	Duration  float64 `json:"duration"`
}

// handleHardwareControl sends led_pattern, state_change or button_simulate
// commands to the hardware service.
func (s *Server) handleHardwareControl(c *fiber.Ctx) error {
	var req controlRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if req.Type == "" {
		return badRequest(c, "command type is required")
	}

	var (
		result any
		err    error
	)
	switch req.Type {
	case "button_simulate":
		var via string
		via, err = s.bridge.SimulateButton(c.UserContext(), req.EventType, req.Duration)
		result = fiber.Map{"delivered": via}
	case "led_pattern", "state_change":
		if s.hw == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "hardware client not configured")
		}
		if req.Type == "led_pattern" {
			var p hardware.LEDPattern
			if err := json.Unmarshal(c.Body(), &p); err != nil {
				return badRequest(c, err.Error())
			}
			if p.PatternType == "" {
				return badRequest(c, "pattern_type is required")
			}
			result, err = s.hw.SetLEDPattern(c.UserContext(), p)
		} else {
			if req.State == "" {
				return badRequest(c, "state is required")
			}
			result, err = s.hw.SetState(c.UserContext(), req.State)
		}
	default:
		return badRequest(c, "unsupported command type: "+req.Type)
	}
	if err != nil {
		s.logger.Warn("hardware control failed", "type", req.Type, "error", err)
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"status":       "success",
		"command_type": req.Type,
		"result":       result,
	})
}
