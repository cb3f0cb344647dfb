// Package hardware talks to the appliance's hardware service: an HTTP
// control API and a WebSocket event feed the hardware pushes into.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-puertocho/internal/httpc"
)

// DefaultURL is the hardware service address inside the compose network.
const DefaultURL = "http://hardware:8080"

// APIError wraps a failed call to the hardware service.
type APIError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hardware: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of the failure, or 0 for transport errors.
func (e *APIError) StatusCode() int {
	var se *httpc.StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}

// Health is the response of GET /health.
type Health struct {
	Status  string         `json:"status"`
	Version string         `json:"version,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Healthy reports whether the service declared itself healthy.
func (h Health) Healthy() bool {
	switch strings.ToLower(h.Status) {
	case "healthy", "ok":
		return true
	}
	return false
}

// LEDPattern is the body of POST /led/pattern.
type LEDPattern struct {
	PatternType string   `json:"pattern_type"`
	Color       string   `json:"color,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	Brightness  *int     `json:"brightness,omitempty"`
}

// Client calls the hardware HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   httpc.Retry
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithRetry overrides the retry policy.
func WithRetry(r httpc.Retry) ClientOption {
	return func(cl *Client) {
		cl.retry = r
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = l
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpc.NewClient(30 * time.Second),
		retry:   httpc.DefaultRetry,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) call(ctx context.Context, method, endpoint string, in, out any, retry httpc.Retry) error {
	err := httpc.DoJSON(ctx, c.http, method, c.baseURL+endpoint, in, out, retry)
	if err != nil {
		c.logger.Debug("hardware call failed", "method", method, "endpoint", endpoint, "error", err)
		return &APIError{Method: method, Endpoint: endpoint, Err: err}
	}
	c.logger.Debug("hardware call", "method", method, "endpoint", endpoint)
	return nil
}

// Health fetches GET /health. It is not retried; the caller polls.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.call(ctx, http.MethodGet, "/health", nil, &h, httpc.NoRetry)
	return h, err
}

// Available reports whether the hardware answers and is healthy.
func (c *Client) Available(ctx context.Context) bool {
	h, err := c.Health(ctx)
	return err == nil && h.Healthy()
}

// State fetches the hardware state machine's current view.
func (c *Client) State(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, http.MethodGet, "/state", nil, &out, c.retry)
	return out, err
}

// SetState forces the hardware state (testing aid).
func (c *Client) SetState(ctx context.Context, state string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, http.MethodPost, "/state", map[string]string{"state": state}, &out, c.retry)
	return out, err
}

// SimulateButton posts a simulated button event. duration is in seconds;
// zero omits it.
func (c *Client) SimulateButton(ctx context.Context, eventType string, duration float64) (map[string]any, error) {
	body := map[string]any{"event_type": eventType}
	if duration > 0 {
		body["duration"] = duration
	}
	var out map[string]any
	err := c.call(ctx, http.MethodPost, "/button/simulate", body, &out, c.retry)
	return out, err
}

// SetLEDPattern changes the LED pattern.
func (c *Client) SetLEDPattern(ctx context.Context, p LEDPattern) (map[string]any, error) {
	if p.PatternType == "" {
		return nil, &APIError{Method: http.MethodPost, Endpoint: "/led/pattern", Err: errors.New("pattern_type required")}
	}
	var out map[string]any
	err := c.call(ctx, http.MethodPost, "/led/pattern", p, &out, c.retry)
	return out, err
}

// Metrics fetches the hardware's system metrics.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, http.MethodGet, "/metrics", nil, &out, c.retry)
	return out, err
}
