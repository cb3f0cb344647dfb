// Package httpc provides a shared HTTP client with sensible defaults
// plus a small retrying request helper used by the collaborator clients.
package httpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Default timeouts for HTTP operations.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
)

// Client is a shared HTTP client with production-ready defaults.
var Client = NewClient(DefaultTimeout)

// NewClient creates a new HTTP client with the specified timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Retry controls how Do retries failed requests.
type Retry struct {
	Attempts  int           // total attempts, minimum 1
	BaseDelay time.Duration // first backoff, doubled per attempt
	MaxDelay  time.Duration
}

// DefaultRetry matches the hardware client: 3 attempts, 1s doubling backoff.
var DefaultRetry = Retry{Attempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second}

// NoRetry performs a single attempt.
var NoRetry = Retry{Attempts: 1}

// Backoff returns the delay before attempt n (0-based retry index).
func (r Retry) Backoff(n int) time.Duration {
	d := r.BaseDelay << n
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		d = r.MaxDelay
	}
	return d
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Request describes a single logical call.
type Request struct {
	Method      string
	URL         string
	ContentType string
	Body        []byte
}

// Do executes req with retries and returns the response body.
// Transport errors and retryable status codes are retried with
// exponential backoff; context cancellation stops immediately.
func Do(ctx context.Context, client *http.Client, req Request, retry Retry) ([]byte, error) {
	if client == nil {
		client = Client
	}
	attempts := retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.Backoff(i - 1)):
			}
		}

		body, err := doOnce(ctx, client, req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func doOnce(ctx context.Context, client *http.Client, r Request) ([]byte, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// DoJSON marshals in (if non-nil), executes the request and decodes the
// response into out (if non-nil).
func DoJSON(ctx context.Context, client *http.Client, method, url string, in, out any, retry Retry) error {
	req := Request{Method: method, URL: url}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Body = b
		req.ContentType = "application/json"
	}

	data, err := Do(ctx, client, req, retry)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
