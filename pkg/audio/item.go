// Package audio implements the audio ingestion queue: submitted recordings
// are processed strictly one at a time in submission order.
package audio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// Status is an audio item's processing status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Sentinel errors.
var (
	ErrQueueFull = errors.New("audio queue full")
	ErrDuplicate = errors.New("duplicate request id")
	ErrClosed    = errors.New("audio queue closed")
)

// IngestionError rejects a submission before it enters the queue.
type IngestionError struct {
	Field  string
	Reason string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("audio: invalid %s: %s", e.Field, e.Reason)
}

// ProcessingError is recorded on an item whose processing failed.
type ProcessingError struct {
	ItemID string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("audio: processing %s: %v", e.ItemID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Metadata describes a submitted recording.
type Metadata struct {
	Filename   string  `json:"filename"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Duration   float64 `json:"duration"` // seconds
	RequestID  string  `json:"request_id,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Validate checks metadata against the payload.
func (m *Metadata) Validate(payload []byte) error {
	name := strings.TrimSpace(m.Filename)
	if name == "" {
		return &IngestionError{Field: "filename", Reason: "required"}
	}
	if base := filepath.Base(strings.ReplaceAll(name, "\\", "/")); base == "." || base == ".." || base == "/" {
		return &IngestionError{Field: "filename", Reason: "not a file name"}
	}
	if m.Duration < 0 {
		return &IngestionError{Field: "duration", Reason: "must be >= 0"}
	}
	if m.SampleRate < 0 {
		return &IngestionError{Field: "sample_rate", Reason: "must be >= 0"}
	}
	if m.Channels < 0 || m.Channels > 8 {
		return &IngestionError{Field: "channels", Reason: "must be between 0 and 8"}
	}
	if len(payload) == 0 {
		return &IngestionError{Field: "audio", Reason: "empty payload"}
	}
	return nil
}

// Item is one captured utterance.
type Item struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	ReceivedAt   time.Time `json:"received_at"`
	Duration     float64   `json:"duration"`
	Size         int64     `json:"size"`
	Status       Status    `json:"status"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	URL          string    `json:"url,omitempty"`
	Error        string    `json:"error,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	SampleRate   int       `json:"sample_rate,omitempty"`
	Channels     int       `json:"channels,omitempty"`

	CompletedAt time.Time `json:"completed_at,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
}

// Info converts the item to its wire form.
func (it *Item) Info() *protocol.AudioInfo {
	return &protocol.AudioInfo{
		ID:           it.ID,
		Filename:     it.Filename,
		Timestamp:    it.ReceivedAt.UnixMilli(),
		Duration:     it.Duration,
		Size:         it.Size,
		Status:       string(it.Status),
		QualityScore: it.QualityScore,
		URL:          it.URL,
		Error:        it.Error,
	}
}

func (it *Item) clone() *Item {
	c := *it
	if it.QualityScore != nil {
		q := *it.QualityScore
		c.QualityScore = &q
	}
	return &c
}
