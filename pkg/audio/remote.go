package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-puertocho/internal/httpc"
)

// RemoteProcessor sends recordings to the remote assistant backend as
// multipart/form-data (fields: audio, metadata, context).
type RemoteProcessor struct {
	BaseURL string
	Client  *http.Client
	Retry   httpc.Retry
}

// NewRemoteProcessor creates a processor for the backend at baseURL.
func NewRemoteProcessor(baseURL string, timeout time.Duration) *RemoteProcessor {
	return &RemoteProcessor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpc.NewClient(timeout),
		Retry:   httpc.DefaultRetry,
	}
}

type remoteResponse struct {
	Success       *bool   `json:"success"`
	Transcription string  `json:"transcription"`
	Text          string  `json:"text"`
	ResponseType  string  `json:"response_type"`
	AudioURL      string  `json:"audio_url"`
	AudioFilename string  `json:"audio_filename"`
	Intent        string  `json:"intent"`
	Confidence    float64 `json:"confidence"`
	Error         string  `json:"error"`
}

// Process implements Processor.
func (p *RemoteProcessor) Process(ctx context.Context, item *Item, data []byte) (*Result, error) {
	body, contentType, err := encodeMultipart(item, data)
	if err != nil {
		return nil, err
	}

	raw, err := httpc.Do(ctx, p.Client, httpc.Request{
		Method:      http.MethodPost,
		URL:         p.BaseURL + "/api/audio/process",
		ContentType: contentType,
		Body:        body,
	}, p.Retry)
	if err != nil {
		return nil, fmt.Errorf("remote backend: %w", err)
	}

	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("remote backend: decode response: %w", err)
	}
	if resp.Success != nil && !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "request failed"
		}
		return nil, errors.New("remote backend: " + msg)
	}

	return &Result{
		Transcript:       resp.Transcription,
		Intent:           resp.Intent,
		Confidence:       resp.Confidence,
		ResponseText:     resp.Text,
		ResponseAudioURL: resp.AudioURL,
		ResponseFilename: resp.AudioFilename,
	}, nil
}

func encodeMultipart(item *Item, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", item.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	meta, err := json.Marshal(map[string]any{
		"id":          item.ID,
		"filename":    item.Filename,
		"duration":    item.Duration,
		"size":        item.Size,
		"sample_rate": item.SampleRate,
		"channels":    item.Channels,
		"received_at": item.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("metadata", string(meta)); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("context", "{}"); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
