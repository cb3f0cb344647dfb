package audio

import (
	"context"
	"errors"
)

// Result is what a processor learned about a recording.
type Result struct {
	QualityScore *float64
	VolumeDB     *float64
	Transcript   string
	Intent       string
	Confidence   float64

	// Assistant reply, broadcast as assistant_response when non-empty.
	ResponseText     string
	ResponseAudioURL string
	ResponseFilename string
}

// Processor transcribes and scores one recording. Implementations must
// honor ctx cancellation.
type Processor interface {
	Process(ctx context.Context, item *Item, data []byte) (*Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item *Item, data []byte) (*Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item *Item, data []byte) (*Result, error) {
	return f(ctx, item, data)
}

// Chain runs processors in order and merges their results. Later
// processors override earlier non-empty fields. The first error aborts.
func Chain(ps ...Processor) Processor {
	return chain(ps)
}

type chain []Processor

func (c chain) Process(ctx context.Context, item *Item, data []byte) (*Result, error) {
	if len(c) == 0 {
		return nil, errors.New("no processors configured")
	}
	merged := &Result{}
	for _, p := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := p.Process(ctx, item, data)
		if err != nil {
			return nil, err
		}
		merged.merge(r)
	}
	return merged, nil
}

func (r *Result) merge(o *Result) {
	if o == nil {
		return
	}
	if o.QualityScore != nil {
		r.QualityScore = o.QualityScore
	}
	if o.VolumeDB != nil {
		r.VolumeDB = o.VolumeDB
	}
	if o.Transcript != "" {
		r.Transcript = o.Transcript
	}
	if o.Intent != "" {
		r.Intent = o.Intent
	}
	if o.Confidence != 0 {
		r.Confidence = o.Confidence
	}
	if o.ResponseText != "" {
		r.ResponseText = o.ResponseText
	}
	if o.ResponseAudioURL != "" {
		r.ResponseAudioURL = o.ResponseAudioURL
	}
	if o.ResponseFilename != "" {
		r.ResponseFilename = o.ResponseFilename
	}
}
