package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-puertocho/pkg/hardware"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
)

// errNoDevices is returned by the feed forwarder when nothing is connected.
var errNoDevices = errors.New("no hardware feed connected")

// Forwarder delivers a simulated button press to the hardware.
type Forwarder interface {
	Name() string
	ForwardButton(ctx context.Context, kind string, duration float64) error
}

// ForwardChain tries each forwarder in order until one succeeds.
type ForwardChain []Forwarder

// ForwardButton returns the name of the forwarder that delivered the press.
// When all fail the error wraps ErrHardwareUnreachable and every cause.
func (c ForwardChain) ForwardButton(ctx context.Context, kind string, duration float64) (string, error) {
	errs := make([]error, 0, len(c))
	for _, f := range c {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := f.ForwardButton(ctx, kind, duration)
		if err == nil {
			return f.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
	}
	return "", fmt.Errorf("%w: %w", ErrHardwareUnreachable, errors.Join(errs...))
}

// FeedForwarder sends button_event commands down the hardware WebSocket feed.
type FeedForwarder struct {
	Feed *hardware.Feed
}

func (FeedForwarder) Name() string { return "feed" }

func (f FeedForwarder) ForwardButton(_ context.Context, kind string, duration float64) error {
	msg, err := protocol.NewButtonSimulationMessage(kind, duration)
	if err != nil {
		return err
	}
	if f.Feed.Broadcast(msg) == 0 {
		return errNoDevices
	}
	return nil
}

// HTTPForwarder calls POST /button/simulate on the hardware service.
type HTTPForwarder struct {
	Client *hardware.Client
}

func (HTTPForwarder) Name() string { return "http" }

func (h HTTPForwarder) ForwardButton(ctx context.Context, kind string, duration float64) error {
	_, err := h.Client.SimulateButton(ctx, kind, duration)
	return err
}
