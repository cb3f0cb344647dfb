package bridge

import (
	"context"
	"time"

	"github.com/teslashibe/go-puertocho/pkg/event"
	"github.com/teslashibe/go-puertocho/pkg/protocol"
	"github.com/teslashibe/go-puertocho/pkg/reconciler"
)

// MarkAlive records a heartbeat. A heartbeat while unreachable, or while
// the assistant is in error, emits health_change recovered.
func (b *Bridge) MarkAlive() {
	now := b.now()
	b.lastBeat.Store(now.UnixNano())
	b.state.Heartbeat(now)

	wasDown := b.unreachable.Swap(false)
	if !wasDown && b.state.State() != reconciler.Error {
		return
	}
	if wasDown {
		b.logger.Info("hardware reachable again")
		b.publishEvent(protocol.HardwareEventPayload{
			EventType: string(event.HealthChange),
			Source:    event.SourceWatchdog,
			Health:    string(event.Recovered),
		})
	}
	if err := b.apply(event.NewHealthChange(event.SourceWatchdog, event.Recovered, now)); err != nil {
		b.logger.Warn("recovery not applied", "error", err)
	}
}

// Unreachable reports whether the watchdog considers the hardware gone.
func (b *Bridge) Unreachable() bool {
	return b.unreachable.Load()
}

// LastHeartbeat returns when the hardware was last heard from.
func (b *Bridge) LastHeartbeat() time.Time {
	return time.Unix(0, b.lastBeat.Load())
}

// Run polls hardware health and enforces the heartbeat timeout until ctx
// is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	interval := b.healthInterval
	if interval > b.heartbeatTimeout {
		interval = b.heartbeatTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("health watchdog started", "timeout", b.heartbeatTimeout, "interval", interval, "polling", b.health != nil)
	for {
		select {
		case <-ctx.Done():
			b.stopHandoff()
			return
		case <-ticker.C:
			b.poll(ctx, interval)
			b.checkLiveness()
		}
	}
}

func (b *Bridge) poll(ctx context.Context, timeout time.Duration) {
	if b.health == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := b.health.Health(cctx)
	if err != nil {
		b.logger.Debug("hardware health check failed", "error", err)
		return
	}
	if !h.Healthy() {
		b.logger.Debug("hardware reports unhealthy", "status", h.Status)
		return
	}
	b.MarkAlive()
}

// checkLiveness emits health_change unreachable once per outage.
func (b *Bridge) checkLiveness() {
	now := b.now()
	last := time.Unix(0, b.lastBeat.Load())
	if now.Sub(last) <= b.heartbeatTimeout {
		return
	}
	if b.unreachable.Swap(true) {
		return
	}
	// A heartbeat may have landed between the first read and the swap.
	if last = time.Unix(0, b.lastBeat.Load()); now.Sub(last) <= b.heartbeatTimeout {
		b.unreachable.Store(false)
		return
	}

	b.logger.Warn("hardware unreachable", "last_heartbeat", last, "timeout", b.heartbeatTimeout)
	b.publishEvent(protocol.HardwareEventPayload{
		EventType: string(event.HealthChange),
		Source:    event.SourceWatchdog,
		Health:    string(event.Unreachable),
	})
	if err := b.apply(event.NewHealthChange(event.SourceWatchdog, event.Unreachable, now)); err != nil {
		b.logger.Warn("unreachable not applied", "error", err)
	}
}
