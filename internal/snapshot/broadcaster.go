// Package snapshot periodically pushes the sanitized driver map to every
// connected session.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
)

// Source yields the current sanitized view. It must not block on storage.
type Source interface {
	Snapshot() map[string]models.DriverView
}

type Publisher interface {
	Broadcast(event string, data any) int
}

type Broadcaster struct {
	src      Source
	out      Publisher
	interval time.Duration
	logger   *slog.Logger
}

func NewBroadcaster(src Source, out Publisher, interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{src: src, out: out, interval: interval, logger: logging.Component(logger, "snapshot")}
}

// Run ticks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	b.logger.Info("snapshot broadcaster started", slog.Duration("interval", b.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Tick()
		}
	}
}

// Tick sends one updateDrivers round and returns how many sessions got it.
func (b *Broadcaster) Tick() int {
	start := time.Now()
	view := b.src.Snapshot()
	n := b.out.Broadcast(models.EventUpdateDrivers, view)
	observability.SnapshotDuration.Observe(time.Since(start).Seconds())
	return n
}
