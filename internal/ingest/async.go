package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/observability"
)

// AsyncSink hands events to a background publisher so callers never wait on
// the broker. Events are dropped when the buffer is full.
type AsyncSink struct {
	next    Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncSink(next Sink, buffer int, timeout time.Duration, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	a := &AsyncSink{
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		logger:  logging.Component(logger, "event_sink"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) Publish(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- e:
	default:
		observability.EventsPublished.WithLabelValues(e.Type, "dropped").Inc()
		a.logger.Warn("event buffer full, dropping", "type", e.Type, "driver_id", e.DriverID)
	}
	return nil
}

// Close flushes buffered events and stops the publisher goroutine.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, e)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(e.Type, "error").Inc()
			a.logger.Error("publish event failed", "type", e.Type, "driver_id", e.DriverID, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(e.Type, "ok").Inc()
	}
}
