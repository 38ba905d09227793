package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/observability"
)

type writeOp struct {
	driverID string
	fields   Fields
	op       string
}

// Writer applies upserts asynchronously. Writes for one driver always land
// on the same shard, so they reach the store in submission order.
type Writer struct {
	store    DriverStore
	shards   []chan writeOp
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type WriterConfig struct {
	Shards    int
	QueueSize int
	Timeout   time.Duration
	Attempts  int
	Backoff   time.Duration
}

func NewWriter(store DriverStore, cfg WriterConfig, logger *slog.Logger) *Writer {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	w := &Writer{
		store:    store,
		shards:   make([]chan writeOp, cfg.Shards),
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   logging.Component(logger, "store_writer"),
	}
	for i := range w.shards {
		w.shards[i] = make(chan writeOp, cfg.QueueSize)
		w.wg.Add(1)
		go w.run(w.shards[i])
	}
	return w
}

// Upsert enqueues a write and returns immediately. A full queue drops the
// write; in-memory state stays authoritative either way.
func (w *Writer) Upsert(driverID, op string, fields Fields) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("write after close dropped", "driver_id", driverID, "op", op)
		return
	}
	select {
	case w.shards[w.shardFor(driverID)] <- writeOp{driverID: driverID, fields: fields, op: op}:
	default:
		observability.StoreQueueDropped.Inc()
		w.logger.Error("store queue full, write dropped", "driver_id", driverID, "op", op)
	}
}

// Close stops accepting writes and waits for queued ones to finish.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, ch := range w.shards {
			close(ch)
		}
		w.mu.Unlock()
		w.wg.Wait()
	})
}

func (w *Writer) shardFor(driverID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(driverID))
	return int(h.Sum32() % uint32(len(w.shards)))
}

func (w *Writer) run(ch <-chan writeOp) {
	defer w.wg.Done()
	for op := range ch {
		if err := w.apply(op); err != nil {
			observability.StoreWrites.WithLabelValues("error").Inc()
			w.logger.Error("durable write failed", "driver_id", op.driverID, "op", op.op, "error", err)
			continue
		}
		observability.StoreWrites.WithLabelValues("ok").Inc()
	}
}

// apply retries with exponential backoff; every attempt has its own timeout.
func (w *Writer) apply(op writeOp) error {
	delay := w.backoff
	var err error
	for i := 0; i < w.attempts; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err = w.store.UpsertDriver(ctx, op.driverID, op.fields)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnknownField) || i == w.attempts-1 {
			break
		}
		w.logger.Warn("durable write retry", "driver_id", op.driverID, "op", op.op, "attempt", i+1, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
