package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-relay/internal/config"
	"github.com/example/ride-relay/internal/geo"
	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var errNoPosition = errors.New("location event without position")

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	mirror := geo.NewRedisGeo(cfg.RedisAddr, "", cfg.RedisGeoKey)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := mirror.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", slog.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = mirror.Close()
	}()

	logger.Info("consumer listening", slog.String("topic", cfg.KafkaTopic), slog.Any("brokers", cfg.KafkaBrokers), slog.String("group", cfg.KafkaGroup))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", slog.Any("err", err), slog.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var e ingest.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", slog.Any("err", err))
			continue
		}

		applied, err := mirrorEvent(ctx, mirror, e, 3, 200*time.Millisecond)
		switch {
		case errors.Is(err, errNoPosition):
			msgsInvalid.Inc()
		case err != nil:
			redisErrors.Inc()
			logger.Warn("redis update failed", slog.String("driver", e.DriverID), slog.String("type", e.Type), slog.Any("err", err))
		case applied:
			redisUpdates.Inc()
		}
	}
}

// GeoMirror is the subset of geo.RedisGeo the consumer needs.
type GeoMirror interface {
	GeoAdd(ctx context.Context, driverID string, lat, lng float64) error
	SetMeta(ctx context.Context, driverID string, values map[string]interface{}) error
	Remove(ctx context.Context, driverID string) error
}

// mirrorEvent applies one driver event to Redis. Booking events are not
// mirrored and report applied=false.
func mirrorEvent(ctx context.Context, m GeoMirror, e ingest.Event, attempts int, delay time.Duration) (bool, error) {
	switch e.Type {
	case ingest.EventDriverLocation:
		if e.Position == nil {
			return false, errNoPosition
		}
		return true, updateRedisWithRetry(ctx, m, e, attempts, delay)
	case ingest.EventDriverOnline:
		return true, withRetry(ctx, attempts, delay, func() error {
			return m.SetMeta(ctx, e.DriverID, map[string]interface{}{"online": true, "updated": e.At.Unix()})
		})
	case ingest.EventDriverOffline:
		return true, withRetry(ctx, attempts, delay, func() error {
			if err := m.Remove(ctx, e.DriverID); err != nil {
				return err
			}
			return m.SetMeta(ctx, e.DriverID, map[string]interface{}{"online": false, "updated": e.At.Unix()})
		})
	default:
		return false, nil
	}
}

// updateRedisWithRetry writes the position to the GEO set and the meta hash.
func updateRedisWithRetry(ctx context.Context, m GeoMirror, e ingest.Event, attempts int, delay time.Duration) error {
	p := e.Position
	meta := map[string]interface{}{"online": true, "updated": e.At.Unix()}
	if p.Speed != nil {
		meta["speed"] = *p.Speed
	}
	if p.Accuracy != nil {
		meta["accuracy"] = *p.Accuracy
	}
	return withRetry(ctx, attempts, delay, func() error {
		if err := m.GeoAdd(ctx, e.DriverID, p.Lat, p.Lng); err != nil {
			return err
		}
		return m.SetMeta(ctx, e.DriverID, meta)
	})
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
