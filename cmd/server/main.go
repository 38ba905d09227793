package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-relay/internal/config"
	"github.com/example/ride-relay/internal/dispatch"
	"github.com/example/ride-relay/internal/fleet"
	httpapi "github.com/example/ride-relay/internal/http"
	"github.com/example/ride-relay/internal/ingest"
	"github.com/example/ride-relay/internal/logging"
	"github.com/example/ride-relay/internal/snapshot"
	"github.com/example/ride-relay/internal/storage"
	"github.com/example/ride-relay/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations && cfg.PGDSN != "" {
		migrate(cfg.PGDSN, logger)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	sink, closeSink, err := openSink(cfg, logger)
	if err != nil {
		logger.Error("event sink init failed", slog.String("backend", cfg.EventsBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer closeSink()

	writer := storage.NewWriter(store, storage.WriterConfig{
		Shards:    cfg.StoreWriteShards,
		QueueSize: cfg.StoreQueueSize,
		Timeout:   cfg.StoreTimeout,
	}, logger)
	defer writer.Close()

	wsreg := dispatch.NewWSRegistry(cfg.SendBuffer, logger)
	tr := tracking.NewManager(store, wsreg, cfg.StoreTimeout, logger)
	f := fleet.New(fleet.Deps{
		Store:        store,
		Writer:       writer,
		Notifier:     wsreg,
		Tracker:      tr,
		Events:       sink,
		Logger:       logger,
		CodeLength:   cfg.BookingCodeLength,
		StoreTimeout: cfg.StoreTimeout,
	})
	tr.SetLocator(f)

	go snapshot.NewBroadcaster(f, wsreg, cfg.BroadcastInterval, logger).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(f, tr, wsreg, store, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-relay listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.StoreBackend), slog.String("events", cfg.EventsBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("err", err))
	}
	// Session close handlers mark drivers offline through the writer, which
	// must still be open.
	if err := wsreg.CloseAll(shutdownCtx); err != nil {
		logger.Warn("sessions still closing", slog.Any("err", err))
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig) (storage.DriverStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.Close, nil
	case config.StoreRedis:
		rs := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		return rs, func() { _ = rs.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func openSink(cfg config.ServerConfig, logger *slog.Logger) (ingest.Sink, func(), error) {
	var next ingest.Sink
	var closeNext func()
	switch cfg.EventsBackend {
	case config.EventsKafka:
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		next, closeNext = kp, func() { _ = kp.Close() }
	case config.EventsAMQP:
		ap, err := ingest.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		next, closeNext = ap, func() { _ = ap.Close() }
	default:
		return ingest.Nop{}, func() {}, nil
	}
	async := ingest.NewAsyncSink(next, 0, cfg.StoreTimeout, logger)
	return async, func() {
		async.Close()
		closeNext()
	}, nil
}

// migrate applies migrations/001_create_drivers.sql. Failures are logged; the
// schema may already exist.
func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration db open error", slog.Any("err", err))
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_drivers.sql"))
	if err != nil {
		logger.Warn("migration read error", slog.Any("err", err))
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration exec error", slog.Any("err", err))
		return
	}
	logger.Info("migration applied", slog.String("file", "001_create_drivers.sql"))
}
