package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	EventsNone  = "none"
	EventsKafka = "kafka"
	EventsAMQP  = "amqp"
)

// ServerConfig captures all tunable parameters for the relay server process.
// Values come from an optional YAML file (CONFIG_FILE) and environment
// variables, with defaults that let the binary run locally with no setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreBackend     string
	StoreTimeout     time.Duration
	StoreWriteShards int
	StoreQueueSize   int

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	PGDSN         string
	RunMigrations bool

	EventsBackend string
	KafkaBrokers  []string
	KafkaTopic    string
	AMQPURL       string
	AMQPExchange  string

	BroadcastInterval time.Duration
	BookingCodeLength int
	SendBuffer        int

	LogLevel string
}

// ConsumerConfig configures cmd/consumer, which mirrors driver events into Redis.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisAddr    string
	RedisGeoKey  string
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		StoreBackend:      StoreMemory,
		StoreTimeout:      2 * time.Second,
		StoreWriteShards:  8,
		StoreQueueSize:    1024,
		RedisPrefix:       "ride_relay",
		EventsBackend:     EventsNone,
		KafkaTopic:        "driver-events",
		AMQPExchange:      "ride_relay.events",
		BroadcastInterval: time.Second,
		BookingCodeLength: 6,
		SendBuffer:        64,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	v, err := newViper()
	if err != nil {
		errs = append(errs, err)
	}

	setString(v, &cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setString(v, &cfg.StoreBackend, "STORE_BACKEND")
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	setDuration(v, &cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setInt(v, &cfg.StoreWriteShards, "STORE_WRITE_SHARDS", &errs)
	setInt(v, &cfg.StoreQueueSize, "STORE_QUEUE_SIZE", &errs)

	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("redis_password")
	setString(v, &cfg.RedisPrefix, "REDIS_PREFIX")

	cfg.PGDSN = v.GetString("pg_dsn")
	cfg.RunMigrations = strings.EqualFold(v.GetString("migrate"), "true")

	setString(v, &cfg.EventsBackend, "EVENTS_BACKEND")
	cfg.EventsBackend = strings.ToLower(cfg.EventsBackend)
	cfg.KafkaBrokers = brokers(v)
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(v, &cfg.AMQPURL, "AMQP_URL")
	setString(v, &cfg.AMQPExchange, "AMQP_EXCHANGE")

	setDuration(v, &cfg.BroadcastInterval, "BROADCAST_INTERVAL", &errs)
	setInt(v, &cfg.BookingCodeLength, "BOOKING_CODE_LENGTH", &errs)
	setInt(v, &cfg.SendBuffer, "WS_SEND_BUFFER", &errs)

	if lvl := v.GetString("log_level"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.EventsBackend {
	case EventsNone:
	case EventsKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=kafka requires KAFKA_BROKERS"))
		}
	case EventsAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=amqp requires AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend))
	}
	if c.BookingCodeLength < 6 {
		errs = append(errs, fmt.Errorf("BOOKING_CODE_LENGTH must be >= 6"))
	}
	if c.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_INTERVAL must be > 0"))
	}
	if c.StoreWriteShards <= 0 || c.StoreQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("STORE_WRITE_SHARDS and STORE_QUEUE_SIZE must be > 0"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-events",
		KafkaGroup:   "ride-relay-geo-mirror",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	v, err := newViper()
	if b := brokers(v); len(b) > 0 {
		cfg.KafkaBrokers = b
	}
	setString(v, &cfg.MetricsAddr, "METRICS_ADDR")
	setString(v, &cfg.KafkaTopic, "KAFKA_TOPIC")
	setString(v, &cfg.KafkaGroup, "KAFKA_GROUP")
	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setString(v, &cfg.LogLevel, "LOG_LEVEL")
	return cfg, err
}

// newViper reads CONFIG_FILE when set. Keys are the lower-cased environment
// names, so the same key works in YAML and in the environment.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	file := v.GetString("config_file")
	if file == "" {
		return v, nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return v, fmt.Errorf("read config file %s: %w", file, err)
	}
	return v, nil
}

func brokers(v *viper.Viper) []string {
	raw := v.GetString("kafka_brokers")
	if raw == "" {
		raw = v.GetString("kafka_broker")
	}
	if raw == "" {
		return nil
	}
	return splitAndTrim(raw)
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if s := v.GetString(strings.ToLower(key)); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	if s := v.GetString(strings.ToLower(key)); s != "" {
		i, err := strconv.Atoi(s)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setString(v *viper.Viper, target *string, key string) {
	if s := strings.TrimSpace(v.GetString(strings.ToLower(key))); s != "" {
		*target = s
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
