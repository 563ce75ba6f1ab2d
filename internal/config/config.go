package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Relay     RelayConfig     `yaml:"relay"`
	Projector ProjectorConfig `yaml:"projector"`
	Query     QueryConfig     `yaml:"query"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig holds the write (authoritative + outbox) and read (views) databases.
type PostgresConfig struct {
	WriteDSN string `yaml:"write_dsn"`
	ReadDSN  string `yaml:"read_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig selects and configures the delivery channel.
type BrokerConfig struct {
	Driver           string        `yaml:"driver"` // kafka | nats
	Queues           []string      `yaml:"queues"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	Kafka            KafkaConfig   `yaml:"kafka"`
	NATS             NATSConfig    `yaml:"nats"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

type NATSConfig struct {
	URL             string        `yaml:"url"`
	Durable         string        `yaml:"durable"`
	AckWait         time.Duration `yaml:"ack_wait"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

type RelayConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	// Exclusive locks each record while it is published, for multi-instance relays.
	Exclusive   bool          `yaml:"exclusive"`
	Breaker     BreakerConfig `yaml:"breaker"`
	MetricsPort int           `yaml:"metrics_port"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type ProjectorConfig struct {
	Prefetch           int  `yaml:"prefetch"`
	MonotonicWatermark bool `yaml:"monotonic_watermark"`
	MetricsPort        int  `yaml:"metrics_port"`
}

type QueryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Postgres: PostgresConfig{
			WriteDSN: "host=localhost user=postgres dbname=write_db sslmode=disable",
			ReadDSN:  "host=localhost user=postgres dbname=read_db sslmode=disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Broker: BrokerConfig{
			Driver:           "kafka",
			Queues:           []string{"order-events", "product-events"},
			ReconnectBackoff: 5 * time.Second,
			Kafka:            KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "projector"},
			NATS: NATSConfig{
				URL:             "nats://127.0.0.1:4222",
				Durable:         "projector",
				AckWait:         30 * time.Second,
				DuplicateWindow: 2 * time.Minute,
			},
		},
		Relay: RelayConfig{
			Interval:    5 * time.Second,
			BatchSize:   10,
			Breaker:     BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
			MetricsPort: 9101,
		},
		Projector: ProjectorConfig{Prefetch: 1, MetricsPort: 9102},
		Query:     QueryConfig{CacheTTL: 2 * time.Second},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		path = p
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.WriteDSN = v
	}
	if v := os.Getenv("READ_DATABASE_URL"); v != "" {
		cfg.Postgres.ReadDSN = v
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.WriteDSN = cfg.Postgres.WriteDSN + " password=" + pw
		cfg.Postgres.ReadDSN = cfg.Postgres.ReadDSN + " password=" + pw
	}
	if v := os.Getenv("BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Broker.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Broker.NATS.URL = v
	}
	if v := os.Getenv("PROJECTOR_PREFETCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Projector.Prefetch = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case "kafka", "nats":
	default:
		return fmt.Errorf("config: unknown broker driver %q", c.Broker.Driver)
	}
	if len(c.Broker.Queues) == 0 {
		return errors.New("config: broker.queues must not be empty")
	}
	if c.Broker.ReconnectBackoff <= 0 {
		return errors.New("config: broker.reconnect_backoff must be positive")
	}
	if c.Relay.Interval <= 0 {
		return errors.New("config: relay.interval must be positive")
	}
	if c.Relay.BatchSize <= 0 {
		return errors.New("config: relay.batch_size must be positive")
	}
	if c.Projector.Prefetch <= 0 {
		return errors.New("config: projector.prefetch must be positive")
	}
	if c.Query.CacheTTL < 0 {
		return errors.New("config: query.cache_ttl must not be negative")
	}
	return nil
}
