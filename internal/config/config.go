// Package config loads the Real-Time Channel Server's configuration from
// environment variables (with an optional .env file for local development).
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the full configuration surface enumerated in the specification.
type Config struct {
	Addr string `env:"CHS_ADDR" envDefault:":8080"`

	RequestWorkers int `env:"CHS_REQUEST_WORKERS" envDefault:"0"`
	TaskWorkers    int `env:"CHS_TASK_WORKERS" envDefault:"0"`

	HeartbeatInterval time.Duration `env:"CHS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatIdleTime time.Duration `env:"CHS_HEARTBEAT_IDLE_TIME" envDefault:"65s"`

	SubscriptionsCapacity int `env:"CHS_SUBSCRIPTIONS_CAPACITY" envDefault:"10240"`
	SessionsCapacity      int `env:"CHS_SESSIONS_CAPACITY" envDefault:"2048"`

	JWTSecret string `env:"CHS_JWT_SECRET,required"`
	JWTXORKey string `env:"CHS_JWT_XOR_KEY,required"`

	MessageRetention time.Duration `env:"CHS_MESSAGE_RETENTION" envDefault:"168h"`

	MaxConnections int `env:"CHS_MAX_CONNECTIONS" envDefault:"20000"`

	NATSUrl    string `env:"CHS_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SQLitePath string `env:"CHS_SQLITE_PATH" envDefault:"./data/channelserver.db"`

	CPULimit    int64 `env:"CHS_CPU_LIMIT" envDefault:"0"`
	MemoryLimit int64 `env:"CHS_MEMORY_LIMIT" envDefault:"0"`

	MaxGoroutines      int     `env:"CHS_MAX_GOROUTINES" envDefault:"50000"`
	CPURejectThreshold float64 `env:"CHS_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	CPUPauseThreshold  float64 `env:"CHS_CPU_PAUSE_THRESHOLD" envDefault:"75.0"`
	MaxAuthPerSec       float64 `env:"CHS_MAX_AUTH_PER_SEC" envDefault:"50"`
	MaxBroadcastPerSec  float64 `env:"CHS_MAX_BROADCAST_PER_SEC" envDefault:"5000"`

	MetricsInterval time.Duration `env:"CHS_METRICS_INTERVAL" envDefault:"2s"`

	LogLevel  string `env:"CHS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHS_LOG_FORMAT" envDefault:"json"`

	KafkaBrokers      string `env:"CHS_KAFKA_BROKERS" envDefault:""`
	KafkaTaskTopic    string `env:"CHS_KAFKA_TASK_TOPIC" envDefault:"channelserver.tasks"`
	KafkaConsumerGroup string `env:"CHS_KAFKA_CONSUMER_GROUP" envDefault:"channelserver"`
}

// Load reads the configuration from the environment, optionally preloading a
// .env file (ignored if absent — local convenience only, never required in
// production deployments).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.RequestWorkers <= 0 {
		cfg.RequestWorkers = 2 * runtime.NumCPU()
	}
	if cfg.TaskWorkers <= 0 {
		cfg.TaskWorkers = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the rest of the system assumes hold.
func (c *Config) Validate() error {
	if c.SubscriptionsCapacity <= 0 {
		return fmt.Errorf("subscriptions_capacity must be positive, got %d", c.SubscriptionsCapacity)
	}
	if c.SessionsCapacity <= 0 {
		return fmt.Errorf("sessions_capacity must be positive, got %d", c.SessionsCapacity)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.JWTXORKey == "" {
		return fmt.Errorf("jwt_xor_key is required")
	}
	if c.CPURejectThreshold <= c.CPUPauseThreshold {
		return fmt.Errorf("cpu_reject_threshold (%.1f) must be greater than cpu_pause_threshold (%.1f)",
			c.CPURejectThreshold, c.CPUPauseThreshold)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}

// Print writes a human-readable configuration summary to stderr, useful
// before the structured logger is wired up during startup.
func (c *Config) Print() {
	fmt.Fprintln(os.Stderr, "=== Real-Time Channel Server configuration ===")
	fmt.Fprintf(os.Stderr, "  addr:                   %s\n", c.Addr)
	fmt.Fprintf(os.Stderr, "  request_workers:        %d\n", c.RequestWorkers)
	fmt.Fprintf(os.Stderr, "  task_workers:           %d\n", c.TaskWorkers)
	fmt.Fprintf(os.Stderr, "  subscriptions_capacity: %d\n", c.SubscriptionsCapacity)
	fmt.Fprintf(os.Stderr, "  sessions_capacity:      %d\n", c.SessionsCapacity)
	fmt.Fprintf(os.Stderr, "  max_connections:        %d\n", c.MaxConnections)
	fmt.Fprintf(os.Stderr, "  nats_url:               %s\n", c.NATSUrl)
	fmt.Fprintf(os.Stderr, "  sqlite_path:            %s\n", c.SQLitePath)
	fmt.Fprintf(os.Stderr, "  log_level/format:       %s/%s\n", c.LogLevel, c.LogFormat)
}

// LogConfig emits the same summary through the structured logger once it is
// available, for Loki/alerting dashboards that key off structured startup
// events rather than stderr text.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("request_workers", c.RequestWorkers).
		Int("task_workers", c.TaskWorkers).
		Int("subscriptions_capacity", c.SubscriptionsCapacity).
		Int("sessions_capacity", c.SessionsCapacity).
		Int("max_connections", c.MaxConnections).
		Str("nats_url", c.NATSUrl).
		Str("sqlite_path", c.SQLitePath).
		Dur("message_retention", c.MessageRetention).
		Msg("configuration loaded")
}
