package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RegistryConfig configures the registry process: HTTP ingress, relay
// websocket endpoint and the optional Kafka bridge.
type RegistryConfig struct {
	Port           string        `env:"PORT" envDefault:"4000"`
	Topic          string        `env:"RELAY_TOPIC" envDefault:"components"`
	QueueSize      int           `env:"RELAY_QUEUE_SIZE" envDefault:"256"`
	HistoryLimit   int           `env:"RELAY_HISTORY_LIMIT" envDefault:"1000"`
	IdleTimeout    time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS" envDefault:"100"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST" envDefault:"200"`

	// Kafka bridge (inert when KAFKA_BROKERS is empty).
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic         string   `env:"KAFKA_TOPIC" envDefault:"ui-components"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"component-relay"`
	KafkaIngest        bool     `env:"KAFKA_INGEST" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// DaemonConfig configures the daemon process: the upstream registry it
// subscribes to and its own downstream relay endpoint.
type DaemonConfig struct {
	Port           string        `env:"PORT" envDefault:"3001"`
	RegistryURL    string        `env:"REGISTRY_URL" envDefault:"ws://localhost:4000/ws"`
	Topic          string        `env:"RELAY_TOPIC" envDefault:"components"`
	QueueSize      int           `env:"RELAY_QUEUE_SIZE" envDefault:"256"`
	HistoryLimit   int           `env:"RELAY_HISTORY_LIMIT" envDefault:"1000"`
	IdleTimeout    time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	ReconnectBase  time.Duration `env:"RECONNECT_BASE" envDefault:"2s"`
	ReconnectLimit int           `env:"RECONNECT_LIMIT" envDefault:"5"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// RendererConfig configures the renderer process: the daemon it subscribes
// to and the presentation expiry policy.
type RendererConfig struct {
	DaemonURL string        `env:"DAEMON_URL" envDefault:"ws://localhost:3001/ws"`
	Topic     string        `env:"RELAY_TOPIC" envDefault:"components"`
	TTL       time.Duration `env:"COMPONENT_TTL" envDefault:"30s"`

	ReconnectBase  time.Duration `env:"RECONNECT_BASE" envDefault:"2s"`
	ReconnectLimit int           `env:"RECONNECT_LIMIT" envDefault:"5"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadRegistry parses RegistryConfig from the environment.
func LoadRegistry() (RegistryConfig, error) {
	var cfg RegistryConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse registry config: %w", err)
	}
	return cfg, nil
}

// LoadDaemon parses DaemonConfig from the environment.
func LoadDaemon() (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse daemon config: %w", err)
	}
	return cfg, nil
}

// LoadRenderer parses RendererConfig from the environment.
func LoadRenderer() (RendererConfig, error) {
	var cfg RendererConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse renderer config: %w", err)
	}
	return cfg, nil
}
