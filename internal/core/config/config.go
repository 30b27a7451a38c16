// Package config loads Cadenza service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cadenza-automation/cadenza/internal/capabilities"
	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// WebhookSecretEnv holds comma-separated platform:base64secret pairs.
const WebhookSecretEnv = "CZ_WEBHOOK_SECRET"

type Config struct {
	HTTP         ListenConfig
	GRPC         ListenConfig
	API          APIConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Engine       EngineConfig
	Dispatch     DispatchConfig
	Listener     ListenerConfig
	Telemetry    TelemetryConfig
	Rules        RulesConfig
	Log          LogConfig
	Platforms    []types.Platform
	Capabilities []capabilities.Binding
}

type ListenConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type APIConfig struct {
	// WebhookDedupeWindow groups identical webhook deliveries that carry no
	// event id header. Zero treats every such delivery as a new event.
	WebhookDedupeWindow time.Duration
}

type DatabaseConfig struct {
	// URL is sqlite://path or postgres://...; empty keeps rules and the
	// execution log in memory.
	URL string
}

type RedisConfig struct {
	// URL enables the Redis deduper when set.
	URL string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type EngineConfig struct {
	Workers                 int
	QueueSize               int
	MaxConcurrentExecutions int
	RecordSkipped           bool
	IdempotencyTTL          time.Duration
}

type DispatchConfig struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	ActionTimeout        time.Duration
	DefaultPlatformLimit int
	PlatformLimits       map[types.PlatformID]int
}

type ListenerConfig struct {
	BufferSize int
}

type TelemetryConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
	SampleRate  float64
}

type RulesConfig struct {
	// Dir is imported at startup when set.
	Dir string
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		HTTP:     ListenConfig{Host: "0.0.0.0", Port: 8080},
		GRPC:     ListenConfig{Host: "0.0.0.0", Port: 50051},
		API:      APIConfig{WebhookDedupeWindow: 30 * time.Second},
		Database: DatabaseConfig{URL: "sqlite://./data/cadenza.db"},
		NATS:     NATSConfig{SubjectPrefix: "cadenza"},
		Engine: EngineConfig{
			Workers:                 4,
			QueueSize:               1024,
			MaxConcurrentExecutions: 64,
			IdempotencyTTL:          24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:          3,
			InitialBackoff:       200 * time.Millisecond,
			MaxBackoff:           5 * time.Second,
			ActionTimeout:        30 * time.Second,
			DefaultPlatformLimit: 8,
		},
		Listener:  ListenerConfig{BufferSize: 256},
		Telemetry: TelemetryConfig{ServiceName: "cadenza", SampleRate: 1},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// WebhookSecrets reads per-platform webhook secrets from CZ_WEBHOOK_SECRET.
// An unset variable yields an empty map: every platform accepts unsigned
// webhooks.
func WebhookSecrets() (map[types.PlatformID][]byte, error) {
	secrets, err := auth.ParseSecrets(os.Getenv(WebhookSecretEnv))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", WebhookSecretEnv, err)
	}
	return secrets, nil
}
