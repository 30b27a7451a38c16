package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// Load reads configuration with viper. Precedence is environment
// (CZ_ prefix, "." replaced by "_") over config file over defaults; the
// CLI applies changed flags on top.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	d := Default()

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("grpc.host", d.GRPC.Host)
	v.SetDefault("grpc.port", d.GRPC.Port)
	v.SetDefault("api.webhook_dedupe_window", d.API.WebhookDedupeWindow.String())
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("redis.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.max_concurrent_executions", d.Engine.MaxConcurrentExecutions)
	v.SetDefault("engine.record_skipped", d.Engine.RecordSkipped)
	v.SetDefault("engine.idempotency_ttl", d.Engine.IdempotencyTTL.String())
	v.SetDefault("dispatch.max_attempts", d.Dispatch.MaxAttempts)
	v.SetDefault("dispatch.initial_backoff", d.Dispatch.InitialBackoff.String())
	v.SetDefault("dispatch.max_backoff", d.Dispatch.MaxBackoff.String())
	v.SetDefault("dispatch.action_timeout", d.Dispatch.ActionTimeout.String())
	v.SetDefault("dispatch.default_platform_limit", d.Dispatch.DefaultPlatformLimit)
	v.SetDefault("listener.buffer_size", d.Listener.BufferSize)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("rules.dir", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix("CZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Secrets are environment-only.
		if err := validateNoSecretsInConfig(v); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		HTTP:     ListenConfig{Host: v.GetString("http.host"), Port: v.GetInt("http.port")},
		GRPC:     ListenConfig{Host: v.GetString("grpc.host"), Port: v.GetInt("grpc.port")},
		API:      APIConfig{WebhookDedupeWindow: v.GetDuration("api.webhook_dedupe_window")},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Redis:    RedisConfig{URL: v.GetString("redis.url")},
		NATS:     NATSConfig{URL: v.GetString("nats.url"), SubjectPrefix: v.GetString("nats.subject_prefix")},
		Engine: EngineConfig{
			Workers:                 v.GetInt("engine.workers"),
			QueueSize:               v.GetInt("engine.queue_size"),
			MaxConcurrentExecutions: v.GetInt("engine.max_concurrent_executions"),
			RecordSkipped:           v.GetBool("engine.record_skipped"),
			IdempotencyTTL:          v.GetDuration("engine.idempotency_ttl"),
		},
		Dispatch: DispatchConfig{
			MaxAttempts:          v.GetInt("dispatch.max_attempts"),
			InitialBackoff:       v.GetDuration("dispatch.initial_backoff"),
			MaxBackoff:           v.GetDuration("dispatch.max_backoff"),
			ActionTimeout:        v.GetDuration("dispatch.action_timeout"),
			DefaultPlatformLimit: v.GetInt("dispatch.default_platform_limit"),
		},
		Listener: ListenerConfig{BufferSize: v.GetInt("listener.buffer_size")},
		Telemetry: TelemetryConfig{
			Enabled:     v.GetBool("telemetry.enabled"),
			Endpoint:    v.GetString("telemetry.endpoint"),
			ServiceName: v.GetString("telemetry.service_name"),
			Insecure:    v.GetBool("telemetry.insecure"),
			SampleRate:  v.GetFloat64("telemetry.sample_rate"),
		},
		Rules: RulesConfig{Dir: v.GetString("rules.dir")},
		Log:   LogConfig{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
	}

	if limits := v.GetStringMap("dispatch.platform_limits"); len(limits) > 0 {
		cfg.Dispatch.PlatformLimits = make(map[types.PlatformID]int, len(limits))
		for id := range limits {
			cfg.Dispatch.PlatformLimits[types.PlatformID(id)] = v.GetInt("dispatch.platform_limits." + id)
		}
	}
	if err := v.UnmarshalKey("platforms", &cfg.Platforms); err != nil {
		return nil, fmt.Errorf("platforms: %w", err)
	}
	if err := v.UnmarshalKey("capabilities", &cfg.Capabilities); err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-references and reports every problem.
func Validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for name, l := range map[string]ListenConfig{"http": cfg.HTTP, "grpc": cfg.GRPC} {
		check(l.Port > 0 && l.Port <= 65535, "%s.port must be between 1 and 65535, got %d", name, l.Port)
	}
	check(cfg.HTTP.Port != cfg.GRPC.Port || cfg.HTTP.Host != cfg.GRPC.Host,
		"http and grpc cannot both listen on %s", cfg.HTTP.Addr())
	check(cfg.API.WebhookDedupeWindow >= 0, "api.webhook_dedupe_window cannot be negative, got %v", cfg.API.WebhookDedupeWindow)
	check(cfg.Database.URL == "" || strings.HasPrefix(cfg.Database.URL, "sqlite://") ||
		strings.HasPrefix(cfg.Database.URL, "postgres://") || strings.HasPrefix(cfg.Database.URL, "postgresql://"),
		"database.url must be sqlite:// or postgres://, got %q", cfg.Database.URL)

	check(cfg.Engine.Workers > 0, "engine.workers must be positive, got %d", cfg.Engine.Workers)
	check(cfg.Engine.QueueSize > 0, "engine.queue_size must be positive, got %d", cfg.Engine.QueueSize)
	check(cfg.Engine.MaxConcurrentExecutions > 0, "engine.max_concurrent_executions must be positive, got %d", cfg.Engine.MaxConcurrentExecutions)
	check(cfg.Engine.IdempotencyTTL > 0, "engine.idempotency_ttl must be positive, got %v", cfg.Engine.IdempotencyTTL)

	check(cfg.Dispatch.MaxAttempts > 0, "dispatch.max_attempts must be positive, got %d", cfg.Dispatch.MaxAttempts)
	check(cfg.Dispatch.InitialBackoff > 0, "dispatch.initial_backoff must be positive, got %v", cfg.Dispatch.InitialBackoff)
	check(cfg.Dispatch.MaxBackoff >= cfg.Dispatch.InitialBackoff, "dispatch.max_backoff must be >= initial_backoff")
	check(cfg.Dispatch.ActionTimeout > 0, "dispatch.action_timeout must be positive, got %v", cfg.Dispatch.ActionTimeout)
	check(cfg.Dispatch.DefaultPlatformLimit > 0, "dispatch.default_platform_limit must be positive, got %d", cfg.Dispatch.DefaultPlatformLimit)
	for id, n := range cfg.Dispatch.PlatformLimits {
		check(n > 0, "dispatch.platform_limits.%s must be positive, got %d", id, n)
	}

	check(cfg.Listener.BufferSize > 0, "listener.buffer_size must be positive, got %d", cfg.Listener.BufferSize)
	check(!cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "", "telemetry.endpoint required when telemetry is enabled")
	check(cfg.Telemetry.SampleRate >= 0 && cfg.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be in [0,1], got %v", cfg.Telemetry.SampleRate)

	seen := map[types.PlatformID]bool{types.SystemPlatform: true}
	for i, p := range cfg.Platforms {
		check(p.ID != "", "platforms[%d].id is required", i)
		check(!seen[p.ID] || p.ID == types.SystemPlatform, "platforms[%d]: duplicate id %q", i, p.ID)
		check(p.Type == "" || p.Type.Valid(), "platforms[%d].type %q is not a platform type", i, p.Type)
		for _, k := range p.TriggerKinds {
			check(k.Valid(), "platforms[%d]: unknown trigger kind %q", i, k)
		}
		for _, a := range p.ActionTypes {
			check(a.Valid(), "platforms[%d]: unknown action type %q", i, a)
		}
		seen[p.ID] = true
	}
	for i, b := range cfg.Capabilities {
		check(seen[b.Platform], "capabilities[%d]: platform %q is not configured", i, b.Platform)
		check(b.Action.Valid(), "capabilities[%d]: unknown action type %q", i, b.Action)
		if b.Handler == "nats" {
			check(cfg.NATS.URL != "", "capabilities[%d]: nats handler needs nats.url", i)
		}
	}
	return errors.Join(errs...)
}

// validateNoSecretsInConfig enforces environment-only secrets.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("webhook_secret") || v.InConfig("webhook.secret") || v.InConfig("webhook") {
		return fmt.Errorf("webhook secrets not allowed in config files (use %s environment variable)", WebhookSecretEnv)
	}
	return nil
}
