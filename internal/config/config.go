// Package config provides service configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/actbus/pkg/codec"
	"github.com/morezero/actbus/pkg/engine"
)

const logPrefix = "config:LoadConfig"

// Config holds actbus service configuration.
type Config struct {
	// NATS connection.
	NATSURL     string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"actbus"`

	// Engine
	DefaultTimeout   time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"2s"`
	CrashOnFatal     bool          `envconfig:"CRASH_ON_FATAL" default:"true"`
	Codec            string        `envconfig:"CODEC" default:"json"`
	QueueGroupPrefix string        `envconfig:"QUEUE_GROUP_PREFIX" default:"queue"`
	MaxInFlight      int           `envconfig:"MAX_IN_FLIGHT" default:"256"`

	// Load sampling and admission
	LoadSampleInterval time.Duration `envconfig:"LOAD_SAMPLE_INTERVAL" default:"1s"`
	LoadCheckPolicy    bool          `envconfig:"LOAD_CHECK_POLICY" default:"false"`
	LoadMaxHeapBytes   uint64        `envconfig:"LOAD_MAX_HEAP_BYTES"`
	LoadMaxLag         time.Duration `envconfig:"LOAD_MAX_LAG" default:"70ms"`

	// Plugins. Empty EventsSubject disables the event relay.
	EventsSubject  string `envconfig:"EVENTS_SUBJECT"`
	StatsTopic     string `envconfig:"STATS_TOPIC" default:"stats"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`

	// HTTP health endpoint (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr        string        `envconfig:"HTTP_ADDR"`
	HTTPPort        int           `envconfig:"HTTP_PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - failed to process environment: %w", logPrefix, err)
	}
	return &c, nil
}

// Validate checks the configuration before serving.
func (c *Config) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("%s - NATS_URL is required", logPrefix)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%s - DEFAULT_TIMEOUT must be positive", logPrefix)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("%s - MAX_IN_FLIGHT must be positive", logPrefix)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s - SHUTDOWN_TIMEOUT must be positive", logPrefix)
	}
	if c.LoadSampleInterval < 0 || c.LoadMaxLag < 0 {
		return fmt.Errorf("%s - LOAD_SAMPLE_INTERVAL and LOAD_MAX_LAG must not be negative", logPrefix)
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%s - invalid CODEC: %w", logPrefix, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s - LOG_LEVEL must be one of debug, info, warn, error: %q", logPrefix, c.LogLevel)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// EngineConfig maps the service configuration onto engine.Config.
func (c *Config) EngineConfig() (engine.Config, error) {
	cdc, err := codec.ByName(c.Codec)
	if err != nil {
		return engine.Config{}, fmt.Errorf("%s - invalid CODEC: %w", logPrefix, err)
	}

	cfg := engine.DefaultConfig()
	cfg.Name = c.ServiceName
	cfg.DefaultTimeout = c.DefaultTimeout
	cfg.CrashOnFatal = c.CrashOnFatal
	cfg.Codec = cdc
	cfg.QueueGroupPrefix = c.QueueGroupPrefix
	cfg.MaxInFlight = c.MaxInFlight
	cfg.Load = engine.LoadConfig{
		SampleInterval: c.LoadSampleInterval,
		CheckPolicy:    c.LoadCheckPolicy,
		MaxHeapBytes:   c.LoadMaxHeapBytes,
		MaxLag:         c.LoadMaxLag,
	}
	return cfg, nil
}
