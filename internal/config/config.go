package config

import (
	"time"

	"github.com/loom-run/loom/internal/observability"
)

// Config is the root configuration for the loom server.
type Config struct {
	Server  ServerConfig                `mapstructure:"server" yaml:"server"`
	Engine  EngineConfig                `mapstructure:"engine" yaml:"engine"`
	Logging observability.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EngineConfig carries run-level defaults applied by the server when it
// creates runs.
type EngineConfig struct {
	// EventBufferSize is the per-subscriber buffer on the event bus.
	EventBufferSize int `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`

	// RunRetention bounds how long finished runs stay queryable in the
	// in-memory registry before they are evicted.
	RunRetention time.Duration `mapstructure:"run_retention" yaml:"run_retention"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8420",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			EventBufferSize: 64,
			RunRetention:    time.Hour,
		},
		Logging: observability.LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: observability.TracingConfig{
			Enabled:    false,
			Provider:   "noop",
			SampleRate: 1.0,
		},
	}
}
