package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, ":8420", cfg.Server.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:9000"
  read_timeout: 5s
logging:
  level: debug
  format: json
tracing:
  enabled: true
  provider: otlp
  endpoint: "collector:4317"
  sample_rate: 0.25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 64, cfg.Engine.EventBufferSize)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
}

func TestLoadInterpolatesEnvVars(t *testing.T) {
	t.Setenv("LOOM_TEST_ENDPOINT", "otel.internal:4317")

	path := writeConfig(t, `
tracing:
  enabled: true
  provider: otlp
  endpoint: "${LOOM_TEST_ENDPOINT}"
  sample_rate: 1.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "otel.internal:4317", cfg.Tracing.Endpoint)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "empty listen addr",
			contents: "server:\n  listen_addr: \"\"\n",
			want:     "listen_addr",
		},
		{
			name:     "bad log level",
			contents: "logging:\n  level: loud\n",
			want:     "logging.level",
		},
		{
			name:     "bad tracing provider",
			contents: "tracing:\n  enabled: true\n  provider: zipkin\n  sample_rate: 1.0\n",
			want:     "tracing",
		},
		{
			name:     "negative run retention",
			contents: "engine:\n  run_retention: -1s\n",
			want:     "run_retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadWithDefaultsMissingFile(t *testing.T) {
	cfg, err := LoadWithDefaults(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
