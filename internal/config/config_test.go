package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gachar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
backend: dynamodb
dynamodb:
  region: eu-west-1
  endpoint: http://localhost:8000
  num_shards: 16
hierarchy:
  cache_size: 500
  read_retry_max_elapsed: 5s
audit:
  sinks: [log, dynamodb]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendDynamoDB, cfg.Backend)
	assert.Equal(t, "eu-west-1", cfg.DynamoDB.Region)
	assert.Equal(t, 16, cfg.DynamoDB.NumShards)
	assert.Equal(t, "gachar_locations", cfg.DynamoDB.NodeTable, "unset keys keep defaults")
	assert.Equal(t, int64(500), cfg.Hierarchy.CacheSize)
	assert.Equal(t, 5*time.Second, cfg.Hierarchy.ReadRetryMaxElapsed)
	assert.Equal(t, []string{"log", "dynamodb"}, cfg.Audit.Sinks)
	assert.True(t, cfg.HasSink(SinkDynamoDB))
	assert.False(t, cfg.HasSink(SinkNATS))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "backend: dynamodb\n")
	t.Setenv("GACHAR_BACKEND", "sqlite")
	t.Setenv("GACHAR_SQLITE__PATH", ":memory:")
	t.Setenv("GACHAR_HIERARCHY__MAX_DEPTH", "64")
	t.Setenv("GACHAR_AUDIT__SINKS", "log, nats")
	t.Setenv("GACHAR_AUDIT__NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, ":memory:", cfg.SQLite.Path)
	assert.Equal(t, 64, cfg.Hierarchy.MaxDepth)
	assert.Equal(t, []string{"log", "nats"}, cfg.Audit.Sinks)
}

func TestLoad_ConfigPathEnv(t *testing.T) {
	path := writeFile(t, "logging:\n  level: debug\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }},
		{"no sqlite path", func(c *Config) { c.SQLite.Path = "" }},
		{"too many shards", func(c *Config) { c.DynamoDB.NumShards = 300 }},
		{"zero depth", func(c *Config) { c.Hierarchy.MaxDepth = 0 }},
		{"unknown sink", func(c *Config) { c.Audit.Sinks = []string{"kafka"} }},
		{"nats without url", func(c *Config) { c.Audit.Sinks = []string{SinkNATS} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad endpoint", func(c *Config) { c.DynamoDB.Endpoint = "not a url" }},
		{"bad async mode", func(c *Config) { c.Audit.Async = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestAsyncAudit(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		sinks []string
		want  bool
	}{
		{"auto with log only", AsyncAuto, []string{SinkLog}, false},
		{"auto with dynamodb", AsyncAuto, []string{SinkLog, SinkDynamoDB}, true},
		{"auto with nats", AsyncAuto, []string{SinkNATS}, true},
		{"off with nats", AsyncOff, []string{SinkNATS}, false},
		{"on with log only", AsyncOn, []string{SinkLog}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Audit.Async = tt.mode
			cfg.Audit.Sinks = tt.sinks
			assert.Equal(t, tt.want, cfg.AsyncAudit())
		})
	}

	assert.Equal(t, AsyncAuto, Default().Audit.Async)
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "dynamodb.num_shards", envTransformFunc("GACHAR_DYNAMODB__NUM_SHARDS"))
	assert.Equal(t, "backend", envTransformFunc("GACHAR_BACKEND"))
	assert.Empty(t, envTransformFunc(ConfigPathEnvVar))
}
