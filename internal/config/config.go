// Package config loads Gachar configuration with koanf: struct defaults,
// then an optional YAML file, then GACHAR_ environment variables.
//
// Environment variables map onto config paths by stripping the prefix,
// lower-casing and turning "__" into a section separator:
//
//	GACHAR_BACKEND=dynamodb             -> backend
//	GACHAR_DYNAMODB__NUM_SHARDS=16      -> dynamodb.num_shards
//	GACHAR_AUDIT__SINKS=log,nats        -> audit.sinks
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GACHAR_"

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "GACHAR_CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"gachar.yaml",
	"gachar.yml",
	"/etc/gachar/gachar.yaml",
}

// sliceConfigPaths hold lists that may arrive from env as comma-separated
// strings.
var sliceConfigPaths = []string{"audit.sinks"}

// Backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Audit sink names.
const (
	SinkLog      = "log"
	SinkDynamoDB = "dynamodb"
	SinkNATS     = "nats"
)

// Audit async modes.
const (
	AsyncAuto = "auto"
	AsyncOn   = "on"
	AsyncOff  = "off"
)

// Config is the complete application configuration.
type Config struct {
	Backend   string          `koanf:"backend" validate:"oneof=sqlite dynamodb"`
	SQLite    SQLiteConfig    `koanf:"sqlite"`
	DynamoDB  DynamoDBConfig  `koanf:"dynamodb"`
	Hierarchy HierarchyConfig `koanf:"hierarchy"`
	Audit     AuditConfig     `koanf:"audit"`
	Authz     AuthzConfig     `koanf:"authz"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:".
	Path string `koanf:"path" validate:"required"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region string `koanf:"region"`

	// Endpoint overrides the service endpoint (DynamoDB Local).
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`

	NodeTable         string `koanf:"node_table" validate:"required"`
	RelationshipTable string `koanf:"relationship_table" validate:"required"`
	UniqueTable       string `koanf:"unique_table" validate:"required"`
	NumShards         int    `koanf:"num_shards" validate:"min=1,max=256"`
}

// HierarchyConfig tunes the hierarchy service.
type HierarchyConfig struct {
	MaxDepth            int           `koanf:"max_depth" validate:"min=1"`
	CacheSize           int64         `koanf:"cache_size" validate:"min=0"`
	ReadRetries         uint          `koanf:"read_retries" validate:"min=1,max=10"`
	ReadRetryMaxElapsed time.Duration `koanf:"read_retry_max_elapsed"`
	Concurrency         int           `koanf:"concurrency" validate:"min=1,max=256"`
}

// AuditConfig selects and configures audit sinks.
type AuditConfig struct {
	Sinks []string `koanf:"sinks" validate:"dive,oneof=log dynamodb nats"`

	// Table is the DynamoDB audit table.
	Table string `koanf:"table"`

	NATSURL string `koanf:"nats_url" validate:"omitempty,url"`
	Topic   string `koanf:"topic"`

	// Async selects whether entries are queued and forwarded from a worker:
	// "auto" queues whenever a network sink is configured, "on" always
	// queues, "off" records inline.
	Async      string `koanf:"async" validate:"oneof=auto on off"`
	BufferSize int    `koanf:"buffer_size" validate:"min=1"`
}

// AuthzConfig configures access control.
type AuthzConfig struct {
	ModelPath  string `koanf:"model_path"`
	PolicyPath string `koanf:"policy_path"`

	// AllowAll bypasses the enforcer. Development only.
	AllowAll bool `koanf:"allow_all"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Default returns the configuration applied before any file or env layer.
func Default() *Config {
	return &Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path: "gachar.db",
		},
		DynamoDB: DynamoDBConfig{
			Region:            "us-east-1",
			NodeTable:         "gachar_locations",
			RelationshipTable: "gachar_location_relationships",
			UniqueTable:       "gachar_location_unique",
			NumShards:         1,
		},
		Hierarchy: HierarchyConfig{
			MaxDepth:            1024,
			CacheSize:           0,
			ReadRetries:         3,
			ReadRetryMaxElapsed: 2 * time.Second,
			Concurrency:         8,
		},
		Audit: AuditConfig{
			Sinks:      []string{SinkLog},
			Table:      "gachar_location_audit",
			Topic:      "gachar.locations.audit",
			Async:      AsyncAuto,
			BufferSize: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the YAML file at path (or the first default path
// that exists) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional unless named explicitly)
	explicit := path != ""
	if !explicit {
		path = os.Getenv(ConfigPathEnvVar)
		explicit = path != ""
	}
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment (highest priority)
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps GACHAR_SECTION__KEY to section.key. The config path
// variable itself is skipped.
func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// processSliceFields splits comma-separated env values into lists.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}

	var errs []error
	for _, sink := range c.Audit.Sinks {
		if sink == SinkNATS && c.Audit.NATSURL == "" {
			errs = append(errs, errors.New("audit.nats_url is required for the nats sink"))
		}
		if sink == SinkDynamoDB && c.Audit.Table == "" {
			errs = append(errs, errors.New("audit.table is required for the dynamodb sink"))
		}
	}
	return errors.Join(errs...)
}

// AsyncAudit reports whether audit entries should go through a queue.
func (c *Config) AsyncAudit() bool {
	switch c.Audit.Async {
	case AsyncOn:
		return true
	case AsyncOff:
		return false
	}
	return c.HasSink(SinkDynamoDB) || c.HasSink(SinkNATS)
}

// HasSink reports whether name is among the configured audit sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
