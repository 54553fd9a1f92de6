// Package config loads registry configuration from YAML or JSON files.
// Loaders fill a caller-supplied struct; Validate enforces the invariants
// the runtime depends on before anything is wired up.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the file-level configuration for one registry process.
type RegistryConfig struct {
	// InboxCapacity bounds every per-machine inbox. Zero selects the default.
	InboxCapacity int `yaml:"inboxCapacity" json:"inboxCapacity"`

	// ShutdownTimeout bounds inbox draining during Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// SnapshotDebug records every transition through the recorder port.
	SnapshotDebug bool `yaml:"snapshotDebug" json:"snapshotDebug"`

	// LiveDebug configures the websocket broadcast server.
	LiveDebug LiveDebugConfig `yaml:"liveDebug" json:"liveDebug"`

	Store    StoreConfig    `yaml:"store" json:"store"`
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
}

// LiveDebugConfig configures the live-debug broadcast server.
type LiveDebugConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Kind is one of: memory, file, sql, postgres, redis.
	Kind string `yaml:"kind" json:"kind"`

	// DSN is the connection string for sql and postgres stores.
	DSN string `yaml:"dsn" json:"dsn"`

	// Driver is the database/sql driver name for the sql store
	// (e.g. "sqlite3", "postgres").
	Driver string `yaml:"driver" json:"driver"`

	// Directory holds per-machine JSON files for the file store.
	Directory string `yaml:"directory" json:"directory"`

	// RedisAddr is host:port for the redis store.
	RedisAddr string `yaml:"redisAddr" json:"redisAddr"`

	// RedisPassword is optional.
	RedisPassword string `yaml:"redisPassword" json:"redisPassword"`

	// RedisDB selects the redis logical database.
	RedisDB int `yaml:"redisDB" json:"redisDB"`
}

// RecorderConfig configures transition-record sinks.
type RecorderConfig struct {
	// RingSize bounds the in-memory record window. Zero selects the default.
	RingSize int `yaml:"ringSize" json:"ringSize"`

	// NATSURL, when set, enables publishing records to NATS.
	NATSURL string `yaml:"natsUrl" json:"natsUrl"`

	// NATSSubjectPrefix defaults to "fsm.records".
	NATSSubjectPrefix string `yaml:"natsSubjectPrefix" json:"natsSubjectPrefix"`

	// RedactFields lists JSON field names whose values are replaced with a
	// sentinel before records are stored or broadcast.
	RedactFields []string `yaml:"redactFields" json:"redactFields"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	// Exporter is one of: none, stdout, zipkin, jaeger.
	Exporter string `yaml:"exporter" json:"exporter"`

	// Endpoint is the collector endpoint for zipkin/jaeger.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// ServiceName tags exported spans. Defaults to "fsm-registry".
	ServiceName string `yaml:"serviceName" json:"serviceName"`
}

// GatewayConfig configures the HTTP ingress.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`

	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret"`
}

var validStoreKinds = map[string]bool{
	"": true, "memory": true, "file": true, "sql": true, "postgres": true, "redis": true,
}

var validExporters = map[string]bool{
	"": true, "none": true, "stdout": true, "zipkin": true, "jaeger": true,
}

// Validate checks cross-field invariants. It is called by Load but exported
// so hand-built configs get the same treatment.
func (c *RegistryConfig) Validate() error {
	if c.InboxCapacity < 0 {
		return fmt.Errorf("inboxCapacity cannot be negative")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdownTimeout cannot be negative")
	}
	if c.LiveDebug.Enabled && (c.LiveDebug.Port < 1 || c.LiveDebug.Port > 65535) {
		return fmt.Errorf("liveDebug.port must be in 1..65535 when enabled")
	}
	kind := strings.ToLower(c.Store.Kind)
	if !validStoreKinds[kind] {
		return fmt.Errorf("store.kind %q is not one of memory, file, sql, postgres, redis", c.Store.Kind)
	}
	switch kind {
	case "file":
		if c.Store.Directory == "" {
			return fmt.Errorf("store.directory is required for the file store")
		}
	case "sql":
		if c.Store.DSN == "" || c.Store.Driver == "" {
			return fmt.Errorf("store.dsn and store.driver are required for the sql store")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redisAddr is required for the redis store")
		}
	}
	if c.Recorder.RingSize < 0 {
		return fmt.Errorf("recorder.ringSize cannot be negative")
	}
	if !validExporters[strings.ToLower(c.Tracing.Exporter)] {
		return fmt.Errorf("tracing.exporter %q is not one of none, stdout, zipkin, jaeger", c.Tracing.Exporter)
	}
	if c.Gateway.Enabled && c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required when the gateway is enabled")
	}
	return nil
}

// Load reads a RegistryConfig from path, dispatching on the file extension
// (.yaml/.yml or .json), and validates it.
func Load(path string) (*RegistryConfig, error) {
	var cfg RegistryConfig
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = LoadYAML(path, &cfg)
	case ".json":
		err = LoadJSON(path, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadYAML loads a YAML file into target.
func LoadYAML(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return nil
}

// LoadJSON loads a JSON file into target.
func LoadJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// SaveYAML writes config to path. Restrictive permissions since configs may
// carry credentials.
func SaveYAML(path string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}
