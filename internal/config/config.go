// Package config loads node configuration from defaults, an optional YAML
// file and STATESYNC_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/marcus/statesync/internal/workflow"
)

// EnvPrefix is stripped from environment variables; "__" separates levels,
// so STATESYNC_SYNC__BATCH_SIZE sets sync.batch_size.
const EnvPrefix = "STATESYNC_"

// Config is the full node configuration
type Config struct {
	Node      NodeConfig      `koanf:"node"`
	Sync      SyncConfig      `koanf:"sync"`
	Transport TransportConfig `koanf:"transport"`
	Peers     []string        `koanf:"peers"`
	Admin     AdminConfig     `koanf:"admin"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
}

type NodeConfig struct {
	ID              string        `koanf:"id"`
	DataDir         string        `koanf:"data_dir"`
	Storage         string        `koanf:"storage"` // sqlite | memory
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type SyncConfig struct {
	Interval        time.Duration `koanf:"interval"`
	BatchSize       int           `koanf:"batch_size"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	RetryBackoffMax time.Duration `koanf:"retry_backoff_max"`
	SendTimeout     time.Duration `koanf:"send_timeout"`
	FlushTimeout    time.Duration `koanf:"flush_timeout"`
}

type TransportConfig struct {
	Kind       string `koanf:"kind"` // http | grpc
	ListenAddr string `koanf:"listen_addr"`
	Token      string `koanf:"token"`
}

type AdminConfig struct {
	ListenAddr  string   `koanf:"listen_addr"` // empty disables the admin API
	Token       string   `koanf:"token"`
	RateLimit   int      `koanf:"rate_limit"` // mutating requests per IP per minute, 0 = unlimited
	CORSOrigins []string `koanf:"cors_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// WorkflowConfig replaces the built-in transition table when States is set
type WorkflowConfig struct {
	States      []string            `koanf:"states"`
	Initial     string              `koanf:"initial"`
	Transitions map[string][]string `koanf:"transitions"`
}

// Defaults returns the default key/value set
func Defaults() map[string]any {
	return map[string]any{
		"node.data_dir":          "./data",
		"node.storage":           "sqlite",
		"node.shutdown_timeout":  "15s",
		"sync.interval":          "100ms",
		"sync.batch_size":        100,
		"sync.max_retries":       3,
		"sync.retry_backoff":     "200ms",
		"sync.retry_backoff_max": "10s",
		"sync.send_timeout":      "5s",
		"sync.flush_timeout":     "10s",
		"transport.kind":         "http",
		"transport.listen_addr":  "127.0.0.1:7400",
		"admin.listen_addr":      "127.0.0.1:7480",
		"admin.rate_limit":       600,
		"log.level":              "info",
		"log.format":             "text",
		"telemetry.enabled":      false,
		"telemetry.service_name": "statesync-node",
		"telemetry.sample_ratio": 1.0,
	}
}

// Load parses config from defaults, configPath (if set) and the
// environment, fills the node id from the hostname when unset and
// validates the result.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node.id is unset and hostname is unavailable: %w", err)
		}
		cfg.Node.ID = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Node.Storage {
	case "sqlite":
		if strings.TrimSpace(c.Node.DataDir) == "" {
			return fmt.Errorf("node.data_dir is required for sqlite storage")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid node.storage %q (must be sqlite or memory)", c.Node.Storage)
	}
	if c.Node.ShutdownTimeout <= 0 {
		return fmt.Errorf("node.shutdown_timeout must be > 0")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be > 0")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be > 0")
	}
	if c.Sync.RetryBackoff < 0 || c.Sync.RetryBackoffMax < 0 {
		return fmt.Errorf("sync.retry_backoff and sync.retry_backoff_max must be >= 0")
	}
	if c.Sync.SendTimeout <= 0 || c.Sync.FlushTimeout <= 0 {
		return fmt.Errorf("sync.send_timeout and sync.flush_timeout must be > 0")
	}

	if c.Transport.Kind != "http" && c.Transport.Kind != "grpc" {
		return fmt.Errorf("invalid transport.kind %q (must be http or grpc)", c.Transport.Kind)
	}
	for _, p := range c.Peers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("peers may not contain empty addresses")
		}
	}

	if c.Admin.RateLimit < 0 {
		return fmt.Errorf("admin.rate_limit must be >= 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}

	if _, err := c.Workflow.Table(); err != nil {
		return err
	}
	return nil
}

// Table builds the transition table, falling back to the built-in one
func (w WorkflowConfig) Table() (*workflow.Table, error) {
	if len(w.States) == 0 {
		return workflow.DefaultTable(), nil
	}
	return workflow.NewTable(workflow.ParseDefinition(w.States, w.Initial, w.Transitions))
}
