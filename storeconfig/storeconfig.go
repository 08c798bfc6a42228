// Package storeconfig loads and validates the process configuration: the
// NATS connection, lock-table lease and commit ack timeouts, the metrics
// and health server addresses, and the set of modules to install at
// startup. Configuration is YAML on disk — grounded on the pack's
// AleutianLocal config loader (cmd/aleutian/config/loader.go) rather
// than the teacher's JSON+hand-rolled-Validate config, since the teacher
// has no YAML config anywhere to adapt — validated with struct tags via
// go-playground/validator, grounded on the same pack's chat datatypes
// (services/orchestrator/datatypes/chat.go).
package storeconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NATSConfig describes the connection to the shared JetStream substrate
// standing in for MAIN-SHM/Ext-SHM/MODULE_LOCKS/Sub-SHM/replay streams.
type NATSConfig struct {
	URL               string        `yaml:"url" validate:"required,uri"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" validate:"required"`
	CircuitThreshold  int32         `yaml:"circuit_threshold" validate:"min=1"`
}

// LockConfig tunes the module lock table.
type LockConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"required"`
}

// CommitConfig tunes the commit orchestrator.
type CommitConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout" validate:"required"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
	Path    string `yaml:"path"`
}

// HealthConfig configures the health-check polling interval and the
// optional HTTP endpoint serving the aggregate and per-component view.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"required_if=Enabled true"`
	Addr     string        `yaml:"addr"`
	Path     string        `yaml:"path"`
}

// ModuleConfig describes one module to install at startup. SchemaFile,
// if set, names a JSON Schema projection of the module's mandatory/type
// constraints, registered with the commit and RPC validators so they
// can reject invalid input instead of only running the structural
// leafref/unique/min-max-elements passes.
type ModuleConfig struct {
	Name          string `yaml:"name" validate:"required"`
	Revision      string `yaml:"revision" validate:"required"`
	Owner         string `yaml:"owner"`
	Group         string `yaml:"group"`
	ReplayEnabled bool   `yaml:"replay_enabled"`
	Implemented   bool   `yaml:"implemented"`
	SchemaFile    string `yaml:"schema_file"`
}

// Config is the complete process configuration.
type Config struct {
	NATS    NATSConfig     `yaml:"nats" validate:"required"`
	Lock    LockConfig     `yaml:"lock" validate:"required"`
	Commit  CommitConfig   `yaml:"commit" validate:"required"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Health  HealthConfig   `yaml:"health"`
	Modules []ModuleConfig `yaml:"modules" validate:"dive"`
}

var validate = validator.New()

// Default returns a Config usable against a local single-node NATS
// server with no modules pre-installed.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:              "nats://127.0.0.1:4222",
			ConnectTimeout:   5 * time.Second,
			CircuitThreshold: 5,
		},
		Lock:   LockConfig{LeaseTTL: 10 * time.Second},
		Commit: CommitConfig{AckTimeout: 10 * time.Second},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Health: HealthConfig{Enabled: true, Interval: 15 * time.Second, Addr: ":9091", Path: "/health"},
	}
}

// Load reads and validates a YAML config file at path. If the file
// does not exist, it is created with Default's contents first, the
// same first-run behavior the pack's AleutianLocal loader follows.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storeconfig: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("storeconfig: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storeconfig: validate %s: %w", path, err)
	}
	return cfg, nil
}

// Validate runs the struct-tag validation pass over cfg plus the
// hand-rolled module-uniqueness check go-playground/validator's tags
// can't express on their own.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if seen[m.Name] {
			return fmt.Errorf("storeconfig: duplicate module %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

func writeDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("storeconfig: marshal default: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("storeconfig: write %s: %w", path, err)
	}
	return nil
}
