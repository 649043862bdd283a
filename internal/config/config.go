// Package config provides YAML configuration loading and validation for
// RepCL nodes, the simulator, and the collector.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure shared by repcl-node,
// repcl-sim, and repcl-collector. Not every field applies to every binary;
// each command documents which subset it reads.
type Config struct {
	// NodeID is this process's peer identifier. Required; must be in
	// [0, NumProcs).
	NodeID uint `yaml:"node_id"`

	// Clock holds the core ReplayClock configuration constants.
	Clock ClockConfig `yaml:"clock"`

	// Peers is the ordered list of "host:port" addresses of every other
	// node in the deployment, indexed by peer id (this node's own entry
	// may be empty). Required for repcl-node in distributed mode.
	Peers []string `yaml:"peers"`

	// Delta is the channel propagation delay in milliseconds. repcl-sim
	// uses it to configure its CSMA channel; repcl-node records it as the
	// delta field of every telemetry record.
	Delta uint32 `yaml:"delta_ms"`

	// Alpha is the interval in milliseconds between periodic SendLocal
	// broadcasts, used by both repcl-sim and repcl-node.
	Alpha uint32 `yaml:"alpha_ms"`

	// CollectorAddr is the gRPC endpoint of the telemetry collector
	// (e.g. "collector.example.com:4443"). Empty disables streaming to a
	// collector (dev mode: telemetry is still written locally).
	CollectorAddr string `yaml:"collector_addr"`

	// TelemetryPath is the path to the local SQLite telemetry database.
	// Defaults to "./repcl-telemetry.db" when omitted.
	TelemetryPath string `yaml:"telemetry_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// ClockConfig mirrors clock.Config with yaml tags; callers convert it with
// ToClockConfig.
type ClockConfig struct {
	// NumProcs is the upper bound on peer-id width in the bitmap.
	// Required; must be in [1, 32].
	NumProcs uint `yaml:"num_procs"`

	// MaxOffsetSize is the bit width of one stored offset. Required;
	// NumProcs * MaxOffsetSize must not exceed 32.
	MaxOffsetSize uint `yaml:"max_offset_size"`

	// Epsilon is the offset eviction threshold. Required; must satisfy
	// 1 <= epsilon < 2^MaxOffsetSize.
	Epsilon uint32 `yaml:"epsilon"`

	// Interval is the tick quantum applied before calling into the core.
	// Defaults to 1 when omitted.
	Interval uint32 `yaml:"interval"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. On validation failure it
// returns one wrapped error that joins every failure found.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.TelemetryPath == "" {
		cfg.TelemetryPath = "./repcl-telemetry.db"
	}
	if cfg.Clock.Interval == 0 {
		cfg.Clock.Interval = 1
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 1000
	}
}

// validate checks that all required fields are populated and within the
// ranges spec.md §6 places on the core's configuration constants.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Clock.NumProcs < 1 || cfg.Clock.NumProcs > 32 {
		errs = append(errs, errors.New("clock.num_procs must be in [1, 32]"))
	}
	if cfg.Clock.MaxOffsetSize < 1 {
		errs = append(errs, errors.New("clock.max_offset_size must be >= 1"))
	}
	if cfg.Clock.NumProcs*cfg.Clock.MaxOffsetSize > 32 {
		errs = append(errs, errors.New("clock.num_procs * clock.max_offset_size must not exceed 32"))
	}
	if cfg.Clock.MaxOffsetSize >= 1 && cfg.Clock.MaxOffsetSize < 32 {
		if cfg.Clock.Epsilon < 1 || cfg.Clock.Epsilon >= 1<<cfg.Clock.MaxOffsetSize {
			errs = append(errs, fmt.Errorf("clock.epsilon must satisfy 1 <= epsilon < 2^max_offset_size"))
		}
	}
	if cfg.NodeID >= cfg.Clock.NumProcs {
		errs = append(errs, fmt.Errorf("node_id %d must be < clock.num_procs %d", cfg.NodeID, cfg.Clock.NumProcs))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
