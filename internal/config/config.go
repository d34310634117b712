package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// WorkDir holds per-project document directories (work_<project>/pdf).
	WorkDir string `json:"workDir" toml:"work_dir"`
	// DataDir holds the Pebble store. Empty means the OS default location.
	DataDir string `json:"dataDir" toml:"data_dir"`
	// HTTPAddr is the API listen address.
	HTTPAddr string `json:"httpAddr" toml:"http_addr"`

	Heartbeat HeartbeatConfig `json:"heartbeat" toml:"heartbeat"`
	Sink      SinkConfig      `json:"sink" toml:"sink"`
	Log       LogConfig       `json:"log" toml:"log"`
}

// HeartbeatConfig controls lease liveness timing. The grace window bounds how
// long a disconnected lease survives before its unit returns to the pool.
type HeartbeatConfig struct {
	GraceWindowMs  int64 `json:"graceWindowMs" toml:"grace_window_ms"`
	PingIntervalMs int64 `json:"pingIntervalMs" toml:"ping_interval_ms"`
	// ReaperIntervalMs is how often expired reclaim deadlines are swept.
	ReaperIntervalMs int64 `json:"reaperIntervalMs" toml:"reaper_interval_ms"`
}

// GraceWindow returns the grace window as a duration.
func (h HeartbeatConfig) GraceWindow() time.Duration {
	return time.Duration(h.GraceWindowMs) * time.Millisecond
}

// PingInterval returns the ping interval as a duration.
func (h HeartbeatConfig) PingInterval() time.Duration {
	return time.Duration(h.PingIntervalMs) * time.Millisecond
}

// ReaperInterval returns the reaper sweep interval as a duration.
func (h HeartbeatConfig) ReaperInterval() time.Duration {
	return time.Duration(h.ReaperIntervalMs) * time.Millisecond
}

// SinkConfig selects the submission sink implementation.
type SinkConfig struct {
	// Driver is "csv" (per-project data.csv under WorkDir) or "postgres".
	Driver string `json:"driver" toml:"driver"`
	// PostgresURL is the pgx connection string when Driver is "postgres".
	PostgresURL string `json:"postgresUrl" toml:"postgres_url"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		WorkDir:  "./work",
		HTTPAddr: ":8080",
		Heartbeat: HeartbeatConfig{
			GraceWindowMs:    10_000,
			PingIntervalMs:   5_000,
			ReaperIntervalMs: 1_000,
		},
		Sink: SinkConfig{Driver: "csv"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or TOML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Heartbeat.GraceWindowMs <= c.Heartbeat.PingIntervalMs {
		return fmt.Errorf("config: grace window (%dms) must exceed ping interval (%dms)",
			c.Heartbeat.GraceWindowMs, c.Heartbeat.PingIntervalMs)
	}
	if c.Heartbeat.PingIntervalMs <= 0 {
		return fmt.Errorf("config: ping interval must be positive")
	}
	if c.Heartbeat.ReaperIntervalMs <= 0 {
		return fmt.Errorf("config: reaper interval must be positive")
	}
	switch c.Sink.Driver {
	case "csv":
	case "postgres":
		if c.Sink.PostgresURL == "" {
			return fmt.Errorf("config: sink driver postgres requires postgres_url")
		}
	default:
		return fmt.Errorf("config: unknown sink driver %q", c.Sink.Driver)
	}
	return nil
}
