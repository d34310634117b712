package config

import (
	"os"
	"strconv"
)

// FromEnv overlays CORVEE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CORVEE_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CORVEE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CORVEE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CORVEE_GRACE_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Heartbeat.GraceWindowMs = n
		}
	}
	if v := os.Getenv("CORVEE_PING_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Heartbeat.PingIntervalMs = n
		}
	}
	if v := os.Getenv("CORVEE_REAPER_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Heartbeat.ReaperIntervalMs = n
		}
	}
	if v := os.Getenv("CORVEE_SINK_DRIVER"); v != "" {
		cfg.Sink.Driver = v
	}
	if v := os.Getenv("CORVEE_SINK_POSTGRES_URL"); v != "" {
		cfg.Sink.PostgresURL = v
	}
	if v := os.Getenv("CORVEE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CORVEE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
