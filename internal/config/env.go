package config

import (
	"os"
	"strconv"
)

// FromEnv overlays MSGBUS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("MSGBUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MSGBUS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("MSGBUS_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("MSGBUS_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("MSGBUS_MAX_BACKLOG_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBacklogSize = n
		}
	}
	if v := os.Getenv("MSGBUS_MAX_BACKLOG_AGE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBacklogAgeMs = n
		}
	}
	if v := os.Getenv("MSGBUS_LONG_POLL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LongPollTimeoutMs = n
		}
	}
	if v := os.Getenv("MSGBUS_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalMs = n
		}
	}
	if v := os.Getenv("MSGBUS_MAX_WAITERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWaiters = n
		}
	}
	if v := os.Getenv("MSGBUS_KEEPALIVE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeepaliveIntervalMs = n
		}
	}
	if v := os.Getenv("MSGBUS_DEFAULT_SITE"); v != "" {
		cfg.DefaultSite = v
	}
	if v := os.Getenv("MSGBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MSGBUS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
