package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate performs static checks that do not need any runtime component.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if cfg.Engine.Workers < 0 {
		add("engine.workers: must be >= 0")
	}

	if ipc := cfg.IPC; ipc != nil && ipc.Enabled {
		switch strings.ToLower(strings.TrimSpace(ipc.Network)) {
		case "", "unix", "tcp":
		default:
			add("ipc.network: must be unix or tcp, got %q", ipc.Network)
		}
		if strings.TrimSpace(ipc.Addr) == "" {
			add("ipc.addr: required when ipc is enabled")
		}
		if _, err := ParseDurationField("ipc.request_timeout", ipc.RequestTimeout); err != nil {
			errs = append(errs, err)
		}
		if ipc.MaxLineBytes < 0 {
			add("ipc.max_line_bytes: must be >= 0")
		}
	}

	for path, raw := range map[string]string{
		"diag.read_timeout":  cfg.Diag.ReadTimeout,
		"diag.write_timeout": cfg.Diag.WriteTimeout,
		"diag.idle_timeout":  cfg.Diag.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if r := cfg.Reporter; r != nil && strings.TrimSpace(r.Timezone) != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(r.Timezone)); err != nil {
			add("reporter.timezone: %w", err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
