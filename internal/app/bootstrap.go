package app

import (
	"fmt"
	"strings"
	"time"

	"lanebridge/internal/config"
	"lanebridge/internal/ipc"
	"lanebridge/internal/lane/engine"
	"lanebridge/internal/observability/diag"
	"lanebridge/internal/reporter"
	"lanebridge/internal/storage"
	logx "lanebridge/pkg/logx"
)

const defaultFaultLogPerSec = 20

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapEngineConfig applies the 8/4/1/2 defaults only when no weight was given.
func mapEngineConfig(ec config.EngineConfig) engine.Config {
	out := engine.DefaultConfig()
	out.Workers = ec.Workers
	if !ec.Weights.IsZero() {
		out.WeightHigh = ec.Weights.High
		out.WeightNormal = ec.Weights.Normal
		out.WeightLow = ec.Weights.Low
		out.WeightIO = ec.Weights.IO
	}
	out.DrainOnStop = ec.Drain()
	return out
}

// faultLogRate maps fault_log_per_sec: 0 means the default, negative means unlimited.
func faultLogRate(ec config.EngineConfig) (float64, int) {
	switch {
	case ec.FaultLogPerSec < 0:
		return 0, 0
	case ec.FaultLogPerSec == 0:
		return defaultFaultLogPerSec, defaultFaultLogPerSec
	default:
		return ec.FaultLogPerSec, max(int(ec.FaultLogPerSec), 1)
	}
}

type ipcSettings struct {
	Enabled bool
	Server  ipc.ServerConfig
	Timeout time.Duration
}

func mapIPCConfig(cfg *config.Config) (ipcSettings, error) {
	if cfg == nil || cfg.IPC == nil || !cfg.IPC.Enabled {
		return ipcSettings{}, nil
	}
	c := cfg.IPC
	timeout, err := config.ParseDurationOrDefault("ipc.request_timeout", c.RequestTimeout, ipc.DefaultRequestTimeout)
	if err != nil {
		return ipcSettings{}, err
	}
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return ipcSettings{}, fmt.Errorf("ipc.addr is required when ipc.enabled=true")
	}
	return ipcSettings{
		Enabled: true,
		Server: ipc.ServerConfig{
			Network:      strings.ToLower(strings.TrimSpace(c.Network)),
			Addr:         addr,
			MaxLineBytes: c.MaxLineBytes,
		},
		Timeout: timeout,
	}, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	d := cfg.Diag
	read, err := config.ParseDurationOrDefault("diag.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("diag.write_timeout", d.WriteTimeout, 0)
	if err != nil {
		return diag.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("diag.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}

func mapReporterConfig(cfg *config.Config) (reporter.Config, bool) {
	if cfg == nil || cfg.Reporter == nil {
		return reporter.Config{}, false
	}
	r := cfg.Reporter
	return reporter.Config{
		Spec:     strings.TrimSpace(r.Spec),
		Timezone: strings.TrimSpace(r.Timezone),
	}, r.Enabled
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
