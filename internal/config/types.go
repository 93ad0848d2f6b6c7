package config

// Config is the on-disk configuration (JSON or YAML).
//
// Optional sections are pointers so "omitted" and "explicitly disabled" can be
// told apart when summarizing reloads.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`

	IPC      *IPCConfig      `json:"ipc,omitempty"`
	Diag     DiagConfig      `json:"diag,omitempty"`
	Reporter *ReporterConfig `json:"reporter,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the lane engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: number of CPUs
//   - weights: high=8 normal=4 low=1 io=2 (only when all four are omitted)
//   - drain_on_stop: true
//   - fault_log_per_sec: 20 (burst = same value); negative disables throttling
//
// A single zero weight is clamped to 1 by the engine.
type EngineConfig struct {
	Workers int         `json:"workers,omitempty"`
	Weights LaneWeights `json:"weights,omitempty"`

	// DrainOnStop is a pointer so an explicit false is distinguishable from "omitted".
	DrainOnStop *bool `json:"drain_on_stop,omitempty"`

	FaultLogPerSec float64 `json:"fault_log_per_sec,omitempty"`
}

type LaneWeights struct {
	High   uint `json:"high,omitempty"`
	Normal uint `json:"normal,omitempty"`
	Low    uint `json:"low,omitempty"`
	IO     uint `json:"io,omitempty"`
}

// IsZero reports whether no weight was configured at all.
func (w LaneWeights) IsZero() bool { return w == LaneWeights{} }

// Drain returns the effective drain_on_stop value.
func (e EngineConfig) Drain() bool {
	if e.DrainOnStop == nil {
		return true
	}
	return *e.DrainOnStop
}

// IPCConfig controls the JSON-lines op endpoint.
//
// Example:
//
//	"ipc": { "enabled": true, "network": "unix", "addr": "/run/lanebridge.sock" }
type IPCConfig struct {
	Enabled bool   `json:"enabled"`
	Network string `json:"network,omitempty"` // "unix" (default) or "tcp"
	Addr    string `json:"addr,omitempty"`

	// RequestTimeout bounds a single op (Go duration string); default "5s".
	RequestTimeout string `json:"request_timeout,omitempty"`
	// MaxLineBytes caps a request line; default 64 KiB.
	MaxLineBytes int `json:"max_line_bytes,omitempty"`
}

// DiagConfig controls the optional diagnostics HTTP server (/healthz, /stats, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// ReporterConfig controls periodic stats snapshots.
type ReporterConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron spec with optional seconds field, or a descriptor such as
	// "@every 30s". Default "@every 30s".
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./lanebridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
