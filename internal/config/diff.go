package config

import (
	"sort"
	"strings"

	logx "lanebridge/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if EngineChanged(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		w := newCfg.Engine.Weights
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Uint64("engine.weight_high", uint64(w.High)),
			logx.Uint64("engine.weight_normal", uint64(w.Normal)),
			logx.Uint64("engine.weight_low", uint64(w.Low)),
			logx.Uint64("engine.weight_io", uint64(w.IO)),
			logx.Bool("engine.drain_on_stop", newCfg.Engine.Drain()),
		)
	}

	oIPC, nIPC := derefIPC(oldCfg.IPC), derefIPC(newCfg.IPC)
	if oIPC != nIPC {
		changed = append(changed, "ipc")
		attrs = append(attrs,
			logx.Bool("ipc.enabled", nIPC.Enabled),
			logx.String("ipc.network", nIPC.Network),
			logx.String("ipc.addr", nIPC.Addr),
		)
	}

	// Compare the token by presence only.
	oDiag, nDiag := oldCfg.Diag, newCfg.Diag
	oTok, nTok := strings.TrimSpace(oDiag.Token) != "", strings.TrimSpace(nDiag.Token) != ""
	oDiag.Token, nDiag.Token = "", ""
	if oDiag != nDiag || oTok != nTok {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nDiag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(nDiag.Addr)),
			logx.Bool("diag.token_set", nTok),
			logx.Bool("diag.allow_insecure", nDiag.AllowInsecure),
		)
	}

	oRep, nRep := derefReporter(oldCfg.Reporter), derefReporter(newCfg.Reporter)
	if oRep != nRep {
		changed = append(changed, "reporter")
		attrs = append(attrs,
			logx.Bool("reporter.enabled", nRep.Enabled),
			logx.String("reporter.spec", nRep.Spec),
			logx.String("reporter.timezone", nRep.Timezone),
		)
	}

	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nSt.Driver),
			logx.Bool("storage.path_set", nSt.Path != ""),
			logx.String("storage.busy_timeout", nSt.BusyTimeout),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// EngineChanged reports whether the effective engine settings differ.
func EngineChanged(a, b EngineConfig) bool {
	return a.Workers != b.Workers ||
		a.Weights != b.Weights ||
		a.Drain() != b.Drain() ||
		a.FaultLogPerSec != b.FaultLogPerSec
}

func derefIPC(c *IPCConfig) IPCConfig {
	if c == nil {
		return IPCConfig{}
	}
	out := *c
	out.Network = strings.ToLower(strings.TrimSpace(out.Network))
	out.Addr = strings.TrimSpace(out.Addr)
	return out
}

func derefReporter(c *ReporterConfig) ReporterConfig {
	if c == nil {
		return ReporterConfig{}
	}
	out := *c
	out.Spec = strings.TrimSpace(out.Spec)
	out.Timezone = strings.TrimSpace(out.Timezone)
	return out
}

func derefStorage(c *StorageConfig) StorageConfig {
	if c == nil {
		return StorageConfig{}
	}
	return StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:        strings.TrimSpace(c.Path),
		BusyTimeout: strings.TrimSpace(c.BusyTimeout),
	}
}
