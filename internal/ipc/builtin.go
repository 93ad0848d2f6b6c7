package ipc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"lanebridge/internal/lane/engine"
	"lanebridge/internal/storage"
)

// EngineOps is the engine surface used by the built-in ops.
type EngineOps interface {
	Stats() engine.Stats
	IsRunning() bool
	WorkerCount() int
	Config() engine.Config
	FlushContext(ctx context.Context) error
	ResetStats()
}

// Builtins holds what the built-in ops read from. Store is optional.
type Builtins struct {
	Engine  EngineOps
	Store   storage.Store
	Version string
	Started time.Time
}

const maxRecent = 1000

type EngineStatus struct {
	Running     bool            `json:"running"`
	RunID       string          `json:"run_id,omitempty"`
	Workers     int             `json:"workers"`
	Weights     map[string]uint `json:"weights"`
	DrainOnStop bool            `json:"drain_on_stop"`
	Pending     int             `json:"pending"`
	Version     string          `json:"version,omitempty"`
	Uptime      string          `json:"uptime,omitempty"`
}

// RegisterBuiltins adds ping, ops, engine.* and (with a store) *.recent ops.
func RegisterBuiltins(reg *Registry, b Builtins) error {
	ops := []Op{
		{
			Name:    "ping",
			Help:    `round-trip through a lane; args {"lane":"high|normal|low|io"}`,
			Lane:    engine.LaneHigh,
			LaneArg: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return map[string]any{"pong": true, "at": time.Now().UTC()}, nil
			},
		},
		{
			Name:   "ops",
			Help:   "list registered ops",
			Inline: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				out := map[string]string{}
				for _, op := range reg.Ops() {
					out[op.Name] = op.Help
				}
				return out, nil
			},
		},
		{
			Name:   "engine.stats",
			Help:   "counters, queue depths and ewma",
			Inline: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return b.Engine.Stats(), nil
			},
		},
		{
			Name:    "engine.status",
			Help:    "running state and configuration",
			Inline:  true,
			Handler: func(context.Context, json.RawMessage) (any, error) { return b.status(), nil },
		},
		{
			Name:   "engine.flush",
			Help:   "wait until every lane is empty (bounded by the request timeout)",
			Inline: true,
			Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
				if err := b.Engine.FlushContext(ctx); err != nil {
					return nil, err
				}
				return map[string]int{"pending": b.Engine.Stats().TotalPending()}, nil
			},
		},
		{
			Name:   "engine.reset_stats",
			Help:   "zero lifetime counters and the ewma",
			Inline: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				b.Engine.ResetStats()
				return b.Engine.Stats(), nil
			},
		},
	}
	if b.Store != nil {
		ops = append(ops,
			Op{
				Name: "stats.recent",
				Help: `recent persisted stats snapshots, newest first; args {"limit":10}`,
				Lane: engine.LaneIO,
				Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
					n, err := limitArg(args)
					if err != nil {
						return nil, err
					}
					return b.Store.RecentStats(ctx, n)
				},
			},
			Op{
				Name: "faults.recent",
				Help: `recent persisted task faults, newest first; args {"limit":10}`,
				Lane: engine.LaneIO,
				Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
					n, err := limitArg(args)
					if err != nil {
						return nil, err
					}
					return b.Store.RecentFaults(ctx, n)
				},
			},
		)
	}
	for _, op := range ops {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}

func (b Builtins) status() EngineStatus {
	st := b.Engine.Stats()
	cfg := b.Engine.Config()
	out := EngineStatus{
		Running:     b.Engine.IsRunning(),
		RunID:       st.RunID,
		Workers:     b.Engine.WorkerCount(),
		Weights:     map[string]uint{},
		DrainOnStop: cfg.DrainOnStop,
		Pending:     st.TotalPending(),
		Version:     b.Version,
	}
	for _, l := range engine.Lanes() {
		out.Weights[strings.ToLower(l.String())] = cfg.Weight(l)
	}
	if !b.Started.IsZero() {
		out.Uptime = time.Since(b.Started).Round(time.Second).String()
	}
	return out
}

func limitArg(raw json.RawMessage) (int, error) {
	a := struct {
		Limit int `json:"limit"`
	}{Limit: 10}
	if err := decodeArgs(raw, &a); err != nil {
		return 0, err
	}
	return min(max(a.Limit, 1), maxRecent), nil
}
