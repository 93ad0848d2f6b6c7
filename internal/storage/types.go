package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the persistence API used by the reporter, the fault recorder and IPC ops.
// Recent* return newest first.
type Store interface {
	AppendStats(ctx context.Context, r StatsRecord) error
	AppendFault(ctx context.Context, r FaultRecord) error
	RecentStats(ctx context.Context, limit int) ([]StatsRecord, error)
	RecentFaults(ctx context.Context, limit int) ([]FaultRecord, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRows bounds each history (stats, faults); 0 means DefaultMaxRows.
	MaxRows int
}

const DefaultMaxRows = 10000

func (c Config) maxRows() int {
	if c.MaxRows <= 0 {
		return DefaultMaxRows
	}
	return c.MaxRows
}

// LaneRecord is one lane's counters inside a StatsRecord.
type LaneRecord struct {
	Lane     string `json:"lane"`
	Enqueued uint64 `json:"enqueued"`
	Executed uint64 `json:"executed"`
	Faulted  uint64 `json:"faulted"`
	Pending  int    `json:"pending"`
}

// StatsRecord is a persisted engine stats snapshot.
// Keep it compact and schema-stable.
type StatsRecord struct {
	At         time.Time    `json:"at"`
	RunID      string       `json:"run_id,omitempty"`
	Workers    int          `json:"workers"`
	EWMAMicros float64      `json:"ewma_usec"`
	Lanes      []LaneRecord `json:"lanes"`
}

// FaultRecord is a persisted task fault.
type FaultRecord struct {
	At     time.Time `json:"at"`
	RunID  string    `json:"run_id,omitempty"`
	Lane   string    `json:"lane"`
	Worker int       `json:"worker"`
	Error  string    `json:"error"`
	Panic  bool      `json:"panic,omitempty"`
}
