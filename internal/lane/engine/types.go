package engine

import (
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"lanebridge/internal/eventbus"
	logx "lanebridge/pkg/logx"
)

// Task is an opaque unit of work. Returning an error (or panicking) marks the
// run as faulted; the engine never inspects the task otherwise.
type Task func() error

// Config controls the engine. It is fixed while the engine runs; use
// Reconfigure between Stop and Start to change it.
//
// Weights are relative service shares per lane. A zero weight is clamped to 1
// when the schedule is built, so every lane is always served.
type Config struct {
	// Workers is the number of worker goroutines; 0 means runtime.NumCPU().
	Workers int

	WeightHigh   uint
	WeightNormal uint
	WeightLow    uint
	WeightIO     uint

	// DrainOnStop makes Stop run every queued task before returning.
	// When false, Stop discards queued tasks.
	DrainOnStop bool
}

// DefaultConfig returns weights 8/4/1/2 with draining enabled.
func DefaultConfig() Config {
	return Config{
		WeightHigh:   8,
		WeightNormal: 4,
		WeightLow:    1,
		WeightIO:     2,
		DrainOnStop:  true,
	}
}

// Weight returns the clamped (>= 1) weight of l.
func (c Config) Weight(l Lane) uint {
	var w uint
	switch l {
	case LaneHigh:
		w = c.WeightHigh
	case LaneNormal:
		w = c.WeightNormal
	case LaneLow:
		w = c.WeightLow
	case LaneIO:
		w = c.WeightIO
	}
	return max(w, 1)
}

func (c Config) workerCount() int {
	n := c.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(n, 1)
}

// Fault describes a task that returned an error or panicked.
type Fault struct {
	RunID  string
	Lane   Lane
	Worker int
	Err    error
	At     time.Time
}

// FaultHandler is invoked from the worker goroutine after the fault has been
// counted. It must not block for long and must not call Stop.
type FaultHandler func(f Fault)

// FaultEvent is the event bus payload for EventTaskFaulted.
type FaultEvent struct {
	RunID  string    `json:"run_id"`
	Lane   Lane      `json:"lane"`
	Worker int       `json:"worker"`
	Error  string    `json:"error"`
	Panic  bool      `json:"panic"`
	At     time.Time `json:"at"`
}

// LifecycleEvent is the event bus payload for EventStarted / EventStopped.
type LifecycleEvent struct {
	RunID   string `json:"run_id"`
	Workers int    `json:"workers"`
	Dropped int    `json:"dropped,omitempty"`
}

const (
	EventStarted     = "engine.started"
	EventStopped     = "engine.stopped"
	EventTaskFaulted = "task.faulted"
)

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithFaultHandler(fn FaultHandler) Option {
	return func(s *Service) { s.onFault = fn }
}

// WithFaultLogRate bounds how many task faults per second reach the logger.
// Faults over the budget are still counted and handed to the FaultHandler.
func WithFaultLogRate(perSec float64, burst int) Option {
	return func(s *Service) {
		if perSec <= 0 {
			s.faultLog = rate.NewLimiter(rate.Inf, 0)
			return
		}
		s.faultLog = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
	}
}
