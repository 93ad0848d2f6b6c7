package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lanebridge/internal/eventbus"
	rtsup "lanebridge/internal/runtime/supervisor"
	logx "lanebridge/pkg/logx"
)

// Service is the lane engine. Create it with New; the zero value is not usable.
type Service struct {
	// lifeMu serializes Start, Stop and Reconfigure.
	lifeMu  sync.Mutex
	running atomic.Bool
	sup     atomic.Pointer[rtsup.Supervisor]

	// mu guards everything below; cond is bound to it.
	mu       sync.Mutex
	cond     *sync.Cond
	cfg      Config
	lanes    [NumLanes]laneQueue
	schedule []Lane
	cursor   int
	stopping bool
	workers  int
	ewmaUsec float64
	runID    string
	// flushWaiters counts Flush callers parked on cond; Enqueue broadcasts
	// instead of signalling while any exist so a worker is always woken.
	flushWaiters int

	log      logx.Logger
	bus      eventbus.Bus
	onFault  FaultHandler
	faultLog *rate.Limiter

	faultsSuppressed atomic.Uint64
}

// New creates a stopped engine. Queues exist from here on; workers appear on Start.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		faultLog: rate.NewLimiter(rate.Limit(20), 20),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Start spawns the workers. It is a no-op while already running.
func (s *Service) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.stopping = false
	s.schedule = buildSchedule(s.cfg)
	s.cursor = 0
	n := s.cfg.workerCount()
	s.workers = n
	s.runID = uuid.NewString()
	runID := s.runID
	cycle := len(s.schedule)
	s.mu.Unlock()

	log := s.log.With(logx.String("run_id", runID))
	sup := rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Store(sup)
	for i := 0; i < n; i++ {
		idx := i
		sup.Go0(fmt.Sprintf("worker.%d", idx), func(context.Context) {
			s.worker(idx)
		})
	}

	log.Info("lane engine started", logx.Int("workers", n), logx.Int("cycle", cycle))
	s.publish(EventStarted, LifecycleEvent{RunID: runID, Workers: n})
}

// Stop stops accepting work, drains or discards queued tasks according to
// DrainOnStop, and returns once every worker has exited. It is a no-op while
// stopped. Must not be called from inside a task.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	s.stopping = true
	dropped := 0
	if !s.cfg.DrainOnStop {
		dropped = s.clearAllLocked()
	}
	runID := s.runID
	s.cond.Broadcast()
	s.mu.Unlock()

	if sup := s.sup.Swap(nil); sup != nil {
		_ = sup.Wait(context.Background())
		sup.Cancel()
	}

	s.mu.Lock()
	workers := s.workers
	s.workers = 0
	s.mu.Unlock()

	s.log.Info("lane engine stopped", logx.String("run_id", runID), logx.Int("dropped", dropped))
	s.publish(EventStopped, LifecycleEvent{RunID: runID, Workers: workers, Dropped: dropped})
}

// Flush blocks until no lane has pending work or the engine stops running.
// Tasks already popped may still be executing when it returns.
func (s *Service) Flush() {
	s.mu.Lock()
	for s.running.Load() && s.hasPendingLocked() {
		s.flushWaiters++
		s.cond.Wait()
		s.flushWaiters--
	}
	s.mu.Unlock()
}

// FlushContext is Flush bounded by ctx.
func (s *Service) FlushContext(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running.Load() && s.hasPendingLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.flushWaiters++
		s.cond.Wait()
		s.flushWaiters--
	}
	return nil
}

// Enqueue appends task to lane and wakes one worker. It returns false, with
// no side effects, when the engine is not running, is stopping, the task is
// nil or the lane is unknown.
func (s *Service) Enqueue(lane Lane, task Task) bool {
	if task == nil || !lane.Valid() || !s.running.Load() {
		return false
	}
	s.mu.Lock()
	if s.stopping || !s.running.Load() {
		s.mu.Unlock()
		return false
	}
	s.lanes[lane].push(task)
	wakeAll := s.flushWaiters > 0
	s.mu.Unlock()
	if wakeAll {
		s.cond.Broadcast()
	} else {
		s.cond.Signal()
	}
	return true
}

func (s *Service) IsRunning() bool { return s.running.Load() }

// WorkerCount returns the number of workers of the current run (0 when stopped).
func (s *Service) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure replaces the configuration. Only allowed while stopped; the new
// schedule and worker count take effect on the next Start. Counters are kept.
func (s *Service) Reconfigure(cfg Config) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return ErrRunning
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("lane engine reconfigured",
		logx.Int("workers", cfg.Workers),
		logx.String("weights", fmt.Sprintf("%d/%d/%d/%d", cfg.Weight(LaneHigh), cfg.Weight(LaneNormal), cfg.Weight(LaneLow), cfg.Weight(LaneIO))),
		logx.Bool("drain_on_stop", cfg.DrainOnStop),
	)
	return nil
}

// SetFaultLogRate changes the fault-log budget; it may be called at any time.
// perSec <= 0 removes the limit.
func (s *Service) SetFaultLogRate(perSec float64, burst int) {
	if perSec <= 0 {
		s.faultLog.SetLimit(rate.Inf)
		return
	}
	s.faultLog.SetBurst(max(burst, 1))
	s.faultLog.SetLimit(rate.Limit(perSec))
}

// Supervisor exposes the worker supervisor of the current run (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	return s.sup.Load()
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
