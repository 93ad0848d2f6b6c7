package reporter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"lanebridge/internal/lane/engine"
	"lanebridge/internal/storage"
	logx "lanebridge/pkg/logx"
)

// Engine is the part of the lane engine the reporter needs.
type Engine interface {
	Enqueue(lane engine.Lane, task engine.Task) bool
	Stats() engine.Stats
}

type Config struct {
	// Spec is a schedule string accepted by NormalizeSpec; empty means DefaultSpec.
	Spec string
	// Timezone is an IANA name for cron field evaluation; empty means local time.
	Timezone string
}

// Status describes the reporter for diagnostics.
type Status struct {
	Running   bool      `json:"running"`
	Spec      string    `json:"spec"`
	Timezone  string    `json:"timezone"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Snapshots uint64    `json:"snapshots"`
	Skipped   uint64    `json:"skipped"`
	Rejected  uint64    `json:"rejected"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	spec   string
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	entry  cron.EntryID

	eng   Engine
	store storage.Store
	log   logx.Logger

	// queued is set while a snapshot task is waiting on or running in the IO
	// lane of run queuedRun; ticks of the same run are skipped. A task dropped
	// by a stop never clears it, so a new run ID takes the slot over.
	queueMu   sync.Mutex
	queued    bool
	queuedRun string
	gen       uint64

	prevMu sync.Mutex
	prev   engine.Stats
	prevAt time.Time

	snapshots atomic.Uint64
	skipped   atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a stopped reporter. store may be nil.
func New(cfg Config, eng Engine, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		eng:   eng,
		store: store,
		log:   log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks cfg without touching the running schedule.
func (s *Service) Validate(cfg Config) error {
	_, _, err := s.resolve(cfg)
	return err
}

func (s *Service) resolve(cfg Config) (string, *time.Location, error) {
	spec, err := NormalizeSpec(cfg.Spec)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", nil, fmt.Errorf("reporter spec %q: %w", spec, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return "", nil, fmt.Errorf("reporter timezone %q: %w", tz, err)
		}
	}
	return spec, loc, nil
}

// Start begins cron triggering. It is a no-op while already started.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil {
		return nil
	}
	spec, loc, err := s.resolve(s.cfg)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec, func() { s.Trigger() })
	if err != nil {
		return fmt.Errorf("reporter spec %q: %w", spec, err)
	}
	c.Start()
	s.c, s.entry, s.spec, s.loc = c, id, spec, loc
	s.log.Info("reporter started",
		logx.String("spec", spec),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// Stop stops triggering. A snapshot already queued on the engine still runs.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("reporter stopped")
}

// Apply swaps the configuration, restarting the schedule if it was running.
// An invalid cfg is rejected and the current schedule keeps running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	same := s.cfg == cfg
	running := s.c != nil
	s.mu.Unlock()
	if same {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if running {
		return s.startLocked()
	}
	return nil
}

// Trigger enqueues one snapshot task on the IO lane. It returns false when a
// previous snapshot is still queued or the engine rejected the task.
func (s *Service) Trigger() bool {
	run := s.eng.Stats().RunID
	s.queueMu.Lock()
	if s.queued && s.queuedRun == run {
		s.queueMu.Unlock()
		s.skipped.Add(1)
		s.log.Debug("stats snapshot skipped; previous still queued")
		return false
	}
	if s.queued {
		s.log.Debug("previous stats snapshot dropped by engine restart",
			logx.String("prev_run_id", s.queuedRun),
			logx.String("run_id", run),
		)
	}
	s.gen++
	g := s.gen
	s.queued, s.queuedRun = true, run
	s.queueMu.Unlock()

	ok := s.eng.Enqueue(engine.LaneIO, func() error {
		defer s.release(g)
		_, err := s.Snapshot(context.Background())
		return err
	})
	if !ok {
		s.release(g)
		s.rejected.Add(1)
		s.log.Debug("stats snapshot rejected; engine not running")
	}
	return ok
}

// release clears the queued slot if it still belongs to generation g.
func (s *Service) release(g uint64) {
	s.queueMu.Lock()
	if s.gen == g {
		s.queued, s.queuedRun = false, ""
	}
	s.queueMu.Unlock()
}

// Snapshot takes engine stats, logs a summary and appends it to the store.
func (s *Service) Snapshot(ctx context.Context) (engine.Stats, error) {
	now := time.Now()
	st := s.eng.Stats()

	s.prevMu.Lock()
	prev, prevAt := s.prev, s.prevAt
	s.prev, s.prevAt = st, now
	s.prevMu.Unlock()

	rate := "n/a"
	if !prevAt.IsZero() && prev.RunID == st.RunID {
		rate = Rate(prev, st, now.Sub(prevAt))
	}
	s.snapshots.Add(1)
	s.log.Info("lane stats",
		logx.String("summary", FormatStats(st)),
		logx.String("rate", rate),
		logx.String("run_id", st.RunID),
	)

	if s.store == nil {
		return st, nil
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.AppendStats(sctx, Record(st, now)); err != nil {
		return st, fmt.Errorf("store stats snapshot: %w", err)
	}
	return st, nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:  s.c != nil,
		Spec:     s.spec,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
	}
	if s.c != nil && s.entry != 0 {
		e := s.c.Entry(s.entry)
		st.Next, st.Prev = e.Next, e.Prev
	}
	rawSpec := s.cfg.Spec
	s.mu.Unlock()
	if st.Spec == "" {
		st.Spec, _ = NormalizeSpec(rawSpec)
	}
	st.Snapshots = s.snapshots.Load()
	st.Skipped = s.skipped.Load()
	st.Rejected = s.rejected.Load()
	return st
}
