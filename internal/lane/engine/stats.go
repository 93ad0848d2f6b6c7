package engine

import "encoding/json"

// LaneStats is the per-lane part of a Stats snapshot.
type LaneStats struct {
	Enqueued uint64
	Executed uint64
	Faulted  uint64
	// Pending is the current queue depth; InFlight counts popped tasks still running.
	Pending  int
	InFlight int
}

// Stats is an immutable point-in-time snapshot taken under a single lock.
type Stats struct {
	RunID   string
	Running bool
	Workers int
	Lanes   [NumLanes]LaneStats
	// EWMAMicros is the smoothed task execution time in microseconds.
	EWMAMicros float64
}

func (s Stats) Lane(l Lane) LaneStats {
	if !l.Valid() {
		return LaneStats{}
	}
	return s.Lanes[l]
}

func (s Stats) TotalPending() int {
	n := 0
	for _, ls := range s.Lanes {
		n += ls.Pending
	}
	return n
}

func (s Stats) TotalExecuted() uint64 {
	var n uint64
	for _, ls := range s.Lanes {
		n += ls.Executed
	}
	return n
}

// Stats takes a consistent snapshot of counters, queue depths and the EWMA.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		RunID:      s.runID,
		Running:    s.running.Load(),
		Workers:    s.workers,
		EWMAMicros: s.ewmaUsec,
	}
	for i := range s.lanes {
		q := &s.lanes[i]
		st.Lanes[i] = LaneStats{
			Enqueued: q.enqueued,
			Executed: q.executed,
			Faulted:  q.faulted,
			Pending:  len(q.tasks),
			InFlight: q.inflight,
		}
	}
	return st
}

// ResetStats zeroes the lifetime counters and the EWMA. Work still queued or
// running is re-counted as enqueued so executed never overtakes enqueued.
func (s *Service) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lanes {
		q := &s.lanes[i]
		q.enqueued = uint64(len(q.tasks) + q.inflight)
		q.executed = 0
		q.faulted = 0
	}
	s.ewmaUsec = 0
}

type laneCounts map[string]uint64

type statsJSON struct {
	RunID    string     `json:"run_id,omitempty"`
	Running  bool       `json:"running"`
	Workers  int        `json:"workers"`
	Executed laneCounts `json:"executed"`
	Enqueued laneCounts `json:"enqueued"`
	Pending  laneCounts `json:"pending"`
	InFlight laneCounts `json:"inflight"`
	Faulted  laneCounts `json:"faulted"`
	EWMAUsec float64    `json:"ewma_usec"`
}

// MarshalJSON renders counters grouped by kind, keyed by lowercase lane name:
// {"executed":{"high":1,...},"enqueued":{...},"pending":{...},...,"ewma_usec":12.5}
func (s Stats) MarshalJSON() ([]byte, error) {
	out := statsJSON{
		RunID:    s.RunID,
		Running:  s.Running,
		Workers:  s.Workers,
		Executed: laneCounts{},
		Enqueued: laneCounts{},
		Pending:  laneCounts{},
		InFlight: laneCounts{},
		Faulted:  laneCounts{},
		EWMAUsec: s.EWMAMicros,
	}
	for _, l := range laneOrder {
		ls := s.Lanes[l]
		k := l.key()
		out.Executed[k] = ls.Executed
		out.Enqueued[k] = ls.Enqueued
		out.Pending[k] = uint64(ls.Pending)
		out.InFlight[k] = uint64(ls.InFlight)
		out.Faulted[k] = ls.Faulted
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; unknown lane keys are ignored.
func (s *Stats) UnmarshalJSON(b []byte) error {
	var in statsJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Stats{RunID: in.RunID, Running: in.Running, Workers: in.Workers, EWMAMicros: in.EWMAUsec}
	for _, l := range laneOrder {
		k := l.key()
		s.Lanes[l] = LaneStats{
			Enqueued: in.Enqueued[k],
			Executed: in.Executed[k],
			Faulted:  in.Faulted[k],
			Pending:  int(in.Pending[k]),
			InFlight: int(in.InFlight[k]),
		}
	}
	return nil
}
