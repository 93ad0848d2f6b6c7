package engine

// defaultSchedule is used if the schedule is somehow empty.
var defaultSchedule = []Lane{LaneHigh, LaneNormal, LaneLow, LaneIO}

// buildSchedule lays out each lane, in fixed order, Weight(lane) times.
// For weights 3/1/1/1 the cycle is [High High High Normal Low IO].
func buildSchedule(cfg Config) []Lane {
	n := 0
	for _, l := range laneOrder {
		n += int(cfg.Weight(l))
	}
	out := make([]Lane, 0, n)
	for _, l := range laneOrder {
		for i := uint(0); i < cfg.Weight(l); i++ {
			out = append(out, l)
		}
	}
	return out
}

// laneQueue is a FIFO of tasks plus lifetime counters.
type laneQueue struct {
	tasks []Task

	enqueued uint64
	executed uint64
	faulted  uint64
	inflight int
}

func (q *laneQueue) push(t Task) {
	q.tasks = append(q.tasks, t)
	q.enqueued++
}

func (q *laneQueue) pop() Task {
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if len(q.tasks) == 0 {
		q.tasks = nil
	}
	return t
}

func (q *laneQueue) clear() int {
	n := len(q.tasks)
	clear(q.tasks)
	q.tasks = nil
	return n
}

// tryPopLocked scans at most one full lap of the schedule starting at the
// cursor and pops the first non-empty lane it lands on. The cursor advances
// on every step, including a fruitless lap, so the next call continues where
// this one stopped. Caller holds s.mu.
func (s *Service) tryPopLocked() (Lane, Task, bool) {
	if len(s.schedule) == 0 {
		s.schedule = append([]Lane(nil), defaultSchedule...)
		s.cursor = 0
	}
	n := len(s.schedule)
	for i := 0; i < n; i++ {
		l := s.schedule[s.cursor]
		s.cursor = (s.cursor + 1) % n

		q := &s.lanes[l]
		if len(q.tasks) > 0 {
			q.inflight++
			return l, q.pop(), true
		}
	}
	return 0, nil, false
}

func (s *Service) hasPendingLocked() bool {
	for i := range s.lanes {
		if len(s.lanes[i].tasks) > 0 {
			return true
		}
	}
	return false
}

func (s *Service) clearAllLocked() int {
	n := 0
	for i := range s.lanes {
		n += s.lanes[i].clear()
	}
	return n
}
