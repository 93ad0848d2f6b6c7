package engine

import (
	"errors"
	"runtime/debug"
	"time"

	logx "lanebridge/pkg/logx"
)

// ewmaAlpha weights the newest duration sample.
const ewmaAlpha = 0.1

func (s *Service) worker(idx int) {
	for {
		s.mu.Lock()
		for !s.stopping && !s.hasPendingLocked() {
			s.cond.Wait()
		}
		if s.stopping && (!s.cfg.DrainOnStop || !s.hasPendingLocked()) {
			s.mu.Unlock()
			break
		}
		lane, task, ok := s.tryPopLocked()
		runID := s.runID
		s.mu.Unlock()
		if !ok {
			continue
		}

		dur, err := runTask(task)

		s.mu.Lock()
		q := &s.lanes[lane]
		q.inflight--
		q.executed++
		if err != nil {
			q.faulted++
		}
		s.observeLocked(dur)
		if !s.hasPendingLocked() {
			s.cond.Broadcast()
		}
		s.mu.Unlock()

		if err != nil {
			s.reportFault(Fault{RunID: runID, Lane: lane, Worker: idx, Err: err, At: time.Now()})
		}
	}

	// Wake any Flush caller still waiting on this run.
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// runTask executes t, converting a panic into a *PanicError. The returned
// duration covers only the task body.
func runTask(t Task) (dur time.Duration, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		dur = time.Since(start)
	}()
	err = t()
	return dur, err
}

// observeLocked folds one duration sample into the EWMA. The first sample
// seeds the average.
func (s *Service) observeLocked(d time.Duration) {
	usec := float64(d) / float64(time.Microsecond)
	if s.ewmaUsec <= 0 {
		s.ewmaUsec = usec
		return
	}
	s.ewmaUsec = ewmaAlpha*usec + (1-ewmaAlpha)*s.ewmaUsec
}

func (s *Service) reportFault(f Fault) {
	var pe *PanicError
	isPanic := errors.As(f.Err, &pe)

	if s.faultLog == nil || s.faultLog.Allow() {
		fields := []logx.Field{
			logx.String("run_id", f.RunID),
			logx.String("lane", f.Lane.String()),
			logx.Int("worker", f.Worker),
			logx.Err(f.Err),
		}
		if n := s.faultsSuppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		if isPanic {
			s.log.Error("task.panicked", append(fields, logx.Stack(string(pe.Stack)))...)
		} else {
			s.log.Warn("task.faulted", fields...)
		}
	} else {
		s.faultsSuppressed.Add(1)
	}

	s.publish(EventTaskFaulted, FaultEvent{
		RunID:  f.RunID,
		Lane:   f.Lane,
		Worker: f.Worker,
		Error:  f.Err.Error(),
		Panic:  isPanic,
		At:     f.At,
	})

	if s.onFault != nil {
		func() {
			// A misbehaving handler must not take the worker down.
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("fault handler panicked", logx.Any("panic", r))
				}
			}()
			s.onFault(f)
		}()
	}
}
