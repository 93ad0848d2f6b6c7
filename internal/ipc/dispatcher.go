package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanebridge/internal/lane/engine"
	logx "lanebridge/pkg/logx"
)

const DefaultRequestTimeout = 5 * time.Second

// Engine is the part of the lane engine the dispatcher needs.
type Engine interface {
	Enqueue(lane engine.Lane, task engine.Task) bool
}

type Dispatcher struct {
	reg     *Registry
	eng     Engine
	timeout time.Duration
	log     logx.Logger
}

type DispatcherOption func(*Dispatcher)

func WithTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.log = log }
}

func NewDispatcher(reg *Registry, eng Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg, eng: eng, timeout: DefaultRequestTimeout}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

type outcome struct {
	val  any
	err  error
	wait time.Duration
}

// Dispatch runs req and always returns a response; failures have OK=false.
// A request without an ID gets a generated one.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	op, ok := d.reg.Lookup(strings.TrimSpace(req.Op))
	if !ok {
		return failure(id, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()

	var (
		out  outcome
		lane engine.Lane
	)
	if op.Inline {
		out.val, out.err = call(ctx, op, req.Args)
	} else {
		lane = op.Lane
		if op.LaneArg {
			var a struct {
				Lane *engine.Lane `json:"lane"`
			}
			if err := decodeArgs(req.Args, &a); err != nil {
				return failure(id, err)
			}
			if a.Lane != nil {
				lane = *a.Lane
			}
		}
		out = d.enqueue(ctx, op, lane, req.Args)
	}

	resp := Response{ID: id}
	if !op.Inline {
		resp.Lane = strings.ToLower(lane.String())
		resp.WaitMicros = out.wait.Microseconds()
	}
	if out.err != nil {
		d.log.Debug("ipc op failed",
			logx.String("id", id),
			logx.String("op", op.Name),
			logx.Duration("took", time.Since(start)),
			logx.Err(out.err),
		)
		resp.Error = out.err.Error()
		return resp
	}
	b, err := json.Marshal(out.val)
	if err != nil {
		resp.Error = fmt.Sprintf("encode result: %v", err)
		return resp
	}
	resp.OK = true
	resp.Result = b
	return resp
}

// enqueue wraps the op in a task on lane and waits for its outcome or ctx.
func (d *Dispatcher) enqueue(ctx context.Context, op Op, lane engine.Lane, args json.RawMessage) outcome {
	done := make(chan outcome, 1)
	queuedAt := time.Now()
	task := func() error {
		wait := time.Since(queuedAt)
		if err := ctx.Err(); err != nil {
			done <- outcome{err: err, wait: wait}
			return nil
		}
		v, err := call(ctx, op, args)
		done <- outcome{val: v, err: err, wait: wait}
		// Only a panic is an engine fault; a handler error is the op's answer.
		var pe *engine.PanicError
		if errors.As(err, &pe) {
			return err
		}
		return nil
	}
	if !d.eng.Enqueue(lane, task) {
		return outcome{err: ErrRejected}
	}
	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("op %s: %w", op.Name, ctx.Err()), wait: time.Since(queuedAt)}
	}
}

// call runs the handler, turning a panic into an *engine.PanicError.
func call(ctx context.Context, op Op, args json.RawMessage) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return op.Handler(ctx, args)
}
