package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"lanebridge/internal/lane/engine"
)

// Handler runs an op. args is the raw "args" value (may be empty).
// The result must be JSON-serializable.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type Op struct {
	Name string
	Help string
	// Lane is where the op runs as a task unless Inline is set.
	Lane engine.Lane
	// LaneArg lets the request pick the lane with args {"lane":"low"}.
	LaneArg bool
	// Inline ops run on the connection goroutine. Ops that wait on the engine
	// (flush) must be inline or they would occupy the worker they wait for.
	Inline  bool
	Handler Handler
}

type Registry struct {
	mu  sync.RWMutex
	ops map[string]Op
}

func NewRegistry() *Registry {
	return &Registry{ops: map[string]Op{}}
}

// Register adds op. Names are case-sensitive and must be unique.
func (r *Registry) Register(op Op) error {
	op.Name = strings.TrimSpace(op.Name)
	if op.Name == "" {
		return errors.New("op name required")
	}
	if op.Handler == nil {
		return fmt.Errorf("op %s: handler required", op.Name)
	}
	if !op.Inline && !op.Lane.Valid() {
		return fmt.Errorf("op %s: invalid lane %d", op.Name, op.Lane)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ops[op.Name]; dup {
		return fmt.Errorf("op %s already registered", op.Name)
	}
	r.ops[op.Name] = op
	return nil
}

func (r *Registry) Lookup(name string) (Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Ops returns all ops sorted by name.
func (r *Registry) Ops() []Op {
	r.mu.RLock()
	out := make([]Op, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
