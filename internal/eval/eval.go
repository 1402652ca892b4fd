// Package eval runs transition specs: given the current state and an
// event, an Evaluator computes the next state. The engine treats
// evaluators as pure functions and converts every error they return into
// a transition failure.
package eval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/automata/internal/ir"
)

// ErrTimeout is returned when an evaluation exceeds its deadline.
var ErrTimeout = errors.New("eval: timed out")

// Evaluator computes the state that results from applying an event.
type Evaluator interface {
	Evaluate(ctx context.Context, spec string, state ir.Value, eventType string, eventData ir.Value) (ir.Value, error)
}

// Func is a transition written in Go.
type Func func(ctx context.Context, state ir.Value, eventType string, eventData ir.Value) (ir.Value, error)

// Funcs resolves the transition spec as the name of a registered Func.
type Funcs map[string]Func

// Evaluate calls the Func named by spec. A panicking Func is reported as
// an error.
func (f Funcs) Evaluate(ctx context.Context, spec string, state ir.Value, eventType string, eventData ir.Value) (next ir.Value, err error) {
	fn, ok := f[spec]
	if !ok {
		return nil, fmt.Errorf("unknown transition function %q", spec)
	}
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("transition function %q panicked: %v", spec, r)
		}
	}()
	return fn(ctx, state, eventType, eventData)
}

type timeoutEvaluator struct {
	inner Evaluator
	d     time.Duration
}

// WithTimeout bounds every evaluation of ev by d. An evaluation that
// does not finish in time returns ErrTimeout; its goroutine is abandoned
// and its result discarded.
func WithTimeout(ev Evaluator, d time.Duration) Evaluator {
	return &timeoutEvaluator{inner: ev, d: d}
}

type result struct {
	v   ir.Value
	err error
}

func (t *timeoutEvaluator) Evaluate(ctx context.Context, spec string, state ir.Value, eventType string, eventData ir.Value) (ir.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := t.inner.Evaluate(ctx, spec, state, eventType, eventData)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, t.d)
		}
		return nil, ctx.Err()
	}
}
