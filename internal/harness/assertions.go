package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/automata/internal/broadcast"
	"github.com/roach88/automata/internal/store"
)

// evaluateAssertions checks every assertion and returns one message per
// failure.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion, result *Result) []string {
	var failures []string
	for i, a := range assertions {
		if msg := h.evaluate(ctx, a, result); msg != "" {
			failures = append(failures, fmt.Sprintf("assertions[%d] (%s): %s", i, a.Type, msg))
		}
	}
	return failures
}

func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) string {
	switch a.Type {
	case AssertFinalState:
		// Read the store directly: the check must not depend on any
		// principal's access.
		got, err := h.store.GetAutomata(ctx, h.id(a.Ref))
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Sprintf("automata %q not found", a.Ref)
		}
		if err != nil {
			return err.Error()
		}
		if a.Version != "" && got.Version != a.Version {
			return fmt.Sprintf("expected version %s, got %s", a.Version, got.Version)
		}
		if a.State != nil {
			return compareState(a.State, got.CurrentState)
		}
		return ""

	case AssertEventCount:
		events, err := h.store.ListEvents(ctx, h.id(a.Ref), store.EventQuery{})
		if err != nil {
			return err.Error()
		}
		if len(events) != a.Count {
			return fmt.Sprintf("expected %d events, got %d", a.Count, len(events))
		}
		return ""

	case AssertTraceCount:
		n := 0
		for _, ev := range result.Trace {
			if ev.Op != a.Op {
				continue
			}
			if a.Outcome == "" {
				n++
				continue
			}
			if ev.Outcome == a.Outcome {
				n++
			}
			for _, o := range ev.Outcomes {
				if o == a.Outcome {
					n++
				}
			}
		}
		if n != a.Count {
			return fmt.Sprintf("expected %d %s steps with outcome %q, got %d", a.Count, a.Op, a.Outcome, n)
		}
		return ""

	case AssertMessages:
		ch, ok := h.outboxes[a.Conn]
		if !ok {
			return fmt.Sprintf("connection %q was never opened", a.Conn)
		}
		h.received[a.Conn] += drain(ch)
		n := h.received[a.Conn]
		if n != a.Count {
			return fmt.Sprintf("expected %d messages on %s, got %d", a.Count, a.Conn, n)
		}
		return ""
	}
	return fmt.Sprintf("unknown assertion type %q", a.Type)
}

// drain counts the messages buffered on ch without blocking.
func drain(ch <-chan broadcast.Message) int {
	n := 0
	for {
		select {
		case _, open := <-ch:
			if !open {
				return n
			}
			n++
		default:
			return n
		}
	}
}
