package harness

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/batch"
	"github.com/roach88/automata/internal/broadcast"
	"github.com/roach88/automata/internal/compiler"
	"github.com/roach88/automata/internal/config"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/kv/sqlitekv"
	"github.com/roach88/automata/internal/store"
	"github.com/roach88/automata/internal/testutil"
)

// Harness executes one scenario against a private engine.
type Harness struct {
	scenario    *Scenario
	descriptors []ir.Descriptor
	principals  map[string]auth.Principal
	store       *store.Store
	engine      *engine.Engine
	batch       *batch.Processor
	broadcaster *broadcast.Broadcaster
	pusher      *broadcast.ChannelPusher

	refs     map[string]string
	outboxes map[string]<-chan broadcast.Message
	received map[string]int
}

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	push config.PushConfig
}

// WithPushConfig sets the outbox size and delivery timeout of the
// scenario's connections.
func WithPushConfig(pc config.PushConfig) Option {
	return func(rc *runConfig) { rc.push = pc }
}

// Run executes a scenario and returns its result.
//
// Each run uses a fresh in-memory SQLite store, sequential automata ids
// and a step clock, so two runs of the same scenario produce the same
// trace. A failed expectation or assertion is reported in the result;
// the returned error is reserved for scenarios that cannot run.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	rc := runConfig{push: config.Default().Push}
	for _, opt := range opts {
		opt(&rc)
	}

	descs, err := compiler.Load(s.Descriptors)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors: %w", err)
	}
	principals := make(map[string]auth.Principal, len(s.Principals))
	for name, def := range s.Principals {
		scopes, err := auth.ParseScopes(def.Scopes)
		if err != nil {
			return nil, fmt.Errorf("principals.%s: %w", name, err)
		}
		subject := def.Subject
		if subject == "" {
			subject = name
		}
		principals[name] = auth.Principal{TenantID: def.Tenant, SubjectID: subject, Scopes: scopes}
	}

	kvs, err := sqlitekv.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	st := store.New(kvs)
	defer st.Close()

	eng := engine.New(st, eval.NewCUE(),
		engine.WithIDGenerator(testutil.NewSequentialIDs("")),
		engine.WithClock(testutil.NewStepClock()),
	)
	pusher := broadcast.NewChannelPusher(rc.push.Buffer)
	bc := broadcast.New(broadcast.NewRegistry(), eng, pusher, broadcast.WithPushTimeout(rc.push.Timeout))
	eng.AddCommitListener(bc)

	h := &Harness{
		scenario:    s,
		descriptors: descs,
		principals:  principals,
		store:       st,
		engine:      eng,
		batch:       batch.New(eng),
		broadcaster: bc,
		pusher:      pusher,
		refs:        make(map[string]string),
		outboxes:    make(map[string]<-chan broadcast.Message),
		received:    make(map[string]int),
	}

	result := NewResult()
	for i, step := range s.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		ev = result.add(ev)
		checkExpect(fmt.Sprintf("steps[%d] (%s)", i, step.Op), step, ev, result)
	}

	for _, msg := range h.evaluateAssertions(ctx, s.Assertions, result) {
		result.AddError(msg)
	}
	return result, nil
}

// id resolves a ref. Refs never created are used verbatim so scenarios
// can address missing automatas.
func (h *Harness) id(ref string) string {
	if id, ok := h.refs[ref]; ok {
		return id
	}
	return ref
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return string(engine.CodeOf(err))
}

func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	p := h.principals[step.As]
	ev := TraceEvent{Op: step.Op, Ref: step.Ref}

	switch step.Op {
	case OpCreate:
		desc, ok := compiler.Find(h.descriptors, step.Descriptor)
		if !ok {
			return ev, fmt.Errorf("unknown descriptor %q", step.Descriptor)
		}
		if _, dup := h.refs[step.Ref]; dup {
			return ev, fmt.Errorf("ref %q already created", step.Ref)
		}
		a, err := h.engine.CreateAutomata(ctx, p, engine.CreateRequest{RealmID: step.Realm, Descriptor: desc})
		ev.Outcome = outcome(err)
		if err == nil {
			h.refs[step.Ref] = a.ID
			ev.Version, ev.State = a.Version, a.CurrentState
		}

	case OpSend:
		res, err := h.send(ctx, step)
		ev.EventType = step.Type
		ev.Outcome = outcome(err)
		if err == nil {
			ev.Version, ev.State = res.NewVersion, res.NewState
		}

	case OpParallel:
		outcomes := make([]string, len(step.Steps))
		var wg sync.WaitGroup
		for i, sub := range step.Steps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.send(ctx, sub)
				outcomes[i] = outcome(err)
			}()
		}
		wg.Wait()
		// Completion order is not deterministic; the trace keeps the multiset.
		slices.Sort(outcomes)
		ev.Outcomes = outcomes

	case OpArchive:
		a, err := h.engine.ArchiveAutomata(ctx, p, h.id(step.Ref))
		ev.Outcome = outcome(err)
		if err == nil {
			ev.Version = a.Version
		}

	case OpGet:
		a, err := h.engine.GetAutomata(ctx, p, h.id(step.Ref))
		ev.Outcome = outcome(err)
		if err == nil {
			ev.Version, ev.State = a.Version, a.CurrentState
		}

	case OpSnapshot:
		snap, err := h.engine.CreateSnapshot(ctx, p, h.id(step.Ref))
		ev.Outcome = outcome(err)
		if err == nil {
			ev.Version, ev.State = snap.Version, snap.State
		}

	case OpHistory:
		hs, err := h.engine.GetHistoricalState(ctx, p, h.id(step.Ref), step.Version)
		ev.Outcome = outcome(err)
		if err == nil {
			ev.Version, ev.State = hs.Version, hs.State
		}

	case OpBatch:
		events := make([]batch.Event, len(step.Events))
		for i, be := range step.Events {
			data, err := ir.FromAny(be.Data)
			if err != nil {
				return ev, fmt.Errorf("events[%d].data: %w", i, err)
			}
			events[i] = batch.Event{EventType: be.Type, EventData: data}
		}
		res, err := h.batch.SendToAutomata(ctx, p, h.id(step.Ref), events)
		if err != nil {
			ev.Outcome = outcome(err)
			break
		}
		ev.Outcome = OutcomeOK
		if failed, ok := res.Failed(); ok {
			ev.Outcome = string(failed.Error.Code)
		}
		if res.LastSuccessfulIndex >= 0 {
			last := res.Results[res.LastSuccessfulIndex]
			ev.Version, ev.State = last.NewVersion, last.NewState
		}
		ev.Succeeded, ev.Failed = &res.SuccessfulCount, &res.FailedCount

	case OpConnect:
		h.broadcaster.Registry().Register(step.Conn, p)
		h.outboxes[step.Conn] = h.pusher.Open(step.Conn)
		ev.Ref = step.Conn
		ev.Outcome = OutcomeOK

	case OpSubscribe:
		err := h.broadcaster.Subscribe(ctx, step.Conn, h.id(step.Ref))
		ev.Outcome = outcome(err)

	default:
		return ev, fmt.Errorf("unknown op %q", step.Op)
	}
	return ev, nil
}

func (h *Harness) send(ctx context.Context, step Step) (engine.SendResult, error) {
	data, err := ir.FromAny(step.Data)
	if err != nil {
		return engine.SendResult{}, &engine.Error{Code: engine.CodeInvalidRequest, Op: "send_event",
			Message: fmt.Sprintf("event data: %v", err)}
	}
	return h.engine.SendEvent(ctx, h.principals[step.As], engine.SendRequest{
		AutomataID:      h.id(step.Ref),
		EventType:       step.Type,
		EventData:       data,
		ExpectedVersion: step.ExpectedVersion,
	})
}

// checkExpect compares a step's trace event with its expectation. A step
// without one must succeed.
func checkExpect(at string, step Step, ev TraceEvent, result *Result) {
	if step.Op == OpParallel {
		return
	}
	exp := step.Expect
	if exp == nil {
		if ev.Outcome != OutcomeOK {
			result.AddError(fmt.Sprintf("%s: unexpected %s", at, ev.Outcome))
		}
		return
	}

	want := OutcomeOK
	if exp.Error != "" {
		want = string(exp.Error)
	}
	if ev.Outcome != want {
		result.AddError(fmt.Sprintf("%s: expected %s, got %s", at, want, ev.Outcome))
	}
	if exp.Version != "" && ev.Version != exp.Version {
		result.AddError(fmt.Sprintf("%s: expected version %s, got %s", at, exp.Version, ev.Version))
	}
	if exp.State != nil {
		if msg := compareState(exp.State, ev.State); msg != "" {
			result.AddError(fmt.Sprintf("%s: %s", at, msg))
		}
	}
	if exp.Succeeded != nil && (ev.Succeeded == nil || *ev.Succeeded != *exp.Succeeded) {
		result.AddError(fmt.Sprintf("%s: expected %d succeeded, got %v", at, *exp.Succeeded, deref(ev.Succeeded)))
	}
	if exp.Failed != nil && (ev.Failed == nil || *ev.Failed != *exp.Failed) {
		result.AddError(fmt.Sprintf("%s: expected %d failed, got %v", at, *exp.Failed, deref(ev.Failed)))
	}
}

func compareState(want any, got ir.Value) string {
	w, err := ir.FromAny(want)
	if err != nil {
		return fmt.Sprintf("bad expected state: %v", err)
	}
	if !ir.Equal(w, got) {
		wj, _ := ir.Marshal(w)
		gj, _ := ir.Marshal(got)
		return fmt.Sprintf("expected state %s, got %s", wj, gj)
	}
	return ""
}

func deref(p *int) any {
	if p == nil {
		return "none"
	}
	return *p
}
