// Package batch applies ordered event lists to one or many automatas.
//
// Events for one automata are applied strictly in order and processing
// for that automata stops at the first failure. Events after the failure
// are not attempted and do not appear in the results. Events committed
// before the failure stay committed. Automatas in a realm batch are
// processed independently of each other.
//
// Before each event the processor passes the version it expects, either
// the version read when the automata's batch started or the version its
// own previous event produced, as the engine's expected version. Any
// interleaved writer therefore surfaces as VERSION_CONFLICT and stops
// the sequence. Nothing is retried.
package batch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/logger"
)

const tracerName = "github.com/roach88/automata/internal/batch"

// Limits caps the size of a batch request. Requests over any limit are
// rejected with INVALID_REQUEST before anything is applied.
type Limits struct {
	MaxEventsPerAutomata int
	MaxAutomatas         int
	MaxStates            int
}

// DefaultLimits returns the default batch limits.
func DefaultLimits() Limits {
	return Limits{MaxEventsPerAutomata: 100, MaxAutomatas: 25, MaxStates: 100}
}

// Event is one event in a batch.
type Event struct {
	EventType string   `json:"eventType" yaml:"eventType"`
	EventData ir.Value `json:"eventData,omitempty" yaml:"-"`
}

// Item is the event list for one automata in a realm batch.
type Item struct {
	AutomataID string  `json:"automataId" yaml:"automataId"`
	Events     []Event `json:"events" yaml:"events"`
}

// Result is the outcome of one attempted event.
type Result struct {
	EventIndex int           `json:"eventIndex"`
	Success    bool          `json:"success"`
	EventID    string        `json:"eventId,omitempty"`
	NewVersion string        `json:"newVersion,omitempty"`
	NewState   ir.Value      `json:"newState,omitempty"`
	Error      *engine.Error `json:"error,omitempty"`
}

// AutomataResult collects the attempted events for one automata. Results
// holds every success and at most one failure, which is always last.
type AutomataResult struct {
	AutomataID          string   `json:"automataId"`
	Results             []Result `json:"results"`
	LastSuccessfulIndex int      `json:"lastSuccessfulIndex"`
	SuccessfulCount     int      `json:"successfulCount"`
	FailedCount         int      `json:"failedCount"`
}

// Failed returns the failed result, if any.
func (r AutomataResult) Failed() (Result, bool) {
	if n := len(r.Results); n > 0 && !r.Results[n-1].Success {
		return r.Results[n-1], true
	}
	return Result{}, false
}

// RealmResult is the outcome of a realm batch, in request order.
type RealmResult struct {
	RealmID         string           `json:"realmId"`
	Automatas       []AutomataResult `json:"automatas"`
	SuccessfulCount int              `json:"successfulCount"`
	FailedCount     int              `json:"failedCount"`
}

// StateResult is one entry of GetStates. Exactly one of Automata and
// Error is set.
type StateResult struct {
	AutomataID string        `json:"automataId"`
	Automata   *ir.Automata  `json:"automata,omitempty"`
	Error      *engine.Error `json:"error,omitempty"`
}

// Processor runs batches against an engine.
type Processor struct {
	engine      *engine.Engine
	limits      Limits
	concurrency int
	log         *logger.Logger
	tracer      trace.Tracer
}

// Option configures a Processor.
type Option func(*Processor)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(p *Processor) { p.limits = l }
}

// WithConcurrency bounds how many automatas a realm batch or GetStates
// works on at once.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Processor) { p.log = l }
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.tracer = tp.Tracer(tracerName) }
}

// New returns a Processor backed by e.
func New(e *engine.Engine, opts ...Option) *Processor {
	p := &Processor{
		engine:      e,
		limits:      DefaultLimits(),
		concurrency: 8,
		log:         logger.Nop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SendToAutomata applies events to one automata in order.
//
// The returned error is non-nil only when the request is rejected as a
// whole (limits, empty list). Per-event failures are reported in the
// result.
func (p *Processor) SendToAutomata(ctx context.Context, pr auth.Principal, automataID string, events []Event) (res AutomataResult, err error) {
	const op = "batch_send_to_automata"
	ctx, span := p.tracer.Start(ctx, "batch.send_to_automata", trace.WithAttributes(
		attribute.String("automata.id", automataID),
		attribute.Int("batch.events", len(events)),
	))
	defer func() { endSpan(span, err, res.SuccessfulCount, res.FailedCount) }()

	if err := p.checkEvents(op, automataID, events); err != nil {
		return AutomataResult{}, err
	}
	return p.run(ctx, pr, "", automataID, events), nil
}

// SendToRealm applies each item's events to its automata. Every automata
// must belong to realmID; one that does not fails with NOT_FOUND without
// attempting any event. Items run concurrently and independently.
func (p *Processor) SendToRealm(ctx context.Context, pr auth.Principal, realmID string, items []Item) (res RealmResult, err error) {
	const op = "batch_send_to_realm"
	ctx, span := p.tracer.Start(ctx, "batch.send_to_realm", trace.WithAttributes(
		attribute.String("realm.id", realmID),
		attribute.Int("batch.automatas", len(items)),
	))
	defer func() { endSpan(span, err, res.SuccessfulCount, res.FailedCount) }()

	if realmID == "" {
		return RealmResult{}, invalid(op, "", "realm id is required")
	}
	if len(items) == 0 {
		return RealmResult{}, invalid(op, "", "batch has no automatas")
	}
	if len(items) > p.limits.MaxAutomatas {
		return RealmResult{}, invalid(op, "",
			fmt.Sprintf("batch has %d automatas, limit is %d", len(items), p.limits.MaxAutomatas))
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.AutomataID == "" {
			return RealmResult{}, invalid(op, "", "automata id is required")
		}
		if _, dup := seen[it.AutomataID]; dup {
			return RealmResult{}, invalid(op, it.AutomataID, "automata appears more than once in the batch")
		}
		seen[it.AutomataID] = struct{}{}
		if err := p.checkEvents(op, it.AutomataID, it.Events); err != nil {
			return RealmResult{}, err
		}
	}

	out := make([]AutomataResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, it := range items {
		g.Go(func() error {
			out[i] = p.run(gctx, pr, realmID, it.AutomataID, it.Events)
			return nil
		})
	}
	_ = g.Wait()

	res = RealmResult{RealmID: realmID, Automatas: out}
	for _, r := range out {
		res.SuccessfulCount += r.SuccessfulCount
		res.FailedCount += r.FailedCount
	}
	p.log.Info("realm batch finished",
		"realm_id", realmID, "automatas", len(items), "succeeded", res.SuccessfulCount, "failed", res.FailedCount)
	return res, nil
}

// GetStates reads several automatas. Each id gets its own entry, in
// request order; a missing or forbidden automata is an entry error, not a
// request error.
func (p *Processor) GetStates(ctx context.Context, pr auth.Principal, ids []string) (out []StateResult, err error) {
	const op = "batch_get_states"
	ctx, span := p.tracer.Start(ctx, "batch.get_states", trace.WithAttributes(
		attribute.Int("batch.automatas", len(ids)),
	))
	defer func() { endSpan(span, err, 0, 0) }()

	if len(ids) == 0 {
		return nil, invalid(op, "", "no automata ids given")
	}
	if len(ids) > p.limits.MaxStates {
		return nil, invalid(op, "", fmt.Sprintf("%d ids requested, limit is %d", len(ids), p.limits.MaxStates))
	}

	out = make([]StateResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			out[i].AutomataID = id
			a, err := p.engine.GetAutomata(gctx, pr, id)
			if err != nil {
				out[i].Error = asEngineError(op, id, err)
				return nil
			}
			out[i].Automata = &a
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (p *Processor) checkEvents(op, automataID string, events []Event) error {
	if automataID == "" {
		return invalid(op, "", "automata id is required")
	}
	if len(events) == 0 {
		return invalid(op, automataID, "batch has no events")
	}
	if len(events) > p.limits.MaxEventsPerAutomata {
		return invalid(op, automataID,
			fmt.Sprintf("batch has %d events, limit is %d", len(events), p.limits.MaxEventsPerAutomata))
	}
	for i, ev := range events {
		if ev.EventType == "" {
			return invalid(op, automataID, fmt.Sprintf("event %d has no event type", i))
		}
	}
	return nil
}

// run applies events to one automata. realmID, when set, must match the
// automata's realm.
func (p *Processor) run(ctx context.Context, pr auth.Principal, realmID, automataID string, events []Event) AutomataResult {
	res := AutomataResult{AutomataID: automataID, LastSuccessfulIndex: -1}
	fail := func(i int, err error) AutomataResult {
		res.Results = append(res.Results, Result{EventIndex: i, Error: asEngineError("batch_send", automataID, err)})
		res.FailedCount++
		return res
	}

	a, err := p.engine.GetAutomata(ctx, pr, automataID)
	if err != nil {
		return fail(0, err)
	}
	if realmID != "" && a.RealmID != realmID {
		return fail(0, &engine.Error{Code: engine.CodeNotFound, Op: "batch_send", AutomataID: automataID,
			Message: fmt.Sprintf("automata not found in realm %s", realmID)})
	}

	expected := a.Version
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return fail(i, err)
		}
		sent, err := p.engine.SendEvent(ctx, pr, engine.SendRequest{
			AutomataID:      automataID,
			EventType:       ev.EventType,
			EventData:       ev.EventData,
			ExpectedVersion: expected,
		})
		if err != nil {
			p.log.Debug("batch stopped", "automata_id", automataID, "event_index", i, "code", engine.CodeOf(err))
			return fail(i, err)
		}
		res.Results = append(res.Results, Result{
			EventIndex: i,
			Success:    true,
			EventID:    sent.EventID,
			NewVersion: sent.NewVersion,
			NewState:   sent.NewState,
		})
		res.LastSuccessfulIndex = i
		res.SuccessfulCount++
		expected = sent.NewVersion
	}
	return res
}

func invalid(op, automataID, msg string) *engine.Error {
	return &engine.Error{Code: engine.CodeInvalidRequest, Op: op, AutomataID: automataID, Message: msg}
}

// asEngineError returns err as an *engine.Error, classifying anything else
// as INTERNAL.
func asEngineError(op, automataID string, err error) *engine.Error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee
	}
	msg := "internal error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "batch interrupted: " + err.Error()
	}
	return &engine.Error{Code: engine.CodeInternal, Op: op, AutomataID: automataID, Message: msg, Err: err}
}

func endSpan(span trace.Span, err error, succeeded, failed int) {
	span.SetAttributes(attribute.Int("batch.succeeded", succeeded), attribute.Int("batch.failed", failed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
