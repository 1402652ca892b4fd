package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/store"
	"github.com/roach88/automata/internal/version"
)

// SendRequest is one event for one automata.
type SendRequest struct {
	AutomataID string
	EventType  string
	EventData  ir.Value

	// ExpectedVersion, if set, must equal the automata's current version
	// or the send fails with VERSION_CONFLICT before evaluation.
	ExpectedVersion string
}

// SendResult describes a committed event.
type SendResult struct {
	EventID     string
	BaseVersion string
	NewVersion  string
	NewState    ir.Value
	OldState    ir.Value
	Event       ir.Event
}

// SendEvent applies one event. See the package documentation for the
// order of checks.
func (e *Engine) SendEvent(ctx context.Context, p auth.Principal, req SendRequest) (res SendResult, err error) {
	const op = "send_event"
	ctx, span := e.startSpan(ctx, op, req.AutomataID)
	span.SetAttributes(attribute.String("event.type", req.EventType))
	defer func() { e.endSpan(span, err) }()

	if req.ExpectedVersion != "" && !version.IsValid(req.ExpectedVersion) {
		return SendResult{}, invalidRequest(op, req.AutomataID, "expected version is not a valid version")
	}

	a, err := e.load(ctx, op, p, auth.ReadWrite, req.AutomataID)
	if err != nil {
		return SendResult{}, err
	}
	span.SetAttributes(attribute.String("automata.version", a.Version))

	if a.Status != ir.StatusActive {
		return SendResult{}, &Error{Code: CodeInvalidState, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: "cannot send event to archived automata"}
	}
	if !a.Descriptor.HasEventType(req.EventType) {
		return SendResult{}, &Error{Code: CodeUnknownEventType, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: fmt.Sprintf("event type %q is not declared by descriptor %q", req.EventType, a.Descriptor.Name)}
	}
	if req.ExpectedVersion != "" && req.ExpectedVersion != a.Version {
		return SendResult{}, &Error{Code: CodeVersionConflict, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: fmt.Sprintf("expected version %s but automata is at %s", req.ExpectedVersion, a.Version)}
	}

	eventData := req.EventData
	if eventData == nil {
		eventData = ir.Null{}
	}
	newState, err := e.evaluator.Evaluate(ctx, a.Descriptor.TransitionSpec, a.CurrentState, req.EventType, eventData)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, eval.ErrTimeout) {
			msg = "transition timed out: " + msg
		}
		return SendResult{}, &Error{Code: CodeTransitionError, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: msg, Err: err}
	}
	if newState == nil {
		newState = ir.Null{}
	}

	nextVersion, err := version.Increment(a.Version)
	if err != nil {
		return SendResult{}, &Error{Code: CodeOverflow, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: "automata has reached the maximum version", Err: err}
	}

	now := e.clock.Now()
	ev := ir.Event{
		ID:              ir.EventID(a.ID, a.Version),
		AutomataID:      a.ID,
		BaseVersion:     a.Version,
		EventType:       req.EventType,
		EventData:       eventData,
		SenderSubjectID: p.SubjectID,
		Timestamp:       now,
	}
	next := a
	next.CurrentState = newState
	next.Version = nextVersion
	next.UpdatedAt = now

	sctx, cancel := e.storageCtx(ctx)
	err = e.store.CommitEvent(sctx, a, ev, next)
	cancel()
	if errors.Is(err, store.ErrConflict) {
		return SendResult{}, &Error{Code: CodeVersionConflict, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: "automata was modified concurrently; retry with the current version", Err: err}
	}
	if err != nil {
		return SendResult{}, &Error{Code: CodeInternal, Op: op, AutomataID: a.ID, Version: a.Version,
			Message: "internal error", Err: err}
	}

	e.log.Debug("event committed",
		"automata_id", a.ID, "version", nextVersion, "event_type", req.EventType, "new_state", newState)

	// The commit stands whatever the caller does with ctx from here.
	after := context.WithoutCancel(ctx)
	e.notify(after, Commit{Automata: next, Event: ev, OldState: a.CurrentState})
	e.maybeSnapshot(after, next)

	return SendResult{
		EventID:     ev.ID,
		BaseVersion: a.Version,
		NewVersion:  nextVersion,
		NewState:    newState,
		OldState:    a.CurrentState,
		Event:       ev,
	}, nil
}

func (e *Engine) notify(ctx context.Context, c Commit) {
	for _, l := range e.listeners {
		l.OnCommit(ctx, c)
	}
}

// ListEventsOptions selects events by base version.
type ListEventsOptions struct {
	StartVersion string
	Limit        int
	Reverse      bool
}

// ListEvents returns committed events of an automata.
func (e *Engine) ListEvents(ctx context.Context, p auth.Principal, automataID string, opts ListEventsOptions) (events []ir.Event, err error) {
	const op = "list_events"
	ctx, span := e.startSpan(ctx, op, automataID)
	defer func() { e.endSpan(span, err) }()

	if opts.StartVersion != "" && !version.IsValid(opts.StartVersion) {
		return nil, invalidRequest(op, automataID, "start version is not a valid version")
	}
	limit, err := listLimit(op, opts.Limit)
	if err != nil {
		return nil, err
	}
	if _, err := e.load(ctx, op, p, auth.Read, automataID); err != nil {
		return nil, err
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	events, err = e.store.ListEvents(sctx, automataID, store.EventQuery{
		StartVersion: opts.StartVersion,
		Limit:        limit,
		Reverse:      opts.Reverse,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(op, automataID)
	}
	if err != nil {
		return nil, internal(op, automataID, err)
	}
	return events, nil
}

// GetEvent returns one committed event by id.
func (e *Engine) GetEvent(ctx context.Context, p auth.Principal, eventID string) (ev ir.Event, err error) {
	const op = "get_event"
	ctx, span := e.startSpan(ctx, op, "")
	defer func() { e.endSpan(span, err) }()

	automataID, baseVersion, err := ir.ParseEventID(eventID)
	if err != nil || !version.IsValid(baseVersion) {
		return ir.Event{}, invalidRequest(op, "", fmt.Sprintf("malformed event id %q", eventID))
	}
	span.SetAttributes(attribute.String("automata.id", automataID))
	if _, err := e.load(ctx, op, p, auth.Read, automataID); err != nil {
		return ir.Event{}, err
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	ev, err = e.store.GetEvent(sctx, automataID, baseVersion)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Event{}, &Error{Code: CodeNotFound, Op: op, AutomataID: automataID, Version: baseVersion,
			Message: "event not found"}
	}
	if err != nil {
		return ir.Event{}, internal(op, automataID, err)
	}
	return ev, nil
}
