package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/logger"
	"github.com/roach88/automata/internal/store"
	"github.com/roach88/automata/internal/version"
)

const tracerName = "github.com/roach88/automata/internal/engine"

const (
	defaultEvalTimeout    = 2 * time.Second
	defaultStorageTimeout = 5 * time.Second

	// DefaultListLimit applies when a list request sets no limit.
	DefaultListLimit = 50
	// MaxListLimit caps every list request.
	MaxListLimit = 1000
)

// Engine is the automata engine. It is safe for concurrent use; the only
// contention point is the per-automata version compare-and-swap in the
// store.
type Engine struct {
	store          *store.Store
	evaluator      eval.Evaluator
	ids            IDGenerator
	clock          Clock
	log            *logger.Logger
	tracer         trace.Tracer
	listeners      []CommitListener
	evalTimeout    time.Duration
	storageTimeout time.Duration
	snapshotEvery  uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the automata id generator (default UUIDv7).
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock sets the wall clock (default SystemClock).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger (default no-op).
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithEvalTimeout bounds each transition evaluation.
func WithEvalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.evalTimeout = d }
}

// WithStorageTimeout bounds each storage call.
func WithStorageTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storageTimeout = d }
}

// WithSnapshotEvery snapshots the state after every commit whose new
// version number is a multiple of n. Zero disables periodic snapshots.
func WithSnapshotEvery(n uint64) Option {
	return func(e *Engine) { e.snapshotEvery = n }
}

// WithTracerProvider sets the tracer provider (default the otel global).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithCommitListener registers l to observe commits.
func WithCommitListener(l CommitListener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// New creates an engine over s that runs transitions with ev.
func New(s *store.Store, ev eval.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		ids:            UUIDv7Generator{},
		clock:          SystemClock{},
		log:            logger.Nop(),
		tracer:         otel.Tracer(tracerName),
		evalTimeout:    defaultEvalTimeout,
		storageTimeout: defaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = eval.WithTimeout(ev, e.evalTimeout)
	return e
}

// AddCommitListener registers l after construction. It must not be
// called concurrently with SendEvent.
func (e *Engine) AddCommitListener(l CommitListener) {
	e.listeners = append(e.listeners, l)
}

func (e *Engine) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storageTimeout)
}

func (e *Engine) startSpan(ctx context.Context, op, automataID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	if automataID != "" {
		span.SetAttributes(attribute.String("automata.id", automataID))
	}
	return ctx, span
}

// endSpan records err on span and logs internal failures.
func (e *Engine) endSpan(span trace.Span, err error) {
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			span.SetAttributes(attribute.String("error.code", string(ee.Code)))
			if ee.Code == CodeInternal {
				e.log.Error("engine operation failed",
					"op", ee.Op, "automata_id", ee.AutomataID, "version", ee.Version, "error", ee.Err)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// load reads an automata and checks access.
func (e *Engine) load(ctx context.Context, op string, p auth.Principal, need auth.Access, id string) (ir.Automata, error) {
	if id == "" {
		return ir.Automata{}, invalidRequest(op, "", "automata id is required")
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	a, err := e.store.GetAutomata(sctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Automata{}, notFound(op, id)
	}
	if err != nil {
		return ir.Automata{}, internal(op, id, err)
	}
	if !p.Can(need, a.TenantID, a.RealmID, a.ID) {
		return ir.Automata{}, forbidden(op, id)
	}
	return a, nil
}

// CreateRequest describes a new automata.
type CreateRequest struct {
	RealmID    string
	Descriptor ir.Descriptor
}

// CreateAutomata creates an automata in the caller's tenant at version
// 000000 with its initial state.
func (e *Engine) CreateAutomata(ctx context.Context, p auth.Principal, req CreateRequest) (a ir.Automata, err error) {
	const op = "create_automata"
	ctx, span := e.startSpan(ctx, op, "")
	defer func() { e.endSpan(span, err) }()

	if err := validateCreate(req); err != nil {
		return ir.Automata{}, invalidRequest(op, "", err.Error())
	}
	if !p.Can(auth.ReadWrite, p.TenantID, req.RealmID, "") {
		return ir.Automata{}, newError(CodeForbidden, op, "", "caller may not create automatas in this realm")
	}
	hash, err := ir.DescriptorHash(req.Descriptor)
	if err != nil {
		return ir.Automata{}, invalidRequest(op, "", err.Error())
	}

	now := e.clock.Now()
	a = ir.Automata{
		ID:               e.ids.Generate(),
		TenantID:         p.TenantID,
		RealmID:          req.RealmID,
		Descriptor:       req.Descriptor,
		DescriptorHash:   hash,
		CurrentState:     req.Descriptor.InitialState,
		Version:          version.Zero,
		Status:           ir.StatusActive,
		CreatorSubjectID: p.SubjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	span.SetAttributes(attribute.String("automata.id", a.ID))

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	if err := e.store.CreateAutomata(sctx, a); err != nil {
		return ir.Automata{}, internal(op, a.ID, err)
	}
	e.log.Info("automata created", "automata_id", a.ID, "realm_id", a.RealmID, "descriptor", a.Descriptor.Name)
	return a, nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case req.RealmID == "":
		return errors.New("realm id is required")
	case req.Descriptor.Name == "":
		return errors.New("descriptor name is required")
	case req.Descriptor.TransitionSpec == "":
		return errors.New("descriptor transition spec is required")
	case len(req.Descriptor.EventSchemas) == 0:
		return errors.New("descriptor declares no event types")
	case req.Descriptor.InitialState == nil:
		return errors.New("descriptor initial state is required")
	}
	for eventType := range req.Descriptor.EventSchemas {
		if eventType == "" {
			return errors.New("descriptor declares an empty event type")
		}
	}
	return nil
}

// GetAutomata returns an automata the caller may read.
func (e *Engine) GetAutomata(ctx context.Context, p auth.Principal, id string) (a ir.Automata, err error) {
	const op = "get_automata"
	ctx, span := e.startSpan(ctx, op, id)
	defer func() { e.endSpan(span, err) }()
	return e.load(ctx, op, p, auth.Read, id)
}

// ArchiveAutomata makes an automata read-only. Archiving an archived
// automata returns it unchanged.
func (e *Engine) ArchiveAutomata(ctx context.Context, p auth.Principal, id string) (a ir.Automata, err error) {
	const op = "archive_automata"
	ctx, span := e.startSpan(ctx, op, id)
	defer func() { e.endSpan(span, err) }()

	a, err = e.load(ctx, op, p, auth.ReadWrite, id)
	if err != nil {
		return ir.Automata{}, err
	}
	if a.Status == ir.StatusArchived {
		return a, nil
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	archived, err := e.store.UpdateStatus(sctx, a, ir.StatusArchived, e.clock.Now())
	if errors.Is(err, store.ErrConflict) {
		return ir.Automata{}, &Error{Code: CodeVersionConflict, Op: op, AutomataID: id, Version: a.Version,
			Message: "automata changed while archiving", Err: err}
	}
	if err != nil {
		return ir.Automata{}, internal(op, id, err)
	}
	e.log.Info("automata archived", "automata_id", id, "version", archived.Version)
	return archived, nil
}

// ListOptions pages a realm listing.
type ListOptions struct {
	// After is the last id of the previous page.
	After string
	Limit int
}

// ListAutomatasInRealm lists the automatas of a realm in the caller's
// tenant, in creation order.
func (e *Engine) ListAutomatasInRealm(ctx context.Context, p auth.Principal, realmID string, opts ListOptions) (out []ir.Automata, err error) {
	const op = "list_automatas_in_realm"
	ctx, span := e.startSpan(ctx, op, "")
	span.SetAttributes(attribute.String("realm.id", realmID))
	defer func() { e.endSpan(span, err) }()

	if realmID == "" {
		return nil, invalidRequest(op, "", "realm id is required")
	}
	limit, err := listLimit(op, opts.Limit)
	if err != nil {
		return nil, err
	}
	if !p.Can(auth.Read, p.TenantID, realmID, "") {
		return nil, newError(CodeForbidden, op, "", "caller may not list this realm")
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	out, err = e.store.ListRealm(sctx, p.TenantID, realmID, store.RealmQuery{After: opts.After, Limit: limit})
	if err != nil {
		return nil, internal(op, "", err)
	}
	return out, nil
}

func listLimit(op string, limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultListLimit, nil
	case limit < 0 || limit > MaxListLimit:
		return 0, invalidRequest(op, "", "limit must be between 1 and 1000")
	}
	return limit, nil
}
