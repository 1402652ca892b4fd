package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/store"
	"github.com/roach88/automata/internal/version"
)

// HistoricalState is the state of an automata at a past version.
type HistoricalState struct {
	AutomataID string
	Version    string
	State      ir.Value
	// IsSnapshot is false when the current state was returned.
	IsSnapshot bool
	Timestamp  time.Time
}

// GetHistoricalState returns the state at v. The current version is
// answered from the live record and older versions only from a snapshot
// taken exactly at v; anything else is UNSUPPORTED because the engine
// does not replay events.
func (e *Engine) GetHistoricalState(ctx context.Context, p auth.Principal, automataID, v string) (hs HistoricalState, err error) {
	const op = "get_historical_state"
	ctx, span := e.startSpan(ctx, op, automataID)
	defer func() { e.endSpan(span, err) }()

	if !version.IsValid(v) {
		return HistoricalState{}, invalidRequest(op, automataID, "version is not a valid version")
	}
	a, err := e.load(ctx, op, p, auth.Read, automataID)
	if err != nil {
		return HistoricalState{}, err
	}

	switch cmp := version.Compare(v, a.Version); {
	case cmp == 0:
		return HistoricalState{
			AutomataID: a.ID,
			Version:    a.Version,
			State:      a.CurrentState,
			Timestamp:  a.UpdatedAt,
		}, nil
	case cmp > 0:
		return HistoricalState{}, &Error{Code: CodeInvalidRequest, Op: op, AutomataID: a.ID, Version: v,
			Message: "version is in the future"}
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	snap, ok, err := e.store.LatestSnapshotAtOrBefore(sctx, automataID, v)
	if err != nil {
		return HistoricalState{}, internal(op, automataID, err)
	}
	if !ok || snap.Version != v {
		return HistoricalState{}, &Error{Code: CodeUnsupported, Op: op, AutomataID: a.ID, Version: v,
			Message: "no snapshot at this version; reconstruction by event replay is not supported"}
	}
	return HistoricalState{
		AutomataID: a.ID,
		Version:    snap.Version,
		State:      snap.State,
		IsSnapshot: true,
		Timestamp:  snap.CreatedAt,
	}, nil
}

// ListSnapshotsOptions selects snapshots from StartVersion on.
type ListSnapshotsOptions struct {
	StartVersion string
	Limit        int
}

// ListSnapshots returns snapshots in ascending version order.
func (e *Engine) ListSnapshots(ctx context.Context, p auth.Principal, automataID string, opts ListSnapshotsOptions) (snaps []ir.Snapshot, err error) {
	const op = "list_snapshots"
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
	snaps, err = e.store.ListSnapshots(sctx, automataID, store.SnapshotQuery{StartVersion: opts.StartVersion, Limit: limit})
	if err != nil {
		return nil, internal(op, automataID, err)
	}
	return snaps, nil
}

// CreateSnapshot records the current state. If a snapshot already exists
// at the current version it is returned instead.
func (e *Engine) CreateSnapshot(ctx context.Context, p auth.Principal, automataID string) (snap ir.Snapshot, err error) {
	const op = "create_snapshot"
	ctx, span := e.startSpan(ctx, op, automataID)
	defer func() { e.endSpan(span, err) }()

	a, err := e.load(ctx, op, p, auth.ReadWrite, automataID)
	if err != nil {
		return ir.Snapshot{}, err
	}
	snap, err = e.snapshot(ctx, a)
	if err != nil {
		return ir.Snapshot{}, internal(op, automataID, err)
	}
	return snap, nil
}

func (e *Engine) snapshot(ctx context.Context, a ir.Automata) (ir.Snapshot, error) {
	snap := ir.Snapshot{
		AutomataID: a.ID,
		Version:    a.Version,
		State:      a.CurrentState,
		CreatedAt:  e.clock.Now(),
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	err := e.store.PutSnapshot(sctx, snap)
	if errors.Is(err, store.ErrExists) {
		existing, ok, err := e.store.LatestSnapshotAtOrBefore(sctx, a.ID, a.Version)
		if err != nil {
			return ir.Snapshot{}, err
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return ir.Snapshot{}, err
	}
	return snap, nil
}

// maybeSnapshot takes the periodic snapshot after a commit. Failures are
// logged only; the commit already succeeded.
func (e *Engine) maybeSnapshot(ctx context.Context, a ir.Automata) {
	if e.snapshotEvery == 0 {
		return
	}
	n, err := version.ToNumber(a.Version)
	if err != nil || n%e.snapshotEvery != 0 {
		return
	}
	if _, err := e.snapshot(ctx, a); err != nil {
		e.log.Warn("periodic snapshot failed", "automata_id", a.ID, "version", a.Version, "error", err)
	}
}
