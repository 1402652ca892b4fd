package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/kv"
	"github.com/roach88/automata/internal/version"
)

var (
	// ErrNotFound is returned for a missing automata, event or snapshot.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap on the automata
	// record loses: another writer changed its version or status.
	ErrConflict = errors.New("store: revision conflict")

	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("store: already exists")
)

const (
	metaSK = "meta"

	// defaultOrphanAfter is how old an uncommitted event must be before a
	// later writer may replace it. Only used without kv.Batcher.
	defaultOrphanAfter = 30 * time.Second

	compensateTimeout = 5 * time.Second
)

func automataPK(id string) string  { return "automata#" + id }
func eventsPK(id string) string    { return "events#" + id }
func snapshotsPK(id string) string { return "snapshots#" + id }

// realmPK length-prefixes the tenant so that no tenant/realm pair can
// spell another pair's partition.
func realmPK(tenantID, realmID string) string {
	return "realm#" + strconv.Itoa(len(tenantID)) + ":" + tenantID + "#" + realmID
}

// revision is the compare-and-swap token of an automata record.
func revision(a ir.Automata) string {
	return a.Version + "/" + string(a.Status)
}

// Store is the automata, event and snapshot store.
type Store struct {
	kv          kv.Store
	batcher     kv.Batcher
	now         func() time.Time
	orphanAfter time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock used to age uncommitted events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOrphanAfter sets how long an uncommitted event blocks its base
// version before it may be replaced.
func WithOrphanAfter(d time.Duration) Option {
	return func(s *Store) { s.orphanAfter = d }
}

// WithoutBatch forces the two-phase commit path even if the backend
// supports atomic batches.
func WithoutBatch() Option {
	return func(s *Store) { s.batcher = nil }
}

// New wraps a kv backend.
func New(backend kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:          backend,
		now:         time.Now,
		orphanAfter: defaultOrphanAfter,
	}
	if b, ok := backend.(kv.Batcher); ok {
		s.batcher = b
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Atomic reports whether commits use a single atomic batch.
func (s *Store) Atomic() bool {
	return s.batcher != nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// CreateAutomata stores a new automata and indexes it in its realm.
// Returns ErrExists if the id is taken.
func (s *Store) CreateAutomata(ctx context.Context, a ir.Automata) error {
	data, err := marshalAutomata(a)
	if err != nil {
		return err
	}
	index, err := encodeRecord(realmEntry{CreatedAt: a.CreatedAt.UTC()})
	if err != nil {
		return fmt.Errorf("create automata %s: %w", a.ID, err)
	}
	meta := kv.Item{PK: automataPK(a.ID), SK: metaSK, Rev: revision(a), Data: data}
	entry := kv.Item{PK: realmPK(a.TenantID, a.RealmID), SK: a.ID, Data: index}

	if s.batcher != nil {
		err := s.batcher.PutAll(ctx, []kv.Write{
			{Item: meta, Cond: kv.IfAbsent()},
			{Item: entry, Cond: kv.Always()},
		})
		if errors.Is(err, kv.ErrConditionFailed) {
			return fmt.Errorf("create automata %s: %w", a.ID, ErrExists)
		}
		if err != nil {
			return fmt.Errorf("create automata %s: %w", a.ID, err)
		}
		return nil
	}

	if err := s.kv.Put(ctx, meta, kv.IfAbsent()); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return fmt.Errorf("create automata %s: %w", a.ID, ErrExists)
		}
		return fmt.Errorf("create automata %s: %w", a.ID, err)
	}
	if err := s.kv.Put(ctx, entry, kv.Always()); err != nil {
		cctx, cancel := compensationContext(ctx)
		defer cancel()
		if derr := s.kv.Delete(cctx, meta.PK, meta.SK); derr != nil {
			return fmt.Errorf("create automata %s: index: %w (rollback: %v)", a.ID, err, derr)
		}
		return fmt.Errorf("create automata %s: index: %w", a.ID, err)
	}
	return nil
}

// GetAutomata returns the automata record.
func (s *Store) GetAutomata(ctx context.Context, id string) (ir.Automata, error) {
	item, err := s.kv.Get(ctx, automataPK(id), metaSK)
	if errors.Is(err, kv.ErrNotFound) {
		return ir.Automata{}, fmt.Errorf("automata %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Automata{}, fmt.Errorf("get automata %s: %w", id, err)
	}
	return unmarshalAutomata(item.Data)
}

// RealmQuery pages through a realm. After is exclusive.
type RealmQuery struct {
	After string
	Limit int
}

// ListRealm returns the automatas of a realm ordered by id. Ids are
// UUIDv7, so this is creation order.
func (s *Store) ListRealm(ctx context.Context, tenantID, realmID string, q RealmQuery) ([]ir.Automata, error) {
	r := kv.Range{Limit: q.Limit}
	if q.After != "" {
		// Smallest key strictly greater than After.
		r.From = q.After + "\x00"
	}
	items, err := s.kv.Query(ctx, realmPK(tenantID, realmID), r)
	if err != nil {
		return nil, fmt.Errorf("list realm %s/%s: %w", tenantID, realmID, err)
	}
	out := make([]ir.Automata, 0, len(items))
	for _, item := range items {
		a, err := s.GetAutomata(ctx, item.SK)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.TenantID != tenantID || a.RealmID != realmID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// UpdateStatus moves cur to status. Fails with ErrConflict if cur is no
// longer the stored revision.
func (s *Store) UpdateStatus(ctx context.Context, cur ir.Automata, status ir.Status, at time.Time) (ir.Automata, error) {
	next := cur
	next.Status = status
	next.UpdatedAt = at
	data, err := marshalAutomata(next)
	if err != nil {
		return ir.Automata{}, err
	}
	err = s.kv.Put(ctx, kv.Item{PK: automataPK(cur.ID), SK: metaSK, Rev: revision(next), Data: data}, kv.IfRev(revision(cur)))
	if errors.Is(err, kv.ErrConditionFailed) {
		return ir.Automata{}, fmt.Errorf("update status %s: %w", cur.ID, ErrConflict)
	}
	if err != nil {
		return ir.Automata{}, fmt.Errorf("update status %s: %w", cur.ID, err)
	}
	return next, nil
}

// CommitEvent appends ev and replaces prev with next in one logical step.
// ev.BaseVersion must equal prev.Version. Returns ErrConflict if another
// writer committed first or the status changed.
func (s *Store) CommitEvent(ctx context.Context, prev ir.Automata, ev ir.Event, next ir.Automata) error {
	if ev.BaseVersion != prev.Version || ev.AutomataID != prev.ID || next.ID != prev.ID {
		return fmt.Errorf("commit event %s: event does not match automata revision %s", ev.ID, revision(prev))
	}
	evData, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	metaData, err := marshalAutomata(next)
	if err != nil {
		return err
	}
	eventItem := kv.Item{PK: eventsPK(ev.AutomataID), SK: ev.BaseVersion, Rev: s.writeToken(), Data: evData}
	metaItem := kv.Item{PK: automataPK(prev.ID), SK: metaSK, Rev: revision(next), Data: metaData}

	if s.batcher != nil {
		err := s.batcher.PutAll(ctx, []kv.Write{
			{Item: eventItem, Cond: kv.IfAbsent()},
			{Item: metaItem, Cond: kv.IfRev(revision(prev))},
		})
		if errors.Is(err, kv.ErrConditionFailed) {
			return fmt.Errorf("commit event %s: %w", ev.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("commit event %s: %w", ev.ID, err)
		}
		return nil
	}
	return s.commitTwoPhase(ctx, prev, ev, eventItem, metaItem)
}

func (s *Store) commitTwoPhase(ctx context.Context, prev ir.Automata, ev ir.Event, eventItem, metaItem kv.Item) error {
	err := s.kv.Put(ctx, eventItem, kv.IfAbsent())
	if errors.Is(err, kv.ErrConditionFailed) {
		err = s.replaceOrphan(ctx, prev, eventItem)
	}
	if err != nil {
		if errors.Is(err, kv.ErrConditionFailed) || errors.Is(err, ErrConflict) {
			return fmt.Errorf("commit event %s: %w", ev.ID, ErrConflict)
		}
		return fmt.Errorf("commit event %s: %w", ev.ID, err)
	}

	err = s.kv.Put(ctx, metaItem, kv.IfRev(revision(prev)))
	if err == nil {
		return nil
	}

	cctx, cancel := compensationContext(ctx)
	defer cancel()
	if derr := s.deleteOwnEvent(cctx, eventItem); derr != nil {
		// The event stays hidden behind the unchanged version and is
		// replaced by the next writer once it ages out.
		err = fmt.Errorf("%w (rollback: %v)", err, derr)
	}
	if errors.Is(err, kv.ErrConditionFailed) {
		return fmt.Errorf("commit event %s: %w", ev.ID, ErrConflict)
	}
	return fmt.Errorf("commit event %s: %w", ev.ID, err)
}

// deleteOwnEvent removes an event row this writer put, unless another
// writer has replaced it since.
func (s *Store) deleteOwnEvent(ctx context.Context, eventItem kv.Item) error {
	existing, err := s.kv.Get(ctx, eventItem.PK, eventItem.SK)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Rev != eventItem.Rev {
		return nil
	}
	return s.kv.Delete(ctx, eventItem.PK, eventItem.SK)
}

// replaceOrphan handles an existing event row at the base version. If the
// automata has moved past that version, the row is committed and the
// caller lost. If not, the row belongs to a writer that has not finished
// or never will; it is replaced once older than orphanAfter. A writer
// stalled for longer than orphanAfter between its two writes can lose its
// row this way, so orphanAfter must exceed the storage timeout.
func (s *Store) replaceOrphan(ctx context.Context, prev ir.Automata, eventItem kv.Item) error {
	cur, err := s.GetAutomata(ctx, prev.ID)
	if err != nil {
		return err
	}
	if revision(cur) != revision(prev) {
		return ErrConflict
	}
	existing, err := s.kv.Get(ctx, eventItem.PK, eventItem.SK)
	if errors.Is(err, kv.ErrNotFound) {
		// Compensated in the meantime.
		return s.kv.Put(ctx, eventItem, kv.IfAbsent())
	}
	if err != nil {
		return err
	}
	if written, ok := tokenTime(existing.Rev); ok && s.now().Sub(written) < s.orphanAfter {
		return ErrConflict
	}
	return s.kv.Put(ctx, eventItem, kv.IfRev(existing.Rev))
}

// writeToken is the revision of an event row: its write time and a
// unique suffix. The time ages uncommitted rows.
func (s *Store) writeToken() string {
	return strconv.FormatInt(s.now().UnixNano(), 10) + "/" + uuid.NewString()
}

func tokenTime(rev string) (time.Time, bool) {
	head, _, ok := strings.Cut(rev, "/")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
}

// GetEvent returns the committed event at baseVersion.
func (s *Store) GetEvent(ctx context.Context, automataID, baseVersion string) (ir.Event, error) {
	cur, err := s.GetAutomata(ctx, automataID)
	if err != nil {
		return ir.Event{}, err
	}
	if baseVersion >= cur.Version {
		return ir.Event{}, fmt.Errorf("event %s: %w", ir.EventID(automataID, baseVersion), ErrNotFound)
	}
	item, err := s.kv.Get(ctx, eventsPK(automataID), baseVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return ir.Event{}, fmt.Errorf("event %s: %w", ir.EventID(automataID, baseVersion), ErrNotFound)
	}
	if err != nil {
		return ir.Event{}, fmt.Errorf("get event %s: %w", ir.EventID(automataID, baseVersion), err)
	}
	return unmarshalEvent(item.Data)
}

// EventQuery selects a slice of an event log. StartVersion is inclusive:
// the first base version returned going forward, or the last going in
// reverse.
type EventQuery struct {
	StartVersion string
	Limit        int
	Reverse      bool
}

// ListEvents returns committed events of an automata in version order.
func (s *Store) ListEvents(ctx context.Context, automataID string, q EventQuery) ([]ir.Event, error) {
	cur, err := s.GetAutomata(ctx, automataID)
	if err != nil {
		return nil, err
	}
	if cur.Version == version.Zero {
		return []ir.Event{}, nil
	}
	last, err := version.Decrement(cur.Version)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", automataID, err)
	}

	r := kv.Range{To: last, Limit: q.Limit, Reverse: q.Reverse}
	if q.StartVersion != "" {
		if q.Reverse {
			if q.StartVersion < last {
				r.To = q.StartVersion
			}
		} else {
			r.From = q.StartVersion
		}
	}
	items, err := s.kv.Query(ctx, eventsPK(automataID), r)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", automataID, err)
	}
	events := make([]ir.Event, 0, len(items))
	for _, item := range items {
		ev, err := unmarshalEvent(item.Data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// PutSnapshot stores a snapshot. Snapshots are never overwritten; storing
// a second one at the same version returns ErrExists.
func (s *Store) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	err = s.kv.Put(ctx, kv.Item{PK: snapshotsPK(snap.AutomataID), SK: snap.Version, Data: data}, kv.IfAbsent())
	if errors.Is(err, kv.ErrConditionFailed) {
		return fmt.Errorf("snapshot %s@%s: %w", snap.AutomataID, snap.Version, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("put snapshot %s@%s: %w", snap.AutomataID, snap.Version, err)
	}
	return nil
}

// LatestSnapshotAtOrBefore returns the newest snapshot with version <= v.
// ok is false if there is none.
func (s *Store) LatestSnapshotAtOrBefore(ctx context.Context, automataID, v string) (snap ir.Snapshot, ok bool, err error) {
	items, err := s.kv.Query(ctx, snapshotsPK(automataID), kv.Range{To: v, Reverse: true, Limit: 1})
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("latest snapshot %s@%s: %w", automataID, v, err)
	}
	if len(items) == 0 {
		return ir.Snapshot{}, false, nil
	}
	snap, err = unmarshalSnapshot(items[0].Data)
	if err != nil {
		return ir.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SnapshotQuery selects snapshots starting at StartVersion (inclusive).
type SnapshotQuery struct {
	StartVersion string
	Limit        int
}

// ListSnapshots returns snapshots in ascending version order.
func (s *Store) ListSnapshots(ctx context.Context, automataID string, q SnapshotQuery) ([]ir.Snapshot, error) {
	items, err := s.kv.Query(ctx, snapshotsPK(automataID), kv.Range{From: q.StartVersion, Limit: q.Limit})
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", automataID, err)
	}
	out := make([]ir.Snapshot, 0, len(items))
	for _, item := range items {
		snap, err := unmarshalSnapshot(item.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
