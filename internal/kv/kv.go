// Package kv defines the conditional key-value store the automata core is
// built on.
//
// Items live in partitions (PK) and are sorted within a partition by sort
// key (SK). The core needs exactly two capabilities from a backend:
// compare-and-swap writes guarded by a revision token, and ordered range
// scans inside one partition. Backends that can also apply several writes
// atomically implement Batcher.
package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for a missing item.
	ErrNotFound = errors.New("kv: item not found")

	// ErrConditionFailed is returned when a write's condition does not hold.
	ErrConditionFailed = errors.New("kv: condition failed")
)

// Item is one stored row. Rev is an opaque token compared by IfRev
// conditions; callers choose its content.
type Item struct {
	PK   string
	SK   string
	Rev  string
	Data []byte
}

// ConditionKind selects how a write is guarded.
type ConditionKind int

const (
	// CondAlways writes unconditionally.
	CondAlways ConditionKind = iota
	// CondAbsent requires that no item exists at (PK, SK).
	CondAbsent
	// CondExists requires that an item exists at (PK, SK).
	CondExists
	// CondRev requires that the existing item's Rev equals Condition.Rev.
	CondRev
)

// Condition guards a Put.
type Condition struct {
	Kind ConditionKind
	Rev  string
}

// Always returns an unconditional write guard.
func Always() Condition { return Condition{Kind: CondAlways} }

// IfAbsent guards a create.
func IfAbsent() Condition { return Condition{Kind: CondAbsent} }

// IfExists guards an overwrite of an existing item.
func IfExists() Condition { return Condition{Kind: CondExists} }

// IfRev guards a compare-and-swap on the item's revision.
func IfRev(rev string) Condition { return Condition{Kind: CondRev, Rev: rev} }

func (c Condition) String() string {
	switch c.Kind {
	case CondAlways:
		return "always"
	case CondAbsent:
		return "absent"
	case CondExists:
		return "exists"
	case CondRev:
		return fmt.Sprintf("rev=%q", c.Rev)
	}
	return "unknown"
}

// Holds evaluates the condition against the current item, if any.
// Backends without native conditional writes use it inside their own
// critical section.
func (c Condition) Holds(current *Item) bool {
	switch c.Kind {
	case CondAlways:
		return true
	case CondAbsent:
		return current == nil
	case CondExists:
		return current != nil
	case CondRev:
		return current != nil && current.Rev == c.Rev
	}
	return false
}

// Range selects sort keys within a partition. From and To are inclusive;
// an empty bound is open. Limit <= 0 means unlimited.
type Range struct {
	From    string
	To      string
	Reverse bool
	Limit   int
}

// Contains reports whether sk falls inside the bounds.
func (r Range) Contains(sk string) bool {
	if r.From != "" && sk < r.From {
		return false
	}
	if r.To != "" && sk > r.To {
		return false
	}
	return true
}

// Write is one conditional put inside a batch.
type Write struct {
	Item Item
	Cond Condition
}

// Store is the conditional key-value store.
type Store interface {
	Get(ctx context.Context, pk, sk string) (Item, error)
	Put(ctx context.Context, item Item, cond Condition) error
	Query(ctx context.Context, pk string, r Range) ([]Item, error)
	Delete(ctx context.Context, pk, sk string) error
	Close() error
}

// Batcher is implemented by stores that can apply several conditional
// writes atomically. If any condition fails, nothing is written and
// ErrConditionFailed is returned.
type Batcher interface {
	PutAll(ctx context.Context, writes []Write) error
}

// ConditionError reports which write of a batch failed. It unwraps to
// ErrConditionFailed.
type ConditionError struct {
	PK   string
	SK   string
	Cond Condition
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("kv: condition %s failed for %s/%s", e.Cond, e.PK, e.SK)
}

func (e *ConditionError) Unwrap() error { return ErrConditionFailed }
