// Package memkv is an in-process kv.Store. It is the default backend for
// tests and single-process deployments that accept losing state on restart.
package memkv

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/automata/internal/kv"
)

// Store keeps partitions in maps guarded by one RWMutex.
type Store struct {
	mu    sync.RWMutex
	parts map[string]map[string]kv.Item
}

var (
	_ kv.Store   = (*Store)(nil)
	_ kv.Batcher = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{parts: make(map[string]map[string]kv.Item)}
}

func (s *Store) lookup(pk, sk string) *kv.Item {
	part, ok := s.parts[pk]
	if !ok {
		return nil
	}
	item, ok := part[sk]
	if !ok {
		return nil
	}
	return &item
}

func (s *Store) set(item kv.Item) {
	part, ok := s.parts[item.PK]
	if !ok {
		part = make(map[string]kv.Item)
		s.parts[item.PK] = part
	}
	item.Data = slices.Clone(item.Data)
	part[item.SK] = item
}

// Get returns a copy of the item at (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return kv.Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.lookup(pk, sk)
	if item == nil {
		return kv.Item{}, kv.ErrNotFound
	}
	out := *item
	out.Data = slices.Clone(item.Data)
	return out, nil
}

// Put writes item if cond holds.
func (s *Store) Put(ctx context.Context, item kv.Item, cond kv.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cond.Holds(s.lookup(item.PK, item.SK)) {
		return &kv.ConditionError{PK: item.PK, SK: item.SK, Cond: cond}
	}
	s.set(item)
	return nil
}

// PutAll checks every condition before applying any write.
func (s *Store) PutAll(ctx context.Context, writes []kv.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if !w.Cond.Holds(s.lookup(w.Item.PK, w.Item.SK)) {
			return &kv.ConditionError{PK: w.Item.PK, SK: w.Item.SK, Cond: w.Cond}
		}
	}
	for _, w := range writes {
		s.set(w.Item)
	}
	return nil
}

// Query returns items of partition pk inside r, ordered by sort key.
func (s *Store) Query(ctx context.Context, pk string, r kv.Range) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	part := s.parts[pk]
	keys := make([]string, 0, len(part))
	for sk := range part {
		if r.Contains(sk) {
			keys = append(keys, sk)
		}
	}
	slices.Sort(keys)
	if r.Reverse {
		slices.Reverse(keys)
	}
	if r.Limit > 0 && len(keys) > r.Limit {
		keys = keys[:r.Limit]
	}

	items := make([]kv.Item, 0, len(keys))
	for _, sk := range keys {
		item := part[sk]
		item.Data = slices.Clone(item.Data)
		items = append(items, item)
	}
	return items, nil
}

// Delete removes (pk, sk). Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if part, ok := s.parts[pk]; ok {
		delete(part, sk)
		if len(part) == 0 {
			delete(s.parts, pk)
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
