// Package kvtest is a conformance suite every kv.Store backend runs from
// its own tests.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automata/internal/kv"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) kv.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"IfAbsent", testIfAbsent},
		{"IfExists", testIfExists},
		{"IfRev", testIfRev},
		{"QueryOrdering", testQueryOrdering},
		{"QueryRange", testQueryRange},
		{"QueryReverseLimit", testQueryReverseLimit},
		{"QueryIsolatesPartitions", testQueryIsolatesPartitions},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"ConcurrentCompareAndSwap", testConcurrentCAS},
		{"Batch", testBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func item(pk, sk, rev, data string) kv.Item {
	return kv.Item{PK: pk, SK: sk, Rev: rev, Data: []byte(data)}
}

func testGetMissing(t *testing.T, s kv.Store) {
	_, err := s.Get(ctx(t), "p", "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testPutGet(t *testing.T, s kv.Store) {
	c := ctx(t)
	require.NoError(t, s.Put(c, item("p", "a", "r1", `{"x":1}`), kv.Always()))

	got, err := s.Get(c, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, "p", got.PK)
	assert.Equal(t, "a", got.SK)
	assert.Equal(t, "r1", got.Rev)
	assert.Equal(t, `{"x":1}`, string(got.Data))

	require.NoError(t, s.Put(c, item("p", "a", "r2", `{"x":2}`), kv.Always()))
	got, err = s.Get(c, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.Rev)
}

func testIfAbsent(t *testing.T, s kv.Store) {
	c := ctx(t)
	require.NoError(t, s.Put(c, item("p", "a", "r1", "one"), kv.IfAbsent()))

	err := s.Put(c, item("p", "a", "r2", "two"), kv.IfAbsent())
	assert.ErrorIs(t, err, kv.ErrConditionFailed)

	got, err := s.Get(c, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got.Data))
}

func testIfExists(t *testing.T, s kv.Store) {
	c := ctx(t)
	err := s.Put(c, item("p", "a", "r1", "one"), kv.IfExists())
	assert.ErrorIs(t, err, kv.ErrConditionFailed)

	require.NoError(t, s.Put(c, item("p", "a", "r1", "one"), kv.Always()))
	require.NoError(t, s.Put(c, item("p", "a", "r2", "two"), kv.IfExists()))
}

func testIfRev(t *testing.T, s kv.Store) {
	c := ctx(t)
	err := s.Put(c, item("p", "a", "r2", "two"), kv.IfRev("r1"))
	assert.ErrorIs(t, err, kv.ErrConditionFailed, "CAS on missing item must fail")

	require.NoError(t, s.Put(c, item("p", "a", "r1", "one"), kv.IfAbsent()))
	require.NoError(t, s.Put(c, item("p", "a", "r2", "two"), kv.IfRev("r1")))

	err = s.Put(c, item("p", "a", "r3", "three"), kv.IfRev("r1"))
	assert.ErrorIs(t, err, kv.ErrConditionFailed, "stale revision must fail")

	got, err := s.Get(c, "p", "a")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.Rev)
	assert.Equal(t, "two", string(got.Data))
}

func seed(t *testing.T, s kv.Store, pk string, sks ...string) {
	t.Helper()
	for _, sk := range sks {
		require.NoError(t, s.Put(ctx(t), item(pk, sk, "", sk), kv.Always()))
	}
}

func sortKeys(items []kv.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.SK
	}
	return out
}

func testQueryOrdering(t *testing.T, s kv.Store) {
	// Mixed-case base-62 keys: byte order, not case-insensitive order.
	seed(t, s, "p", "00000a", "000001", "00000Z", "00000A", "000010")
	items, err := s.Query(ctx(t), "p", kv.Range{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "00000A", "00000Z", "00000a", "000010"}, sortKeys(items))
}

func testQueryRange(t *testing.T, s kv.Store) {
	seed(t, s, "p", "000001", "000002", "000003", "000004")
	items, err := s.Query(ctx(t), "p", kv.Range{From: "000002", To: "000003"})
	require.NoError(t, err)
	assert.Equal(t, []string{"000002", "000003"}, sortKeys(items))

	items, err = s.Query(ctx(t), "p", kv.Range{To: "000002"})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002"}, sortKeys(items))

	items, err = s.Query(ctx(t), "p", kv.Range{From: "000004"})
	require.NoError(t, err)
	assert.Equal(t, []string{"000004"}, sortKeys(items))
}

func testQueryReverseLimit(t *testing.T, s kv.Store) {
	seed(t, s, "p", "000001", "000002", "000003", "000004")
	items, err := s.Query(ctx(t), "p", kv.Range{To: "000003", Reverse: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"000003", "000002"}, sortKeys(items))

	items, err = s.Query(ctx(t), "p", kv.Range{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002", "000003"}, sortKeys(items))
}

func testQueryIsolatesPartitions(t *testing.T, s kv.Store) {
	seed(t, s, "events#a", "000001")
	seed(t, s, "events#ab", "000002")
	items, err := s.Query(ctx(t), "events#a", kv.Range{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001"}, sortKeys(items))

	items, err = s.Query(ctx(t), "nothing", kv.Range{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func testDeleteIdempotent(t *testing.T, s kv.Store) {
	c := ctx(t)
	seed(t, s, "p", "a")
	require.NoError(t, s.Delete(c, "p", "a"))
	require.NoError(t, s.Delete(c, "p", "a"))
	_, err := s.Get(c, "p", "a")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testConcurrentCAS(t *testing.T, s kv.Store) {
	c := ctx(t)
	require.NoError(t, s.Put(c, item("p", "counter", "000000", "0"), kv.IfAbsent()))

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Put(c, item("p", "counter", "000001", fmt.Sprint(i)), kv.IfRev("000000"))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, kv.ErrConditionFailed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testBatch(t *testing.T, s kv.Store) {
	b, ok := s.(kv.Batcher)
	if !ok {
		t.Skip("store does not implement kv.Batcher")
	}
	c := ctx(t)
	require.NoError(t, s.Put(c, item("meta", "a", "000000", "m0"), kv.IfAbsent()))

	err := b.PutAll(c, []kv.Write{
		{Item: item("events", "000000", "", "e0"), Cond: kv.IfAbsent()},
		{Item: item("meta", "a", "000001", "m1"), Cond: kv.IfRev("000000")},
	})
	require.NoError(t, err)

	// Second write's condition fails: first write must not be applied.
	err = b.PutAll(c, []kv.Write{
		{Item: item("events", "000001", "", "e1"), Cond: kv.IfAbsent()},
		{Item: item("meta", "a", "000002", "m2"), Cond: kv.IfRev("000000")},
	})
	assert.ErrorIs(t, err, kv.ErrConditionFailed)

	_, err = s.Get(c, "events", "000001")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	got, err := s.Get(c, "meta", "a")
	require.NoError(t, err)
	assert.Equal(t, "000001", got.Rev)
}
