package broadcast

import (
	"errors"
	"hash/fnv"
	"slices"
	"sync"

	"github.com/roach88/automata/internal/auth"
)

const shardCount = 32

// ErrUnknownConnection is returned for a connection that was never
// registered or has been forgotten.
var ErrUnknownConnection = errors.New("unknown connection")

// Registry maps automatas to subscribed connections and connections to the
// principal that opened them. Both sides are sharded by FNV-1a hash so
// unrelated automatas and connections do not share a lock.
//
// A Registry is created at service start, shared by the transport
// handlers and the Broadcaster, and dropped at shutdown.
//
// Locks are always taken connection shard first, then automata shard.
type Registry struct {
	conns     [shardCount]connShard
	automatas [shardCount]subShard
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	principal auth.Principal
	automatas map[string]struct{}
}

type subShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.conns {
		r.conns[i].conns = make(map[string]*connection)
		r.automatas[i].subs = make(map[string]map[string]struct{})
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Register records the principal behind connID. Registering an existing
// connection replaces its principal and keeps its subscriptions.
func (r *Registry) Register(connID string, p auth.Principal) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.conns[connID]; ok {
		c.principal = p
		return
	}
	cs.conns[connID] = &connection{principal: p, automatas: make(map[string]struct{})}
}

// Principal returns the principal registered for connID.
func (r *Registry) Principal(connID string) (auth.Principal, bool) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok {
		return auth.Principal{}, false
	}
	return c.principal, true
}

// Forget removes connID and all of its subscriptions. It returns the
// automatas the connection was subscribed to.
func (r *Registry) Forget(connID string) []string {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok {
		return nil
	}
	delete(cs.conns, connID)

	ids := make([]string, 0, len(c.automatas))
	for id := range c.automatas {
		r.unlink(connID, id)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscribe adds connID to automataID's subscribers. It reports whether
// the subscription is new.
func (r *Registry) Subscribe(connID, automataID string) (bool, error) {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, ok := c.automatas[automataID]; ok {
		return false, nil
	}
	c.automatas[automataID] = struct{}{}

	as := &r.automatas[shardOf(automataID)]
	as.mu.Lock()
	set, ok := as.subs[automataID]
	if !ok {
		set = make(map[string]struct{})
		as.subs[automataID] = set
	}
	set[connID] = struct{}{}
	as.mu.Unlock()
	return true, nil
}

// Unsubscribe removes connID from automataID's subscribers. It reports
// whether a subscription existed.
func (r *Registry) Unsubscribe(connID, automataID string) bool {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok {
		return false
	}
	if _, ok := c.automatas[automataID]; !ok {
		return false
	}
	delete(c.automatas, automataID)
	r.unlink(connID, automataID)
	return true
}

// unlink removes connID from the automata side. The caller holds the
// connection shard lock.
func (r *Registry) unlink(connID, automataID string) {
	as := &r.automatas[shardOf(automataID)]
	as.mu.Lock()
	defer as.mu.Unlock()
	set := as.subs[automataID]
	delete(set, connID)
	if len(set) == 0 {
		delete(as.subs, automataID)
	}
}

// Subscribers returns a sorted copy of automataID's subscribers.
func (r *Registry) Subscribers(automataID string) []string {
	as := &r.automatas[shardOf(automataID)]
	as.mu.RLock()
	defer as.mu.RUnlock()
	set := as.subs[automataID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Subscriptions returns a sorted copy of the automatas connID is
// subscribed to.
func (r *Registry) Subscriptions(connID string) []string {
	cs := &r.conns[shardOf(connID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.automatas))
	for id := range c.automatas {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
