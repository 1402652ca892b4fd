// Package broadcast pushes committed state to subscribed connections.
//
// A transport registers each connection with the Registry together with
// the principal that opened it, then forwards subscribe and unsubscribe
// requests and the connection's closure to the Broadcaster. Every commit
// reaches Broadcast, either directly through OnCommit or through a
// change feed such as redisfeed, and is fanned out concurrently to the
// automata's current subscribers. A connection whose delivery reports
// ErrGone loses all of its subscriptions.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/logger"
)

const defaultPushTimeout = time.Second

// AutomataReader reads an automata on behalf of a principal. The engine
// satisfies it.
type AutomataReader interface {
	GetAutomata(ctx context.Context, p auth.Principal, id string) (ir.Automata, error)
}

// Summary counts the outcome of one Broadcast.
type Summary struct {
	Delivered int `json:"delivered"`
	Gone      int `json:"gone"`
	Failed    int `json:"failed"`
}

// Broadcaster routes state updates to subscribed connections.
type Broadcaster struct {
	reg         *Registry
	automatas   AutomataReader
	pusher      Pusher
	log         *logger.Logger
	pushTimeout time.Duration
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithPushTimeout bounds each delivery attempt.
func WithPushTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.pushTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Broadcaster) { b.log = l }
}

// New returns a Broadcaster over reg.
func New(reg *Registry, automatas AutomataReader, pusher Pusher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		reg:         reg,
		automatas:   automatas,
		pusher:      pusher,
		log:         logger.Nop(),
		pushTimeout: defaultPushTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the registry the broadcaster routes through.
func (b *Broadcaster) Registry() *Registry { return b.reg }

// Subscribe subscribes connID to automataID and pushes a subscribed
// message with the automata's current state and version.
//
// The connection's principal must be allowed to read the automata; the
// reader's NOT_FOUND and FORBIDDEN errors are returned unchanged. If the
// baseline cannot be delivered the error is returned and the
// subscription stays in place unless the connection is gone.
//
// The baseline is read after the subscription is registered, so every
// commit is either in the baseline or pushed as a state message. A state
// message may arrive before the baseline; clients drop state messages at
// or below the baseline version.
func (b *Broadcaster) Subscribe(ctx context.Context, connID, automataID string) error {
	const op = "subscribe"
	p, ok := b.reg.Principal(connID)
	if !ok {
		return &engine.Error{Code: engine.CodeInvalidRequest, Op: op, AutomataID: automataID,
			Message: "connection is not registered", Err: ErrUnknownConnection}
	}
	if _, err := b.automatas.GetAutomata(ctx, p, automataID); err != nil {
		return err
	}
	added, err := b.reg.Subscribe(connID, automataID)
	if err != nil {
		return &engine.Error{Code: engine.CodeInvalidRequest, Op: op, AutomataID: automataID,
			Message: "connection is not registered", Err: err}
	}
	a, err := b.automatas.GetAutomata(ctx, p, automataID)
	if err != nil {
		if added {
			b.reg.Unsubscribe(connID, automataID)
		}
		return err
	}
	b.log.Debug("subscribed", "conn_id", connID, "automata_id", automataID, "version", a.Version)

	if err := b.push(ctx, connID, SubscribedMessage(a)); err != nil {
		return fmt.Errorf("deliver subscribed message: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription if it exists and confirms with an
// unsubscribed message. Removing a missing subscription is not an error.
func (b *Broadcaster) Unsubscribe(ctx context.Context, connID, automataID string) error {
	if !b.reg.Unsubscribe(connID, automataID) {
		return nil
	}
	b.log.Debug("unsubscribed", "conn_id", connID, "automata_id", automataID)
	if err := b.push(ctx, connID, Message{Type: TypeUnsubscribed, AutomataID: automataID}); err != nil && !errors.Is(err, ErrGone) {
		return fmt.Errorf("deliver unsubscribed message: %w", err)
	}
	return nil
}

// OnConnectionClosed drops connID and all of its subscriptions.
func (b *Broadcaster) OnConnectionClosed(connID string) {
	ids := b.reg.Forget(connID)
	b.log.Debug("connection closed", "conn_id", connID, "subscriptions", len(ids))
}

// Broadcast pushes a state message to every connection subscribed to
// automataID when it is called. Deliveries run concurrently, each under
// the push timeout, and never fail each other.
func (b *Broadcaster) Broadcast(ctx context.Context, automataID string, ev ir.Event, state ir.Value, version string) Summary {
	conns := b.reg.Subscribers(automataID)
	if len(conns) == 0 {
		return Summary{}
	}
	msg := StateMessage(automataID, ev, state, version)

	var delivered, gone, failed atomic.Int64
	var g errgroup.Group
	for _, connID := range conns {
		g.Go(func() error {
			err := b.push(ctx, connID, msg)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, ErrGone):
				gone.Add(1)
			default:
				failed.Add(1)
				b.log.Warn("delivery failed",
					"conn_id", connID, "automata_id", automataID, "version", version, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s := Summary{Delivered: int(delivered.Load()), Gone: int(gone.Load()), Failed: int(failed.Load())}
	b.log.Debug("broadcast",
		"automata_id", automataID, "version", version,
		"delivered", s.Delivered, "gone", s.Gone, "failed", s.Failed)
	return s
}

// OnCommit broadcasts a commit. It makes the Broadcaster an
// engine.CommitListener for single-instance deployments.
func (b *Broadcaster) OnCommit(ctx context.Context, c engine.Commit) {
	b.Broadcast(ctx, c.Automata.ID, c.Event, c.Automata.CurrentState, c.Automata.Version)
}

// push delivers one message under the push timeout and forgets the
// connection if it is gone.
func (b *Broadcaster) push(ctx context.Context, connID string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, b.pushTimeout)
	defer cancel()
	err := b.pusher.Send(ctx, connID, msg)
	if errors.Is(err, ErrGone) {
		ids := b.reg.Forget(connID)
		b.log.Info("connection gone, subscriptions dropped", "conn_id", connID, "subscriptions", len(ids))
	}
	return err
}

func asEngineError(err error) (*engine.Error, bool) {
	var ee *engine.Error
	ok := errors.As(err, &ee)
	return ee, ok
}
