// Package redisfeed shares commits between service instances over a Redis
// pub/sub channel. Each instance registers a Publisher with its engine
// and runs a Forwarder that hands every notice, including its own, to its
// local Broadcaster. An instance using the feed must not also register
// its Broadcaster as a commit listener, or local subscribers would be
// notified twice.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/automata/internal/broadcast"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/logger"
)

const publishTimeout = 2 * time.Second

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// notice is the wire form of a commit.
type notice struct {
	AutomataID  string          `json:"automataId"`
	Version     string          `json:"version"`
	State       json.RawMessage `json:"state"`
	EventID     string          `json:"eventId"`
	BaseVersion string          `json:"baseVersion"`
	EventType   string          `json:"eventType"`
	EventData   json.RawMessage `json:"eventData"`
	Sender      string          `json:"sender,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func encodeNotice(c engine.Commit) ([]byte, error) {
	state, err := ir.Marshal(c.Automata.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	data, err := ir.Marshal(c.Event.EventData)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return json.Marshal(notice{
		AutomataID:  c.Automata.ID,
		Version:     c.Automata.Version,
		State:       state,
		EventID:     c.Event.ID,
		BaseVersion: c.Event.BaseVersion,
		EventType:   c.Event.EventType,
		EventData:   data,
		Sender:      c.Event.SenderSubjectID,
		Timestamp:   c.Event.Timestamp,
	})
}

func decodeNotice(raw []byte) (automataID string, ev ir.Event, state ir.Value, version string, err error) {
	var n notice
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", ir.Event{}, nil, "", err
	}
	if n.AutomataID == "" || n.Version == "" {
		return "", ir.Event{}, nil, "", errors.New("notice without automata id or version")
	}
	if state, err = ir.Parse(n.State); err != nil {
		return "", ir.Event{}, nil, "", fmt.Errorf("decode state: %w", err)
	}
	data, err := ir.Parse(n.EventData)
	if err != nil {
		return "", ir.Event{}, nil, "", fmt.Errorf("decode event data: %w", err)
	}
	ev = ir.Event{
		ID:              n.EventID,
		AutomataID:      n.AutomataID,
		BaseVersion:     n.BaseVersion,
		EventType:       n.EventType,
		EventData:       data,
		SenderSubjectID: n.Sender,
		Timestamp:       n.Timestamp,
	}
	return n.AutomataID, ev, state, n.Version, nil
}

// Publisher publishes every commit to a Redis channel. It is an
// engine.CommitListener.
type Publisher struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

// NewPublisher returns a Publisher on channel.
func NewPublisher(rdb *goredis.Client, channel string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{rdb: rdb, channel: channel, log: log.With("component", "redisfeed.Publisher")}
}

// OnCommit publishes c. Failures are logged; the commit itself stands.
func (p *Publisher) OnCommit(ctx context.Context, c engine.Commit) {
	raw, err := encodeNotice(c)
	if err != nil {
		p.log.Error("encode commit notice", "automata_id", c.Automata.ID, "version", c.Automata.Version, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		p.log.Warn("publish commit notice", "automata_id", c.Automata.ID, "version", c.Automata.Version, "error", err)
	}
}

// Target receives forwarded commits. *broadcast.Broadcaster satisfies it.
type Target interface {
	Broadcast(ctx context.Context, automataID string, ev ir.Event, state ir.Value, version string) broadcast.Summary
}

// Forwarder subscribes to the channel and broadcasts each notice locally.
type Forwarder struct {
	rdb     *goredis.Client
	channel string
	target  Target
	log     *logger.Logger
}

// NewForwarder returns a Forwarder on channel.
func NewForwarder(rdb *goredis.Client, channel string, target Target, log *logger.Logger) *Forwarder {
	if log == nil {
		log = logger.Nop()
	}
	return &Forwarder{rdb: rdb, channel: channel, target: target, log: log.With("component", "redisfeed.Forwarder")}
}

// Start subscribes and forwards notices until ctx is done. It returns once
// the subscription is confirmed; the returned channel is closed when
// forwarding stops.
func (f *Forwarder) Start(ctx context.Context) (<-chan struct{}, error) {
	sub := f.rdb.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				f.forward(ctx, []byte(m.Payload))
			}
		}
	}()
	return done, nil
}

func (f *Forwarder) forward(ctx context.Context, raw []byte) {
	automataID, ev, state, version, err := decodeNotice(raw)
	if err != nil {
		f.log.Warn("bad commit notice", "error", err)
		return
	}
	f.target.Broadcast(ctx, automataID, ev, state, version)
}
