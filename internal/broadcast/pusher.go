package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrGone marks a connection that will never accept another message.
// A Broadcaster drops every subscription of a connection that reports it.
var ErrGone = errors.New("connection gone")

// ErrBufferFull is a transient delivery failure: the connection exists but
// its outbound buffer is full.
var ErrBufferFull = errors.New("outbound buffer full")

// Pusher delivers a message to one connection. Errors wrapping ErrGone are
// permanent; any other error is transient.
type Pusher interface {
	Send(ctx context.Context, connID string, msg Message) error
}

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

// ChannelPusher delivers messages to in-process buffered channels, one per
// open connection. A transport goroutine drains each channel and writes to
// its client.
type ChannelPusher struct {
	mu     sync.RWMutex
	conns  map[string]chan Message
	buffer int
}

// NewChannelPusher returns a pusher whose connections buffer up to buffer
// messages.
func NewChannelPusher(buffer int) *ChannelPusher {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelPusher{conns: make(map[string]chan Message), buffer: buffer}
}

// Open creates the outbound channel for connID. Opening an open connection
// returns its existing channel.
func (p *ChannelPusher) Open(connID string) <-chan Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.conns[connID]; ok {
		return ch
	}
	ch := make(chan Message, p.buffer)
	p.conns[connID] = ch
	return ch
}

// Close closes connID's channel. Later sends to it return ErrGone.
func (p *ChannelPusher) Close(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.conns[connID]; ok {
		delete(p.conns, connID)
		close(ch)
	}
}

// Send enqueues msg without blocking.
func (p *ChannelPusher) Send(ctx context.Context, connID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.conns[connID]
	if !ok {
		return ErrGone
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}
