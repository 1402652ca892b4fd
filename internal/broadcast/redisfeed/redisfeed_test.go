package redisfeed

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automata/internal/broadcast"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/logger"
)

func sampleCommit() engine.Commit {
	ts := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	return engine.Commit{
		Automata: ir.Automata{
			ID:           "a1",
			Version:      "000001",
			CurrentState: ir.Object{"count": ir.Int(9007199254740993)},
		},
		Event: ir.Event{
			ID:              ir.EventID("a1", "000000"),
			AutomataID:      "a1",
			BaseVersion:     "000000",
			EventType:       "INCREMENT",
			EventData:       ir.Object{"amount": ir.Int(5)},
			SenderSubjectID: "alice",
			Timestamp:       ts,
		},
		OldState: ir.Object{"count": ir.Int(0)},
	}
}

func TestNoticeRoundTrip(t *testing.T) {
	c := sampleCommit()
	raw, err := encodeNotice(c)
	require.NoError(t, err)

	id, ev, state, version, err := decodeNotice(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
	assert.Equal(t, "000001", version)
	assert.Equal(t, c.Automata.CurrentState, state, "large integers survive the wire")
	assert.Equal(t, c.Event.ID, ev.ID)
	assert.Equal(t, c.Event.EventData, ev.EventData)
	assert.True(t, c.Event.Timestamp.Equal(ev.Timestamp))
	assert.NotContains(t, string(raw), "old", "the previous state is not published")
}

func TestDecodeNotice_Rejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"version":"000001","state":null,"eventData":null}`,
		`{"automataId":"a1","version":"000001","state":{"x":},"eventData":null}`,
	} {
		_, _, _, _, err := decodeNotice([]byte(raw))
		assert.Error(t, err, raw)
	}
}

type recordingTarget struct {
	mu    sync.Mutex
	calls []string
	got   chan struct{}
}

func (r *recordingTarget) Broadcast(_ context.Context, automataID string, _ ir.Event, _ ir.Value, version string) broadcast.Summary {
	r.mu.Lock()
	r.calls = append(r.calls, automataID+"@"+version)
	r.mu.Unlock()
	r.got <- struct{}{}
	return broadcast.Summary{Delivered: 1}
}

func TestForwarder_IgnoresBadPayload(t *testing.T) {
	target := &recordingTarget{got: make(chan struct{}, 1)}
	f := NewForwarder(nil, "ch", target, logger.Nop())
	f.forward(context.Background(), []byte("garbage"))
	assert.Empty(t, target.calls)

	raw, err := encodeNotice(sampleCommit())
	require.NoError(t, err)
	f.forward(context.Background(), raw)
	assert.Equal(t, []string{"a1@000001"}, target.calls)
}

func TestPublishForward_Redis(t *testing.T) {
	addr := os.Getenv("AUTOMATA_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTOMATA_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	channel := "automata-test:" + uuid.NewString()
	target := &recordingTarget{got: make(chan struct{}, 1)}
	done, err := NewForwarder(rdb, channel, target, nil).Start(ctx)
	require.NoError(t, err)

	NewPublisher(rdb, channel, nil).OnCommit(ctx, sampleCommit())

	select {
	case <-target.got:
	case <-ctx.Done():
		t.Fatal("notice was not forwarded")
	}
	target.mu.Lock()
	assert.Equal(t, []string{"a1@000001"}, target.calls)
	target.mu.Unlock()

	cancel()
	<-done
}
