package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T) (*Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return FromCore(core), logs
}

func TestPayloadKeysAreRedacted(t *testing.T) {
	t.Setenv("LOG_PAYLOADS", "")
	l, logs := observed(t)

	l.Info("commit", "automata_id", "a1", "new_state", map[string]any{"count": 5}, "event_data", "{\"amount\":5}")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "a1", fields["automata_id"])
	assert.Equal(t, "[REDACTED]", fields["new_state"])
	assert.Equal(t, "[REDACTED 12 bytes]", fields["event_data"])
}

func TestPayloadLoggingOptIn(t *testing.T) {
	t.Setenv("LOG_PAYLOADS", "1")
	l, logs := observed(t)

	l.Debug("evaluate", "state", "x", "auth_token", "abc")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "x", fields["state"])
	assert.Equal(t, "[REDACTED]", fields["auth_token"])
}

func TestWithKeepsRedaction(t *testing.T) {
	t.Setenv("LOG_PAYLOADS", "")
	l, logs := observed(t)

	l.With("op", "send_event", "state", "secret-ish").Warn("slow")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "send_event", fields["op"])
	assert.Equal(t, "[REDACTED 10 bytes]", fields["state"])
}

func TestOddKeyValues(t *testing.T) {
	l, logs := observed(t)
	l.Error("dangling", "op")
	require.NotZero(t, logs.FilterMessage("dangling").Len())
}

func TestNop(t *testing.T) {
	Nop().Info("ignored", "state", 1)
}
