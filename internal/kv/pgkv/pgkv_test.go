package pgkv

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/automata/internal/kv"
	"github.com/roach88/automata/internal/kv/kvtest"
)

// These tests need a live database; set AUTOMATA_PG_DSN to run them.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AUTOMATA_PG_DSN")
	if dsn == "" {
		t.Skip("AUTOMATA_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.truncate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return createTestStore(t) })
}
