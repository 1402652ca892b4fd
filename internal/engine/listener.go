package engine

import (
	"context"

	"github.com/roach88/automata/internal/ir"
)

// Commit describes one accepted event after it was stored.
type Commit struct {
	// Automata is the record after the commit.
	Automata ir.Automata
	Event    ir.Event
	OldState ir.Value
}

// CommitListener observes commits. OnCommit runs synchronously after the
// commit with a context that is not canceled by the caller; it must bound
// its own work.
type CommitListener interface {
	OnCommit(ctx context.Context, c Commit)
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(ctx context.Context, c Commit)

func (f CommitListenerFunc) OnCommit(ctx context.Context, c Commit) { f(ctx, c) }
