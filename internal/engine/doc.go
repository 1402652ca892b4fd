// Package engine owns automata state. It creates and archives automatas,
// applies events through a transition evaluator under optimistic
// concurrency, and answers event, snapshot and historical-state queries.
//
// # Sending an event
//
// SendEvent checks, in order: the automata exists (NOT_FOUND), the caller
// may write it (FORBIDDEN), it is active (INVALID_STATE), the event type is
// declared (UNKNOWN_EVENT_TYPE), the optional expected version matches
// (VERSION_CONFLICT), and the transition succeeds (TRANSITION_ERROR). The
// new state is then committed with a compare-and-swap on the version read
// in the first step; losing that race is VERSION_CONFLICT. The engine
// never retries.
//
// A successful commit is handed to every CommitListener once, after the
// commit, in registration order.
//
// # Timeouts
//
// Every storage call runs under the storage timeout and every evaluation
// under the evaluator timeout. An evaluator timeout is a TRANSITION_ERROR;
// a storage timeout is INTERNAL.
package engine
