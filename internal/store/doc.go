// Package store persists automatas, their event logs and snapshots on a
// conditional key-value store (internal/kv).
//
// # Key layout
//
//	automata#<id>              meta                 automata record
//	events#<id>                <baseVersion>        one event per base version
//	snapshots#<id>             <version>            append-only snapshots
//	realm#<n>:<tenant>#<realm> <id>                 realm membership index
//
// <n> is the byte length of the tenant id.
//
// Versions are fixed-width base-62 strings, so sort-key order is version
// order and range scans return events in commit order.
//
// # Commit protocol
//
// The revision token of an automata record is "<version>/<status>". Every
// state change is a compare-and-swap on that token, so an archive racing a
// commit makes the commit fail, and two commits from the same base version
// cannot both succeed.
//
// When the backend implements kv.Batcher, the event insert and the meta
// update are one atomic batch. Otherwise the event is written first, then
// the meta record; if the meta update loses, the event is deleted again.
// Readers only return events with baseVersion below the committed version,
// so an event whose meta update has not landed is never observable.
//
// Stored values are canonical JSON (ir.MarshalCanonical).
package store
