// Package ir defines the records and opaque value type shared by every
// other package: automata, events, snapshots, descriptors and the sealed
// Value union carried as state and event data.
//
// ir imports nothing internal. Values are never inspected by the core
// except to hand them to a transition evaluator and to serialize them;
// MarshalCanonical is the single serialization used for storage and
// content hashing.
package ir
