// Package harness runs scripted scenarios against a real engine and
// compares the resulting traces with golden files.
//
// # Scenario Format
//
//	name: counter_conflict
//	description: "Two writers race on the same version"
//	descriptors: ../descriptors/counter.cue
//	principals:
//	  alice: {tenant: t1}
//	  bob:   {tenant: t1}
//	steps:
//	  - {op: create, as: alice, ref: c, realm: r1, descriptor: counter}
//	  - op: send
//	    as: alice
//	    ref: c
//	    type: INCREMENT
//	    data: {amount: 5}
//	    expect: {version: "000001", state: {count: 5}}
//	  - op: parallel
//	    steps:
//	      - {op: send, as: alice, ref: c, type: INCREMENT, data: {amount: 1}, expectedVersion: "000001"}
//	      - {op: send, as: bob, ref: c, type: INCREMENT, data: {amount: 2}, expectedVersion: "000001"}
//	assertions:
//	  - {type: final_state, ref: c, version: "000002"}
//	  - {type: trace_count, op: parallel, outcome: VERSION_CONFLICT, count: 1}
//
// Steps are create, send, archive, get, snapshot, history, batch,
// parallel (concurrent sends), connect and subscribe. A step without an
// expect block must succeed.
//
// # Assertion Types
//
//   - final_state: the automata's stored state and/or version
//   - event_count: number of committed events
//   - trace_count: number of trace entries for an op, optionally with an outcome
//   - messages: number of messages pushed to a connection
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, sequential automata ids
// and a step clock. Traces name automatas by scenario ref and record
// parallel outcomes as a sorted list, so they are byte-identical across
// runs.
package harness
