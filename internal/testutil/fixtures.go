package testutil

import "github.com/roach88/automata/internal/ir"

// CounterSpec is a CUE transition for CounterDescriptor.
const CounterSpec = `next: {
	if event.type == "INCREMENT" {count: state.count + event.data.amount}
	if event.type == "DECREMENT" {count: state.count - event.data.amount}
	if event.type == "RESET" {count: 0}
}`

// CounterDescriptor is the counter used throughout the tests:
// initial state {count: 0}, events INCREMENT/DECREMENT {amount} and RESET.
func CounterDescriptor() ir.Descriptor {
	amount := ir.Object{"amount": ir.String("int")}
	return ir.Descriptor{
		Name:        "counter",
		StateSchema: ir.Object{"count": ir.String("int")},
		EventSchemas: map[string]ir.Value{
			"INCREMENT": amount,
			"DECREMENT": amount,
			"RESET":     ir.Null{},
		},
		TransitionSpec: CounterSpec,
		InitialState:   ir.Object{"count": ir.Int(0)},
	}
}

// Amount builds INCREMENT/DECREMENT event data.
func Amount(n int64) ir.Object {
	return ir.Object{"amount": ir.Int(n)}
}

// Count builds a counter state.
func Count(n int64) ir.Object {
	return ir.Object{"count": ir.Int(n)}
}
