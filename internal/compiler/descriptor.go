// Package compiler turns CUE automata definitions into descriptors.
//
// A definition lives under the top-level automata struct:
//
//	automata: counter: {
//		stateSchema: {count: int}
//		events: {
//			INCREMENT: {amount: int}
//			RESET:     null
//		}
//		transition: """
//			next: {
//				if event.type == "INCREMENT" {count: state.count + event.data.amount}
//				if event.type == "RESET" {count: 0}
//			}
//			"""
//		initialState: {count: 0}
//	}
//
// The name defaults to the label and may be overridden by a name field.
// Schemas are kept as descriptive metadata: each type becomes its kind
// name ("int", "string", ...) and structs become objects of those.
package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/ir"
)

// CompileDescriptor parses one automata definition.
func CompileDescriptor(v cue.Value) (ir.Descriptor, error) {
	if err := v.Err(); err != nil {
		return ir.Descriptor{}, formatCUEError(err)
	}

	var d ir.Descriptor
	if labels := v.Path().Selectors(); len(labels) > 0 {
		d.Name = labels[len(labels)-1].Unquoted()
	}
	if nameVal := v.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return ir.Descriptor{}, fieldError("name", nameVal, err)
		}
		d.Name = name
	}
	if d.Name == "" {
		return ir.Descriptor{}, &CompileError{Field: "name", Message: "name is required", Pos: v.Pos()}
	}

	if schemaVal := v.LookupPath(cue.ParsePath("stateSchema")); schemaVal.Exists() {
		schema, err := schemaOf("stateSchema", schemaVal)
		if err != nil {
			return ir.Descriptor{}, err
		}
		d.StateSchema = schema
	}

	events, err := parseEvents(v)
	if err != nil {
		return ir.Descriptor{}, err
	}
	d.EventSchemas = events

	transVal := v.LookupPath(cue.ParsePath("transition"))
	if !transVal.Exists() {
		return ir.Descriptor{}, &CompileError{Field: "transition", Message: "transition is required", Pos: v.Pos()}
	}
	trans, err := transVal.String()
	if err != nil {
		return ir.Descriptor{}, fieldError("transition", transVal, err)
	}
	if err := eval.NewCUE().Check(trans); err != nil {
		return ir.Descriptor{}, &CompileError{Field: "transition", Message: err.Error(), Pos: transVal.Pos()}
	}
	d.TransitionSpec = trans

	initVal := v.LookupPath(cue.ParsePath("initialState"))
	if !initVal.Exists() {
		return ir.Descriptor{}, &CompileError{Field: "initialState", Message: "initialState is required", Pos: v.Pos()}
	}
	if err := initVal.Validate(cue.Concrete(true)); err != nil {
		return ir.Descriptor{}, &CompileError{Field: "initialState", Message: "initialState must be concrete: " + err.Error(), Pos: initVal.Pos()}
	}
	data, err := initVal.MarshalJSON()
	if err != nil {
		return ir.Descriptor{}, fieldError("initialState", initVal, err)
	}
	if d.InitialState, err = ir.Parse(data); err != nil {
		return ir.Descriptor{}, &CompileError{Field: "initialState", Message: err.Error(), Pos: initVal.Pos()}
	}
	return d, nil
}

// parseEvents reads the events struct. At least one event type is
// required.
func parseEvents(v cue.Value) (map[string]ir.Value, error) {
	eventsVal := v.LookupPath(cue.ParsePath("events"))
	if !eventsVal.Exists() {
		return nil, &CompileError{Field: "events", Message: "at least one event type is required", Pos: v.Pos()}
	}
	iter, err := eventsVal.Fields()
	if err != nil {
		return nil, fieldError("events", eventsVal, err)
	}
	events := make(map[string]ir.Value)
	for iter.Next() {
		name := iter.Selector().Unquoted()
		schema, err := schemaOf("events."+name, iter.Value())
		if err != nil {
			return nil, err
		}
		events[name] = schema
	}
	if len(events) == 0 {
		return nil, &CompileError{Field: "events", Message: "at least one event type is required", Pos: eventsVal.Pos()}
	}
	return events, nil
}

// schemaOf converts a CUE type into its descriptive form.
func schemaOf(field string, v cue.Value) (ir.Value, error) {
	switch k := v.IncompleteKind(); k {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StructKind:
		iter, err := v.Fields(cue.Optional(true))
		if err != nil {
			return nil, fieldError(field, v, err)
		}
		obj := ir.Object{}
		for iter.Next() {
			name := iter.Selector().Unquoted()
			s, err := schemaOf(field+"."+name, iter.Value())
			if err != nil {
				return nil, err
			}
			obj[name] = s
		}
		return obj, nil
	case cue.StringKind:
		return ir.String("string"), nil
	case cue.IntKind:
		return ir.String("int"), nil
	case cue.FloatKind:
		return ir.String("float"), nil
	case cue.NumberKind:
		return ir.String("number"), nil
	case cue.BoolKind:
		return ir.String("bool"), nil
	case cue.ListKind:
		return ir.String("array"), nil
	case cue.TopKind:
		return ir.String("any"), nil
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported type kind: %v", k),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field string, v cue.Value, err error) error {
	if ce, ok := formatCUEError(err).(*CompileError); ok {
		ce.Field = field
		return ce
	}
	return &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
