package eval

import (
	"context"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/automata/internal/ir"
)

// CUE evaluates transition specs written in CUE. The transition is unified
// with the inputs
//
//	state: <current state>
//	event: {type: <event type>, data: <event data>}
//
// and must make the field next concrete. For example:
//
//	next: {
//		if event.type == "INCREMENT" {count: state.count + event.data.amount}
//		if event.type == "RESET" {count: 0}
//	}
type CUE struct{}

// NewCUE returns a CUE evaluator.
func NewCUE() *CUE {
	return &CUE{}
}

// inputDecls follows the transition source so it may start with imports.
const inputDecls = "\nstate: _\nevent: {type: string, data: _}\n"

var (
	statePath     = cue.ParsePath("state")
	eventTypePath = cue.ParsePath("event.type")
	eventDataPath = cue.ParsePath("event.data")
	nextPath      = cue.ParsePath("next")
)

// Error is a CUE evaluation failure. Line and Column locate it in the
// transition spec; both are zero when CUE reports no position in it.
type Error struct {
	Message string
	Line    int
	Column  int
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("transition:%d:%d: %s", e.Line, e.Column, e.Message)
	}
	return e.Message
}

// Evaluate computes next from spec. Each call uses its own CUE context,
// so evaluations share no state.
func (c *CUE) Evaluate(ctx context.Context, spec string, state ir.Value, eventType string, eventData ir.Value) (ir.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cctx := cuecontext.New()

	v := cctx.CompileString(spec+inputDecls, cue.Filename("transition.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, len(spec))
	}

	stateV, err := compileValue(cctx, state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	dataV, err := compileValue(cctx, eventData)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	v = v.FillPath(statePath, stateV).
		FillPath(eventTypePath, eventType).
		FillPath(eventDataPath, dataV)

	next := v.LookupPath(nextPath)
	if !next.Exists() {
		return nil, &Error{Message: "transition does not define next"}
	}
	if err := next.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, len(spec))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := next.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err, len(spec))
	}
	out, err := ir.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("decode next: %w", err)
	}
	return out, nil
}

func compileValue(cctx *cue.Context, v ir.Value) (cue.Value, error) {
	data, err := ir.Marshal(v)
	if err != nil {
		return cue.Value{}, err
	}
	cv := cctx.CompileBytes(data)
	return cv, cv.Err()
}

// formatCUEError keeps the first error and its position within the transition source.
func formatCUEError(err error, specLen int) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Message: first.Error()}
	for _, pos := range cueerrors.Positions(first) {
		if pos.Filename() == "transition.cue" && pos.Offset() < specLen {
			e.Line = pos.Line()
			e.Column = pos.Column()
			break
		}
	}
	return e
}

// Check compiles spec without inputs and reports whether it defines next.
func (c *CUE) Check(spec string) error {
	v := cuecontext.New().CompileString(spec+inputDecls, cue.Filename("transition.cue"))
	if err := v.Err(); err != nil {
		return formatCUEError(err, len(spec))
	}
	if !v.LookupPath(nextPath).Exists() {
		return &Error{Message: "transition does not define next"}
	}
	return nil
}
