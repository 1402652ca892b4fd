package harness

import "github.com/roach88/automata/internal/ir"

// OutcomeOK is the outcome of a successful step.
const OutcomeOK = "ok"

// TraceEvent records one executed step. Outcome is OutcomeOK or an engine
// error code. Automatas appear by scenario ref, never by generated id.
type TraceEvent struct {
	Seq       int      `json:"seq"`
	Op        string   `json:"op"`
	Ref       string   `json:"ref,omitempty"`
	EventType string   `json:"event_type,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	Outcomes  []string `json:"outcomes,omitempty"`
	Version   string   `json:"version,omitempty"`
	State     ir.Value `json:"state,omitempty"`
	Succeeded *int     `json:"succeeded,omitempty"`
	Failed    *int     `json:"failed,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
