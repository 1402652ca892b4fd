package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/automata/internal/ir"
)

// FormatTrace renders a trace as one canonical JSON object per line,
// preceded by a header naming the scenario. Equal traces always render to
// identical bytes.
func FormatTrace(scenarioName string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	header, err := ir.MarshalCanonical(map[string]any{"scenario": scenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, ev := range trace {
		line, err := ir.MarshalCanonical(ev.toCanonical())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// toCanonical converts a trace event to an ir.Object, omitting empty
// fields.
func (ev TraceEvent) toCanonical() ir.Object {
	obj := ir.Object{
		"seq": ir.Int(ev.Seq),
		"op":  ir.String(ev.Op),
	}
	if ev.Ref != "" {
		obj["ref"] = ir.String(ev.Ref)
	}
	if ev.EventType != "" {
		obj["event_type"] = ir.String(ev.EventType)
	}
	if ev.Outcome != "" {
		obj["outcome"] = ir.String(ev.Outcome)
	}
	if len(ev.Outcomes) > 0 {
		arr := make(ir.Array, len(ev.Outcomes))
		for i, o := range ev.Outcomes {
			arr[i] = ir.String(o)
		}
		obj["outcomes"] = arr
	}
	if ev.Version != "" {
		obj["version"] = ir.String(ev.Version)
	}
	if ev.State != nil {
		obj["state"] = ev.State
	}
	if ev.Succeeded != nil {
		obj["succeeded"] = ir.Int(*ev.Succeeded)
	}
	if ev.Failed != nil {
		obj["failed"] = ir.Int(*ev.Failed)
	}
	return obj
}

// RunWithGolden runs a scenario, fails t on any expectation or assertion
// failure, and compares the trace with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares result's trace with the golden file for
// scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()
	trace, err := FormatTrace(scenarioName, result.Trace)
	if err != nil {
		t.Fatalf("format trace: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, trace)
}
