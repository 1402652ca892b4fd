package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/automata/internal/config"
	"github.com/roach88/automata/internal/ir"
)

const counterCUE = "testdata/descriptors/counter.cue"

func TestGoldenScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			result := RunWithGolden(t, s)
			assert.True(t, result.Pass)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/lifecycle.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := FormatTrace(s.Name, first.Trace)
	require.NoError(t, err)
	b, err := FormatTrace(s.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_PushConfigBoundsOutboxes(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/subscriptions.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), s, WithPushConfig(config.PushConfig{Timeout: time.Second, Buffer: 1}))
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected 3 messages on w1, got 1")
	assert.Contains(t, result.Errors[1], "expected 3 messages on w2, got 1")
}

func TestRun_FailedExpectation(t *testing.T) {
	s := &Scenario{
		Name:        "failing",
		Description: "expectations that do not hold",
		Descriptors: counterCUE,
		Principals:  map[string]PrincipalDef{"alice": {Tenant: "t1"}},
		Steps: []Step{
			{Op: OpCreate, As: "alice", Ref: "c", Realm: "r1", Descriptor: "counter"},
			{Op: OpSend, As: "alice", Ref: "c", Type: "INCREMENT", Data: map[string]any{"amount": 1},
				Expect: &Expect{State: map[string]any{"count": 2}}},
			{Op: OpSend, As: "alice", Ref: "c", Type: "NOPE"},
		},
		Assertions: []Assertion{
			{Type: AssertEventCount, Ref: "c", Count: 5},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected state")
	assert.Contains(t, result.Errors[1], "unexpected UNKNOWN_EVENT_TYPE")
	assert.Contains(t, result.Errors[2], "expected 5 events, got 1")
}

func TestRun_UnknownDescriptor(t *testing.T) {
	s := &Scenario{
		Name:        "unknown",
		Description: "create with a descriptor that was never loaded",
		Descriptors: counterCUE,
		Principals:  map[string]PrincipalDef{"alice": {Tenant: "t1"}},
		Steps:       []Step{{Op: OpCreate, As: "alice", Ref: "c", Realm: "r1", Descriptor: "missing"}},
	}

	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown descriptor "missing"`)
}

func TestRun_ParallelOutcomesSorted(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/counter_conflict.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, OpParallel, last.Op)
	assert.Equal(t, []string{"VERSION_CONFLICT", OutcomeOK}, last.Outcomes)
}

func TestFormatTrace(t *testing.T) {
	two := 2
	out, err := FormatTrace("demo", []TraceEvent{
		{Seq: 1, Op: OpSend, Ref: "c", EventType: "INCREMENT", Outcome: OutcomeOK,
			Version: "000001", State: ir.Object{"count": ir.Int(1)}},
		{Seq: 2, Op: OpBatch, Ref: "c", Outcome: OutcomeOK, Succeeded: &two, Failed: new(int)},
	})
	require.NoError(t, err)

	want := `{"scenario":"demo"}
{"event_type":"INCREMENT","op":"send","outcome":"ok","ref":"c","seq":1,"state":{"count":1},"version":"000001"}
{"failed":0,"op":"batch","outcome":"ok","ref":"c","seq":2,"succeeded":2}
`
	assert.Equal(t, want, string(out))
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	abs, err := filepath.Abs(counterCUE)
	require.NoError(t, err)
	path := filepath.Join(dir, "s.yaml")
	body = strings.ReplaceAll(body, "$DESC", abs)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenario_ResolvesDescriptors(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/subscriptions.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "descriptors", "counter.cue"), s.Descriptors)
	assert.Len(t, s.Principals, 3)
	assert.Equal(t, "w1", s.Steps[1].Conn)
}

func TestLoadScenario_Invalid(t *testing.T) {
	const base = "name: s\ndescription: d\ndescriptors: $DESC\nprincipals:\n  alice: {tenant: t1}\n"

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "description: d\ndescriptors: $DESC\nsteps: [{op: get, as: a, ref: c}]\n", "name is required"},
		{"missing descriptors", "name: s\ndescription: d\nsteps: [{op: get, as: a, ref: c}]\n", "descriptors is required"},
		{"no steps", base, "steps list is required"},
		{"unknown field", base + "bogus: 1\nsteps: [{op: get, as: alice, ref: c}]\n", "failed to parse YAML"},
		{"unknown op", base + "steps: [{op: fly, as: alice, ref: c}]\n", `unknown op "fly"`},
		{"unknown principal", base + "steps: [{op: get, as: bob, ref: c}]\n", `unknown principal "bob"`},
		{"missing ref", base + "steps: [{op: get, as: alice}]\n", "ref is required"},
		{"create without realm", base + "steps: [{op: create, as: alice, ref: c, descriptor: counter}]\n", "create needs descriptor and realm"},
		{"send without type", base + "steps: [{op: send, as: alice, ref: c}]\n", "send needs type"},
		{"history without version", base + "steps: [{op: history, as: alice, ref: c}]\n", "history needs version"},
		{"parallel with one step", base + "steps: [{op: parallel, steps: [{op: send, as: alice, ref: c, type: X}]}]\n", "at least two steps"},
		{"parallel non-send", base + "steps: [{op: parallel, steps: [{op: get, as: alice, ref: c}, {op: get, as: alice, ref: c}]}]\n", "only send may run in parallel"},
		{"subscribe without conn", base + "steps: [{op: subscribe, ref: c}]\n", "subscribe needs conn"},
		{"bad assertion", base + "steps: [{op: get, as: alice, ref: c}]\nassertions: [{type: final_state, ref: c}]\n", "needs ref and state or version"},
		{"unknown assertion", base + "steps: [{op: get, as: alice, ref: c}]\nassertions: [{type: vibes}]\n", `unknown assertion type "vibes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
