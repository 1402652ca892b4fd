package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/automata/internal/engine"
)

// Scenario is a scripted run against a fresh engine.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Descriptors is a CUE file or directory, relative to the scenario
	// file, defining the automatas the steps create.
	Descriptors string `yaml:"descriptors"`

	// Principals names the callers used by steps. A principal's subject
	// defaults to its name.
	Principals map[string]PrincipalDef `yaml:"principals"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PrincipalDef defines a caller.
type PrincipalDef struct {
	Tenant  string   `yaml:"tenant"`
	Subject string   `yaml:"subject,omitempty"`
	Scopes  []string `yaml:"scopes,omitempty"`
}

// Step operations.
const (
	OpCreate    = "create"
	OpSend      = "send"
	OpArchive   = "archive"
	OpGet       = "get"
	OpSnapshot  = "snapshot"
	OpHistory   = "history"
	OpBatch     = "batch"
	OpParallel  = "parallel"
	OpConnect   = "connect"
	OpSubscribe = "subscribe"
)

// Step is one operation. Automatas are referred to by the ref given at
// creation; the generated id never appears in a scenario.
type Step struct {
	Op string `yaml:"op"`

	// As names the principal performing the step.
	As string `yaml:"as,omitempty"`

	// Ref names the automata the step acts on.
	Ref string `yaml:"ref,omitempty"`

	// create
	Realm      string `yaml:"realm,omitempty"`
	Descriptor string `yaml:"descriptor,omitempty"`

	// send
	Type            string `yaml:"type,omitempty"`
	Data            any    `yaml:"data,omitempty"`
	ExpectedVersion string `yaml:"expectedVersion,omitempty"`

	// history
	Version string `yaml:"version,omitempty"`

	// batch
	Events []BatchEvent `yaml:"events,omitempty"`

	// parallel
	Steps []Step `yaml:"steps,omitempty"`

	// connect, subscribe
	Conn string `yaml:"conn,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// BatchEvent is one event of a batch step.
type BatchEvent struct {
	Type string `yaml:"type"`
	Data any    `yaml:"data,omitempty"`
}

// Expect checks a step's outcome. Error is an engine error code; when it
// is empty the step must succeed.
type Expect struct {
	Error   engine.Code `yaml:"error,omitempty"`
	Version string      `yaml:"version,omitempty"`
	State   any         `yaml:"state,omitempty"`

	// batch
	Succeeded *int `yaml:"succeeded,omitempty"`
	Failed    *int `yaml:"failed,omitempty"`
}

// Assertion types.
const (
	AssertFinalState = "final_state"
	AssertEventCount = "event_count"
	AssertTraceCount = "trace_count"
	AssertMessages   = "messages"
)

// Assertion validates the final store or the trace.
type Assertion struct {
	// Type is one of final_state, event_count, trace_count, messages.
	Type string `yaml:"type"`

	// Ref selects the automata (final_state, event_count).
	Ref string `yaml:"ref,omitempty"`

	// State and Version are the expected final values (final_state).
	State   any    `yaml:"state,omitempty"`
	Version string `yaml:"version,omitempty"`

	// Op and Outcome select trace events (trace_count).
	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Conn selects a connection (messages).
	Conn string `yaml:"conn,omitempty"`

	// Count is the expected number of events, trace entries or messages.
	Count int `yaml:"count"`
}

// LoadScenario reads a scenario file. Unknown fields are rejected and the
// descriptors path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if s.Descriptors != "" && !filepath.IsAbs(s.Descriptors) {
		s.Descriptors = filepath.Join(filepath.Dir(path), s.Descriptors)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Descriptors == "" {
		return fmt.Errorf("descriptors is required")
	}
	if _, err := os.Stat(s.Descriptors); err != nil {
		return fmt.Errorf("descriptors not found: %s", s.Descriptors)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for name, p := range s.Principals {
		if p.Tenant == "" {
			return fmt.Errorf("principals.%s: tenant is required", name)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(s, fmt.Sprintf("steps[%d]", i), step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, at string, step Step) error {
	needsPrincipal := step.Op != OpParallel && step.Op != OpSubscribe
	if needsPrincipal {
		if step.As == "" {
			return fmt.Errorf("%s: as is required", at)
		}
		if _, ok := s.Principals[step.As]; !ok {
			return fmt.Errorf("%s: unknown principal %q", at, step.As)
		}
	}
	needsRef := step.Op != OpParallel && step.Op != OpConnect
	if needsRef && step.Ref == "" {
		return fmt.Errorf("%s: ref is required", at)
	}

	switch step.Op {
	case OpCreate:
		if step.Descriptor == "" || step.Realm == "" {
			return fmt.Errorf("%s: create needs descriptor and realm", at)
		}
	case OpSend:
		if step.Type == "" {
			return fmt.Errorf("%s: send needs type", at)
		}
	case OpHistory:
		if step.Version == "" {
			return fmt.Errorf("%s: history needs version", at)
		}
	case OpBatch:
		if len(step.Events) == 0 {
			return fmt.Errorf("%s: batch needs events", at)
		}
	case OpParallel:
		if len(step.Steps) < 2 {
			return fmt.Errorf("%s: parallel needs at least two steps", at)
		}
		for i, sub := range step.Steps {
			if sub.Op != OpSend {
				return fmt.Errorf("%s.steps[%d]: only send may run in parallel", at, i)
			}
			if err := validateStep(s, fmt.Sprintf("%s.steps[%d]", at, i), sub); err != nil {
				return err
			}
		}
	case OpConnect, OpSubscribe:
		if step.Conn == "" {
			return fmt.Errorf("%s: %s needs conn", at, step.Op)
		}
	case OpArchive, OpGet, OpSnapshot:
	default:
		return fmt.Errorf("%s: unknown op %q", at, step.Op)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Ref == "" || (a.State == nil && a.Version == "") {
			return fmt.Errorf("assertions[%d]: final_state needs ref and state or version", index)
		}
	case AssertEventCount:
		if a.Ref == "" {
			return fmt.Errorf("assertions[%d]: event_count needs ref", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: trace_count needs op", index)
		}
	case AssertMessages:
		if a.Conn == "" {
			return fmt.Errorf("assertions[%d]: messages needs conn", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
