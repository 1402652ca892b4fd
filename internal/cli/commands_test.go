package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterDescriptor = "../compiler/testdata/counter.cue"

// testConfig writes a configuration using a SQLite file in a temp dir, so
// state survives between command invocations.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "automata.db") +
		"\nauth:\n  jwt_secret: test-secret\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// execute runs the CLI with JSON output and returns stdout.
func execute(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfg, "--format", "json"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decode(t *testing.T, out string, data any) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

type automataOut struct {
	ID         string         `json:"id"`
	RealmID    string         `json:"realmId"`
	Descriptor string         `json:"descriptor"`
	Version    string         `json:"version"`
	Status     string         `json:"status"`
	State      map[string]any `json:"state"`
}

func createCounter(t *testing.T, cfg string) automataOut {
	t.Helper()
	out, err := execute(t, cfg, "--tenant", "t1", "create", "--realm", "r1", counterDescriptor)
	require.NoError(t, err, out)
	var a automataOut
	resp := decode(t, out, &a)
	require.Equal(t, "ok", resp.Status)
	return a
}

func requireFailure(t *testing.T, out string, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error, out)
	assert.Equal(t, code, resp.Error.Code)
}

func TestCreateSendGet(t *testing.T) {
	cfg := testConfig(t)

	a := createCounter(t, cfg)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "counter", a.Descriptor)
	assert.Equal(t, "000000", a.Version)
	assert.Equal(t, map[string]any{"count": float64(0)}, a.State)

	out, err := execute(t, cfg, "--tenant", "t1", "send", a.ID, "INCREMENT", "--data", `{"amount": 5}`)
	require.NoError(t, err, out)
	var sent struct {
		EventID     string         `json:"eventId"`
		BaseVersion string         `json:"baseVersion"`
		NewVersion  string         `json:"newVersion"`
		NewState    map[string]any `json:"newState"`
	}
	decode(t, out, &sent)
	assert.Equal(t, "000000", sent.BaseVersion)
	assert.Equal(t, "000001", sent.NewVersion)
	assert.Equal(t, map[string]any{"count": float64(5)}, sent.NewState)
	assert.NotEmpty(t, sent.EventID)

	out, err = execute(t, cfg, "--tenant", "t1", "get", a.ID)
	require.NoError(t, err, out)
	var got automataOut
	decode(t, out, &got)
	assert.Equal(t, "000001", got.Version)
	assert.Equal(t, map[string]any{"count": float64(5)}, got.State)
}

func TestSendRejections(t *testing.T) {
	cfg := testConfig(t)
	a := createCounter(t, cfg)

	out, err := execute(t, cfg, "--tenant", "t1", "send", a.ID, "INCREMENT", "--data", `{"amount": 1}`, "--expected-version", "000003")
	requireFailure(t, out, err, "VERSION_CONFLICT")

	out, err = execute(t, cfg, "--tenant", "t1", "send", a.ID, "EXPLODE")
	requireFailure(t, out, err, "UNKNOWN_EVENT_TYPE")

	out, err = execute(t, cfg, "--tenant", "t2", "get", a.ID)
	requireFailure(t, out, err, "FORBIDDEN")

	out, err = execute(t, cfg, "--tenant", "t1", "get", "no-such-automata")
	requireFailure(t, out, err, "NOT_FOUND")

	out, err = execute(t, cfg, "--tenant", "t1", "send", a.ID, "INCREMENT", "--data", "{not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeInput, decode(t, out, nil).Error.Code)
}

func TestMissingCaller(t *testing.T) {
	cfg := testConfig(t)

	out, err := execute(t, cfg, "get", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, decode(t, out, nil).Error.Message, "--tenant or --token is required")
}

func TestEventsHistorySnapshots(t *testing.T) {
	cfg := testConfig(t)
	a := createCounter(t, cfg)

	for _, amount := range []string{"1", "2", "3"} {
		out, err := execute(t, cfg, "--tenant", "t1", "send", a.ID, "INCREMENT", "--data", `{"amount": `+amount+`}`)
		require.NoError(t, err, out)
	}

	out, err := execute(t, cfg, "--tenant", "t1", "events", a.ID, "--reverse", "--limit", "2")
	require.NoError(t, err, out)
	var events []struct {
		BaseVersion string `json:"baseVersion"`
		EventType   string `json:"eventType"`
		Sender      string `json:"sender"`
	}
	decode(t, out, &events)
	require.Len(t, events, 2)
	assert.Equal(t, "000002", events[0].BaseVersion)
	assert.Equal(t, "000001", events[1].BaseVersion)
	assert.Equal(t, "INCREMENT", events[0].EventType)
	assert.Equal(t, "cli", events[0].Sender)

	out, err = execute(t, cfg, "--tenant", "t1", "snapshot", a.ID)
	require.NoError(t, err, out)

	out, err = execute(t, cfg, "--tenant", "t1", "snapshots", a.ID)
	require.NoError(t, err, out)
	var snaps []struct {
		Version string         `json:"version"`
		State   map[string]any `json:"state"`
	}
	decode(t, out, &snaps)
	require.Len(t, snaps, 1)
	assert.Equal(t, "000003", snaps[0].Version)
	assert.Equal(t, map[string]any{"count": float64(6)}, snaps[0].State)

	out, err = execute(t, cfg, "--tenant", "t1", "send", a.ID, "RESET")
	require.NoError(t, err, out)

	out, err = execute(t, cfg, "--tenant", "t1", "history", a.ID, "000003")
	require.NoError(t, err, out)
	var hs struct {
		Version    string         `json:"version"`
		State      map[string]any `json:"state"`
		IsSnapshot bool           `json:"isSnapshot"`
	}
	decode(t, out, &hs)
	assert.Equal(t, "000003", hs.Version)
	assert.True(t, hs.IsSnapshot)
	assert.Equal(t, map[string]any{"count": float64(6)}, hs.State)

	out, err = execute(t, cfg, "--tenant", "t1", "history", a.ID, "000002")
	requireFailure(t, out, err, "UNSUPPORTED")
}

func TestListAndArchive(t *testing.T) {
	cfg := testConfig(t)
	first := createCounter(t, cfg)
	second := createCounter(t, cfg)

	out, err := execute(t, cfg, "--tenant", "t1", "list", "r1")
	require.NoError(t, err, out)
	var list []automataOut
	decode(t, out, &list)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	out, err = execute(t, cfg, "--tenant", "t1", "list", "r1", "--after", first.ID)
	require.NoError(t, err, out)
	decode(t, out, &list)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	out, err = execute(t, cfg, "--tenant", "t1", "archive", first.ID)
	require.NoError(t, err, out)
	var archived automataOut
	decode(t, out, &archived)
	assert.Equal(t, "archived", archived.Status)

	out, err = execute(t, cfg, "--tenant", "t1", "send", first.ID, "RESET")
	requireFailure(t, out, err, "INVALID_STATE")
}

func TestBatch(t *testing.T) {
	cfg := testConfig(t)
	a := createCounter(t, cfg)

	file := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`automatas:
  - id: `+a.ID+`
    events:
      - {type: INCREMENT, data: {amount: 1}}
      - {type: EXPLODE}
      - {type: INCREMENT, data: {amount: 2}}
`), 0o644))

	out, err := execute(t, cfg, "--tenant", "t1", "batch", "send", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var res struct {
		Automatas []struct {
			LastSuccessfulIndex int `json:"lastSuccessfulIndex"`
			Results             []struct {
				Success bool `json:"success"`
				Error   *struct {
					Code string `json:"code"`
				} `json:"error"`
			} `json:"results"`
		} `json:"automatas"`
		SuccessfulCount int `json:"successfulCount"`
		FailedCount     int `json:"failedCount"`
	}
	resp := decode(t, out, &res)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, res.SuccessfulCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Automatas, 1)
	require.Len(t, res.Automatas[0].Results, 2)
	assert.Equal(t, 0, res.Automatas[0].LastSuccessfulIndex)
	assert.Equal(t, "UNKNOWN_EVENT_TYPE", res.Automatas[0].Results[1].Error.Code)

	out, err = execute(t, cfg, "--tenant", "t1", "batch", "states", a.ID, "missing")
	require.NoError(t, err, out)
	var states []struct {
		AutomataID string       `json:"automataId"`
		Automata   *automataOut `json:"automata"`
		Error      *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, out, &states)
	require.Len(t, states, 2)
	require.NotNil(t, states[0].Automata)
	assert.Equal(t, "000001", states[0].Automata.Version)
	require.NotNil(t, states[1].Error)
	assert.Equal(t, "NOT_FOUND", states[1].Error.Code)
}

func TestLoadBatchFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "automatas: []\n", "names no automatas"},
		{"several without realm", "automatas:\n  - {id: a, events: []}\n  - {id: b, events: []}\n", "exactly one automata"},
		{"unknown field", "realm: r1\nautomatas: [{id: a}]\nextra: 1\n", "parse batch file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "b.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, _, err := LoadBatchFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTokenScopes(t *testing.T) {
	cfg := testConfig(t)
	a := createCounter(t, cfg)

	out, err := execute(t, cfg, "--tenant", "t1", "--subject", "viewer", "--scope", "realm:r1:read", "token")
	require.NoError(t, err, out)
	var tok struct {
		Token  string   `json:"token"`
		Scopes []string `json:"scopes"`
	}
	decode(t, out, &tok)
	require.NotEmpty(t, tok.Token)
	assert.Equal(t, []string{"realm:r1:read"}, tok.Scopes)

	out, err = execute(t, cfg, "--token", tok.Token, "get", a.ID)
	require.NoError(t, err, out)

	out, err = execute(t, cfg, "--token", tok.Token, "send", a.ID, "RESET")
	requireFailure(t, out, err, "FORBIDDEN")

	out, err = execute(t, cfg, "--token", tok.Token+"x", "get", a.ID)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate(t *testing.T) {
	out, err := execute(t, testConfig(t), "validate", "../compiler/testdata/pkg")
	require.NoError(t, err, out)
	var res ValidationResult
	decode(t, out, &res)
	assert.True(t, res.Valid)
	require.Len(t, res.Descriptors, 2)

	bad := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte("automata: broken: {\n\tevents: {}\n\ttransition: \"next: state\"\n\tinitialState: {}\n}\n"), 0o644))
	out, err = execute(t, testConfig(t), "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out, &res)
	assert.Equal(t, ErrCodeCompile, resp.Error.Code)
	assert.False(t, res.Valid)

	_, err = execute(t, testConfig(t), "validate", "does/not/exist")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand(t *testing.T) {
	out, err := execute(t, testConfig(t), "test", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	var res TestResult
	decode(t, out, &res)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Passed)

	golden := t.TempDir()
	out, err = execute(t, testConfig(t), "test", "../harness/testdata/scenarios", "--filter", "counter_*", "--update", "--golden", golden)
	require.NoError(t, err, out)
	written, err := os.ReadFile(filepath.Join(golden, "counter_conflict.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/counter_conflict.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	require.NoError(t, os.WriteFile(filepath.Join(golden, "counter_conflict.golden"), []byte("stale\n"), 0o644))
	out, err = execute(t, testConfig(t), "test", "../harness/testdata/scenarios", "--filter", "counter_*", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	decode(t, out, &res)
	assert.Equal(t, 1, res.Failed)
}

func TestTestCommand_PushConfig(t *testing.T) {
	t.Setenv("AUTOMATA_PUSH_BUFFER", "1")
	out, err := execute(t, testConfig(t), "test", "../harness/testdata/scenarios", "--filter", "subscriptions")
	require.Error(t, err)
	var res TestResult
	decode(t, out, &res)
	require.Len(t, res.Scenarios, 1)
	assert.False(t, res.Scenarios[0].Pass)
	assert.Contains(t, strings.Join(res.Scenarios[0].Errors, "\n"), "expected 3 messages on w1, got 1")
}
