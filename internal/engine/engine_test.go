package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/ir"
	"github.com/roach88/automata/internal/kv/memkv"
	"github.com/roach88/automata/internal/store"
	"github.com/roach88/automata/internal/testutil"
	"github.com/roach88/automata/internal/version"
)

var (
	alice   = auth.Principal{TenantID: "t1", SubjectID: "alice"}
	bob     = auth.Principal{TenantID: "t1", SubjectID: "bob"}
	mallory = auth.Principal{TenantID: "t2", SubjectID: "mallory"}
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	return newTestEngineWith(t, eval.NewCUE(), opts...)
}

func newTestEngineWith(t *testing.T, ev eval.Evaluator, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	st := store.New(memkv.New())
	base := []Option{
		WithIDGenerator(testutil.NewSequentialIDs("")),
		WithClock(testutil.NewStepClock()),
	}
	return New(st, ev, append(base, opts...)...), st
}

func createCounter(t *testing.T, e *Engine) ir.Automata {
	t.Helper()
	a, err := e.CreateAutomata(context.Background(), alice, CreateRequest{RealmID: "r1", Descriptor: testutil.CounterDescriptor()})
	require.NoError(t, err)
	return a
}

func increment(id string, n int64) SendRequest {
	return SendRequest{AutomataID: id, EventType: "INCREMENT", EventData: testutil.Amount(n)}
}

func TestCreateAutomata(t *testing.T) {
	e, _ := newTestEngine(t)
	a := createCounter(t, e)

	assert.Equal(t, "automata-0001", a.ID)
	assert.Equal(t, "t1", a.TenantID)
	assert.Equal(t, "r1", a.RealmID)
	assert.Equal(t, version.Zero, a.Version)
	assert.Equal(t, ir.StatusActive, a.Status)
	assert.Equal(t, "alice", a.CreatorSubjectID)
	assert.Equal(t, testutil.Count(0), a.CurrentState)

	hash, err := ir.DescriptorHash(testutil.CounterDescriptor())
	require.NoError(t, err)
	assert.Equal(t, hash, a.DescriptorHash)

	got, err := e.GetAutomata(context.Background(), bob, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestCreateAutomata_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"no realm", func(r *CreateRequest) { r.RealmID = "" }},
		{"no name", func(r *CreateRequest) { r.Descriptor.Name = "" }},
		{"no transition", func(r *CreateRequest) { r.Descriptor.TransitionSpec = "" }},
		{"no events", func(r *CreateRequest) { r.Descriptor.EventSchemas = nil }},
		{"no initial state", func(r *CreateRequest) { r.Descriptor.InitialState = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateRequest{RealmID: "r1", Descriptor: testutil.CounterDescriptor()}
			tt.mutate(&req)
			_, err := e.CreateAutomata(context.Background(), alice, req)
			assert.Equal(t, CodeInvalidRequest, CodeOf(err))
		})
	}
}

func TestCreateAutomata_ForbiddenRealm(t *testing.T) {
	e, _ := newTestEngine(t)
	scopes, err := auth.ParseScopes([]string{"realm:r2:readwrite"})
	require.NoError(t, err)
	p := auth.Principal{TenantID: "t1", SubjectID: "carol", Scopes: scopes}

	_, err = e.CreateAutomata(context.Background(), p, CreateRequest{RealmID: "r1", Descriptor: testutil.CounterDescriptor()})
	assert.Equal(t, CodeForbidden, CodeOf(err))

	_, err = e.CreateAutomata(context.Background(), p, CreateRequest{RealmID: "r2", Descriptor: testutil.CounterDescriptor()})
	require.NoError(t, err)
}

// The scenario: increment to 5, then two callers race from 000001.
func TestSendEvent_CounterScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)

	res, err := e.SendEvent(ctx, alice, increment(a.ID, 5))
	require.NoError(t, err)
	assert.Equal(t, "000001", res.NewVersion)
	assert.Equal(t, version.Zero, res.BaseVersion)
	assert.Equal(t, a.ID+":000000", res.EventID)
	assert.Equal(t, testutil.Count(5), res.NewState)
	assert.Equal(t, testutil.Count(0), res.OldState)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []auth.Principal{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := increment(a.ID, 1)
			req.ExpectedVersion = "000001"
			_, errs[i] = e.SendEvent(ctx, p, req)
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch CodeOf(err) {
		case "":
			wins++
		case CodeVersionConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := e.GetAutomata(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "000002", got.Version)
	assert.Equal(t, testutil.Count(6), got.CurrentState)
}

// barrierEvaluator holds every evaluation until n callers have arrived,
// so all of them read the same version before anyone commits.
type barrierEvaluator struct {
	inner eval.Evaluator
	wg    sync.WaitGroup
}

func newBarrier(inner eval.Evaluator, n int) *barrierEvaluator {
	b := &barrierEvaluator{inner: inner}
	b.wg.Add(n)
	return b
}

func (b *barrierEvaluator) Evaluate(ctx context.Context, spec string, state ir.Value, eventType string, data ir.Value) (ir.Value, error) {
	b.wg.Done()
	b.wg.Wait()
	return b.inner.Evaluate(ctx, spec, state, eventType, data)
}

func TestSendEvent_ConcurrentCommitSingleWinner(t *testing.T) {
	const writers = 4
	e, _ := newTestEngineWith(t, newBarrier(eval.NewCUE(), writers))
	ctx := context.Background()
	a := createCounter(t, e)

	var wg sync.WaitGroup
	codes := make([]Code, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SendEvent(ctx, alice, increment(a.ID, int64(i+1)))
			codes[i] = CodeOf(err)
		}()
	}
	wg.Wait()

	wins := 0
	for _, c := range codes {
		if c == "" {
			wins++
			continue
		}
		assert.Equal(t, CodeVersionConflict, c)
	}
	assert.Equal(t, 1, wins)

	events, err := e.ListEvents(ctx, alice, a.ID, ListEventsOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1, "no event is lost or double-applied")
}

func TestSendEvent_MonotonicAppend(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)

	const n = 70
	var want int64
	for i := 1; i <= n; i++ {
		_, err := e.SendEvent(ctx, alice, increment(a.ID, int64(i)))
		require.NoError(t, err)
		want += int64(i)
	}

	got, err := e.GetAutomata(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, version.MustFromNumber(n), got.Version)
	assert.Equal(t, "000018", got.Version)
	assert.Equal(t, testutil.Count(want), got.CurrentState)
}

func TestSendEvent_PreconditionOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("not found before forbidden", func(t *testing.T) {
		e, _ := newTestEngine(t)
		_, err := e.SendEvent(ctx, mallory, increment("missing", 1))
		assert.Equal(t, CodeNotFound, CodeOf(err))
	})

	t.Run("forbidden before invalid state", func(t *testing.T) {
		e, _ := newTestEngine(t)
		a := createCounter(t, e)
		_, err := e.ArchiveAutomata(ctx, alice, a.ID)
		require.NoError(t, err)
		_, err = e.SendEvent(ctx, mallory, increment(a.ID, 1))
		assert.Equal(t, CodeForbidden, CodeOf(err))
	})

	t.Run("archived rejects even valid events", func(t *testing.T) {
		e, _ := newTestEngine(t)
		a := createCounter(t, e)
		_, err := e.ArchiveAutomata(ctx, alice, a.ID)
		require.NoError(t, err)
		for _, req := range []SendRequest{increment(a.ID, 1), {AutomataID: a.ID, EventType: "NOPE"}} {
			_, err = e.SendEvent(ctx, alice, req)
			assert.Equal(t, CodeInvalidState, CodeOf(err))
			assert.Contains(t, err.Error(), "cannot send event to archived automata")
		}
	})

	t.Run("unknown event type before transition", func(t *testing.T) {
		e, _ := newTestEngine(t)
		a := createCounter(t, e)
		_, err := e.SendEvent(ctx, alice, SendRequest{AutomataID: a.ID, EventType: "increment"})
		assert.Equal(t, CodeUnknownEventType, CodeOf(err))
	})

	t.Run("expected version before transition", func(t *testing.T) {
		e, _ := newTestEngine(t)
		a := createCounter(t, e)
		req := SendRequest{AutomataID: a.ID, EventType: "INCREMENT", EventData: ir.Null{}, ExpectedVersion: "000003"}
		_, err := e.SendEvent(ctx, alice, req)
		assert.Equal(t, CodeVersionConflict, CodeOf(err))
	})

	t.Run("malformed expected version", func(t *testing.T) {
		e, _ := newTestEngine(t)
		a := createCounter(t, e)
		req := increment(a.ID, 1)
		req.ExpectedVersion = "1"
		_, err := e.SendEvent(ctx, alice, req)
		assert.Equal(t, CodeInvalidRequest, CodeOf(err))
	})
}

func TestSendEvent_TransitionErrorLeavesStateUnchanged(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)

	// INCREMENT without an amount leaves next incomplete.
	_, err := e.SendEvent(ctx, alice, SendRequest{AutomataID: a.ID, EventType: "INCREMENT", EventData: ir.Object{}})
	require.Error(t, err)
	assert.Equal(t, CodeTransitionError, CodeOf(err))
	var cueErr *eval.Error
	assert.ErrorAs(t, err, &cueErr)

	got, err := e.GetAutomata(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, version.Zero, got.Version)
	assert.Equal(t, testutil.Count(0), got.CurrentState)
}

func TestSendEvent_EvaluatorTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	funcs := eval.Funcs{
		"stuck": func(context.Context, ir.Value, string, ir.Value) (ir.Value, error) {
			<-release
			return ir.Null{}, nil
		},
	}
	e, _ := newTestEngineWith(t, funcs, WithEvalTimeout(20*time.Millisecond))
	desc := testutil.CounterDescriptor()
	desc.TransitionSpec = "stuck"
	a, err := e.CreateAutomata(context.Background(), alice, CreateRequest{RealmID: "r1", Descriptor: desc})
	require.NoError(t, err)

	_, err = e.SendEvent(context.Background(), alice, increment(a.ID, 1))
	assert.Equal(t, CodeTransitionError, CodeOf(err))
	assert.ErrorIs(t, err, eval.ErrTimeout)
}

func TestSendEvent_Overflow(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	a := ir.Automata{
		ID:             "full",
		TenantID:       "t1",
		RealmID:        "r1",
		Descriptor:     testutil.CounterDescriptor(),
		DescriptorHash: "h",
		CurrentState:   testutil.Count(0),
		Version:        version.Max,
		Status:         ir.StatusActive,
	}
	require.NoError(t, st.CreateAutomata(ctx, a))

	_, err := e.SendEvent(ctx, alice, increment("full", 1))
	assert.Equal(t, CodeOverflow, CodeOf(err))
}

func TestSendEvent_NotifiesListenersOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		commits []Commit
	)
	listener := CommitListenerFunc(func(ctx context.Context, c Commit) {
		assert.NoError(t, ctx.Err())
		mu.Lock()
		defer mu.Unlock()
		commits = append(commits, c)
	})
	e, _ := newTestEngine(t, WithCommitListener(listener))
	ctx := context.Background()
	a := createCounter(t, e)

	_, err := e.SendEvent(ctx, alice, increment(a.ID, 2))
	require.NoError(t, err)
	_, err = e.SendEvent(ctx, alice, SendRequest{AutomataID: a.ID, EventType: "NOPE"})
	require.Error(t, err)

	require.Len(t, commits, 1)
	assert.Equal(t, "000001", commits[0].Automata.Version)
	assert.Equal(t, testutil.Count(2), commits[0].Automata.CurrentState)
	assert.Equal(t, testutil.Count(0), commits[0].OldState)
	assert.Equal(t, "INCREMENT", commits[0].Event.EventType)
	assert.Equal(t, "alice", commits[0].Event.SenderSubjectID)
}

func TestArchiveAutomata(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)

	_, err := e.ArchiveAutomata(ctx, mallory, a.ID)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	archived, err := e.ArchiveAutomata(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusArchived, archived.Status)

	again, err := e.ArchiveAutomata(ctx, alice, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusArchived, again.Status)

	got, err := e.GetAutomata(ctx, alice, a.ID)
	require.NoError(t, err, "archived automatas stay readable")
	assert.Equal(t, ir.StatusArchived, got.Status)
}

func TestGetAutomata_Access(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)

	_, err := e.GetAutomata(ctx, mallory, a.ID)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	_, err = e.GetAutomata(ctx, alice, "missing")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = e.GetAutomata(ctx, alice, "")
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))

	scopes, err := auth.ParseScopes([]string{"automata:" + a.ID + ":read"})
	require.NoError(t, err)
	reader := auth.Principal{TenantID: "t1", SubjectID: "dave", Scopes: scopes}
	_, err = e.GetAutomata(ctx, reader, a.ID)
	require.NoError(t, err)
	_, err = e.SendEvent(ctx, reader, increment(a.ID, 1))
	assert.Equal(t, CodeForbidden, CodeOf(err))
}

func TestListAutomatasInRealm(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		createCounter(t, e)
	}

	all, err := e.ListAutomatasInRealm(ctx, alice, "r1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "automata-0001", all[0].ID)

	page, err := e.ListAutomatasInRealm(ctx, alice, "r1", ListOptions{After: "automata-0001", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "automata-0002", page[0].ID)

	other, err := e.ListAutomatasInRealm(ctx, mallory, "r1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, other, "listing is scoped to the caller's tenant")

	_, err = e.ListAutomatasInRealm(ctx, alice, "r1", ListOptions{Limit: MaxListLimit + 1})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestListAutomatasInRealm_SeparatorInIDs(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acme := auth.Principal{TenantID: "acme", SubjectID: "alice"}
	acmeX := auth.Principal{TenantID: "acme#x", SubjectID: "eve"}

	a, err := e.CreateAutomata(ctx, acme, CreateRequest{RealmID: "x#y", Descriptor: testutil.CounterDescriptor()})
	require.NoError(t, err)

	leaked, err := e.ListAutomatasInRealm(ctx, acmeX, "y", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, leaked)

	own, err := e.ListAutomatasInRealm(ctx, acme, "x#y", ListOptions{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, a.ID, own[0].ID)
}

func TestListAndGetEvents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := createCounter(t, e)
	for i := 1; i <= 3; i++ {
		_, err := e.SendEvent(ctx, alice, increment(a.ID, int64(i)))
		require.NoError(t, err)
	}

	events, err := e.ListEvents(ctx, alice, a.ID, ListEventsOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "000002", events[0].BaseVersion)
	assert.Equal(t, testutil.Amount(3), events[0].EventData)

	ev, err := e.GetEvent(ctx, alice, a.ID+":000001")
	require.NoError(t, err)
	assert.Equal(t, testutil.Amount(2), ev.EventData)

	_, err = e.GetEvent(ctx, alice, a.ID+":000003")
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = e.GetEvent(ctx, alice, "garbage")
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))

	_, err = e.GetEvent(ctx, mallory, a.ID+":000001")
	assert.Equal(t, CodeForbidden, CodeOf(err))

	_, err = e.ListEvents(ctx, alice, a.ID, ListEventsOptions{StartVersion: "bad"})
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e, _ := newTestEngine(t, WithTracerProvider(tp))
	ctx := context.Background()
	a := createCounter(t, e)

	_, err := e.SendEvent(ctx, alice, SendRequest{AutomataID: a.ID, EventType: "NOPE"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.create_automata", spans[0].Name())
	assert.Equal(t, "engine.send_event", spans[1].Name())
	assert.Equal(t, "Error", spans[1].Status().Code.String())
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Code: CodeVersionConflict, Message: "lost", AutomataID: "a1", Version: "000002"}
	assert.Equal(t, "VERSION_CONFLICT: lost (automata=a1, version=000002)", err.Error())
	assert.True(t, IsCode(err, CodeVersionConflict))
	assert.Equal(t, CodeInternal, CodeOf(assert.AnError))
	assert.Equal(t, Code(""), CodeOf(nil))
}
