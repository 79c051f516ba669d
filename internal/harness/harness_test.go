package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/gate"
	"github.com/fyrsmithlabs/harnessd/internal/reasoning"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

// funcProvider serves one tool backed by a function.
type funcProvider struct {
	tool  string
	calls atomic.Int32
	fn    func(ctx context.Context, args map[string]interface{}) (tools.Result, error)
}

func (p *funcProvider) Name() string { return "test" }

func (p *funcProvider) ListTools(context.Context) ([]tools.Definition, error) {
	return []tools.Definition{{Name: p.tool, Description: "test tool"}}, nil
}

func (p *funcProvider) ExecuteTool(ctx context.Context, _ string, args map[string]interface{}) (tools.Result, error) {
	p.calls.Add(1)
	if p.fn == nil {
		return tools.Result{Success: true, Data: "ok"}, nil
	}
	return p.fn(ctx, args)
}

func (p *funcProvider) Capabilities() tools.Capabilities { return tools.Capabilities{} }

func (p *funcProvider) Authenticate(context.Context, tools.Credentials) error { return nil }

// eventLog captures recorded events in order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Record(_ context.Context, runID string, typ events.Type, toolName string, payload map[string]interface{}) (events.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev := events.Event{RunID: runID, Sequence: uint64(len(l.events) + 1), Type: typ, ToolName: toolName, Payload: payload}
	l.events = append(l.events, ev)
	return ev, nil
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) count(typ events.Type) int {
	n := 0
	for _, t := range l.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) terminal() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type gateFunc func(ctx context.Context, in gate.Input) (gate.Verdict, error)

func (f gateFunc) Evaluate(ctx context.Context, in gate.Input) (gate.Verdict, error) {
	return f(ctx, in)
}

type fixture struct {
	kernel   *Kernel
	runs     *run.MemoryStore
	events   *eventLog
	provider *funcProvider
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	p := &funcProvider{tool: "read_file"}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), p))
	f := &fixture{runs: run.NewMemoryStore(), events: &eventLog{}, provider: p}
	f.kernel = NewKernel(cfg, f.runs, reg, f.events, nil, opts...)
	return f
}

func newSpec(maxTurns int) *agentspec.AgentSpec {
	return &agentspec.AgentSpec{
		ID:              "spec-1",
		Objective:       "implement login",
		TaskType:        agentspec.TaskImplement,
		Budgets:         agentspec.Budgets{MaxTurns: maxTurns, TimeoutSeconds: 60},
		SourceFeatureID: "login",
	}
}

func toolCall(args map[string]interface{}) reasoning.Action {
	return reasoning.Action{Kind: reasoning.ActionToolCall, Tool: "read_file", Args: args, Usage: reasoning.Usage{TokensIn: 10, TokensOut: 5}}
}

func respond() reasoning.Action {
	return reasoning.Action{Kind: reasoning.ActionRespond, Thought: "thinking"}
}

func TestExecute_CompletesAndRecordsEvents(t *testing.T) {
	f := newFixture(t, Config{})
	engine := reasoning.NewScriptedEngine(toolCall(map[string]interface{}{"path": "a.go"}))

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-1", Engine: engine})
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, run.VerdictPass, r.Verdict)
	assert.Equal(t, 2, r.TurnsUsed)
	assert.Equal(t, 10, r.TokensIn)
	assert.Equal(t, 5, r.TokensOut)
	assert.Empty(t, r.Error)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, "login", r.FeatureID)

	assert.Equal(t, []events.Type{
		events.TypeRunStarted,
		events.TypeTurnStart, events.TypeReasoning, events.TypeToolCall, events.TypeToolResult, events.TypeTurnComplete,
		events.TypeTurnStart, events.TypeReasoning, events.TypeTurnComplete,
		events.TypeRunCompleted,
	}, f.events.types())
	assert.Equal(t, int32(1), f.provider.calls.Load())
	assert.Empty(t, f.kernel.Active())
}

func TestExecute_TurnBudget(t *testing.T) {
	f := newFixture(t, Config{})
	engine := reasoning.NewScriptedEngine(respond(), respond(), respond(), respond(), respond())

	r, err := f.kernel.Execute(context.Background(), newSpec(3), ExecuteOptions{Engine: engine})
	require.NoError(t, err)

	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryBudgetExhausted, r.Error)
	assert.Equal(t, 3, r.TurnsUsed)
	assert.Equal(t, run.VerdictFail, r.Verdict)

	term := f.events.terminal()
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeRunFailed, term[0].Type)
	assert.Equal(t, ReasonTurnBudget, term[0].Payload["reason"])
}

func TestExecute_WallClockTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	f := newFixture(t, Config{}, WithClock(clock.Now))
	engine := reasoning.NewScriptedEngine(respond(), respond(), respond(), respond())
	engine.Hook = func(context.Context, reasoning.TurnInput) { clock.Advance(30 * time.Second) }

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{Engine: engine})
	require.NoError(t, err)

	assert.Equal(t, run.StatusTimeout, r.Status)
	assert.Equal(t, errs.CategoryTimeout, r.Error)
	assert.Equal(t, 2, r.TurnsUsed)
	assert.Equal(t, 1, f.events.count(events.TypeRunTimeout))
}

func TestCancel_BeforeToolCall(t *testing.T) {
	f := newFixture(t, Config{})
	engine := reasoning.NewScriptedEngine(respond(), toolCall(nil))

	var secondCancel error
	engine.Hook = func(ctx context.Context, in reasoning.TurnInput) {
		if in.Turn != 2 {
			return
		}
		require.NoError(t, f.kernel.Cancel(ctx, "run-c"))
		secondCancel = f.kernel.Cancel(ctx, "run-c")
	}

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-c", Engine: engine})
	require.NoError(t, err)

	assert.True(t, errs.IsConflict(secondCancel), "double cancel is a conflict")
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryUserCancelled, r.Error)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, int32(0), f.provider.calls.Load(), "tool must not run after cancellation")

	term := f.events.terminal()
	require.Len(t, term, 1)
	assert.Equal(t, events.TypeRunFailed, term[0].Type)
	assert.Equal(t, ReasonUserCancelled, term[0].Payload["reason"])

	err = f.kernel.Cancel(context.Background(), "run-c")
	assert.True(t, errs.IsConflict(err), "cancelling a terminal run is a conflict")
}

func TestCancel_UnknownRun(t *testing.T) {
	f := newFixture(t, Config{})
	assert.True(t, errs.IsNotFound(f.kernel.Cancel(context.Background(), "nope")))
	assert.True(t, errs.IsNotFound(f.kernel.Pause(context.Background(), "nope")))
}

func TestCancel_InFlightToolCompletes(t *testing.T) {
	f := newFixture(t, Config{})
	var toolCtxErr error
	f.provider.fn = func(ctx context.Context, _ map[string]interface{}) (tools.Result, error) {
		require.NoError(t, f.kernel.Cancel(context.Background(), "run-i"))
		toolCtxErr = ctx.Err()
		return tools.Result{Success: true, Data: "done"}, nil
	}
	engine := reasoning.NewScriptedEngine(toolCall(nil), respond())

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-i", Engine: engine})
	require.NoError(t, err)

	assert.NoError(t, toolCtxErr, "tool context is detached from cancellation")
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryUserCancelled, r.Error)
	assert.Equal(t, 1, r.TurnsUsed, "the turn with the in-flight call is counted")
	assert.Equal(t, 1, f.events.count(events.TypeToolResult))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, Config{})
	engine := reasoning.NewScriptedEngine(respond(), respond())

	resumed := make(chan error, 1)
	engine.Hook = func(ctx context.Context, in reasoning.TurnInput) {
		if in.Turn != 1 {
			return
		}
		require.NoError(t, f.kernel.Pause(ctx, "run-p"))
		assert.True(t, errs.IsConflict(f.kernel.Pause(ctx, "run-p")), "pausing a paused run is a conflict")
		go func() {
			time.Sleep(50 * time.Millisecond)
			stored, err := f.runs.Get(context.Background(), "run-p")
			if err == nil && stored.Status != run.StatusPaused {
				err = errors.New("run not paused")
			}
			if err == nil && engine.Calls() != 1 {
				err = errors.New("turn ran while paused")
			}
			if err == nil {
				err = f.kernel.Resume(context.Background(), "run-p")
			}
			resumed <- err
		}()
	}

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-p", Engine: engine})
	require.NoError(t, err)
	require.NoError(t, <-resumed)

	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, 1, f.events.count(events.TypeRunPaused))
	assert.Equal(t, 1, f.events.count(events.TypeRunResumed))
	assert.True(t, errs.IsConflict(f.kernel.Resume(context.Background(), "run-p")))
}

func TestCancel_WhilePaused(t *testing.T) {
	f := newFixture(t, Config{})
	engine := reasoning.NewScriptedEngine(respond(), respond())
	engine.Hook = func(ctx context.Context, in reasoning.TurnInput) {
		if in.Turn == 1 {
			require.NoError(t, f.kernel.Pause(ctx, "run-pc"))
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = f.kernel.Cancel(context.Background(), "run-pc")
			}()
		}
	}

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-pc", Engine: engine})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryUserCancelled, r.Error)
}

func TestPolicy_ForbiddenArgumentsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	spec := newSpec(10)
	spec.ToolPolicy.ForbiddenPatterns = []string{`\.\./`}
	engine := reasoning.NewScriptedEngine(toolCall(map[string]interface{}{"path": "../etc/passwd"}))

	r, err := f.kernel.Execute(context.Background(), spec, ExecuteOptions{Engine: engine})
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, r.Status, "rejections do not stop the run by default")
	assert.Equal(t, int32(0), f.provider.calls.Load())

	f.events.mu.Lock()
	var result events.Event
	for _, ev := range f.events.events {
		if ev.Type == events.TypeToolResult {
			result = ev
		}
	}
	f.events.mu.Unlock()
	assert.Equal(t, true, result.Payload["rejected"])
	assert.Equal(t, false, result.Payload["success"])
}

func TestPolicy_DisallowedToolStopsRun(t *testing.T) {
	f := newFixture(t, Config{StopOnToolError: true})
	spec := newSpec(10)
	spec.ToolPolicy.AllowedTools = []string{"write_file"}
	engine := reasoning.NewScriptedEngine(toolCall(nil))

	r, err := f.kernel.Execute(context.Background(), spec, ExecuteOptions{Engine: engine})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryToolExecution, r.Error)
	assert.Equal(t, 1, r.TurnsUsed)
}

func TestToolFailureContinues(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.fn = func(context.Context, map[string]interface{}) (tools.Result, error) {
		return tools.Result{}, errors.New("disk on fire")
	}
	engine := reasoning.NewScriptedEngine(toolCall(nil), toolCall(nil))

	var sawNote string
	engine.Hook = func(_ context.Context, in reasoning.TurnInput) {
		if len(in.History) > 0 {
			sawNote = in.History[0].Note
		}
	}

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{Engine: engine})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Contains(t, sawNote, "disk on fire")
	assert.Equal(t, int32(2), f.provider.calls.Load())
}

func TestEngineError_FailsRun(t *testing.T) {
	f := newFixture(t, Config{})
	failing := engineFunc(func(context.Context, reasoning.TurnInput) (reasoning.Action, error) {
		return reasoning.Action{}, errors.New("model unavailable")
	})

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{Engine: failing})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryInternal, r.Error)
	assert.Contains(t, r.ErrorMessage, "model unavailable")
}

type engineFunc func(ctx context.Context, in reasoning.TurnInput) (reasoning.Action, error)

func (f engineFunc) Next(ctx context.Context, in reasoning.TurnInput) (reasoning.Action, error) {
	return f(ctx, in)
}

func TestAcceptance_FailedVerdict(t *testing.T) {
	g := gateFunc(func(_ context.Context, in gate.Input) (gate.Verdict, error) {
		// acceptance runs while the run is still active
		return gate.Verdict{
			Passed:   false,
			Results:  map[string]run.ValidatorResult{"tests": {Type: "test_pass", Message: "2 failed", Required: true}},
			Feedback: []string{"tests: 2 failed"},
		}, nil
	})
	f := newFixture(t, Config{}, WithGate(g))

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{Engine: reasoning.NewScriptedEngine()})
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, run.VerdictFail, r.Verdict)
	assert.Equal(t, errs.CategoryAcceptanceFailed, r.Error)
	assert.Contains(t, r.AcceptanceResults, "tests")
	assert.Equal(t, []string{"tests: 2 failed"}, r.Feedback)
	assert.False(t, r.Passed())
}

func TestAcceptance_SeesNonTerminalRun(t *testing.T) {
	f := newFixture(t, Config{})
	var status run.Status
	f.kernel.gate = gateFunc(func(ctx context.Context, in gate.Input) (gate.Verdict, error) {
		r, err := f.runs.Get(ctx, in.RunID)
		require.NoError(t, err)
		status = r.Status
		return gate.Verdict{Passed: true, Results: map[string]run.ValidatorResult{}}, nil
	})

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{Engine: reasoning.NewScriptedEngine()})
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, status)
	assert.True(t, r.Passed())
}

func TestWatchdog_TimesOutStuckTool(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	f := newFixture(t, Config{WatchdogInterval: 5 * time.Millisecond}, WithClock(clock.Now))
	var cancelAfterTimeout error
	f.provider.fn = func(ctx context.Context, _ map[string]interface{}) (tools.Result, error) {
		clock.Advance(2 * time.Minute)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			r, err := f.runs.Get(ctx, "run-w")
			if err == nil && r.Status.Terminal() {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		// still registered: the tool has not returned yet
		cancelAfterTimeout = f.kernel.Cancel(context.Background(), "run-w")
		return tools.Result{Success: true}, nil
	}
	engine := reasoning.NewScriptedEngine(toolCall(nil), respond())

	r, err := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-w", Engine: engine})
	require.NoError(t, err)

	assert.Equal(t, run.StatusTimeout, r.Status)
	assert.Equal(t, 1, f.events.count(events.TypeWatchdogTimeout))
	term := f.events.terminal()
	require.Len(t, term, 1)
	assert.Equal(t, ReasonWatchdog, term[0].Payload["reason"])
	assert.True(t, errs.IsConflict(cancelAfterTimeout), "cancelling a finalised run is a conflict, got %v", cancelAfterTimeout)
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	engine := reasoning.NewScriptedEngine(respond(), respond())
	engine.Hook = func(_ context.Context, in reasoning.TurnInput) {
		if in.Turn == 1 {
			close(started)
			<-release
		}
	}

	done := make(chan run.Run, 1)
	go func() {
		r, _ := f.kernel.Execute(context.Background(), newSpec(10), ExecuteOptions{RunID: "run-all", Engine: engine})
		done <- r
	}()

	<-started
	assert.Equal(t, []string{"run-all"}, f.kernel.Active())
	assert.Equal(t, 1, f.kernel.CancelAll(context.Background(), "shutdown"))
	assert.Equal(t, 0, f.kernel.CancelAll(context.Background(), "shutdown"))
	close(release)

	r := <-done
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, errs.CategoryUserCancelled, r.Error)
	assert.Equal(t, "shutdown", f.events.terminal()[0].Payload["reason"])
}

func TestExecute_InvalidSpec(t *testing.T) {
	f := newFixture(t, Config{})
	spec := newSpec(0)
	_, err := f.kernel.Execute(context.Background(), spec, ExecuteOptions{Engine: reasoning.NewScriptedEngine()})
	assert.True(t, errs.IsValidation(err))
}

func TestRecover_FinalisesInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	done := time.Unix(100, 0)
	for _, r := range []run.Run{
		{ID: "pending", Status: run.StatusPending},
		{ID: "running", Status: run.StatusRunning, TurnsUsed: 3},
		{ID: "paused", Status: run.StatusPaused},
		{ID: "finished", Status: run.StatusCompleted, Verdict: run.VerdictPass, CompletedAt: &done},
	} {
		require.NoError(t, f.runs.Create(ctx, r))
	}

	ids, err := f.kernel.Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pending", "running", "paused"}, ids)

	r, err := f.runs.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, ReasonInterrupted, r.Error)
	assert.Equal(t, run.VerdictFail, r.Verdict)
	require.NotNil(t, r.CompletedAt)

	finished, err := f.runs.Get(ctx, "finished")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, finished.Status)

	assert.Equal(t, 3, f.events.count(events.TypeRunFailed))

	again, err := f.kernel.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
