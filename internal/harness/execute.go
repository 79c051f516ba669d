package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/gate"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/reasoning"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

// ExecuteOptions are per-run inputs that are not part of the AgentSpec.
type ExecuteOptions struct {
	// RunID is generated when empty.
	RunID  string
	Engine reasoning.Engine
	// RetryCount is the attempt index of this run for its feature.
	RetryCount int
}

// execution is the state of one turn loop.
type execution struct {
	k        *Kernel
	spec     *agentspec.AgentSpec
	engine   reasoning.Engine
	active   *activeRun
	policy   *policy
	runID    string
	started  time.Time
	deadline time.Time

	mu        sync.Mutex
	turns     int
	tokensIn  int
	tokensOut int

	history []reasoning.Step
}

// usage is a snapshot of the run counters.
type usage struct {
	turns, tokensIn, tokensOut int
}

func (ex *execution) counters() usage {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return usage{turns: ex.turns, tokensIn: ex.tokensIn, tokensOut: ex.tokensOut}
}

func (ex *execution) addUsage(u reasoning.Usage) {
	ex.mu.Lock()
	ex.tokensIn += u.TokensIn
	ex.tokensOut += u.TokensOut
	ex.mu.Unlock()
}

func (ex *execution) addTurn() usage {
	ex.mu.Lock()
	ex.turns++
	ex.mu.Unlock()
	return ex.counters()
}

// Execute runs spec to a terminal state and returns the final run record.
// The error return is reserved for failures that prevent a run from being
// created; every outcome of an executed run is reported on the record.
func (k *Kernel) Execute(ctx context.Context, spec *agentspec.AgentSpec, opts ExecuteOptions) (run.Run, error) {
	if spec == nil {
		return run.Run{}, errs.NewValidation("spec", "spec is required")
	}
	if err := spec.Validate(); err != nil {
		return run.Run{}, err
	}
	if opts.Engine == nil {
		return run.Run{}, errs.NewValidation("engine", "engine is required")
	}
	pol, err := newPolicy(spec.ToolPolicy)
	if err != nil {
		return run.Run{}, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = k.newID()
	}
	ctx = logging.WithRunID(ctx, runID)
	if spec.SourceFeatureID != "" {
		ctx = logging.WithFeatureID(ctx, spec.SourceFeatureID)
	}

	ctx, span := tracer.Start(ctx, "harness.execute", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("spec_id", spec.ID),
		attribute.String("feature_id", spec.SourceFeatureID),
	))
	defer span.End()

	now := k.now()
	if err := k.runs.Create(ctx, run.Run{
		ID:         runID,
		SpecID:     spec.ID,
		FeatureID:  spec.SourceFeatureID,
		Status:     run.StatusPending,
		RetryCount: opts.RetryCount,
		CreatedAt:  now,
	}); err != nil {
		return run.Run{}, err
	}

	a := newActiveRun(runID)
	k.register(a)
	defer func() {
		close(a.done)
		k.unregister(runID)
	}()

	ex := &execution{
		k:        k,
		spec:     spec,
		engine:   opts.Engine,
		active:   a,
		policy:   pol,
		runID:    runID,
		started:  now,
		deadline: now.Add(spec.Budgets.Timeout()),
	}

	final := ex.run(ctx)
	span.SetAttributes(
		attribute.String("status", string(final.Status)),
		attribute.Int("turns", final.TurnsUsed),
	)
	return final, nil
}

func (ex *execution) run(ctx context.Context) run.Run {
	k := ex.k

	// cancelled between creation and start
	if ex.active.cancelled.Load() {
		return ex.finalise(ctx, run.StatusFailed, errs.CategoryUserCancelled, "cancelled before start", ex.active.reason(), nil)
	}

	if _, err := k.runs.Update(ctx, ex.runID, func(r *run.Run) error {
		r.Status = run.StatusRunning
		r.StartedAt = ex.started
		return nil
	}); err != nil {
		return ex.current(ctx)
	}
	k.record(ctx, ex.runID, events.TypeRunStarted, "", map[string]interface{}{
		"spec_id":         ex.spec.ID,
		"feature_id":      ex.spec.SourceFeatureID,
		"attempt":         ex.spec.Attempt,
		"max_turns":       ex.spec.Budgets.MaxTurns,
		"timeout_seconds": ex.spec.Budgets.TimeoutSeconds,
	})
	k.logger.Info(ctx, "run started",
		zap.String("spec_id", ex.spec.ID),
		zap.Int("max_turns", ex.spec.Budgets.MaxTurns),
		zap.Duration("timeout", ex.spec.Budgets.Timeout()),
	)

	if k.cfg.WatchdogInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go ex.watchdog(ctx, stop)
	}

	for turn := 1; ; turn++ {
		if r, terminal := ex.terminal(ctx); terminal {
			return r
		}
		if r, stop := ex.checkStop(ctx); stop {
			return r
		}
		if !ex.active.waitIfPaused(ctx) {
			if r, stop := ex.checkStop(ctx); stop {
				return r
			}
		}
		if !k.now().Before(ex.deadline) {
			return ex.timeout(ctx, ReasonWallClock)
		}

		done, r, stop := ex.turn(ctx, turn)
		if stop {
			return r
		}

		switch {
		case done:
			return ex.complete(ctx)
		case !k.now().Before(ex.deadline):
			return ex.timeout(ctx, ReasonWallClock)
		case ex.counters().turns >= ex.spec.Budgets.MaxTurns:
			be := &errs.BudgetExceededError{
				Budget: errs.BudgetTurns,
				Limit:  strconv.Itoa(ex.spec.Budgets.MaxTurns),
				Used:   strconv.Itoa(ex.counters().turns),
			}
			return ex.finalise(ctx, run.StatusFailed, be.Category(), be.Error(), ReasonTurnBudget, nil)
		}
	}
}

// checkStop finalises the run when its token is set or ctx ended.
func (ex *execution) checkStop(ctx context.Context) (run.Run, bool) {
	if ex.active.cancelled.Load() {
		reason := ex.active.reason()
		return ex.finalise(ctx, run.StatusFailed, errs.CategoryUserCancelled, "cancelled: "+reason, reason, nil), true
	}
	if err := ctx.Err(); err != nil {
		return ex.finalise(ctx, run.StatusFailed, errs.CategoryInternal, err.Error(), ReasonContextCancelled, nil), true
	}
	return run.Run{}, false
}

// terminal reports whether another party already finalised the run.
func (ex *execution) terminal(ctx context.Context) (run.Run, bool) {
	r, err := ex.k.runs.Get(ctx, ex.runID)
	if err != nil {
		return run.Run{}, false
	}
	return r, r.Status.Terminal()
}

func (ex *execution) current(ctx context.Context) run.Run {
	r, err := ex.k.runs.Get(context.WithoutCancel(ctx), ex.runID)
	if err != nil {
		ex.k.logger.Error(ctx, "failed to load run", zap.Error(err))
		return run.Run{ID: ex.runID}
	}
	return r
}

// turn executes one turn. It reports whether the engine finished, and
// stops with the final record when the run ended during the turn.
func (ex *execution) turn(ctx context.Context, turn int) (done bool, final run.Run, stop bool) {
	k := ex.k
	ctx, span := tracer.Start(ctx, "harness.turn", trace.WithAttributes(attribute.Int("turn", turn)))
	defer span.End()

	k.record(ctx, ex.runID, events.TypeTurnStart, "", map[string]interface{}{"turn": turn})

	engineCtx, cancel := context.WithTimeout(ctx, ex.deadline.Sub(k.now()))
	action, err := ex.engine.Next(engineCtx, reasoning.TurnInput{
		Spec:    ex.spec,
		Turn:    turn,
		Tools:   ex.visibleTools(),
		History: ex.history,
	})
	cancel()
	if err != nil {
		if r, stop := ex.checkStop(ctx); stop {
			return false, r, true
		}
		if errors.Is(err, context.DeadlineExceeded) || !k.now().Before(ex.deadline) {
			return false, ex.timeout(ctx, ReasonWallClock), true
		}
		return false, ex.finalise(ctx, run.StatusFailed, errs.CategoryInternal, "engine: "+err.Error(), ReasonEngineError, nil), true
	}
	ex.addUsage(action.Usage)
	k.logger.Trace(ctx, "engine action",
		zap.String("run_id", ex.runID),
		zap.Int("turn", turn),
		zap.String("action", string(action.Kind)),
		zap.String("tool", action.Tool),
		zap.Any("tool_args", action.Args),
		zap.Int("tokens_in", action.Usage.TokensIn),
		zap.Int("tokens_out", action.Usage.TokensOut),
	)

	k.record(ctx, ex.runID, events.TypeReasoning, action.Tool, map[string]interface{}{
		"turn":    turn,
		"action":  string(action.Kind),
		"thought": action.Thought,
	})

	step := reasoning.Step{Action: action}
	switch action.Kind {
	case reasoning.ActionToolCall:
		if r, stop := ex.checkStop(ctx); stop {
			return false, r, true
		}
		res, toolErr := ex.callTool(ctx, turn, action)
		step.Result = &res
		if toolErr != nil {
			step.Note = toolErr.Error()
			if k.cfg.StopOnToolError {
				ex.history = append(ex.history, step)
				ex.addTurn()
				ex.saveProgress(ctx)
				return false, ex.finalise(ctx, run.StatusFailed, toolErr.Category(), toolErr.Error(), ReasonToolError, nil), true
			}
		}
		if r, terminal := ex.terminal(ctx); terminal {
			return false, r, true
		}
	case reasoning.ActionFinish:
		done = true
	}

	ex.history = append(ex.history, step)
	u := ex.addTurn()
	if !ex.saveProgress(ctx) {
		return false, ex.current(ctx), true
	}
	k.record(ctx, ex.runID, events.TypeTurnComplete, "", map[string]interface{}{
		"turn":       turn,
		"turns_used": u.turns,
		"tokens_in":  u.tokensIn,
		"tokens_out": u.tokensOut,
		"action":     string(action.Kind),
	})
	return done, run.Run{}, false
}

// saveProgress writes turn counters. It returns false when the run was
// finalised concurrently.
func (ex *execution) saveProgress(ctx context.Context) bool {
	u := ex.counters()
	_, err := ex.k.runs.Update(ctx, ex.runID, func(r *run.Run) error {
		r.TurnsUsed = u.turns
		r.TokensIn = u.tokensIn
		r.TokensOut = u.tokensOut
		return nil
	})
	if err != nil && !errs.IsConflict(err) {
		ex.k.logger.Error(ctx, "failed to save run progress", zap.Error(err))
		return true
	}
	return err == nil
}

func (ex *execution) visibleTools() []tools.Definition {
	all := ex.k.tools.Definitions()
	out := make([]tools.Definition, 0, len(all))
	for _, d := range all {
		if ex.spec.ToolPolicy.Allows(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// callTool executes one tool call. The call runs detached from run
// cancellation so an in-flight call always completes or times out on its
// own budget.
func (ex *execution) callTool(ctx context.Context, turn int, action reasoning.Action) (tools.Result, *errs.ToolExecutionError) {
	k := ex.k
	ctx, span := tracer.Start(ctx, "harness.tool", trace.WithAttributes(attribute.String("tool", action.Tool)))
	defer span.End()

	k.record(ctx, ex.runID, events.TypeToolCall, action.Tool, map[string]interface{}{
		"turn": turn,
		"args": action.Args,
	})

	if reason := ex.policy.check(action.Tool, action.Args); reason != "" {
		te := &errs.ToolExecutionError{Tool: action.Tool, Reason: reason}
		res := tools.Result{Error: te.Error()}
		ex.recordResult(ctx, turn, action.Tool, res, true)
		k.metrics.ToolCall(action.Tool, false)
		k.logger.Warn(ctx, "tool call rejected by policy",
			zap.String("tool", action.Tool),
			zap.String("reason", reason),
		)
		return res, te
	}

	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.ToolTimeout)
	defer cancel()

	ex.active.toolRunning.Store(true)
	res, err := k.tools.Execute(toolCtx, action.Tool, action.Args)
	ex.active.toolRunning.Store(false)

	var te *errs.ToolExecutionError
	switch {
	case err != nil:
		te = &errs.ToolExecutionError{Tool: action.Tool, Err: err}
		res = tools.Result{Error: te.Error()}
	case !res.Success:
		te = &errs.ToolExecutionError{Tool: action.Tool, Reason: res.Error}
	}
	k.metrics.ToolCall(action.Tool, te == nil)
	ex.recordResult(ctx, turn, action.Tool, res, false)
	if te != nil {
		span.RecordError(te)
		k.logger.Warn(ctx, "tool call failed", zap.String("tool", action.Tool), zap.Error(te))
		return res, te
	}
	return res, nil
}

func (ex *execution) recordResult(ctx context.Context, turn int, tool string, res tools.Result, rejected bool) {
	payload := map[string]interface{}{
		"turn":    turn,
		"success": res.Success,
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	if rejected {
		payload["rejected"] = true
	}
	if res.Data != nil {
		payload["data"] = truncate(renderData(res.Data), maxRecordedResult)
	}
	ex.k.record(ctx, ex.runID, events.TypeToolResult, tool, payload)
}

func renderData(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// complete evaluates acceptance and finalises a finished run. Results are
// stored while the run is still non-terminal so the terminal record and
// its acceptance results appear together.
func (ex *execution) complete(ctx context.Context) run.Run {
	k := ex.k
	if k.gate == nil {
		return ex.finalise(ctx, run.StatusCompleted, "", "", ReasonCompleted, func(r *run.Run) {
			r.Verdict = run.VerdictPass
		})
	}

	verdict, err := k.gate.Evaluate(ctx, gate.Input{Spec: ex.spec, RunID: ex.runID, Workspace: k.workspace})
	if err != nil {
		if r, stop := ex.checkStop(ctx); stop {
			return r
		}
		return ex.finalise(ctx, run.StatusFailed, errs.CategoryInternal, "acceptance: "+err.Error(), ReasonAcceptanceError, nil)
	}
	if r, stop := ex.checkStop(ctx); stop {
		return r
	}

	apply := func(r *run.Run) {
		r.Verdict = verdict.String()
		r.Score = verdict.Score
		r.AcceptanceResults = verdict.Results
		r.Feedback = verdict.Feedback
	}
	if _, err := k.runs.Update(ctx, ex.runID, func(r *run.Run) error {
		apply(r)
		return nil
	}); err != nil {
		return ex.current(ctx)
	}

	if verdict.Passed {
		return ex.finalise(ctx, run.StatusCompleted, "", "", ReasonCompleted, apply)
	}
	return ex.finalise(ctx, run.StatusCompleted, errs.CategoryAcceptanceFailed,
		"acceptance failed: "+strings.Join(verdict.Feedback, "; "), ReasonAcceptanceFailed, apply)
}

func (ex *execution) timeout(ctx context.Context, reason string) run.Run {
	be := &errs.BudgetExceededError{
		Budget: errs.BudgetWallClock,
		Limit:  ex.spec.Budgets.Timeout().String(),
		Used:   ex.k.now().Sub(ex.started).Round(time.Millisecond).String(),
	}
	return ex.finalise(ctx, run.StatusTimeout, be.Category(), be.Error(), reason, nil)
}

func (ex *execution) timeoutFromWatchdog(ctx context.Context) {
	ex.timeout(ctx, ReasonWatchdog)
}
