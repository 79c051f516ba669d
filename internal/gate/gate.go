// Package gate decides whether a finished run satisfies its acceptance
// criteria.
//
// Every configured validator runs and produces a result keyed by validator
// name. The verdict passes iff every required result passed; the weighted
// score is reported but never decides the verdict.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

var tracer = otel.Tracer("harnessd/gate")

// ContractResultName is the key of the test contract result.
const ContractResultName = agentspec.ContractValidatorName

const maxCommandOutput = 4 << 20

// Config controls the gate.
type Config struct {
	EnforceTestGate        bool
	RequireAllAssertions   bool
	MinTestCoverage        float64
	AllowSkipForNoContract bool
	// Concurrency bounds validators running at once. 0 means 4.
	Concurrency int
	// TestCommand is the default command of test_pass validators.
	TestCommand []string
	// LintCommand is the default command of lint_clean validators.
	LintCommand []string
	// CommandTimeout bounds each validator command. 0 means 10 minutes.
	CommandTimeout time.Duration
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		AllowSkipForNoContract: true,
		Concurrency:            4,
		TestCommand:            []string{"go", "test", "-v", "-cover", "./..."},
		LintCommand:            []string{"go", "vet", "./..."},
		CommandTimeout:         10 * time.Minute,
	}
}

// CommandRunner executes validator commands.
type CommandRunner interface {
	Run(ctx context.Context, dir string, argv []string) tools.CommandOutput
}

// CommandRunnerFunc adapts a function to CommandRunner.
type CommandRunnerFunc func(ctx context.Context, dir string, argv []string) tools.CommandOutput

// Run calls f.
func (f CommandRunnerFunc) Run(ctx context.Context, dir string, argv []string) tools.CommandOutput {
	return f(ctx, dir, argv)
}

// ExecRunner runs commands as subprocesses.
var ExecRunner CommandRunner = CommandRunnerFunc(func(ctx context.Context, dir string, argv []string) tools.CommandOutput {
	return tools.RunCommandLimit(ctx, dir, argv, maxCommandOutput)
})

// CustomCheck is a named check usable by custom validators.
type CustomCheck func(ctx context.Context, in Input) (passed bool, message string, err error)

// Recorder receives acceptance_check events.
type Recorder interface {
	Record(ctx context.Context, runID string, typ events.Type, toolName string, payload map[string]interface{}) (events.Event, error)
}

// Input is what a gate evaluates.
type Input struct {
	Spec      *agentspec.AgentSpec
	RunID     string
	Workspace *workspace.Workspace
}

// Verdict is the gate outcome.
type Verdict struct {
	Passed   bool
	Score    *float64
	Results  map[string]run.ValidatorResult
	Feedback []string
}

// String returns the run verdict value.
func (v Verdict) String() string {
	if v.Passed {
		return run.VerdictPass
	}
	return run.VerdictFail
}

// Gate evaluates acceptance validators.
type Gate struct {
	cfg      Config
	runner   CommandRunner
	recorder Recorder
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	checks map[string]CustomCheck
}

// Option configures a Gate.
type Option func(*Gate)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(g *Gate) { g.runner = r }
}

// WithRecorder records acceptance_check events.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a gate.
func New(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if len(cfg.TestCommand) == 0 {
		cfg.TestCommand = def.TestCommand
	}
	if len(cfg.LintCommand) == 0 {
		cfg.LintCommand = def.LintCommand
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	g := &Gate{
		cfg:    cfg,
		runner: ExecRunner,
		logger: logger,
		checks: make(map[string]CustomCheck),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterCheck makes a named custom check available to custom validators.
func (g *Gate) RegisterCheck(name string, check CustomCheck) {
	g.mu.Lock()
	g.checks[name] = check
	g.mu.Unlock()
}

func (g *Gate) check(name string) (CustomCheck, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.checks[name]
	return c, ok
}

// Evaluate runs every validator of the AgentSpec, plus the test contract when
// enforced, and computes the verdict. It only fails when ctx is done.
func (g *Gate) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "gate.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", in.RunID),
		attribute.Int("validators", len(in.Spec.Validators)),
	)

	type named struct {
		name   string
		result run.ValidatorResult
	}
	jobs := len(in.Spec.Validators)
	if g.cfg.EnforceTestGate {
		jobs++
	}
	results := make([]named, jobs)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for i, v := range in.Spec.Validators {
		i, v := i, v
		eg.Go(func() error {
			res := g.runValidator(egCtx, in, v)
			res.Required = v.Required
			res.Weight = v.Weight
			results[i] = named{name: v.Name, result: res}
			return nil
		})
	}
	if g.cfg.EnforceTestGate {
		eg.Go(func() error {
			res := g.checkContract(egCtx, in)
			res.Required = true
			results[jobs-1] = named{name: ContractResultName, result: res}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{Passed: true, Results: make(map[string]run.ValidatorResult, len(results))}
	var weighted, totalWeight float64
	for _, n := range results {
		verdict.Results[n.name] = n.result
		g.metrics.GateCheck(n.result.Type, n.result.Passed)
		g.record(ctx, in.RunID, n.name, n.result)

		if n.result.Weight > 0 {
			totalWeight += n.result.Weight
			if n.result.Passed {
				weighted += n.result.Weight
			}
		}
		if n.result.Passed {
			continue
		}
		if n.result.Required {
			verdict.Passed = false
		}
		verdict.Feedback = append(verdict.Feedback, fmt.Sprintf("%s: %s", n.name, n.result.Message))
	}
	sort.Strings(verdict.Feedback)
	if totalWeight > 0 {
		score := weighted / totalWeight
		verdict.Score = &score
	}

	g.logger.Info(ctx, "acceptance evaluated",
		zap.String("run_id", in.RunID),
		zap.Bool("passed", verdict.Passed),
		zap.Int("results", len(verdict.Results)),
		zap.Int("failures", len(verdict.Feedback)),
	)
	span.SetAttributes(attribute.Bool("passed", verdict.Passed))
	return verdict, nil
}

func (g *Gate) record(ctx context.Context, runID, name string, res run.ValidatorResult) {
	if g.recorder == nil || runID == "" {
		return
	}
	payload := map[string]interface{}{
		"validator": name,
		"kind":      res.Type,
		"passed":    res.Passed,
		"required":  res.Required,
		"message":   res.Message,
	}
	if res.Score != nil {
		payload["score"] = *res.Score
	}
	if _, err := g.recorder.Record(ctx, runID, events.TypeAcceptanceCheck, "", payload); err != nil {
		g.logger.Warn(ctx, "failed to record acceptance check",
			zap.String("run_id", runID),
			zap.String("validator", name),
			zap.Error(err),
		)
	}
}

func (g *Gate) runValidator(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	switch v.Kind {
	case agentspec.KindTestPass:
		return g.testPass(ctx, in, v)
	case agentspec.KindLintClean:
		return g.lintClean(ctx, in, v)
	case agentspec.KindFileExists:
		return fileExists(ctx, in, v)
	case agentspec.KindForbiddenPatterns:
		return forbiddenPatterns(ctx, in, v)
	case agentspec.KindCustom:
		return g.custom(ctx, in, v)
	default:
		return failed(string(v.Kind), "unknown validator kind %q", v.Kind)
	}
}

func (g *Gate) exec(ctx context.Context, in Input, argv []string) tools.CommandOutput {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()
	dir := ""
	if in.Workspace != nil {
		dir = in.Workspace.Root()
	}
	return g.runner.Run(ctx, dir, argv)
}

func failed(kind, format string, args ...interface{}) run.ValidatorResult {
	return run.ValidatorResult{Type: kind, Message: fmt.Sprintf(format, args...)}
}

func passed(kind, format string, args ...interface{}) run.ValidatorResult {
	return run.ValidatorResult{Type: kind, Passed: true, Message: fmt.Sprintf(format, args...)}
}

func scored(res run.ValidatorResult, score float64) run.ValidatorResult {
	res.Score = &score
	return res
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
