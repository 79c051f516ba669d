// Package harness executes agent specs turn by turn.
//
// A run moves pending -> running -> (paused <-> running) -> one of
// completed, failed or timeout. Exactly one terminal transition is
// recorded per run: the run store rejects updates to terminal runs, so
// whichever of the turn loop, the watchdog or a cancellation finalises
// first wins and the others observe a conflict.
package harness

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/gate"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

var tracer = otel.Tracer("harnessd/harness")

// Terminal reasons recorded on the terminal event.
const (
	ReasonCompleted        = "completed"
	ReasonAcceptanceFailed = "acceptance_failed"
	ReasonUserCancelled    = "user_cancelled"
	ReasonTurnBudget       = "turn_budget_exhausted"
	ReasonWallClock        = "wall_clock_timeout"
	ReasonWatchdog         = "watchdog_timeout"
	ReasonToolError        = "tool_error"
	ReasonEngineError      = "engine_error"
	ReasonAcceptanceError  = "acceptance_error"
	ReasonContextCancelled = "context_cancelled"
	ReasonInterrupted      = "interrupted"
)

const (
	defaultToolTimeout = 2 * time.Minute
	maxRecordedResult  = 4096
)

// Config tunes the kernel.
type Config struct {
	// ToolTimeout bounds a single tool call. 0 means 2 minutes.
	ToolTimeout time.Duration
	// WatchdogInterval enables the per-run watchdog when positive.
	WatchdogInterval time.Duration
	// StopOnToolError fails the run on the first failed tool call.
	StopOnToolError bool
}

// ToolExecutor runs tools by name. *tools.Registry satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args map[string]interface{}) (tools.Result, error)
	Definitions() []tools.Definition
}

// Recorder records run events. *events.Recorder satisfies it.
type Recorder interface {
	Record(ctx context.Context, runID string, typ events.Type, toolName string, payload map[string]interface{}) (events.Event, error)
}

// Evaluator decides acceptance. *gate.Gate satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, in gate.Input) (gate.Verdict, error)
}

// Kernel executes runs and controls the active ones.
type Kernel struct {
	cfg       Config
	runs      run.Store
	tools     ToolExecutor
	recorder  Recorder
	gate      Evaluator
	workspace *workspace.Workspace
	logger    *logging.Logger
	metrics   *metrics.Metrics

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	active map[string]*activeRun
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithGate evaluates acceptance before a finished run is finalised.
func WithGate(g Evaluator) Option {
	return func(k *Kernel) { k.gate = g }
}

// WithWorkspace sets the workspace handed to the gate.
func WithWorkspace(ws *workspace.Workspace) Option {
	return func(k *Kernel) { k.workspace = ws }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// NewKernel creates a kernel.
func NewKernel(cfg Config, runs run.Store, executor ToolExecutor, recorder Recorder, logger *logging.Logger, opts ...Option) *Kernel {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	k := &Kernel{
		cfg:      cfg,
		runs:     runs,
		tools:    executor,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Runs returns the run store.
func (k *Kernel) Runs() run.Store { return k.runs }
