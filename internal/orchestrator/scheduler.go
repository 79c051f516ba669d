// Package orchestrator drives features through agent runs.
//
// A single loop validates the dependency graph, computes the ready set and
// claims features up to the concurrency limit. Each claimed feature is
// executed in its own goroutine through a bounded retry loop that feeds
// acceptance failures back into the next compiled spec.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/graph"
	"github.com/fyrsmithlabs/harnessd/internal/harness"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
	"github.com/fyrsmithlabs/harnessd/internal/reasoning"
)

var tracer = otel.Tracer("harnessd/orchestrator")

// Config controls scheduling.
type Config struct {
	MaxConcurrency int
	PollInterval   time.Duration
	ShutdownGrace  time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// Inflight describes a dispatched feature.
type Inflight struct {
	FeatureID string    `json:"feature_id"`
	RunID     string    `json:"run_id"`
	Attempt   int       `json:"attempt"`
	Since     time.Time `json:"since"`
}

// Orchestrator schedules ready features onto the kernel.
type Orchestrator struct {
	cfg      Config
	features feature.Store
	checker  *graph.Checker
	compiler agentspec.Compiler
	kernel   *harness.Kernel
	engines  reasoning.Factory
	recorder harness.Recorder
	logger   *logging.Logger
	metrics  *metrics.Metrics
	newID    func() string

	trigger chan struct{}
	stop    chan struct{}

	mu       sync.Mutex
	inflight map[string]*Inflight
	stopping bool
	wg       sync.WaitGroup
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Features feature.Store
	Checker  *graph.Checker
	Compiler agentspec.Compiler
	Kernel   *harness.Kernel
	Engines  reasoning.Factory
	Recorder harness.Recorder
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// New creates an orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		features: d.Features,
		checker:  d.Checker,
		compiler: d.Compiler,
		kernel:   d.Kernel,
		engines:  d.Engines,
		recorder: d.Recorder,
		logger:   d.Logger,
		metrics:  d.Metrics,
		newID:    uuid.NewString,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		inflight: make(map[string]*Inflight),
	}
}

// Trigger requests an immediate pass. It never blocks.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Inflight returns the dispatched features sorted by id.
func (o *Orchestrator) Inflight() []Inflight {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Inflight, 0, len(o.inflight))
	for _, in := range o.inflight {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}

func (o *Orchestrator) inflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Pass runs one scheduling pass and returns how many features were
// dispatched. A dependency cycle blocks the pass with a
// CycleDetectedError and nothing is dispatched.
func (o *Orchestrator) Pass(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.pass")
	defer span.End()

	o.mu.Lock()
	stopping := o.stopping
	o.mu.Unlock()
	if stopping {
		return 0, nil
	}

	if _, _, err := o.checker.Check(ctx); err != nil {
		span.RecordError(err)
		return 0, err
	}
	features, err := o.features.List(ctx)
	if err != nil {
		return 0, err
	}
	ready := Ready(features)
	span.SetAttributes(attribute.Int("ready", len(ready)))

	dispatched := 0
	for _, f := range ready {
		if o.inflightCount() >= o.cfg.MaxConcurrency {
			break
		}
		ok, err := o.features.Claim(ctx, f.ID)
		if err != nil {
			o.logger.Error(ctx, "claim failed", zap.String("feature_id", f.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !o.start(ctx, f) {
			break
		}
		dispatched++
	}
	span.SetAttributes(attribute.Int("dispatched", dispatched))
	return dispatched, nil
}

func (o *Orchestrator) start(ctx context.Context, f feature.Feature) bool {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		if err := o.features.Release(ctx, f.ID, feature.Outcome{}); err != nil {
			o.logger.Error(ctx, "release after shutdown failed", zap.String("feature_id", f.ID), zap.Error(err))
		}
		return false
	}
	o.inflight[f.ID] = &Inflight{FeatureID: f.ID, Since: time.Now()}
	n := len(o.inflight)
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.Dispatched()
	o.metrics.SetInflight(n)
	o.logger.Info(ctx, "feature dispatched",
		zap.String("feature_id", f.ID),
		zap.Int("priority", f.Priority),
		zap.Int("inflight", n),
	)

	// runs outlive the pass and the scheduling loop; shutdown stops them
	// through the kernel
	runCtx := logging.WithFeatureID(context.WithoutCancel(ctx), f.ID)
	go o.dispatch(runCtx, f)
	return true
}

func (o *Orchestrator) finish(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	n := len(o.inflight)
	o.mu.Unlock()
	o.metrics.SetInflight(n)
	o.wg.Done()
	o.Trigger()
}

func (o *Orchestrator) setRun(featureID, runID string, attempt int) {
	o.mu.Lock()
	if in, ok := o.inflight[featureID]; ok {
		in.RunID = runID
		in.Attempt = attempt
	}
	o.mu.Unlock()
}

// Run drives passes until ctx is done: once at start, then on every poll
// tick or trigger. A blocked graph is logged and retried on the next
// tick, so fixing the feature file unblocks scheduling.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.logger.Info(ctx, "scheduler started",
		zap.Int("max_concurrency", o.cfg.MaxConcurrency),
		zap.Duration("poll_interval", o.cfg.PollInterval),
	)
	for {
		o.runPass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-o.stop:
			return nil
		case <-ticker.C:
		case <-o.trigger:
		}
	}
}

func (o *Orchestrator) runPass(ctx context.Context) {
	if _, err := o.Pass(ctx); err != nil {
		var cycle *errs.CycleDetectedError
		if errors.As(err, &cycle) {
			o.logger.Warn(ctx, "scheduling blocked by dependency cycle", zap.Int("cycles", len(cycle.Cycles)))
			return
		}
		if ctx.Err() == nil {
			o.logger.Error(ctx, "scheduling pass failed", zap.Error(err))
		}
	}
}

// RunUntilIdle drives passes until nothing is in flight and a pass
// dispatches nothing.
func (o *Orchestrator) RunUntilIdle(ctx context.Context) error {
	for {
		n, err := o.Pass(ctx)
		if err != nil {
			return err
		}
		if n == 0 && o.inflightCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.trigger:
		}
	}
}

// Shutdown stops dispatching, waits up to the shutdown grace for active
// runs, then cancels the rest and waits for them to finalise or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopping {
		o.stopping = true
		close(o.stop)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	n := o.kernel.CancelAll(ctx, "shutdown")
	o.logger.Warn(ctx, "shutdown grace elapsed", zap.Int("cancelled", n))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
