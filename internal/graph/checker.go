package graph

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/harnessd/internal/graph"

// Checker runs the health check against a feature store.
type Checker struct {
	store   feature.Store
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	last Report
}

// NewChecker creates a checker. A nil logger or metrics disables them.
func NewChecker(store feature.Store, logger *logging.Logger, m *metrics.Metrics) *Checker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Checker{store: store, logger: logger, metrics: m}
}

// Check validates the graph, repairs self-references and missing targets,
// and reports cycles. It returns false with a CycleDetectedError while any
// cycle exists. The returned report describes the graph before repair.
func (c *Checker) Check(ctx context.Context) (bool, Report, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "graph.check")
	defer span.End()

	features, err := c.store.List(ctx)
	if err != nil {
		return false, Report{}, fmt.Errorf("list features: %w", err)
	}
	report := Validate(features)
	span.SetAttributes(
		attribute.Int("graph.features", len(features)),
		attribute.Int("graph.cycles", len(report.Cycles)),
	)

	if err := c.repair(ctx, features, report); err != nil {
		return false, report, err
	}

	c.metrics.GraphChecked(len(report.SelfReferences), len(report.MissingTargets), len(report.Cycles))
	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	if report.Blocked() {
		for _, cycle := range report.Cycles {
			c.logger.Error(ctx, "dependency cycle detected",
				zap.String("cycle", RenderCycle(cycle)),
				zap.String("remediation", Remediation),
			)
		}
		return false, report, &errs.CycleDetectedError{Cycles: report.Cycles}
	}
	return true, report, nil
}

// repair removes self-references and missing targets and persists the
// updated dependency sets.
func (c *Checker) repair(ctx context.Context, features []feature.Feature, report Report) error {
	self := make(map[string]bool, len(report.SelfReferences))
	for _, id := range report.SelfReferences {
		self[id] = true
	}

	for _, f := range features {
		missing := report.MissingTargets[f.ID]
		if !self[f.ID] && len(missing) == 0 {
			continue
		}
		drop := make(map[string]bool, len(missing)+1)
		for _, m := range missing {
			drop[m] = true
		}
		if self[f.ID] {
			drop[f.ID] = true
		}

		updated := make([]string, 0, len(f.Dependencies))
		var removed []string
		for _, dep := range f.Dependencies {
			if drop[dep] {
				removed = append(removed, dep)
				continue
			}
			updated = append(updated, dep)
		}

		warning := &errs.OrphanedDependencyWarning{
			FeatureID: f.ID,
			Removed:   removed,
			Original:  append([]string(nil), f.Dependencies...),
			Updated:   updated,
		}
		if err := c.store.UpdateDependencies(ctx, f.ID, updated); err != nil {
			return fmt.Errorf("repair feature %s: %w", f.ID, err)
		}
		c.logger.Warn(ctx, "repaired orphaned dependencies",
			zap.String("feature.id", warning.FeatureID),
			zap.Strings("removed", warning.Removed),
			zap.Strings("original", warning.Original),
			zap.Strings("updated", warning.Updated),
		)
	}
	return nil
}

// Last returns the report of the most recent check.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
