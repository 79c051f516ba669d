package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/harness"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

// dispatch executes one claimed feature through the retry loop and
// releases it with the outcome.
func (o *Orchestrator) dispatch(ctx context.Context, f feature.Feature) {
	defer o.finish(f.ID)

	outcome := o.attempt(ctx, f)
	if err := o.features.Release(ctx, f.ID, outcome); err != nil {
		o.logger.Error(ctx, "release failed", zap.String("feature_id", f.ID), zap.Error(err))
		return
	}
	o.logger.Info(ctx, "feature released",
		zap.String("feature_id", f.ID),
		zap.Bool("passes", outcome.Passed),
		zap.Bool("failed", outcome.Failed),
	)
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

// attempt runs up to MaxRetries+1 runs. Each retry recompiles the AgentSpec from
// the original feature plus every failure message collected so far.
func (o *Orchestrator) attempt(ctx context.Context, f feature.Feature) feature.Outcome {
	var feedback []string
	var prev run.Run

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if o.isStopping() {
				return feature.Outcome{}
			}
			if !o.wait(o.cfg.RetryDelay) {
				return feature.Outcome{}
			}
		}

		spec, err := o.compiler.Compile(ctx, agentspec.Request{Feature: f, Feedback: feedback, Attempt: attempt})
		if err != nil {
			o.logger.Error(ctx, "spec compilation failed", zap.String("feature_id", f.ID), zap.Int("attempt", attempt), zap.Error(err))
			if stop, outcome := o.attemptError(ctx, err); stop {
				return outcome
			}
			feedback = append(feedback, fmt.Sprintf("attempt %d: spec compilation failed: %v", attempt+1, err))
			prev = run.Run{}
			continue
		}

		runID := o.newID()
		if attempt > 0 {
			o.metrics.Retried()
			o.recordRetry(ctx, prev, runID, attempt, feedback)
		}
		o.setRun(f.ID, runID, attempt)

		r, err := o.kernel.Execute(ctx, spec, harness.ExecuteOptions{
			RunID:      runID,
			Engine:     o.engines(),
			RetryCount: attempt,
		})
		if err != nil {
			o.logger.Error(ctx, "run could not start", zap.String("feature_id", f.ID), zap.Int("attempt", attempt), zap.Error(err))
			if stop, outcome := o.attemptError(ctx, err); stop {
				return outcome
			}
			feedback = append(feedback, fmt.Sprintf("attempt %d: run could not start: %v", attempt+1, err))
			prev = run.Run{}
			continue
		}
		if r.Passed() {
			return feature.Outcome{Passed: true}
		}
		if r.Error == errs.CategoryUserCancelled {
			// shutdown cancellations leave the feature schedulable
			return feature.Outcome{Failed: !o.isStopping()}
		}

		feedback = append(feedback, failureFeedback(attempt, r)...)
		prev = r
	}

	o.logger.Warn(ctx, "feature failed after retries",
		zap.String("feature_id", f.ID),
		zap.Int("attempts", o.cfg.MaxRetries+1),
		zap.Strings("feedback", feedback),
	)
	return feature.Outcome{Failed: true}
}

// attemptError decides whether a compile or start failure ends the retry
// loop. Validation errors fail the feature at once since recompiling the
// same definition cannot fix them; a cancelled context leaves the feature
// schedulable. Anything else uses up one attempt.
func (o *Orchestrator) attemptError(ctx context.Context, err error) (bool, feature.Outcome) {
	switch {
	case errs.IsValidation(err):
		return true, feature.Outcome{Failed: true}
	case ctx.Err() != nil:
		return true, feature.Outcome{}
	}
	return false, feature.Outcome{}
}

func (o *Orchestrator) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.stop:
		return false
	}
}

func (o *Orchestrator) recordRetry(ctx context.Context, prev run.Run, nextRunID string, attempt int, feedback []string) {
	if o.recorder == nil || prev.ID == "" {
		return
	}
	if _, err := o.recorder.Record(ctx, prev.ID, events.TypeRetryScheduled, "", map[string]interface{}{
		"attempt":     attempt,
		"next_run_id": nextRunID,
		"feedback":    feedback,
		"delay":       o.cfg.RetryDelay.String(),
	}); err != nil {
		o.logger.Warn(ctx, "failed to record retry", zap.String("run_id", prev.ID), zap.Error(err))
	}
}

// failureFeedback summarises why a run did not pass.
func failureFeedback(attempt int, r run.Run) []string {
	if len(r.Feedback) > 0 {
		out := make([]string, len(r.Feedback))
		for i, fb := range r.Feedback {
			out[i] = fmt.Sprintf("attempt %d: %s", attempt+1, fb)
		}
		return out
	}
	msg := r.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("run ended %s", r.Status)
	}
	return []string{fmt.Sprintf("attempt %d: %s", attempt+1, msg)}
}
