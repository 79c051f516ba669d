package harness

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

var terminalEvents = map[run.Status]events.Type{
	run.StatusCompleted: events.TypeRunCompleted,
	run.StatusFailed:    events.TypeRunFailed,
	run.StatusTimeout:   events.TypeRunTimeout,
}

// finalise moves the run to a terminal status and records its terminal
// event. If the run is already terminal nothing is written and the stored
// record is returned.
func (ex *execution) finalise(ctx context.Context, status run.Status, category, message, reason string, apply func(r *run.Run)) run.Run {
	k := ex.k
	ctx = context.WithoutCancel(ctx)
	completed := k.now()
	u := ex.counters()

	final, err := k.runs.Update(ctx, ex.runID, func(r *run.Run) error {
		if !run.CanTransition(r.Status, status) {
			return errs.NewConflict("run", r.ID, "cannot move %s run to %s", r.Status, status)
		}
		if apply != nil {
			apply(r)
		}
		r.Status = status
		r.Error = category
		r.ErrorMessage = message
		r.TurnsUsed = u.turns
		r.TokensIn = u.tokensIn
		r.TokensOut = u.tokensOut
		r.CompletedAt = &completed
		if status == run.StatusFailed || status == run.StatusTimeout {
			if r.Verdict == "" {
				r.Verdict = run.VerdictFail
			}
		}
		return nil
	})
	if err != nil {
		if !errs.IsConflict(err) {
			k.logger.Error(ctx, "failed to finalise run", zap.String("status", string(status)), zap.Error(err))
		}
		return ex.current(ctx)
	}

	payload := map[string]interface{}{
		"reason":     reason,
		"status":     string(status),
		"turns_used": final.TurnsUsed,
		"tokens_in":  final.TokensIn,
		"tokens_out": final.TokensOut,
	}
	if final.Verdict != "" {
		payload["final_verdict"] = final.Verdict
	}
	if category != "" {
		payload["error"] = category
		payload["error_message"] = message
	}
	k.record(ctx, ex.runID, terminalEvents[status], "", payload)
	k.metrics.RunFinished(string(status), completed.Sub(ex.started), final.TurnsUsed)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("turns_used", final.TurnsUsed),
		zap.String("final_verdict", final.Verdict),
	}
	if status == run.StatusCompleted && category == "" {
		k.logger.Info(ctx, "run finished", fields...)
	} else {
		k.logger.Warn(ctx, "run finished", append(fields, zap.String("error", category), zap.String("error_message", message))...)
	}
	return final
}

// record emits an event. A failed append is logged; the run carries on.
func (k *Kernel) record(ctx context.Context, runID string, typ events.Type, toolName string, payload map[string]interface{}) {
	if k.recorder == nil {
		return
	}
	if _, err := k.recorder.Record(ctx, runID, typ, toolName, payload); err != nil {
		k.logger.Error(ctx, "failed to record event",
			zap.String("run_id", runID),
			zap.String("event_type", string(typ)),
			zap.Error(err),
		)
	}
}
