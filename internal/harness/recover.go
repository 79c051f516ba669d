package harness

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

// Recover finalises runs that a previous process left pending, running or
// paused. They are marked failed with error interrupted and get a
// run_failed event. Runs executing in this kernel are left alone. It
// returns the ids of the finalised runs.
func (k *Kernel) Recover(ctx context.Context) ([]string, error) {
	all, err := k.runs.List(ctx, run.ListOptions{})
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, r := range all {
		if r.Status.Terminal() || k.isActive(r.ID) {
			continue
		}
		completed := k.now()
		final, err := k.runs.Update(ctx, r.ID, func(r *run.Run) error {
			if !run.CanTransition(r.Status, run.StatusFailed) {
				return errs.NewConflict("run", r.ID, "cannot fail a %s run", r.Status)
			}
			r.Status = run.StatusFailed
			r.Error = ReasonInterrupted
			r.ErrorMessage = "daemon stopped before the run finished"
			if r.Verdict == "" {
				r.Verdict = run.VerdictFail
			}
			r.CompletedAt = &completed
			return nil
		})
		if errs.IsConflict(err) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		k.record(ctx, final.ID, events.TypeRunFailed, "", map[string]interface{}{
			"reason":        ReasonInterrupted,
			"status":        string(run.StatusFailed),
			"turns_used":    final.TurnsUsed,
			"error":         ReasonInterrupted,
			"error_message": final.ErrorMessage,
		})
		recovered = append(recovered, final.ID)
	}
	if len(recovered) > 0 {
		k.logger.Warn(ctx, "finalised interrupted runs", zap.Strings("run_ids", recovered))
	}
	return recovered, nil
}

func (k *Kernel) isActive(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.active[id]
	return ok
}
