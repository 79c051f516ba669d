package harness

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/harnessd/internal/events"
)

// watchdog finalises a run as timed out when its wall-clock budget passes
// while a tool call is still running. The turn loop notices the terminal
// status once the call returns.
func (ex *execution) watchdog(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ex.k.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ex.k.now().Before(ex.deadline) || !ex.active.toolRunning.Load() {
				continue
			}
			if _, terminal := ex.terminal(ctx); terminal {
				return
			}
			ex.k.record(ctx, ex.runID, events.TypeWatchdogTimeout, "", map[string]interface{}{
				"deadline": ex.deadline.UTC().Format(time.RFC3339Nano),
			})
			ex.timeoutFromWatchdog(ctx)
			return
		}
	}
}
