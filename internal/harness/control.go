package harness

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

// activeRun is the control block of an executing run.
type activeRun struct {
	id string

	cancelOnce   sync.Once
	cancelled    atomic.Bool
	cancelCh     chan struct{}
	cancelReason atomic.Value

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	toolRunning atomic.Bool
	done        chan struct{}
}

func newActiveRun(id string) *activeRun {
	return &activeRun{id: id, cancelCh: make(chan struct{}), done: make(chan struct{})}
}

// cancel sets the token. It reports false if it was already set.
func (a *activeRun) cancel(reason string) bool {
	set := false
	a.cancelOnce.Do(func() {
		a.cancelReason.Store(reason)
		a.cancelled.Store(true)
		close(a.cancelCh)
		set = true
	})
	return set
}

func (a *activeRun) reason() string {
	if r, ok := a.cancelReason.Load().(string); ok {
		return r
	}
	return ReasonUserCancelled
}

// waitIfPaused blocks while the run is paused. It returns false when the
// run was cancelled or ctx ended while waiting.
func (a *activeRun) waitIfPaused(ctx context.Context) bool {
	a.mu.Lock()
	if !a.paused {
		a.mu.Unlock()
		return true
	}
	ch := a.resume
	a.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-a.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (k *Kernel) register(a *activeRun) {
	k.mu.Lock()
	k.active[a.id] = a
	k.mu.Unlock()
}

func (k *Kernel) unregister(id string) {
	k.mu.Lock()
	delete(k.active, id)
	k.mu.Unlock()
}

// lookup returns the control block of an active run. For a known run that
// is no longer executing it returns a ConflictError.
func (k *Kernel) lookup(ctx context.Context, id string) (*activeRun, error) {
	k.mu.Lock()
	a, ok := k.active[id]
	k.mu.Unlock()
	if ok {
		return a, nil
	}
	r, err := k.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, errs.NewConflict("run", id, "run is %s", r.Status)
}

// Cancel asks an active run to stop. The turn loop observes the token at
// the top of the next turn or before the next tool call and finalises the
// run as failed with error user_cancelled. A tool call already in flight
// is not interrupted.
func (k *Kernel) Cancel(ctx context.Context, id string) error {
	a, err := k.lookup(ctx, id)
	if err != nil {
		return err
	}
	// a run finalised by the watchdog stays registered until its tool returns
	r, err := k.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return errs.NewConflict("run", id, "run is %s", r.Status)
	}
	if !a.cancel(ReasonUserCancelled) {
		return errs.NewConflict("run", id, "run is already cancelled")
	}
	k.logger.Info(ctx, "run cancellation requested", zap.String("run_id", id))
	return nil
}

// CancelAll cancels every active run and returns how many were signalled.
func (k *Kernel) CancelAll(ctx context.Context, reason string) int {
	k.mu.Lock()
	runs := make([]*activeRun, 0, len(k.active))
	for _, a := range k.active {
		runs = append(runs, a)
	}
	k.mu.Unlock()

	n := 0
	for _, a := range runs {
		if a.cancel(reason) {
			n++
		}
	}
	if n > 0 {
		k.logger.Warn(ctx, "cancelled active runs", zap.Int("count", n), zap.String("reason", reason))
	}
	return n
}

// Pause suspends a running run at the start of its next turn.
func (k *Kernel) Pause(ctx context.Context, id string) error {
	a, err := k.lookup(ctx, id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := k.runs.Update(ctx, id, func(r *run.Run) error {
		if !run.CanTransition(r.Status, run.StatusPaused) {
			return errs.NewConflict("run", id, "cannot pause a %s run", r.Status)
		}
		r.Status = run.StatusPaused
		return nil
	}); err != nil {
		return err
	}
	a.paused = true
	a.resume = make(chan struct{})
	k.record(ctx, id, events.TypeRunPaused, "", nil)
	return nil
}

// Resume continues a paused run.
func (k *Kernel) Resume(ctx context.Context, id string) error {
	a, err := k.lookup(ctx, id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := k.runs.Update(ctx, id, func(r *run.Run) error {
		if r.Status != run.StatusPaused {
			return errs.NewConflict("run", id, "cannot resume a %s run", r.Status)
		}
		r.Status = run.StatusRunning
		return nil
	}); err != nil {
		return err
	}
	a.paused = false
	close(a.resume)
	k.record(ctx, id, events.TypeRunResumed, "", nil)
	return nil
}

// Active returns the ids of executing runs, sorted.
func (k *Kernel) Active() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.active))
	for id := range k.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the run is no longer executing or ctx is done.
func (k *Kernel) Wait(ctx context.Context, id string) error {
	k.mu.Lock()
	a, ok := k.active[id]
	k.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
