package feature

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/logging"
)

// ReloadFunc is called after the watched file changed and was re-synced.
type ReloadFunc func(ctx context.Context, res SyncResult)

// Watcher re-syncs a feature file into a store whenever the file changes.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file through a rename are still observed.
type Watcher struct {
	path     string
	store    Store
	onReload ReloadFunc
	logger   *logging.Logger
	debounce time.Duration

	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, s Store, onReload ReloadFunc, logger *logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve feature file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		path:     abs,
		store:    s,
		onReload: onReload,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		watcher:  w,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events for one save.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "feature watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	defs, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn(ctx, "feature file reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	res, err := Sync(ctx, w.store, defs)
	if err != nil {
		w.logger.Error(ctx, "feature sync failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info(ctx, "feature file reloaded",
		zap.String("path", w.path),
		zap.Int("upserted", len(res.Upserted)),
		zap.Strings("removed", res.Removed),
	)
	if w.onReload != nil {
		w.onReload(ctx, res)
	}
}
