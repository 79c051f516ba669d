package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
)

// Publisher sends raw bytes on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BroadcasterConfig configures live fan-out.
type BroadcasterConfig struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Stats counts live delivery outcomes.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Ignored   uint64 `json:"ignored"`
}

// Broadcaster forwards significant events to live subscribers, throttled
// per run. Offer never returns an error: a dropped or failed live message
// does not affect the durable record.
type Broadcaster struct {
	pub     Publisher
	prefix  string
	window  *SlidingWindow
	logger  *logging.Logger
	metrics *metrics.Metrics

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	ignored   atomic.Uint64
}

// NewBroadcaster creates a broadcaster. A nil publisher drops everything
// after throttling, which keeps counters meaningful without a bus.
func NewBroadcaster(pub Publisher, cfg BroadcasterConfig, logger *logging.Logger, m *metrics.Metrics) *Broadcaster {
	if cfg.Prefix == "" {
		cfg.Prefix = "harnessd"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broadcaster{
		pub:     pub,
		prefix:  cfg.Prefix,
		window:  NewSlidingWindow(cfg.Limit, cfg.Window),
		logger:  logger,
		metrics: m,
	}
}

// Prefix returns the subject prefix.
func (b *Broadcaster) Prefix() string { return b.prefix }

// Offer publishes ev if it is significant and within the run's window.
// It reports whether the message was handed to the publisher.
func (b *Broadcaster) Offer(ctx context.Context, ev Event) bool {
	if !ev.Type.Significant() {
		b.ignored.Add(1)
		return false
	}
	if !b.window.Allow(ev.RunID) {
		b.dropped.Add(1)
		b.metrics.LiveEvent(metrics.LiveDropped)
		b.logger.Debug(ctx, "live event throttled",
			zap.String("run_id", ev.RunID),
			zap.Uint64("sequence", ev.Sequence),
			zap.String("event_type", string(ev.Type)),
		)
		return false
	}
	if b.pub == nil {
		b.dropped.Add(1)
		b.metrics.LiveEvent(metrics.LiveDropped)
		return false
	}

	data, err := json.Marshal(NewLiveMessage(ev))
	if err == nil {
		err = b.pub.Publish(Subject(b.prefix, ev.RunID), data)
	}
	if err != nil {
		b.failed.Add(1)
		b.metrics.LiveEvent(metrics.LiveFailed)
		b.logger.Warn(ctx, "live event publish failed",
			zap.String("run_id", ev.RunID),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err),
		)
		return false
	}
	b.delivered.Add(1)
	b.metrics.LiveEvent(metrics.LiveDelivered)
	return true
}

// Forget releases the throttle state of a finished run.
func (b *Broadcaster) Forget(runID string) {
	b.window.Forget(runID)
}

// Stats returns a snapshot of delivery counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
		Ignored:   b.ignored.Load(),
	}
}
