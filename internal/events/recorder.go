package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
	"github.com/fyrsmithlabs/harnessd/internal/secrets"
)

var tracer = otel.Tracer("harnessd/events")

// Recorder is the single entry point for emitting run events: payloads
// are scrubbed, appended to the log, then offered to the broadcaster.
type Recorder struct {
	log         *Log
	broadcaster *Broadcaster
	scrubber    secrets.Scrubber
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// NewRecorder wires a recorder. scrubber and broadcaster may be nil.
func NewRecorder(log *Log, b *Broadcaster, scrubber secrets.Scrubber, logger *logging.Logger, m *metrics.Metrics) *Recorder {
	if scrubber == nil {
		scrubber = secrets.Noop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Recorder{log: log, broadcaster: b, scrubber: scrubber, logger: logger, metrics: m}
}

// Record durably appends an event and offers it for live delivery.
// Only the durable append can fail.
func (r *Recorder) Record(ctx context.Context, runID string, typ Type, toolName string, payload map[string]interface{}) (Event, error) {
	ctx, span := tracer.Start(ctx, "events.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("event_type", string(typ)),
	)

	scrubbed, redacted := r.scrubber.ScrubPayload(payload)
	if redacted > 0 {
		r.logger.Warn(ctx, "secrets redacted from event payload",
			zap.String("run_id", runID),
			zap.String("event_type", string(typ)),
			zap.Int("redacted", redacted),
		)
	}

	ev, err := r.log.Append(ctx, runID, typ, toolName, scrubbed)
	if err != nil {
		span.RecordError(err)
		return Event{}, err
	}
	r.metrics.EventRecorded(string(typ))

	if r.broadcaster != nil {
		r.broadcaster.Offer(ctx, ev)
		if typ.Terminal() {
			r.broadcaster.Forget(runID)
		}
	}
	if typ.Terminal() {
		r.log.Forget(runID)
	}
	return ev, nil
}

// Log returns the underlying event log.
func (r *Recorder) Log() *Log { return r.log }

// Broadcaster returns the live broadcaster, or nil.
func (r *Recorder) Broadcaster() *Broadcaster { return r.broadcaster }
