// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - context field injection (trace_id, run.id, feature.id, request.id)
//   - secret redaction by field key and value pattern, applied to stdout
//     and to the OpenTelemetry log bridge
//   - per-message sampling that never drops errors or run lifecycle lines
//
// # Usage
//
//	cfg, err := logging.FromSettings("info", "json", true)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	logger.Info(ctx, "turn complete", zap.Int("turn", n))
//
// Tests use NewTestLogger and its assertion helpers.
package logging
