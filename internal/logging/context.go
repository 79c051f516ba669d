package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if featureID := FeatureIDFromContext(ctx); featureID != "" {
		fields = append(fields, zap.String("feature.id", featureID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type featureCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore and dot.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateID checks an id used for log correlation.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore, dot)", name)
	}
	return nil
}

// withID stores a validated id. Invalid ids are dropped rather than logged,
// so a malformed external id never reaches the output.
func withID(ctx context.Context, key interface{}, id, name string) context.Context {
	if validateID(id, name) != nil {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFromContext(ctx context.Context, key interface{}) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithRunID adds a run id to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return withID(ctx, runCtxKey{}, runID, "runID")
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, runCtxKey{})
}

// WithFeatureID adds a feature id to context.
func WithFeatureID(ctx context.Context, featureID string) context.Context {
	return withID(ctx, featureCtxKey{}, featureID, "featureID")
}

// FeatureIDFromContext extracts the feature id from context.
func FeatureIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, featureCtxKey{})
}

// WithRequestID adds an HTTP request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID, "requestID")
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, requestCtxKey{})
}
