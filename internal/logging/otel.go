package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/harnessd"

// newCore writes redacted records to out and, when cfg.OTEL is set and a
// provider is available, also to the OpenTelemetry log bridge. Sampling
// wraps the whole tee so both outputs see the same records.
func newCore(cfg *Config, out zapcore.WriteSyncer, provider log.LoggerProvider) (zapcore.Core, error) {
	enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}
	core := zapcore.NewCore(enc, out, cfg.Level)

	if cfg.OTEL && provider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(provider))
		core = zapcore.NewTee(core, &bridgeCore{Core: bridge, level: cfg.Level, redact: enc})
	}
	return newSampledCore(core, cfg.Sampling), nil
}

// bridgeCore applies the configured level and the stdout redaction rules
// to the OTEL bridge, which has neither.
type bridgeCore struct {
	zapcore.Core
	level  zapcore.LevelEnabler
	redact *RedactingEncoder
}

func (c *bridgeCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *bridgeCore) With(fields []zapcore.Field) zapcore.Core {
	return &bridgeCore{Core: c.Core.With(c.redactFields(fields)), level: c.level, redact: c.redact}
}

func (c *bridgeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *bridgeCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	if c.redact.matches(e.Message) {
		e.Message = redactedPattern
	}
	return c.Core.Write(e, c.redactFields(fields))
}

func (c *bridgeCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = c.redact.redactField(f)
	}
	return out
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
