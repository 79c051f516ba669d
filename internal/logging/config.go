package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string
	// OTEL also ships records through the OpenTelemetry log bridge when a
	// provider is passed to NewLogger.
	OTEL      bool
	Service   string
	Sampling  SamplingConfig
	Redaction RedactionConfig
}

// SamplingConfig thins repeated lines per message and level.
type SamplingConfig struct {
	Enabled bool
	Tick    time.Duration
	Levels  map[zapcore.Level]LevelSampling
	// Keep lists messages that bypass sampling. Run and feature lifecycle
	// lines are what operators reconstruct a run from, so they are never
	// dropped.
	Keep []string
}

// LevelSampling logs the first Initial entries of a message per tick and
// every Thereafter-th one after that. Thereafter 0 drops the rest.
type LevelSampling struct {
	Initial    int
	Thereafter int
}

// RedactionConfig controls which field keys and value patterns are masked
// on output.
type RedactionConfig struct {
	Fields   []string
	Patterns []string
}

// LifecycleMessages are the run and feature transitions kept by the sampler.
var LifecycleMessages = []string{
	"run started",
	"run finished",
	"run cancellation requested",
	"cancelled active runs",
	"feature dispatched",
	"feature released",
	"feature failed after retries",
	"feature reset",
	"acceptance evaluated",
	"finalised interrupted runs",
	"released interrupted features",
	"scheduler started",
}

// NewDefaultConfig returns JSON output at info with sampling and redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:   zapcore.InfoLevel,
		Format:  "json",
		Service: "harnessd",
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			Levels: map[zapcore.Level]LevelSampling{
				TraceLevel:         {Initial: 20, Thereafter: 0},
				zapcore.DebugLevel: {Initial: 50, Thereafter: 10},
				zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
				zapcore.WarnLevel:  {Initial: 100, Thereafter: 100},
			},
			Keep: append([]string(nil), LifecycleMessages...),
		},
		Redaction: RedactionConfig{
			Fields: []string{
				"password", "secret", "token", "api_key", "authorization",
				"client_secret", "private_key", "tool_args",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key\s*[=:]\s*\S+`,
				`sk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	for _, p := range c.Redaction.Patterns {
		if len(p) > maxPatternLen {
			return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	return nil
}

// FromSettings derives a config from the flat observability settings.
// Empty values keep the defaults.
func FromSettings(level, format string, sampling bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if level != "" {
		l, err := LevelFromString(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = l
	}
	if format != "" {
		cfg.Format = format
	}
	cfg.Sampling.Enabled = sampling
	return cfg, cfg.Validate()
}
