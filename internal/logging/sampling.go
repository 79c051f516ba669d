package logging

import (
	"go.uber.org/zap/zapcore"
)

// sampledCore sends errors and lifecycle messages straight to the output
// and everything else through a zap sampler chosen by level. Levels with no
// sampling entry are not sampled.
type sampledCore struct {
	zapcore.Core
	keep     map[string]struct{}
	samplers map[zapcore.Level]zapcore.Core
}

func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	keep := make(map[string]struct{}, len(cfg.Keep))
	for _, msg := range cfg.Keep {
		keep[msg] = struct{}{}
	}
	samplers := make(map[zapcore.Level]zapcore.Core, len(cfg.Levels))
	for lvl, s := range cfg.Levels {
		if lvl >= zapcore.ErrorLevel {
			continue
		}
		samplers[lvl] = zapcore.NewSamplerWithOptions(core, cfg.Tick, s.Initial, s.Thereafter)
	}
	return &sampledCore{Core: core, keep: keep, samplers: samplers}
}

func (c *sampledCore) With(fields []zapcore.Field) zapcore.Core {
	samplers := make(map[zapcore.Level]zapcore.Core, len(c.samplers))
	for lvl, s := range c.samplers {
		samplers[lvl] = s.With(fields)
	}
	return &sampledCore{Core: c.Core.With(fields), keep: c.keep, samplers: samplers}
}

func (c *sampledCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level >= zapcore.ErrorLevel {
		return c.Core.Check(e, ce)
	}
	if _, ok := c.keep[e.Message]; ok {
		return c.Core.Check(e, ce)
	}
	if s, ok := c.samplers[e.Level]; ok {
		return s.Check(e, ce)
	}
	return c.Core.Check(e, ce)
}
