package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore thins out repeated entries below ErrorLevel. Errors always
// pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	quiet := &levelCore{Core: core, min: zapcore.DebugLevel - 2, max: zapcore.WarnLevel}
	loud := &levelCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	return zapcore.NewTee(
		zapcore.NewSamplerWithOptions(quiet, cfg.Tick, cfg.Initial, cfg.Thereafter),
		loud,
	)
}

// levelCore restricts a core to the inclusive range [min, max].
type levelCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < c.min || e.Level > c.max {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}
