package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// correlationKeys are the fields ContextFields can attach to an entry.
var correlationKeys = []string{"owner", "conversation.id", "plan.id", "request.id", "trace_id"}

// Observe returns a Logger that records every entry at level or above in
// memory, for tests that assert on what was logged.
func Observe(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{zap: zap.New(core)}, logs
}

// Correlation returns the correlation fields carried by an observed entry.
func Correlation(entry observer.LoggedEntry) map[string]string {
	ctx := entry.ContextMap()
	out := make(map[string]string)
	for _, k := range correlationKeys {
		if v, ok := ctx[k].(string); ok {
			out[k] = v
		}
	}
	return out
}
