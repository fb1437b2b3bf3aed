package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const bridgeName = "github.com/fyrsmithlabs/agentd"

// bridgeCore forwards entries at level and above to an OpenTelemetry log
// provider. Entries on this path are not redacted.
func bridgeCore(provider log.LoggerProvider, level zapcore.Level) zapcore.Core {
	core := otelzap.NewCore(bridgeName, otelzap.WithLoggerProvider(provider))
	return &levelCore{Core: core, min: level, max: zapcore.FatalLevel}
}
