package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/mcp"

// toolMetrics records one call counter labelled by outcome, a latency
// histogram and an in-flight gauge per tool.
type toolMetrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &toolMetrics{}
	var err error
	if m.calls, err = meter.Int64Counter("agentd.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool and outcome (ok or the orchestrator error kind)."),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("failed to register tool call counter", zap.Error(err))
	}
	if m.latency, err = meter.Float64Histogram("agentd.mcp.tool.duration",
		metric.WithDescription("MCP tool call latency. Planning runs inside create and send, so those dominate."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.05, 0.25, 1, 5, 30, 120)); err != nil {
		logger.Warn("failed to register tool latency histogram", zap.Error(err))
	}
	if m.inflight, err = meter.Int64UpDownCounter("agentd.mcp.tool.inflight",
		metric.WithDescription("MCP tool calls in progress."),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("failed to register in-flight gauge", zap.Error(err))
	}
	return m
}

// start marks a call to tool in flight. The returned func records its
// outcome.
func (m *toolMetrics) start(ctx context.Context, tool string) func(error) {
	toolAttr := attribute.String("tool", tool)
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, metric.WithAttributes(toolAttr))
	}
	began := time.Now()

	return func(err error) {
		ctx := context.WithoutCancel(ctx)
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, metric.WithAttributes(toolAttr))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(toolAttr))
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("outcome", outcome(err))))
		}
	}
}

// outcome reduces err to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case orchestrator.KindOf(err) != "":
		return string(orchestrator.KindOf(err))
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
