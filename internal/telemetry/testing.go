package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// Recorder keeps spans and metrics in memory so tests can inspect what a
// component traced and measured. Pass Tracer or Meter to the component
// instead of relying on the global providers.
type Recorder struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
}

func NewRecorder() *Recorder {
	r := &Recorder{
		spans:  tracetest.NewSpanRecorder(),
		reader: sdkmetric.NewManualReader(),
	}
	r.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(r.spans))
	r.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(r.reader))
	return r
}

func (r *Recorder) Tracer(name string) trace.Tracer { return r.tp.Tracer(name) }

func (r *Recorder) Meter(name string) metric.Meter { return r.mp.Meter(name) }

// Telemetry returns an enabled Telemetry backed by the recorder.
func (r *Recorder) Telemetry() *Telemetry {
	t := &Telemetry{
		cfg:            config.TelemetryConfig{Enabled: true, ServiceName: "agentd-test"},
		logger:         zap.NewNop(),
		tracerProvider: r.tp,
		meterProvider:  r.mp,
	}
	t.healthy.Store(true)
	return t
}

// Spans returns the ended spans named name, oldest first.
func (r *Recorder) Spans(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// SpanAttr returns the value of key on span.
func SpanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// Sum collects metrics and returns the total of the int64 counter name
// across every attribute set.
func (r *Recorder) Sum(ctx context.Context, name string) (int64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return 0, err
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == name {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total, nil
}
