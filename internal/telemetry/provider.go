package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// semconvSchema pins the resource schema. resource.Default carries a newer
// one and merging the two fails.
const semconvSchema = semconv.SchemaURL

func serviceAttrs(name, version string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	}
}

// transport describes how exporters reach the collector.
type transport struct {
	http     bool
	endpoint string
	insecure bool
	tls      *tls.Config
}

func transportFor(cfg config.TelemetryConfig) transport {
	tr := transport{http: cfg.Protocol == "http", endpoint: cfg.Endpoint, insecure: cfg.Insecure}
	if tr.http {
		tr.endpoint = hostPort(cfg.Endpoint)
	}
	if !cfg.Insecure && cfg.TLSSkipVerify {
		tr.tls = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for collectors behind an internal CA
	}
	return tr
}

func (t *Telemetry) installTracing(ctx context.Context, res *resource.Resource) error {
	tr := transportFor(t.cfg)

	var (
		exp sdktrace.SpanExporter
		err error
	)
	if tr.http {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tr.endpoint)}
		switch {
		case tr.insecure:
			opts = append(opts, otlptracehttp.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tr.tls))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tr.endpoint)}
		switch {
		case tr.insecure:
			opts = append(opts, otlptracegrpc.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tr.tls)))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(t.cfg.SampleRate)),
	)
	otel.SetTracerProvider(t.tracerProvider)
	return nil
}

func (t *Telemetry) installMetrics(ctx context.Context, res *resource.Resource) error {
	tr := transportFor(t.cfg)
	// cumulative keeps Prometheus-style backends behind the collector happy
	cumulative := func(sdkmetric.InstrumentKind) metricdata.Temporality { return metricdata.CumulativeTemporality }

	var (
		exp sdkmetric.Exporter
		err error
	)
	if tr.http {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(tr.endpoint), otlpmetrichttp.WithTemporalitySelector(cumulative)}
		switch {
		case tr.insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tr.tls))
		}
		exp, err = otlpmetrichttp.New(ctx, opts...)
	} else {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(tr.endpoint), otlpmetricgrpc.WithTemporalitySelector(cumulative)}
		switch {
		case tr.insecure:
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		case tr.tls != nil:
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(tr.tls)))
		}
		exp, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(t.cfg.MetricsInterval.Duration()))),
	)
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

// sampler follows the parent's decision and samples new traces at rate.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// hostPort drops an http or https scheme; the OTLP HTTP exporters take
// host:port only.
func hostPort(endpoint string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(endpoint, scheme); ok {
			return rest
		}
	}
	return endpoint
}
