package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/agentd/internal/http"

// unmatchedRoute labels requests echo could not route.
const unmatchedRoute = "unmatched"

// HTTPMetrics records request, error and event stream instruments.
// Instruments that fail to register stay nil and are skipped.
type HTTPMetrics struct {
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	errors     metric.Int64Counter
	streams    metric.Int64UpDownCounter
	streamSent metric.Int64Counter
}

// NewHTTPMetrics registers instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error

	m.requests, err = meter.Int64Counter("agentd.http.requests",
		metric.WithDescription("API requests by method, route template and status code."),
		metric.WithUnit("{request}"))
	warn("agentd.http.requests", err)

	m.latency, err = meter.Float64Histogram("agentd.http.request.duration",
		metric.WithDescription("API request latency by method and route template. SSE streams are excluded."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	warn("agentd.http.request.duration", err)

	m.errors, err = meter.Int64Counter("agentd.http.errors",
		metric.WithDescription("Error replies by orchestrator error kind, or by status when the error carries no kind."),
		metric.WithUnit("{error}"))
	warn("agentd.http.errors", err)

	m.streams, err = meter.Int64UpDownCounter("agentd.http.sse.streams",
		metric.WithDescription("Open event streams by scope."),
		metric.WithUnit("{stream}"))
	warn("agentd.http.sse.streams", err)

	m.streamSent, err = meter.Int64Counter("agentd.http.sse.events",
		metric.WithDescription("Events written to SSE clients by event type."),
		metric.WithUnit("{event}"))
	warn("agentd.http.sse.events", err)

	return m
}

// Middleware counts every request and times the ones that are not event
// streams.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := routeLabel(c.Path())
			method := attribute.String("method", c.Request().Method)
			ctx := c.Request().Context()

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				// The error handler has not run yet; use the status it will write.
				status, _ = errorReply(err)
			}

			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(method,
					attribute.String("route", route), attribute.Int("status", status)))
			}
			if m.latency != nil && !isStream(c) {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(method,
					attribute.String("route", route)))
			}
			return err
		}
	}
}

// recordError counts an error reply under label.
func (m *HTTPMetrics) recordError(ctx context.Context, label string) {
	if m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", label)))
	}
}

// streamOpened tracks an SSE stream for scope until the returned func runs.
func (m *HTTPMetrics) streamOpened(ctx context.Context, scope string) func() {
	attrs := metric.WithAttributes(attribute.String("scope", scope))
	if m.streams != nil {
		m.streams.Add(ctx, 1, attrs)
	}
	return func() {
		if m.streams != nil {
			m.streams.Add(context.WithoutCancel(ctx), -1, attrs)
		}
	}
}

func (m *HTTPMetrics) eventSent(ctx context.Context, typ string) {
	if m.streamSent != nil {
		m.streamSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
	}
}

// routeLabel keeps ids out of metric labels by using echo's route template.
func routeLabel(path string) string {
	if path == "" {
		return unmatchedRoute
	}
	return path
}

func isStream(c echo.Context) bool {
	return c.Response().Header().Get(echo.HeaderContentType) == "text/event-stream"
}
