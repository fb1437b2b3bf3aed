package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// collectSums returns the int64 sum data points of every counter by name.
func collectSums(t *testing.T, reader *metric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string][]metricdata.DataPoint[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				out[md.Name] = sum.DataPoints
			}
		}
	}
	return out
}

func byAttr(points []metricdata.DataPoint[int64], key string) map[string]int64 {
	out := map[string]int64{}
	for _, dp := range points {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.Emit()] += dp.Value
	}
	return out
}

func TestMiddlewareLabelsByRouteAndStatus(t *testing.T) {
	reader := metric.NewManualReader()
	m := newHTTPMetrics(metric.NewMeterProvider(metric.WithReader(reader)).Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/conversations/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return &orchestrator.Error{Kind: orchestrator.KindNotFound, Message: "no such conversation"}
		}
		return c.NoContent(http.StatusOK)
	})

	for _, path := range []string{"/api/v1/conversations/a", "/api/v1/conversations/b", "/api/v1/conversations/missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	sums := collectSums(t, reader)
	assert.Equal(t, map[string]int64{"/api/v1/conversations/:id": 3}, byAttr(sums["agentd.http.requests"], "route"))
	assert.Equal(t, map[string]int64{"200": 2, "404": 1}, byAttr(sums["agentd.http.requests"], "status"))
	assert.Equal(t, unmatchedRoute, routeLabel(""))
}

func TestErrorAndStreamMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	m := newHTTPMetrics(metric.NewMeterProvider(metric.WithReader(reader)).Meter(httpInstrumentationName), nil)
	ctx := context.Background()

	m.recordError(ctx, string(orchestrator.KindInvalidState))
	m.recordError(ctx, string(orchestrator.KindInvalidState))
	m.recordError(ctx, "429")

	done := m.streamOpened(ctx, "execution")
	m.streamOpened(ctx, "conversation")
	m.eventSent(ctx, "file_completed")
	m.eventSent(ctx, "completed")
	done()

	sums := collectSums(t, reader)
	assert.Equal(t, map[string]int64{"invalid_state": 2, "429": 1}, byAttr(sums["agentd.http.errors"], "kind"))
	assert.Equal(t, map[string]int64{"execution": 0, "conversation": 1}, byAttr(sums["agentd.http.sse.streams"], "scope"))
	assert.Equal(t, map[string]int64{"file_completed": 1, "completed": 1}, byAttr(sums["agentd.http.sse.events"], "type"))
}

func TestErrorReply(t *testing.T) {
	status, resp := errorReply(echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", resp.Message)
	assert.Empty(t, resp.Kind)

	status, resp = errorReply(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", resp.Message)
}
