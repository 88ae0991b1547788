package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.ObserveRequest(http.MethodPost, "/v1/authorize", http.StatusOK, 3*time.Millisecond)
	m.ObserveRequest(http.MethodPost, "/v1/authorize", http.StatusOK, time.Millisecond)
	m.RecordConfigReload(true)
	m.RecordConfigReload(false)
	m.SetBuildInfo("1.0.0", "abc", "now")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "/v1/authorize", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.configReloads.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.buildInfo.WithLabelValues("1.0.0", "abc", "now")))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")
	m.ObserveRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}

func TestRegisterCollectors_ToleratesDuplicates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "dup"})

	assert.NotPanics(t, func() {
		RegisterCollectors(reg, c)
		RegisterCollectors(reg, c)
		RegisterCollectors(nil, c)
	})
}

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "authorizer"})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "op")
	span.End()
	assert.NotNil(t, ctx)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutExporter(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "authorizer", Enabled: true, SamplingRate: 1})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "op")
	ctx = ContextWithSpan(ctx, span)
	span.End()

	assert.NotEmpty(t, TraceIDFromContext(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestSamplerFor(t *testing.T) {
	t.Parallel()

	assert.Contains(t, samplerFor(1).Description(), "AlwaysOn")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOff")
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}
