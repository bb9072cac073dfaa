package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powergate/internal/models"
	"powergate/internal/version"
)

var testVersion = version.Info{Version: "v0.0.1", GitCommit: "abc", InstanceID: "test-instance", Hostname: "test-host"}

func TestSetup_MetricsOnly(t *testing.T) {
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{ServiceName: "powergate-test"}

	provider, err := Setup(metrics, obs, testVersion)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	assert.NotNil(t, provider.promExporter)
	assert.NotNil(t, provider.MetricsHandler())
	assert.Nil(t, provider.tracerProvider)
	assert.NotNil(t, provider.TracerProvider(), "falls back to the global provider")
}

func TestSetup_TracingStdout(t *testing.T) {
	obs := models.ObservabilityConfig{
		ServiceName: "powergate-test",
		Tracing:     models.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 0.5},
	}

	provider, err := Setup(models.MetricsConfig{}, obs, testVersion)
	require.NoError(t, err)

	assert.NotNil(t, provider.tracerProvider)
	assert.Nil(t, provider.promExporter)
	assert.Nil(t, provider.MetricsHandler())
	assert.NotNil(t, provider.MeterProvider())

	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestSetup_TracingOTLP(t *testing.T) {
	obs := models.ObservabilityConfig{
		ServiceName: "powergate-test",
		Tracing:     models.TracingConfig{Enabled: true, Exporter: "otlp", OTLPEndpoint: "localhost:4317", SampleRate: 1},
	}

	// The gRPC exporter connects lazily, so setup succeeds without a collector.
	provider, err := Setup(models.MetricsConfig{}, obs, testVersion)
	require.NoError(t, err)
	assert.NotNil(t, provider.tracerProvider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider.Shutdown(ctx)
}

func TestSetup_UnsupportedExporter(t *testing.T) {
	obs := models.ObservabilityConfig{
		ServiceName: "powergate-test",
		Tracing:     models.TracingConfig{Enabled: true, Exporter: "zipkin"},
	}

	_, err := Setup(models.MetricsConfig{}, obs, testVersion)
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0).Description(), "AlwaysOff")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestProvider_ExposesRecordedMetrics(t *testing.T) {
	provider, err := Setup(models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090},
		models.ObservabilityConfig{ServiceName: "powergate-test"}, testVersion)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	counter, err := provider.MeterProvider().Meter("test").Int64Counter("ratelimit.decisions")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var families []*dto.MetricFamily
	families, err = provider.registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() == "ratelimit_decisions_total" {
			found = true
			require.NotEmpty(t, mf.GetMetric())
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter should be exported to the provider's registry")

	rr := httptest.NewRecorder()
	provider.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ratelimit_decisions_total")
}
