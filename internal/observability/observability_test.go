package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.OpsApplied.WithLabelValues("deposit").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.OpsApplied.WithLabelValues("deposit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OpsApplied.WithLabelValues("deposit")))
}

func TestSetChannelMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))
}

func TestLogger_ComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "core", ParseLogLevel("warn"))

	log.Info().Msg("hidden")
	log.Warn().Str("trader", "alice").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "core", line["component"])
	assert.Equal(t, "alice", line["trader"])
	assert.Equal(t, "shown", line["message"])

	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel("bogus"))
}

func TestHealth_ReadinessFlipsBothProbes(t *testing.T) {
	h := NewHealthChecker()
	hs := health.NewServer()
	h.Bind(hs)

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	h.SetReady(true)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
