package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveBrokerCall("simulator", "place", "none", 10*time.Millisecond)
	m.ObserveEscalation("modify")
	m.ObserveEscalation("modify")
	m.ObserveDrift("manual_order", 2)
	m.ObserveDrift("manual_order", 0)
	m.SetActiveSessions(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerCalls.WithLabelValues("simulator", "place", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Escalations.WithLabelValues("modify")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileDrift.WithLabelValues("manual_order")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pyramid_exit_escalations_total")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveBrokerCall("x", "y", "z", time.Second)
	m.ObserveTask("t", "ok", time.Second)
	m.SetHeartbeat("u1", time.Now())
	m.ObserveNotificationDropped("e")
}
