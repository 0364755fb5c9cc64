package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMetrics_RecordMessage(t *testing.T) {
	m := NewSyncMetrics("appointment-sync", nil)

	m.RecordMessage("/topic/appointments/global", OutcomeApplied)
	m.RecordMessage("/topic/appointments/global", OutcomeApplied)
	m.RecordMessage("/topic/appointments/global", OutcomeMalformed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("/topic/appointments/global", OutcomeApplied, "appointment-sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("/topic/appointments/global", OutcomeMalformed, "appointment-sync")))
}

func TestSyncMetrics_ConnectionState(t *testing.T) {
	m := NewSyncMetrics("svc", nil)
	states := []string{"disconnected", "connecting", "connected"}

	m.RecordConnectionState("connecting", states)
	m.RecordConnectionState("connected", states)
	m.RecordConnected(true)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionState.WithLabelValues("connecting", "svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionState.WithLabelValues("connected", "svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected.WithLabelValues("svc")))
}

func TestSyncMetrics_SnapshotAndStore(t *testing.T) {
	m := NewSyncMetrics("svc", nil)

	m.RecordSnapshot("all", true, 20*time.Millisecond)
	m.RecordSnapshot("day_schedule", false, time.Second)
	m.RecordRefresh(false)
	m.RecordReconnect()
	m.SetStoreRecords(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsTotal.WithLabelValues("all", "success", "svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.snapshotsTotal.WithLabelValues("day_schedule", "failure", "svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshesTotal.WithLabelValues("failure", "svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectsTotal.WithLabelValues("svc")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.storeRecords.WithLabelValues("svc")))
}

func TestSyncMetrics_NilIsSafe(t *testing.T) {
	var m *SyncMetrics

	assert.NotPanics(t, func() {
		m.RecordMessage("t", OutcomeApplied)
		m.RecordConnected(false)
		m.RecordConnectionState("connected", []string{"connected"})
		m.RecordReconnect()
		m.RecordSnapshot("all", true, time.Millisecond)
		m.RecordRefresh(true)
		m.SetStoreRecords(1)
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestSyncMetrics_Handler(t *testing.T) {
	m := NewSyncMetrics("svc", nil)
	m.SetStoreRecords(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `sync_store_records{service="svc"} 3`))
}

func TestSyncMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewSyncMetrics("a", nil)
		NewSyncMetrics("b", nil)
	})
}
