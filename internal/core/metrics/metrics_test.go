package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SyncMessage("merged")
	m.SyncMessage("merged")
	m.SyncFailure("protocol_violation")
	m.SyncEntries("skipped", 3)
	m.SetQuarantined(2)
	m.DHTRPC("find_node", "ok")
	m.NATConnect("relayed", "ok")
	m.RelaySessionDelta(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncMessagesTotal.WithLabelValues("merged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncFailuresTotal.WithLabelValues("protocol_violation")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncEntriesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuarantinedPeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelaySessions))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SyncMessage("dropped")
		m.SyncFailure("x")
		m.DHTRPC("ping", "err")
		m.SetDHTSizes(1, 2)
		m.ReputationEvent("x")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SyncMessage("rejected")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mesh_sync_messages_total{result="rejected"} 1`))
}
