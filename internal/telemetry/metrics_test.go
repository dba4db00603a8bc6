package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/EternisAI/rac-sentinel/internal/store"
)

func TestMetrics_ClusterStatusIsOneHot(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetClusterStatus(store.ClusterStatusOnline)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clusterStatus.WithLabelValues("online")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.clusterStatus.WithLabelValues("offline")))

	m.SetClusterStatus(store.ClusterStatusOffline)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.clusterStatus.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clusterStatus.WithLabelValues("offline")))
}

func TestMetrics_TenantSessionsReset(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetTenantSessions(map[string]int{"acme": 3, "globex": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(m.tenantSessions))

	m.SetTenantSessions(map[string]int{"acme": 2})
	assert.Equal(t, 1, testutil.CollectAndCount(m.tenantSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tenantSessions.WithLabelValues("acme")))
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionTerminated("over limit")
	m.SessionTerminated("over limit")
	m.PollFailed("timeout")
	m.CommandProcessed(store.CommandPublish, store.CommandStatusCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTerminated.WithLabelValues("over limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("Publish", "completed")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetClusterStatus(store.ClusterStatusOnline)
		m.SetTenantSessions(map[string]int{"a": 1})
		m.SessionTerminated("x")
		m.TerminationFailed()
		m.PollFailed("x")
		m.ObservePoll(1)
		m.CommandProcessed(store.CommandPublish, store.CommandStatusFailed)
	})
}
