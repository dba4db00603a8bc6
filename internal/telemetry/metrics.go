package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/EternisAI/rac-sentinel/internal/store"
)

const namespace = "rac_sentinel"

// Metrics is the agent's Prometheus surface. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	clusterStatus       *prometheus.GaugeVec
	tenantSessions      *prometheus.GaugeVec
	sessionsTerminated  *prometheus.CounterVec
	terminationFailures prometheus.Counter
	pollFailures        *prometheus.CounterVec
	pollDuration        prometheus.Histogram
	commands            *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		clusterStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_status",
			Help:      "1 for the current cluster status, 0 for the others",
		}, []string{"status"}),
		tenantSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_sessions",
			Help:      "Active sessions per tenant at the last poll",
		}, []string{"tenant"}),
		sessionsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions terminated by policy, by reason",
		}, []string{"reason"}),
		terminationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_termination_failures_total",
			Help:      "Termination attempts the cluster rejected or that failed",
		}),
		pollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Failed poll cycles by failure kind",
		}, []string{"kind"}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one cluster poll",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Processed commands by type and final status",
		}, []string{"type", "status"}),
	}
}

func (m *Metrics) SetClusterStatus(status store.ClusterStatus) {
	if m == nil {
		return
	}
	for _, s := range []store.ClusterStatus{store.ClusterStatusUnknown, store.ClusterStatusOnline, store.ClusterStatusOffline} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.clusterStatus.WithLabelValues(string(s)).Set(v)
	}
}

// SetTenantSessions replaces the per-tenant gauge so tenants that vanished
// from the store stop being reported.
func (m *Metrics) SetTenantSessions(counts map[string]int) {
	if m == nil {
		return
	}
	m.tenantSessions.Reset()
	for tenant, n := range counts {
		m.tenantSessions.WithLabelValues(tenant).Set(float64(n))
	}
}

func (m *Metrics) SessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.sessionsTerminated.WithLabelValues(reason).Inc()
}

func (m *Metrics) TerminationFailed() {
	if m == nil {
		return
	}
	m.terminationFailures.Inc()
}

func (m *Metrics) PollFailed(kind string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePoll(seconds float64) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(seconds)
}

func (m *Metrics) CommandProcessed(commandType store.CommandType, status store.CommandStatus) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(commandType), string(status)).Inc()
}
