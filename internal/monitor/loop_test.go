package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/sysmetrics"
)

type memoryStore struct {
	mu        sync.Mutex
	agent     store.Agent
	tenants   []store.Tenant
	touches   int
	statuses  []store.ClusterStatus
	events    []store.Event
	buckets   []store.AgentBucket
	tenantRow [][]store.TenantBucket
	metadata  []store.AgentMetadata
	touchErr  error
	bucketErr error
}

func (m *memoryStore) TouchAgent(_ context.Context, _ store.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return m.touchErr
}

func (m *memoryStore) GetAgent(_ context.Context, _ string) (*store.Agent, error) {
	a := m.agent
	return &a, nil
}

func (m *memoryStore) LoadTenants(_ context.Context, _ string) ([]store.Tenant, error) {
	return m.tenants, nil
}

func (m *memoryStore) UpdateClusterStatus(_ context.Context, _ string, status store.ClusterStatus) error {
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memoryStore) WriteEvent(_ context.Context, e store.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memoryStore) UpsertMetricBucket(_ context.Context, a store.AgentBucket, t []store.TenantBucket) error {
	if m.bucketErr != nil {
		return m.bucketErr
	}
	m.buckets = append(m.buckets, a)
	m.tenantRow = append(m.tenantRow, t)
	return nil
}

func (m *memoryStore) UpdateAgentMetadata(_ context.Context, _ string, md store.AgentMetadata) error {
	m.metadata = append(m.metadata, md)
	return nil
}

func (m *memoryStore) lastStatus() store.ClusterStatus {
	if len(m.statuses) == 0 {
		return ""
	}
	return m.statuses[len(m.statuses)-1]
}

// scriptedRunner answers by the verbs of the invocation ("cluster list",
// "session terminate", ...).
type scriptedRunner struct {
	responses map[string]rac.Result
	err       error
	calls     []string
	hosts     []string
	argv      [][]string
}

func (s *scriptedRunner) Run(_ context.Context, _ string, host string, args []string, _ time.Duration) (rac.Result, error) {
	verb := strings.Join(args[:2], " ")
	s.calls = append(s.calls, verb)
	s.hosts = append(s.hosts, host)
	s.argv = append(s.argv, args)
	if s.err != nil {
		return rac.Result{}, s.err
	}
	return s.responses[verb], nil
}

type fakeDrainer struct {
	processed int
	err       error
	calls     int
}

func (f *fakeDrainer) DrainPending(_ context.Context, _ string) (int, error) {
	f.calls++
	n := f.processed
	f.processed = 0
	return n, f.err
}

type fakeMetadata struct {
	calls int
}

func (f *fakeMetadata) InstalledVersions() ([]string, error) {
	f.calls++
	return []string{"8.3.24.1467"}, nil
}

func (f *fakeMetadata) ListPublications() ([]store.PublishedApp, error) {
	return []store.PublishedApp{{SiteName: "acme", AppPath: "/acme", Version: "8.3.24.1467"}}, nil
}

type fakeSystem struct {
	snap sysmetrics.Snapshot
}

func (f *fakeSystem) Collect(_ context.Context) (sysmetrics.Snapshot, error) {
	return f.snap, nil
}

type panicSystem struct{}

func (panicSystem) Collect(_ context.Context) (sysmetrics.Snapshot, error) {
	panic("sensor exploded")
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	loop     *Loop
	store    *memoryStore
	runner   *scriptedRunner
	drainer  *fakeDrainer
	metadata *fakeMetadata
	system   *fakeSystem
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &memoryStore{agent: store.Agent{
			ID:                  "agent-1",
			Enabled:             true,
			KillMode:            true,
			PollIntervalSeconds: 30,
			RacPath:             "/opt/1cv8/x86_64/8.3.24.1467/rac",
			RasHost:             "srv:1545",
		}},
		runner:   &scriptedRunner{responses: map[string]rac.Result{}},
		drainer:  &fakeDrainer{},
		metadata: &fakeMetadata{},
		system:   &fakeSystem{snap: sysmetrics.Snapshot{CPUPercent: 10, MemoryUsedMB: 100, MemoryTotalMB: 1000}},
		clock:    &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.loop = New(Config{AgentID: "agent-1", Name: "srv"}, Deps{
		Store:    h.store,
		Commands: h.drainer,
		Metadata: h.metadata,
		System:   h.system,
		Runner:   h.runner,
	})
	h.loop.now = h.clock.now
	return h
}

func (h *harness) cycle(t *testing.T) time.Duration {
	t.Helper()
	wait, err := h.loop.cycle(context.Background())
	require.NoError(t, err)
	return wait
}

func TestCycle_EmptyClusterListGoesOffline(t *testing.T) {
	h := newHarness(t)

	wait := h.cycle(t)

	assert.Equal(t, 30*time.Second, wait)
	assert.Equal(t, store.ClusterStatusOffline, h.store.lastStatus())
	require.Len(t, h.store.buckets, 1)
	assert.Equal(t, 0, h.store.buckets[0].TotalSessions)
	assert.Equal(t, store.ClusterStatusOffline, h.store.buckets[0].ClusterStatus)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), h.store.buckets[0].BucketStart)
	assert.Empty(t, h.store.tenantRow[0])
	assert.Equal(t, []string{"cluster list"}, h.runner.calls)
	assert.Equal(t, "srv:1545", h.runner.hosts[0])
	assert.Equal(t, store.ClusterStatusOffline, h.loop.Snapshot().ClusterStatus)
}

func TestCycle_BucketWriteFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.store.bucketErr = errors.New("connection reset")

	wait := h.cycle(t)

	assert.Equal(t, 30*time.Second, wait)
	assert.Empty(t, h.store.buckets)
	assert.Equal(t, store.ClusterStatusOffline, h.store.lastStatus())
	assert.Empty(t, h.store.events)
}

func TestCycle_MissingBinaryIsThrottled(t *testing.T) {
	h := newHarness(t)
	h.runner.err = fmt.Errorf("%w: /opt/rac", rac.ErrBinaryNotFound)

	for i := 0; i < 5; i++ {
		h.cycle(t)
		h.clock.advance(time.Minute)
	}

	assert.Equal(t, store.ClusterStatusUnknown, h.store.lastStatus())
	require.Len(t, h.store.events, 1)
	assert.Equal(t, store.SeverityWarning, h.store.events[0].Severity)
	assert.Contains(t, h.store.events[0].Message, "not found")
	assert.Len(t, h.store.buckets, 5)
	for _, b := range h.store.buckets {
		assert.Equal(t, 0, b.TotalSessions)
		assert.Equal(t, store.ClusterStatusUnknown, b.ClusterStatus)
	}
	assert.Equal(t, "binary_not_found", h.loop.Snapshot().LastFailure)

	h.cycle(t)
	assert.Len(t, h.store.events, 2)
}

func TestCycle_TimeoutLogsOnly(t *testing.T) {
	h := newHarness(t)
	h.runner.err = fmt.Errorf("%w after 30s", rac.ErrCommandTimedOut)

	h.cycle(t)

	assert.Equal(t, store.ClusterStatusUnknown, h.store.lastStatus())
	assert.Empty(t, h.store.events)
	assert.Len(t, h.store.buckets, 1)
}

func TestCycle_OnlineEnforcesAndWritesBucket(t *testing.T) {
	h := newHarness(t)
	h.store.tenants = []store.Tenant{
		{ID: "t1", Name: "Acme", MaxSessions: 1, Status: store.TenantStatusActive,
			Databases: []store.Database{{TenantID: "t1", Name: "acme"}}},
		{ID: "t2", Name: "Idle", Status: store.TenantStatusActive,
			Databases: []store.Database{{TenantID: "t2", Name: "idle"}}},
	}
	h.runner.responses["cluster list"] = rac.Result{Output: "cluster : c-1\nname : main\n"}
	h.runner.responses["infobase summary"] = rac.Result{Output: "infobase : IB-1\nname : Acme\n\ninfobase : ib-2\nname : other\n"}
	h.runner.responses["session list"] = rac.Result{Output: strings.Join([]string{
		"session : s-old\ninfobase : ib-1\nuser-name : alice\nstarted-at : 2024-05-01T09:00:00",
		"session : s-new\ninfobase : ib-1\nuser-name : bob\nstarted-at : 2024-05-01T10:00:00",
		"session : s-x\ninfobase : ib-2\nstarted-at : 2024-05-01T10:30:00",
	}, "\n\n")}

	h.cycle(t)

	assert.Equal(t, store.ClusterStatusOnline, h.store.lastStatus())
	assert.Equal(t, []string{"cluster list", "infobase summary", "session list", "session terminate"}, h.runner.calls)
	assert.Contains(t, h.runner.argv[3], "--session=s-new")
	assert.Contains(t, h.runner.argv[3], "--cluster=c-1")

	require.Len(t, h.store.buckets, 1)
	assert.Equal(t, 3, h.store.buckets[0].TotalSessions)
	rows := h.store.tenantRow[0]
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].ActiveSessions)
	assert.Equal(t, map[string]int{"acme": 2}, rows[0].DatabaseSessions)
	assert.Equal(t, 0, rows[1].ActiveSessions)

	require.Len(t, h.store.events, 1)
	assert.Equal(t, store.SeverityCritical, h.store.events[0].Severity)

	snap := h.loop.Snapshot()
	assert.Equal(t, "c-1", snap.ClusterID)
	assert.Equal(t, 1, snap.Terminated)
	assert.Equal(t, 3, snap.TotalSessions)
	require.Len(t, snap.Tenants, 2)
	assert.Equal(t, "Acme", snap.Tenants[0].Name)
}

func TestCycle_ClusterCredentialsAreRevealed(t *testing.T) {
	h := newHarness(t)
	h.store.agent.ClusterUser = "admin"
	h.store.agent.ClusterPassword = "plain"
	h.runner.responses["cluster list"] = rac.Result{Output: "cluster : c-1\n"}

	h.cycle(t)

	// cluster list does not carry credentials; infobase summary does
	require.GreaterOrEqual(t, len(h.runner.argv), 2)
	assert.Contains(t, h.runner.argv[1], "--cluster-user=admin")
	assert.Contains(t, h.runner.argv[1], "--cluster-pwd=plain")
}

func TestCycle_DisabledSkipsCluster(t *testing.T) {
	h := newHarness(t)
	h.store.agent.Enabled = false

	wait := h.cycle(t)

	assert.Equal(t, 10*time.Second, wait)
	assert.Empty(t, h.runner.calls)
	assert.Empty(t, h.store.buckets)
	assert.Equal(t, 1, h.store.touches)
}

func TestCycle_ResourceWarningsAreThrottled(t *testing.T) {
	h := newHarness(t)
	h.system.snap = sysmetrics.Snapshot{CPUPercent: 95, MemoryUsedMB: 950, MemoryTotalMB: 1000}

	h.cycle(t)
	h.clock.advance(4 * time.Minute)
	h.cycle(t)

	require.Len(t, h.store.events, 2)
	assert.Contains(t, h.store.events[0].Message, "CPU")
	assert.Contains(t, h.store.events[1].Message, "memory")

	h.clock.advance(time.Minute)
	h.cycle(t)
	assert.Len(t, h.store.events, 4)
}

func TestCycle_MetadataRefresh(t *testing.T) {
	h := newHarness(t)

	h.cycle(t)
	h.clock.advance(30 * time.Second)
	h.cycle(t)
	assert.Equal(t, 1, h.metadata.calls)

	h.drainer.processed = 1
	h.cycle(t)
	assert.Equal(t, 2, h.metadata.calls, "processed commands force a refresh")

	h.clock.advance(time.Minute)
	h.cycle(t)
	assert.Equal(t, 3, h.metadata.calls)
	require.Len(t, h.store.metadata, 3)
	assert.Equal(t, []string{"8.3.24.1467"}, h.store.metadata[0].InstalledVersions)
}

func TestCycle_PanicBecomesError(t *testing.T) {
	h := newHarness(t)
	h.loop.system = panicSystem{}

	_, err := h.loop.cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor exploded")
}

func TestRun_OuterFailureBacksOffWithoutTouchingStatus(t *testing.T) {
	h := newHarness(t)
	h.store.touchErr = errors.New("connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	h.loop.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := h.loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, waits)
	assert.Empty(t, h.store.statuses)
	assert.Equal(t, 3, h.drainer.calls)
}

func TestRun_CommandFailureIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.drainer.err = errors.New("queue unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	h.loop.sleep = func(_ context.Context, d time.Duration) error {
		assert.Equal(t, 10*time.Second, d)
		h.drainer.err = nil
		h.loop.sleep = func(_ context.Context, d time.Duration) error {
			assert.Equal(t, 30*time.Second, d)
			cancel()
			return ctx.Err()
		}
		return nil
	}

	assert.ErrorIs(t, h.loop.Run(ctx), context.Canceled)
	assert.Equal(t, 1, h.store.touches)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, PollInterval(0))
	assert.Equal(t, 5*time.Second, PollInterval(1))
	assert.Equal(t, 60*time.Second, PollInterval(60))
	assert.Equal(t, time.Hour, PollInterval(99999))
}

func TestThrottle(t *testing.T) {
	var th throttle
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, th.allow(t0, time.Minute))
	assert.False(t, th.allow(t0.Add(59*time.Second), time.Minute))
	assert.True(t, th.allow(t0.Add(time.Minute), time.Minute))
}
