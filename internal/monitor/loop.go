// Package monitor runs the agent's poll cycle: it drains commands, keeps the
// agent record alive, polls the cluster, enforces tenant policy and records
// metric buckets.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/rac-sentinel/internal/metrics"
	"github.com/EternisAI/rac-sentinel/internal/policy"
	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/secret"
	"github.com/EternisAI/rac-sentinel/internal/stats"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/sysmetrics"
	"github.com/EternisAI/rac-sentinel/internal/telemetry"
)

const (
	MinPollInterval         = 5 * time.Second
	MaxPollInterval         = time.Hour
	DefaultMetadataInterval = time.Minute

	disabledWait = 10 * time.Second
	errorBackoff = 10 * time.Second

	binaryCooldown   = 5 * time.Minute
	timeoutCooldown  = 5 * time.Minute
	errorCooldown    = 2 * time.Minute
	resourceCooldown = 5 * time.Minute

	cpuHighPercent  = 90.0
	memoryHighRatio = 0.9
)

type Store interface {
	metrics.Sink
	TouchAgent(ctx context.Context, reg store.Registration) error
	GetAgent(ctx context.Context, agentID string) (*store.Agent, error)
	LoadTenants(ctx context.Context, agentID string) ([]store.Tenant, error)
	UpdateClusterStatus(ctx context.Context, agentID string, status store.ClusterStatus) error
	WriteEvent(ctx context.Context, event store.Event) error
	UpdateAgentMetadata(ctx context.Context, agentID string, metadata store.AgentMetadata) error
}

type CommandDrainer interface {
	DrainPending(ctx context.Context, agentID string) (int, error)
}

type MetadataSource interface {
	InstalledVersions() ([]string, error)
	ListPublications() ([]store.PublishedApp, error)
}

type SystemMetrics interface {
	Collect(ctx context.Context) (sysmetrics.Snapshot, error)
}

// Config is the local part of the agent's settings. Policy lives in the
// store's agent record.
type Config struct {
	AgentID          string
	Name             string
	Hostname         string
	Version          string
	Defaults         store.AgentDefaults
	RacTimeout       time.Duration
	MetadataInterval time.Duration
}

type Deps struct {
	Store     Store
	Commands  CommandDrainer
	Metadata  MetadataSource
	System    SystemMetrics
	Protector secret.Protector
	Runner    rac.Runner
	Telemetry *telemetry.Metrics
}

type TenantSnapshot struct {
	ID             string
	Name           string
	ActiveSessions int
	MaxSessions    int
	Status         store.TenantStatus
}

// Snapshot is the loop state exposed to the status API.
type Snapshot struct {
	AgentID       string
	Enabled       bool
	KillMode      bool
	ClusterStatus store.ClusterStatus
	ClusterID     string
	LastPollAt    time.Time
	LastFailure   string
	TotalSessions int
	Terminated    int
	Tenants       []TenantSnapshot
}

type Loop struct {
	cfg       Config
	store     Store
	commands  CommandDrainer
	metadata  MetadataSource
	system    SystemMetrics
	protector secret.Protector
	runner    rac.Runner
	telemetry *telemetry.Metrics
	writer    *metrics.Writer
	enforcer  *policy.Enforcer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	status        store.ClusterStatus
	lastMetadata  time.Time
	forceMetadata bool

	binaryMissing throttle
	failures      throttle
	cpuHigh       throttle
	memoryHigh    throttle

	mu       sync.RWMutex
	snapshot Snapshot
}

func New(cfg Config, deps Deps) *Loop {
	if cfg.MetadataInterval <= 0 {
		cfg.MetadataInterval = DefaultMetadataInterval
	}
	if cfg.RacTimeout <= 0 {
		cfg.RacTimeout = rac.DefaultTimeout
	}
	return &Loop{
		cfg:       cfg,
		store:     deps.Store,
		commands:  deps.Commands,
		metadata:  deps.Metadata,
		system:    deps.System,
		protector: deps.Protector,
		runner:    deps.Runner,
		telemetry: deps.Telemetry,
		writer:    metrics.NewWriter(deps.Store),
		enforcer:  policy.NewEnforcer(deps.Store, deps.Telemetry),
		now:       time.Now,
		sleep:     sleepContext,
		status:    store.ClusterStatusUnknown,
		snapshot: Snapshot{
			AgentID:       cfg.AgentID,
			ClusterStatus: store.ClusterStatusUnknown,
		},
	}
}

// Run polls until ctx is cancelled. It never returns for any other reason.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Monitor loop started", "agent_id", l.cfg.AgentID)
	defer slog.Info("Monitor loop stopped", "agent_id", l.cfg.AgentID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, err := l.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.telemetry.PollFailed("cycle")
			if l.failures.allow(l.now(), errorCooldown) {
				slog.Error("Monitor cycle failed", "agent_id", l.cfg.AgentID, "error", err)
			}
			wait = errorBackoff
		}

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Snapshot returns a copy of the state after the last cycle.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.snapshot
	s.Tenants = append([]TenantSnapshot(nil), l.snapshot.Tenants...)
	return s
}

// cycle runs one pass and returns how long to wait before the next one.
func (l *Loop) cycle(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor cycle panicked: %v", r)
		}
	}()

	processed, err := l.commands.DrainPending(ctx, l.cfg.AgentID)
	if err != nil {
		return 0, fmt.Errorf("failed to process commands: %w", err)
	}
	if processed > 0 {
		l.forceMetadata = true
	}

	l.refreshMetadata(ctx)

	now := l.now()
	err = l.store.TouchAgent(ctx, store.Registration{
		AgentID:  l.cfg.AgentID,
		Name:     l.cfg.Name,
		Hostname: l.cfg.Hostname,
		Version:  l.cfg.Version,
		SeenAt:   now.UTC(),
		Defaults: l.cfg.Defaults,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update agent liveness: %w", err)
	}

	sys, err := l.system.Collect(ctx)
	if err != nil {
		slog.Debug("System metrics incomplete", "error", err)
	}

	agent, err := l.store.GetAgent(ctx, l.cfg.AgentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load agent policy: %w", err)
	}
	if !agent.Enabled {
		l.updateSnapshot(func(s *Snapshot) {
			s.Enabled = false
			s.KillMode = agent.KillMode
		})
		return disabledWait, nil
	}

	l.checkResources(ctx, sys)
	l.poll(ctx, agent, sys)

	return PollInterval(agent.PollIntervalSeconds), nil
}

// PollInterval clamps the configured interval to [MinPollInterval,
// MaxPollInterval].
func PollInterval(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

func (l *Loop) refreshMetadata(ctx context.Context) {
	now := l.now()
	if !l.forceMetadata && !l.lastMetadata.IsZero() && now.Sub(l.lastMetadata) < l.cfg.MetadataInterval {
		return
	}
	l.lastMetadata = now
	l.forceMetadata = false

	versions, err := l.metadata.InstalledVersions()
	if err != nil {
		slog.Warn("Failed to list installed platform versions", "error", err)
		return
	}
	apps, err := l.metadata.ListPublications()
	if err != nil {
		slog.Warn("Failed to list publications", "error", err)
		return
	}
	err = l.store.UpdateAgentMetadata(ctx, l.cfg.AgentID, store.AgentMetadata{
		InstalledVersions: versions,
		Publications:      apps,
		UpdatedAt:         now.UTC(),
	})
	if err != nil {
		slog.Warn("Failed to store agent metadata", "error", err)
	}
}

func (l *Loop) checkResources(ctx context.Context, sys sysmetrics.Snapshot) {
	now := l.now()
	if sys.CPUPercent > cpuHighPercent && l.cpuHigh.allow(now, resourceCooldown) {
		l.writeEvent(ctx, store.SeverityWarning, fmt.Sprintf("High CPU usage: %.1f%%", sys.CPUPercent))
	}
	if ratio := sys.MemoryRatio(); ratio > memoryHighRatio && l.memoryHigh.allow(now, resourceCooldown) {
		l.writeEvent(ctx, store.SeverityWarning, fmt.Sprintf("High memory usage: %d of %d MB (%.0f%%)",
			sys.MemoryUsedMB, sys.MemoryTotalMB, ratio*100))
	}
}

// poll talks to the cluster. Every outcome ends with a cluster status and a
// metric bucket; failures are reported through the throttles only.
func (l *Loop) poll(ctx context.Context, agent *store.Agent, sys sysmetrics.Snapshot) {
	started := l.now()
	target := l.target(agent)

	result, err := l.pollCluster(ctx, agent, target)
	l.telemetry.ObservePoll(l.now().Sub(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.handlePollFailure(ctx, target, err)
		l.setStatus(ctx, store.ClusterStatusUnknown)
		l.writeBucket(ctx, started, sys, store.ClusterStatusUnknown, 0, nil, nil)
		l.updateSnapshot(func(s *Snapshot) {
			s.Enabled, s.KillMode = true, agent.KillMode
			s.ClusterID, s.TotalSessions, s.Terminated, s.Tenants = "", 0, 0, nil
			s.LastPollAt = started.UTC()
			s.LastFailure = rac.Classify(err).String()
		})
		return
	}

	status := store.ClusterStatusOnline
	if result.clusterID == "" {
		status = store.ClusterStatusOffline
	}
	l.setStatus(ctx, status)
	l.writeBucket(ctx, started, sys, status, result.total, result.tenants, result.counts)
	l.publishTenants(result)
	l.updateSnapshot(func(s *Snapshot) {
		s.Enabled, s.KillMode = true, agent.KillMode
		s.ClusterID = result.clusterID
		s.TotalSessions = result.total
		s.Terminated = result.enforcement.Terminated
		s.Tenants = tenantSnapshots(result.tenants, result.counts)
		s.LastPollAt = started.UTC()
		s.LastFailure = ""
	})
}

type pollResult struct {
	clusterID   string
	tenants     []store.Tenant
	counts      map[string]*stats.TenantStats
	total       int
	enforcement policy.Result
}

func (l *Loop) pollCluster(ctx context.Context, agent *store.Agent, target rac.Target) (pollResult, error) {
	var res pollResult

	tenants, err := l.store.LoadTenants(ctx, l.cfg.AgentID)
	if err != nil {
		return res, fmt.Errorf("failed to load tenants: %w", err)
	}

	client := rac.NewClient(l.runner, target)
	clusterID, err := client.ClusterID(ctx)
	if err != nil {
		return res, err
	}
	if clusterID == "" {
		return res, nil
	}
	res.clusterID = clusterID

	infobases, err := client.Infobases(ctx, clusterID)
	if err != nil {
		return res, err
	}
	sessions, err := client.Sessions(ctx, clusterID)
	if err != nil {
		return res, err
	}
	for i := range sessions {
		sessions[i].Database = infobases[strings.ToLower(sessions[i].InfobaseID)]
	}

	res.tenants = tenants
	res.counts = stats.Compute(tenants, sessions)
	res.total = len(sessions)
	res.enforcement = l.enforcer.Enforce(ctx, client,
		policy.Policy{AgentID: l.cfg.AgentID, KillMode: agent.KillMode},
		clusterID, tenants, sessions, res.counts)
	return res, nil
}

func (l *Loop) handlePollFailure(ctx context.Context, target rac.Target, err error) {
	now := l.now()
	kind := rac.Classify(err)
	l.telemetry.PollFailed(kind.String())

	switch kind {
	case rac.FailureNotFound:
		if l.binaryMissing.allow(now, binaryCooldown) {
			slog.Warn("Administration tool not found", "path", target.Executable)
			l.writeEvent(ctx, store.SeverityWarning,
				fmt.Sprintf("Administration tool not found at %s; cluster status unknown", target.Executable))
		}
	case rac.FailureTimeout:
		if l.failures.allow(now, timeoutCooldown) {
			slog.Warn("Administration tool timed out", "host", target.Host, "timeout", target.Timeout, "error", err)
		}
	default:
		if l.failures.allow(now, errorCooldown) {
			slog.Error("Cluster poll failed", "host", target.Host, "error", err)
		}
	}
}

func (l *Loop) target(agent *store.Agent) rac.Target {
	t := rac.Target{
		Executable: agent.RacPath,
		Host:       agent.RasHost,
		Timeout:    l.cfg.RacTimeout,
		User:       agent.ClusterUser,
	}
	if t.Executable == "" {
		t.Executable = l.cfg.Defaults.RacPath
	}
	if t.Host == "" {
		t.Host = l.cfg.Defaults.RasHost
	}
	if t.User != "" {
		t.Password = secret.Reveal(l.protector, agent.ClusterPassword)
	}
	return t
}

func (l *Loop) setStatus(ctx context.Context, status store.ClusterStatus) {
	if status != l.status {
		slog.Info("Cluster status changed", "from", l.status, "to", status)
		l.status = status
	}
	l.telemetry.SetClusterStatus(status)
	l.updateSnapshot(func(s *Snapshot) { s.ClusterStatus = status })
	if err := l.store.UpdateClusterStatus(ctx, l.cfg.AgentID, status); err != nil {
		slog.Debug("Failed to store cluster status", "status", status, "error", err)
	}
}

// writeBucket records the minute bucket. Tenant rows are written only when
// the cluster was reachable; the store zeroes rows an earlier poll in the
// same minute left behind.
func (l *Loop) writeBucket(ctx context.Context, at time.Time, sys sysmetrics.Snapshot, status store.ClusterStatus, total int, tenants []store.Tenant, counts map[string]*stats.TenantStats) {
	agentRow := store.AgentBucket{
		AgentID:       l.cfg.AgentID,
		ClusterStatus: status,
		CPUPercent:    sys.CPUPercent,
		MemoryUsedMB:  sys.MemoryUsedMB,
		MemoryTotalMB: sys.MemoryTotalMB,
		DisksJSON:     sys.DisksJSON(),
		TotalSessions: total,
	}

	tenantRows := make([]store.TenantBucket, 0, len(tenants))
	for _, t := range tenants {
		row := store.TenantBucket{
			TenantID:         t.ID,
			MaxSessions:      t.MaxSessions,
			Status:           t.Status,
			DatabaseSessions: map[string]int{},
		}
		if ts := counts[t.ID]; ts != nil {
			row.ActiveSessions = ts.TotalSessions
			row.DatabaseSessions = ts.Databases
		}
		tenantRows = append(tenantRows, row)
	}

	if err := l.writer.Write(ctx, at, agentRow, tenantRows, metrics.Swallow); err != nil {
		slog.Debug("Metric bucket not recorded", "agent_id", l.cfg.AgentID, "error", err)
	}
}

func (l *Loop) publishTenants(res pollResult) {
	counts := make(map[string]int, len(res.tenants))
	for _, t := range res.tenants {
		if ts := res.counts[t.ID]; ts != nil {
			counts[t.Name] = ts.TotalSessions
		} else {
			counts[t.Name] = 0
		}
	}
	l.telemetry.SetTenantSessions(counts)
}

func (l *Loop) writeEvent(ctx context.Context, severity store.Severity, message string) {
	err := l.store.WriteEvent(ctx, store.Event{
		AgentID:  l.cfg.AgentID,
		Time:     l.now().UTC(),
		Severity: severity,
		Message:  message,
	})
	if err != nil {
		slog.Debug("Failed to write event", "message", message, "error", err)
	}
}

func (l *Loop) updateSnapshot(update func(s *Snapshot)) {
	l.mu.Lock()
	update(&l.snapshot)
	l.mu.Unlock()
}

func tenantSnapshots(tenants []store.Tenant, counts map[string]*stats.TenantStats) []TenantSnapshot {
	out := make([]TenantSnapshot, 0, len(tenants))
	for _, t := range tenants {
		ts := TenantSnapshot{
			ID:          t.ID,
			Name:        t.Name,
			MaxSessions: t.MaxSessions,
			Status:      t.Status,
		}
		if c := counts[t.ID]; c != nil {
			ts.ActiveSessions = c.TotalSessions
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
