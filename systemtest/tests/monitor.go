package tests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/rac-sentinel/internal/commands"
	"github.com/EternisAI/rac-sentinel/internal/monitor"
	"github.com/EternisAI/rac-sentinel/internal/publication"
	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/sysmetrics"
)

// clusterRunner plays the administration tool for one cluster.
type clusterRunner struct {
	mu         sync.Mutex
	terminated []string
}

func (r *clusterRunner) Run(_ context.Context, _ string, _ string, args []string, _ time.Duration) (rac.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch strings.Join(args[:2], " ") {
	case "cluster list":
		return rac.Result{Output: "cluster : 1f9c2a4e-0000-4000-8000-000000000001\nhost : srv-1c\nport : 1541\n"}, nil
	case "infobase summary":
		return rac.Result{Output: "infobase : IB-ACME\nname : Acme_Main\n\ninfobase : ib-other\nname : sandbox\n"}, nil
	case "session list":
		return rac.Result{Output: strings.Join([]string{
			"session : s-old\ninfobase : ib-acme\nuser-name : alice\nstarted-at : 2024-05-01T09:00:00",
			"session : s-new\ninfobase : ib-acme\nuser-name : bob\nstarted-at : 2024-05-01T10:00:00",
			"session : s-free\ninfobase : ib-other\nuser-name : carol\nstarted-at : 2024-05-01T10:30:00",
		}, "\n\n")}, nil
	case "session terminate":
		for _, a := range args {
			if id, ok := strings.CutPrefix(a, "--session="); ok {
				r.terminated = append(r.terminated, id)
			}
		}
		return rac.Result{}, nil
	}
	return rac.Result{ExitCode: 1}, nil
}

func (r *clusterRunner) Terminated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminated...)
}

type idleSystem struct{}

func (idleSystem) Collect(context.Context) (sysmetrics.Snapshot, error) {
	return sysmetrics.Snapshot{CPUPercent: 12.5, MemoryUsedMB: 2048, MemoryTotalMB: 8192}, nil
}

func TestMonitorLoop(t *testing.T, st *store.Postgres, pool *pgxpool.Pool) {
	ctx := context.Background()
	agentID := newAgent(t, st)
	tenantID := seedTenant(t, pool, agentID, "Acme", 1, store.TenantStatusActive, "acme_main")

	_, err := pool.Exec(ctx, `UPDATE agents SET kill_mode = true WHERE id = $1`, agentID)
	require.NoError(t, err)

	platformRoot := t.TempDir()
	confDir := t.TempDir()
	for _, v := range []string{"8.3.22.1709", "8.3.24.1467"} {
		require.NoError(t, os.MkdirAll(filepath.Join(platformRoot, v), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(platformRoot, v, "wsap24.so"), nil, 0o644))
	}
	siteConf := filepath.Join(confDir, "acme.conf")
	require.NoError(t, os.WriteFile(siteConf, []byte(fmt.Sprintf(
		"LoadModule _1cws_module \"%s/8.3.22.1709/wsap24.so\"\nAlias \"/acme\" \"/var/www/acme/\"\n", platformRoot)), 0o644))

	cmd, err := st.EnqueueCommand(ctx, agentID, store.CommandMassUpdateVersions,
		json.RawMessage(`{"sourceVersion":"8.3.22.1709","targetVersion":"8.3.24.1467"}`))
	require.NoError(t, err)

	runner := &clusterRunner{}
	apache := publication.NewApache(publication.Config{PlatformRoot: platformRoot, ApacheConfDir: confDir}, runner)
	loop := monitor.New(monitor.Config{
		AgentID:  agentID,
		Name:     "test-agent",
		Hostname: "srv-test",
		Version:  "test",
		Defaults: store.AgentDefaults{PollIntervalSeconds: 15, RacPath: "/opt/1cv8/x86_64/8.3.24.1467/rac", RasHost: "localhost:1545"},
	}, monitor.Deps{
		Store:    st,
		Commands: commands.NewProcessor(st, apache, nil),
		Metadata: apache,
		System:   idleSystem{},
		Runner:   runner,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- loop.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return !loop.Snapshot().LastPollAt.IsZero()
	}, 20*time.Second, 100*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	t.Run("over limit session terminated", func(t *testing.T) {
		assert.Equal(t, []string{"s-new"}, runner.Terminated())

		var critical int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM events WHERE agent_id = $1 AND severity = 'critical' AND session_id = 's-new'`,
			agentID).Scan(&critical))
		assert.Equal(t, 1, critical)
	})

	t.Run("status and buckets", func(t *testing.T) {
		agent, err := st.GetAgent(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, store.ClusterStatusOnline, agent.ClusterStatus)

		var total int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT total_sessions FROM agent_metric_buckets WHERE agent_id = $1`, agentID).Scan(&total))
		assert.Equal(t, 3, total)

		var active int
		var perDB []byte
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT active_sessions, database_sessions FROM tenant_metric_buckets WHERE agent_id = $1 AND tenant_id = $2`,
			agentID, tenantID).Scan(&active, &perDB))
		assert.Equal(t, 2, active)
		assert.JSONEq(t, `{"acme_main":2}`, string(perDB))

		snap := loop.Snapshot()
		assert.Equal(t, 3, snap.TotalSessions)
		assert.Equal(t, 1, snap.Terminated)
	})

	t.Run("command processed and metadata refreshed", func(t *testing.T) {
		var status string
		var percent int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT status, progress_percent FROM commands WHERE id = $1`, cmd.ID).Scan(&status, &percent))
		assert.Equal(t, string(store.CommandStatusCompleted), status)
		assert.Equal(t, 100, percent)

		data, err := os.ReadFile(siteConf)
		require.NoError(t, err)
		assert.Contains(t, string(data), filepath.Join(platformRoot, "8.3.24.1467", "wsap24.so"))

		var rawApps []byte
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT publications FROM agents WHERE id = $1`, agentID).Scan(&rawApps))
		var apps []store.PublishedApp
		require.NoError(t, json.Unmarshal(rawApps, &apps))
		require.Len(t, apps, 1)
		assert.Equal(t, "8.3.24.1467", apps[0].Version)
	})
}
