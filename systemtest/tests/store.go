package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/rac-sentinel/internal/metrics"
	"github.com/EternisAI/rac-sentinel/internal/store"
)

func TestAgentLifecycle(t *testing.T, st *store.Postgres, pool *pgxpool.Pool) {
	ctx := context.Background()
	agentID := newAgent(t, st)

	t.Run("registration seeds policy", func(t *testing.T) {
		agent, err := st.GetAgent(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, agent.Enabled)
		assert.False(t, agent.KillMode)
		assert.Equal(t, 15, agent.PollIntervalSeconds)
		assert.Equal(t, "localhost:1545", agent.RasHost)
		assert.Equal(t, store.ClusterStatusUnknown, agent.ClusterStatus)
	})

	t.Run("heartbeat keeps dashboard edits", func(t *testing.T) {
		_, err := pool.Exec(ctx, `UPDATE agents SET ras_host = 'srv:2545', kill_mode = true WHERE id = $1`, agentID)
		require.NoError(t, err)

		require.NoError(t, st.TouchAgent(ctx, store.Registration{
			AgentID:  agentID,
			Hostname: "srv-renamed",
			Version:  "2",
			SeenAt:   time.Now(),
			Defaults: store.AgentDefaults{RasHost: "localhost:1545", PollIntervalSeconds: 99},
		}))

		agent, err := st.GetAgent(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, "srv:2545", agent.RasHost)
		assert.True(t, agent.KillMode)
		assert.Equal(t, 15, agent.PollIntervalSeconds)
		assert.Equal(t, "srv-renamed", agent.Hostname)
		assert.Equal(t, "test-agent", agent.Name)
	})

	t.Run("cluster status", func(t *testing.T) {
		require.NoError(t, st.UpdateClusterStatus(ctx, agentID, store.ClusterStatusOnline))
		agent, err := st.GetAgent(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, store.ClusterStatusOnline, agent.ClusterStatus)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := st.GetAgent(ctx, uuid.New().String())
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = st.GetAgent(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, store.ErrInvalidID)
	})

	t.Run("tenants and events", func(t *testing.T) {
		tenantID := seedTenant(t, pool, agentID, "Acme", 5, store.TenantStatusBlocked, "Acme_Main", "acme_hr")

		tenants, err := st.LoadTenants(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, tenants, 1)
		assert.Equal(t, tenantID, tenants[0].ID)
		assert.Equal(t, store.TenantStatusBlocked, tenants[0].Status)
		assert.Len(t, tenants[0].Databases, 2)

		_, err = pool.Exec(ctx, `INSERT INTO tenant_databases (tenant_id, agent_id, name) VALUES ($1, $2, 'ACME_MAIN')`, tenantID, agentID)
		assert.Error(t, err, "database names are unique per agent regardless of case")

		require.NoError(t, st.WriteEvent(ctx, store.Event{
			AgentID:   agentID,
			Severity:  store.SeverityCritical,
			Message:   "Terminated session",
			TenantID:  tenantID,
			Database:  "Acme_Main",
			SessionID: "s-1",
			UserName:  "alice",
		}))
		var count int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM events WHERE agent_id = $1 AND severity = 'critical' AND tenant_id = $2`,
			agentID, tenantID).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("metadata", func(t *testing.T) {
		require.NoError(t, st.UpdateAgentMetadata(ctx, agentID, store.AgentMetadata{
			InstalledVersions: []string{"8.3.22.1709", "8.3.24.1467"},
			Publications:      []store.PublishedApp{{SiteName: "acme", AppPath: "/acme", Version: "8.3.24.1467"}},
		}))

		var versions []string
		var apps []store.PublishedApp
		var rawVersions, rawApps []byte
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT installed_versions, publications FROM agents WHERE id = $1`, agentID).Scan(&rawVersions, &rawApps))
		require.NoError(t, json.Unmarshal(rawVersions, &versions))
		require.NoError(t, json.Unmarshal(rawApps, &apps))
		assert.Equal(t, []string{"8.3.22.1709", "8.3.24.1467"}, versions)
		require.Len(t, apps, 1)
		assert.Equal(t, "/acme", apps[0].AppPath)
	})
}

func TestMetricBuckets(t *testing.T, st *store.Postgres, pool *pgxpool.Pool) {
	ctx := context.Background()
	agentID := newAgent(t, st)
	tenantID := seedTenant(t, pool, agentID, "Acme", 3, store.TenantStatusActive, "acme")
	writer := metrics.NewWriter(st)

	first := time.Date(2024, 5, 1, 12, 34, 10, 0, time.UTC)
	second := time.Date(2024, 5, 1, 12, 34, 55, 0, time.UTC)

	require.NoError(t, writer.Write(ctx, first,
		store.AgentBucket{AgentID: agentID, ClusterStatus: store.ClusterStatusOnline, TotalSessions: 2},
		[]store.TenantBucket{{TenantID: tenantID, ActiveSessions: 2, MaxSessions: 3, Status: store.TenantStatusActive,
			DatabaseSessions: map[string]int{"acme": 2}}},
		metrics.Propagate))
	require.NoError(t, writer.Write(ctx, second,
		store.AgentBucket{AgentID: agentID, ClusterStatus: store.ClusterStatusOnline, TotalSessions: 4, DisksJSON: `[{"name":"/","totalGB":100,"freeGB":40}]`},
		[]store.TenantBucket{{TenantID: tenantID, ActiveSessions: 4, MaxSessions: 3, Status: store.TenantStatusActive,
			DatabaseSessions: map[string]int{"acme": 4}}},
		metrics.Propagate))

	var (
		rows   int
		start  time.Time
		total  int
		active int
		perDB  []byte
	)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*), min(bucket_start), max(total_sessions) FROM agent_metric_buckets WHERE agent_id = $1`,
		agentID).Scan(&rows, &start, &total))
	assert.Equal(t, 1, rows)
	assert.True(t, start.Equal(time.Date(2024, 5, 1, 12, 34, 0, 0, time.UTC)))
	assert.Equal(t, 4, total)

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) OVER (), active_sessions, database_sessions FROM tenant_metric_buckets WHERE agent_id = $1`,
		agentID).Scan(&rows, &active, &perDB))
	assert.Equal(t, 1, rows)
	assert.Equal(t, 4, active)
	assert.JSONEq(t, `{"acme":4}`, string(perDB))

	require.NoError(t, writer.Write(ctx, second.Add(2*time.Second),
		store.AgentBucket{AgentID: agentID, ClusterStatus: store.ClusterStatusUnknown},
		nil, metrics.Propagate))

	var status string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT cluster_status, total_sessions FROM agent_metric_buckets WHERE agent_id = $1`,
		agentID).Scan(&status, &total))
	assert.Equal(t, string(store.ClusterStatusUnknown), status)
	assert.Equal(t, 0, total)

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT active_sessions, database_sessions FROM tenant_metric_buckets WHERE agent_id = $1 AND tenant_id = $2`,
		agentID, tenantID).Scan(&active, &perDB))
	assert.Equal(t, 0, active, "a failed poll in the same minute resets tenant rows")
	assert.JSONEq(t, `{}`, string(perDB))

	err := writer.Write(ctx, second,
		store.AgentBucket{AgentID: agentID},
		[]store.TenantBucket{{TenantID: uuid.New().String(), Status: store.TenantStatusActive}},
		metrics.Propagate)
	assert.Error(t, err, "unknown tenant violates the foreign key")

	err = writer.Write(ctx, second,
		store.AgentBucket{AgentID: agentID},
		[]store.TenantBucket{{TenantID: uuid.New().String(), Status: store.TenantStatusActive}},
		metrics.Swallow)
	assert.NoError(t, err)
}

func TestCommandQueue(t *testing.T, st *store.Postgres) {
	ctx := context.Background()
	agentID := newAgent(t, st)

	first, err := st.EnqueueCommand(ctx, agentID, store.CommandMassUpdateVersions, json.RawMessage(`{"targetVersion":"8.3.24.1467"}`))
	require.NoError(t, err)
	assert.Equal(t, store.CommandStatusPending, first.Status)
	_, err = st.EnqueueCommand(ctx, agentID, store.CommandPublish, nil)
	require.NoError(t, err)

	next, err := st.NextPendingCommand(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)
	assert.JSONEq(t, `{"targetVersion":"8.3.24.1467"}`, string(next.Payload))

	require.NoError(t, st.UpdateCommandStatus(ctx, first.ID, store.CommandStatusProcessing, ""))
	require.NoError(t, st.UpdateCommandProgress(ctx, first.ID, 140, "Updated 3/3, ok 3"))
	require.NoError(t, st.UpdateCommandStatus(ctx, first.ID, store.CommandStatusCompleted, ""))

	err = st.UpdateCommandStatus(ctx, first.ID, store.CommandStatusProcessing, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = st.UpdateCommandStatus(ctx, uuid.New().String(), store.CommandStatusProcessing, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	next, err = st.NextPendingCommand(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, store.CommandPublish, next.Type)

	require.NoError(t, st.UpdateCommandStatus(ctx, next.ID, store.CommandStatusFailed, "webinst exited with code 1"))

	next, err = st.NextPendingCommand(ctx, agentID)
	require.NoError(t, err)
	assert.Nil(t, next)
}
