package tests

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/rac-sentinel/internal/store"
)

// newAgent registers a fresh agent so subtests never share rows.
func newAgent(t *testing.T, st *store.Postgres) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, st.TouchAgent(context.Background(), store.Registration{
		AgentID:  id,
		Name:     "test-agent",
		Hostname: "srv-test",
		Version:  "test",
		SeenAt:   time.Now(),
		Defaults: store.AgentDefaults{
			PollIntervalSeconds: 15,
			RacPath:             "/opt/1cv8/x86_64/8.3.24.1467/rac",
			RasHost:             "localhost:1545",
		},
	}))
	return id
}

func seedTenant(t *testing.T, pool *pgxpool.Pool, agentID, name string, maxSessions int, status store.TenantStatus, databases ...string) string {
	t.Helper()
	ctx := context.Background()

	var tenantID string
	err := pool.QueryRow(ctx, `
		INSERT INTO tenants (agent_id, name, max_sessions, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text`, agentID, name, maxSessions, string(status)).Scan(&tenantID)
	require.NoError(t, err)

	for _, db := range databases {
		_, err := pool.Exec(ctx, `
			INSERT INTO tenant_databases (tenant_id, agent_id, name)
			VALUES ($1, $2, $3)`, tenantID, agentID, db)
		require.NoError(t, err)
	}
	return tenantID
}
