package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var allCommandStatuses = []CommandStatus{
	CommandStatusPending,
	CommandStatusProcessing,
	CommandStatusCompleted,
	CommandStatusFailed,
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// TouchAgent registers the agent on first contact and refreshes its
// liveness afterwards.
func (p *Postgres) TouchAgent(ctx context.Context, reg Registration) error {
	id, err := parseID(reg.AgentID)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO agents (id, name, hostname, version, poll_interval_seconds, rac_path, ras_host, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(agents.name, ''), EXCLUDED.name),
			hostname = EXCLUDED.hostname,
			version = EXCLUDED.version,
			last_seen_at = EXCLUDED.last_seen_at`,
		id, reg.Name, reg.Hostname, reg.Version,
		reg.Defaults.PollIntervalSeconds, reg.Defaults.RacPath, reg.Defaults.RasHost,
		reg.SeenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID
func (p *Postgres) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	id, err := parseID(agentID)
	if err != nil {
		return nil, err
	}

	var (
		a      Agent
		dbID   pgtype.UUID
		status string
	)
	err = p.pool.QueryRow(ctx, `
		SELECT id, name, hostname, version, enabled, kill_mode, poll_interval_seconds,
			rac_path, ras_host, cluster_user, cluster_password, cluster_status,
			registered_at, last_seen_at
		FROM agents WHERE id = $1`, id,
	).Scan(&dbID, &a.Name, &a.Hostname, &a.Version, &a.Enabled, &a.KillMode, &a.PollIntervalSeconds,
		&a.RacPath, &a.RasHost, &a.ClusterUser, &a.ClusterPassword, &status,
		&a.RegisteredAt, &a.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	a.ID = uuidString(dbID)
	a.ClusterStatus = ClusterStatus(status)
	return &a, nil
}

// LoadTenants returns the agent's tenants with their database bindings.
func (p *Postgres) LoadTenants(ctx context.Context, agentID string) ([]Tenant, error) {
	id, err := parseID(agentID)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, name, max_sessions, status
		FROM tenants WHERE agent_id = $1
		ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	var tenants []Tenant
	index := make(map[string]int)
	for rows.Next() {
		var (
			t      Tenant
			tid    pgtype.UUID
			status string
		)
		if err := rows.Scan(&tid, &t.Name, &t.MaxSessions, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.ID = uuidString(tid)
		t.Status = TenantStatus(status)
		index[t.ID] = len(tenants)
		tenants = append(tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	dbRows, err := p.pool.Query(ctx, `
		SELECT tenant_id, name, remote_id
		FROM tenant_databases WHERE agent_id = $1
		ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant databases: %w", err)
	}
	defer dbRows.Close()

	for dbRows.Next() {
		var (
			d   Database
			tid pgtype.UUID
		)
		if err := dbRows.Scan(&tid, &d.Name, &d.RemoteID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant database: %w", err)
		}
		d.TenantID = uuidString(tid)
		if i, ok := index[d.TenantID]; ok {
			tenants[i].Databases = append(tenants[i].Databases, d)
		}
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load tenant databases: %w", err)
	}

	return tenants, nil
}

func (p *Postgres) UpdateClusterStatus(ctx context.Context, agentID string, status ClusterStatus) error {
	id, err := parseID(agentID)
	if err != nil {
		return err
	}

	if _, err := p.pool.Exec(ctx, `
		UPDATE agents SET
			cluster_status_changed_at = CASE WHEN cluster_status <> $2::text THEN now() ELSE cluster_status_changed_at END,
			cluster_status = $2::text
		WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("failed to update cluster status: %w", err)
	}
	return nil
}

func (p *Postgres) WriteEvent(ctx context.Context, event Event) error {
	id, err := parseID(event.AgentID)
	if err != nil {
		return err
	}

	tenantID := pgtype.UUID{}
	if event.TenantID != "" {
		if parsed, err := uuid.Parse(event.TenantID); err == nil {
			tenantID = pgtype.UUID{Bytes: parsed, Valid: true}
		}
	}

	occurred := event.Time
	if occurred.IsZero() {
		occurred = time.Now()
	}

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO events (agent_id, occurred_at, severity, message, tenant_id, database_name, session_id, user_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, occurred.UTC(), string(event.Severity), event.Message, tenantID,
		event.Database, event.SessionID, event.UserName,
	); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// UpsertMetricBucket writes the agent row and all tenant rows of one bucket
// in a single transaction. Rows for an existing key are overwritten, and
// tenant rows of the bucket missing from tenants are reset to zero sessions.
func (p *Postgres) UpsertMetricBucket(ctx context.Context, agent AgentBucket, tenants []TenantBucket) error {
	id, err := parseID(agent.AgentID)
	if err != nil {
		return err
	}

	disks := []byte(agent.DisksJSON)
	if len(disks) == 0 {
		disks = []byte("[]")
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_metric_buckets
				(agent_id, bucket_start, cluster_status, cpu_percent, memory_used_mb, memory_total_mb, disks, total_sessions, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (agent_id, bucket_start) DO UPDATE SET
				cluster_status = EXCLUDED.cluster_status,
				cpu_percent = EXCLUDED.cpu_percent,
				memory_used_mb = EXCLUDED.memory_used_mb,
				memory_total_mb = EXCLUDED.memory_total_mb,
				disks = EXCLUDED.disks,
				total_sessions = EXCLUDED.total_sessions,
				updated_at = now()`,
			id, agent.BucketStart.UTC(), string(agent.ClusterStatus), agent.CPUPercent,
			agent.MemoryUsedMB, agent.MemoryTotalMB, disks, agent.TotalSessions,
		); err != nil {
			return fmt.Errorf("agent bucket: %w", err)
		}

		written := make([]pgtype.UUID, 0, len(tenants))
		for _, t := range tenants {
			tenantID, err := parseID(t.TenantID)
			if err != nil {
				return err
			}
			written = append(written, tenantID)
			counts := t.DatabaseSessions
			if counts == nil {
				counts = map[string]int{}
			}
			perDatabase, err := json.Marshal(counts)
			if err != nil {
				return fmt.Errorf("marshal database sessions: %w", err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO tenant_metric_buckets
					(agent_id, bucket_start, tenant_id, active_sessions, max_sessions, status, database_sessions, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now())
				ON CONFLICT (agent_id, bucket_start, tenant_id) DO UPDATE SET
					active_sessions = EXCLUDED.active_sessions,
					max_sessions = EXCLUDED.max_sessions,
					status = EXCLUDED.status,
					database_sessions = EXCLUDED.database_sessions,
					updated_at = now()`,
				id, agent.BucketStart.UTC(), tenantID, t.ActiveSessions, t.MaxSessions,
				string(t.Status), perDatabase,
			); err != nil {
				return fmt.Errorf("tenant bucket: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tenant_metric_buckets
			SET active_sessions = 0, database_sessions = '{}'::jsonb, updated_at = now()
			WHERE agent_id = $1 AND bucket_start = $2 AND NOT (tenant_id = ANY($3))
				AND (active_sessions <> 0 OR database_sessions <> '{}'::jsonb)`,
			id, agent.BucketStart.UTC(), written,
		); err != nil {
			return fmt.Errorf("stale tenant buckets: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert metric bucket: %w", err)
	}
	return nil
}

func (p *Postgres) NextPendingCommand(ctx context.Context, agentID string) (*Command, error) {
	id, err := parseID(agentID)
	if err != nil {
		return nil, err
	}

	row := p.pool.QueryRow(ctx, `
		SELECT id, agent_id, type, payload, status, progress_percent, progress_message,
			error_message, created_at, updated_at
		FROM commands
		WHERE agent_id = $1 AND status = 'pending'
		ORDER BY created_at, id
		LIMIT 1`, id)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get next pending command: %w", err)
	}
	return cmd, nil
}

// UpdateCommandStatus moves a command forward. Regressions are rejected
// with ErrInvalidTransition.
func (p *Postgres) UpdateCommandStatus(ctx context.Context, commandID string, status CommandStatus, errorMessage string) error {
	id, err := parseID(commandID)
	if err != nil {
		return err
	}

	var from []string
	for _, s := range allCommandStatuses {
		if s.CanTransition(status) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE commands SET
			status = $2::text,
			error_message = CASE WHEN $3::text = '' THEN error_message ELSE $3::text END,
			started_at = CASE WHEN $2::text = 'processing' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status = ANY($4::text[])`,
		id, string(status), errorMessage, from)
	if err != nil {
		return fmt.Errorf("failed to update command status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = p.pool.QueryRow(ctx, `SELECT status FROM commands WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read command status: %w", err)
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, status)
}

func (p *Postgres) UpdateCommandProgress(ctx context.Context, commandID string, percent int, message string) error {
	id, err := parseID(commandID)
	if err != nil {
		return err
	}

	if _, err := p.pool.Exec(ctx, `
		UPDATE commands SET progress_percent = $2, progress_message = $3, updated_at = now()
		WHERE id = $1`, id, clampPercent(percent), message); err != nil {
		return fmt.Errorf("failed to update command progress: %w", err)
	}
	return nil
}

func (p *Postgres) EnqueueCommand(ctx context.Context, agentID string, commandType CommandType, payload json.RawMessage) (*Command, error) {
	id, err := parseID(agentID)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO commands (agent_id, type, payload, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id, agent_id, type, payload, status, progress_percent, progress_message,
			error_message, created_at, updated_at`,
		id, string(commandType), []byte(payload))

	cmd, err := scanCommand(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}
	return cmd, nil
}

func (p *Postgres) UpdateAgentMetadata(ctx context.Context, agentID string, metadata AgentMetadata) error {
	id, err := parseID(agentID)
	if err != nil {
		return err
	}

	versions := metadata.InstalledVersions
	if versions == nil {
		versions = []string{}
	}
	versionsJSON, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("failed to marshal installed versions: %w", err)
	}
	publications := metadata.Publications
	if publications == nil {
		publications = []PublishedApp{}
	}
	publicationsJSON, err := json.Marshal(publications)
	if err != nil {
		return fmt.Errorf("failed to marshal publications: %w", err)
	}

	updatedAt := metadata.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if _, err := p.pool.Exec(ctx, `
		UPDATE agents SET installed_versions = $2, publications = $3, metadata_updated_at = $4
		WHERE id = $1`, id, versionsJSON, publicationsJSON, updatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to update agent metadata: %w", err)
	}
	return nil
}

func scanCommand(row pgx.Row) (*Command, error) {
	var (
		c        Command
		id       pgtype.UUID
		agentID  pgtype.UUID
		cmdType  string
		status   string
		percent  *int32
		progress *string
		errMsg   *string
	)
	if err := row.Scan(&id, &agentID, &cmdType, &c.Payload, &status, &percent, &progress,
		&errMsg, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.ID = uuidString(id)
	c.AgentID = uuidString(agentID)
	c.Type = CommandType(cmdType)
	c.Status = CommandStatus(status)
	if percent != nil {
		v := int(*percent)
		c.ProgressPercent = &v
	}
	if progress != nil {
		c.ProgressMessage = *progress
	}
	if errMsg != nil {
		c.ErrorMessage = *errMsg
	}
	return &c, nil
}

func parseID(id string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
