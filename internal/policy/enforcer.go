// Package policy terminates sessions of blocked tenants and of tenants that
// exceed their session cap.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/stats"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/telemetry"
)

const (
	ReasonBlocked    = "access blocked"
	ReasonOverLimit  = "session limit exceeded"
	unknownUserLabel = "<unknown>"
)

type Terminator interface {
	TerminateSession(ctx context.Context, clusterID, sessionID string) error
}

type EventWriter interface {
	WriteEvent(ctx context.Context, event store.Event) error
}

// Policy is the slice of the agent record that drives enforcement.
type Policy struct {
	AgentID  string
	KillMode bool
}

type Result struct {
	Terminated int
	Failed     int
	Suppressed int // sessions that would have been terminated with kill mode on
}

type Enforcer struct {
	events  EventWriter
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewEnforcer(events EventWriter, metrics *telemetry.Metrics) *Enforcer {
	return &Enforcer{
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enforce walks tenants in order. Within a tenant, sessions are terminated
// newest first; a failed termination never stops the rest of the batch.
func (e *Enforcer) Enforce(ctx context.Context, term Terminator, p Policy, clusterID string, tenants []store.Tenant, sessions []rac.Session, counts map[string]*stats.TenantStats) Result {
	var result Result
	if len(sessions) == 0 {
		return result
	}

	idx := stats.NewIndex(tenants)
	byTenant := make(map[string][]tenantSession)
	for _, s := range sessions {
		b, ok := idx.Resolve(s)
		if !ok {
			continue
		}
		byTenant[b.TenantID] = append(byTenant[b.TenantID], tenantSession{Session: s, database: b.Database})
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return result
		}
		ts := counts[tenant.ID]
		if ts == nil || ts.TotalSessions == 0 {
			continue
		}
		owned := byTenant[tenant.ID]
		newestFirst(owned)

		switch {
		case tenant.Status == store.TenantStatusBlocked:
			e.apply(ctx, term, p, clusterID, tenant, owned, ReasonBlocked,
				fmt.Sprintf("Tenant %s is blocked and has %d active session(s)", tenant.Name, ts.TotalSessions), &result)

		case tenant.MaxSessions > 0 && ts.TotalSessions > tenant.MaxSessions:
			excess := ts.TotalSessions - tenant.MaxSessions
			if excess > len(owned) {
				excess = len(owned)
			}
			e.apply(ctx, term, p, clusterID, tenant, owned[:excess], ReasonOverLimit,
				fmt.Sprintf("Tenant %s has %d active session(s), limit is %d", tenant.Name, ts.TotalSessions, tenant.MaxSessions), &result)
		}
	}
	return result
}

func (e *Enforcer) apply(ctx context.Context, term Terminator, p Policy, clusterID string, tenant store.Tenant, victims []tenantSession, reason, summary string, result *Result) {
	if !p.KillMode {
		result.Suppressed += len(victims)
		e.writeEvent(ctx, store.Event{
			AgentID:  p.AgentID,
			Severity: store.SeverityWarning,
			Message:  fmt.Sprintf("%s; kill mode is off, %d session(s) not terminated", summary, len(victims)),
			TenantID: tenant.ID,
		})
		return
	}

	for _, v := range victims {
		if ctx.Err() != nil {
			return
		}
		user := v.UserName
		if user == "" {
			user = unknownUserLabel
		}

		if err := term.TerminateSession(ctx, clusterID, v.ID); err != nil {
			result.Failed++
			e.metrics.TerminationFailed()
			slog.Warn("Failed to terminate session",
				"tenant", tenant.Name,
				"database", v.database,
				"session_id", v.ID,
				"error", err)
			e.writeEvent(ctx, store.Event{
				AgentID:   p.AgentID,
				Severity:  store.SeverityWarning,
				Message:   fmt.Sprintf("Failed to terminate session of %s in %s (tenant %s): %v", user, v.database, tenant.Name, err),
				TenantID:  tenant.ID,
				Database:  v.database,
				SessionID: v.ID,
				UserName:  v.UserName,
			})
			continue
		}

		result.Terminated++
		e.metrics.SessionTerminated(reason)
		slog.Info("Terminated session",
			"tenant", tenant.Name,
			"database", v.database,
			"session_id", v.ID,
			"user", user,
			"reason", reason)
		e.writeEvent(ctx, store.Event{
			AgentID:   p.AgentID,
			Severity:  store.SeverityCritical,
			Message:   fmt.Sprintf("Terminated session of %s in %s (tenant %s): %s", user, v.database, tenant.Name, reason),
			TenantID:  tenant.ID,
			Database:  v.database,
			SessionID: v.ID,
			UserName:  v.UserName,
		})
	}
}

// writeEvent is best-effort: enforcement continues when the store is down.
func (e *Enforcer) writeEvent(ctx context.Context, event store.Event) {
	if event.Time.IsZero() {
		event.Time = e.now().UTC()
	}
	if err := e.events.WriteEvent(ctx, event); err != nil {
		slog.Debug("Failed to write event", "message", event.Message, "error", err)
	}
}

type tenantSession struct {
	rac.Session
	database string
}

func newestFirst(sessions []tenantSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
