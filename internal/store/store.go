// Package store holds the persisted model shared with the dashboard and the
// port the agent reads and writes it through.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidTransition = errors.New("invalid command status transition")
)

// Store is the persistence port. Implementations must be safe for
// concurrent use; uniqueness of metric buckets is enforced by the backing
// store, not by callers.
type Store interface {
	TouchAgent(ctx context.Context, reg Registration) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	LoadTenants(ctx context.Context, agentID string) ([]Tenant, error)
	UpdateClusterStatus(ctx context.Context, agentID string, status ClusterStatus) error
	WriteEvent(ctx context.Context, event Event) error
	UpsertMetricBucket(ctx context.Context, agent AgentBucket, tenants []TenantBucket) error

	// NextPendingCommand returns the oldest pending command, or nil when the
	// queue is empty.
	NextPendingCommand(ctx context.Context, agentID string) (*Command, error)
	UpdateCommandStatus(ctx context.Context, commandID string, status CommandStatus, errorMessage string) error
	UpdateCommandProgress(ctx context.Context, commandID string, percent int, message string) error
	EnqueueCommand(ctx context.Context, agentID string, commandType CommandType, payload json.RawMessage) (*Command, error)

	UpdateAgentMetadata(ctx context.Context, agentID string, metadata AgentMetadata) error
}
