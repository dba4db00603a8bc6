package dto

import "time"

type TenantStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	Status         string `json:"status"`
}

type StatusResponse struct {
	AgentID       string         `json:"agent_id"`
	Enabled       bool           `json:"enabled"`
	KillMode      bool           `json:"kill_mode"`
	ClusterStatus string         `json:"cluster_status"`
	ClusterID     string         `json:"cluster_id,omitempty"`
	LastPollAt    *time.Time     `json:"last_poll_at,omitempty"`
	LastFailure   string         `json:"last_failure,omitempty"`
	TotalSessions int            `json:"total_sessions"`
	Terminated    int            `json:"terminated_last_poll"`
	Tenants       []TenantStatus `json:"tenants"`
}
