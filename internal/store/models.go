package store

import (
	"encoding/json"
	"time"
)

type ClusterStatus string

const (
	ClusterStatusUnknown ClusterStatus = "unknown"
	ClusterStatusOnline  ClusterStatus = "online"
	ClusterStatusOffline ClusterStatus = "offline"
)

type TenantStatus string

const (
	TenantStatusActive  TenantStatus = "active"
	TenantStatusWarning TenantStatus = "warning"
	TenantStatusBlocked TenantStatus = "blocked"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type CommandStatus string

const (
	CommandStatusPending    CommandStatus = "pending"
	CommandStatusProcessing CommandStatus = "processing"
	CommandStatusCompleted  CommandStatus = "completed"
	CommandStatusFailed     CommandStatus = "failed"
)

// CanTransition reports whether a command may move from s to next. Status
// only ever moves forward.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	switch s {
	case CommandStatusPending:
		return next == CommandStatusProcessing || next == CommandStatusFailed
	case CommandStatusProcessing:
		return next == CommandStatusCompleted || next == CommandStatusFailed
	default:
		return false
	}
}

type CommandType string

const (
	CommandPublishNew               CommandType = "PublishNew"
	CommandPublish                  CommandType = "Publish"
	CommandUpdatePublicationVersion CommandType = "UpdatePublicationVersion"
	CommandMassUpdateVersions       CommandType = "MassUpdateVersions"
)

// Agent is the per-installation record. Policy fields are edited by the
// dashboard and re-read by the agent every cycle.
type Agent struct {
	ID                  string
	Name                string
	Hostname            string
	Version             string
	Enabled             bool
	KillMode            bool
	PollIntervalSeconds int
	RacPath             string
	RasHost             string
	ClusterUser         string
	ClusterPassword     string // protected token
	ClusterStatus       ClusterStatus
	RegisteredAt        time.Time
	LastSeenAt          time.Time
}

// Registration is the liveness heartbeat. Defaults seed the policy fields
// only when the agent row does not exist yet.
type Registration struct {
	AgentID  string
	Name     string
	Hostname string
	Version  string
	SeenAt   time.Time
	Defaults AgentDefaults
}

type AgentDefaults struct {
	PollIntervalSeconds int
	RacPath             string
	RasHost             string
}

type Tenant struct {
	ID          string
	Name        string
	MaxSessions int // 0 means unlimited
	Status      TenantStatus
	Databases   []Database
}

type Database struct {
	TenantID string
	Name     string
	RemoteID string
}

type Event struct {
	AgentID   string
	Time      time.Time
	Severity  Severity
	Message   string
	TenantID  string
	Database  string
	SessionID string
	UserName  string
}

type AgentBucket struct {
	AgentID       string
	BucketStart   time.Time
	ClusterStatus ClusterStatus
	CPUPercent    float64
	MemoryUsedMB  int64
	MemoryTotalMB int64
	DisksJSON     string
	TotalSessions int
}

type TenantBucket struct {
	TenantID         string
	ActiveSessions   int
	MaxSessions      int
	Status           TenantStatus
	DatabaseSessions map[string]int
}

type Command struct {
	ID              string
	AgentID         string
	Type            CommandType
	Payload         json.RawMessage
	Status          CommandStatus
	ProgressPercent *int
	ProgressMessage string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PublishedApp struct {
	SiteName     string `json:"siteName"`
	AppPath      string `json:"appPath"`
	PhysicalPath string `json:"physicalPath"`
	Version      string `json:"version"`
}

type AgentMetadata struct {
	InstalledVersions []string
	Publications      []PublishedApp
	UpdatedAt         time.Time
}
