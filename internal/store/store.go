// Package store defines the durable metadata contract for bullpen:
// environments, snapshot versions, task runs, sandbox activity, sessions,
// and team membership. The Postgres implementation is the production store;
// the memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a mutation loses a uniqueness race.
	ErrConflict = errors.New("store: conflict")
)

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Environment is a reusable (snapshot, env-vars, scripts, ports, repos)
// bundle owned by one team.
type Environment struct {
	ID                string     `db:"id" json:"id"`
	TeamID            string     `db:"team_id" json:"teamId"`
	Name              string     `db:"name" json:"name"`
	SnapshotID        string     `db:"snapshot_id" json:"snapshotId,omitempty"`
	SnapshotProvider  string     `db:"snapshot_provider" json:"snapshotProvider,omitempty"`
	TemplateVMID      int        `db:"template_vmid" json:"templateVmid,omitempty"`
	DataVaultKey      string     `db:"data_vault_key" json:"-"`
	SelectedRepos     StringList `db:"selected_repos" json:"selectedRepos,omitempty"`
	MaintenanceScript string     `db:"maintenance_script" json:"maintenanceScript,omitempty"`
	DevScript         string     `db:"dev_script" json:"devScript,omitempty"`
	ExposedPorts      IntList    `db:"exposed_ports" json:"exposedPorts,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// EnvironmentUpdate carries a partial environment edit. Nil fields are left
// unchanged.
type EnvironmentUpdate struct {
	Name              *string
	SnapshotID        *string
	SnapshotProvider  *string
	TemplateVMID      *int
	DataVaultKey      *string
	SelectedRepos     *StringList
	MaintenanceScript *string
	DevScript         *string
}

// SnapshotVersion is one append-only history element of an environment's
// snapshot. At most one version per environment is active.
type SnapshotVersion struct {
	ID                string    `db:"id" json:"id"`
	EnvironmentID     string    `db:"environment_id" json:"environmentId"`
	Version           int       `db:"version" json:"version"`
	SnapshotID        string    `db:"snapshot_id" json:"snapshotId"`
	SnapshotProvider  string    `db:"snapshot_provider" json:"snapshotProvider"`
	TemplateVMID      int       `db:"template_vmid" json:"templateVmid,omitempty"`
	CreatedByUserID   string    `db:"created_by_user_id" json:"createdByUserId"`
	Label             string    `db:"label" json:"label,omitempty"`
	IsActive          bool      `db:"is_active" json:"isActive"`
	MaintenanceScript string    `db:"maintenance_script" json:"maintenanceScript,omitempty"`
	DevScript         string    `db:"dev_script" json:"devScript,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// VSCodeInfo is the task run's view of its sandbox editor.
type VSCodeInfo struct {
	Provider      string    `json:"provider"`
	ContainerName string    `json:"containerName"`
	Status        string    `json:"status"`
	URL           string    `json:"url"`
	WorkspaceURL  string    `json:"workspaceUrl"`
	WorkerURL     string    `json:"workerUrl,omitempty"`
	VNCURL        string    `json:"vncUrl,omitempty"`
	XtermURL      string    `json:"xtermUrl,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

// PortService mirrors one exposed user port on a task run.
type PortService struct {
	Status string `json:"status"`
	Port   int    `json:"port"`
	URL    string `json:"url"`
}

// TaskRun carries the fields of a run this service touches. The run itself
// is owned by a higher layer.
type TaskRun struct {
	ID                string       `db:"id" json:"id"`
	TeamID            string       `db:"team_id" json:"teamId"`
	UserID            string       `db:"user_id" json:"userId"`
	VSCode            *VSCodeJSON  `db:"vscode" json:"vscode,omitempty"`
	StartingCommitSHA string       `db:"starting_commit_sha" json:"startingCommitSha,omitempty"`
	Networking        NetworkingJSON `db:"networking" json:"networking,omitempty"`
	DiscoveredRepos   StringList   `db:"discovered_repos" json:"discoveredRepos,omitempty"`
	EnvironmentError  string       `db:"environment_error" json:"environmentError,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updatedAt"`
}

// ActivityKind tags a sandbox activity record.
type ActivityKind string

const (
	ActivityCreate ActivityKind = "create"
	ActivityResume ActivityKind = "resume"
)

// ActivityRecord is one create/resume event for the external idle GC.
type ActivityRecord struct {
	ID               int64        `db:"id" json:"id"`
	InstanceID       string       `db:"instance_id" json:"instanceId"`
	Provider         string       `db:"provider" json:"provider"`
	TemplateVMID     int          `db:"template_vmid" json:"templateVmid,omitempty"`
	SnapshotID       string       `db:"snapshot_id" json:"snapshotId,omitempty"`
	SnapshotProvider string       `db:"snapshot_provider" json:"snapshotProvider,omitempty"`
	TeamID           string       `db:"team_id" json:"teamId"`
	Kind             ActivityKind `db:"kind" json:"kind"`
	At               time.Time    `db:"at" json:"at"`
}

// Session maps a caller credential to an identity. AccessToken is the
// user's code-host OAuth token, used as the git-auth fallback.
type Session struct {
	Token       string    `db:"token" json:"-"`
	UserID      string    `db:"user_id" json:"userId"`
	AccessToken string    `db:"access_token" json:"-"`
	ExpiresAt   time.Time `db:"expires_at" json:"expiresAt"`
}

// ProviderConnection is one code-host App installation visible to a team.
type ProviderConnection struct {
	TeamID         string `db:"team_id" json:"teamId"`
	InstallationID int64  `db:"installation_id" json:"installationId"`
	AccountLogin   string `db:"account_login" json:"accountLogin"`
	AccountType    string `db:"account_type" json:"accountType"`
	IsActive       bool   `db:"is_active" json:"isActive"`
}

// APIKey is a provider credential a team has stored for in-sandbox use.
type APIKey struct {
	TeamID    string `db:"team_id" json:"teamId"`
	Name      string `db:"name" json:"name"`
	Value     string `db:"value" json:"-"`
	ForAgents bool   `db:"for_agents" json:"forAgents"`
}

// WorkspaceSettings is the per-repo configuration for cloud workspaces.
type WorkspaceSettings struct {
	TeamID              string `db:"team_id" json:"teamId"`
	RepoFullName        string `db:"repo_full_name" json:"repoFullName"`
	MaintenanceScript   string `db:"maintenance_script" json:"maintenanceScript,omitempty"`
	EnvVarsDataVaultKey string `db:"env_vars_data_vault_key" json:"-"`
}

// Store is the full metadata contract. All implementations are safe for
// concurrent use; cross-record invariants (one active snapshot version) are
// enforced inside single mutations.
type Store interface {
	// Environments
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, teamID string) ([]Environment, error)
	UpdateEnvironment(ctx context.Context, id string, update EnvironmentUpdate) error
	UpdateEnvironmentExposedPorts(ctx context.Context, id string, ports []int) error
	DeleteEnvironment(ctx context.Context, id string) error
	FindEnvironmentBySnapshotID(ctx context.Context, teamID, snapshotID string) (*Environment, error)

	// Snapshot versions
	ListSnapshotVersions(ctx context.Context, environmentID string) ([]SnapshotVersion, error)
	CreateSnapshotVersion(ctx context.Context, v *SnapshotVersion, activate bool) error
	ActivateSnapshotVersion(ctx context.Context, environmentID, versionID string) (*SnapshotVersion, error)
	FindSnapshotVersionBySnapshotID(ctx context.Context, teamID, snapshotID, snapshotProvider string) (*SnapshotVersion, error)

	// Task runs
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	UpdateTaskRunVSCode(ctx context.Context, id string, info *VSCodeInfo) error
	UpdateTaskRunVSCodeStatus(ctx context.Context, id, status string) error
	UpdateTaskRunDiscoveredRepos(ctx context.Context, id string, repos []string) error
	UpdateTaskRunStartingCommit(ctx context.Context, id, sha string) error
	UpdateTaskRunNetworking(ctx context.Context, id string, services []PortService) error
	UpdateTaskRunEnvironmentError(ctx context.Context, id, message string) error

	// Sandbox activity
	RecordSandboxActivity(ctx context.Context, rec *ActivityRecord) error
	ListSandboxActivity(ctx context.Context, teamID string, since time.Time) ([]ActivityRecord, error)

	// Identity and tenancy
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)

	// Code-host connections and stored keys
	ListProviderConnections(ctx context.Context, teamID string) ([]ProviderConnection, error)
	GetAPIKeys(ctx context.Context, teamID string) ([]APIKey, error)
	GetAgentAPIKeys(ctx context.Context, teamID string) ([]APIKey, error)

	// Cloud workspace settings
	GetWorkspaceSettings(ctx context.Context, teamID, repoFullName string) (*WorkspaceSettings, error)

	// Ping reports connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
