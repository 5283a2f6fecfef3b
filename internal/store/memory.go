package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu sync.RWMutex

	environments map[string]*Environment
	versions     map[string]*SnapshotVersion
	taskRuns     map[string]*TaskRun
	activity     []ActivityRecord
	sessions     map[string]*Session
	members      map[string]bool // teamID/userID
	connections  []ProviderConnection
	apiKeys      []APIKey
	workspaces   map[string]*WorkspaceSettings // teamID/repoFullName
	nextActivity int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		environments: make(map[string]*Environment),
		versions:     make(map[string]*SnapshotVersion),
		taskRuns:     make(map[string]*TaskRun),
		sessions:     make(map[string]*Session),
		members:      make(map[string]bool),
		workspaces:   make(map[string]*WorkspaceSettings),
	}
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }

func copyEnvironment(env *Environment) *Environment {
	out := *env
	out.SelectedRepos = append(StringList(nil), env.SelectedRepos...)
	out.ExposedPorts = append(IntList(nil), env.ExposedPorts...)
	return &out
}

func copyVersion(v *SnapshotVersion) *SnapshotVersion {
	out := *v
	return &out
}

func copyTaskRun(run *TaskRun) *TaskRun {
	out := *run
	if run.VSCode != nil {
		info := *run.VSCode
		out.VSCode = &info
	}
	out.Networking = append(NetworkingJSON(nil), run.Networking...)
	out.DiscoveredRepos = append(StringList(nil), run.DiscoveredRepos...)
	return &out
}

// --- Environments ---

// CreateEnvironment implements Store.
func (m *Memory) CreateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if _, ok := m.environments[env.ID]; ok {
		return fmt.Errorf("%w: environment %s", ErrConflict, env.ID)
	}
	now := time.Now().UTC()
	env.CreatedAt, env.UpdatedAt = now, now
	m.environments[env.ID] = copyEnvironment(env)
	return nil
}

// GetEnvironment implements Store.
func (m *Memory) GetEnvironment(_ context.Context, id string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.environments[id]
	if !ok {
		return nil, fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	return copyEnvironment(env), nil
}

// ListEnvironments implements Store.
func (m *Memory) ListEnvironments(_ context.Context, teamID string) ([]Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Environment
	for _, env := range m.environments {
		if env.TeamID == teamID {
			out = append(out, *copyEnvironment(env))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateEnvironment implements Store.
func (m *Memory) UpdateEnvironment(_ context.Context, id string, update EnvironmentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	if update.Name != nil {
		env.Name = *update.Name
	}
	if update.SnapshotID != nil {
		env.SnapshotID = *update.SnapshotID
	}
	if update.SnapshotProvider != nil {
		env.SnapshotProvider = *update.SnapshotProvider
	}
	if update.TemplateVMID != nil {
		env.TemplateVMID = *update.TemplateVMID
	}
	if update.DataVaultKey != nil {
		env.DataVaultKey = *update.DataVaultKey
	}
	if update.SelectedRepos != nil {
		env.SelectedRepos = append(StringList(nil), *update.SelectedRepos...)
	}
	if update.MaintenanceScript != nil {
		env.MaintenanceScript = *update.MaintenanceScript
	}
	if update.DevScript != nil {
		env.DevScript = *update.DevScript
	}
	env.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateEnvironmentExposedPorts implements Store.
func (m *Memory) UpdateEnvironmentExposedPorts(_ context.Context, id string, ports []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	env.ExposedPorts = append(IntList(nil), ports...)
	env.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteEnvironment implements Store. Versions cascade like the SQL schema.
func (m *Memory) DeleteEnvironment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.environments[id]; !ok {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	delete(m.environments, id)
	for vid, v := range m.versions {
		if v.EnvironmentID == id {
			delete(m.versions, vid)
		}
	}
	return nil
}

// FindEnvironmentBySnapshotID implements Store.
func (m *Memory) FindEnvironmentBySnapshotID(_ context.Context, teamID, snapshotID string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Environment
	for _, env := range m.environments {
		if env.TeamID != teamID || env.SnapshotID != snapshotID {
			continue
		}
		if best == nil || env.UpdatedAt.After(best.UpdatedAt) {
			best = env
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: environment with snapshot %s", ErrNotFound, snapshotID)
	}
	return copyEnvironment(best), nil
}

// --- Snapshot versions ---

// ListSnapshotVersions implements Store.
func (m *Memory) ListSnapshotVersions(_ context.Context, environmentID string) ([]SnapshotVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SnapshotVersion
	for _, v := range m.versions {
		if v.EnvironmentID == environmentID {
			out = append(out, *copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// CreateSnapshotVersion implements Store.
func (m *Memory) CreateSnapshotVersion(_ context.Context, v *SnapshotVersion, activate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	max := 0
	for _, existing := range m.versions {
		if existing.EnvironmentID == v.EnvironmentID && existing.Version > max {
			max = existing.Version
		}
	}
	v.Version = max + 1
	v.IsActive = activate
	v.CreatedAt = time.Now().UTC()
	if activate {
		for _, existing := range m.versions {
			if existing.EnvironmentID == v.EnvironmentID {
				existing.IsActive = false
			}
		}
	}
	m.versions[v.ID] = copyVersion(v)
	return nil
}

// ActivateSnapshotVersion implements Store.
func (m *Memory) ActivateSnapshotVersion(_ context.Context, environmentID, versionID string) (*SnapshotVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.versions[versionID]
	if !ok || target.EnvironmentID != environmentID {
		return nil, fmt.Errorf("%w: snapshot version %s", ErrNotFound, versionID)
	}
	for _, existing := range m.versions {
		if existing.EnvironmentID == environmentID {
			existing.IsActive = false
		}
	}
	target.IsActive = true
	return copyVersion(target), nil
}

// FindSnapshotVersionBySnapshotID implements Store.
func (m *Memory) FindSnapshotVersionBySnapshotID(_ context.Context, teamID, snapshotID, snapshotProvider string) (*SnapshotVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *SnapshotVersion
	for _, v := range m.versions {
		env, ok := m.environments[v.EnvironmentID]
		if !ok || env.TeamID != teamID || v.SnapshotID != snapshotID {
			continue
		}
		if snapshotProvider != "" && v.SnapshotProvider != snapshotProvider {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: snapshot version for %s", ErrNotFound, snapshotID)
	}
	return copyVersion(best), nil
}

// --- Task runs ---

// PutTaskRun seeds a task run. Test helper; the control plane never
// creates runs itself.
func (m *Memory) PutTaskRun(run *TaskRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	m.taskRuns[run.ID] = copyTaskRun(run)
}

// GetTaskRun implements Store.
func (m *Memory) GetTaskRun(_ context.Context, id string) (*TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.taskRuns[id]
	if !ok {
		return nil, fmt.Errorf("%w: task run %s", ErrNotFound, id)
	}
	return copyTaskRun(run), nil
}

func (m *Memory) mutateTaskRun(id string, mutate func(*TaskRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.taskRuns[id]
	if !ok {
		return fmt.Errorf("%w: task run %s", ErrNotFound, id)
	}
	mutate(run)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateTaskRunVSCode implements Store.
func (m *Memory) UpdateTaskRunVSCode(_ context.Context, id string, info *VSCodeInfo) error {
	return m.mutateTaskRun(id, func(run *TaskRun) {
		if info == nil {
			run.VSCode = nil
			return
		}
		copied := VSCodeJSON(*info)
		run.VSCode = &copied
	})
}

// UpdateTaskRunVSCodeStatus implements Store.
func (m *Memory) UpdateTaskRunVSCodeStatus(_ context.Context, id, status string) error {
	err := m.mutateTaskRun(id, func(run *TaskRun) {
		if run.VSCode != nil {
			run.VSCode.Status = status
		}
	})
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if run := m.taskRuns[id]; run.VSCode == nil {
		return fmt.Errorf("%w: task run %s (or no vscode info)", ErrNotFound, id)
	}
	return nil
}

// UpdateTaskRunDiscoveredRepos implements Store.
func (m *Memory) UpdateTaskRunDiscoveredRepos(_ context.Context, id string, repos []string) error {
	return m.mutateTaskRun(id, func(run *TaskRun) {
		run.DiscoveredRepos = append(StringList(nil), repos...)
	})
}

// UpdateTaskRunStartingCommit implements Store.
func (m *Memory) UpdateTaskRunStartingCommit(_ context.Context, id, sha string) error {
	return m.mutateTaskRun(id, func(run *TaskRun) { run.StartingCommitSHA = sha })
}

// UpdateTaskRunNetworking implements Store.
func (m *Memory) UpdateTaskRunNetworking(_ context.Context, id string, services []PortService) error {
	return m.mutateTaskRun(id, func(run *TaskRun) {
		run.Networking = append(NetworkingJSON(nil), services...)
	})
}

// UpdateTaskRunEnvironmentError implements Store.
func (m *Memory) UpdateTaskRunEnvironmentError(_ context.Context, id, message string) error {
	return m.mutateTaskRun(id, func(run *TaskRun) { run.EnvironmentError = message })
}

// --- Sandbox activity ---

// RecordSandboxActivity implements Store.
func (m *Memory) RecordSandboxActivity(_ context.Context, rec *ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextActivity++
	rec.ID = m.nextActivity
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.activity = append(m.activity, *rec)
	return nil
}

// ListSandboxActivity implements Store.
func (m *Memory) ListSandboxActivity(_ context.Context, teamID string, since time.Time) ([]ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActivityRecord
	for _, rec := range m.activity {
		if rec.TeamID == teamID && !rec.At.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

// --- Identity and tenancy ---

// PutSession seeds a session. Test helper.
func (m *Memory) PutSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
}

// GetSessionByToken implements Store.
func (m *Memory) GetSessionByToken(_ context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	copied := *s
	return &copied, nil
}

// AddTeamMember seeds a membership. Test helper.
func (m *Memory) AddTeamMember(teamID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[teamID+"/"+userID] = true
}

// IsTeamMember implements Store.
func (m *Memory) IsTeamMember(_ context.Context, teamID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[teamID+"/"+userID], nil
}

// --- Code-host connections and stored keys ---

// AddProviderConnection seeds a connection. Test helper.
func (m *Memory) AddProviderConnection(conn ProviderConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, conn)
}

// ListProviderConnections implements Store.
func (m *Memory) ListProviderConnections(_ context.Context, teamID string) ([]ProviderConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProviderConnection
	for _, conn := range m.connections {
		if conn.TeamID == teamID && conn.IsActive {
			out = append(out, conn)
		}
	}
	return out, nil
}

// AddAPIKey seeds a stored key. Test helper.
func (m *Memory) AddAPIKey(key APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys = append(m.apiKeys, key)
}

// GetAPIKeys implements Store.
func (m *Memory) GetAPIKeys(_ context.Context, teamID string) ([]APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []APIKey
	for _, key := range m.apiKeys {
		if key.TeamID == teamID {
			out = append(out, key)
		}
	}
	return out, nil
}

// GetAgentAPIKeys implements Store.
func (m *Memory) GetAgentAPIKeys(_ context.Context, teamID string) ([]APIKey, error) {
	keys, _ := m.GetAPIKeys(nil, teamID)
	out := keys[:0]
	for _, key := range keys {
		if key.ForAgents {
			out = append(out, key)
		}
	}
	return out, nil
}

// PutWorkspaceSettings seeds settings. Test helper.
func (m *Memory) PutWorkspaceSettings(ws *WorkspaceSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[strings.ToLower(ws.TeamID+"/"+ws.RepoFullName)] = ws
}

// GetWorkspaceSettings implements Store.
func (m *Memory) GetWorkspaceSettings(_ context.Context, teamID, repoFullName string) (*WorkspaceSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[strings.ToLower(teamID+"/"+repoFullName)]
	if !ok {
		return nil, fmt.Errorf("%w: workspace settings for %s", ErrNotFound, repoFullName)
	}
	copied := *ws
	return &copied, nil
}
