package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Postgres is the production Store backed by sqlx over pgx.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the metadata database.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Close implements Store.
func (p *Postgres) Close() error { return p.db.Close() }

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// --- Environments ---

const environmentColumns = `id, team_id, name, snapshot_id, snapshot_provider, template_vmid,
	data_vault_key, selected_repos, maintenance_script, dev_script, exposed_ports,
	created_at, updated_at`

// CreateEnvironment implements Store. An empty ID is assigned.
func (p *Postgres) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	env.CreatedAt, env.UpdatedAt = now, now

	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO environments (`+environmentColumns+`)
		VALUES (:id, :team_id, :name, :snapshot_id, :snapshot_provider, :template_vmid,
			:data_vault_key, :selected_repos, :maintenance_script, :dev_script, :exposed_ports,
			:created_at, :updated_at)`, env)
	if err != nil {
		return fmt.Errorf("creating environment: %w", err)
	}
	return nil
}

// GetEnvironment implements Store.
func (p *Postgres) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	var env Environment
	err := p.db.GetContext(ctx, &env, `
		SELECT `+environmentColumns+` FROM environments WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "environment "+id)
	}
	return &env, nil
}

// ListEnvironments implements Store.
func (p *Postgres) ListEnvironments(ctx context.Context, teamID string) ([]Environment, error) {
	var envs []Environment
	err := p.db.SelectContext(ctx, &envs, `
		SELECT `+environmentColumns+` FROM environments
		WHERE team_id = $1 ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	return envs, nil
}

// UpdateEnvironment implements Store. Only non-nil fields change.
func (p *Postgres) UpdateEnvironment(ctx context.Context, id string, update EnvironmentUpdate) error {
	sets := []string{"updated_at = :updated_at"}
	args := map[string]interface{}{
		"id":         id,
		"updated_at": time.Now().UTC(),
	}

	set := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = :%s", column, column))
		args[column] = value
	}
	if update.Name != nil {
		set("name", *update.Name)
	}
	if update.SnapshotID != nil {
		set("snapshot_id", *update.SnapshotID)
	}
	if update.SnapshotProvider != nil {
		set("snapshot_provider", *update.SnapshotProvider)
	}
	if update.TemplateVMID != nil {
		set("template_vmid", *update.TemplateVMID)
	}
	if update.DataVaultKey != nil {
		set("data_vault_key", *update.DataVaultKey)
	}
	if update.SelectedRepos != nil {
		set("selected_repos", *update.SelectedRepos)
	}
	if update.MaintenanceScript != nil {
		set("maintenance_script", *update.MaintenanceScript)
	}
	if update.DevScript != nil {
		set("dev_script", *update.DevScript)
	}

	res, err := p.db.NamedExecContext(ctx,
		"UPDATE environments SET "+strings.Join(sets, ", ")+" WHERE id = :id", args)
	if err != nil {
		return fmt.Errorf("updating environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	return nil
}

// UpdateEnvironmentExposedPorts implements Store.
func (p *Postgres) UpdateEnvironmentExposedPorts(ctx context.Context, id string, ports []int) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE environments SET exposed_ports = $2, updated_at = $3 WHERE id = $1`,
		id, IntList(ports), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating exposed ports: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	return nil
}

// DeleteEnvironment implements Store. Snapshot versions cascade.
func (p *Postgres) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	return nil
}

// FindEnvironmentBySnapshotID implements Store.
func (p *Postgres) FindEnvironmentBySnapshotID(ctx context.Context, teamID, snapshotID string) (*Environment, error) {
	var env Environment
	err := p.db.GetContext(ctx, &env, `
		SELECT `+environmentColumns+` FROM environments
		WHERE team_id = $1 AND snapshot_id = $2
		ORDER BY updated_at DESC LIMIT 1`, teamID, snapshotID)
	if err != nil {
		return nil, notFoundOr(err, "environment with snapshot "+snapshotID)
	}
	return &env, nil
}

// --- Snapshot versions ---

const versionColumns = `id, environment_id, version, snapshot_id, snapshot_provider, template_vmid,
	created_by_user_id, label, is_active, maintenance_script, dev_script, created_at`

// ListSnapshotVersions implements Store. Newest version first.
func (p *Postgres) ListSnapshotVersions(ctx context.Context, environmentID string) ([]SnapshotVersion, error) {
	var versions []SnapshotVersion
	err := p.db.SelectContext(ctx, &versions, `
		SELECT `+versionColumns+` FROM environment_snapshots
		WHERE environment_id = $1 ORDER BY version DESC`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot versions: %w", err)
	}
	return versions, nil
}

// CreateSnapshotVersion implements Store. The version number and the
// single-active invariant are settled inside one transaction.
func (p *Postgres) CreateSnapshotVersion(ctx context.Context, v *SnapshotVersion, activate bool) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = time.Now().UTC()
	v.IsActive = activate

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &v.Version, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM environment_snapshots
		WHERE environment_id = $1`, v.EnvironmentID)
	if err != nil {
		return fmt.Errorf("allocating version: %w", err)
	}

	if activate {
		if _, err := tx.ExecContext(ctx, `
			UPDATE environment_snapshots SET is_active = false
			WHERE environment_id = $1 AND is_active`, v.EnvironmentID); err != nil {
			return fmt.Errorf("clearing active flags: %w", err)
		}
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO environment_snapshots (`+versionColumns+`)
		VALUES (:id, :environment_id, :version, :snapshot_id, :snapshot_provider, :template_vmid,
			:created_by_user_id, :label, :is_active, :maintenance_script, :dev_script, :created_at)`, v); err != nil {
		return fmt.Errorf("inserting snapshot version: %w", err)
	}

	return tx.Commit()
}

// ActivateSnapshotVersion implements Store. Clearing siblings and setting
// the target happen in one transaction; no caller observes two actives.
func (p *Postgres) ActivateSnapshotVersion(ctx context.Context, environmentID, versionID string) (*SnapshotVersion, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var v SnapshotVersion
	err = tx.GetContext(ctx, &v, `
		SELECT `+versionColumns+` FROM environment_snapshots
		WHERE id = $1 AND environment_id = $2`, versionID, environmentID)
	if err != nil {
		return nil, notFoundOr(err, "snapshot version "+versionID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE environment_snapshots SET is_active = false
		WHERE environment_id = $1 AND is_active`, environmentID); err != nil {
		return nil, fmt.Errorf("clearing active flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE environment_snapshots SET is_active = true WHERE id = $1`, versionID); err != nil {
		return nil, fmt.Errorf("activating version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	v.IsActive = true
	return &v, nil
}

// FindSnapshotVersionBySnapshotID implements Store. The join scopes the
// search to the caller's team; snapshotProvider narrows when non-empty.
func (p *Postgres) FindSnapshotVersionBySnapshotID(ctx context.Context, teamID, snapshotID, snapshotProvider string) (*SnapshotVersion, error) {
	query := `
		SELECT s.id, s.environment_id, s.version, s.snapshot_id, s.snapshot_provider, s.template_vmid,
			s.created_by_user_id, s.label, s.is_active, s.maintenance_script, s.dev_script, s.created_at
		FROM environment_snapshots s
		JOIN environments e ON e.id = s.environment_id
		WHERE e.team_id = $1 AND s.snapshot_id = $2`
	args := []interface{}{teamID, snapshotID}
	if snapshotProvider != "" {
		query += ` AND s.snapshot_provider = $3`
		args = append(args, snapshotProvider)
	}
	query += ` ORDER BY s.created_at DESC LIMIT 1`

	var v SnapshotVersion
	if err := p.db.GetContext(ctx, &v, query, args...); err != nil {
		return nil, notFoundOr(err, "snapshot version for "+snapshotID)
	}
	return &v, nil
}

// --- Task runs ---

// GetTaskRun implements Store.
func (p *Postgres) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	var run TaskRun
	err := p.db.GetContext(ctx, &run, `
		SELECT id, team_id, user_id, vscode, starting_commit_sha, networking,
			discovered_repos, environment_error, created_at, updated_at
		FROM task_runs WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "task run "+id)
	}
	return &run, nil
}

func (p *Postgres) updateTaskRun(ctx context.Context, id, column string, value interface{}) error {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE task_runs SET %s = $2, updated_at = $3 WHERE id = $1`, column),
		id, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating task run %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task run %s", ErrNotFound, id)
	}
	return nil
}

// UpdateTaskRunVSCode implements Store.
func (p *Postgres) UpdateTaskRunVSCode(ctx context.Context, id string, info *VSCodeInfo) error {
	return p.updateTaskRun(ctx, id, "vscode", (*VSCodeJSON)(info))
}

// UpdateTaskRunVSCodeStatus implements Store. The status lives inside the
// vscode JSON document.
func (p *Postgres) UpdateTaskRunVSCodeStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE task_runs
		SET vscode = jsonb_set(vscode, '{status}', to_jsonb($2::text)), updated_at = $3
		WHERE id = $1 AND vscode IS NOT NULL`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating vscode status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task run %s (or no vscode info)", ErrNotFound, id)
	}
	return nil
}

// UpdateTaskRunDiscoveredRepos implements Store.
func (p *Postgres) UpdateTaskRunDiscoveredRepos(ctx context.Context, id string, repos []string) error {
	return p.updateTaskRun(ctx, id, "discovered_repos", StringList(repos))
}

// UpdateTaskRunStartingCommit implements Store.
func (p *Postgres) UpdateTaskRunStartingCommit(ctx context.Context, id, sha string) error {
	return p.updateTaskRun(ctx, id, "starting_commit_sha", sha)
}

// UpdateTaskRunNetworking implements Store.
func (p *Postgres) UpdateTaskRunNetworking(ctx context.Context, id string, services []PortService) error {
	return p.updateTaskRun(ctx, id, "networking", NetworkingJSON(services))
}

// UpdateTaskRunEnvironmentError implements Store.
func (p *Postgres) UpdateTaskRunEnvironmentError(ctx context.Context, id, message string) error {
	return p.updateTaskRun(ctx, id, "environment_error", message)
}

// --- Sandbox activity ---

// RecordSandboxActivity implements Store.
func (p *Postgres) RecordSandboxActivity(ctx context.Context, rec *ActivityRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	err := p.db.GetContext(ctx, &rec.ID, `
		INSERT INTO sandbox_activity
			(instance_id, provider, template_vmid, snapshot_id, snapshot_provider, team_id, kind, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.InstanceID, rec.Provider, rec.TemplateVMID, rec.SnapshotID,
		rec.SnapshotProvider, rec.TeamID, rec.Kind, rec.At)
	if err != nil {
		return fmt.Errorf("recording sandbox activity: %w", err)
	}
	return nil
}

// ListSandboxActivity implements Store.
func (p *Postgres) ListSandboxActivity(ctx context.Context, teamID string, since time.Time) ([]ActivityRecord, error) {
	var records []ActivityRecord
	err := p.db.SelectContext(ctx, &records, `
		SELECT id, instance_id, provider, template_vmid, snapshot_id, snapshot_provider, team_id, kind, at
		FROM sandbox_activity
		WHERE team_id = $1 AND at >= $2
		ORDER BY at DESC`, teamID, since)
	if err != nil {
		return nil, fmt.Errorf("listing sandbox activity: %w", err)
	}
	return records, nil
}

// --- Identity and tenancy ---

// GetSessionByToken implements Store. Expired sessions are not found.
func (p *Postgres) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := p.db.GetContext(ctx, &s, `
		SELECT token, user_id, access_token, expires_at FROM sessions
		WHERE token = $1 AND expires_at > $2`, token, time.Now().UTC())
	if err != nil {
		return nil, notFoundOr(err, "session")
	}
	return &s, nil
}

// IsTeamMember implements Store.
func (p *Postgres) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return count > 0, nil
}

// --- Code-host connections and stored keys ---

// ListProviderConnections implements Store.
func (p *Postgres) ListProviderConnections(ctx context.Context, teamID string) ([]ProviderConnection, error) {
	var conns []ProviderConnection
	err := p.db.SelectContext(ctx, &conns, `
		SELECT team_id, installation_id, account_login, account_type, is_active
		FROM provider_connections WHERE team_id = $1 AND is_active`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing provider connections: %w", err)
	}
	return conns, nil
}

// GetAPIKeys implements Store.
func (p *Postgres) GetAPIKeys(ctx context.Context, teamID string) ([]APIKey, error) {
	var keys []APIKey
	err := p.db.SelectContext(ctx, &keys, `
		SELECT team_id, name, value, for_agents FROM api_keys WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

// GetAgentAPIKeys implements Store.
func (p *Postgres) GetAgentAPIKeys(ctx context.Context, teamID string) ([]APIKey, error) {
	var keys []APIKey
	err := p.db.SelectContext(ctx, &keys, `
		SELECT team_id, name, value, for_agents FROM api_keys
		WHERE team_id = $1 AND for_agents`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing agent api keys: %w", err)
	}
	return keys, nil
}

// GetWorkspaceSettings implements Store.
func (p *Postgres) GetWorkspaceSettings(ctx context.Context, teamID, repoFullName string) (*WorkspaceSettings, error) {
	var ws WorkspaceSettings
	err := p.db.GetContext(ctx, &ws, `
		SELECT team_id, repo_full_name, maintenance_script, env_vars_data_vault_key
		FROM workspace_settings WHERE team_id = $1 AND repo_full_name = $2`, teamID, repoFullName)
	if err != nil {
		return nil, notFoundOr(err, "workspace settings for "+repoFullName)
	}
	return &ws, nil
}
