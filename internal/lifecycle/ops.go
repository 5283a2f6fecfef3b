package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/activity"
	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/hydrate"
	"github.com/steveyegge/bullpen/internal/ports"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/scripts"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/util"
)

const discoverTimeout = 30 * time.Second

// teamInstance loads an instance and applies the tenancy policy: unknown
// shapes, foreign apps, and foreign teams all read as not found.
func (c *Controller) teamInstance(ctx context.Context, teamID, instanceID string) (provider.Provider, *provider.Instance, error) {
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, nil, err
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.auth.CheckInstance(inst, teamID); err != nil {
		return nil, nil, err
	}
	return prov, inst, nil
}

// Stop pauses the instance: the microVM back-end hibernates with RAM
// preserved, LXC stops the container. In-container processes are left alone
// so agent sessions survive a morph wake. A missing instance is already
// stopped.
func (c *Controller) Stop(ctx context.Context, instanceID string) error {
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := prov.Pause(ctx, instanceID); err != nil {
		if provider.IsNotFound(err) {
			c.logger.Debug("stop of unknown instance", zap.String("instanceId", instanceID))
			return nil
		}
		return fmt.Errorf("pausing %s: %w", instanceID, err)
	}
	c.metrics.RecordProviderRequest(string(prov.Kind()), "pause")
	return nil
}

// StatusResponse reports whether a sandbox can serve its editor.
type StatusResponse struct {
	Running   bool   `json:"running"`
	VSCodeURL string `json:"vscodeUrl,omitempty"`
	WorkerURL string `json:"workerUrl,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Status reports liveness. Running requires a live instance state and a
// published code-editor service; a missing instance is simply not running.
func (c *Controller) Status(ctx context.Context, instanceID string) (*StatusResponse, error) {
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return &StatusResponse{}, nil
		}
		return nil, err
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return &StatusResponse{}, nil
		}
		return nil, err
	}
	resp := &StatusResponse{Provider: string(inst.Provider)}
	editor := inst.ServiceURL(provider.ServiceCodeEditor)
	if inst.Status.IsLive() && editor != "" {
		resp.Running = true
		resp.VSCodeURL = editor + "?folder=" + hydrate.DefaultWorkspacePath
		resp.WorkerURL = inst.ServiceURL(provider.ServiceWorker)
	}
	return resp, nil
}

// Resume brings a paused or stopped instance back. Already-live instances
// succeed idempotently; a concurrent resume holding the wake lock counts as
// this call's success.
func (c *Controller) Resume(ctx context.Context, teamID, instanceID string) error {
	prov, inst, err := c.teamInstance(ctx, teamID, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsLive() {
		return nil
	}
	release, acquired := c.locker.Acquire(ctx, instanceID)
	if !acquired {
		c.logger.Info("resume already in flight", zap.String("instanceId", instanceID))
		return nil
	}
	defer release()

	if err := prov.Resume(ctx, instanceID); err != nil {
		return fmt.Errorf("resuming %s: %w", instanceID, err)
	}
	c.metrics.RecordProviderRequest(string(prov.Kind()), "resume")
	c.afterWake(ctx, prov, inst)
	return nil
}

// afterWake promotes the run's editor status and restarts the external GC's
// idle clock. Both outlive request cancellation.
func (c *Controller) afterWake(ctx context.Context, prov provider.Provider, inst *provider.Instance) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if runID := inst.Metadata[provider.MetaTaskRunID]; runID != "" {
		if err := c.store.UpdateTaskRunVSCodeStatus(bg, runID, vscodeStatusRunning); err != nil {
			c.logger.Warn("promoting vscode status failed",
				zap.String("taskRunId", runID), zap.Error(err))
		}
	}
	c.recorder.RecordResume(bg, activity.Event{
		InstanceID: inst.ID,
		Provider:   string(prov.Kind()),
		TeamID:     inst.Metadata[provider.MetaTeamID],
	})
}

var reMorphID = regexp.MustCompile(`morphvm_[A-Za-z0-9]+`)

// instanceForRun recovers the run's instance id from its recorded editor
// info: the container name when present, else the id embedded in the URL.
func instanceForRun(run *store.TaskRun) string {
	info := run.VSCode.Info()
	if info == nil {
		return ""
	}
	if info.ContainerName != "" {
		return info.ContainerName
	}
	return reMorphID.FindString(info.URL)
}

// ForceWakeResponse is the woken instance's final state.
type ForceWakeResponse struct {
	InstanceID     string `json:"instanceId"`
	PreviousStatus string `json:"previousStatus"`
	CurrentStatus  string `json:"currentStatus"`
	Resumed        bool   `json:"resumed"`
	Ready          bool   `json:"ready"`
	Polls          int    `json:"polls"`
	ReadyInMs      int64  `json:"readyInMs"`
}

// ForceWake resumes the instance behind a task run and blocks until it is
// live. Concurrent wakes collapse onto one provider call; the rest poll.
// Exhausting the poll budget returns ErrWakeTimeout with the last observed
// status.
func (c *Controller) ForceWake(ctx context.Context, id *auth.Identity, teamID, taskRunID string) (*ForceWakeResponse, error) {
	run, err := c.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.CheckRunOwnership(run, id, teamID); err != nil {
		return nil, err
	}
	instanceID := instanceForRun(run)
	if instanceID == "" {
		return nil, fmt.Errorf("%w: no instance recorded for task run %s", provider.ErrNotFound, taskRunID)
	}
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	previous := inst.Status

	resumed := false
	release, acquired := c.locker.Acquire(ctx, instanceID)
	if acquired {
		defer release()
		if !inst.Status.IsLive() {
			if err := prov.Resume(ctx, instanceID); err != nil {
				return nil, fmt.Errorf("waking %s: %w", instanceID, err)
			}
			c.metrics.RecordProviderRequest(string(prov.Kind()), "resume")
			resumed = true
		}
	}

	started := time.Now()
	deadline := started.Add(c.wakePollBudget)
	last := previous
	polls := 0
	for {
		inst, err := prov.Get(ctx, instanceID)
		polls++
		if err == nil {
			last = inst.Status
			if inst.Status.IsLive() {
				c.afterWake(ctx, prov, inst)
				return &ForceWakeResponse{
					InstanceID:     instanceID,
					PreviousStatus: string(previous),
					CurrentStatus:  string(last),
					Resumed:        resumed,
					Ready:          true,
					Polls:          polls,
					ReadyInMs:      time.Since(started).Milliseconds(),
				}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: last status %s", ErrWakeTimeout, last)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.wakePollInterval):
		}
	}
}

// RefreshGitHubAuth re-installs code-host credentials into a running
// instance. The repo whose credential gets refreshed is the run's first
// discovered repo, falling back to the environment's first selected repo.
func (c *Controller) RefreshGitHubAuth(ctx context.Context, id *auth.Identity, teamID, instanceID string) error {
	prov, inst, err := c.teamInstance(ctx, teamID, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.IsLive() {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, instanceID, inst.Status)
	}

	repo := ""
	if runID := inst.Metadata[provider.MetaTaskRunID]; runID != "" {
		run, rerr := c.store.GetTaskRun(ctx, runID)
		if rerr == nil {
			if oerr := c.auth.CheckRunOwnership(run, id, teamID); oerr != nil {
				return oerr
			}
			if len(run.DiscoveredRepos) > 0 {
				repo = run.DiscoveredRepos[0]
			}
		} else if !store.IsNotFound(rerr) {
			return rerr
		}
	}
	if repo == "" {
		if envID := inst.Metadata[provider.MetaEnvironmentID]; envID != "" {
			if env, eerr := c.store.GetEnvironment(ctx, envID); eerr == nil && len(env.SelectedRepos) > 0 {
				repo = env.SelectedRepos[0]
			}
		}
	}
	if repo == "" {
		return fmt.Errorf("%w: no repo recorded for %s", ErrNoCredential, instanceID)
	}
	if c.broker == nil {
		return fmt.Errorf("%w: code-host app", provider.ErrNotConfigured)
	}

	userOAuth := ""
	if id != nil {
		userOAuth = id.AccessToken
	}
	ra, err := c.broker.TokenForRepo(ctx, teamID, repo, userOAuth)
	if err != nil {
		return err
	}
	if ra.Token == "" {
		return fmt.Errorf("%w: for %s", ErrNoCredential, repo)
	}
	if err := c.installer.InstallCLIAuth(ctx, prov, instanceID, ra.Token); err != nil {
		return fmt.Errorf("installing refreshed auth: %w", err)
	}
	return nil
}

// RepoPath is one checked directory under the workspace.
type RepoPath struct {
	Path string `json:"path"`
	Repo string `json:"repo,omitempty"`
}

// DiscoveredRepos is the result of a workspace scan.
type DiscoveredRepos struct {
	Repos []string   `json:"repos"`
	Paths []RepoPath `json:"paths"`
}

// DiscoverRepos scans the workspace for git checkouts and maps each to its
// origin repo. Findings are persisted onto the instance's task run.
func (c *Controller) DiscoverRepos(ctx context.Context, instanceID, workspacePath string) (*DiscoveredRepos, error) {
	if workspacePath == "" {
		workspacePath = hydrate.DefaultWorkspacePath
	}
	if !strings.HasPrefix(workspacePath, "/") || strings.Contains(workspacePath, "..") {
		return nil, fmt.Errorf("%w: workspacePath must be an absolute path", ErrBadRequest)
	}
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !inst.IsOurs() {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, instanceID)
	}

	findCmd := fmt.Sprintf("find %s -maxdepth 2 -type d -name .git 2>/dev/null || true", util.ShellQuote(workspacePath))
	res, err := prov.Exec(ctx, instanceID, findCmd, provider.ExecOptions{Timeout: discoverTimeout})
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}

	out := &DiscoveredRepos{Repos: []string{}, Paths: []RepoPath{}}
	seen := make(map[string]bool)
	for _, line := range strings.Split(res.Stdout, "\n") {
		gitDir := strings.TrimSpace(line)
		if gitDir == "" {
			continue
		}
		dir := strings.TrimSuffix(gitDir, "/.git")
		entry := RepoPath{Path: dir}
		remoteCmd := fmt.Sprintf("git -C %s remote get-url origin 2>/dev/null || true", util.ShellQuote(dir))
		if remote, rerr := prov.Exec(ctx, instanceID, remoteCmd, provider.ExecOptions{Timeout: discoverTimeout}); rerr == nil {
			if full, perr := repoFullName(strings.TrimSpace(remote.Stdout)); perr == nil && full != "" {
				entry.Repo = full
				if !seen[full] {
					seen[full] = true
					out.Repos = append(out.Repos, full)
				}
			}
		}
		out.Paths = append(out.Paths, entry)
	}

	if runID := inst.Metadata[provider.MetaTaskRunID]; runID != "" && len(out.Repos) > 0 {
		if uerr := c.store.UpdateTaskRunDiscoveredRepos(ctx, runID, out.Repos); uerr != nil {
			c.logger.Warn("persisting discovered repos failed",
				zap.String("taskRunId", runID), zap.Error(uerr))
		}
	}
	return out, nil
}

// SSHInfo is what a caller needs to reach an instance over the SSH proxy.
type SSHInfo struct {
	InstanceID  string `json:"instanceId"`
	SSHCommand  string `json:"sshCommand"`
	AccessToken string `json:"accessToken"`
	User        string `json:"user"`
	Status      string `json:"status"`
}

// SSH returns proxy connection details. Only the microVM back-end has an
// SSH proxy; LXC instances are a bad request.
func (c *Controller) SSH(ctx context.Context, teamID, instanceID string) (*SSHInfo, error) {
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	if prov.Kind() != provider.KindMorph {
		return nil, fmt.Errorf("%w: ssh is only available on the microVM back-end", ErrBadRequest)
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := c.auth.CheckInstance(inst, teamID); err != nil {
		return nil, err
	}
	return &SSHInfo{
		InstanceID:  inst.ID,
		SSHCommand:  fmt.Sprintf("ssh %s@%s", inst.ID, c.cfg.MorphSSHHost),
		AccessToken: c.cfg.MorphAPIKey,
		User:        "root",
		Status:      string(inst.Status),
	}, nil
}

// envLoadCommand pipes a dotenv blob through the in-container env loader.
// The blob rides base64-encoded inside the command and must never be logged.
func envLoadCommand(content string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	return fmt.Sprintf("printf '%%s' '%s' | base64 -d | envctl load", encoded)
}

// ApplyEnvVars loads caller-supplied env vars into a running instance.
func (c *Controller) ApplyEnvVars(ctx context.Context, teamID, instanceID, content string) error {
	prov, _, err := c.teamInstance(ctx, teamID, instanceID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	res, err := prov.Exec(ctx, instanceID, envLoadCommand(content), provider.ExecOptions{Timeout: envApplyTimeout})
	if err != nil {
		return fmt.Errorf("applying env vars: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("env loader exited %d", res.ExitCode)
	}
	return nil
}

// RunScripts launches the given maintenance/dev scripts on a running
// instance. Fire-and-forget; script failures land on the instance's task
// run, not on this response.
func (c *Controller) RunScripts(ctx context.Context, teamID, instanceID string, p scripts.Params) error {
	prov, inst, err := c.teamInstance(ctx, teamID, instanceID)
	if err != nil {
		return err
	}
	if p.MaintenanceScript == "" && p.DevScript == "" {
		return nil
	}
	c.launchScripts(ctx, prov, instanceID, inst.Metadata[provider.MetaTaskRunID], p)
	return nil
}

// internalize logs the cause and strips its identity. Used on paths whose
// contract admits only generic failure.
func (c *Controller) internalize(err error, msg string) error {
	c.logger.Warn(msg, zap.Error(err))
	return errors.New(msg)
}

// PublishDevcontainer reconciles the instance's exposed user ports against
// the desired set (environment ports, else devcontainer forwardPorts) and
// mirrors the outcome onto the task run. The caller is the in-container
// worker; lookup failures are internal, not 404s.
func (c *Controller) PublishDevcontainer(ctx context.Context, instanceID, taskRunID string) ([]store.PortService, error) {
	prov, err := c.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, c.internalize(err, "routing devcontainer publish")
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, c.internalize(err, "loading instance for devcontainer publish")
	}

	var envPorts []int
	if envID := inst.Metadata[provider.MetaEnvironmentID]; envID != "" {
		if env, eerr := c.store.GetEnvironment(ctx, envID); eerr == nil {
			envPorts = env.ExposedPorts
		} else if !store.IsNotFound(eerr) {
			c.logger.Warn("environment lookup failed during publish", zap.Error(eerr))
		}
	}

	fwd, err := c.ports.ForwardPorts(ctx, prov, instanceID)
	if err != nil {
		return nil, c.internalize(err, "reading devcontainer config")
	}
	desired := ports.Desired(envPorts, fwd)
	services, recErr := c.ports.Reconcile(ctx, prov, inst, desired)

	entries := ports.TaskRunEntries(services)
	if taskRunID != "" {
		if uerr := c.store.UpdateTaskRunNetworking(ctx, taskRunID, entries); uerr != nil {
			return nil, c.internalize(uerr, "persisting networking")
		}
	}
	if recErr != nil {
		return nil, c.internalize(recErr, "exposing ports")
	}
	return entries, nil
}

// SandboxSummary is one listed sandbox.
type SandboxSummary struct {
	InstanceID string `json:"instanceId"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	VSCodeURL  string `json:"vscodeUrl,omitempty"`
	WorkerURL  string `json:"workerUrl,omitempty"`
}

// List returns the team's instances on the active provider. Untagged and
// foreign instances are invisible.
func (c *Controller) List(ctx context.Context, teamID string) ([]SandboxSummary, error) {
	prov, err := c.registry.Active()
	if err != nil {
		return nil, err
	}
	instances, err := prov.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	out := []SandboxSummary{}
	for _, inst := range instances {
		if !inst.IsOurs() || inst.Metadata[provider.MetaTeamID] != teamID {
			continue
		}
		s := SandboxSummary{
			InstanceID: inst.ID,
			Provider:   string(inst.Provider),
			Status:     string(inst.Status),
			WorkerURL:  inst.ServiceURL(provider.ServiceWorker),
		}
		if u := inst.ServiceURL(provider.ServiceCodeEditor); u != "" {
			s.VSCodeURL = u + "?folder=" + hydrate.DefaultWorkspacePath
		}
		out = append(out, s)
	}
	return out, nil
}
