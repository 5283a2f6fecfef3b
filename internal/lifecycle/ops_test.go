package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/ghauth"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/scripts"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/testutil"
	"github.com/steveyegge/bullpen/internal/wakelock"
)

func runWithVSCode(id, teamID, userID, containerName, url string) *store.TaskRun {
	vs := store.VSCodeJSON(store.VSCodeInfo{
		Provider:      "morph",
		ContainerName: containerName,
		Status:        "starting",
		URL:           url,
	})
	return &store.TaskRun{ID: id, TeamID: teamID, UserID: userID, VSCode: &vs}
}

func TestStopPausesInstance(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	if err := f.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if len(f.fake.PauseCalls) != 1 {
		t.Fatalf("pause calls = %v", f.fake.PauseCalls)
	}
	if inst := f.fake.Instance(id); inst.Status != provider.StatusPaused {
		t.Fatalf("status = %s, want paused", inst.Status)
	}
	if len(f.fake.StopCalls) != 0 {
		t.Error("stop destroyed the instance")
	}
}

func TestStopMissingInstanceSucceeds(t *testing.T) {
	f := newFixture(t, provider.KindMorph)

	if err := f.ctrl.Stop(context.Background(), "morphvm_ghost"); err != nil {
		t.Fatalf("Stop() on missing instance: %v", err)
	}
	if err := f.ctrl.Stop(context.Background(), "not-an-instance"); err != nil {
		t.Fatalf("Stop() on unknown id shape: %v", err)
	}
}

func TestStatusRunning(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	resp, err := f.ctrl.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !resp.Running || resp.Provider != "morph" {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.HasSuffix(resp.VSCodeURL, "?folder=/root/workspace") {
		t.Errorf("vscode url = %q", resp.VSCodeURL)
	}
	if resp.WorkerURL == "" {
		t.Error("worker url empty")
	}
}

func TestStatusPaused(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")
	f.fake.SetStatus(id, provider.StatusPaused)

	resp, err := f.ctrl.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if resp.Running || resp.VSCodeURL != "" {
		t.Fatalf("resp = %+v, want not running", resp)
	}
	if resp.Provider != "morph" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestStatusMissingInstance(t *testing.T) {
	f := newFixture(t, provider.KindMorph)

	for _, id := range []string{"morphvm_ghost", "what-is-this"} {
		resp, err := f.ctrl.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s) error: %v", id, err)
		}
		if resp.Running || resp.Provider != "" {
			t.Fatalf("Status(%s) = %+v, want zero", id, resp)
		}
	}
}

func TestResumeLiveIsIdempotent(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	if err := f.ctrl.Resume(context.Background(), "team-1", id); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if len(f.fake.ResumeCalls) != 0 {
		t.Fatalf("resume calls = %v, want none for live instance", f.fake.ResumeCalls)
	}
}

func TestResumePausedPromotesRun(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_res001"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusPaused,
		Metadata: map[string]string{
			provider.MetaApp:       provider.AppPrefix,
			provider.MetaTeamID:    "team-1",
			provider.MetaTaskRunID: "run-1",
		},
	})
	f.mem.PutTaskRun(runWithVSCode("run-1", "team-1", "user-1", id, ""))

	if err := f.ctrl.Resume(context.Background(), "team-1", id); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if len(f.fake.ResumeCalls) != 1 {
		t.Fatalf("resume calls = %v", f.fake.ResumeCalls)
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if run.VSCode.Status != "running" {
		t.Errorf("run vscode status = %q", run.VSCode.Status)
	}
	acts, _ := f.mem.ListSandboxActivity(context.Background(), "team-1", time.Time{})
	if len(acts) != 1 || acts[0].Kind != store.ActivityResume {
		t.Errorf("activity = %+v", acts)
	}
}

func TestResumeForeignTeamHidden(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-2")

	err := f.ctrl.Resume(context.Background(), "team-1", id)
	if !provider.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResumeHeldLockCountsAsSuccess(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")
	f.fake.SetStatus(id, provider.StatusPaused)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	f.ctrl.locker = wakelock.New(client, zap.NewNop())

	release, ok := f.ctrl.locker.Acquire(context.Background(), id)
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	defer release()

	if err := f.ctrl.Resume(context.Background(), "team-1", id); err != nil {
		t.Fatalf("Resume() with held lock: %v", err)
	}
	if len(f.fake.ResumeCalls) != 0 {
		t.Fatalf("resume calls = %v, want none while lock held", f.fake.ResumeCalls)
	}
}

func TestForceWake(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_wake01"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusPaused,
		Metadata: map[string]string{
			provider.MetaApp:       provider.AppPrefix,
			provider.MetaTeamID:    "team-1",
			provider.MetaTaskRunID: "run-1",
		},
	})
	f.mem.PutTaskRun(runWithVSCode("run-1", "team-1", "user-1", id, ""))

	resp, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-1")
	if err != nil {
		t.Fatalf("ForceWake() error: %v", err)
	}
	if resp.InstanceID != id || resp.CurrentStatus != "running" || resp.PreviousStatus != "paused" {
		t.Fatalf("resp = %+v", resp)
	}
	if !resp.Resumed || !resp.Ready || resp.Polls < 1 {
		t.Fatalf("resp = %+v, want resumed and ready", resp)
	}
	if len(f.fake.ResumeCalls) != 1 {
		t.Fatalf("resume calls = %v", f.fake.ResumeCalls)
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if run.VSCode.Status != "running" {
		t.Errorf("run vscode status = %q", run.VSCode.Status)
	}
}

func TestForceWakeLiveInstanceSkipsResume(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")
	f.mem.PutTaskRun(runWithVSCode("run-1", "team-1", "user-1", id, ""))

	resp, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-1")
	if err != nil {
		t.Fatalf("ForceWake() error: %v", err)
	}
	if resp.Resumed || !resp.Ready || resp.PreviousStatus != "running" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(f.fake.ResumeCalls) != 0 {
		t.Fatalf("resume calls = %v", f.fake.ResumeCalls)
	}
}

func TestForceWakeRecoversIDFromURL(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_abc123"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusPaused,
		Metadata: map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1"},
	})
	f.mem.PutTaskRun(runWithVSCode("run-1", "team-1", "user-1", "",
		"https://code-editor-morphvm_abc123.sandbox.test"))

	resp, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-1")
	if err != nil {
		t.Fatalf("ForceWake() error: %v", err)
	}
	if resp.InstanceID != id {
		t.Fatalf("instance id = %q, want %q", resp.InstanceID, id)
	}
}

// stuckProvider accepts resume calls but never transitions the instance.
type stuckProvider struct{ *testutil.FakeProvider }

func (s stuckProvider) Resume(context.Context, string) error { return nil }

func TestForceWakeTimesOut(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	f.ctrl.registry = provider.NewRegistry("", stuckProvider{f.fake})
	id := "morphvm_stuck1"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusPaused,
		Metadata: map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1"},
	})
	f.mem.PutTaskRun(runWithVSCode("run-1", "team-1", "user-1", id, ""))

	_, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-1")
	if !errors.Is(err, ErrWakeTimeout) {
		t.Fatalf("err = %v, want wake timeout", err)
	}
	if !strings.Contains(err.Error(), "paused") {
		t.Errorf("err = %v, want last status in message", err)
	}
}

func TestForceWakeOwnership(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	if _, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-missing"); !store.IsNotFound(err) {
		t.Errorf("missing run err = %v, want not found", err)
	}

	f.mem.PutTaskRun(runWithVSCode("run-other-user", "team-1", "user-2", id, ""))
	if _, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-other-user"); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("foreign user err = %v, want forbidden", err)
	}

	f.mem.PutTaskRun(runWithVSCode("run-other-team", "team-2", "user-1", id, ""))
	if _, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-other-team"); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("foreign team err = %v, want forbidden", err)
	}

	f.mem.PutTaskRun(&store.TaskRun{ID: "run-bare", TeamID: "team-1", UserID: "user-1"})
	if _, err := f.ctrl.ForceWake(context.Background(), f.identity(), "team-1", "run-bare"); !provider.IsNotFound(err) {
		t.Errorf("bare run err = %v, want not found", err)
	}
}

func seedRunningWithRun(f *fixture, teamID, runID string) string {
	id := "morphvm_gha001"
	f.fake.Seed(&provider.Instance{
		ID:           id,
		Provider:     provider.KindMorph,
		Status:       provider.StatusRunning,
		Metadata:     map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: teamID, provider.MetaTaskRunID: runID},
		HTTPServices: []provider.HTTPService{},
	})
	return id
}

func TestRefreshGitHubAuth(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := seedRunningWithRun(f, "team-1", "run-1")
	f.mem.PutTaskRun(&store.TaskRun{
		ID: "run-1", TeamID: "team-1", UserID: "user-1",
		DiscoveredRepos: store.StringList{"acme/web"},
	})

	if err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id); err != nil {
		t.Fatalf("RefreshGitHubAuth() error: %v", err)
	}
	if f.broker.repo() != "acme/web" {
		t.Errorf("broker repo = %q", f.broker.repo())
	}
	if len(f.installer.tokens) != 1 || f.installer.tokens[0] != "install-token" {
		t.Errorf("installed tokens = %v", f.installer.tokens)
	}
}

func TestRefreshGitHubAuthNotRunning(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")
	f.fake.SetStatus(id, provider.StatusPaused)

	err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want not running", err)
	}
}

func TestRefreshGitHubAuthEnvironmentFallback(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	env := &store.Environment{ID: "env-1", TeamID: "team-1", Name: "main", SelectedRepos: store.StringList{"acme/api"}}
	if err := f.mem.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}
	id := "morphvm_gha002"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1", provider.MetaEnvironmentID: "env-1"},
	})

	if err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id); err != nil {
		t.Fatalf("RefreshGitHubAuth() error: %v", err)
	}
	if f.broker.repo() != "acme/api" {
		t.Errorf("broker repo = %q", f.broker.repo())
	}
}

func TestRefreshGitHubAuthNoRepo(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want no credential", err)
	}
}

func TestRefreshGitHubAuthNoToken(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	f.broker.ra = &ghauth.RepoAuth{Source: ghauth.SourceNone}
	id := seedRunningWithRun(f, "team-1", "run-1")
	f.mem.PutTaskRun(&store.TaskRun{
		ID: "run-1", TeamID: "team-1", UserID: "user-1",
		DiscoveredRepos: store.StringList{"acme/web"},
	})

	err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want no credential", err)
	}
	if len(f.installer.tokens) != 0 {
		t.Errorf("tokens installed = %v", f.installer.tokens)
	}
}

func TestRefreshGitHubAuthForeignRunOwner(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := seedRunningWithRun(f, "team-1", "run-1")
	f.mem.PutTaskRun(&store.TaskRun{
		ID: "run-1", TeamID: "team-1", UserID: "user-2",
		DiscoveredRepos: store.StringList{"acme/web"},
	})

	err := f.ctrl.RefreshGitHubAuth(context.Background(), f.identity(), "team-1", id)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestDiscoverRepos(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_disc01"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1", provider.MetaTaskRunID: "run-1"},
	})
	f.mem.PutTaskRun(&store.TaskRun{ID: "run-1", TeamID: "team-1", UserID: "user-1"})
	f.fake.ExecFunc = func(_ context.Context, _, command string) (*provider.ExecResult, error) {
		switch {
		case strings.HasPrefix(command, "find "):
			return &provider.ExecResult{Stdout: "/root/workspace/web/.git\n/root/workspace/api/.git\n"}, nil
		case strings.Contains(command, "/root/workspace/web"):
			return &provider.ExecResult{Stdout: "https://github.com/acme/web\n"}, nil
		case strings.Contains(command, "/root/workspace/api"):
			return &provider.ExecResult{Stdout: "git@github.com:acme/api.git\n"}, nil
		}
		return &provider.ExecResult{}, nil
	}

	out, err := f.ctrl.DiscoverRepos(context.Background(), id, "")
	if err != nil {
		t.Fatalf("DiscoverRepos() error: %v", err)
	}
	if len(out.Repos) != 2 || out.Repos[0] != "acme/web" || out.Repos[1] != "acme/api" {
		t.Fatalf("repos = %v", out.Repos)
	}
	if len(out.Paths) != 2 || out.Paths[0].Path != "/root/workspace/web" || out.Paths[1].Repo != "acme/api" {
		t.Fatalf("paths = %+v", out.Paths)
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if len(run.DiscoveredRepos) != 2 {
		t.Errorf("persisted repos = %v", run.DiscoveredRepos)
	}
}

func TestDiscoverReposRejectsBadPaths(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	for _, path := range []string{"workspace", "/root/../etc"} {
		_, err := f.ctrl.DiscoverRepos(context.Background(), id, path)
		if !errors.Is(err, ErrBadRequest) {
			t.Errorf("DiscoverRepos(%q) err = %v, want bad request", path, err)
		}
	}
}

func TestDiscoverReposForeignInstanceHidden(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_alien1"
	f.fake.Seed(&provider.Instance{ID: id, Provider: provider.KindMorph, Status: provider.StatusRunning})

	_, err := f.ctrl.DiscoverRepos(context.Background(), id, "")
	if !provider.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestSSH(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	info, err := f.ctrl.SSH(context.Background(), "team-1", id)
	if err != nil {
		t.Fatalf("SSH() error: %v", err)
	}
	if info.SSHCommand != "ssh "+id+"@ssh.cloud.morph.so" {
		t.Errorf("ssh command = %q", info.SSHCommand)
	}
	if info.AccessToken != "morph-key" || info.User != "root" || info.Status != "running" {
		t.Errorf("info = %+v", info)
	}
}

func TestSSHUnsupportedOnLXC(t *testing.T) {
	f := newFixture(t, provider.KindPveLxc)
	id := f.fake.SeedRunning("team-1")

	_, err := f.ctrl.SSH(context.Background(), "team-1", id)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestSSHForeignTeamHidden(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-2")

	_, err := f.ctrl.SSH(context.Background(), "team-1", id)
	if !provider.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestApplyEnvVars(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	content := "A=1\nB=two words\n"
	if err := f.ctrl.ApplyEnvVars(context.Background(), "team-1", id, content); err != nil {
		t.Fatalf("ApplyEnvVars() error: %v", err)
	}
	if got := envExecContent(t, f.fake); got != content {
		t.Fatalf("delivered env = %q, want %q", got, content)
	}
}

func TestApplyEnvVarsEmptyIsNoop(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	if err := f.ctrl.ApplyEnvVars(context.Background(), "team-1", id, "  \n"); err != nil {
		t.Fatalf("ApplyEnvVars() error: %v", err)
	}
	if len(f.fake.ExecCalls) != 0 {
		t.Fatalf("exec calls = %v, want none", f.fake.ExecCalls)
	}
}

func TestApplyEnvVarsLoaderFailure(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")
	f.fake.ExecFunc = func(context.Context, string, string) (*provider.ExecResult, error) {
		return &provider.ExecResult{ExitCode: 1}, nil
	}

	err := f.ctrl.ApplyEnvVars(context.Background(), "team-1", id, "A=1")
	if err == nil || !strings.Contains(err.Error(), "exited 1") {
		t.Fatalf("err = %v, want exit code", err)
	}
}

func TestRunScripts(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := "morphvm_scr001"
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: provider.KindMorph,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1", provider.MetaTaskRunID: "run-1"},
	})
	f.mem.PutTaskRun(&store.TaskRun{ID: "run-1", TeamID: "team-1", UserID: "user-1"})
	f.launcher.failStage = scripts.StageDev

	p := scripts.Params{MaintenanceScript: "make deps", DevScript: "make dev"}
	if err := f.ctrl.RunScripts(context.Background(), "team-1", id, p); err != nil {
		t.Fatalf("RunScripts() error: %v", err)
	}
	if f.launcher.calls != 1 || f.launcher.instanceID != id || f.launcher.taskParams != p {
		t.Fatalf("launcher = calls=%d id=%s params=%+v", f.launcher.calls, f.launcher.instanceID, f.launcher.taskParams)
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if !strings.Contains(run.EnvironmentError, "dev script exited 2") {
		t.Errorf("environment error = %q", run.EnvironmentError)
	}
}

func TestRunScriptsEmptyIsNoop(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	id := f.fake.SeedRunning("team-1")

	if err := f.ctrl.RunScripts(context.Background(), "team-1", id, scripts.Params{}); err != nil {
		t.Fatalf("RunScripts() error: %v", err)
	}
	if f.launcher.calls != 0 {
		t.Fatal("launcher fired with no scripts")
	}
}

func seedPublishInstance(f *fixture, id, envID, runID string) {
	md := map[string]string{provider.MetaApp: provider.AppPrefix, provider.MetaTeamID: "team-1"}
	if envID != "" {
		md[provider.MetaEnvironmentID] = envID
	}
	if runID != "" {
		md[provider.MetaTaskRunID] = runID
	}
	f.fake.Seed(&provider.Instance{
		ID:       id,
		Provider: f.fake.Kind(),
		Status:   provider.StatusRunning,
		Metadata: md,
	})
}

func devcontainerExec(forward string) func(context.Context, string, string) (*provider.ExecResult, error) {
	return func(_ context.Context, _, command string) (*provider.ExecResult, error) {
		if strings.Contains(command, "devcontainer.json") {
			return &provider.ExecResult{Stdout: `{"forwardPorts": [` + forward + `]}`}, nil
		}
		return &provider.ExecResult{}, nil
	}
}

func TestPublishDevcontainerEnvironmentPortsWin(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	env := &store.Environment{ID: "env-1", TeamID: "team-1", Name: "main", ExposedPorts: store.IntList{8080}}
	if err := f.mem.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}
	seedPublishInstance(f, "morphvm_pub001", "env-1", "run-1")
	f.mem.PutTaskRun(&store.TaskRun{ID: "run-1", TeamID: "team-1", UserID: "user-1"})
	f.fake.ExecFunc = devcontainerExec("3000")

	entries, err := f.ctrl.PublishDevcontainer(context.Background(), "morphvm_pub001", "run-1")
	if err != nil {
		t.Fatalf("PublishDevcontainer() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Port != 8080 || entries[0].Status != "running" {
		t.Fatalf("entries = %+v", entries)
	}
	for _, name := range f.fake.ExposeCalls {
		if name == "port-3000" {
			t.Fatal("devcontainer port exposed despite environment ports")
		}
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if len(run.Networking) != 1 || run.Networking[0].Port != 8080 {
		t.Errorf("networking = %+v", run.Networking)
	}
}

func TestPublishDevcontainerFallsBackToForwardPorts(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	seedPublishInstance(f, "morphvm_pub002", "", "")
	f.fake.ExecFunc = devcontainerExec("3000, 5173")

	entries, err := f.ctrl.PublishDevcontainer(context.Background(), "morphvm_pub002", "")
	if err != nil {
		t.Fatalf("PublishDevcontainer() error: %v", err)
	}
	if len(entries) != 2 || entries[0].Port != 3000 || entries[1].Port != 5173 {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestPublishDevcontainerPartialExposeFailure(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	env := &store.Environment{ID: "env-1", TeamID: "team-1", Name: "main", ExposedPorts: store.IntList{3000, 5173}}
	if err := f.mem.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}
	seedPublishInstance(f, "morphvm_pub003", "env-1", "run-1")
	f.mem.PutTaskRun(&store.TaskRun{ID: "run-1", TeamID: "team-1", UserID: "user-1"})
	f.fake.ExposeErrs = map[int]error{5173: errors.New("edge proxy full")}

	_, err := f.ctrl.PublishDevcontainer(context.Background(), "morphvm_pub003", "run-1")
	if err == nil || err.Error() != "exposing ports" {
		t.Fatalf("err = %v, want opaque failure", err)
	}
	run, _ := f.mem.GetTaskRun(context.Background(), "run-1")
	if len(run.Networking) != 1 || run.Networking[0].Port != 3000 {
		t.Errorf("partial networking = %+v", run.Networking)
	}
}

func TestPublishDevcontainerMissingInstanceOpaque(t *testing.T) {
	f := newFixture(t, provider.KindMorph)

	_, err := f.ctrl.PublishDevcontainer(context.Background(), "morphvm_ghost", "")
	if err == nil || provider.IsNotFound(err) {
		t.Fatalf("err = %v, want opaque internal error", err)
	}
}

func TestListFiltersToTeam(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	mine := f.fake.SeedRunning("team-1")
	f.fake.SeedRunning("team-2")
	f.fake.Seed(&provider.Instance{ID: "morphvm_untag1", Provider: provider.KindMorph, Status: provider.StatusRunning})

	out, err := f.ctrl.List(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(out) != 1 || out[0].InstanceID != mine {
		t.Fatalf("list = %+v", out)
	}
	if out[0].Status != "running" || !strings.Contains(out[0].VSCodeURL, "?folder=") {
		t.Errorf("summary = %+v", out[0])
	}
}
