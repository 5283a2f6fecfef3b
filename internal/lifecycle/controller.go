// Package lifecycle drives sandbox instances through their lifetime: the
// start pipeline, pause/resume/stop/status, force-wake, and the snapshot
// cleanup bundle. Failures surface through the start taxonomy so callers
// never see raw provider messages.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/bullpen/internal/activity"
	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/config"
	"github.com/steveyegge/bullpen/internal/ghauth"
	"github.com/steveyegge/bullpen/internal/hydrate"
	"github.com/steveyegge/bullpen/internal/metrics"
	"github.com/steveyegge/bullpen/internal/ports"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/scripts"
	"github.com/steveyegge/bullpen/internal/snapshot"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/vault"
	"github.com/steveyegge/bullpen/internal/wakelock"
)

const (
	defaultTTLSeconds = 3600
	ttlAction         = "pause"
	envApplyTimeout   = 60 * time.Second

	vscodeStatusStarting = "starting"
	vscodeStatusRunning  = "running"

	defaultAgentName = "cmux"
)

// SnapshotResolver maps a snapshot reference to a concrete provider image.
type SnapshotResolver interface {
	Resolve(ctx context.Context, teamID, environmentID, snapshotID string) (*snapshot.Resolution, error)
}

// SecretReader fetches env-var blobs from the secret vault.
type SecretReader interface {
	GetValue(ctx context.Context, store, key string) (string, error)
}

// TokenBroker resolves the best git credential for a repo.
type TokenBroker interface {
	TokenForRepo(ctx context.Context, teamID, repoFullName, userOAuth string) (*ghauth.RepoAuth, error)
}

// CredentialInstaller pushes code-host auth and git identity into a
// container.
type CredentialInstaller interface {
	InstallCLIAuth(ctx context.Context, ex ghauth.Execer, instanceID, token string) error
	ConfigureGitIdentity(ctx context.Context, ex ghauth.Execer, instanceID, name, email string) error
}

// WorkspaceHydrator clones the workspace and captures the starting commit.
type WorkspaceHydrator interface {
	Run(ctx context.Context, ex hydrate.Execer, instanceID string, p hydrate.Params) error
	CaptureStartingCommit(ctx context.Context, ex hydrate.Execer, instanceID, workspacePath string) (string, bool)
}

// ScriptLauncher fires maintenance and dev scripts in the background.
type ScriptLauncher interface {
	Launch(ctx context.Context, ex scripts.Execer, instanceID string, p scripts.Params, report scripts.Reporter) *scripts.Launched
}

// ReadinessProber blocks until the editor and worker answer, or the budget
// runs out.
type ReadinessProber interface {
	WaitReady(ctx context.Context, editorURL, workerURL string) bool
}

// Deps wires the controller. Vault and Broker may be nil when not
// configured; everything else is required.
type Deps struct {
	Registry  *provider.Registry
	Resolver  SnapshotResolver
	Store     store.Store
	Auth      *auth.Authorizer
	Vault     SecretReader
	Broker    TokenBroker
	Installer CredentialInstaller
	Hydrator  WorkspaceHydrator
	Scripts   ScriptLauncher
	Ports     *ports.Publisher
	Prober    ReadinessProber
	Recorder  *activity.Recorder
	Locker    *wakelock.Locker
	Metrics   *metrics.Metrics
	Config    *config.Config
	Logger    *zap.Logger
}

// Controller owns every sandbox lifecycle operation.
type Controller struct {
	registry  *provider.Registry
	resolver  SnapshotResolver
	store     store.Store
	auth      *auth.Authorizer
	vault     SecretReader
	broker    TokenBroker
	installer CredentialInstaller
	hydrator  WorkspaceHydrator
	scripts   ScriptLauncher
	ports     *ports.Publisher
	prober    ReadinessProber
	recorder  *activity.Recorder
	locker    *wakelock.Locker
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *zap.Logger

	now              func() time.Time
	wakePollInterval time.Duration
	wakePollBudget   time.Duration
}

// NewController wires the lifecycle controller with production timings.
func NewController(d Deps) *Controller {
	return &Controller{
		registry:         d.Registry,
		resolver:         d.Resolver,
		store:            d.Store,
		auth:             d.Auth,
		vault:            d.Vault,
		broker:           d.Broker,
		installer:        d.Installer,
		hydrator:         d.Hydrator,
		scripts:          d.Scripts,
		ports:            d.Ports,
		prober:           d.Prober,
		recorder:         d.Recorder,
		locker:           d.Locker,
		metrics:          d.Metrics,
		cfg:              d.Config,
		logger:           d.Logger.Named("lifecycle"),
		now:              time.Now,
		wakePollInterval: 2 * time.Second,
		wakePollBudget:   90 * time.Second,
	}
}

// StartRequest is one sandbox start. Membership in TeamID has already been
// verified by the HTTP layer.
type StartRequest struct {
	TeamID   string
	Identity *auth.Identity

	EnvironmentID string
	SnapshotID    string
	TTLSeconds    int

	TaskRunID  string
	TaskRunJWT string

	CloudWorkspace bool
	RepoURL        string
	BaseBranch     string
	NewBranch      string
	Depth          int

	AgentName string
	Metadata  map[string]string
}

// StartResponse is what a successful start hands back.
type StartResponse struct {
	InstanceID      string `json:"instanceId"`
	VSCodeURL       string `json:"vscodeUrl"`
	WorkerURL       string `json:"workerUrl,omitempty"`
	VNCURL          string `json:"vncUrl,omitempty"`
	XtermURL        string `json:"xtermUrl,omitempty"`
	Provider        string `json:"provider"`
	VSCodePersisted bool   `json:"vscodePersisted"`
}

// Start runs the provisioning pipeline end to end. Fatal stages stop the
// partially provisioned instance before returning; best-effort stages log
// and keep going.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if c.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StartTimeout)
		defer cancel()
	}

	stopTimer := c.metrics.StageTimer("resolve")
	res, err := c.resolver.Resolve(ctx, req.TeamID, req.EnvironmentID, req.SnapshotID)
	stopTimer()
	if err != nil {
		c.metrics.RecordStart("none", "resolve_failed")
		return nil, err
	}
	kind := string(res.Provider)
	log := c.logger.With(zap.String("teamId", req.TeamID), zap.String("provider", kind))

	repoFull, err := repoFullName(req.RepoURL)
	if err != nil {
		return nil, err
	}
	if repoFull == "" && len(res.SelectedRepos) > 0 {
		repoFull = res.SelectedRepos[0]
	}

	var ws *store.WorkspaceSettings
	if req.CloudWorkspace && repoFull != "" {
		ws, err = c.store.GetWorkspaceSettings(ctx, req.TeamID, repoFull)
		if err != nil {
			if !store.IsNotFound(err) {
				log.Warn("workspace settings lookup failed", zap.Error(err))
			}
			ws = nil
		}
	}
	maintenanceScript := res.MaintenanceScript
	if maintenanceScript == "" && ws != nil {
		maintenanceScript = ws.MaintenanceScript
	}

	// Secret fetches overlap the instance boot; they are best-effort and
	// checked again at the env-bootstrap stage.
	var envBlob, wsBlob string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		envBlob = c.fetchVaultBlob(gctx, res.DataVaultKey)
		if ws != nil {
			wsBlob = c.fetchVaultBlob(gctx, ws.EnvVarsDataVaultKey)
		}
		return nil
	})

	prov, err := c.registry.ForKind(res.Provider)
	if err != nil {
		_ = g.Wait()
		c.metrics.RecordStart(kind, "not_configured")
		return nil, err
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}
	stopTimer = c.metrics.StageTimer("instance_start")
	inst, err := prov.Start(ctx, provider.StartOptions{
		SnapshotID:   res.SnapshotID,
		TemplateVMID: res.TemplateVMID,
		TTLSeconds:   ttl,
		TTLAction:    ttlAction,
		Metadata:     c.instanceMetadata(req, res),
	})
	stopTimer()
	c.metrics.RecordProviderRequest(kind, "start")
	if err != nil {
		_ = g.Wait()
		se := Classify(err)
		c.metrics.RecordStart(kind, string(se.Kind))
		log.Error("instance start failed", zap.String("kind", string(se.Kind)), zap.Error(err))
		return nil, se
	}
	log = log.With(zap.String("instanceId", inst.ID))

	c.recorder.RecordCreate(context.WithoutCancel(ctx), activity.Event{
		InstanceID:       inst.ID,
		Provider:         kind,
		TemplateVMID:     res.TemplateVMID,
		SnapshotID:       res.SnapshotID,
		SnapshotProvider: kind,
		TeamID:           req.TeamID,
	})

	if len(inst.HTTPServices) == 0 {
		if fresh, gerr := prov.Get(ctx, inst.ID); gerr == nil {
			inst = fresh
		} else {
			log.Warn("refetch after start failed", zap.Error(gerr))
		}
	}

	editorURL := inst.ServiceURL(provider.ServiceCodeEditor)
	workerURL := inst.ServiceURL(provider.ServiceWorker)
	if editorURL == "" || workerURL == "" {
		_ = g.Wait()
		c.stopQuietly(ctx, prov, inst.ID)
		c.metrics.RecordStart(kind, string(FailStart))
		log.Error("essential services missing after start")
		return nil, &StartError{Kind: FailStart, Message: "instance came up without its editor or worker service"}
	}

	if res.Provider == provider.KindMorph {
		if werr := prov.SetWakeOn(ctx, inst.ID, true, true); werr != nil {
			log.Debug("wake-on hint failed", zap.Error(werr))
		}
	}

	stopTimer = c.metrics.StageTimer("probe")
	c.prober.WaitReady(ctx, editorURL, workerURL)
	stopTimer()

	workspaceURL := editorURL + "?folder=" + hydrate.DefaultWorkspacePath
	vscodePersisted := false
	if req.TaskRunID != "" {
		info := &store.VSCodeInfo{
			Provider:      kind,
			ContainerName: inst.ID,
			Status:        vscodeStatusStarting,
			URL:           editorURL,
			WorkspaceURL:  workspaceURL,
			WorkerURL:     workerURL,
			VNCURL:        inst.ServiceURL(provider.ServiceVNC),
			XtermURL:      inst.ServiceURL(provider.ServiceXterm),
			StartedAt:     c.now(),
		}
		if uerr := c.store.UpdateTaskRunVSCode(ctx, req.TaskRunID, info); uerr != nil {
			log.Warn("persisting vscode info failed", zap.Error(uerr))
		} else {
			vscodePersisted = true
		}
		if len(res.SelectedRepos) > 0 {
			if uerr := c.store.UpdateTaskRunDiscoveredRepos(ctx, req.TaskRunID, res.SelectedRepos); uerr != nil {
				log.Warn("persisting discovered repos failed", zap.Error(uerr))
			}
		}
	}

	_ = g.Wait()
	stopTimer = c.metrics.StageTimer("env_bootstrap")
	c.applyEnv(ctx, prov, inst.ID, envCompose{
		teamID:     req.TeamID,
		envBlob:    envBlob,
		wsBlob:     wsBlob,
		taskRunID:  req.TaskRunID,
		taskRunJWT: req.TaskRunJWT,
	})
	stopTimer()

	agent := req.AgentName
	if agent == "" {
		agent = defaultAgentName
	}
	if gerr := c.installer.ConfigureGitIdentity(ctx, prov, inst.ID, agent, agent+"@cmux"); gerr != nil {
		log.Warn("git identity setup failed", zap.Error(gerr))
	}

	var repoToken string
	if repoFull != "" {
		repoToken = c.resolveRepoToken(ctx, log, req, repoFull)
		if repoToken != "" {
			if ierr := c.installer.InstallCLIAuth(ctx, prov, inst.ID, repoToken); ierr != nil {
				log.Warn("code-host auth install failed", zap.Error(ierr))
			}
		}
	}

	stopTimer = c.metrics.StageTimer("hydrate")
	hp := hydrate.Params{WorkspacePath: hydrate.DefaultWorkspacePath}
	if repoFull != "" {
		hp.RepoFullName = repoFull
		hp.CloneURL = cloneURL(repoFull, repoToken)
		hp.BaseBranch = req.BaseBranch
		hp.NewBranch = req.NewBranch
		hp.Depth = req.Depth
	}
	err = c.hydrator.Run(ctx, prov, inst.ID, hp)
	stopTimer()
	if err != nil {
		c.stopQuietly(ctx, prov, inst.ID)
		se := Classify(err)
		c.metrics.RecordStart(kind, string(se.Kind))
		log.Error("hydration failed", zap.String("repo", repoFull), zap.Error(err))
		return nil, se
	}

	if repoFull != "" {
		if sha, ok := c.hydrator.CaptureStartingCommit(ctx, prov, inst.ID, hydrate.DefaultWorkspacePath); ok && req.TaskRunID != "" {
			if uerr := c.store.UpdateTaskRunStartingCommit(ctx, req.TaskRunID, sha); uerr != nil {
				log.Warn("persisting starting commit failed", zap.Error(uerr))
			}
		}
	}

	if req.TaskRunID != "" && vscodePersisted {
		if uerr := c.store.UpdateTaskRunVSCodeStatus(ctx, req.TaskRunID, vscodeStatusRunning); uerr != nil {
			log.Warn("promoting vscode status failed", zap.Error(uerr))
		}
	}

	if maintenanceScript != "" || res.DevScript != "" {
		c.launchScripts(ctx, prov, inst.ID, req.TaskRunID, scripts.Params{
			MaintenanceScript: maintenanceScript,
			DevScript:         res.DevScript,
		})
	}

	c.metrics.RecordStart(kind, metrics.OutcomeSuccess)
	log.Info("sandbox started",
		zap.String("snapshotId", res.SnapshotID),
		zap.Bool("vscodePersisted", vscodePersisted))
	return &StartResponse{
		InstanceID:      inst.ID,
		VSCodeURL:       workspaceURL,
		WorkerURL:       workerURL,
		VNCURL:          inst.ServiceURL(provider.ServiceVNC),
		XtermURL:        inst.ServiceURL(provider.ServiceXterm),
		Provider:        kind,
		VSCodePersisted: vscodePersisted,
	}, nil
}

// instanceMetadata merges the caller's bag under the keys this service owns.
func (c *Controller) instanceMetadata(req StartRequest, res *snapshot.Resolution) map[string]string {
	md := make(map[string]string, len(req.Metadata)+6)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md[provider.MetaApp] = provider.AppPrefix
	md[provider.MetaTeamID] = req.TeamID
	if req.Identity != nil {
		md[provider.MetaUserID] = req.Identity.UserID
	}
	if res.EnvironmentID != "" {
		md[provider.MetaEnvironmentID] = res.EnvironmentID
	}
	if req.TaskRunID != "" {
		md[provider.MetaTaskRunID] = req.TaskRunID
	}
	if req.AgentName != "" {
		md[provider.MetaAgentName] = req.AgentName
	}
	return md
}

// fetchVaultBlob reads one env-var blob; absence and vault outages both
// degrade to an empty blob.
func (c *Controller) fetchVaultBlob(ctx context.Context, key string) string {
	if c.vault == nil || key == "" {
		return ""
	}
	val, err := c.vault.GetValue(ctx, vault.EnvVarsStore, key)
	if err != nil {
		c.logger.Warn("vault fetch failed", zap.Error(err))
		return ""
	}
	return val
}

type envCompose struct {
	teamID     string
	envBlob    string
	wsBlob     string
	taskRunID  string
	taskRunJWT string
}

// composeEnv concatenates environment vars, workspace vars, the team's
// agent API keys, and the task-run identity into one dotenv blob.
func (c *Controller) composeEnv(ctx context.Context, p envCompose) string {
	var b strings.Builder
	writeBlob := func(blob string) {
		blob = strings.TrimSpace(blob)
		if blob != "" {
			b.WriteString(blob)
			b.WriteString("\n")
		}
	}
	writeBlob(p.envBlob)
	writeBlob(p.wsBlob)

	if keys, err := c.store.GetAgentAPIKeys(ctx, p.teamID); err == nil {
		for _, k := range keys {
			if k.Name != "" {
				fmt.Fprintf(&b, "%s=%s\n", k.Name, k.Value)
			}
		}
	} else {
		c.logger.Warn("agent api key lookup failed", zap.Error(err))
	}

	jwt := p.taskRunJWT
	if jwt == "" && p.taskRunID != "" {
		minted, err := MintTaskRunJWT(c.cfg.TaskRunJWTSecret, p.taskRunID, c.now())
		if err != nil {
			c.logger.Warn("task-run token minting failed", zap.Error(err))
		}
		jwt = minted
	}
	if p.taskRunID != "" {
		fmt.Fprintf(&b, "CMUX_TASK_RUN_ID=%s\n", p.taskRunID)
	}
	if jwt != "" {
		fmt.Fprintf(&b, "CMUX_TASK_RUN_JWT=%s\n", jwt)
	}
	if c.cfg.TaskRunJWTSecret != "" {
		fmt.Fprintf(&b, "CMUX_JWT_SECRET=%s\n", c.cfg.TaskRunJWTSecret)
	}
	return b.String()
}

// applyEnv ships the composed blob through the in-container envctl helper.
// Best-effort: the blob and the command never reach logs.
func (c *Controller) applyEnv(ctx context.Context, prov provider.Provider, instanceID string, p envCompose) {
	content := c.composeEnv(ctx, p)
	if content == "" {
		return
	}
	res, err := prov.Exec(ctx, instanceID, envLoadCommand(content), provider.ExecOptions{Timeout: envApplyTimeout})
	if err != nil {
		c.logger.Warn("environment bootstrap failed",
			zap.String("instanceId", instanceID), zap.Error(err))
		return
	}
	if res.ExitCode != 0 {
		c.logger.Warn("environment bootstrap exited non-zero",
			zap.String("instanceId", instanceID), zap.Int("exitCode", res.ExitCode))
	}
}

// resolveRepoToken runs the credential ladder. Never fails the pipeline;
// hydration decides whether missing auth matters.
func (c *Controller) resolveRepoToken(ctx context.Context, log *zap.Logger, req StartRequest, repoFull string) string {
	if c.broker == nil {
		return ""
	}
	userOAuth := ""
	if req.Identity != nil {
		userOAuth = req.Identity.AccessToken
	}
	ra, err := c.broker.TokenForRepo(ctx, req.TeamID, repoFull, userOAuth)
	if err != nil {
		log.Warn("git credential resolution failed", zap.String("repo", repoFull), zap.Error(err))
		return ""
	}
	log.Debug("git credential resolved",
		zap.String("repo", repoFull), zap.String("source", string(ra.Source)))
	return ra.Token
}

// launchScripts fires the background tmux stages; failures land on the task
// run's environment-error field.
func (c *Controller) launchScripts(ctx context.Context, prov provider.Provider, instanceID, taskRunID string, p scripts.Params) {
	log := c.logger.With(zap.String("instanceId", instanceID))
	report := func(stage string, res scripts.Result) {
		if res.Err == "" && res.ExitCode == 0 {
			log.Info("script finished", zap.String("stage", stage))
			return
		}
		msg := fmt.Sprintf("%s script exited %d", stage, res.ExitCode)
		if res.Err != "" {
			msg = fmt.Sprintf("%s script failed: %s", stage, res.Err)
		}
		log.Warn("script failed", zap.String("stage", stage), zap.String("message", msg))
		if taskRunID != "" {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.store.UpdateTaskRunEnvironmentError(bg, taskRunID, msg); err != nil {
				log.Warn("recording script failure failed", zap.Error(err))
			}
		}
	}
	c.scripts.Launch(context.WithoutCancel(ctx), prov, instanceID, p, report)
}

// stopQuietly is the compensation path for fatal pipeline stages.
func (c *Controller) stopQuietly(ctx context.Context, prov provider.Provider, instanceID string) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := prov.Stop(bg, instanceID); err != nil {
		c.logger.Warn("compensating stop failed",
			zap.String("instanceId", instanceID), zap.Error(err))
	}
}

var (
	reFullName = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)
	reScpLike  = regexp.MustCompile(`^git@[^:]+:([\w.-]+/[\w.-]+?)(?:\.git)?$`)
)

// repoFullName extracts "owner/repo" from the accepted reference shapes:
// plain full names, https URLs, and scp-like git remotes. Empty input maps
// to empty output; anything else unparseable is a bad request.
func repoFullName(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	if reFullName.MatchString(s) {
		return s, nil
	}
	if m := reScpLike.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	u, err := url.Parse(s)
	if err == nil && u.Host != "" {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"), nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized repo reference", ErrBadRequest)
}

// cloneURL builds the https clone URL, embedding the token when present.
// The credentialed form exists only inside the exec command; logs always go
// through the masker.
func cloneURL(repoFull, token string) string {
	if token == "" {
		return fmt.Sprintf("https://github.com/%s.git", repoFull)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repoFull)
}
