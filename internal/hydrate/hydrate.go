// Package hydrate prepares a sandbox workspace: it ships the bootstrapper
// into the container over exec, clones or refreshes the requested repo, and
// captures the starting commit. Credentialed clone URLs never reach logs.
package hydrate

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/ghauth"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/util"
)

//go:embed bootstrap.sh
var bootstrapScript string

// DefaultWorkspacePath is where the in-container image expects the repo.
const DefaultWorkspacePath = "/root/workspace"

const (
	runTimeout    = 10 * time.Minute
	hereDocMarker = "CMUX_BOOTSTRAP_EOF"
)

// Execer runs shell commands inside an instance.
type Execer interface {
	Exec(ctx context.Context, id, command string, opts provider.ExecOptions) (*provider.ExecResult, error)
}

// Params describes one hydration. Zero RepoFullName means "just ensure the
// workspace directory exists".
type Params struct {
	WorkspacePath string
	RepoFullName  string
	CloneURL      string
	BaseBranch    string
	NewBranch     string
	Depth         int
}

// Engine runs the bootstrapper inside instances.
type Engine struct {
	logger *zap.Logger
}

// NewEngine wires the engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("hydrate")}
}

// env builds the exported variable set the bootstrapper contract requires.
func (p Params) env() map[string]string {
	workspace := p.WorkspacePath
	if workspace == "" {
		workspace = DefaultWorkspacePath
	}
	depth := p.Depth
	if depth <= 0 {
		depth = 1
	}
	env := map[string]string{
		"CMUX_WORKSPACE_PATH": workspace,
		"CMUX_DEPTH":          fmt.Sprintf("%d", depth),
	}
	if p.RepoFullName == "" {
		return env
	}
	env["CMUX_REPO_FULL"] = p.RepoFullName
	if owner, name, ok := ghauth.SplitRepo(p.RepoFullName); ok {
		env["CMUX_OWNER"] = owner
		env["CMUX_REPO"] = name
	}
	env["CMUX_CLONE_URL"] = p.CloneURL
	env["CMUX_MASKED_CLONE_URL"] = ghauth.MaskURL(p.CloneURL)
	if p.BaseBranch != "" {
		env["CMUX_BASE_BRANCH"] = p.BaseBranch
	}
	if p.NewBranch != "" {
		env["CMUX_NEW_BRANCH"] = p.NewBranch
	}
	return env
}

// buildCommand writes the bootstrapper through a quoted here-doc, exports
// the parameters, runs it, and removes the temp file whatever the outcome.
func buildCommand(p Params) (string, error) {
	if strings.Contains(bootstrapScript, hereDocMarker) {
		return "", fmt.Errorf("bootstrapper collides with here-doc marker")
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	scriptPath := "/tmp/cmux-bootstrap-" + hex.EncodeToString(suffix) + ".sh"

	env := p.env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		exports = append(exports, fmt.Sprintf("export %s=%s", k, util.ShellQuote(env[k])))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "cat > %s <<'%s'\n", scriptPath, hereDocMarker)
	b.WriteString(bootstrapScript)
	if !strings.HasSuffix(bootstrapScript, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s\n", hereDocMarker)
	fmt.Fprintf(&b, "chmod +x %s\n", scriptPath)
	b.WriteString(strings.Join(exports, "\n"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "bash %s\n", scriptPath)
	b.WriteString("status=$?\n")
	fmt.Fprintf(&b, "rm -f %s\n", scriptPath)
	b.WriteString("exit $status\n")
	return b.String(), nil
}

// Run executes one hydration. A non-zero bootstrapper exit fails the start
// pipeline; everything the engine logs is masked.
func (e *Engine) Run(ctx context.Context, ex Execer, instanceID string, p Params) error {
	command, err := buildCommand(p)
	if err != nil {
		return err
	}

	masked := ghauth.MaskURL(p.RepoFullName)
	e.logger.Info("hydrating workspace",
		zap.String("instanceId", instanceID),
		zap.String("repo", masked),
		zap.String("baseBranch", p.BaseBranch),
		zap.String("newBranch", p.NewBranch))

	res, err := ex.Exec(ctx, instanceID, command, provider.ExecOptions{Timeout: runTimeout})
	if err != nil {
		return fmt.Errorf("hydration exec: %w", err)
	}
	if res.ExitCode != 0 {
		detail := ghauth.Sanitize(res.Stderr+" "+res.Stdout, p.CloneURL)
		e.logger.Warn("hydration failed",
			zap.String("instanceId", instanceID),
			zap.Int("exitCode", res.ExitCode),
			zap.String("output", detail))
		return fmt.Errorf("hydration exited %d: %s", res.ExitCode, detail)
	}
	e.logger.Info("hydration complete", zap.String("instanceId", instanceID))
	return nil
}

var reCommitSHA = regexp.MustCompile(`^[0-9a-f]{40}$`)

// CaptureStartingCommit reads HEAD from the hydrated workspace. Returns
// ("", false) when the output is not a commit sha; callers treat that as
// "nothing to record".
func (e *Engine) CaptureStartingCommit(ctx context.Context, ex Execer, instanceID, workspacePath string) (string, bool) {
	if workspacePath == "" {
		workspacePath = DefaultWorkspacePath
	}
	res, err := ex.Exec(ctx, instanceID,
		fmt.Sprintf("git -C %s rev-parse HEAD", util.ShellQuote(workspacePath)),
		provider.ExecOptions{Timeout: 15 * time.Second})
	if err != nil || res.ExitCode != 0 {
		return "", false
	}
	sha := strings.ToLower(strings.TrimSpace(res.Stdout))
	if !reCommitSHA.MatchString(sha) {
		return "", false
	}
	return sha, true
}
