// Package scripts launches user maintenance and dev scripts inside the
// sandbox's persistent tmux session. Launches are fire-and-forget: the HTTP
// response never waits, and failures land on the task run record through a
// caller-supplied reporter.
package scripts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/util"
)

const (
	// SessionName is the persistent in-container tmux session.
	SessionName = "cmux"

	scriptDir     = "/tmp/cmux-scripts"
	hereDocMarker = "CMUX_SCRIPT_EOF"

	// StageMaintenance and StageDev tag reported results.
	StageMaintenance = "maintenance"
	StageDev         = "dev"
)

// Execer runs shell commands inside an instance.
type Execer interface {
	Exec(ctx context.Context, id, command string, opts provider.ExecOptions) (*provider.ExecResult, error)
}

// Params carries the two optional scripts.
type Params struct {
	MaintenanceScript string
	DevScript         string
}

// Result is one script's outcome. Ran means the launch was attempted; Err
// carries launch or runtime failures; ExitCode is valid when Err is empty.
type Result struct {
	Ran      bool
	ExitCode int
	Err      string
}

// Reporter receives script outcomes. Called from background goroutines.
type Reporter func(stage string, res Result)

// Orchestrator drives tmux inside instances over provider exec.
type Orchestrator struct {
	logger *zap.Logger

	execTimeout      time.Duration
	windowCheckDelay time.Duration
	pollInterval     time.Duration
	maintenanceWait  time.Duration
}

// NewOrchestrator wires the orchestrator with production timings.
func NewOrchestrator(logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger:           logger.Named("scripts"),
		execTimeout:      30 * time.Second,
		windowCheckDelay: 2 * time.Second,
		pollInterval:     5 * time.Second,
		maintenanceWait:  6 * time.Hour,
	}
}

// Launched tracks the background goroutines of one Launch call.
type Launched struct {
	wg sync.WaitGroup
}

// Wait blocks until every background stage is finished. Tests use it; the
// HTTP path never does.
func (l *Launched) Wait() { l.wg.Wait() }

func newSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Launch starts whichever scripts are configured. The dev script waits on
// the maintenance completion marker so user setup finishes before the dev
// server boots. ctx should not be an HTTP request context; these goroutines
// outlive the response.
func (o *Orchestrator) Launch(ctx context.Context, ex Execer, instanceID string, p Params, report Reporter) *Launched {
	launched := &Launched{}
	if p.MaintenanceScript == "" && p.DevScript == "" {
		return launched
	}
	suffix := newSuffix()

	var maintenanceMarker string
	if p.MaintenanceScript != "" {
		maintenanceMarker = fmt.Sprintf("%s/maintenance-%s.done", scriptDir, suffix)
		launched.wg.Add(1)
		go func() {
			defer launched.wg.Done()
			report(StageMaintenance, o.runMaintenance(ctx, ex, instanceID, suffix, p.MaintenanceScript))
		}()
	}
	if p.DevScript != "" {
		launched.wg.Add(1)
		go func() {
			defer launched.wg.Done()
			report(StageDev, o.runDev(ctx, ex, instanceID, suffix, p.DevScript, maintenanceMarker))
		}()
	}
	return launched
}

func (o *Orchestrator) exec(ctx context.Context, ex Execer, instanceID, command string) (*provider.ExecResult, error) {
	return ex.Exec(ctx, instanceID, command, provider.ExecOptions{Timeout: o.execTimeout})
}

// uploadScript writes a script into the instance through a quoted here-doc.
func (o *Orchestrator) uploadScript(ctx context.Context, ex Execer, instanceID, path, content string) error {
	if strings.Contains(content, hereDocMarker) {
		return fmt.Errorf("script contains reserved marker %s", hereDocMarker)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s && cat > %s <<'%s'\n", scriptDir, path, hereDocMarker)
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s", hereDocMarker)

	res, err := o.exec(ctx, ex, instanceID, b.String())
	if err != nil {
		return fmt.Errorf("uploading script: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("uploading script exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// ensureSession creates the tmux session if it is not already there.
func (o *Orchestrator) ensureSession(ctx context.Context, ex Execer, instanceID string) error {
	command := fmt.Sprintf("tmux has-session -t %s 2>/dev/null || tmux new-session -d -s %s", SessionName, SessionName)
	res, err := o.exec(ctx, ex, instanceID, command)
	if err != nil {
		return fmt.Errorf("ensuring tmux session: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ensuring tmux session exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// openWindow opens a named window and types the command into it.
func (o *Orchestrator) openWindow(ctx context.Context, ex Execer, instanceID, window, command string) error {
	open := fmt.Sprintf("tmux new-window -t %s -n %s", SessionName, window)
	if res, err := o.exec(ctx, ex, instanceID, open); err != nil {
		return fmt.Errorf("opening window %s: %w", window, err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("opening window %s exited %d: %s", window, res.ExitCode, res.Stderr)
	}

	send := fmt.Sprintf("tmux send-keys -t %s:%s %s Enter", SessionName, window, util.ShellQuote(command))
	if res, err := o.exec(ctx, ex, instanceID, send); err != nil {
		return fmt.Errorf("sending keys to %s: %w", window, err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("sending keys to %s exited %d: %s", window, res.ExitCode, res.Stderr)
	}
	return nil
}

// runMaintenance uploads the script, runs it in its own window, and polls
// the exit-code file until the script reports. User scripts can run for a
// long time; the bound is hours, not minutes.
func (o *Orchestrator) runMaintenance(ctx context.Context, ex Execer, instanceID, suffix, script string) Result {
	window := "maintenance-" + suffix
	scriptPath := fmt.Sprintf("%s/%s.sh", scriptDir, window)
	exitPath := fmt.Sprintf("%s/%s.exit", scriptDir, window)
	markerPath := fmt.Sprintf("%s/%s.done", scriptDir, window)

	if err := o.uploadScript(ctx, ex, instanceID, scriptPath, script); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	if err := o.ensureSession(ctx, ex, instanceID); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}

	// print is the zsh builtin; the trailing exec keeps the window alive for
	// inspection after the script finishes.
	command := fmt.Sprintf("zsh %s; print $? > %s; touch %s; exec zsh", scriptPath, exitPath, markerPath)
	if err := o.openWindow(ctx, ex, instanceID, window, command); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	o.logger.Info("maintenance script launched",
		zap.String("instanceId", instanceID), zap.String("window", window))

	exitCode, err := o.waitForExitFile(ctx, ex, instanceID, exitPath)
	if err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	return Result{Ran: true, ExitCode: exitCode}
}

// waitForExitFile polls until the exit-code file has content.
func (o *Orchestrator) waitForExitFile(ctx context.Context, ex Execer, instanceID, exitPath string) (int, error) {
	deadline := time.Now().Add(o.maintenanceWait)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("maintenance script did not report within %s", o.maintenanceWait)
		}

		res, err := o.exec(ctx, ex, instanceID, fmt.Sprintf("cat %s 2>/dev/null || true", exitPath))
		if err != nil {
			// Transient exec failures are expected while the script runs.
			continue
		}
		out := strings.TrimSpace(res.Stdout)
		if out == "" {
			continue
		}
		code, convErr := strconv.Atoi(out)
		if convErr != nil {
			return 0, fmt.Errorf("unreadable exit code %q", out)
		}
		return code, nil
	}
}

// runDev waits for maintenance (when configured), opens the dev window, and
// confirms it survived its first moments.
func (o *Orchestrator) runDev(ctx context.Context, ex Execer, instanceID, suffix, script, maintenanceMarker string) Result {
	if maintenanceMarker != "" {
		if err := o.waitForMarker(ctx, ex, instanceID, maintenanceMarker); err != nil {
			return Result{Ran: true, Err: err.Error()}
		}
	}

	window := "dev-" + suffix
	scriptPath := fmt.Sprintf("%s/%s.sh", scriptDir, window)
	if err := o.uploadScript(ctx, ex, instanceID, scriptPath, script); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	if err := o.ensureSession(ctx, ex, instanceID); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	if err := o.openWindow(ctx, ex, instanceID, window, "zsh "+scriptPath); err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	o.logger.Info("dev script launched",
		zap.String("instanceId", instanceID), zap.String("window", window))

	// A dev server that dies instantly takes its window with it.
	select {
	case <-ctx.Done():
		return Result{Ran: true, Err: ctx.Err().Error()}
	case <-time.After(o.windowCheckDelay):
	}
	alive, err := o.windowExists(ctx, ex, instanceID, window)
	if err != nil {
		return Result{Ran: true, Err: err.Error()}
	}
	if !alive {
		return Result{Ran: true, Err: fmt.Sprintf("dev window %s exited immediately", window)}
	}
	return Result{Ran: true}
}

// waitForMarker polls for the maintenance completion marker.
func (o *Orchestrator) waitForMarker(ctx context.Context, ex Execer, instanceID, markerPath string) error {
	deadline := time.Now().Add(o.maintenanceWait)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("maintenance marker not seen within %s", o.maintenanceWait)
		}

		res, err := o.exec(ctx, ex, instanceID, fmt.Sprintf("test -f %s && echo yes || echo no", markerPath))
		if err != nil {
			continue
		}
		if strings.TrimSpace(res.Stdout) == "yes" {
			return nil
		}
	}
}

// windowExists asks tmux whether the named window is still listed.
func (o *Orchestrator) windowExists(ctx context.Context, ex Execer, instanceID, window string) (bool, error) {
	command := fmt.Sprintf("tmux list-windows -t %s -F '#{window_name}' 2>/dev/null || true", SessionName)
	res, err := o.exec(ctx, ex, instanceID, command)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == window {
			return true, nil
		}
	}
	return false, nil
}
