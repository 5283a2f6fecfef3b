package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
)

// devPorts are the well-known dev-server ports force-freed before a snapshot.
var devPorts = []int{3000, 3001, 3002, 3003, 4000, 5000, 5173, 5174, 8000, 8080, 8888}

// killProcesses are process names killed by exact match before a snapshot.
var killProcesses = []string{"node", "bun", "vite", "esbuild", "next", "python", "python3"}

// CleanupCommand returns the command bundle run inside an instance before
// every snapshot. Steps are append-only and ordered: processes first, then
// credentials, then browser lock files. Every step tolerates absence of its
// target so the bundle never fails a snapshot on a clean machine.
func CleanupCommand() string {
	var b strings.Builder

	// Terminal-server sessions: kill each session's process, then delete
	// the session itself so the server's registry stays consistent.
	fmt.Fprintf(&b, `SESSIONS=$(curl -sf http://localhost:%d/api/sessions 2>/dev/null || true)
for pid in $(printf '%%s' "$SESSIONS" | grep -o '"pid":[0-9]*' | grep -o '[0-9]*'); do kill -9 "$pid" 2>/dev/null || true; done
for sid in $(printf '%%s' "$SESSIONS" | grep -o '"id":"[^"]*"' | cut -d'"' -f4); do curl -sf -X DELETE "http://localhost:%d/api/sessions/$sid" 2>/dev/null || true; done
`, provider.XtermPort, provider.XtermPort)

	b.WriteString("tmux kill-server 2>/dev/null || true\n")

	for _, p := range killProcesses {
		fmt.Fprintf(&b, "pkill -9 -x %s 2>/dev/null || true\n", p)
	}

	for _, port := range devPorts {
		fmt.Fprintf(&b, "fuser -k -9 %d/tcp 2>/dev/null || true\n", port)
	}

	b.WriteString(`git config --global --unset user.name 2>/dev/null || true
git config --global --unset user.email 2>/dev/null || true
git config --global --unset credential.helper 2>/dev/null || true
gh auth logout --hostname github.com 2>/dev/null || true
rm -rf /root/.config/gh 2>/dev/null || true
`)

	b.WriteString(`rm -f /root/.config/google-chrome/Singleton* 2>/dev/null || true
rm -f /root/.config/chromium/Singleton* 2>/dev/null || true
rm -f /root/.config/google-chrome/SingletonLock /root/.config/google-chrome/SingletonSocket /root/.config/google-chrome/SingletonCookie 2>/dev/null || true
`)

	b.WriteString("true\n")
	return b.String()
}

// RunCleanup executes the snapshot-cleanup bundle inside the instance. A
// non-zero exit is reported but individual step failures are already
// swallowed by the bundle itself.
func RunCleanup(ctx context.Context, prov provider.Provider, instanceID string, logger *zap.Logger) error {
	res, err := prov.Exec(ctx, instanceID, CleanupCommand(), provider.ExecOptions{Timeout: 2 * time.Minute})
	if err != nil {
		return fmt.Errorf("snapshot cleanup: %w", err)
	}
	if res.ExitCode != 0 {
		logger.Warn("snapshot cleanup exited non-zero",
			zap.String("instanceId", instanceID),
			zap.Int("exitCode", res.ExitCode))
	}
	return nil
}
