package pvelxc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/steveyegge/bullpen/internal/provider"
)

const (
	// defaultExecTimeout applies when the caller supplies none. The exec
	// daemon kills the command after this.
	defaultExecTimeout = 5 * time.Minute

	// execRetries bounds retries per candidate host. Freshly cloned
	// containers take a few seconds before the daemon answers.
	execRetries = 5

	// execRetryBase is the linear backoff unit between exec retries.
	execRetryBase = 2 * time.Second
)

// execEvent is one NDJSON event streamed by the in-container exec daemon.
type execEvent struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// buildExecURL normalizes a candidate host into the daemon's /exec endpoint.
func buildExecURL(host string) (string, error) {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", err
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/exec"
		}
		return u.String(), nil
	}
	u := &url.URL{Scheme: "http", Host: host, Path: "/exec"}
	return u.String(), nil
}

// tryHTTPExec posts the command to one candidate host and consumes the
// event stream. A nil result with nil error means the host was unreachable
// and the caller should try the next candidate.
func (c *Client) tryHTTPExec(ctx context.Context, host, command string, timeout time.Duration) (*provider.ExecResult, error) {
	execURL, err := buildExecURL(host)
	if err != nil {
		return nil, err
	}

	effective := timeout
	if effective <= 0 {
		effective = defaultExecTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Leave headroom so we surface the daemon's own timeout event
		// instead of a raw context error.
		remaining := time.Until(deadline) - 30*time.Second
		if remaining > 0 && remaining < effective {
			effective = remaining
		}
	}

	body := map[string]any{
		// The daemon spawns commands without a login shell; root's
		// environment has to come along explicitly.
		"command":    fmt.Sprintf("export HOME=/root XDG_RUNTIME_DIR=/run/user/0; %s", command),
		"timeout_ms": int(effective.Milliseconds()),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, execURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.execHTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var stdout, stderr strings.Builder
	exitCode := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev execEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "stdout":
			if ev.Data != "" {
				stdout.WriteString(ev.Data)
				stdout.WriteString("\n")
			}
		case "stderr":
			if ev.Data != "" {
				stderr.WriteString(ev.Data)
				stderr.WriteString("\n")
			}
		case "exit":
			exitCode = ev.Code
		case "error":
			if ev.Message != "" {
				stderr.WriteString(ev.Message)
				stderr.WriteString("\n")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &provider.ExecResult{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		ExitCode: exitCode,
	}, nil
}

// execCandidates builds the reachable-host ladder for the exec daemon:
// public domain, DNS search-domain FQDN, raw container IP.
func (c *Client) execCandidates(ctx context.Context, vmid int, hostname string) []string {
	candidates := make([]string, 0, 3)
	if publicURL, ok := c.buildPublicServiceURL(provider.ExecDaemonPort, hostname); ok {
		candidates = append(candidates, publicURL)
	}
	if domainSuffix, _ := c.getDomainSuffix(ctx); domainSuffix != "" {
		candidates = append(candidates, fmt.Sprintf("http://%s%s:%d", hostname, domainSuffix, provider.ExecDaemonPort))
	}
	if ip, _ := c.getContainerIP(ctx, vmid); ip != "" {
		candidates = append(candidates, fmt.Sprintf("http://%s:%d", ip, provider.ExecDaemonPort))
	}
	return candidates
}

// ExecCommand runs a shell command through the in-container exec daemon,
// walking the candidate ladder with per-candidate retries.
func (c *Client) ExecCommand(ctx context.Context, instanceID, command string, timeout time.Duration) (*provider.ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	vmid, hostname, err := c.ResolveVMID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	candidates := c.execCandidates(ctx, vmid, hostname)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no reachable exec host candidates for container %d", vmid)
	}

	for _, host := range candidates {
		for attempt := 1; attempt <= execRetries; attempt++ {
			result, err := c.tryHTTPExec(ctx, host, command, timeout)
			if err != nil && ctx.Err() != nil {
				return nil, err
			}
			if err == nil && result != nil {
				return result, nil
			}
			if attempt < execRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt) * execRetryBase):
				}
			}
		}
	}

	return nil, fmt.Errorf("exec daemon unreachable for container %d via %s", vmid, strings.Join(candidates, ", "))
}
