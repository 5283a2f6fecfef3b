// Package ports reconciles an instance's exposed user ports against the
// desired set, sourced from the environment record or from the workspace's
// devcontainer config.
package ports

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
)

// DevcontainerPath is where the hydrated workspace keeps its devcontainer
// config.
const DevcontainerPath = "/root/workspace/.devcontainer/devcontainer.json"

// Execer runs shell commands inside an instance.
type Execer interface {
	Exec(ctx context.Context, id, command string, opts provider.ExecOptions) (*provider.ExecResult, error)
}

// Publisher exposes and hides user port services.
type Publisher struct {
	logger *zap.Logger
}

// NewPublisher wires a publisher.
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger.Named("ports")}
}

// ForwardPorts reads the workspace devcontainer config inside the instance
// and returns its numeric forwardPorts entries. A missing or unreadable file
// is not an error; devcontainer configs are optional.
func (p *Publisher) ForwardPorts(ctx context.Context, ex Execer, instanceID string) ([]int, error) {
	command := fmt.Sprintf("cat %s 2>/dev/null || true", DevcontainerPath)
	res, err := ex.Exec(ctx, instanceID, command, provider.ExecOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading devcontainer config: %w", err)
	}
	raw := strings.TrimSpace(res.Stdout)
	if raw == "" {
		return nil, nil
	}
	ports, err := parseForwardPorts([]byte(raw))
	if err != nil {
		p.logger.Warn("unparseable devcontainer config",
			zap.String("instanceId", instanceID), zap.Error(err))
		return nil, nil
	}
	return ports, nil
}

// parseForwardPorts extracts forwardPorts from devcontainer JSON. The format
// allows comments and trailing commas, so the bytes go through hujson first.
// Entries are numbers or strings; "host:port" strings target another host
// and are skipped.
func parseForwardPorts(raw []byte) ([]int, error) {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		ForwardPorts []json.RawMessage `json:"forwardPorts"`
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, err
	}
	var ports []int
	for _, entry := range cfg.ForwardPorts {
		var n int
		if err := json.Unmarshal(entry, &n); err == nil {
			ports = append(ports, n)
			continue
		}
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				ports = append(ports, n)
			}
		}
	}
	return ports, nil
}

// Desired canonicalizes the port set: environment ports win when present,
// else the devcontainer's; reserved and out-of-range ports are dropped; the
// result is sorted and deduped.
func Desired(environmentPorts, devcontainerPorts []int) []int {
	src := environmentPorts
	if len(src) == 0 {
		src = devcontainerPorts
	}
	seen := make(map[int]bool, len(src))
	out := make([]int, 0, len(src))
	for _, port := range src {
		if port < 1 || port > 65535 || provider.IsReservedPort(port) || seen[port] {
			continue
		}
		seen[port] = true
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// Reconcile drives the instance's user port services to the desired set:
// stale port-* services are hidden, missing ports exposed. Individual
// failures do not abort the pass; the first expose failure is returned after
// the full sweep so partial state can converge on the next call.
//
// Returns the resulting user services sorted by port. Morph is re-fetched
// for canonical state; LXC keeps the locally composed view since its expose
// is in-memory and a refresh would discard it.
func (p *Publisher) Reconcile(ctx context.Context, prov provider.Provider, inst *provider.Instance, desired []int) ([]provider.HTTPService, error) {
	desiredSet := make(map[int]bool, len(desired))
	for _, port := range desired {
		desiredSet[port] = true
	}

	current := make([]provider.HTTPService, 0, len(inst.HTTPServices))
	exposed := make(map[int]bool)
	var firstErr error

	for _, svc := range inst.HTTPServices {
		if !strings.HasPrefix(svc.Name, provider.UserPortPrefix) || provider.IsReservedPort(svc.Port) {
			current = append(current, svc)
			continue
		}
		if desiredSet[svc.Port] {
			current = append(current, svc)
			exposed[svc.Port] = true
			continue
		}
		if err := prov.HideHTTPService(ctx, inst.ID, svc.Name); err != nil {
			p.logger.Warn("hiding port service failed",
				zap.String("instanceId", inst.ID), zap.String("service", svc.Name), zap.Error(err))
			current = append(current, svc)
		}
	}

	for _, port := range desired {
		if exposed[port] {
			continue
		}
		name := fmt.Sprintf("%s%d", provider.UserPortPrefix, port)
		url, err := prov.ExposeHTTPService(ctx, inst.ID, name, port)
		if err != nil {
			p.logger.Warn("exposing port failed",
				zap.String("instanceId", inst.ID), zap.Int("port", port), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("exposing port %d: %w", port, err)
			}
			continue
		}
		current = append(current, provider.HTTPService{Name: name, Port: port, URL: url})
	}

	services := current
	if prov.Kind() == provider.KindMorph {
		if fresh, err := prov.Get(ctx, inst.ID); err == nil {
			services = fresh.HTTPServices
		} else {
			p.logger.Warn("instance refresh after port update failed",
				zap.String("instanceId", inst.ID), zap.Error(err))
		}
	}
	return UserServices(services), firstErr
}

// UserServices filters to user-exposed port services, sorted by port.
func UserServices(services []provider.HTTPService) []provider.HTTPService {
	out := make([]provider.HTTPService, 0, len(services))
	for _, svc := range services {
		if strings.HasPrefix(svc.Name, provider.UserPortPrefix) && !provider.IsReservedPort(svc.Port) {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// TaskRunEntries shapes services for the task run's networking mirror.
func TaskRunEntries(services []provider.HTTPService) []store.PortService {
	out := make([]store.PortService, 0, len(services))
	for _, svc := range services {
		out = append(out, store.PortService{Status: "running", Port: svc.Port, URL: svc.URL})
	}
	return out
}
