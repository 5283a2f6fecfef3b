package morph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
)

// startWaitTimeout bounds the post-boot wait for a live status.
const startWaitTimeout = 2 * time.Minute

// Provider adapts the Morph Cloud API to the uniform provider interface.
type Provider struct {
	client *Client
	logger *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates the Morph provider adapter.
func New(client *Client, logger *zap.Logger) *Provider {
	return &Provider{client: client, logger: logger.Named("morph")}
}

// Kind implements provider.Provider.
func (p *Provider) Kind() provider.Kind { return provider.KindMorph }

// Get implements provider.Provider.
func (p *Provider) Get(ctx context.Context, id string) (*provider.Instance, error) {
	inst, err := p.client.GetInstance(ctx, id)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
		}
		return nil, err
	}
	return toInstance(inst), nil
}

// List implements provider.Provider. Only instances carrying our app marker
// are returned.
func (p *Provider) List(ctx context.Context) ([]*provider.Instance, error) {
	apiInstances, err := p.client.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*provider.Instance, 0, len(apiInstances))
	for i := range apiInstances {
		inst := toInstance(&apiInstances[i])
		if inst.IsOurs() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Start implements provider.Provider. It boots from the snapshot and waits
// for a live status; networking may still be empty in the returned snapshot
// (callers re-fetch when it is).
func (p *Provider) Start(ctx context.Context, opts provider.StartOptions) (*provider.Instance, error) {
	booted, err := p.client.BootInstance(ctx, BootRequest{
		SnapshotID: opts.SnapshotID,
		TTLSeconds: opts.TTLSeconds,
		TTLAction:  opts.TTLAction,
		Metadata:   opts.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("booting snapshot %s: %w", opts.SnapshotID, err)
	}

	p.logger.Info("instance booted",
		zap.String("instance_id", booted.ID),
		zap.String("snapshot_id", opts.SnapshotID))

	ready, err := p.client.WaitForInstance(ctx, booted.ID, startWaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for instance %s: %w", booted.ID, err)
	}
	return toInstance(ready), nil
}

// Exec implements provider.Provider.
func (p *Provider) Exec(ctx context.Context, id, command string, opts provider.ExecOptions) (*provider.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	result, err := p.client.ExecCommand(ctx, id, command)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
		}
		return nil, err
	}
	return &provider.ExecResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
	}, nil
}

// ExposeHTTPService implements provider.Provider.
func (p *Provider) ExposeHTTPService(ctx context.Context, id, name string, port int) (string, error) {
	svc, err := p.client.ExposeHTTPService(ctx, id, name, port)
	if err != nil {
		return "", err
	}
	return svc.URL, nil
}

// HideHTTPService implements provider.Provider. A 404 on the service name
// means it is already hidden.
func (p *Provider) HideHTTPService(ctx context.Context, id, name string) error {
	err := p.client.HideHTTPService(ctx, id, name)
	if err != nil && provider.IsNotFound(err) {
		return nil
	}
	return err
}

// Pause implements provider.Provider. RAM state is preserved; in-container
// processes resume where they were.
func (p *Provider) Pause(ctx context.Context, id string) error {
	return p.client.PauseInstance(ctx, id)
}

// Resume implements provider.Provider.
func (p *Provider) Resume(ctx context.Context, id string) error {
	return p.client.ResumeInstance(ctx, id)
}

// Stop implements provider.Provider. Stopping an already-gone instance is
// not an error.
func (p *Provider) Stop(ctx context.Context, id string) error {
	err := p.client.StopInstance(ctx, id)
	if err != nil && provider.IsNotFound(err) {
		return nil
	}
	return err
}

// SetWakeOn implements provider.Provider.
func (p *Provider) SetWakeOn(ctx context.Context, id string, connection, ssh bool) error {
	return p.client.SetWakeOn(ctx, id, connection, ssh)
}

// Snapshot implements provider.Provider.
func (p *Provider) Snapshot(ctx context.Context, id string, metadata map[string]string) (*provider.SnapshotResult, error) {
	snap, err := p.client.SnapshotInstance(ctx, id, metadata)
	if err != nil {
		return nil, fmt.Errorf("snapshotting instance %s: %w", id, err)
	}
	return &provider.SnapshotResult{SnapshotID: snap.ID}, nil
}

// DeleteTemplate implements provider.Provider. Morph has no numeric
// templates.
func (p *Provider) DeleteTemplate(ctx context.Context, vmid int) error {
	return provider.ErrUnsupported
}

// GetSSHKey returns the instance's SSH private key. Used by the ssh
// endpoint, which is morph-only.
func (p *Provider) GetSSHKey(ctx context.Context, id string) (string, error) {
	return p.client.GetSSHKey(ctx, id)
}

// UpdateTTL replaces the instance TTL.
func (p *Provider) UpdateTTL(ctx context.Context, id string, ttlSeconds int, action string) error {
	return p.client.UpdateTTL(ctx, id, ttlSeconds, action)
}

// toInstance converts the wire shape to the provider-neutral model.
func toInstance(inst *APIInstance) *provider.Instance {
	out := &provider.Instance{
		ID:       inst.ID,
		Provider: provider.KindMorph,
		Status:   toStatus(inst.Status),
		Metadata: inst.Metadata,
	}

	if inst.Networking != nil {
		out.HTTPServices = make([]provider.HTTPService, 0, len(inst.Networking.Services))
		for _, svc := range inst.Networking.Services {
			out.HTTPServices = append(out.HTTPServices, provider.HTTPService{
				Name: svc.Name,
				Port: svc.Port,
				URL:  svc.URL,
			})
		}
		sort.Slice(out.HTTPServices, func(i, j int) bool {
			return out.HTTPServices[i].Port < out.HTTPServices[j].Port
		})
	}

	return out
}

func toStatus(s string) provider.Status {
	switch s {
	case "running":
		return provider.StatusRunning
	case "ready":
		return provider.StatusReady
	case "pending", "starting", "booting":
		return provider.StatusStarting
	case "paused", "pausing", "saving":
		return provider.StatusPaused
	case "stopped", "stopping":
		return provider.StatusStopped
	default:
		return provider.StatusUnknown
	}
}
