package pvelxc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
)

// instanceState is the provider-side record for one container. Proxmox has
// no metadata or service registry for LXC, so both live here. Exposed user
// ports are in-memory only; a restart of this service forgets them and the
// next port reconcile re-exposes from the desired set.
type instanceState struct {
	metadata  map[string]string
	userPorts map[string]provider.HTTPService
}

// Provider adapts Proxmox LXC containers to the uniform provider interface.
type Provider struct {
	client *Client
	logger *zap.Logger

	mu     sync.Mutex
	states map[int]*instanceState
}

var _ provider.Provider = (*Provider)(nil)

// New creates the Proxmox LXC provider adapter.
func New(client *Client, logger *zap.Logger) *Provider {
	return &Provider{
		client: client,
		logger: logger.Named("pvelxc"),
		states: make(map[int]*instanceState),
	}
}

// Kind implements provider.Provider.
func (p *Provider) Kind() provider.Kind { return provider.KindPveLxc }

// state returns the in-memory record for a VMID, creating it if absent.
func (p *Provider) state(vmid int) *instanceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[vmid]
	if !ok {
		st = &instanceState{
			metadata:  make(map[string]string),
			userPorts: make(map[string]provider.HTTPService),
		}
		p.states[vmid] = st
	}
	return st
}

func (p *Provider) forgetState(vmid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, vmid)
}

// isOurHostname reports whether a container hostname marks one of ours.
func isOurHostname(hostname string) bool {
	return strings.HasPrefix(hostname, "cmux-") || strings.HasPrefix(hostname, "pvelxc-")
}

// Get implements provider.Provider.
func (p *Provider) Get(ctx context.Context, id string) (*provider.Instance, error) {
	vmid, hostname, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		return nil, err
	}

	status, err := p.client.GetContainerStatus(ctx, vmid)
	if err != nil {
		return nil, err
	}

	return p.composeInstance(ctx, vmid, hostname, status), nil
}

// List implements provider.Provider. Template containers and hostnames
// outside our naming are skipped.
func (p *Provider) List(ctx context.Context) ([]*provider.Instance, error) {
	containers, err := p.client.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*provider.Instance, 0, len(containers))
	for _, ctr := range containers {
		hostname := NormalizeHostID(ctr.Name)
		if hostname == "" || ctr.Template != 0 || !isOurHostname(hostname) {
			continue
		}
		out = append(out, p.composeInstance(ctx, ctr.VMID, hostname, ctr.Status))
	}
	return out, nil
}

// Start implements provider.Provider. The template VMID comes from the
// resolved start options, falling back to the snapshot manifest.
func (p *Provider) Start(ctx context.Context, opts provider.StartOptions) (*provider.Instance, error) {
	templateVMID := opts.TemplateVMID
	if templateVMID <= 0 {
		resolved, err := p.client.ResolveTemplate(opts.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("resolving snapshot %s: %w", opts.SnapshotID, err)
		}
		templateVMID = resolved
	}

	instanceID, err := GenerateInstanceID()
	if err != nil {
		return nil, err
	}

	vmid, err := p.client.CloneAndStart(ctx, templateVMID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("cloning template %d: %w", templateVMID, err)
	}

	st := p.state(vmid)
	p.mu.Lock()
	for k, v := range opts.Metadata {
		st.metadata[k] = v
	}
	p.mu.Unlock()

	p.logger.Info("container cloned and started",
		zap.String("instance_id", instanceID),
		zap.Int("vmid", vmid),
		zap.Int("template_vmid", templateVMID))

	return p.composeInstance(ctx, vmid, instanceID, "running"), nil
}

// Exec implements provider.Provider.
func (p *Provider) Exec(ctx context.Context, id, command string, opts provider.ExecOptions) (*provider.ExecResult, error) {
	return p.client.ExecCommand(ctx, id, command, opts.Timeout)
}

// ExposeHTTPService implements provider.Provider. The exposure is recorded
// in-memory only: every container port is already reachable through the
// public-domain wildcard, so exposing means remembering the name→port
// binding and handing back the URL.
func (p *Provider) ExposeHTTPService(ctx context.Context, id, name string, port int) (string, error) {
	vmid, hostname, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		return "", err
	}

	serviceURL, err := p.client.BuildServiceURL(ctx, port, vmid, hostname)
	if err != nil {
		return "", err
	}

	st := p.state(vmid)
	p.mu.Lock()
	st.userPorts[name] = provider.HTTPService{Name: name, Port: port, URL: serviceURL}
	p.mu.Unlock()

	return serviceURL, nil
}

// HideHTTPService implements provider.Provider. Hiding an unknown name is a
// no-op.
func (p *Provider) HideHTTPService(ctx context.Context, id, name string) error {
	vmid, _, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}

	st := p.state(vmid)
	p.mu.Lock()
	delete(st.userPorts, name)
	p.mu.Unlock()
	return nil
}

// Pause implements provider.Provider. LXC has no hibernate: pause stops the
// container, and in-container processes do not survive.
func (p *Provider) Pause(ctx context.Context, id string) error {
	vmid, _, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		return err
	}
	return p.client.StopContainer(ctx, vmid)
}

// Resume implements provider.Provider.
func (p *Provider) Resume(ctx context.Context, id string) error {
	vmid, _, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		return err
	}
	return p.client.StartContainer(ctx, vmid)
}

// Stop implements provider.Provider. The container is destroyed; missing
// containers succeed.
func (p *Provider) Stop(ctx context.Context, id string) error {
	vmid, _, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := p.client.DeleteContainer(ctx, vmid); err != nil {
		return err
	}
	p.forgetState(vmid)
	return nil
}

// SetWakeOn implements provider.Provider. Proxmox has no traffic-wake; the
// hint is dropped.
func (p *Provider) SetWakeOn(ctx context.Context, id string, connection, ssh bool) error {
	return nil
}

// Snapshot implements provider.Provider. A stopped full clone of the
// container is converted into a template; the original container restarts
// afterwards. The returned snapshot id is freshly generated and the
// template VMID is the clone's.
func (p *Provider) Snapshot(ctx context.Context, id string, metadata map[string]string) (*provider.SnapshotResult, error) {
	vmid, _, err := p.client.ResolveVMID(ctx, id)
	if err != nil {
		return nil, err
	}

	snapshotID, err := GenerateSnapshotID()
	if err != nil {
		return nil, err
	}
	templateHostname := "tmpl-" + strings.TrimPrefix(snapshotID, "snapshot_")

	wasRunning := false
	if status, _ := p.client.GetContainerStatus(ctx, vmid); status == "running" {
		wasRunning = true
	}

	// Clones of running containers race with in-flight writes; stop first.
	if err := p.client.StopContainer(ctx, vmid); err != nil {
		return nil, fmt.Errorf("stopping container %d for snapshot: %w", vmid, err)
	}

	templateVMID, err := p.client.FindNextVMID(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.client.FullClone(ctx, vmid, templateVMID, templateHostname); err != nil {
		return nil, fmt.Errorf("cloning container %d: %w", vmid, err)
	}
	if err := p.client.ConvertToTemplate(ctx, templateVMID); err != nil {
		_ = p.client.DeleteContainer(ctx, templateVMID)
		return nil, fmt.Errorf("converting clone %d to template: %w", templateVMID, err)
	}

	if wasRunning {
		if err := p.client.StartContainer(ctx, vmid); err != nil {
			p.logger.Warn("container restart after snapshot failed",
				zap.Int("vmid", vmid), zap.Error(err))
		}
	}

	p.logger.Info("template created",
		zap.String("snapshot_id", snapshotID),
		zap.Int("template_vmid", templateVMID),
		zap.Int("source_vmid", vmid))

	return &provider.SnapshotResult{SnapshotID: snapshotID, TemplateVMID: templateVMID}, nil
}

// DeleteTemplate implements provider.Provider.
func (p *Provider) DeleteTemplate(ctx context.Context, vmid int) error {
	return p.client.DeleteContainer(ctx, vmid)
}

// composeInstance assembles the provider-neutral instance view: fixed image
// services plus in-memory user ports, with metadata synthesized from the
// in-memory record. The app marker is implied by our hostname convention.
func (p *Provider) composeInstance(ctx context.Context, vmid int, hostname, status string) *provider.Instance {
	st := p.state(vmid)

	p.mu.Lock()
	metadata := make(map[string]string, len(st.metadata)+1)
	for k, v := range st.metadata {
		metadata[k] = v
	}
	userPorts := make([]provider.HTTPService, 0, len(st.userPorts))
	for _, svc := range st.userPorts {
		userPorts = append(userPorts, svc)
	}
	p.mu.Unlock()

	if metadata[provider.MetaApp] == "" && isOurHostname(hostname) {
		metadata[provider.MetaApp] = provider.AppPrefix
	}

	services := make([]provider.HTTPService, 0, 4+len(userPorts))
	for _, fixed := range []struct {
		name string
		port int
	}{
		{provider.ServiceCodeEditor, provider.CodeEditorPort},
		{provider.ServiceWorker, provider.WorkerPort},
		{provider.ServiceVNC, provider.VNCPort},
		{provider.ServiceXterm, provider.XtermPort},
	} {
		url, err := p.client.BuildServiceURL(ctx, fixed.port, vmid, hostname)
		if err != nil {
			continue
		}
		services = append(services, provider.HTTPService{Name: fixed.name, Port: fixed.port, URL: url})
	}
	services = append(services, userPorts...)
	sort.Slice(services, func(i, j int) bool { return services[i].Port < services[j].Port })

	return &provider.Instance{
		ID:           hostname,
		Provider:     provider.KindPveLxc,
		Status:       toStatus(status),
		Metadata:     metadata,
		HTTPServices: services,
	}
}

func toStatus(s string) provider.Status {
	switch s {
	case "running":
		return provider.StatusRunning
	case "stopped":
		return provider.StatusStopped
	case "paused":
		return provider.StatusPaused
	default:
		return provider.StatusUnknown
	}
}
