// Package testutil holds in-process doubles shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/bullpen/internal/provider"
)

// ExecCall records one Exec invocation against the fake.
type ExecCall struct {
	InstanceID string
	Command    string
}

// FakeProvider is an in-memory Provider double. Zero-value hooks give
// plausible happy-path behavior; tests override the func fields to inject
// failures or capture arguments.
type FakeProvider struct {
	mu  sync.Mutex
	kin provider.Kind
	seq int

	instances map[string]*provider.Instance

	// EmptyServicesOnStart mimics the microVM back-end returning no
	// httpServices until a follow-up Get.
	EmptyServicesOnStart bool

	// ExecFunc, when set, handles Exec calls. The default returns exit 0
	// with empty output.
	ExecFunc func(ctx context.Context, id, command string) (*provider.ExecResult, error)

	// StartErr fails Start when set.
	StartErr error

	// ResumeErr fails Resume when set.
	ResumeErr error

	// SnapshotErr fails Snapshot when set.
	SnapshotErr error

	// ExposeErrs fails ExposeHTTPService for specific ports.
	ExposeErrs map[int]error

	// DeleteTemplateErrs fails DeleteTemplate for specific vmids.
	DeleteTemplateErrs map[int]error

	ExecCalls        []ExecCall
	StartCalls       []provider.StartOptions
	ExposeCalls      []string
	HideCalls        []string
	PauseCalls       []string
	ResumeCalls      []string
	StopCalls        []string
	SnapshotCalls    []string
	DeletedTemplates []int
	WakeOnCalls      []string
}

var _ provider.Provider = (*FakeProvider)(nil)

// NewFakeProvider builds an empty fake for the given back-end kind.
func NewFakeProvider(kind provider.Kind) *FakeProvider {
	return &FakeProvider{kin: kind, instances: make(map[string]*provider.Instance)}
}

// Kind implements provider.Provider.
func (f *FakeProvider) Kind() provider.Kind { return f.kin }

func (f *FakeProvider) newID() string {
	f.seq++
	if f.kin == provider.KindMorph {
		return fmt.Sprintf("morphvm_fake%04d", f.seq)
	}
	return fmt.Sprintf("pvelxc-fake%04d", f.seq)
}

func (f *FakeProvider) serviceURL(name, id string) string {
	return fmt.Sprintf("https://%s-%s.sandbox.test", name, id)
}

func fixedServices(f *FakeProvider, id string) []provider.HTTPService {
	return []provider.HTTPService{
		{Name: provider.ServiceCodeEditor, Port: provider.CodeEditorPort, URL: f.serviceURL(provider.ServiceCodeEditor, id)},
		{Name: provider.ServiceWorker, Port: provider.WorkerPort, URL: f.serviceURL(provider.ServiceWorker, id)},
		{Name: provider.ServiceVNC, Port: provider.VNCPort, URL: f.serviceURL(provider.ServiceVNC, id)},
		{Name: provider.ServiceXterm, Port: provider.XtermPort, URL: f.serviceURL(provider.ServiceXterm, id)},
	}
}

func cloneInstance(inst *provider.Instance) *provider.Instance {
	out := *inst
	out.Metadata = make(map[string]string, len(inst.Metadata))
	for k, v := range inst.Metadata {
		out.Metadata[k] = v
	}
	out.HTTPServices = append([]provider.HTTPService(nil), inst.HTTPServices...)
	return &out
}

// Seed registers a pre-existing instance.
func (f *FakeProvider) Seed(inst *provider.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = cloneInstance(inst)
}

// SeedRunning registers a running instance with the fixed services and the
// app marker, tagged for the given team. Returns its id.
func (f *FakeProvider) SeedRunning(teamID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID()
	f.instances[id] = &provider.Instance{
		ID:       id,
		Provider: f.kin,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{
			provider.MetaApp:    provider.AppPrefix,
			provider.MetaTeamID: teamID,
		},
		HTTPServices: fixedServices(f, id),
	}
	return id
}

// Get implements provider.Provider.
func (f *FakeProvider) Get(_ context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	return cloneInstance(inst), nil
}

// List implements provider.Provider.
func (f *FakeProvider) List(context.Context) ([]*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Start implements provider.Provider.
func (f *FakeProvider) Start(_ context.Context, opts provider.StartOptions) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, opts)
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	id := f.newID()
	metadata := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	inst := &provider.Instance{
		ID:           id,
		Provider:     f.kin,
		Status:       provider.StatusRunning,
		Metadata:     metadata,
		HTTPServices: fixedServices(f, id),
	}
	f.instances[id] = inst

	returned := cloneInstance(inst)
	if f.EmptyServicesOnStart {
		returned.HTTPServices = nil
	}
	return returned, nil
}

// Exec implements provider.Provider.
func (f *FakeProvider) Exec(ctx context.Context, id, command string, _ provider.ExecOptions) (*provider.ExecResult, error) {
	f.mu.Lock()
	if _, ok := f.instances[id]; !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.ExecCalls = append(f.ExecCalls, ExecCall{InstanceID: id, Command: command})
	hook := f.ExecFunc
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, id, command)
	}
	return &provider.ExecResult{ExitCode: 0}, nil
}

// ExposeHTTPService implements provider.Provider.
func (f *FakeProvider) ExposeHTTPService(_ context.Context, id, name string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.ExposeCalls = append(f.ExposeCalls, name)
	if err := f.ExposeErrs[port]; err != nil {
		return "", err
	}
	url := f.serviceURL(name, id)
	for i, svc := range inst.HTTPServices {
		if svc.Name == name {
			inst.HTTPServices[i] = provider.HTTPService{Name: name, Port: port, URL: url}
			return url, nil
		}
	}
	inst.HTTPServices = append(inst.HTTPServices, provider.HTTPService{Name: name, Port: port, URL: url})
	return url, nil
}

// HideHTTPService implements provider.Provider.
func (f *FakeProvider) HideHTTPService(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.HideCalls = append(f.HideCalls, name)
	kept := inst.HTTPServices[:0]
	for _, svc := range inst.HTTPServices {
		if svc.Name != name {
			kept = append(kept, svc)
		}
	}
	inst.HTTPServices = kept
	return nil
}

// Pause implements provider.Provider. Mirrors the real asymmetry: morph
// hibernates, LXC stops.
func (f *FakeProvider) Pause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.PauseCalls = append(f.PauseCalls, id)
	if f.kin == provider.KindMorph {
		inst.Status = provider.StatusPaused
	} else {
		inst.Status = provider.StatusStopped
	}
	return nil
}

// Resume implements provider.Provider.
func (f *FakeProvider) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.ResumeCalls = append(f.ResumeCalls, id)
	if f.ResumeErr != nil {
		return f.ResumeErr
	}
	inst.Status = provider.StatusRunning
	return nil
}

// Stop implements provider.Provider. Destroying a missing instance is fine.
func (f *FakeProvider) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls = append(f.StopCalls, id)
	delete(f.instances, id)
	return nil
}

// SetWakeOn implements provider.Provider.
func (f *FakeProvider) SetWakeOn(_ context.Context, id string, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WakeOnCalls = append(f.WakeOnCalls, id)
	return nil
}

// Snapshot implements provider.Provider.
func (f *FakeProvider) Snapshot(_ context.Context, id string, _ map[string]string) (*provider.SnapshotResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrNotFound, id)
	}
	f.SnapshotCalls = append(f.SnapshotCalls, id)
	if f.SnapshotErr != nil {
		return nil, f.SnapshotErr
	}
	f.seq++
	result := &provider.SnapshotResult{SnapshotID: fmt.Sprintf("snapshot_fake%04d", f.seq)}
	if f.kin == provider.KindPveLxc {
		result.TemplateVMID = 9000 + f.seq
	}
	return result, nil
}

// DeleteTemplate implements provider.Provider.
func (f *FakeProvider) DeleteTemplate(_ context.Context, vmid int) error {
	if f.kin == provider.KindMorph {
		return provider.ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.DeleteTemplateErrs[vmid]; err != nil {
		return err
	}
	f.DeletedTemplates = append(f.DeletedTemplates, vmid)
	return nil
}

// SetStatus overrides an instance's status.
func (f *FakeProvider) SetStatus(id string, status provider.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.Status = status
	}
}

// Instance returns a copy of the stored instance, or nil.
func (f *FakeProvider) Instance(id string) *provider.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil
	}
	return cloneInstance(inst)
}
