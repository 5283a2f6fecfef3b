package pvelxc

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
)

func newTestProvider(t *testing.T, fake *fakePVE) *Provider {
	t.Helper()
	return New(newTestClient(t, fake), zap.NewNop())
}

func TestProviderStartCarriesMetadata(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{
		9045: {VMID: 9045, Name: "tmpl-base", Status: "stopped", Template: 1},
	}}
	p := newTestProvider(t, fake)

	inst, err := p.Start(context.Background(), provider.StartOptions{
		SnapshotID:   "snapshot_base01",
		TemplateVMID: 9045,
		Metadata: map[string]string{
			provider.MetaApp:    "cmux",
			provider.MetaTeamID: "team-1",
		},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if inst.Provider != provider.KindPveLxc {
		t.Errorf("Provider = %q, want pve-lxc", inst.Provider)
	}
	if !strings.HasPrefix(inst.ID, "pvelxc-") {
		t.Errorf("instance id = %q, want pvelxc- prefix", inst.ID)
	}
	if inst.Status != provider.StatusRunning {
		t.Errorf("Status = %q, want running", inst.Status)
	}
	if inst.Metadata[provider.MetaTeamID] != "team-1" {
		t.Errorf("metadata teamId = %q, want team-1", inst.Metadata[provider.MetaTeamID])
	}

	// The fixed image services must all be present with public-domain URLs.
	for _, name := range []string{provider.ServiceCodeEditor, provider.ServiceWorker, provider.ServiceVNC, provider.ServiceXterm} {
		svc, ok := inst.Service(name)
		if !ok {
			t.Fatalf("service %s missing", name)
		}
		if !strings.Contains(svc.URL, "sandbox.example.com") {
			t.Errorf("service %s URL = %q, want public-domain URL", name, svc.URL)
		}
	}
}

func TestProviderExposeHideInMemory(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{
		204: {VMID: 204, Name: "pvelxc-ab12", Status: "running"},
	}}
	p := newTestProvider(t, fake)
	ctx := context.Background()

	url, err := p.ExposeHTTPService(ctx, "pvelxc-ab12", "port-8080", 8080)
	if err != nil {
		t.Fatalf("ExposeHTTPService() error: %v", err)
	}
	if url != "https://port-8080-pvelxc-ab12.sandbox.example.com" {
		t.Errorf("ExposeHTTPService() URL = %q", url)
	}

	inst, err := p.Get(ctx, "pvelxc-ab12")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if _, ok := inst.Service("port-8080"); !ok {
		t.Error("port-8080 should be visible after expose")
	}

	if err := p.HideHTTPService(ctx, "pvelxc-ab12", "port-8080"); err != nil {
		t.Fatalf("HideHTTPService() error: %v", err)
	}
	inst, err = p.Get(ctx, "pvelxc-ab12")
	if err != nil {
		t.Fatalf("Get() after hide error: %v", err)
	}
	if _, ok := inst.Service("port-8080"); ok {
		t.Error("port-8080 should be gone after hide")
	}

	// Hiding an unknown name is a no-op.
	if err := p.HideHTTPService(ctx, "pvelxc-ab12", "port-9999"); err != nil {
		t.Errorf("HideHTTPService(unknown) = %v, want nil", err)
	}
}

func TestProviderPauseStopsContainer(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{
		204: {VMID: 204, Name: "pvelxc-ab12", Status: "running"},
	}}
	p := newTestProvider(t, fake)
	ctx := context.Background()

	if err := p.Pause(ctx, "pvelxc-ab12"); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	inst, err := p.Get(ctx, "pvelxc-ab12")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if inst.Status != provider.StatusStopped {
		t.Errorf("status after Pause = %q, want stopped (LXC has no hibernate)", inst.Status)
	}

	if err := p.Resume(ctx, "pvelxc-ab12"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	inst, err = p.Get(ctx, "pvelxc-ab12")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !inst.Status.IsLive() {
		t.Errorf("status after Resume = %q, want live", inst.Status)
	}
}

func TestProviderListFiltersForeignAndTemplates(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{
		204:  {VMID: 204, Name: "pvelxc-ab12", Status: "running"},
		205:  {VMID: 205, Name: "cmux-205", Status: "stopped"},
		206:  {VMID: 206, Name: "someone-else", Status: "running"},
		9045: {VMID: 9045, Name: "cmux-tmpl", Status: "stopped", Template: 1},
	}}
	p := newTestProvider(t, fake)

	instances, err := p.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("List() returned %d instances, want 2", len(instances))
	}
	for _, inst := range instances {
		if !inst.IsOurs() {
			t.Errorf("instance %s should carry the app marker", inst.ID)
		}
	}
}

func TestProviderSnapshotCreatesTemplate(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{
		204: {VMID: 204, Name: "pvelxc-ab12", Status: "running"},
	}}
	p := newTestProvider(t, fake)

	result, err := p.Snapshot(context.Background(), "pvelxc-ab12", nil)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if !IsSnapshotID(result.SnapshotID) {
		t.Errorf("SnapshotID = %q, not snapshot_* shaped", result.SnapshotID)
	}
	if result.TemplateVMID < firstVMID {
		t.Errorf("TemplateVMID = %d, want >= %d", result.TemplateVMID, firstVMID)
	}

	// The source container must be running again after the snapshot.
	status, err := p.client.GetContainerStatus(context.Background(), 204)
	if err != nil {
		t.Fatalf("GetContainerStatus() error: %v", err)
	}
	if status != "running" {
		t.Errorf("source container status = %q, want running", status)
	}
}

func TestProviderStopMissingIsNil(t *testing.T) {
	fake := &fakePVE{containers: map[int]pveContainerStatus{}}
	p := newTestProvider(t, fake)

	if err := p.Stop(context.Background(), "pvelxc-gone"); err != nil {
		t.Errorf("Stop(missing) = %v, want nil", err)
	}
}
