package httpapi

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/vault"
)

// createEnvironment drives the create endpoint and returns the new id.
func createEnvironment(t *testing.T, f *fixture, body map[string]any) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/environments", body, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("create environment status = %d, body %s", rec.Code, rec.Body.String())
	}
	id, _ := bodyMap(t, rec)["id"].(string)
	if id == "" {
		t.Fatalf("create environment returned no id: %s", rec.Body.String())
	}
	return id
}

func TestCreateEnvironmentEndpoint(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")

	rec := f.do(t, http.MethodPost, "/environments", map[string]any{
		"tenant":         "team-1",
		"name":           "main",
		"instanceId":     inst,
		"envVarsContent": "A=1",
		"selectedRepos":  []string{"acme/widget"},
		"exposedPorts":   []int{8080, 3000, 8080},
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := bodyMap(t, rec)
	envID, _ := got["id"].(string)
	if envID == "" {
		t.Fatalf("body = %v", got)
	}
	snapshotID, _ := got["snapshotId"].(string)
	if !strings.HasPrefix(snapshotID, "snapshot_fake") {
		t.Errorf("snapshotId = %q", snapshotID)
	}
	if got["snapshotProvider"] != "morph" {
		t.Errorf("snapshotProvider = %v", got["snapshotProvider"])
	}
	if strings.Contains(rec.Body.String(), "A=1") {
		t.Errorf("env vars echoed in create response: %s", rec.Body.String())
	}

	env, err := f.mem.GetEnvironment(context.Background(), envID)
	if err != nil {
		t.Fatalf("GetEnvironment() error: %v", err)
	}
	if env.TeamID != "team-1" || env.Name != "main" {
		t.Errorf("persisted env = %+v", env)
	}
	if gotPorts := []int(env.ExposedPorts); len(gotPorts) != 2 || gotPorts[0] != 3000 || gotPorts[1] != 8080 {
		t.Errorf("exposed ports = %v, want [3000 8080]", gotPorts)
	}
	if env.DataVaultKey == "" {
		t.Fatal("no vault key allocated")
	}
	blob, err := f.vault.GetValue(context.Background(), vault.EnvVarsStore, env.DataVaultKey)
	if err != nil || blob != "A=1" {
		t.Errorf("vault blob = %q, %v", blob, err)
	}
}

func TestCreateEnvironmentMissingName(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")

	rec := f.do(t, http.MethodPost, "/environments", map[string]any{
		"tenant":     "team-1",
		"instanceId": inst,
	}, asUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateEnvironmentNonMember(t *testing.T) {
	f := newFixture(t, provider.KindMorph)

	rec := f.do(t, http.MethodPost, "/environments", map[string]any{
		"tenant":     "team-2",
		"name":       "main",
		"instanceId": "morphvm_x1",
	}, asUser)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCreateEnvironmentWrongProvider(t *testing.T) {
	f := newFixture(t, provider.KindMorph)

	rec := f.do(t, http.MethodPost, "/environments", map[string]any{
		"tenant":     "team-1",
		"name":       "main",
		"instanceId": "pvelxc-abc123",
	}, asUser)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetAndListEnvironments(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodGet, "/environments?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := bodyList(t, rec)
	if len(list) != 1 || list[0]["id"] != envID || list[0]["name"] != "main" {
		t.Fatalf("list = %v", list)
	}

	rec = f.do(t, http.MethodGet, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := bodyMap(t, rec); got["name"] != "main" {
		t.Errorf("body = %v", got)
	}
}

func TestGetForeignEnvironmentHidden(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	foreign := &store.Environment{TeamID: "team-2", Name: "theirs", SnapshotID: "snapshot_t2"}
	if err := f.mem.CreateEnvironment(context.Background(), foreign); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/environments/"+foreign.ID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "theirs") {
		t.Errorf("foreign name leaked: %s", rec.Body.String())
	}
}

func TestUpdateEnvironmentEndpoint(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodPatch, "/environments/"+envID, map[string]any{
		"tenant":        "team-1",
		"name":          "renamed",
		"selectedRepos": []string{"acme/api", "acme/web"},
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := bodyMap(t, rec)
	if got["name"] != "renamed" {
		t.Errorf("name = %v", got["name"])
	}
	repos, _ := got["selectedRepos"].([]any)
	if len(repos) != 2 || repos[0] != "acme/api" {
		t.Errorf("selectedRepos = %v", repos)
	}
}

func TestEnvVarsEndpoints(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodGet, "/environments/"+envID+"/vars?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("get vars status = %d", rec.Code)
	}
	if got := bodyMap(t, rec); got["envVarsContent"] != "" {
		t.Errorf("fresh environment vars = %v", got["envVarsContent"])
	}

	rec = f.do(t, http.MethodPatch, "/environments/"+envID+"/vars", map[string]any{
		"tenant":         "team-1",
		"envVarsContent": "TOKEN=hush",
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("set vars status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := bodyMap(t, rec); got["updated"] != true {
		t.Errorf("body = %v", got)
	}
	if strings.Contains(rec.Body.String(), "hush") {
		t.Errorf("set response echoed the content: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/environments/"+envID+"/vars?tenant=team-1", nil, asUser)
	if got := bodyMap(t, rec); got["envVarsContent"] != "TOKEN=hush" {
		t.Errorf("round-tripped vars = %v", got["envVarsContent"])
	}
}

func TestUpdatePortsEndpoint(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	f.fake.Seed(&provider.Instance{
		ID:       "morphvm_ports1",
		Provider: provider.KindMorph,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{
			provider.MetaApp:    provider.AppPrefix,
			provider.MetaTeamID: "team-1",
		},
		HTTPServices: []provider.HTTPService{
			{Name: provider.ServiceCodeEditor, Port: provider.CodeEditorPort, URL: "https://editor.test"},
			{Name: "port-3000", Port: 3000, URL: "https://p3000.test"},
		},
	})

	rec := f.do(t, http.MethodPatch, "/environments/"+envID+"/ports", map[string]any{
		"tenant":     "team-1",
		"ports":      []int{5173, 4000},
		"instanceId": "morphvm_ports1",
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := bodyMap(t, rec)
	exposed, _ := got["exposedPorts"].([]any)
	if len(exposed) != 2 || exposed[0] != float64(4000) || exposed[1] != float64(5173) {
		t.Errorf("exposedPorts = %v", exposed)
	}
	services, _ := got["services"].([]any)
	if len(services) != 2 {
		t.Fatalf("services = %v", services)
	}
	first, _ := services[0].(map[string]any)
	if first["port"] != float64(4000) || first["name"] != "port-4000" {
		t.Errorf("services[0] = %v", first)
	}

	hidStale := false
	for _, name := range f.fake.HideCalls {
		if name == "port-3000" {
			hidStale = true
		}
	}
	if !hidStale {
		t.Errorf("stale port-3000 not hidden: %v", f.fake.HideCalls)
	}

	env, err := f.mem.GetEnvironment(context.Background(), envID)
	if err != nil {
		t.Fatalf("GetEnvironment() error: %v", err)
	}
	if p := []int(env.ExposedPorts); len(p) != 2 || p[0] != 4000 || p[1] != 5173 {
		t.Errorf("persisted ports = %v", p)
	}
}

func TestUpdatePortsRejectsReserved(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodPatch, "/environments/"+envID+"/ports", map[string]any{
		"tenant": "team-1",
		"ports":  []int{provider.CodeEditorPort},
	}, asUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
	}
}

func TestSnapshotVersionEndpoints(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodPost, "/environments/"+envID+"/snapshots", map[string]any{
		"tenant":     "team-1",
		"instanceId": inst,
		"label":      "v1",
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("create version status = %d, body %s", rec.Code, rec.Body.String())
	}
	v1 := bodyMap(t, rec)
	if v1["version"] != float64(1) {
		t.Errorf("first version = %v", v1["version"])
	}
	v1ID, _ := v1["snapshotVersionId"].(string)
	v1Snapshot, _ := v1["snapshotId"].(string)
	if v1ID == "" || !strings.HasPrefix(v1Snapshot, "snapshot_fake") {
		t.Fatalf("v1 = %v", v1)
	}

	rec = f.do(t, http.MethodPost, "/environments/"+envID+"/snapshots", map[string]any{
		"tenant":     "team-1",
		"instanceId": inst,
		"label":      "v2",
		"activate":   true,
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("create version status = %d, body %s", rec.Code, rec.Body.String())
	}
	v2 := bodyMap(t, rec)
	if v2["version"] != float64(2) {
		t.Errorf("second version = %v", v2["version"])
	}
	v2Snapshot, _ := v2["snapshotId"].(string)

	rec = f.do(t, http.MethodGet, "/environments/"+envID+"/snapshots?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("list versions status = %d", rec.Code)
	}
	versions := bodyList(t, rec)
	if len(versions) != 2 || versions[0]["version"] != float64(2) || versions[1]["version"] != float64(1) {
		t.Fatalf("versions = %v", versions)
	}
	if versions[0]["isActive"] != true || versions[1]["isActive"] != false {
		t.Errorf("active flags = %v", versions)
	}

	// Activating repointed the environment at the new snapshot.
	rec = f.do(t, http.MethodGet, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if got := bodyMap(t, rec); got["snapshotId"] != v2Snapshot {
		t.Errorf("environment snapshotId = %v, want %s", got["snapshotId"], v2Snapshot)
	}

	// Roll back to version 1.
	rec = f.do(t, http.MethodPost, "/environments/"+envID+"/snapshots/"+v1ID+"/activate", map[string]any{
		"tenant": "team-1",
	}, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := bodyMap(t, rec)
	if got["version"] != float64(1) || got["snapshotId"] != v1Snapshot {
		t.Errorf("activate body = %v", got)
	}

	rec = f.do(t, http.MethodGet, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if got := bodyMap(t, rec); got["snapshotId"] != v1Snapshot {
		t.Errorf("environment snapshotId after rollback = %v, want %s", got["snapshotId"], v1Snapshot)
	}
}

func TestActivateUnknownVersion(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodPost, "/environments/"+envID+"/snapshots/ver-missing/activate", map[string]any{
		"tenant": "team-1",
	}, asUser)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteEnvironmentEndpoint(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	inst := f.fake.SeedRunning("team-1")
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "main", "instanceId": inst,
	})

	rec := f.do(t, http.MethodDelete, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", rec.Code)
	}
}

func TestDeleteForeignEnvironmentHidden(t *testing.T) {
	f := newFixture(t, provider.KindMorph)
	foreign := &store.Environment{TeamID: "team-2", Name: "theirs", SnapshotID: "snapshot_t2"}
	if err := f.mem.CreateEnvironment(context.Background(), foreign); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	rec := f.do(t, http.MethodDelete, "/environments/"+foreign.ID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if _, err := f.mem.GetEnvironment(context.Background(), foreign.ID); err != nil {
		t.Errorf("foreign environment was deleted: %v", err)
	}
}

func TestDeleteEnvironmentReclaimsTemplates(t *testing.T) {
	f := newFixture(t, provider.KindPveLxc)
	f.fake.Seed(&provider.Instance{
		ID:       "pvelxc-src1",
		Provider: provider.KindPveLxc,
		Status:   provider.StatusRunning,
		Metadata: map[string]string{
			provider.MetaApp:    provider.AppPrefix,
			provider.MetaTeamID: "team-1",
		},
	})
	envID := createEnvironment(t, f, map[string]any{
		"tenant": "team-1", "name": "lxc-env", "instanceId": "pvelxc-src1",
	})

	env, err := f.mem.GetEnvironment(context.Background(), envID)
	if err != nil {
		t.Fatalf("GetEnvironment() error: %v", err)
	}
	if env.TemplateVMID == 0 {
		t.Fatal("environment has no template vmid")
	}

	rec := f.do(t, http.MethodDelete, "/environments/"+envID+"?tenant=team-1", nil, asUser)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	reclaimed := false
	for _, vmid := range f.fake.DeletedTemplates {
		if vmid == env.TemplateVMID {
			reclaimed = true
		}
	}
	if !reclaimed {
		t.Errorf("template %d not reclaimed: %v", env.TemplateVMID, f.fake.DeletedTemplates)
	}
}
