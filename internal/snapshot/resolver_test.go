package snapshot

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/testutil"
)

func newTestResolver(t *testing.T, kinds ...provider.Kind) (*Resolver, *store.Memory) {
	t.Helper()
	var providers []provider.Provider
	for _, kind := range kinds {
		providers = append(providers, testutil.NewFakeProvider(kind))
	}
	registry := provider.NewRegistry("", providers...)
	source, err := NewSource("", zap.NewNop())
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}
	st := store.NewMemory()
	return NewResolver(st, source, registry, zap.NewNop()), st
}

func TestResolveDefault(t *testing.T) {
	r, _ := newTestResolver(t, provider.KindMorph)

	res, err := r.Resolve(context.Background(), "team-1", "", "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Provider != provider.KindMorph || res.SnapshotID != "snapshot_base_v1" {
		t.Fatalf("Resolve() = %+v", res)
	}
}

func TestResolveDefaultPrefersLXC(t *testing.T) {
	r, _ := newTestResolver(t, provider.KindMorph, provider.KindPveLxc)

	res, err := r.Resolve(context.Background(), "team-1", "", "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Provider != provider.KindPveLxc || res.TemplateVMID != 9045 {
		t.Fatalf("Resolve() = %+v", res)
	}
}

func TestResolveNoProviderConfigured(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "team-1", "", "")
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("Resolve() error = %v, want ErrNotConfigured", err)
	}
}

func TestResolveKnownDefaultSnapshot(t *testing.T) {
	// Active provider would be LXC, but the named snapshot implies morph.
	r, _ := newTestResolver(t, provider.KindMorph, provider.KindPveLxc)

	res, err := r.Resolve(context.Background(), "team-1", "", "snapshot_base_v1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Provider != provider.KindMorph {
		t.Fatalf("provider = %s, want morph (manifest implies it)", res.Provider)
	}
}

func TestResolveEnvironment(t *testing.T) {
	r, st := newTestResolver(t, provider.KindMorph, provider.KindPveLxc)
	env := &store.Environment{
		TeamID:            "team-1",
		Name:              "api",
		SnapshotID:        "snapshot_custom1",
		SnapshotProvider:  "morph",
		DataVaultKey:      "vault-key-1",
		MaintenanceScript: "npm install",
		SelectedRepos:     store.StringList{"acme/api"},
		ExposedPorts:      store.IntList{8080, 9000},
	}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	res, err := r.Resolve(context.Background(), "team-1", env.ID, "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.Provider != provider.KindMorph {
		t.Fatalf("provider = %s, want morph (recorded provider dominates)", res.Provider)
	}
	if res.SnapshotID != "snapshot_custom1" || res.DataVaultKey != "vault-key-1" {
		t.Fatalf("Resolve() = %+v", res)
	}
	if len(res.SelectedRepos) != 1 || len(res.ExposedPorts) != 2 {
		t.Fatalf("environment payload missing: %+v", res)
	}
}

func TestResolveEnvironmentCrossTenantForbidden(t *testing.T) {
	r, st := newTestResolver(t, provider.KindMorph)
	env := &store.Environment{TeamID: "team-2", Name: "x", SnapshotID: "snapshot_y", SnapshotProvider: "morph"}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	_, err := r.Resolve(context.Background(), "team-1", env.ID, "")
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("Resolve() error = %v, want ErrForbidden", err)
	}
}

func TestResolveSnapshotOwnedViaEnvironment(t *testing.T) {
	r, st := newTestResolver(t, provider.KindMorph)
	env := &store.Environment{TeamID: "team-1", Name: "x", SnapshotID: "snapshot_custom2", SnapshotProvider: "morph", DataVaultKey: "k"}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	res, err := r.Resolve(context.Background(), "team-1", "", "snapshot_custom2")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.EnvironmentID != env.ID || res.DataVaultKey != "k" {
		t.Fatalf("Resolve() = %+v", res)
	}
}

func TestResolveSnapshotOwnedViaVersionTable(t *testing.T) {
	r, st := newTestResolver(t, provider.KindMorph)
	env := &store.Environment{TeamID: "team-1", Name: "x", SnapshotID: "snapshot_head", SnapshotProvider: "morph"}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}
	v := &store.SnapshotVersion{EnvironmentID: env.ID, SnapshotID: "snapshot_old", SnapshotProvider: "morph"}
	if err := st.CreateSnapshotVersion(context.Background(), v, false); err != nil {
		t.Fatalf("CreateSnapshotVersion() error: %v", err)
	}

	res, err := r.Resolve(context.Background(), "team-1", "", "snapshot_old")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.SnapshotID != "snapshot_old" || res.EnvironmentID != env.ID {
		t.Fatalf("Resolve() = %+v", res)
	}
}

func TestResolveForeignSnapshotForbidden(t *testing.T) {
	r, st := newTestResolver(t, provider.KindMorph)
	env := &store.Environment{TeamID: "team-2", Name: "x", SnapshotID: "snapshot_private_x", SnapshotProvider: "morph"}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("CreateEnvironment() error: %v", err)
	}

	_, err := r.Resolve(context.Background(), "team-1", "", "snapshot_private_x")
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("Resolve() error = %v, want ErrForbidden", err)
	}
}
