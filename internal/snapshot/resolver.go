package snapshot

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
)

// Resolution is everything a start needs to know about its base image, plus
// the environment payload when the reference went through an environment.
type Resolution struct {
	Provider     provider.Kind
	SnapshotID   string
	TemplateVMID int

	EnvironmentID     string
	DataVaultKey      string
	MaintenanceScript string
	DevScript         string
	SelectedRepos     []string
	ExposedPorts      []int
}

// Resolver maps (team, environmentId?, snapshotId?) to a concrete provider
// image. Ownership of non-default snapshots is enforced here: a snapshot
// that is neither a known default nor recorded for the caller's team is
// Forbidden, whether or not it exists upstream.
type Resolver struct {
	store    store.Store
	source   *Source
	registry *provider.Registry
	logger   *zap.Logger
}

// NewResolver wires the resolver.
func NewResolver(st store.Store, source *Source, registry *provider.Registry, logger *zap.Logger) *Resolver {
	return &Resolver{store: st, source: source, registry: registry, logger: logger.Named("snapshot")}
}

// Resolve runs the reference-resolution ladder. Membership has already been
// verified by the caller.
func (r *Resolver) Resolve(ctx context.Context, teamID, environmentID, snapshotID string) (*Resolution, error) {
	active, err := r.registry.Active()
	if err != nil {
		return nil, err
	}
	activeKind := active.Kind()
	manifest := r.source.Manifest()

	if environmentID != "" {
		return r.resolveEnvironment(ctx, teamID, environmentID, manifest, activeKind)
	}
	if snapshotID != "" {
		return r.resolveSnapshotID(ctx, teamID, snapshotID, manifest, activeKind)
	}

	entry, ok := manifest.DefaultFor(activeKind)
	if !ok {
		return nil, fmt.Errorf("%w: no default snapshot for %s", provider.ErrNotConfigured, activeKind)
	}
	return &Resolution{
		Provider:     entry.Provider,
		SnapshotID:   entry.SnapshotID,
		TemplateVMID: entry.TemplateVMID,
	}, nil
}

// resolveEnvironment returns the environment's current snapshot and payload.
// The recorded snapshotProvider wins over manifest inference, which wins
// over the active provider.
func (r *Resolver) resolveEnvironment(ctx context.Context, teamID, environmentID string, manifest *Manifest, activeKind provider.Kind) (*Resolution, error) {
	env, err := r.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: environment %s", auth.ErrForbidden, environmentID)
		}
		return nil, err
	}
	if env.TeamID != teamID {
		return nil, fmt.Errorf("%w: environment %s", auth.ErrForbidden, environmentID)
	}
	if env.SnapshotID == "" {
		return nil, fmt.Errorf("environment %s has no snapshot", environmentID)
	}

	kind := provider.Kind(env.SnapshotProvider)
	if kind == "" {
		if entry, ok := manifest.Lookup(env.SnapshotID); ok {
			kind = entry.Provider
		} else {
			kind = activeKind
		}
	}

	res := &Resolution{
		Provider:          kind,
		SnapshotID:        env.SnapshotID,
		TemplateVMID:      env.TemplateVMID,
		EnvironmentID:     env.ID,
		DataVaultKey:      env.DataVaultKey,
		MaintenanceScript: env.MaintenanceScript,
		DevScript:         env.DevScript,
		SelectedRepos:     env.SelectedRepos,
		ExposedPorts:      env.ExposedPorts,
	}
	if res.TemplateVMID == 0 && kind == provider.KindPveLxc {
		if entry, ok := manifest.Lookup(env.SnapshotID); ok {
			res.TemplateVMID = entry.TemplateVMID
		}
	}
	return res, nil
}

// resolveSnapshotID checks the known defaults, then the team's environments,
// then the team's snapshot versions. Anything else is Forbidden.
func (r *Resolver) resolveSnapshotID(ctx context.Context, teamID, snapshotID string, manifest *Manifest, activeKind provider.Kind) (*Resolution, error) {
	snapshotID = strings.TrimSpace(snapshotID)

	if entry, ok := manifest.Lookup(snapshotID); ok {
		return &Resolution{
			Provider:     entry.Provider,
			SnapshotID:   entry.SnapshotID,
			TemplateVMID: entry.TemplateVMID,
		}, nil
	}

	env, err := r.store.FindEnvironmentBySnapshotID(ctx, teamID, snapshotID)
	if err == nil {
		kind := provider.Kind(env.SnapshotProvider)
		if kind == "" {
			kind = activeKind
		}
		return &Resolution{
			Provider:          kind,
			SnapshotID:        env.SnapshotID,
			TemplateVMID:      env.TemplateVMID,
			EnvironmentID:     env.ID,
			DataVaultKey:      env.DataVaultKey,
			MaintenanceScript: env.MaintenanceScript,
			DevScript:         env.DevScript,
			SelectedRepos:     env.SelectedRepos,
			ExposedPorts:      env.ExposedPorts,
		}, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	version, err := r.store.FindSnapshotVersionBySnapshotID(ctx, teamID, snapshotID, string(activeKind))
	if err != nil && store.IsNotFound(err) {
		// Retry without the provider narrowing: a version created under the
		// other back-end is still the team's to use.
		version, err = r.store.FindSnapshotVersionBySnapshotID(ctx, teamID, snapshotID, "")
	}
	if err != nil {
		if store.IsNotFound(err) {
			r.logger.Debug("snapshot not owned by tenant",
				zap.String("teamId", teamID), zap.String("snapshotId", snapshotID))
			return nil, fmt.Errorf("%w: snapshot %s", auth.ErrForbidden, snapshotID)
		}
		return nil, err
	}

	kind := provider.Kind(version.SnapshotProvider)
	if kind == "" {
		kind = activeKind
	}
	return &Resolution{
		Provider:      kind,
		SnapshotID:    version.SnapshotID,
		TemplateVMID:  version.TemplateVMID,
		EnvironmentID: version.EnvironmentID,
	}, nil
}
