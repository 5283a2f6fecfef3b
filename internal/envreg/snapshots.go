package envreg

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
)

// ListVersions returns the environment's snapshot history, newest first.
func (s *Service) ListVersions(ctx context.Context, teamID, environmentID string) ([]store.SnapshotVersion, error) {
	if _, err := s.loadEnvironment(ctx, teamID, environmentID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshotVersions(ctx, environmentID)
}

// CreateVersionRequest appends a snapshot version frozen from InstanceID.
type CreateVersionRequest struct {
	TeamID        string
	Identity      *auth.Identity
	EnvironmentID string
	InstanceID    string
	Label         string
	Activate      bool
}

// CreateVersion runs the cleanup-then-snapshot sequence on the instance and
// appends the result to the environment's history. The store assigns the
// next version number; with Activate the new version becomes the one the
// environment starts from.
func (s *Service) CreateVersion(ctx context.Context, req CreateVersionRequest) (*store.SnapshotVersion, error) {
	env, err := s.loadEnvironment(ctx, req.TeamID, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	prov, err := s.registry.ForInstanceID(req.InstanceID)
	if err != nil {
		return nil, err
	}

	res, err := s.freezeInstance(ctx, prov, req.TeamID, req.InstanceID, map[string]string{
		provider.MetaApp:           provider.AppPrefix,
		provider.MetaTeamID:        req.TeamID,
		provider.MetaEnvironmentID: env.ID,
	})
	if err != nil {
		return nil, err
	}

	version := &store.SnapshotVersion{
		EnvironmentID:     env.ID,
		SnapshotID:        res.SnapshotID,
		SnapshotProvider:  string(prov.Kind()),
		TemplateVMID:      res.TemplateVMID,
		CreatedByUserID:   userID(req.Identity),
		Label:             req.Label,
		MaintenanceScript: env.MaintenanceScript,
		DevScript:         env.DevScript,
	}
	if err := s.store.CreateSnapshotVersion(ctx, version, req.Activate); err != nil {
		return nil, fmt.Errorf("recording snapshot version: %w", err)
	}
	if req.Activate {
		if err := s.pointEnvironmentAt(ctx, env.ID, version); err != nil {
			return nil, err
		}
	}

	s.logger.Info("snapshot version created",
		zap.String("environmentId", env.ID),
		zap.Int("version", version.Version),
		zap.String("snapshotId", version.SnapshotID),
		zap.Bool("active", version.IsActive))
	return version, nil
}

// Activate makes the named version the one the environment starts from.
func (s *Service) Activate(ctx context.Context, teamID, environmentID, versionID string) (*store.SnapshotVersion, error) {
	if _, err := s.loadEnvironment(ctx, teamID, environmentID); err != nil {
		return nil, err
	}
	version, err := s.store.ActivateSnapshotVersion(ctx, environmentID, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.pointEnvironmentAt(ctx, environmentID, version); err != nil {
		return nil, err
	}
	return version, nil
}

// pointEnvironmentAt copies a version's snapshot tuple onto the environment
// record, which is what start requests resolve against.
func (s *Service) pointEnvironmentAt(ctx context.Context, environmentID string, v *store.SnapshotVersion) error {
	update := store.EnvironmentUpdate{
		SnapshotID:       &v.SnapshotID,
		SnapshotProvider: &v.SnapshotProvider,
		TemplateVMID:     &v.TemplateVMID,
	}
	if err := s.store.UpdateEnvironment(ctx, environmentID, update); err != nil {
		return fmt.Errorf("pointing environment at version %d: %w", v.Version, err)
	}
	return nil
}

// minReclaimableVMID guards template deletion: vmids below it are hand-built
// base templates, never registry-owned.
const minReclaimableVMID = 200

// Delete removes the environment after reclaiming its LXC templates. Base
// and manifest-protected templates are left alone; a template the provider
// no longer knows is fine; any other deletion failure keeps the record so a
// later retry can finish the job.
func (s *Service) Delete(ctx context.Context, teamID, environmentID string) error {
	env, err := s.loadEnvironment(ctx, teamID, environmentID)
	if err != nil {
		return err
	}
	versions, err := s.store.ListSnapshotVersions(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("listing snapshot versions: %w", err)
	}

	vmids := reclaimableVMIDs(env, versions, s.source.Manifest().ProtectedVMIDs())
	if len(vmids) > 0 {
		if err := s.reclaimTemplates(ctx, environmentID, vmids); err != nil {
			return err
		}
	}

	if err := s.store.DeleteEnvironment(ctx, environmentID); err != nil {
		return fmt.Errorf("deleting environment: %w", err)
	}
	s.logger.Info("environment deleted",
		zap.String("environmentId", environmentID),
		zap.String("teamId", teamID),
		zap.Int("templatesReclaimed", len(vmids)))
	return nil
}

func (s *Service) reclaimTemplates(ctx context.Context, environmentID string, vmids []int) error {
	prov, err := s.registry.ForKind(provider.KindPveLxc)
	if err != nil {
		// Templates outlive a decommissioned back-end; nothing to reclaim
		// them with.
		s.logger.Warn("skipping template reclaim",
			zap.String("environmentId", environmentID),
			zap.Ints("vmids", vmids),
			zap.Error(err))
		return nil
	}
	for _, vmid := range vmids {
		err := prov.DeleteTemplate(ctx, vmid)
		s.metrics.RecordProviderRequest(string(provider.KindPveLxc), "delete-template")
		if provider.IsNotFound(err) {
			s.logger.Debug("template already gone", zap.Int("vmid", vmid))
			continue
		}
		if err != nil {
			return fmt.Errorf("deleting template %d: %w", vmid, err)
		}
	}
	return nil
}

// reclaimableVMIDs gathers the LXC template vmids an environment owns,
// dropping base and protected templates.
func reclaimableVMIDs(env *store.Environment, versions []store.SnapshotVersion, protected map[int]bool) []int {
	candidates := make(map[int]bool)
	if env.SnapshotProvider == string(provider.KindPveLxc) {
		candidates[env.TemplateVMID] = true
	}
	for _, v := range versions {
		if v.SnapshotProvider == string(provider.KindPveLxc) {
			candidates[v.TemplateVMID] = true
		}
	}

	out := make([]int, 0, len(candidates))
	for vmid := range candidates {
		if vmid < minReclaimableVMID || protected[vmid] {
			continue
		}
		out = append(out, vmid)
	}
	sort.Ints(out)
	return out
}

func userID(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.UserID
}
