// Package envreg is the environment registry: named bundles of a provider
// snapshot, an env-var vault blob, user scripts, selected repos, and an
// exposed-port set, owned by one team. Environments are created by freezing
// a running instance and carry an append-only history of snapshot versions.
package envreg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/lifecycle"
	"github.com/steveyegge/bullpen/internal/metrics"
	"github.com/steveyegge/bullpen/internal/ports"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/snapshot"
	"github.com/steveyegge/bullpen/internal/store"
	"github.com/steveyegge/bullpen/internal/vault"
)

var (
	// ErrInvalidPort rejects exposed-port sets containing reserved or
	// out-of-range entries.
	ErrInvalidPort = errors.New("invalid exposed port")

	// ErrNoVault is returned when an env-var operation needs the secret
	// vault and none is configured.
	ErrNoVault = errors.New("secret vault not configured")
)

// SecretStore reads and writes env-var blobs in the secret vault.
type SecretStore interface {
	GetValue(ctx context.Context, store, key string) (string, error)
	SetValue(ctx context.Context, store, key, value string) error
}

// Deps wires the registry service. Vault may be nil when not configured;
// everything else is required.
type Deps struct {
	Registry *provider.Registry
	Store    store.Store
	Auth     *auth.Authorizer
	Vault    SecretStore
	Source   *snapshot.Source
	Ports    *ports.Publisher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Service owns environment CRUD and snapshot versioning.
type Service struct {
	registry *provider.Registry
	store    store.Store
	auth     *auth.Authorizer
	vault    SecretStore
	source   *snapshot.Source
	ports    *ports.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pollInterval time.Duration
	resumeBudget time.Duration
}

// NewService wires the environment registry with production timings.
func NewService(d Deps) *Service {
	return &Service{
		registry:     d.Registry,
		store:        d.Store,
		auth:         d.Auth,
		vault:        d.Vault,
		source:       d.Source,
		ports:        d.Ports,
		metrics:      d.Metrics,
		logger:       d.Logger.Named("envreg"),
		pollInterval: 2 * time.Second,
		resumeBudget: 90 * time.Second,
	}
}

// CreateRequest freezes a running instance into a new environment.
// Membership in TeamID has already been verified by the HTTP layer.
type CreateRequest struct {
	TeamID     string
	Name       string
	InstanceID string

	EnvVarsContent    string
	SelectedRepos     []string
	MaintenanceScript string
	DevScript         string
	ExposedPorts      []int
}

// Create snapshots the caller's instance and writes the environment record.
// The instance's inferred provider must match the active provider; the
// env-var blob lands in the vault under a fresh opaque key.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Environment, error) {
	exposed, err := normalizePorts(req.ExposedPorts)
	if err != nil {
		return nil, err
	}

	active, err := s.registry.Active()
	if err != nil {
		return nil, err
	}
	kind, ok := provider.KindForInstanceID(req.InstanceID)
	if !ok || kind != active.Kind() {
		return nil, fmt.Errorf("%w: instance %s does not belong to the active provider", auth.ErrForbidden, req.InstanceID)
	}

	vaultKey := ""
	if req.EnvVarsContent != "" {
		if s.vault == nil {
			return nil, ErrNoVault
		}
		vaultKey = vault.NewDataKey()
		if err := s.vault.SetValue(ctx, vault.EnvVarsStore, vaultKey, req.EnvVarsContent); err != nil {
			return nil, fmt.Errorf("storing env vars: %w", err)
		}
	}

	res, err := s.freezeInstance(ctx, active, req.TeamID, req.InstanceID, map[string]string{
		provider.MetaApp:    provider.AppPrefix,
		provider.MetaTeamID: req.TeamID,
	})
	if err != nil {
		return nil, err
	}

	env := &store.Environment{
		TeamID:            req.TeamID,
		Name:              req.Name,
		SnapshotID:        res.SnapshotID,
		SnapshotProvider:  string(active.Kind()),
		TemplateVMID:      res.TemplateVMID,
		DataVaultKey:      vaultKey,
		SelectedRepos:     store.StringList(req.SelectedRepos),
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
		ExposedPorts:      store.IntList(exposed),
	}
	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("creating environment: %w", err)
	}

	s.logger.Info("environment created",
		zap.String("environmentId", env.ID),
		zap.String("teamId", req.TeamID),
		zap.String("snapshotId", env.SnapshotID),
		zap.String("provider", env.SnapshotProvider))
	return env, nil
}

// List returns the team's environments, newest first.
func (s *Service) List(ctx context.Context, teamID string) ([]store.Environment, error) {
	return s.store.ListEnvironments(ctx, teamID)
}

// Get loads one environment. Environments of other teams read as not found.
func (s *Service) Get(ctx context.Context, teamID, environmentID string) (*store.Environment, error) {
	return s.loadEnvironment(ctx, teamID, environmentID)
}

// Patch carries a partial environment edit. Nil fields are left unchanged;
// snapshot and vault fields are managed by the service and not patchable.
type Patch struct {
	Name              *string
	SelectedRepos     *[]string
	MaintenanceScript *string
	DevScript         *string
}

// Update applies a metadata patch and returns the updated record.
func (s *Service) Update(ctx context.Context, teamID, environmentID string, patch Patch) (*store.Environment, error) {
	if _, err := s.loadEnvironment(ctx, teamID, environmentID); err != nil {
		return nil, err
	}

	update := store.EnvironmentUpdate{
		Name:              patch.Name,
		MaintenanceScript: patch.MaintenanceScript,
		DevScript:         patch.DevScript,
	}
	if patch.SelectedRepos != nil {
		repos := store.StringList(*patch.SelectedRepos)
		update.SelectedRepos = &repos
	}
	if err := s.store.UpdateEnvironment(ctx, environmentID, update); err != nil {
		return nil, fmt.Errorf("updating environment: %w", err)
	}
	return s.store.GetEnvironment(ctx, environmentID)
}

// PortsResult is the outcome of an exposed-port update. Services is only
// populated when the caller named an instance to reconcile.
type PortsResult struct {
	ExposedPorts []int                  `json:"exposedPorts"`
	Services     []provider.HTTPService `json:"services,omitempty"`
}

// UpdateExposedPorts persists a new exposed-port set and, when instanceID is
// given, reconciles that instance's user services against it. The persisted
// set survives a reconcile failure; the next call converges.
func (s *Service) UpdateExposedPorts(ctx context.Context, teamID, environmentID string, requested []int, instanceID string) (*PortsResult, error) {
	if _, err := s.loadEnvironment(ctx, teamID, environmentID); err != nil {
		return nil, err
	}
	exposed, err := normalizePorts(requested)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateEnvironmentExposedPorts(ctx, environmentID, exposed); err != nil {
		return nil, fmt.Errorf("updating exposed ports: %w", err)
	}

	result := &PortsResult{ExposedPorts: exposed}
	if instanceID == "" {
		return result, nil
	}

	prov, err := s.registry.ForInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", instanceID, err)
	}
	if err := s.auth.CheckInstance(inst, teamID); err != nil {
		return nil, err
	}

	var devPorts []int
	if len(exposed) == 0 {
		if devPorts, err = s.ports.ForwardPorts(ctx, prov, instanceID); err != nil {
			return nil, err
		}
	}
	services, err := s.ports.Reconcile(ctx, prov, inst, ports.Desired(exposed, devPorts))
	if err != nil {
		return nil, err
	}
	result.Services = services
	return result, nil
}

// EnvVars fetches the environment's env-var blob. An environment without a
// vault key, or a key the vault no longer holds, reads as empty.
func (s *Service) EnvVars(ctx context.Context, teamID, environmentID string) (string, error) {
	env, err := s.loadEnvironment(ctx, teamID, environmentID)
	if err != nil {
		return "", err
	}
	if env.DataVaultKey == "" {
		return "", nil
	}
	if s.vault == nil {
		return "", ErrNoVault
	}
	content, err := s.vault.GetValue(ctx, vault.EnvVarsStore, env.DataVaultKey)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("fetching env vars: %w", err)
	}
	return content, nil
}

// SetEnvVars replaces the environment's env-var blob, allocating a vault key
// for environments that never had one.
func (s *Service) SetEnvVars(ctx context.Context, teamID, environmentID, content string) error {
	env, err := s.loadEnvironment(ctx, teamID, environmentID)
	if err != nil {
		return err
	}
	if s.vault == nil {
		return ErrNoVault
	}

	key := env.DataVaultKey
	fresh := key == ""
	if fresh {
		key = vault.NewDataKey()
	}
	if err := s.vault.SetValue(ctx, vault.EnvVarsStore, key, content); err != nil {
		return fmt.Errorf("storing env vars: %w", err)
	}
	if fresh {
		if err := s.store.UpdateEnvironment(ctx, environmentID, store.EnvironmentUpdate{DataVaultKey: &key}); err != nil {
			return fmt.Errorf("recording vault key: %w", err)
		}
	}
	return nil
}

// loadEnvironment fetches an environment and hides other teams' records
// behind not-found.
func (s *Service) loadEnvironment(ctx context.Context, teamID, environmentID string) (*store.Environment, error) {
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if err := s.auth.CheckEnvironment(env, teamID); err != nil {
		return nil, err
	}
	return env, nil
}

// freezeInstance produces a fresh snapshot from the instance: resume it if
// needed, run the snapshot-cleanup bundle, then snapshot. The caller has
// already routed to the right provider.
func (s *Service) freezeInstance(ctx context.Context, prov provider.Provider, teamID, instanceID string, metadata map[string]string) (*provider.SnapshotResult, error) {
	inst, err := prov.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", instanceID, err)
	}
	if err := s.auth.CheckInstance(inst, teamID); err != nil {
		return nil, err
	}

	if !inst.Status.IsLive() {
		if err := prov.Resume(ctx, instanceID); err != nil {
			return nil, fmt.Errorf("starting %s for snapshot: %w", instanceID, err)
		}
		s.metrics.RecordProviderRequest(string(prov.Kind()), "resume")
		if err := s.waitLive(ctx, prov, instanceID); err != nil {
			return nil, err
		}
	}

	if err := lifecycle.RunCleanup(ctx, prov, instanceID, s.logger); err != nil {
		return nil, err
	}

	res, err := prov.Snapshot(ctx, instanceID, metadata)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", instanceID, err)
	}
	s.metrics.RecordProviderRequest(string(prov.Kind()), "snapshot")
	return res, nil
}

// waitLive polls until the instance serves exec again.
func (s *Service) waitLive(ctx context.Context, prov provider.Provider, instanceID string) error {
	deadline := time.Now().Add(s.resumeBudget)
	for {
		inst, err := prov.Get(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("polling %s: %w", instanceID, err)
		}
		if inst.Status.IsLive() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s still %s", provider.ErrTimeout, instanceID, inst.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// normalizePorts validates and canonicalizes an exposed-port set: in range,
// not reserved, sorted, deduped.
func normalizePorts(requested []int) ([]int, error) {
	seen := make(map[int]bool, len(requested))
	out := make([]int, 0, len(requested))
	for _, port := range requested {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: %d is out of range", ErrInvalidPort, port)
		}
		if provider.IsReservedPort(port) {
			return nil, fmt.Errorf("%w: %d is reserved", ErrInvalidPort, port)
		}
		if seen[port] {
			continue
		}
		seen[port] = true
		out = append(out, port)
	}
	sort.Ints(out)
	return out, nil
}
