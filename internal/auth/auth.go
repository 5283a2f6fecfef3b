// Package auth resolves caller identity and enforces tenancy. The policy:
// membership failures are Forbidden, but an instance that exists and is not
// ours reads as NotFound so probing cannot confirm existence.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
)

var (
	// ErrUnauthorized means no valid caller credential was presented.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but not allowed.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the resolved caller.
type Identity struct {
	UserID      string
	AccessToken string
}

// Authorizer answers identity and tenancy questions against the store.
type Authorizer struct {
	store  store.Store
	logger *zap.Logger
}

// NewAuthorizer wires the tenancy checks to the metadata store.
func NewAuthorizer(st store.Store, logger *zap.Logger) *Authorizer {
	return &Authorizer{store: st, logger: logger.Named("auth")}
}

// ResolveToken maps a session token to an identity. Unknown and expired
// tokens are both ErrUnauthorized; the distinction is not surfaced.
func (a *Authorizer) ResolveToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := a.store.GetSessionByToken(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	return &Identity{UserID: session.UserID, AccessToken: session.AccessToken}, nil
}

// RequireMember verifies the caller belongs to the tenant.
func (a *Authorizer) RequireMember(ctx context.Context, id *Identity, teamID string) error {
	if teamID == "" {
		return fmt.Errorf("%w: missing tenant", ErrForbidden)
	}
	ok, err := a.store.IsTeamMember(ctx, teamID, id.UserID)
	if err != nil {
		return fmt.Errorf("checking membership: %w", err)
	}
	if !ok {
		a.logger.Debug("membership denied",
			zap.String("userId", id.UserID), zap.String("teamId", teamID))
		return fmt.Errorf("%w: not a member of %s", ErrForbidden, teamID)
	}
	return nil
}

// CheckInstance validates that an instance belongs to the caller's tenant.
// Instances we did not create, and instances tagged with another team, both
// come back as the provider's NotFound.
func (a *Authorizer) CheckInstance(inst *provider.Instance, teamID string) error {
	if !inst.IsOurs() {
		return fmt.Errorf("%w: %s", provider.ErrNotFound, inst.ID)
	}
	if tagged := inst.Metadata[provider.MetaTeamID]; tagged != "" && tagged != teamID {
		a.logger.Debug("instance tenant mismatch, hiding",
			zap.String("instanceId", inst.ID), zap.String("teamId", teamID))
		return fmt.Errorf("%w: %s", provider.ErrNotFound, inst.ID)
	}
	return nil
}

// CheckRunOwnership enforces run-scoped access: the run's user for
// user-scoped operations, the run's team for team-scoped ones.
func (a *Authorizer) CheckRunOwnership(run *store.TaskRun, id *Identity, teamID string) error {
	if run.TeamID != teamID {
		return fmt.Errorf("%w: task run belongs to another team", ErrForbidden)
	}
	if run.UserID != "" && id != nil && run.UserID != id.UserID {
		return fmt.Errorf("%w: task run belongs to another user", ErrForbidden)
	}
	return nil
}

// CheckEnvironment hides environments of other tenants behind NotFound.
func (a *Authorizer) CheckEnvironment(env *store.Environment, teamID string) error {
	if env.TeamID != teamID {
		return fmt.Errorf("%w: environment %s", store.ErrNotFound, env.ID)
	}
	return nil
}
