package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steveyegge/bullpen/internal/envreg"
)

type createEnvironmentRequest struct {
	Tenant            string   `json:"tenant" validate:"required"`
	Name              string   `json:"name" validate:"required"`
	InstanceID        string   `json:"instanceId" validate:"required"`
	EnvVarsContent    string   `json:"envVarsContent"`
	SelectedRepos     []string `json:"selectedRepos"`
	MaintenanceScript string   `json:"maintenanceScript"`
	DevScript         string   `json:"devScript"`
	ExposedPorts      []int    `json:"exposedPorts"`
}

type environmentCreatedResponse struct {
	ID               string `json:"id"`
	SnapshotID       string `json:"snapshotId"`
	SnapshotProvider string `json:"snapshotProvider"`
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}

	env, err := s.environments.Create(r.Context(), envreg.CreateRequest{
		TeamID:            req.Tenant,
		Name:              req.Name,
		InstanceID:        req.InstanceID,
		EnvVarsContent:    req.EnvVarsContent,
		SelectedRepos:     req.SelectedRepos,
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
		ExposedPorts:      req.ExposedPorts,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, environmentCreatedResponse{
		ID:               env.ID,
		SnapshotID:       env.SnapshotID,
		SnapshotProvider: env.SnapshotProvider,
	})
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	envs, err := s.environments.List(r.Context(), tenant)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, envs)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	env, err := s.environments.Get(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, env)
}

type updateEnvironmentRequest struct {
	Tenant            string    `json:"tenant" validate:"required"`
	Name              *string   `json:"name"`
	SelectedRepos     *[]string `json:"selectedRepos"`
	MaintenanceScript *string   `json:"maintenanceScript"`
	DevScript         *string   `json:"devScript"`
}

func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req updateEnvironmentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	env, err := s.environments.Update(r.Context(), req.Tenant, chi.URLParam(r, "id"), envreg.Patch{
		Name:              req.Name,
		SelectedRepos:     req.SelectedRepos,
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.environments.Delete(r.Context(), tenant, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type envVarsResponse struct {
	EnvVarsContent string `json:"envVarsContent"`
}

func (s *Server) handleGetEnvVars(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	content, err := s.environments.EnvVars(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, envVarsResponse{EnvVarsContent: content})
}

type setEnvVarsRequest struct {
	Tenant         string `json:"tenant" validate:"required"`
	EnvVarsContent string `json:"envVarsContent"`
}

type updatedResponse struct {
	Updated bool `json:"updated"`
}

func (s *Server) handleSetEnvVars(w http.ResponseWriter, r *http.Request) {
	var req setEnvVarsRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.environments.SetEnvVars(r.Context(), req.Tenant, chi.URLParam(r, "id"), req.EnvVarsContent); err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, updatedResponse{Updated: true})
}

type updatePortsRequest struct {
	Tenant     string `json:"tenant" validate:"required"`
	Ports      []int  `json:"ports"`
	InstanceID string `json:"instanceId"`
}

func (s *Server) handleUpdatePorts(w http.ResponseWriter, r *http.Request) {
	var req updatePortsRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.environments.UpdateExposedPorts(r.Context(), req.Tenant, chi.URLParam(r, "id"), req.Ports, req.InstanceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleListSnapshotVersions(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	versions, err := s.environments.ListVersions(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, versions)
}

type createSnapshotVersionRequest struct {
	Tenant     string `json:"tenant" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`
	Label      string `json:"label"`
	Activate   bool   `json:"activate"`
}

type snapshotVersionCreatedResponse struct {
	SnapshotVersionID string `json:"snapshotVersionId"`
	SnapshotID        string `json:"snapshotId"`
	SnapshotProvider  string `json:"snapshotProvider"`
	Version           int    `json:"version"`
}

func (s *Server) handleCreateSnapshotVersion(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotVersionRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	if err := s.auth.RequireMember(r.Context(), id, req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := s.environments.CreateVersion(r.Context(), envreg.CreateVersionRequest{
		TeamID:        req.Tenant,
		Identity:      id,
		EnvironmentID: chi.URLParam(r, "id"),
		InstanceID:    req.InstanceID,
		Label:         req.Label,
		Activate:      req.Activate,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, snapshotVersionCreatedResponse{
		SnapshotVersionID: version.ID,
		SnapshotID:        version.SnapshotID,
		SnapshotProvider:  version.SnapshotProvider,
		Version:           version.Version,
	})
}

type activateSnapshotRequest struct {
	Tenant string `json:"tenant" validate:"required"`
}

type snapshotActivatedResponse struct {
	SnapshotID       string `json:"snapshotId"`
	SnapshotProvider string `json:"snapshotProvider"`
	TemplateVMID     int    `json:"templateVmid,omitempty"`
	Version          int    `json:"version"`
}

func (s *Server) handleActivateSnapshotVersion(w http.ResponseWriter, r *http.Request) {
	var req activateSnapshotRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := s.environments.Activate(r.Context(), req.Tenant, chi.URLParam(r, "id"), chi.URLParam(r, "versionId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, snapshotActivatedResponse{
		SnapshotID:       version.SnapshotID,
		SnapshotProvider: version.SnapshotProvider,
		TemplateVMID:     version.TemplateVMID,
		Version:          version.Version,
	})
}
