package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/lifecycle"
	"github.com/steveyegge/bullpen/internal/scripts"
)

type startRequest struct {
	Tenant           string            `json:"tenant" validate:"required"`
	EnvironmentID    string            `json:"environmentId"`
	SnapshotID       string            `json:"snapshotId"`
	TTLSeconds       int               `json:"ttlSeconds"`
	Metadata         map[string]string `json:"metadata"`
	TaskRunID        string            `json:"taskRunId"`
	TaskRunJWT       string            `json:"taskRunJwt"`
	IsCloudWorkspace bool              `json:"isCloudWorkspace"`
	RepoURL          string            `json:"repoUrl"`
	Branch           string            `json:"branch"`
	NewBranch        string            `json:"newBranch"`
	Depth            int               `json:"depth"`
	AgentName        string            `json:"agentName"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	if err := s.auth.RequireMember(r.Context(), id, req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := s.lifecycle.Start(r.Context(), lifecycle.StartRequest{
		TeamID:         req.Tenant,
		Identity:       id,
		EnvironmentID:  req.EnvironmentID,
		SnapshotID:     req.SnapshotID,
		TTLSeconds:     req.TTLSeconds,
		TaskRunID:      req.TaskRunID,
		TaskRunJWT:     req.TaskRunJWT,
		CloudWorkspace: req.IsCloudWorkspace,
		RepoURL:        req.RepoURL,
		BaseBranch:     req.Branch,
		NewBranch:      req.NewBranch,
		Depth:          req.Depth,
		AgentName:      req.AgentName,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.lifecycle.List(r.Context(), tenant)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

type applyEnvRequest struct {
	Tenant         string `json:"tenant" validate:"required"`
	EnvVarsContent string `json:"envVarsContent"`
}

type appliedResponse struct {
	Applied bool `json:"applied"`
}

func (s *Server) handleApplyEnv(w http.ResponseWriter, r *http.Request) {
	var req applyEnvRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.lifecycle.ApplyEnvVars(r.Context(), req.Tenant, chi.URLParam(r, "id"), req.EnvVarsContent); err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, appliedResponse{Applied: true})
}

type runScriptsRequest struct {
	Tenant            string `json:"tenant" validate:"required"`
	MaintenanceScript string `json:"maintenanceScript"`
	DevScript         string `json:"devScript"`
}

type startedResponse struct {
	Started bool `json:"started"`
}

func (s *Server) handleRunScripts(w http.ResponseWriter, r *http.Request) {
	var req runScriptsRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	err := s.lifecycle.RunScripts(r.Context(), req.Tenant, chi.URLParam(r, "id"), scripts.Params{
		MaintenanceScript: req.MaintenanceScript,
		DevScript:         req.DevScript,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, startedResponse{Started: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.lifecycle.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

type publishDevcontainerRequest struct {
	Tenant    string `json:"tenant" validate:"required"`
	TaskRunID string `json:"taskRunId" validate:"required"`
}

// handlePublishDevcontainer serves the in-container worker. Its contract
// admits only 401 and 500, so membership failures are internalized rather
// than surfaced as 403.
func (s *Server) handlePublishDevcontainer(w http.ResponseWriter, r *http.Request) {
	var req publishDevcontainerRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), req.Tenant); err != nil {
		s.logger.Warn("devcontainer publish membership rejected", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	entries, err := s.lifecycle.PublishDevcontainer(r.Context(), chi.URLParam(r, "id"), req.TaskRunID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, entries)
}

type resumedResponse struct {
	Resumed bool `json:"resumed"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.lifecycle.Resume(r.Context(), tenant, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resumedResponse{Resumed: true})
}

type refreshAuthRequest struct {
	Tenant string `json:"tenant" validate:"required"`
}

type refreshedResponse struct {
	Refreshed bool `json:"refreshed"`
}

func (s *Server) handleRefreshGitHubAuth(w http.ResponseWriter, r *http.Request) {
	var req refreshAuthRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	if err := s.auth.RequireMember(r.Context(), id, req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.lifecycle.RefreshGitHubAuth(r.Context(), id, req.Tenant, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, refreshedResponse{Refreshed: true})
}

type discoverReposRequest struct {
	WorkspacePath string `json:"workspacePath"`
}

func (s *Server) handleDiscoverRepos(w http.ResponseWriter, r *http.Request) {
	var req discoverReposRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.lifecycle.DiscoverRepos(r.Context(), chi.URLParam(r, "id"), req.WorkspacePath)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleSSH(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if err := s.auth.RequireMember(r.Context(), identityFrom(r.Context()), tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.lifecycle.SSH(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, info)
}

type forceWakeRequest struct {
	Tenant string `json:"tenant" validate:"required"`
}

func (s *Server) handleForceWake(w http.ResponseWriter, r *http.Request) {
	var req forceWakeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	if err := s.auth.RequireMember(r.Context(), id, req.Tenant); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.lifecycle.ForceWake(r.Context(), id, req.Tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
