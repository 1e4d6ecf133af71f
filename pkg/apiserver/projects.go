/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/controllers/project"
	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
	"github.com/rise-dev/rise/pkg/store"
)

type projectResponse struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Status      core.ProjectStatus `json:"status"`
	AccessClass string             `json:"access_class"`
	URL         string             `json:"url"`
}

func (s *Server) projectResponse(p *store.Project) projectResponse {
	endpoint := kubeprovider.ResolveEndpoint(
		s.cfg.Kubernetes.ProductionIngressURLTemplate,
		s.cfg.Kubernetes.StagingIngressURLTemplate,
		p.Name, core.DefaultDeploymentGroup)
	return projectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Status:      p.Status,
		AccessClass: p.AccessClass,
		URL:         endpoint.URL(),
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var (
		projects []store.Project
		err      error
	)
	switch {
	case p.ServiceAccount != nil:
		var owned *store.Project
		if owned, err = s.store.GetProjectByID(r.Context(), p.ServiceAccount.ProjectID); err == nil {
			projects = []store.Project{*owned}
		}
	case p.isAdmin(s.cfg.Auth.AdminGroups):
		projects, err = s.store.ListProjects(r.Context())
	default:
		projects, err = s.store.ListProjectsForUser(r.Context(), p.User.ID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for i := range projects {
		out = append(out, s.projectResponse(&projects[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type createProjectRequest struct {
	Name        string `json:"name" validate:"required"`
	AccessClass string `json:"access_class"`
	// OwnerTeam assigns ownership to a team the caller belongs to; empty
	// means the caller owns the project directly.
	OwnerTeam string `json:"owner_team"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		writeError(w, r, forbidden("workload identities cannot create projects"))
		return
	}
	req := createProjectRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := core.ValidateProjectName(req.Name); err != nil {
		writeError(w, r, invalid(err.Error()))
		return
	}
	if req.AccessClass == "" {
		req.AccessClass = "public"
	}
	if _, ok := s.cfg.DeploymentController.AccessClasses[req.AccessClass]; !ok && req.AccessClass != "public" {
		writeError(w, r, invalid(fmt.Sprintf("unknown access class %q", req.AccessClass)))
		return
	}

	record := &store.Project{Name: req.Name, AccessClass: strings.ToLower(req.AccessClass), OwnerUserID: &p.User.ID}
	if req.OwnerTeam != "" {
		team, err := s.store.EnsureTeam(r.Context(), req.OwnerTeam, false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		member, err := s.store.IsTeamMember(r.Context(), team.ID, p.User.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !member && !p.isAdmin(s.cfg.Auth.AdminGroups) {
			writeError(w, r, forbidden("cannot assign a project to a team you are not a member of"))
			return
		}
		record.OwnerUserID = nil
		record.OwnerTeamID = &team.ID
	}
	created, err := s.store.CreateProject(r.Context(), record)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.AddProjectFinalizer(r.Context(), created.ID, project.CleanupFinalizer); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.projectResponse(created))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projectForRequest(r, actionDeploy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectResponse(p))
}

type updateProjectRequest struct {
	AccessClass string `json:"access_class" validate:"required"`
}

// handleUpdateProject changes the access class. The store trigger flags
// every running deployment needs_reconcile; the engine rewrites the ingress
// annotations on its next pass.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := updateProjectRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.AccessClass = strings.ToLower(req.AccessClass)
	if _, ok := s.cfg.DeploymentController.AccessClasses[req.AccessClass]; !ok && req.AccessClass != "public" {
		writeError(w, r, invalid(fmt.Sprintf("unknown access class %q", req.AccessClass)))
		return
	}
	if err := s.store.SetProjectAccessClass(r.Context(), p.ID, req.AccessClass); err != nil {
		writeError(w, r, err)
		return
	}
	p.AccessClass = req.AccessClass
	writeJSON(w, http.StatusOK, s.projectResponse(p))
}

// handleDeleteProject only marks the project Deleting; the project controller
// drains deployments and extension cleanups before the row disappears.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.SetProjectStatus(r.Context(), p.ID, core.ProjectStatusDeleting); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// decodeBody decodes and validates a JSON request body.
func decodeBody(r *http.Request, s *Server, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return invalid(fmt.Sprintf("decoding request body, %s", err))
	}
	if err := s.validate.Struct(into); err != nil {
		return invalid(err.Error())
	}
	return nil
}
