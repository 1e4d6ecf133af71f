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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rise-dev/rise/pkg/apis/core"
	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
	"github.com/rise-dev/rise/pkg/providers/registry"
	"github.com/rise-dev/rise/pkg/store"
)

type deploymentResponse struct {
	ID              uuid.UUID              `json:"id"`
	DeploymentID    string                 `json:"deployment_id"`
	DeploymentGroup string                 `json:"deployment_group"`
	Status          core.DeploymentStatus  `json:"status"`
	IsActive        bool                   `json:"is_active"`
	HTTPPort        int32                  `json:"http_port"`
	Image           *string                `json:"image,omitempty"`
	ImageDigest     *string                `json:"image_digest,omitempty"`
	URL             string                 `json:"url"`
	ExpiresAt       *time.Time             `json:"expires_at,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// pushInstructions accompany a build-from-source submission: where to push
// and with what credentials.
type pushInstructions struct {
	RegistryURL string    `json:"registry_url"`
	Repository  string    `json:"repository"`
	Tag         string    `json:"tag"`
	Username    string    `json:"username,omitempty"`
	Password    string    `json:"password,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) deploymentResponse(projectName string, d *store.Deployment) deploymentResponse {
	endpoint := kubeprovider.ResolveEndpoint(
		s.cfg.Kubernetes.ProductionIngressURLTemplate,
		s.cfg.Kubernetes.StagingIngressURLTemplate,
		projectName, d.DeploymentGroup)
	return deploymentResponse{
		ID:              d.ID,
		DeploymentID:    d.DeploymentID,
		DeploymentGroup: d.DeploymentGroup,
		Status:          d.Status,
		IsActive:        d.IsActive,
		HTTPPort:        d.HTTPPort,
		Image:           d.Image,
		ImageDigest:     d.ImageDigest,
		URL:             endpoint.URL(),
		ExpiresAt:       d.ExpiresAt,
		LastError:       d.ControllerMetadata["last_error"],
		CreatedAt:       d.CreatedAt,
	}
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionDeploy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deployments, err := s.store.ListDeployments(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]deploymentResponse, 0, len(deployments))
	for i := range deployments {
		out = append(out, s.deploymentResponse(project.Name, &deployments[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type envVarInput struct {
	Value         string `json:"value"`
	IsSecret      bool   `json:"is_secret"`
	IsProtected   bool   `json:"is_protected"`
	IsRetrievable bool   `json:"is_retrievable"`
}

type createDeploymentRequest struct {
	DeploymentGroup string                 `json:"deployment_group"`
	HTTPPort        int32                  `json:"http_port" validate:"required,min=1,max=65535"`
	Image           *string                `json:"image"`
	Env             map[string]envVarInput `json:"env"`
	ExpiresAt       *time.Time             `json:"expires_at"`
	RolledBackFrom  *string                `json:"rolled_back_from"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionDeploy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if project.Status == core.ProjectStatusDeleting {
		writeError(w, r, conflict("project is being deleted"))
		return
	}
	req := createDeploymentRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeploymentGroup == "" {
		req.DeploymentGroup = core.DefaultDeploymentGroup
	}
	if err := core.ValidateDeploymentGroup(req.DeploymentGroup); err != nil {
		writeError(w, r, invalid(err.Error()))
		return
	}

	params := store.CreateDeploymentParams{
		ProjectID:       project.ID,
		CreatedByID:     principalFrom(r.Context()).id(),
		DeploymentID:    newDeploymentID(),
		DeploymentGroup: req.DeploymentGroup,
		HTTPPort:        req.HTTPPort,
		Image:           req.Image,
		ExpiresAt:       req.ExpiresAt,
	}

	// A rollback pins the new deployment to the prior deployment's digest;
	// nothing is rebuilt.
	if req.RolledBackFrom != nil {
		prior, err := s.store.GetDeployment(r.Context(), project.ID, *req.RolledBackFrom)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if prior.ImageDigest == nil {
			writeError(w, r, invalid(fmt.Sprintf("deployment %q never produced an image to roll back to", *req.RolledBackFrom)))
			return
		}
		params.Image = prior.Image
		params.ImageDigest = prior.ImageDigest
		params.RolledBackFromID = &prior.ID
	}

	env, err := s.mergedEnv(r, project.ID, req.Env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params.EnvVars = env

	created, err := s.store.CreateDeployment(r.Context(), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The new submission obsoletes queued predecessors in its lane; running
	// ones live on until this deployment is Healthy.
	if _, err := s.store.CancelPreInfraPeers(r.Context(), project.ID, created.DeploymentGroup, created.ID); err != nil {
		writeError(w, r, err)
		return
	}

	response := struct {
		deploymentResponse
		Push *pushInstructions `json:"push,omitempty"`
	}{deploymentResponse: s.deploymentResponse(project.Name, created)}

	// Build-from-source submitters get scoped push credentials and the tag
	// the engine will resolve once the build runner reports Pushed.
	if params.Image == nil && params.ImageDigest == nil {
		creds, err := s.broker.CredentialsFor(r.Context(), project.Name, registry.ScopePush)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Push = &pushInstructions{
			RegistryURL: creds.RegistryURL,
			Repository:  creds.Repository,
			Tag:         fmt.Sprintf("%s:%s", creds.Repository, created.DeploymentID),
			Username:    creds.Username,
			Password:    creds.Password,
			ExpiresAt:   creds.ExpiresAt,
		}
	}
	writeJSON(w, http.StatusCreated, response)
}

// mergedEnv snapshots the project's env vars with the submission's overrides
// applied, encrypting secret override values. Stored project values are
// already ciphertext.
func (s *Server) mergedEnv(r *http.Request, projectID uuid.UUID, overrides map[string]envVarInput) ([]store.EnvVar, error) {
	merged := map[string]store.EnvVar{}
	projectVars, err := s.store.ListProjectEnvVars(r.Context(), projectID)
	if err != nil {
		return nil, err
	}
	for _, v := range projectVars {
		merged[v.Key] = v
	}
	for key, in := range overrides {
		v, err := s.encodeEnvVar(r, key, in)
		if err != nil {
			return nil, err
		}
		merged[key] = *v
	}
	out := make([]store.EnvVar, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	return out, nil
}

func (s *Server) encodeEnvVar(r *http.Request, key string, in envVarInput) (*store.EnvVar, error) {
	if key == "" {
		return nil, invalid("env var key must not be empty")
	}
	if (in.IsProtected || in.IsRetrievable) && !in.IsSecret {
		return nil, invalid(fmt.Sprintf("env var %q: protected and retrievable are only meaningful for secrets", key))
	}
	value := []byte(in.Value)
	if in.IsSecret {
		var err error
		if value, err = s.encrypter.Encrypt(r.Context(), value); err != nil {
			return nil, fmt.Errorf("encrypting env var %q, %w", key, err)
		}
	}
	return &store.EnvVar{
		Key:           key,
		Value:         value,
		IsSecret:      in.IsSecret,
		IsProtected:   in.IsProtected,
		IsRetrievable: in.IsRetrievable,
	}, nil
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	project, d, err := s.deploymentForRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deploymentResponse(project.Name, d))
}

// handleStopDeployment terminates on user request: pre-infrastructure rows
// cancel outright, running ones go through reconciler teardown.
func (s *Server) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	project, d, err := s.deploymentForRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch {
	case d.Status.IsTerminal() || d.Status == core.DeploymentStatusCancelling || d.Status == core.DeploymentStatusTerminating:
		// Stopping twice is not an error.
	case d.Status.IsRunning() || d.Status == core.DeploymentStatusDeploying:
		_, err = s.store.TransitionDeployment(r.Context(), d.ID,
			[]core.DeploymentStatus{d.Status}, core.DeploymentStatusTerminating,
			store.WithTerminationReason(core.TerminationReasonUserStopped))
	default:
		_, err = s.store.TransitionDeployment(r.Context(), d.ID,
			[]core.DeploymentStatus{d.Status}, core.DeploymentStatusCancelling,
			store.WithTerminationReason(core.TerminationReasonCancelled))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err = s.store.GetDeploymentByID(r.Context(), d.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deploymentResponse(project.Name, d))
}

type reportStatusRequest struct {
	Status core.DeploymentStatus `json:"status" validate:"required"`
}

// handleReportDeploymentStatus is the build runner's progress interface. Only
// the forward build-phase steps are accepted; everything else belongs to the
// engine.
func (s *Server) handleReportDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	project, d, err := s.deploymentForRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := reportStatusRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var from core.DeploymentStatus
	switch req.Status {
	case core.DeploymentStatusPushing:
		from = core.DeploymentStatusBuilding
	case core.DeploymentStatusPushed:
		from = core.DeploymentStatusPushing
	default:
		writeError(w, r, invalid(fmt.Sprintf("build runners may only report Pushing or Pushed, not %s", req.Status)))
		return
	}
	var opts []store.TransitionOption
	if req.Status == core.DeploymentStatusPushed {
		// The pushed tag is resolved here so the engine always deploys a
		// digest-pinned reference.
		creds, err := s.broker.CredentialsFor(r.Context(), project.Name, registry.ScopePull)
		if err != nil {
			writeError(w, r, err)
			return
		}
		tag := fmt.Sprintf("%s:%s", creds.Repository, d.DeploymentID)
		digest, err := s.resolver.ResolveDigest(r.Context(), tag)
		if err != nil {
			writeError(w, r, invalid(fmt.Sprintf("pushed image %q is not resolvable, %s", tag, err)))
			return
		}
		opts = append(opts, store.WithImageDigest(fmt.Sprintf("%s@%s", creds.Repository, digest)))
	}
	updated, err := s.store.TransitionDeployment(r.Context(), d.ID, []core.DeploymentStatus{from}, req.Status, opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deploymentResponse(project.Name, updated))
}

func (s *Server) deploymentForRequest(r *http.Request) (*store.Project, *store.Deployment, error) {
	project, err := s.projectForRequest(r, actionDeploy)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.store.GetDeployment(r.Context(), project.ID, chi.URLParam(r, "deployment"))
	if err != nil {
		return nil, nil, err
	}
	return project, d, nil
}

// newDeploymentID builds the human-readable slug used in URLs and object
// names.
func newDeploymentID() string {
	return strings.ToLower(fmt.Sprintf("%s-%s", randomdata.SillyName(), randomdata.Alphanumeric(5)))
}

// id returns the acting identity's id for created_by attribution.
func (p *Principal) id() uuid.UUID {
	if p.User != nil {
		return p.User.ID
	}
	return p.ServiceAccount.ID
}
