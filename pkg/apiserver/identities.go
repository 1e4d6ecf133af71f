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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/auth/workload"
	"github.com/rise-dev/rise/pkg/store"
)

type serviceAccountResponse struct {
	ID         uuid.UUID         `json:"id"`
	Identifier string            `json:"identifier"`
	IssuerURL  string            `json:"issuer_url"`
	Claims     map[string]string `json:"claims"`
	CreatedAt  time.Time         `json:"created_at"`
}

func serviceAccountOut(sa *store.ServiceAccount) serviceAccountResponse {
	return serviceAccountResponse{
		ID:         sa.ID,
		Identifier: sa.Identifier,
		IssuerURL:  sa.IssuerURL,
		Claims:     sa.Claims,
		CreatedAt:  sa.CreatedAt,
	}
}

func (s *Server) handleListServiceAccounts(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	accounts, err := s.store.ListServiceAccounts(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(accounts, func(sa store.ServiceAccount, _ int) serviceAccountResponse {
		return serviceAccountOut(&sa)
	}))
}

type createServiceAccountRequest struct {
	Identifier string            `json:"identifier"`
	IssuerURL  string            `json:"issuer_url" validate:"required,url"`
	Claims     map[string]string `json:"claims" validate:"required"`
}

func (s *Server) handleCreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := createServiceAccountRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !lo.Contains(s.cfg.Auth.WorkloadIssuers, req.IssuerURL) {
		writeError(w, r, invalid("issuer_url is not a configured workload identity issuer"))
		return
	}
	if err := workload.ValidateClaims(req.Claims); err != nil {
		writeError(w, r, invalid(err.Error()))
		return
	}
	created, err := s.store.CreateServiceAccount(r.Context(), &store.ServiceAccount{
		ProjectID:  project.ID,
		Identifier: req.Identifier,
		IssuerURL:  req.IssuerURL,
		Claims:     req.Claims,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, serviceAccountOut(created))
}

func (s *Server) handleDeleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, invalid("malformed service account id"))
		return
	}
	accounts, err := s.store.ListServiceAccounts(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !lo.SomeBy(accounts, func(sa store.ServiceAccount) bool { return sa.ID == id }) {
		writeError(w, r, notFound("not found"))
		return
	}
	if err := s.store.SoftDeleteServiceAccount(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
