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
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/store"
)

var domainRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

type domainResponse struct {
	Domain    string `json:"domain"`
	IsPrimary bool   `json:"is_primary"`
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	domains, err := s.store.ListCustomDomains(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(domains, func(d store.CustomDomain, _ int) domainResponse {
		return domainResponse{Domain: d.Domain, IsPrimary: d.IsPrimary}
	}))
}

type setDomainRequest struct {
	IsPrimary bool `json:"is_primary"`
}

func (s *Server) handleSetDomain(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	domain := chi.URLParam(r, "domain")
	if !domainRe.MatchString(domain) {
		writeError(w, r, invalid("domain must be a lowercase DNS name"))
		return
	}
	req := setDomainRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.UpsertCustomDomain(r.Context(), &store.CustomDomain{
		ProjectID: project.ID,
		Domain:    domain,
		IsPrimary: req.IsPrimary,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domainResponse{Domain: domain, IsPrimary: req.IsPrimary})
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteCustomDomain(r.Context(), project.ID, chi.URLParam(r, "domain")); err != nil && !store.IsNotFound(err) {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
