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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/store"
)

type extensionResponse struct {
	Name          string          `json:"name"`
	ExtensionType string          `json:"extension_type"`
	Spec          json.RawMessage `json:"spec"`
	Status        json.RawMessage `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

func extensionOut(e *store.Extension) extensionResponse {
	return extensionResponse{
		Name:          e.Name,
		ExtensionType: e.ExtensionType,
		Spec:          e.Spec,
		Status:        e.Status,
		CreatedAt:     e.CreatedAt,
	}
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	extensions, err := s.store.ListExtensions(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(extensions, func(e store.Extension, _ int) extensionResponse {
		return extensionOut(&e)
	}))
}

type createExtensionRequest struct {
	Name          string          `json:"name" validate:"required"`
	ExtensionType string          `json:"extension_type" validate:"required"`
	Spec          json.RawMessage `json:"spec" validate:"required"`
}

func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := createExtensionRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.store.CreateExtension(r.Context(), &store.Extension{
		ProjectID:     project.ID,
		Name:          req.Name,
		ExtensionType: req.ExtensionType,
		Spec:          req.Spec,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, extensionOut(created))
}

func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.store.GetExtension(r.Context(), project.ID, chi.URLParam(r, "extension"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extensionOut(e))
}

type updateExtensionRequest struct {
	Spec json.RawMessage `json:"spec" validate:"required"`
}

func (s *Server) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := updateExtensionRequest{}
	if err := decodeBody(r, s, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "extension")
	if err := s.store.UpdateExtensionSpec(r.Context(), project.ID, name, req.Spec); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.store.GetExtension(r.Context(), project.ID, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extensionOut(e))
}

// handleDeleteExtension soft-deletes: the record stays until the extension
// controller's cleanup reconcile releases whatever it provisioned.
func (s *Server) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.SoftDeleteExtension(r.Context(), project.ID, chi.URLParam(r, "extension")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
