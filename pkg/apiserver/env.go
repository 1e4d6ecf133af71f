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

	"github.com/go-chi/chi/v5"

	"github.com/rise-dev/rise/pkg/store"
)

type envVarResponse struct {
	Key           string `json:"key"`
	Value         string `json:"value,omitempty"`
	IsSecret      bool   `json:"is_secret"`
	IsProtected   bool   `json:"is_protected"`
	IsRetrievable bool   `json:"is_retrievable"`
}

func (s *Server) handleListEnvVars(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	vars, err := s.store.ListProjectEnvVars(r.Context(), project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]envVarResponse, 0, len(vars))
	for _, v := range vars {
		entry := envVarResponse{Key: v.Key, IsSecret: v.IsSecret, IsProtected: v.IsProtected, IsRetrievable: v.IsRetrievable}
		if !v.IsSecret {
			entry.Value = string(v.Value)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetEnvVar returns the var's metadata and, for plaintext vars, its
// value. Secret values require ?reveal=true and the retrievable flag;
// protected values are never returned, only the deployment runtime sees them.
func (s *Server) handleGetEnvVar(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.store.GetProjectEnvVar(r.Context(), project.ID, chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := envVarResponse{Key: v.Key, IsSecret: v.IsSecret, IsProtected: v.IsProtected, IsRetrievable: v.IsRetrievable}
	switch {
	case !v.IsSecret:
		out.Value = string(v.Value)
	case r.URL.Query().Get("reveal") == "true":
		if v.IsProtected {
			writeError(w, r, forbidden("value is protected and cannot be revealed"))
			return
		}
		if !v.IsRetrievable {
			writeError(w, r, forbidden("value is not marked retrievable"))
			return
		}
		plaintext, err := s.encrypter.Decrypt(r.Context(), v.Value)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out.Value = string(plaintext)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetEnvVar(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in := envVarInput{}
	if err := decodeBody(r, s, &in); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.encodeEnvVar(r, chi.URLParam(r, "key"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.SetProjectEnvVar(r.Context(), project.ID, *v); err != nil {
		writeError(w, r, err)
		return
	}
	// Existing deployments keep their snapshot; only future submissions see
	// the new value.
	writeJSON(w, http.StatusOK, envVarResponse{Key: v.Key, IsSecret: v.IsSecret, IsProtected: v.IsProtected, IsRetrievable: v.IsRetrievable})
}

func (s *Server) handleDeleteEnvVar(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForRequest(r, actionManage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteProjectEnvVar(r.Context(), project.ID, chi.URLParam(r, "key")); err != nil && !store.IsNotFound(err) {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
