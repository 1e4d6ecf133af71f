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
	"errors"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/rise-dev/rise/pkg/auth/workload"
	"github.com/rise-dev/rise/pkg/store"
)

// Error carries the taxonomy the API surfaces: validation, authentication,
// authorization, not-found, conflict, everything else internal.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *Error) Error() string { return e.Message }

func invalid(msg string) *Error       { return &Error{Status: http.StatusBadRequest, Message: msg} }
func unauthenticated(msg string) *Error { return &Error{Status: http.StatusUnauthorized, Message: msg} }
func forbidden(msg string) *Error     { return &Error{Status: http.StatusForbidden, Message: msg} }
func notFound(msg string) *Error      { return &Error{Status: http.StatusNotFound, Message: msg} }
func conflict(msg string) *Error      { return &Error{Status: http.StatusConflict, Message: msg} }

// writeError maps any error onto the taxonomy. Store sentinels and workload
// matching outcomes carry their own status; unknown errors are logged with
// the full chain and surfaced as an opaque 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := &Error{}
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, store.ErrNotFound):
		apiErr = notFound("not found")
	case errors.Is(err, store.ErrConflict):
		apiErr = conflict(err.Error())
	case errors.Is(err, workload.ErrAmbiguous):
		apiErr = conflict(err.Error())
	case errors.Is(err, workload.ErrNoMatch), errors.Is(err, workload.ErrUnknownIssuer):
		apiErr = unauthenticated("unauthenticated")
	default:
		logr.FromContextOrDiscard(r.Context()).Error(err, "request failed",
			"method", r.Method, "path", r.URL.Path)
		apiErr = &Error{Status: http.StatusInternalServerError, Message: "internal error"}
	}
	writeJSON(w, apiErr.Status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
