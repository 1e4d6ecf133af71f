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
	"net/url"
	"strings"
	"time"

	"github.com/rise-dev/rise/pkg/apis/core"
	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
)

func (s *Server) handleSigninStart(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("rd")
	if returnURL == "" {
		returnURL = "/"
	}
	// Only same-site redirects; an absolute rd would turn the callback into
	// an open redirector.
	if u, err := url.Parse(returnURL); err != nil || u.IsAbs() || !strings.HasPrefix(u.Path, "/") {
		writeError(w, r, invalid("rd must be a relative path"))
		return
	}
	authorizeURL, err := s.oidc.Start(returnURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, r, invalid("callback requires state and code"))
		return
	}
	identity, returnURL, err := s.oidc.Callback(r.Context(), state, code)
	if err != nil {
		writeError(w, r, unauthenticated(err.Error()))
		return
	}
	session, err := s.issuer.IssueSession(identity.User.ID.String(), identity.User.Email, identity.Groups)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.SetCookie(w, s.sessionCookie(session, s.cfg.Server.SessionTTL))
	http.Redirect(w, r, returnURL, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.sessionCookie("", -time.Hour))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) sessionCookie(value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		Expires:  s.clock.Now().Add(ttl),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.ServiceAccount != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":       "workload-identity",
			"identifier": p.ServiceAccount.Identifier,
			"project_id": p.ServiceAccount.ProjectID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":             "user",
		"id":               p.User.ID,
		"email":            p.User.Email,
		"is_platform_user": p.User.IsPlatformUser,
		"groups":           p.Groups,
	})
}

// handleIngressToken mints an application token for the calling user, scoped
// to the project's URL. Applications behind authenticated access classes
// verify it against our JWKS.
func (s *Server) handleIngressToken(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.User == nil {
		writeError(w, r, forbidden("workload identities cannot mint ingress tokens"))
		return
	}
	project, err := s.projectForRequest(r, actionDeploy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	group := r.URL.Query().Get("group")
	if group == "" {
		group = core.DefaultDeploymentGroup
	}
	endpoint := kubeprovider.ResolveEndpoint(
		s.cfg.Kubernetes.ProductionIngressURLTemplate,
		s.cfg.Kubernetes.StagingIngressURLTemplate,
		project.Name, group)
	ingressToken, err := s.issuer.IssueIngressToken(p.User.Email, endpoint.URL(), time.Hour)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": ingressToken, "audience": endpoint.URL()})
}

func (s *Server) handleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	doc, err := s.issuer.OpenIDConfiguration()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys, err := s.issuer.JWKS()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(keys)
}
