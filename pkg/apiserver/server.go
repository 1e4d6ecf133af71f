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

// Package apiserver exposes the control plane's HTTP surface: project and
// deployment CRUD, env vars, workload identities, extensions, domains, the
// OIDC login handshake, and the discovery endpoints applications use to
// verify ingress tokens.
package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/auth/oidc"
	"github.com/rise-dev/rise/pkg/auth/token"
	"github.com/rise-dev/rise/pkg/auth/workload"
	"github.com/rise-dev/rise/pkg/config"
	"github.com/rise-dev/rise/pkg/providers/encryption"
	"github.com/rise-dev/rise/pkg/providers/registry"
	"github.com/rise-dev/rise/pkg/store"
)

type Server struct {
	store     store.Interface
	cfg       *config.Config
	issuer    *token.Issuer
	oidc      *oidc.Authenticator
	matcher   *workload.Matcher
	broker    registry.CredentialBroker
	resolver  registry.DigestResolver
	encrypter encryption.Provider
	clock     clock.Clock
	logger    logr.Logger
	validate  *validator.Validate
}

func NewServer(st store.Interface, cfg *config.Config, issuer *token.Issuer, authenticator *oidc.Authenticator,
	matcher *workload.Matcher, broker registry.CredentialBroker, resolver registry.DigestResolver,
	encrypter encryption.Provider, clk clock.Clock, logger logr.Logger) *Server {
	return &Server{
		store:     st,
		cfg:       cfg,
		issuer:    issuer,
		oidc:      authenticator,
		matcher:   matcher,
		broker:    broker,
		resolver:  resolver,
		encrypter: encrypter,
		clock:     clk,
		logger:    logger,
		validate:  validator.New(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logr.NewContext(req.Context(), s.logger)))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/openid-configuration", s.handleOpenIDConfiguration)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Get("/signin/start", s.handleSigninStart)
		r.Get("/callback", s.handleCallback)
		r.Get("/logout", s.handleLogout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/users/me", s.handleMe)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Put("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)
			r.Get("/token", s.handleIngressToken)

			r.Get("/deployments", s.handleListDeployments)
			r.Post("/deployments", s.handleCreateDeployment)
			r.Get("/deployments/{deployment}", s.handleGetDeployment)
			r.Post("/deployments/{deployment}/stop", s.handleStopDeployment)
			r.Post("/deployments/{deployment}/status", s.handleReportDeploymentStatus)

			r.Get("/env", s.handleListEnvVars)
			r.Get("/env/{key}", s.handleGetEnvVar)
			r.Put("/env/{key}", s.handleSetEnvVar)
			r.Delete("/env/{key}", s.handleDeleteEnvVar)

			r.Get("/workload-identities", s.handleListServiceAccounts)
			r.Post("/workload-identities", s.handleCreateServiceAccount)
			r.Delete("/workload-identities/{id}", s.handleDeleteServiceAccount)

			r.Get("/extensions", s.handleListExtensions)
			r.Post("/extensions", s.handleCreateExtension)
			r.Get("/extensions/{extension}", s.handleGetExtension)
			r.Put("/extensions/{extension}", s.handleUpdateExtension)
			r.Delete("/extensions/{extension}", s.handleDeleteExtension)

			r.Get("/domains", s.handleListDomains)
			r.Put("/domains/{domain}", s.handleSetDomain)
			r.Delete("/domains/{domain}", s.handleDeleteDomain)
		})
	})
	return r
}

// projectForRequest loads the {project} path segment and authorizes the
// caller for the given action.
func (s *Server) projectForRequest(r *http.Request, a action) (*store.Project, error) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		return nil, err
	}
	if err := s.authorizeProject(r.Context(), principalFrom(r.Context()), project, a); err != nil {
		return nil, err
	}
	return project, nil
}
