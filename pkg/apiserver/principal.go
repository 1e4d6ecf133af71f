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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/store"
)

// SessionCookie carries the platform JWT for browser sessions; the CLI sends
// the same token as a bearer header.
const SessionCookie = "rise_session"

// Principal is the authenticated caller: a platform user or a workload
// identity, never both.
type Principal struct {
	User           *store.User
	Groups         []string
	ServiceAccount *store.ServiceAccount
}

func (p *Principal) isAdmin(adminGroups []string) bool {
	return p.User != nil && lo.Some(p.Groups, adminGroups)
}

type principalKey struct{}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// authenticate resolves the request's bearer token or session cookie into a
// Principal. Platform session tokens are tried first; any other JWT is
// treated as a workload identity token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, unauthenticated("missing credentials"))
			return
		}
		principal, err := s.resolvePrincipal(r.Context(), raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// Non-platform users may authenticate to deployed applications but
		// never to the control plane; the denial is explicit so the UI can
		// show it.
		if principal.User != nil && !principal.User.IsPlatformUser {
			writeError(w, r, forbidden(fmt.Sprintf("%s is not a platform user; ask an administrator for access", principal.User.Email)))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

func (s *Server) resolvePrincipal(ctx context.Context, raw string) (*Principal, error) {
	if claims, err := s.issuer.VerifySession(raw); err == nil {
		id, err := uuid.Parse(claims.Subject)
		if err != nil {
			return nil, unauthenticated("malformed session subject")
		}
		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, unauthenticated("session user no longer exists")
			}
			return nil, err
		}
		return &Principal{User: user, Groups: claims.Groups}, nil
	}
	sa, err := s.matcher.Match(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &Principal{ServiceAccount: sa}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

type action int

const (
	// actionDeploy covers creating, viewing, stopping and rolling back
	// deployments; it is everything a workload identity may do.
	actionDeploy action = iota
	// actionManage covers project settings, env vars, workload identities,
	// extensions and domains.
	actionManage
)

// authorizeProject decides whether the principal may act on the project.
// Admin-group members bypass ownership; service accounts are confined to
// deployment operations on their own project.
func (s *Server) authorizeProject(ctx context.Context, p *Principal, project *store.Project, a action) error {
	if p.ServiceAccount != nil {
		if p.ServiceAccount.ProjectID != project.ID {
			// Existence of other projects is not leaked to foreign identities.
			return notFound("not found")
		}
		if a != actionDeploy {
			return forbidden("workload identities may only manage deployments")
		}
		return nil
	}
	if p.isAdmin(s.cfg.Auth.AdminGroups) {
		return nil
	}
	if project.OwnerUserID != nil && *project.OwnerUserID == p.User.ID {
		return nil
	}
	if project.OwnerTeamID != nil {
		member, err := s.store.IsTeamMember(ctx, *project.OwnerTeamID, p.User.ID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
	}
	return notFound("not found")
}
