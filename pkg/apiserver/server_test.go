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

package apiserver_test

import (
	"net/http"
	"net/http/httptest"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rise-dev/rise/pkg/apiserver"
	"github.com/rise-dev/rise/pkg/auth/token"
	"github.com/rise-dev/rise/pkg/store"
)

var _ = Describe("Authentication", func() {
	It("should reject requests without credentials", func() {
		rec := do(http.MethodGet, "/api/v1/projects", "", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
	It("should reject garbage bearer tokens", func() {
		rec := do(http.MethodGet, "/api/v1/projects", "not-a-jwt", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
	It("should reject sessions of non-platform users", func() {
		user, err := st.UpsertUser(ctx, "visitor@example.com")
		Expect(err).ToNot(HaveOccurred())
		session, err := issuer.IssueSession(user.ID.String(), user.Email, nil)
		Expect(err).ToNot(HaveOccurred())

		rec := do(http.MethodGet, "/api/v1/projects", session, nil, nil)
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(rec.Body.String()).To(ContainSubstring("not a platform user"))
	})
	It("should reject sessions whose user no longer exists", func() {
		session, err := issuer.IssueSession("2c18dc01-96a4-4f74-9c53-2a1e7c1e7b6c", "gone@example.com", nil)
		Expect(err).ToNot(HaveOccurred())
		rec := do(http.MethodGet, "/api/v1/projects", session, nil, nil)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
	It("should accept the session from a cookie", func() {
		_, session := newPlatformUser("dev@example.com")
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
		req.AddCookie(&http.Cookie{Name: apiserver.SessionCookie, Value: session})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
	It("should describe the calling user", func() {
		_, session := newPlatformUser("dev@example.com", "backend")
		me := map[string]any{}
		rec := do(http.MethodGet, "/api/v1/users/me", session, nil, &me)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(me["kind"]).To(Equal("user"))
		Expect(me["email"]).To(Equal("dev@example.com"))
		Expect(me["groups"]).To(ConsistOf("backend"))
	})
	It("should describe a workload identity caller", func() {
		project, err := st.CreateProject(ctx, &store.Project{Name: "my-app"})
		Expect(err).ToNot(HaveOccurred())
		_, err = st.CreateServiceAccount(ctx, &store.ServiceAccount{
			ProjectID: project.ID,
			IssuerURL: ciIssuer,
			Claims:    map[string]string{"aud": "rise", "repository": "org/my-app"},
		})
		Expect(err).ToNot(HaveOccurred())

		me := map[string]any{}
		rec := do(http.MethodGet, "/api/v1/users/me", workloadToken(map[string]any{
			"iss": ciIssuer, "aud": "rise", "repository": "org/my-app",
		}), nil, &me)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(me["kind"]).To(Equal("workload-identity"))
	})
})

var _ = Describe("Discovery", func() {
	It("should serve the JWKS unauthenticated", func() {
		rec := do(http.MethodGet, "/.well-known/jwks.json", "", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"keys"`))
	})
	It("should serve the discovery document unauthenticated", func() {
		rec := do(http.MethodGet, "/.well-known/openid-configuration", "", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(publicURL))
	})
	It("should answer health checks", func() {
		rec := do(http.MethodGet, "/healthz", "", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
})

var _ = Describe("Ingress tokens", func() {
	var session string

	BeforeEach(func() {
		var user *store.User
		user, session = newPlatformUser("dev@example.com")
		project, err := st.CreateProject(ctx, &store.Project{Name: "my-app", OwnerUserID: &user.ID})
		Expect(err).ToNot(HaveOccurred())
		_ = project
	})

	It("should mint a token scoped to the production URL", func() {
		out := map[string]string{}
		rec := do(http.MethodGet, "/api/v1/projects/my-app/token", session, nil, &out)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(out["audience"]).To(Equal("https://my-app.apps.rise.dev"))

		claims := &token.SessionClaims{}
		_, _, err := jwt.NewParser().ParseUnverified(out["token"], claims)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.Audience).To(ConsistOf("https://my-app.apps.rise.dev"))
	})
	It("should scope staging lanes to the staging URL", func() {
		out := map[string]string{}
		rec := do(http.MethodGet, "/api/v1/projects/my-app/token?group=mr/26", session, nil, &out)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(out["audience"]).To(Equal("https://my-app-mr--26.staging.rise.dev"))
	})
})
