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

package token_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rise-dev/rise/pkg/auth/token"
)

var _ = Describe("Sessions", func() {
	It("should round-trip a session token", func() {
		raw, err := issuer.IssueSession("user-123", "dev@example.com", []string{"platform-eng"})
		Expect(err).ToNot(HaveOccurred())

		claims, err := issuer.VerifySession(raw)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.Subject).To(Equal("user-123"))
		Expect(claims.Email).To(Equal("dev@example.com"))
		Expect(claims.Groups).To(ConsistOf("platform-eng"))
		Expect(claims.Issuer).To(Equal(publicURL))
	})
	It("should reject expired sessions", func() {
		raw, err := issuer.IssueSession("user-123", "dev@example.com", nil)
		Expect(err).ToNot(HaveOccurred())

		clk.Step(25 * time.Hour)
		_, err = issuer.VerifySession(raw)
		Expect(err).To(HaveOccurred())
	})
	It("should reject tokens signed by another key", func() {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).ToNot(HaveOccurred())
		other := token.NewIssuerWithKey(otherKey, publicURL, time.Hour, clk)

		raw, err := other.IssueSession("user-123", "dev@example.com", nil)
		Expect(err).ToNot(HaveOccurred())
		_, err = issuer.VerifySession(raw)
		Expect(err).To(HaveOccurred())
	})
	It("should reject ingress tokens presented as sessions", func() {
		raw, err := issuer.IssueIngressToken("dev@example.com", "https://my-app.apps.rise.dev", time.Hour)
		Expect(err).ToNot(HaveOccurred())

		// Audience is the project URL, not the control plane.
		_, err = issuer.VerifySession(raw)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Ingress tokens", func() {
	It("should scope the audience to the project URL", func() {
		raw, err := issuer.IssueIngressToken("dev@example.com", "https://my-app.apps.rise.dev", time.Hour)
		Expect(err).ToNot(HaveOccurred())

		claims := &token.SessionClaims{}
		_, _, err = jwt.NewParser().ParseUnverified(raw, claims)
		Expect(err).ToNot(HaveOccurred())
		Expect(claims.Audience).To(ConsistOf("https://my-app.apps.rise.dev"))
		Expect(claims.Issuer).To(Equal(publicURL))
		Expect(claims.Email).To(Equal("dev@example.com"))
	})
})

var _ = Describe("Discovery", func() {
	It("should publish the signing key in the JWKS", func() {
		raw, err := issuer.JWKS()
		Expect(err).ToNot(HaveOccurred())

		var jwks struct {
			Keys []map[string]string `json:"keys"`
		}
		Expect(json.Unmarshal(raw, &jwks)).To(Succeed())
		Expect(jwks.Keys).To(HaveLen(1))
		Expect(jwks.Keys[0]["kty"]).To(Equal("RSA"))
		Expect(jwks.Keys[0]["alg"]).To(Equal("RS256"))
		Expect(jwks.Keys[0]["kid"]).ToNot(BeEmpty())
		Expect(jwks.Keys[0]["n"]).ToNot(BeEmpty())
	})
	It("should advertise the jwks uri in the discovery document", func() {
		raw, err := issuer.OpenIDConfiguration()
		Expect(err).ToNot(HaveOccurred())

		doc := map[string]any{}
		Expect(json.Unmarshal(raw, &doc)).To(Succeed())
		Expect(doc["issuer"]).To(Equal(publicURL))
		Expect(doc["jwks_uri"]).To(Equal(publicURL + "/.well-known/jwks.json"))
	})
})
