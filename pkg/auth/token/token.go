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

// Package token issues and verifies the two JWT planes: platform session
// tokens (aud = control plane URL) and ingress application tokens (aud =
// project URL). Both are RS256-signed with the locally managed key and
// verifiable through the JWKS endpoint.
package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

type SessionClaims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email"`
	Groups []string `json:"groups,omitempty"`
}

type Issuer struct {
	key       *rsa.PrivateKey
	keyID     string
	publicURL string
	ttl       time.Duration
	clock     clock.Clock
}

func NewIssuer(keyPath, publicURL string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading signing key, %w", err)
	}
	key, err := parseRSAKey(raw)
	if err != nil {
		return nil, err
	}
	return NewIssuerWithKey(key, publicURL, ttl, clk), nil
}

func NewIssuerWithKey(key *rsa.PrivateKey, publicURL string, ttl time.Duration, clk clock.Clock) *Issuer {
	// The key id is derived from the public key so rotation produces a new
	// JWKS entry without bookkeeping.
	sum := sha256.Sum256(key.PublicKey.N.Bytes())
	return &Issuer{
		key:       key,
		keyID:     base64.RawURLEncoding.EncodeToString(sum[:8]),
		publicURL: publicURL,
		ttl:       ttl,
		clock:     clk,
	}
}

func parseRSAKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key, %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return key, nil
}

// IssueSession mints a platform session token for a control-plane principal.
func (i *Issuer) IssueSession(userID, email string, groups []string) (string, error) {
	return i.sign(SessionClaims{
		RegisteredClaims: i.registered(userID, i.publicURL, i.ttl),
		Email:            email,
		Groups:           groups,
	})
}

// IssueIngressToken mints an application token for an authenticated end user
// visiting a private deployment. The audience is the project's URL so one
// project's token is useless against another.
func (i *Issuer) IssueIngressToken(email, projectURL string, ttl time.Duration) (string, error) {
	return i.sign(SessionClaims{
		RegisteredClaims: i.registered(email, projectURL, ttl),
		Email:            email,
	})
}

func (i *Issuer) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.clock.Now()
	return jwt.RegisteredClaims{
		Issuer:    i.publicURL,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *Issuer) sign(claims SessionClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = i.keyID
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("signing token, %w", err)
	}
	return signed, nil
}

// VerifySession validates a platform session token: signature, expiry, and
// that both issuer and audience are this control plane.
func (i *Issuer) VerifySession(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return &i.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.publicURL),
		jwt.WithAudience(i.publicURL),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying session token, %w", err)
	}
	return claims, nil
}

// JWKS renders the public key set consumed by applications verifying ingress
// tokens via discovery.
func (i *Issuer) JWKS() ([]byte, error) {
	return json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": i.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(i.key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(i.key.PublicKey.E)).Bytes()),
		}},
	})
}

// OpenIDConfiguration renders the discovery document at
// /.well-known/openid-configuration.
func (i *Issuer) OpenIDConfiguration() ([]byte, error) {
	return json.Marshal(map[string]any{
		"issuer":                                i.publicURL,
		"jwks_uri":                              i.publicURL + "/.well-known/jwks.json",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"id_token"},
	})
}
