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

// Package workload authenticates machine principals (CI jobs and the like)
// by matching issuer-signed OIDC tokens against project service accounts. A
// service account matches when every one of its claims equals the token's
// corresponding claim; the claim set is the whole predicate.
package workload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/store"
)

var (
	// ErrNoMatch means the token verified but no service account's claims are
	// a subset of it.
	ErrNoMatch = errors.New("no service account matches the presented token")
	// ErrAmbiguous means two or more service accounts match; their claim sets
	// cannot distinguish this token and the caller must tighten one of them.
	ErrAmbiguous = errors.New("multiple service accounts match the presented token; claim sets are ambiguous")
	// ErrUnknownIssuer means the token's issuer is not configured for
	// workload identity.
	ErrUnknownIssuer = errors.New("token issuer is not a configured workload identity issuer")
)

// verifyFunc validates a raw token against its issuer's JWKS and returns the
// full claim map. Injected so tests need no live issuer.
type verifyFunc func(ctx context.Context, issuer, rawToken string) (map[string]any, error)

type Matcher struct {
	store   store.Interface
	issuers []string
	verify  verifyFunc

	mu        sync.Mutex
	verifiers map[string]*gooidc.IDTokenVerifier
}

func NewMatcher(st store.Interface, issuers []string) *Matcher {
	m := &Matcher{store: st, issuers: issuers, verifiers: map[string]*gooidc.IDTokenVerifier{}}
	m.verify = m.verifyRemote
	return m
}

// NewMatcherWithVerifier substitutes token verification, for tests.
func NewMatcherWithVerifier(st store.Interface, issuers []string, verify func(ctx context.Context, issuer, rawToken string) (map[string]any, error)) *Matcher {
	return &Matcher{store: st, issuers: issuers, verify: verify}
}

// Match authenticates a raw bearer token as a service account. Exactly one
// service account of the token's issuer must have all of its claims present
// and equal in the token.
func (m *Matcher) Match(ctx context.Context, rawToken string) (*store.ServiceAccount, error) {
	issuer, err := unverifiedIssuer(rawToken)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(m.issuers, issuer) {
		return nil, ErrUnknownIssuer
	}
	claims, err := m.verify(ctx, issuer, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verifying workload token, %w", err)
	}
	candidates, err := m.store.ListServiceAccountsByIssuer(ctx, issuer)
	if err != nil {
		return nil, err
	}
	matches := lo.Filter(candidates, func(sa store.ServiceAccount, _ int) bool {
		return claimsMatch(sa.Claims, claims)
	})
	switch len(matches) {
	case 0:
		return nil, ErrNoMatch
	case 1:
		return &matches[0], nil
	default:
		ids := lo.Map(matches, func(sa store.ServiceAccount, _ int) string { return sa.Identifier })
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(ids, ", "))
	}
}

// ValidateClaims enforces the creation invariant: an aud claim plus at least
// one more, so a service account can never match arbitrary tokens from its
// issuer.
func ValidateClaims(claims map[string]string) error {
	if _, ok := claims["aud"]; !ok {
		return fmt.Errorf("service account claims must include aud")
	}
	if len(claims) < 2 {
		return fmt.Errorf("service account claims must include at least one claim besides aud")
	}
	for k, v := range claims {
		if k == "" || v == "" {
			return fmt.Errorf("service account claims must have non-empty keys and values")
		}
	}
	return nil
}

func claimsMatch(required map[string]string, token map[string]any) bool {
	for k, v := range required {
		got, ok := token[k]
		if !ok || !claimEquals(got, v) {
			return false
		}
	}
	return true
}

// claimEquals compares a token claim of any JSON shape against the service
// account's string value. aud in particular may arrive as an array.
func claimEquals(got any, want string) bool {
	switch g := got.(type) {
	case string:
		return g == want
	case bool:
		return strconv.FormatBool(g) == want
	case float64:
		return strconv.FormatFloat(g, 'f', -1, 64) == want
	case []any:
		return lo.SomeBy(g, func(e any) bool { return claimEquals(e, want) })
	default:
		return false
	}
}

func (m *Matcher) verifyRemote(ctx context.Context, issuer, rawToken string) (map[string]any, error) {
	verifier, err := m.verifierFor(ctx, issuer)
	if err != nil {
		return nil, err
	}
	idToken, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	claims := map[string]any{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Matcher) verifierFor(ctx context.Context, issuer string) (*gooidc.IDTokenVerifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.verifiers[issuer]; ok {
		return v, nil
	}
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering issuer %q, %w", issuer, err)
	}
	// Audience is part of the service account's claim predicate, not a fixed
	// client id, so the standard check is skipped here.
	v := provider.Verifier(&gooidc.Config{SkipClientIDCheck: true})
	m.verifiers[issuer] = v
	return v, nil
}

// unverifiedIssuer peeks at the token payload to route verification. The
// issuer is only trusted after JWKS verification succeeds.
func unverifiedIssuer(rawToken string) (string, error) {
	parts := strings.Split(rawToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding token payload, %w", err)
	}
	var claims struct {
		Issuer string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("decoding token claims, %w", err)
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("token carries no iss claim")
	}
	return claims.Issuer, nil
}
