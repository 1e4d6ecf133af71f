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

// Package oidc runs the browser login handshake against the configured
// upstream identity provider: authorization code with PKCE, server-side on
// both legs. The callback upserts the user and synchronizes idp-managed
// teams from the token's groups claim.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	"github.com/rise-dev/rise/pkg/store"
)

// stateTTL bounds how long a login attempt may dangle between redirect and
// callback.
const stateTTL = 5 * time.Minute

type pendingLogin struct {
	verifier  string
	returnURL string
}

type Identity struct {
	User   *store.User
	Groups []string
}

type Authenticator struct {
	provider *gooidc.Provider
	verifier *gooidc.IDTokenVerifier
	oauth    oauth2.Config
	store    store.Interface
	// pending holds in-flight login states; each entry is single-use.
	pending *cache.Cache
}

func NewAuthenticator(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, st store.Interface) (*Authenticator, error) {
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering issuer %q, %w", issuer, err)
	}
	return &Authenticator{
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{gooidc.ScopeOpenID, "email", "profile", "groups"},
		},
		store:   st,
		pending: cache.New(stateTTL, time.Minute),
	}, nil
}

// Start mints a single-use state and PKCE verifier and returns the upstream
// authorize URL to redirect the browser to.
func (a *Authenticator) Start(returnURL string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	a.pending.Set(state, pendingLogin{verifier: verifier, returnURL: returnURL}, stateTTL)
	return a.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Callback completes the handshake: the state is consumed (a replayed
// callback fails), the code is exchanged with the PKCE verifier, the id_token
// is validated against the issuer's JWKS, and the user is upserted by
// case-insensitive email.
func (a *Authenticator) Callback(ctx context.Context, state, code string) (*Identity, string, error) {
	entry, ok := a.pending.Get(state)
	if !ok {
		return nil, "", fmt.Errorf("unknown or expired login state")
	}
	a.pending.Delete(state)
	login := entry.(pendingLogin)

	oauthToken, err := a.oauth.Exchange(ctx, code, oauth2.VerifierOption(login.verifier))
	if err != nil {
		return nil, "", fmt.Errorf("exchanging authorization code, %w", err)
	}
	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok {
		return nil, "", fmt.Errorf("token response contained no id_token")
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", fmt.Errorf("verifying id_token, %w", err)
	}
	var claims struct {
		Email  string   `json:"email"`
		Groups []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("decoding id_token claims, %w", err)
	}
	if claims.Email == "" {
		return nil, "", fmt.Errorf("id_token carried no email claim")
	}

	user, err := a.store.UpsertUser(ctx, claims.Email)
	if err != nil {
		return nil, "", fmt.Errorf("upserting user, %w", err)
	}
	if err := a.store.SyncIDPTeams(ctx, user.ID, claims.Groups); err != nil {
		return nil, "", fmt.Errorf("synchronizing idp teams, %w", err)
	}
	return &Identity{User: user, Groups: claims.Groups}, login.returnURL, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
