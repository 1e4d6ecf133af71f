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

// Package registry brokers container registry credentials scoped to a single
// project. Both the submitter (pushing a freshly built image) and the
// Kubernetes reconciler (seeding image pull secrets) consume it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

type Scope string

const (
	ScopePush Scope = "push"
	ScopePull Scope = "pull"
)

type Credentials struct {
	RegistryURL string
	Username    string
	Password    string
	ExpiresAt   time.Time
	// Repository is the full repository path for the project, e.g.
	// "123456789012.dkr.ecr.us-east-1.amazonaws.com/rise/my-app".
	Repository string
}

type CredentialBroker interface {
	CredentialsFor(ctx context.Context, projectName string, scope Scope) (*Credentials, error)
}

// Provider is a registry backend. Providers that cannot narrow credentials to
// a single project's repositories report ScopedTokens() == false and are
// rejected for backends where scoping is mandatory.
type Provider interface {
	CredentialsFor(ctx context.Context, projectName string, scope Scope) (*Credentials, error)
	ScopedTokens() bool
}

// ErrUnscopedProvider is returned when a provider without per-project scoping
// is configured for a backend that requires it.
var ErrUnscopedProvider = errors.New("registry provider cannot produce project-scoped tokens")

// expiryMargin keeps cached credentials from being handed out moments before
// they lapse mid-push.
const expiryMargin = 5 * time.Minute

// Broker fronts a Provider with an in-memory cache keyed by (project, scope).
// Entries evict at credential expiry minus a safety margin.
type Broker struct {
	provider Provider
	creds    *cache.Cache
}

func NewBroker(provider Provider, requireScoped bool) (*Broker, error) {
	if requireScoped && !provider.ScopedTokens() {
		return nil, ErrUnscopedProvider
	}
	return &Broker{
		provider: provider,
		creds:    cache.New(cache.NoExpiration, 10*time.Minute),
	}, nil
}

func (b *Broker) CredentialsFor(ctx context.Context, projectName string, scope Scope) (*Credentials, error) {
	key := fmt.Sprintf("%s/%s", projectName, scope)
	if cached, ok := b.creds.Get(key); ok {
		return cached.(*Credentials), nil
	}
	creds, err := b.provider.CredentialsFor(ctx, projectName, scope)
	if err != nil {
		return nil, fmt.Errorf("issuing %s credentials for %q, %w", scope, projectName, err)
	}
	if ttl := time.Until(creds.ExpiresAt) - expiryMargin; ttl > 0 {
		b.creds.Set(key, creds, ttl)
	}
	return creds, nil
}
