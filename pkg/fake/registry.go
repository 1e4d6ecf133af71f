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

package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rise-dev/rise/pkg/providers/registry"
)

// RegistryProvider is a scriptable registry backend. Each CredentialsFor call
// is counted so broker cache tests can assert how often the backend was hit.
type RegistryProvider struct {
	mu sync.Mutex

	RegistryURL string
	TokenTTL    time.Duration
	Scoped      bool
	Err         error

	Calls int
}

var _ registry.Provider = (*RegistryProvider)(nil)

func NewRegistryProvider() *RegistryProvider {
	return &RegistryProvider{
		RegistryURL: "registry.example.com",
		TokenTTL:    12 * time.Hour,
		Scoped:      true,
	}
}

func (p *RegistryProvider) CredentialsFor(_ context.Context, projectName string, scope registry.Scope) (*registry.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	return &registry.Credentials{
		RegistryURL: p.RegistryURL,
		Username:    "token",
		Password:    fmt.Sprintf("%s-%s-%d", projectName, scope, p.Calls),
		ExpiresAt:   time.Now().Add(p.TokenTTL),
		Repository:  p.RegistryURL + "/rise/" + projectName,
	}, nil
}

func (p *RegistryProvider) ScopedTokens() bool { return p.Scoped }

// DigestResolver returns canned digests keyed by image reference.
type DigestResolver struct {
	mu      sync.Mutex
	Digests map[string]string
	Err     error
	Calls   []string
}

var _ registry.DigestResolver = (*DigestResolver)(nil)

func NewDigestResolver() *DigestResolver {
	return &DigestResolver{Digests: map[string]string{}}
}

func (r *DigestResolver) ResolveDigest(_ context.Context, imageRef string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, imageRef)
	if r.Err != nil {
		return "", r.Err
	}
	if d, ok := r.Digests[imageRef]; ok {
		return d, nil
	}
	return "sha256:0000000000000000000000000000000000000000000000000000000000000000", nil
}
