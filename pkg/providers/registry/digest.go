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

package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// DigestResolver pins a mutable image reference to its content digest.
// Deployments always run against the digest so a retagged image cannot change
// what is serving traffic.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, imageRef string) (string, error)
}

// Resolver resolves digests over the registry HTTP API. References into the
// brokered registry authenticate with project-scoped pull credentials; other
// references fall back to the ambient keychain (anonymous for public images).
type Resolver struct {
	broker      CredentialBroker
	registryURL string
	repoPrefix  string
}

func NewResolver(broker CredentialBroker, registryURL, repoPrefix string) *Resolver {
	return &Resolver{broker: broker, registryURL: registryURL, repoPrefix: repoPrefix}
}

func (r *Resolver) ResolveDigest(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q, %w", imageRef, err)
	}
	opts := []remote.Option{remote.WithContext(ctx)}
	if auth := r.authFor(ctx, ref); auth != nil {
		opts = append(opts, remote.WithAuth(auth))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	desc, err := remote.Head(ref, opts...)
	if err != nil {
		return "", fmt.Errorf("resolving digest for %q, %w", imageRef, err)
	}
	return desc.Digest.String(), nil
}

func (r *Resolver) authFor(ctx context.Context, ref name.Reference) authn.Authenticator {
	if ref.Context().RegistryStr() != r.registryURL {
		return nil
	}
	project, ok := strings.CutPrefix(ref.Context().RepositoryStr(), r.repoPrefix)
	if !ok {
		return nil
	}
	creds, err := r.broker.CredentialsFor(ctx, project, ScopePull)
	if err != nil || creds.Username == "" {
		return nil
	}
	return &authn.Basic{Username: creds.Username, Password: creds.Password}
}
