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
	"time"
)

// Docker targets a plain docker registry. It produces no secret material; the
// submitter is expected to be pre-authenticated locally and the cluster to
// hold static pull credentials. Tokens are therefore unscoped.
type Docker struct {
	registryURL string
	repoPrefix  string
}

func NewDocker(registryURL, repoPrefix string) *Docker {
	return &Docker{registryURL: registryURL, repoPrefix: repoPrefix}
}

func (d *Docker) ScopedTokens() bool { return false }

func (d *Docker) CredentialsFor(_ context.Context, projectName string, _ Scope) (*Credentials, error) {
	return &Credentials{
		RegistryURL: d.registryURL,
		// Far-future expiry keeps the broker cache from churning on an entry
		// that carries no secret.
		ExpiresAt:  time.Now().Add(24 * time.Hour),
		Repository: fmt.Sprintf("%s/%s%s", d.registryURL, d.repoPrefix, projectName),
	}, nil
}
