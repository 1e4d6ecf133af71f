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

package kubernetes

import (
	"fmt"
	"strings"

	"github.com/rise-dev/rise/pkg/apis/core"
)

// EscapeGroup rewrites a deployment group into a label- and object-name-safe
// form: every character outside [a-z0-9-] becomes "--". Groups may not
// contain a literal "--" (rejected at validation), which keeps the mapping
// reversible.
func EscapeGroup(group string) string {
	var b strings.Builder
	for _, r := range group {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteString("--")
		}
	}
	return b.String()
}

// UnescapeGroup reverses EscapeGroup. Only "/" ever needs escaping given the
// group grammar.
func UnescapeGroup(escaped string) string {
	return strings.ReplaceAll(escaped, "--", "/")
}

// Namespace resolves the namespace holding all of a project's objects.
func Namespace(format, projectName string) string {
	return strings.ReplaceAll(format, "{project_name}", projectName)
}

// ReplicaSetName names the per-deployment replica set.
func ReplicaSetName(projectName, deploymentID string) string {
	return fmt.Sprintf("%s-%s", projectName, deploymentID)
}

// Endpoint is the resolved external address of a (project, group): the
// ingress host plus an optional path prefix when the URL template routes by
// path segment instead of subdomain.
type Endpoint struct {
	Host string
	// PathPrefix is empty or begins with "/", without a trailing slash.
	PathPrefix string
}

// URL renders the externally visible address, suitable as a token audience.
func (e Endpoint) URL() string {
	return "https://" + e.Host + e.PathPrefix
}

// ResolveEndpoint applies the production template for the default group and
// the staging template otherwise.
func ResolveEndpoint(productionTemplate, stagingTemplate, projectName, group string) Endpoint {
	template := productionTemplate
	if group != core.DefaultDeploymentGroup {
		template = stagingTemplate
	}
	resolved := strings.NewReplacer(
		"{project_name}", projectName,
		"{deployment_group}", EscapeGroup(group),
	).Replace(template)
	host, path, found := strings.Cut(resolved, "/")
	if !found || path == "" {
		return Endpoint{Host: host}
	}
	return Endpoint{Host: host, PathPrefix: "/" + strings.TrimSuffix(path, "/")}
}
