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

package kubernetes_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
)

var _ = Describe("Names", func() {
	It("should escape slashes into double dashes", func() {
		Expect(kubeprovider.EscapeGroup("mr/26")).To(Equal("mr--26"))
		Expect(kubeprovider.EscapeGroup("default")).To(Equal("default"))
		Expect(kubeprovider.EscapeGroup("a-b")).To(Equal("a-b"))
	})
	It("should round-trip every valid group", func() {
		for _, group := range []string{"default", "mr/26", "feature/x/y", "a-b-c", "v2"} {
			Expect(kubeprovider.UnescapeGroup(kubeprovider.EscapeGroup(group))).To(Equal(group))
		}
	})
	It("should resolve the namespace from the format", func() {
		Expect(kubeprovider.Namespace("rise-{project_name}", "my-app")).To(Equal("rise-my-app"))
	})
	It("should name replica sets per deployment", func() {
		Expect(kubeprovider.ReplicaSetName("my-app", "witty-otter-1a2b3")).To(Equal("my-app-witty-otter-1a2b3"))
	})
})

var _ = Describe("ResolveEndpoint", func() {
	const (
		production = "{project_name}.apps.rise.dev"
		staging    = "{project_name}-{deployment_group}.staging.rise.dev"
	)
	It("should use the production template for the default group", func() {
		e := kubeprovider.ResolveEndpoint(production, staging, "my-app", "default")
		Expect(e.Host).To(Equal("my-app.apps.rise.dev"))
		Expect(e.PathPrefix).To(BeEmpty())
		Expect(e.URL()).To(Equal("https://my-app.apps.rise.dev"))
	})
	It("should use the staging template for other groups", func() {
		e := kubeprovider.ResolveEndpoint(production, staging, "my-app", "mr/26")
		Expect(e.Host).To(Equal("my-app-mr--26.staging.rise.dev"))
	})
	It("should split path-routed templates into host and prefix", func() {
		e := kubeprovider.ResolveEndpoint("apps.rise.dev/{project_name}", staging, "my-app", "default")
		Expect(e.Host).To(Equal("apps.rise.dev"))
		Expect(e.PathPrefix).To(Equal("/my-app"))
		Expect(e.URL()).To(Equal("https://apps.rise.dev/my-app"))
	})
})
