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

package extension_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rise-dev/rise/pkg/controllers/extension"
	"github.com/rise-dev/rise/pkg/store"
)

var _ = Describe("Webhook", func() {
	var (
		webhook  *extension.Webhook
		project  *store.Project
		received []map[string]any
		respond  func(w http.ResponseWriter)
		server   *httptest.Server
	)

	BeforeEach(func() {
		webhook = extension.NewWebhook()
		project = &store.Project{Name: "my-app"}
		received = nil
		respond = func(w http.ResponseWriter) {
			fmt.Fprint(w, `{"provisioned":true}`)
		}
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload := map[string]any{}
			Expect(json.NewDecoder(r.Body).Decode(&payload)).To(Succeed())
			received = append(received, payload)
			respond(w)
		}))
		DeferCleanup(server.Close)
	})

	newExtension := func(spec string) *store.Extension {
		return &store.Extension{Name: "provisioner", Spec: []byte(spec)}
	}

	It("should deliver the project and spec and adopt the response as status", func() {
		ext := newExtension(fmt.Sprintf(`{"url":%q}`, server.URL))
		status, requeue, err := webhook.Reconcile(ctx, project, ext)
		Expect(err).ToNot(HaveOccurred())
		Expect(requeue).To(BeNil())
		Expect(status).To(MatchJSON(`{"provisioned":true}`))

		Expect(received).To(HaveLen(1))
		Expect(received[0]["project"]).To(Equal("my-app"))
		Expect(received[0]["extension"]).To(Equal("provisioner"))
		Expect(received[0]["deleted"]).To(BeFalse())
	})
	It("should wrap non-JSON responses", func() {
		respond = func(w http.ResponseWriter) { fmt.Fprint(w, "ok") }
		ext := newExtension(fmt.Sprintf(`{"url":%q}`, server.URL))
		status, _, err := webhook.Reconcile(ctx, project, ext)
		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(MatchJSON(`{"response":"ok"}`))
	})
	It("should honor the resync interval", func() {
		ext := newExtension(fmt.Sprintf(`{"url":%q,"resync_seconds":300}`, server.URL))
		_, requeue, err := webhook.Reconcile(ctx, project, ext)
		Expect(err).ToNot(HaveOccurred())
		Expect(requeue).ToNot(BeNil())
		Expect(*requeue).To(Equal(5 * time.Minute))
	})
	It("should fail on non-2xx responses", func() {
		respond = func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }
		ext := newExtension(fmt.Sprintf(`{"url":%q}`, server.URL))
		_, _, err := webhook.Reconcile(ctx, project, ext)
		Expect(err).To(MatchError(ContainSubstring("502")))
	})
	It("should reject specs without a url", func() {
		_, _, err := webhook.Reconcile(ctx, project, newExtension(`{}`))
		Expect(err).To(MatchError(ContainSubstring("url")))
	})

	Context("cleanup", func() {
		It("should send a delete notification and report done", func() {
			ext := newExtension(fmt.Sprintf(`{"url":%q}`, server.URL))
			done, err := webhook.Cleanup(ctx, project, ext)
			Expect(err).ToNot(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(received[0]["deleted"]).To(BeTrue())
		})
		It("should report not done while the endpoint is failing", func() {
			respond = func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) }
			ext := newExtension(fmt.Sprintf(`{"url":%q}`, server.URL))
			done, err := webhook.Cleanup(ctx, project, ext)
			Expect(err).To(HaveOccurred())
			Expect(done).To(BeFalse())
		})
		It("should treat an unparseable spec as nothing to clean up", func() {
			done, err := webhook.Cleanup(ctx, project, newExtension(`not-json`))
			Expect(err).ToNot(HaveOccurred())
			Expect(done).To(BeTrue())
		})
	})
})
