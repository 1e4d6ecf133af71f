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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/store"
)

var _ = Describe("Controller", func() {
	var project *store.Project

	BeforeEach(func() {
		var err error
		project, err = st.CreateProject(ctx, &store.Project{Name: "my-app"})
		Expect(err).ToNot(HaveOccurred())
	})

	newExtension := func(extType string, spec string) *store.Extension {
		ext, err := st.CreateExtension(ctx, &store.Extension{
			ProjectID:     project.ID,
			Name:          "s3-bucket",
			ExtensionType: extType,
			Spec:          []byte(spec),
		})
		Expect(err).ToNot(HaveOccurred())
		return ext
	}

	reconcile := func() {
		_, err := ctrl.Reconcile(ctx)
		Expect(err).ToNot(HaveOccurred())
	}

	get := func() *store.Extension {
		ext, err := st.GetExtension(ctx, project.ID, "s3-bucket")
		Expect(err).ToNot(HaveOccurred())
		return ext
	}

	It("should run the handler and persist the status document", func() {
		newExtension("stub", `{}`)
		reconcile()

		Expect(handler.reconciles).To(Equal(1))
		Expect(get().Status).To(MatchJSON(`{"state":"ready"}`))
	})
	It("should park a record whose handler asks for no requeue", func() {
		newExtension("stub", `{}`)
		reconcile()

		clk.Step(24 * time.Hour)
		reconcile()
		Expect(handler.reconciles).To(Equal(1))
	})
	It("should requeue after the handler's requested delay", func() {
		handler.requeue = lo.ToPtr(time.Minute)
		newExtension("stub", `{}`)
		reconcile()
		Expect(handler.reconciles).To(Equal(1))

		// Not due yet.
		clk.Step(30 * time.Second)
		reconcile()
		Expect(handler.reconciles).To(Equal(1))

		clk.Step(time.Minute)
		reconcile()
		Expect(handler.reconciles).To(Equal(2))
	})
	It("should wake a parked record when its spec changes", func() {
		newExtension("stub", `{}`)
		reconcile()
		Expect(handler.reconciles).To(Equal(1))

		Expect(st.UpdateExtensionSpec(ctx, project.ID, "s3-bucket", []byte(`{"size":"large"}`))).To(Succeed())
		reconcile()
		Expect(handler.reconciles).To(Equal(2))
	})
	It("should retry records of an unregistered type on a slow cadence", func() {
		newExtension("ghost", `{}`)
		reconcile()
		Expect(handler.reconciles).To(BeZero())

		// Backed off, not hot-looping.
		clk.Step(time.Minute)
		_, err := ctrl.Reconcile(ctx)
		Expect(err).ToNot(HaveOccurred())

		clk.Step(5 * time.Minute)
		reconcile()
		Expect(handler.reconciles).To(BeZero())
	})
	It("should record handler failures in the status and back off", func() {
		handler.err = errors.New("bucket name taken")
		newExtension("stub", `{}`)
		reconcile()

		status := map[string]json.RawMessage{}
		Expect(json.Unmarshal(get().Status, &status)).To(Succeed())
		Expect(string(status["last_error"])).To(ContainSubstring("bucket name taken"))

		// Retried after the backoff window.
		handler.err = nil
		clk.Step(31 * time.Second)
		reconcile()
		Expect(handler.reconciles).To(Equal(2))
	})
	It("should keep prior status fields when recording an error", func() {
		newExtension("stub", `{}`)
		reconcile()

		handler.err = errors.New("transient")
		clk.Step(31 * time.Second)
		Expect(st.UpdateExtensionSpec(ctx, project.ID, "s3-bucket", []byte(`{"size":"large"}`))).To(Succeed())
		reconcile()

		status := map[string]json.RawMessage{}
		Expect(json.Unmarshal(get().Status, &status)).To(Succeed())
		Expect(string(status["state"])).To(ContainSubstring("ready"))
		Expect(string(status["last_error"])).To(ContainSubstring("transient"))
	})

	Context("cleanup", func() {
		It("should remove the record once the handler reports done", func() {
			newExtension("stub", `{}`)
			reconcile()
			Expect(st.SoftDeleteExtension(ctx, project.ID, "s3-bucket")).To(Succeed())
			reconcile()

			Expect(handler.cleanups).To(Equal(1))
			count, err := st.CountPendingExtensions(ctx, project.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
		})
		It("should keep retrying while external resources are still held", func() {
			handler.cleanupDone = false
			newExtension("stub", `{}`)
			Expect(st.SoftDeleteExtension(ctx, project.ID, "s3-bucket")).To(Succeed())
			reconcile()
			Expect(handler.cleanups).To(Equal(1))

			count, err := st.CountPendingExtensions(ctx, project.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))

			handler.cleanupDone = true
			clk.Step(3 * time.Second)
			reconcile()
			count, err = st.CountPendingExtensions(ctx, project.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(BeZero())
		})
	})

	It("should requeue idle when nothing is due", func() {
		result, err := ctrl.Reconcile(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.RequeueAfter).To(BeNumerically(">", 0))
	})
})
