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

package project_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/controllers/project"
	"github.com/rise-dev/rise/pkg/store"
)

var _ = Describe("Controller", func() {
	var proj *store.Project

	BeforeEach(func() {
		var err error
		proj, err = st.CreateProject(ctx, &store.Project{Name: "my-app"})
		Expect(err).ToNot(HaveOccurred())
		Expect(st.AddProjectFinalizer(ctx, proj.ID, project.CleanupFinalizer)).To(Succeed())
	})

	newDeployment := func(id string, status core.DeploymentStatus) *store.Deployment {
		d, err := st.CreateDeployment(ctx, store.CreateDeploymentParams{
			ProjectID:       proj.ID,
			DeploymentID:    id,
			DeploymentGroup: core.DefaultDeploymentGroup,
			HTTPPort:        8080,
		})
		Expect(err).ToNot(HaveOccurred())
		if status != core.DeploymentStatusPending {
			d, err = st.TransitionDeployment(ctx, d.ID, []core.DeploymentStatus{core.DeploymentStatusPending}, status)
			Expect(err).ToNot(HaveOccurred())
		}
		return d
	}

	reconcile := func() {
		_, err := ctrl.Reconcile(ctx)
		Expect(err).ToNot(HaveOccurred())
	}

	status := func() core.ProjectStatus {
		got, err := st.GetProjectByID(ctx, proj.ID)
		Expect(err).ToNot(HaveOccurred())
		return got.Status
	}

	Context("status roll-up", func() {
		It("should stay Stopped with no deployments", func() {
			reconcile()
			Expect(status()).To(Equal(core.ProjectStatusStopped))
		})
		It("should show Deploying while any deployment is in flight", func() {
			newDeployment("a", core.DeploymentStatusHealthy)
			newDeployment("b", core.DeploymentStatusDeploying)
			reconcile()
			Expect(status()).To(Equal(core.ProjectStatusDeploying))
		})
		It("should show Running when deployments are serving", func() {
			newDeployment("a", core.DeploymentStatusHealthy)
			newDeployment("b", core.DeploymentStatusStopped)
			reconcile()
			Expect(status()).To(Equal(core.ProjectStatusRunning))
		})
		It("should show Failed when the only outcome is a failure", func() {
			newDeployment("a", core.DeploymentStatusFailed)
			reconcile()
			Expect(status()).To(Equal(core.ProjectStatusFailed))
		})
		It("should settle back to Stopped after everything terminates", func() {
			newDeployment("a", core.DeploymentStatusStopped)
			reconcile()
			Expect(status()).To(Equal(core.ProjectStatusStopped))
		})
	})

	Context("deletion drain", func() {
		BeforeEach(func() {
			Expect(st.SetProjectStatus(ctx, proj.ID, core.ProjectStatusDeleting)).To(Succeed())
		})

		It("should terminate running deployments and wait for the engine", func() {
			d := newDeployment("a", core.DeploymentStatusHealthy)
			reconcile()

			got, err := st.GetDeploymentByID(ctx, d.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.DeploymentStatusTerminating))
			Expect(cluster.DeletedNS).To(BeEmpty())

			_, err = st.GetProjectByID(ctx, proj.ID)
			Expect(err).ToNot(HaveOccurred())
		})
		It("should cancel deployments that have no infrastructure yet", func() {
			d := newDeployment("a", core.DeploymentStatusBuilding)
			reconcile()

			got, err := st.GetDeploymentByID(ctx, d.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.DeploymentStatusCancelling))
		})
		It("should wait for extension cleanup before touching the namespace", func() {
			_, err := st.CreateExtension(ctx, &store.Extension{
				ProjectID: proj.ID, Name: "bucket", ExtensionType: "webhook", Spec: []byte(`{}`),
			})
			Expect(err).ToNot(HaveOccurred())
			// The Deleting transition soft-deleted it; cleanup has not run.
			Expect(st.SetProjectStatus(ctx, proj.ID, core.ProjectStatusDeleting)).To(Succeed())
			reconcile()

			Expect(cluster.DeletedNS).To(BeEmpty())
			_, err = st.GetProjectByID(ctx, proj.ID)
			Expect(err).ToNot(HaveOccurred())
		})
		It("should delete the namespace and the row once fully drained", func() {
			newDeployment("a", core.DeploymentStatusStopped)
			reconcile()

			Expect(cluster.DeletedNS).To(ConsistOf("my-app"))
			_, err := st.GetProjectByID(ctx, proj.ID)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
		It("should keep the row when the namespace delete fails", func() {
			cluster.DeleteNSErr = errSentinel
			reconcile()

			_, err := st.GetProjectByID(ctx, proj.ID)
			Expect(err).ToNot(HaveOccurred())

			cluster.DeleteNSErr = nil
			reconcile()
			_, err = st.GetProjectByID(ctx, proj.ID)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})
})
