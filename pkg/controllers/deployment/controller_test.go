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

package deployment_test

import (
	"errors"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/store"
)

var _ = Describe("Engine", func() {
	var project *store.Project

	BeforeEach(func() {
		var err error
		project, err = st.CreateProject(ctx, &store.Project{Name: "my-app"})
		Expect(err).ToNot(HaveOccurred())
	})

	newDeployment := func(params store.CreateDeploymentParams) *store.Deployment {
		if params.ProjectID == uuid.Nil {
			params.ProjectID = project.ID
		}
		if params.DeploymentGroup == "" {
			params.DeploymentGroup = core.DefaultDeploymentGroup
		}
		if params.HTTPPort == 0 {
			params.HTTPPort = 8080
		}
		d, err := st.CreateDeployment(ctx, params)
		Expect(err).ToNot(HaveOccurred())
		return d
	}

	moveTo := func(d *store.Deployment, path ...core.DeploymentStatus) *store.Deployment {
		current := d.Status
		var out *store.Deployment
		var err error
		for _, next := range path {
			opts := []store.TransitionOption{store.WithLeaseReleased()}
			if next == core.DeploymentStatusDeploying {
				opts = append(opts, store.WithDeployingStartedAt(clk.Now()))
			}
			out, err = st.TransitionDeployment(ctx, d.ID, []core.DeploymentStatus{current}, next, opts...)
			Expect(err).ToNot(HaveOccurred())
			current = next
		}
		return out
	}

	reconcile := func() {
		_, err := controller.Reconcile(ctx)
		Expect(err).ToNot(HaveOccurred())
	}

	get := func(d *store.Deployment) *store.Deployment {
		got, err := st.GetDeploymentByID(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		return got
	}

	Context("Pending", func() {
		It("should hand deployments without an image to the build runner", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			reconcile()
			Expect(get(d).Status).To(Equal(core.DeploymentStatusBuilding))
		})
		It("should pin pre-built images to their digest and skip the build", func() {
			resolver.Digests["nginx:1.27"] = "sha256:abc"
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3", Image: lo.ToPtr("nginx:1.27")})
			reconcile()

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusPushed))
			Expect(lo.FromPtr(got.ImageDigest)).To(Equal("nginx:1.27@sha256:abc"))
		})
		It("should keep already-pinned references as-is", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3", Image: lo.ToPtr("nginx@sha256:abc")})
			reconcile()
			Expect(lo.FromPtr(get(d).ImageDigest)).To(Equal("nginx@sha256:abc"))
		})
		It("should fail permanently when the image cannot be resolved", func() {
			resolver.Err = errors.New("manifest unknown")
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3", Image: lo.ToPtr("ghost:latest")})
			reconcile()

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusFailed))
			Expect(lo.FromPtr(got.TerminationReason)).To(Equal(core.TerminationReasonFailed))
			Expect(got.ControllerMetadata["last_error"]).To(ContainSubstring("manifest unknown"))
		})
		It("should cancel submissions into a deleting project", func() {
			Expect(st.SetProjectStatus(ctx, project.ID, core.ProjectStatusDeleting)).To(Succeed())
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			reconcile()
			Expect(get(d).Status).To(Equal(core.DeploymentStatusCancelling))
		})
	})

	Context("Pushed", func() {
		It("should create infrastructure and start the deploy clock", func() {
			d := newDeployment(store.CreateDeploymentParams{
				DeploymentID: "witty-otter-1a2b3",
				Image:        lo.ToPtr("nginx:1.27"),
				EnvVars:      []store.EnvVar{{Key: "FOO", Value: []byte("bar")}},
			})
			moveTo(d, core.DeploymentStatusPushed)
			reconcile()

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusDeploying))
			Expect(got.DeployingStartedAt).ToNot(BeNil())
			Expect(cluster.EnsureCalls).To(HaveLen(1))
			Expect(cluster.EnsureCalls[0].ProjectName).To(Equal("my-app"))
			Expect(cluster.EnsureCalls[0].Env[0].Value).To(Equal("bar"))
		})
		It("should decrypt secret env vars for the pod spec", func() {
			ciphertext, err := encrypter.Encrypt(ctx, []byte("hunter2"))
			Expect(err).ToNot(HaveOccurred())
			d := newDeployment(store.CreateDeploymentParams{
				DeploymentID: "witty-otter-1a2b3",
				EnvVars:      []store.EnvVar{{Key: "DB_PASSWORD", Value: ciphertext, IsSecret: true}},
			})
			moveTo(d, core.DeploymentStatusPushed)
			reconcile()

			Expect(cluster.EnsureCalls[0].Env[0].Value).To(Equal("hunter2"))
		})
		It("should surface infrastructure errors on the record and keep the row claimable", func() {
			cluster.EnsureErr = errors.New("quota exceeded")
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed)

			_, err := controller.Reconcile(ctx)
			Expect(err).To(HaveOccurred())

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusPushed))
			Expect(got.ControllerMetadata["last_error"]).To(ContainSubstring("quota exceeded"))
			Expect(got.LeaseUntil).To(BeNil())
		})
	})

	Context("Deploying", func() {
		It("should wait while the replica set is not ready", func() {
			cluster.ReadyResult = false
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			reconcile()

			Expect(get(d).Status).To(Equal(core.DeploymentStatusDeploying))
			Expect(cluster.SwitchCalls).To(BeEmpty())
		})
		It("should pace readiness polls instead of spinning on the row", func() {
			cluster.ReadyResult = false
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)

			reconcile()
			Expect(cluster.ReadyCalls).To(Equal(1))
			Expect(get(d).LeaseUntil).ToNot(BeNil())

			// Back-to-back passes on a frozen clock find nothing claimable.
			reconcile()
			reconcile()
			Expect(cluster.ReadyCalls).To(Equal(1))

			clk.Step(6 * time.Second)
			reconcile()
			Expect(cluster.ReadyCalls).To(Equal(2))
		})
		It("should switch traffic and activate once ready", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			reconcile()

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusHealthy))
			Expect(got.IsActive).To(BeTrue())
			Expect(cluster.SwitchCalls).To(HaveLen(1))
		})
		It("should supersede the previously active deployment in the group", func() {
			prior := newDeployment(store.CreateDeploymentParams{DeploymentID: "old-otter-00000"})
			moveTo(prior, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err := st.ActivateDeployment(ctx, prior.ID)
			Expect(err).ToNot(HaveOccurred())

			next := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(next, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			reconcile()

			Expect(get(next).IsActive).To(BeTrue())
			gotPrior := get(prior)
			Expect(gotPrior.Status).To(Equal(core.DeploymentStatusTerminating))
			Expect(lo.FromPtr(gotPrior.TerminationReason)).To(Equal(core.TerminationReasonSuperseded))
			Expect(gotPrior.IsActive).To(BeFalse())
		})
		It("should take the active flag from a peer already draining", func() {
			prior := newDeployment(store.CreateDeploymentParams{
				DeploymentID: "old-otter-00000",
				ExpiresAt:    lo.ToPtr(clk.Now().Add(-time.Minute)),
			})
			moveTo(prior, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err := st.ActivateDeployment(ctx, prior.ID)
			Expect(err).ToNot(HaveOccurred())

			next := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(next, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)

			// The expiry sweep starts the drain but leaves is_active set until
			// teardown finishes. The sweep touches the prior row last, so the
			// next claim picks the Deploying row.
			clk.Step(time.Second)
			swept, err := st.SweepExpired(ctx, clk.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(swept).To(HaveLen(1))
			Expect(get(prior).IsActive).To(BeTrue())

			reconcile()

			Expect(get(next).IsActive).To(BeTrue())
			gotPrior := get(prior)
			Expect(gotPrior.IsActive).To(BeFalse())
			Expect(gotPrior.Status).To(Equal(core.DeploymentStatusTerminating))
			Expect(lo.FromPtr(gotPrior.TerminationReason)).To(Equal(core.TerminationReasonExpired))
		})
		It("should fail deployments that exhaust the deploy timeout", func() {
			cluster.ReadyResult = false
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)

			clk.Step(11 * time.Minute)
			reconcile()

			got := get(d)
			Expect(got.Status).To(Equal(core.DeploymentStatusFailed))
			Expect(got.ControllerMetadata["last_error"]).To(ContainSubstring("not ready"))
		})
	})

	Context("Running", func() {
		activate := func(d *store.Deployment) {
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err := st.ActivateDeployment(ctx, d.ID)
			Expect(err).ToNot(HaveOccurred())
		}

		It("should mark an unready deployment Unhealthy and recover it later", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			activate(d)

			cluster.ReadyResult = false
			clk.Step(31 * time.Second)
			reconcile()
			Expect(get(d).Status).To(Equal(core.DeploymentStatusUnhealthy))

			cluster.ReadyResult = true
			clk.Step(31 * time.Second)
			reconcile()
			Expect(get(d).Status).To(Equal(core.DeploymentStatusHealthy))
		})
		It("should re-reconcile flagged deployments and restore the selector of the active one", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			activate(d)
			Expect(st.SetNeedsReconcile(ctx, d.ID, true)).To(Succeed())
			reconcile()

			got := get(d)
			Expect(got.NeedsReconcile).To(BeFalse())
			Expect(got.Status).To(Equal(core.DeploymentStatusHealthy))
			Expect(cluster.EnsureCalls).To(HaveLen(1))
			Expect(cluster.SwitchCalls).To(HaveLen(1))
		})
		It("should not switch traffic when re-reconciling an inactive deployment", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying, core.DeploymentStatusHealthy)
			Expect(st.SetNeedsReconcile(ctx, d.ID, true)).To(Succeed())
			reconcile()

			Expect(cluster.EnsureCalls).To(HaveLen(1))
			Expect(cluster.SwitchCalls).To(BeEmpty())
		})
	})

	Context("Cancelling", func() {
		It("should settle into Cancelled without touching the cluster", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusCancelling)
			reconcile()

			Expect(get(d).Status).To(Equal(core.DeploymentStatusCancelled))
			Expect(cluster.TeardownCalls).To(BeEmpty())
		})
	})

	Context("Terminating", func() {
		It("should tear down the whole group when no active peer remains", func() {
			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err := st.TransitionDeployment(ctx, d.ID,
				[]core.DeploymentStatus{core.DeploymentStatusDeploying}, core.DeploymentStatusTerminating,
				store.WithTerminationReason(core.TerminationReasonUserStopped), store.WithLeaseReleased())
			Expect(err).ToNot(HaveOccurred())
			reconcile()

			Expect(get(d).Status).To(Equal(core.DeploymentStatusStopped))
			Expect(cluster.TeardownCalls).To(HaveLen(1))
			Expect(cluster.TeardownCalls[0].LastInGroup).To(BeTrue())
		})
		It("should keep the group's service and ingress while a peer is active", func() {
			peer := newDeployment(store.CreateDeploymentParams{DeploymentID: "new-otter-00000"})
			moveTo(peer, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err := st.ActivateDeployment(ctx, peer.ID)
			Expect(err).ToNot(HaveOccurred())

			d := newDeployment(store.CreateDeploymentParams{DeploymentID: "witty-otter-1a2b3"})
			moveTo(d, core.DeploymentStatusPushed, core.DeploymentStatusDeploying)
			_, err = st.TransitionDeployment(ctx, d.ID,
				[]core.DeploymentStatus{core.DeploymentStatusDeploying}, core.DeploymentStatusTerminating,
				store.WithTerminationReason(core.TerminationReasonSuperseded), store.WithLeaseReleased())
			Expect(err).ToNot(HaveOccurred())
			reconcile()

			Expect(get(d).Status).To(Equal(core.DeploymentStatusSuperseded))
			Expect(cluster.TeardownCalls).To(HaveLen(1))
			Expect(cluster.TeardownCalls[0].LastInGroup).To(BeFalse())
		})
	})

	Context("Idle", func() {
		It("should requeue when nothing is claimable", func() {
			result, err := controller.Reconcile(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.RequeueAfter).To(BeNumerically(">", 0))
		})
	})
})
