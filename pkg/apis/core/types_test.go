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

package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rise-dev/rise/pkg/apis/core"
)

var _ = Describe("DeploymentStatus", func() {
	It("should treat exactly the settled statuses as terminal", func() {
		terminal := []core.DeploymentStatus{
			core.DeploymentStatusCancelled,
			core.DeploymentStatusStopped,
			core.DeploymentStatusSuperseded,
			core.DeploymentStatusFailed,
			core.DeploymentStatusExpired,
		}
		for _, s := range terminal {
			Expect(s.IsTerminal()).To(BeTrue(), string(s))
		}
		for _, s := range []core.DeploymentStatus{
			core.DeploymentStatusPending,
			core.DeploymentStatusBuilding,
			core.DeploymentStatusDeploying,
			core.DeploymentStatusHealthy,
			core.DeploymentStatusTerminating,
			core.DeploymentStatusCancelling,
		} {
			Expect(s.IsTerminal()).To(BeFalse(), string(s))
		}
	})
	It("should allow cancellation until traffic has switched", func() {
		Expect(core.DeploymentStatusPending.IsCancellable()).To(BeTrue())
		Expect(core.DeploymentStatusBuilding.IsCancellable()).To(BeTrue())
		Expect(core.DeploymentStatusPushed.IsCancellable()).To(BeTrue())
		Expect(core.DeploymentStatusDeploying.IsCancellable()).To(BeTrue())
		Expect(core.DeploymentStatusHealthy.IsCancellable()).To(BeFalse())
		Expect(core.DeploymentStatusTerminating.IsCancellable()).To(BeFalse())
	})
	It("should protect terminating and terminal deployments from reconciler writes", func() {
		Expect(core.DeploymentStatusTerminating.IsReconcilerProtected()).To(BeTrue())
		Expect(core.DeploymentStatusCancelling.IsReconcilerProtected()).To(BeTrue())
		Expect(core.DeploymentStatusStopped.IsReconcilerProtected()).To(BeTrue())
		Expect(core.DeploymentStatusHealthy.IsReconcilerProtected()).To(BeFalse())
		Expect(core.DeploymentStatusDeploying.IsReconcilerProtected()).To(BeFalse())
	})
	It("should count both healthy and unhealthy as running", func() {
		Expect(core.DeploymentStatusHealthy.IsRunning()).To(BeTrue())
		Expect(core.DeploymentStatusUnhealthy.IsRunning()).To(BeTrue())
		Expect(core.DeploymentStatusDeploying.IsRunning()).To(BeFalse())
	})
})

var _ = Describe("TerminationReason", func() {
	It("should map each reason to its terminal status", func() {
		Expect(core.TerminationReasonUserStopped.TerminalStatus()).To(Equal(core.DeploymentStatusStopped))
		Expect(core.TerminationReasonSuperseded.TerminalStatus()).To(Equal(core.DeploymentStatusSuperseded))
		Expect(core.TerminationReasonCancelled.TerminalStatus()).To(Equal(core.DeploymentStatusCancelled))
		Expect(core.TerminationReasonExpired.TerminalStatus()).To(Equal(core.DeploymentStatusExpired))
		Expect(core.TerminationReasonFailed.TerminalStatus()).To(Equal(core.DeploymentStatusFailed))
	})
	It("should settle unknown reasons into Failed", func() {
		Expect(core.TerminationReason("???").TerminalStatus()).To(Equal(core.DeploymentStatusFailed))
	})
})

var _ = Describe("Validation", func() {
	It("should accept lowercase DNS labels as project names", func() {
		Expect(core.ValidateProjectName("my-app")).To(Succeed())
		Expect(core.ValidateProjectName("a")).To(Succeed())
		Expect(core.ValidateProjectName("app2")).To(Succeed())
	})
	It("should reject malformed project names", func() {
		Expect(core.ValidateProjectName("")).ToNot(Succeed())
		Expect(core.ValidateProjectName("My-App")).ToNot(Succeed())
		Expect(core.ValidateProjectName("-app")).ToNot(Succeed())
		Expect(core.ValidateProjectName("app-")).ToNot(Succeed())
		Expect(core.ValidateProjectName("app_1")).ToNot(Succeed())
	})
	It("should accept slashes inside deployment groups", func() {
		Expect(core.ValidateDeploymentGroup("default")).To(Succeed())
		Expect(core.ValidateDeploymentGroup("mr/26")).To(Succeed())
	})
	It("should reject groups that would collide after escaping", func() {
		Expect(core.ValidateDeploymentGroup("a--b")).ToNot(Succeed())
	})
	It("should reject groups with leading or trailing separators", func() {
		Expect(core.ValidateDeploymentGroup("/x")).ToNot(Succeed())
		Expect(core.ValidateDeploymentGroup("x/")).ToNot(Succeed())
		Expect(core.ValidateDeploymentGroup("")).ToNot(Succeed())
	})
})
