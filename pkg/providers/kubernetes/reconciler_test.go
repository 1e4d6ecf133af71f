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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
	"github.com/rise-dev/rise/pkg/providers/registry"
)

var _ = Describe("Reconciler", func() {
	var spec kubeprovider.DeploymentSpec

	BeforeEach(func() {
		spec = kubeprovider.DeploymentSpec{
			ProjectName:  "my-app",
			DeploymentID: "witty-otter-1a2b3",
			Group:        "default",
			Image:        "registry.example.com/rise/my-app@sha256:abc",
			HTTPPort:     8080,
			Env:          []corev1.EnvVar{{Name: "FOO", Value: "bar"}},
		}
	})

	Describe("EnsureInfrastructure", func() {
		It("should create the namespace, pull secret, replica set, service and ingress", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			ns, err := kube.CoreV1().Namespaces().Get(ctx, "rise-my-app", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ns.Labels).To(HaveKeyWithValue(kubeprovider.LabelManagedBy, kubeprovider.ManagedByValue))
			Expect(ns.Labels).To(HaveKeyWithValue(kubeprovider.LabelProject, "my-app"))

			secret, err := kube.CoreV1().Secrets("rise-my-app").Get(ctx, kubeprovider.PullSecretName, metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(secret.Type).To(Equal(corev1.SecretTypeDockerConfigJson))
			Expect(secret.Data).To(HaveKey(corev1.DockerConfigJsonKey))

			rs, err := kube.AppsV1().ReplicaSets("rise-my-app").Get(ctx, "my-app-witty-otter-1a2b3", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rs.Spec.Template.Spec.Containers).To(HaveLen(1))
			Expect(rs.Spec.Template.Spec.Containers[0].Image).To(Equal(spec.Image))
			Expect(rs.Spec.Template.Spec.Containers[0].Env).To(ContainElement(corev1.EnvVar{Name: "FOO", Value: "bar"}))
			Expect(rs.Spec.Template.Spec.ImagePullSecrets).To(ContainElement(corev1.LocalObjectReference{Name: kubeprovider.PullSecretName}))

			svc, err := kube.CoreV1().Services("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.Spec.Selector).To(HaveKeyWithValue(kubeprovider.LabelDeploymentID, "witty-otter-1a2b3"))
			Expect(svc.Spec.Ports[0].TargetPort.IntValue()).To(Equal(8080))

			ing, err := kube.NetworkingV1().Ingresses("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ing.Spec.Rules[0].Host).To(Equal("my-app.apps.rise.dev"))
			Expect(*ing.Spec.IngressClassName).To(Equal("nginx"))
		})
		It("should not move an existing service selector to the new deployment", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			next := spec
			next.DeploymentID = "brave-otter-9z8y7"
			Expect(reconciler.EnsureInfrastructure(ctx, next)).To(Succeed())

			svc, err := kube.CoreV1().Services("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.Spec.Selector).To(HaveKeyWithValue(kubeprovider.LabelDeploymentID, "witty-otter-1a2b3"))
		})
		It("should apply access class annotations and ingress class", func() {
			spec.AccessClass = "internal"
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			ing, err := kube.NetworkingV1().Ingresses("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(*ing.Spec.IngressClassName).To(Equal("nginx-internal"))
			Expect(ing.Annotations).To(HaveKeyWithValue("rise.dev/access-requirement", "vpn"))
			Expect(ing.Annotations).To(HaveKeyWithValue("nginx.ingress.kubernetes.io/whitelist-source-range", "10.0.0.0/8"))
		})
		It("should configure sub-path routing when the template routes by path", func() {
			cfg.Kubernetes.ProductionIngressURLTemplate = "apps.rise.dev/{project_name}"
			broker, err := registry.NewBroker(provider, true)
			Expect(err).ToNot(HaveOccurred())
			reconciler = kubeprovider.NewReconciler(kube, broker, portChecker, clk, cfg)
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			ing, err := kube.NetworkingV1().Ingresses("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ing.Spec.Rules[0].Host).To(Equal("apps.rise.dev"))
			Expect(ing.Spec.Rules[0].HTTP.Paths[0].Path).To(Equal("/my-app(/|$)(.*)"))
			Expect(ing.Annotations).To(HaveKeyWithValue("nginx.ingress.kubernetes.io/rewrite-target", "/$2"))
			Expect(ing.Annotations).To(HaveKeyWithValue("nginx.ingress.kubernetes.io/x-forwarded-prefix", "/my-app"))
			Expect(ing.Annotations).To(HaveKeyWithValue("nginx.ingress.kubernetes.io/use-regex", "true"))
		})
		It("should escape staging group names in object names and hosts", func() {
			spec.Group = "mr/26"
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			ing, err := kube.NetworkingV1().Ingresses("rise-my-app").Get(ctx, "mr--26", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ing.Spec.Rules[0].Host).To(Equal("my-app-mr--26.staging.rise.dev"))
		})
	})

	Describe("RefreshPullSecret", func() {
		It("should skip the credential broker while the secret is fresh", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
			Expect(provider.Calls).To(Equal(1))

			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
			Expect(provider.Calls).To(Equal(1))
		})
		It("should refresh once the annotation falls outside the window", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
			clk.Step(2 * time.Hour)

			Expect(reconciler.RefreshPullSecret(ctx, "my-app", false)).To(Succeed())
			secret, err := kube.CoreV1().Secrets("rise-my-app").Get(ctx, kubeprovider.PullSecretName, metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(secret.Annotations["rise.dev/last-refresh"]).To(Equal(clk.Now().UTC().Format(time.RFC3339)))
		})
	})

	Describe("Ready", func() {
		BeforeEach(func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
		})
		It("should report not ready while replicas lag", func() {
			ready, err := reconciler.Ready(ctx, spec)
			Expect(err).ToNot(HaveOccurred())
			Expect(ready).To(BeFalse())
		})
		It("should report ready when replicas are up and the port answers", func() {
			markReplicaSetReady(spec)
			createRunningPod(spec, "10.1.2.3")

			ready, err := reconciler.Ready(ctx, spec)
			Expect(err).ToNot(HaveOccurred())
			Expect(ready).To(BeTrue())
			Expect(portChecker.Calls).To(ContainElement("10.1.2.3:8080"))
		})
		It("should report not ready until a running pod answers on the port", func() {
			markReplicaSetReady(spec)

			ready, err := reconciler.Ready(ctx, spec)
			Expect(err).ToNot(HaveOccurred())
			Expect(ready).To(BeFalse())
			Expect(portChecker.Calls).To(BeEmpty())
		})
		It("should not count pods that are still coming up", func() {
			markReplicaSetReady(spec)
			pod := &corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{
					Name:      spec.DeploymentID + "-pod",
					Namespace: "rise-my-app",
					Labels:    map[string]string{kubeprovider.LabelDeploymentID: spec.DeploymentID},
				},
				Status: corev1.PodStatus{Phase: corev1.PodPending},
			}
			_, err := kube.CoreV1().Pods("rise-my-app").Create(ctx, pod, metav1.CreateOptions{})
			Expect(err).ToNot(HaveOccurred())

			ready, err := reconciler.Ready(ctx, spec)
			Expect(err).ToNot(HaveOccurred())
			Expect(ready).To(BeFalse())
		})
		It("should report not ready when the port does not answer", func() {
			markReplicaSetReady(spec)
			createRunningPod(spec, "10.1.2.3")
			portChecker.Err = errors.New("connection refused")

			ready, err := reconciler.Ready(ctx, spec)
			Expect(err).ToNot(HaveOccurred())
			Expect(ready).To(BeFalse())
		})
	})

	Describe("SwitchTraffic", func() {
		It("should move the service selector to the new deployment", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())

			next := spec
			next.DeploymentID = "brave-otter-9z8y7"
			Expect(reconciler.EnsureInfrastructure(ctx, next)).To(Succeed())
			Expect(reconciler.SwitchTraffic(ctx, next)).To(Succeed())

			svc, err := kube.CoreV1().Services("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.Spec.Selector).To(HaveKeyWithValue(kubeprovider.LabelDeploymentID, "brave-otter-9z8y7"))
		})
	})

	Describe("Teardown", func() {
		BeforeEach(func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
		})
		It("should delete only the replica set while peers remain", func() {
			Expect(reconciler.Teardown(ctx, spec, false)).To(Succeed())

			_, err := kube.AppsV1().ReplicaSets("rise-my-app").Get(ctx, "my-app-witty-otter-1a2b3", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
			_, err = kube.CoreV1().Services("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).ToNot(HaveOccurred())
		})
		It("should delete the service and ingress with the last deployment of the group", func() {
			Expect(reconciler.Teardown(ctx, spec, true)).To(Succeed())

			_, err := kube.CoreV1().Services("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
			_, err = kube.NetworkingV1().Ingresses("rise-my-app").Get(ctx, "default", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})
		It("should tolerate already-deleted objects", func() {
			Expect(reconciler.Teardown(ctx, spec, true)).To(Succeed())
			Expect(reconciler.Teardown(ctx, spec, true)).To(Succeed())
		})
	})

	Describe("DeleteNamespace", func() {
		It("should remove the project namespace", func() {
			Expect(reconciler.EnsureInfrastructure(ctx, spec)).To(Succeed())
			Expect(reconciler.DeleteNamespace(ctx, "my-app")).To(Succeed())

			_, err := kube.CoreV1().Namespaces().Get(ctx, "rise-my-app", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})
		It("should succeed when the namespace never existed", func() {
			Expect(reconciler.DeleteNamespace(ctx, "ghost")).To(Succeed())
		})
	})
})

func markReplicaSetReady(spec kubeprovider.DeploymentSpec) {
	rs, err := kube.AppsV1().ReplicaSets("rise-my-app").Get(ctx, kubeprovider.ReplicaSetName(spec.ProjectName, spec.DeploymentID), metav1.GetOptions{})
	Expect(err).ToNot(HaveOccurred())
	rs.Status.Replicas = 1
	rs.Status.ReadyReplicas = 1
	_, err = kube.AppsV1().ReplicaSets("rise-my-app").UpdateStatus(ctx, rs, metav1.UpdateOptions{})
	Expect(err).ToNot(HaveOccurred())
}

func createRunningPod(spec kubeprovider.DeploymentSpec, ip string) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.DeploymentID + "-pod",
			Namespace: "rise-my-app",
			Labels:    map[string]string{kubeprovider.LabelDeploymentID: spec.DeploymentID},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: ip},
	}
	_, err := kube.CoreV1().Pods("rise-my-app").Create(ctx, pod, metav1.CreateOptions{})
	Expect(err).ToNot(HaveOccurred())
}
