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

// Package kubernetes converges cluster state toward a deployment record. All
// writes are server-side applies scoped by the rise.dev labels and confined
// to the project's namespace, so repeated reconciles of the same record are
// no-ops.
package kubernetes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	appsv1apply "k8s.io/client-go/applyconfigurations/apps/v1"
	corev1apply "k8s.io/client-go/applyconfigurations/core/v1"
	metav1apply "k8s.io/client-go/applyconfigurations/meta/v1"
	networkingv1apply "k8s.io/client-go/applyconfigurations/networking/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/config"
	"github.com/rise-dev/rise/pkg/providers/registry"
)

const (
	LabelManagedBy       = "rise.dev/managed-by"
	LabelProject         = "rise.dev/project"
	LabelDeploymentGroup = "rise.dev/deployment-group"
	LabelDeploymentID    = "rise.dev/deployment-id"
	ManagedByValue       = "rise"

	PullSecretName = "rise-registry-creds"

	lastRefreshAnnotation       = "rise.dev/last-refresh"
	accessRequirementAnnotation = "rise.dev/access-requirement"

	fieldManager = "rise-controller"

	appContainerName = "app"
	servicePort      = 80
)

// DeploymentSpec is the slice of a deployment record the reconciler needs.
// Env values arrive already decrypted.
type DeploymentSpec struct {
	ProjectName  string
	DeploymentID string
	Group        string
	// Image is the digest-pinned reference; never a mutable tag.
	Image       string
	HTTPPort    int32
	Env         []corev1.EnvVar
	AccessClass string
}

type Reconciler struct {
	kube        kubernetes.Interface
	broker      registry.CredentialBroker
	portChecker PortChecker
	clock       clock.Clock
	cfg         config.Kubernetes
	controller  config.DeploymentController
}

func NewReconciler(kube kubernetes.Interface, broker registry.CredentialBroker, portChecker PortChecker, clk clock.Clock, cfg *config.Config) *Reconciler {
	return &Reconciler{
		kube:        kube,
		broker:      broker,
		portChecker: portChecker,
		clock:       clk,
		cfg:         cfg.Kubernetes,
		controller:  cfg.DeploymentController,
	}
}

func (r *Reconciler) namespace(projectName string) string {
	return Namespace(r.cfg.NamespaceFormat, projectName)
}

func (r *Reconciler) projectLabels(projectName string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelProject:   projectName,
	}
}

func (r *Reconciler) deploymentLabels(spec DeploymentSpec) map[string]string {
	return lo.Assign(r.projectLabels(spec.ProjectName), map[string]string{
		LabelDeploymentGroup: EscapeGroup(spec.Group),
		LabelDeploymentID:    spec.DeploymentID,
	})
}

// EnsureInfrastructure applies the namespace, pull secret, replica set and,
// when absent, the group's service and ingress. An existing service keeps its
// selector; traffic moves only through SwitchTraffic.
func (r *Reconciler) EnsureInfrastructure(ctx context.Context, spec DeploymentSpec) error {
	if err := r.ensureNamespace(ctx, spec.ProjectName); err != nil {
		return err
	}
	if err := r.RefreshPullSecret(ctx, spec.ProjectName, false); err != nil {
		return err
	}
	if err := r.applyReplicaSet(ctx, spec); err != nil {
		return err
	}
	if err := r.ensureService(ctx, spec); err != nil {
		return err
	}
	return r.applyIngress(ctx, spec)
}

func (r *Reconciler) ensureNamespace(ctx context.Context, projectName string) error {
	ns := corev1apply.Namespace(r.namespace(projectName)).
		WithLabels(r.projectLabels(projectName))
	if _, err := r.kube.CoreV1().Namespaces().Apply(ctx, ns, r.applyOptions()); err != nil {
		return fmt.Errorf("applying namespace, %w", err)
	}
	return nil
}

// RefreshPullSecret seeds or refreshes the project's image pull secret. When
// force is false the secret is left alone inside the refresh window, tracked
// by the last-refresh annotation so concurrent reconciles do not duplicate
// credential requests.
func (r *Reconciler) RefreshPullSecret(ctx context.Context, projectName string, force bool) error {
	namespace := r.namespace(projectName)
	if !force {
		existing, err := r.kube.CoreV1().Secrets(namespace).Get(ctx, PullSecretName, metav1.GetOptions{})
		if err == nil && r.isFresh(existing.Annotations[lastRefreshAnnotation]) {
			return nil
		}
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("getting pull secret, %w", err)
		}
	}
	creds, err := r.broker.CredentialsFor(ctx, projectName, registry.ScopePull)
	if err != nil {
		return err
	}
	dockerConfig, err := dockerConfigJSON(creds)
	if err != nil {
		return err
	}
	secret := corev1apply.Secret(PullSecretName, namespace).
		WithLabels(r.projectLabels(projectName)).
		WithAnnotations(map[string]string{lastRefreshAnnotation: r.clock.Now().UTC().Format(time.RFC3339)}).
		WithType(corev1.SecretTypeDockerConfigJson).
		WithData(map[string][]byte{corev1.DockerConfigJsonKey: dockerConfig})
	if _, err := r.kube.CoreV1().Secrets(namespace).Apply(ctx, secret, r.applyOptions()); err != nil {
		return fmt.Errorf("applying pull secret, %w", err)
	}
	return nil
}

func (r *Reconciler) isFresh(lastRefresh string) bool {
	if lastRefresh == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339, lastRefresh)
	if err != nil {
		return false
	}
	return r.clock.Now().Sub(at) < r.controller.PullSecretRefreshInterval
}

func dockerConfigJSON(creds *registry.Credentials) ([]byte, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	return json.Marshal(map[string]any{
		"auths": map[string]any{
			creds.RegistryURL: map[string]string{
				"username": creds.Username,
				"password": creds.Password,
				"auth":     auth,
			},
		},
	})
}

func (r *Reconciler) applyReplicaSet(ctx context.Context, spec DeploymentSpec) error {
	namespace := r.namespace(spec.ProjectName)
	selector := map[string]string{
		LabelManagedBy:    ManagedByValue,
		LabelProject:      spec.ProjectName,
		LabelDeploymentID: spec.DeploymentID,
	}
	rs := appsv1apply.ReplicaSet(ReplicaSetName(spec.ProjectName, spec.DeploymentID), namespace).
		WithLabels(r.deploymentLabels(spec)).
		WithSpec(appsv1apply.ReplicaSetSpec().
			WithReplicas(1).
			WithSelector(metav1apply.LabelSelector().WithMatchLabels(selector)).
			WithTemplate(corev1apply.PodTemplateSpec().
				WithLabels(r.deploymentLabels(spec)).
				WithSpec(corev1apply.PodSpec().
					WithImagePullSecrets(corev1apply.LocalObjectReference().WithName(PullSecretName)).
					WithContainers(corev1apply.Container().
						WithName(appContainerName).
						WithImage(spec.Image).
						WithPorts(corev1apply.ContainerPort().
							WithName("http").
							WithContainerPort(spec.HTTPPort).
							WithProtocol(corev1.ProtocolTCP)).
						WithEnv(lo.Map(spec.Env, func(e corev1.EnvVar, _ int) *corev1apply.EnvVarApplyConfiguration {
							return corev1apply.EnvVar().WithName(e.Name).WithValue(e.Value)
						})...)))))
	if _, err := r.kube.AppsV1().ReplicaSets(namespace).Apply(ctx, rs, r.applyOptions()); err != nil {
		return fmt.Errorf("applying replica set, %w", err)
	}
	return nil
}

func (r *Reconciler) serviceApply(spec DeploymentSpec) *corev1apply.ServiceApplyConfiguration {
	return corev1apply.Service(EscapeGroup(spec.Group), r.namespace(spec.ProjectName)).
		WithLabels(lo.Assign(r.projectLabels(spec.ProjectName), map[string]string{
			LabelDeploymentGroup: EscapeGroup(spec.Group),
		})).
		WithSpec(corev1apply.ServiceSpec().
			WithType(corev1.ServiceTypeClusterIP).
			WithSelector(map[string]string{
				LabelManagedBy:    ManagedByValue,
				LabelProject:      spec.ProjectName,
				LabelDeploymentID: spec.DeploymentID,
			}).
			WithPorts(corev1apply.ServicePort().
				WithName("http").
				WithPort(servicePort).
				WithTargetPort(intstr.FromInt32(spec.HTTPPort)).
				WithProtocol(corev1.ProtocolTCP)))
}

// ensureService creates the group's service when missing. An existing
// service's selector still points at the previous deployment and must not be
// disturbed before readiness is verified.
func (r *Reconciler) ensureService(ctx context.Context, spec DeploymentSpec) error {
	namespace := r.namespace(spec.ProjectName)
	_, err := r.kube.CoreV1().Services(namespace).Get(ctx, EscapeGroup(spec.Group), metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("getting service, %w", err)
	}
	if _, err := r.kube.CoreV1().Services(namespace).Apply(ctx, r.serviceApply(spec), r.applyOptions()); err != nil {
		return fmt.Errorf("creating service, %w", err)
	}
	return nil
}

func (r *Reconciler) applyIngress(ctx context.Context, spec DeploymentSpec) error {
	namespace := r.namespace(spec.ProjectName)
	endpoint := ResolveEndpoint(r.cfg.ProductionIngressURLTemplate, r.cfg.StagingIngressURLTemplate, spec.ProjectName, spec.Group)
	accessClass := r.accessClass(spec.AccessClass)

	annotations := map[string]string{accessRequirementAnnotation: accessClass.AccessRequirement}
	path := networkingv1apply.HTTPIngressPath().
		WithPath("/").
		WithPathType(networkingv1.PathTypePrefix).
		WithBackend(r.ingressBackend(spec))
	if endpoint.PathPrefix != "" {
		// Path-routed projects get a regex prefix plus a forwarded-prefix hint
		// so the application sees requests rooted at "/".
		annotations["nginx.ingress.kubernetes.io/rewrite-target"] = "/$2"
		annotations["nginx.ingress.kubernetes.io/x-forwarded-prefix"] = endpoint.PathPrefix
		annotations["nginx.ingress.kubernetes.io/use-regex"] = "true"
		path = networkingv1apply.HTTPIngressPath().
			WithPath(endpoint.PathPrefix + "(/|$)(.*)").
			WithPathType(networkingv1.PathTypeImplementationSpecific).
			WithBackend(r.ingressBackend(spec))
	}
	for k, v := range accessClass.Annotations {
		annotations[k] = v
	}

	ingressClass := r.cfg.IngressClass
	if accessClass.IngressClass != "" {
		ingressClass = accessClass.IngressClass
	}
	ingress := networkingv1apply.Ingress(EscapeGroup(spec.Group), namespace).
		WithLabels(lo.Assign(r.projectLabels(spec.ProjectName), map[string]string{
			LabelDeploymentGroup: EscapeGroup(spec.Group),
		})).
		WithAnnotations(annotations).
		WithSpec(networkingv1apply.IngressSpec().
			WithIngressClassName(ingressClass).
			WithRules(networkingv1apply.IngressRule().
				WithHost(endpoint.Host).
				WithHTTP(networkingv1apply.HTTPIngressRuleValue().WithPaths(path))))
	if _, err := r.kube.NetworkingV1().Ingresses(namespace).Apply(ctx, ingress, r.applyOptions()); err != nil {
		return fmt.Errorf("applying ingress, %w", err)
	}
	return nil
}

func (r *Reconciler) ingressBackend(spec DeploymentSpec) *networkingv1apply.IngressBackendApplyConfiguration {
	return networkingv1apply.IngressBackend().
		WithService(networkingv1apply.IngressServiceBackend().
			WithName(EscapeGroup(spec.Group)).
			WithPort(networkingv1apply.ServiceBackendPort().WithNumber(servicePort)))
}

func (r *Reconciler) accessClass(name string) config.AccessClass {
	if ac, ok := r.controller.AccessClasses[name]; ok {
		return ac
	}
	return config.AccessClass{IngressClass: r.cfg.IngressClass, AccessRequirement: "public"}
}

// Ready reports whether the deployment's replica set is fully ready and its
// pods answer on the declared HTTP port.
func (r *Reconciler) Ready(ctx context.Context, spec DeploymentSpec) (bool, error) {
	namespace := r.namespace(spec.ProjectName)
	rs, err := r.kube.AppsV1().ReplicaSets(namespace).Get(ctx, ReplicaSetName(spec.ProjectName, spec.DeploymentID), metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("getting replica set, %w", err)
	}
	if rs.Status.ReadyReplicas != lo.FromPtr(rs.Spec.Replicas) {
		return false, nil
	}
	pods, err := r.kube.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(map[string]string{LabelDeploymentID: spec.DeploymentID}).String(),
	})
	if err != nil {
		return false, fmt.Errorf("listing pods, %w", err)
	}
	// At least one running pod must answer on the port; a pod list with no
	// qualifying pods (all mid-transition) is not ready even when the replica
	// set counters already agree.
	checked := 0
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		if err := r.portChecker.Check(ctx, pod.Status.PodIP, spec.HTTPPort); err != nil {
			return false, nil
		}
		checked++
	}
	return checked > 0, nil
}

// SwitchTraffic is the blue/green cutover: the service selector moves to the
// new deployment id. Callers invoke it only after Ready reports true.
func (r *Reconciler) SwitchTraffic(ctx context.Context, spec DeploymentSpec) error {
	namespace := r.namespace(spec.ProjectName)
	if _, err := r.kube.CoreV1().Services(namespace).Apply(ctx, r.serviceApply(spec), r.applyOptions()); err != nil {
		return fmt.Errorf("switching service selector, %w", err)
	}
	return nil
}

// Teardown removes the deployment's replica set. The group's service and
// ingress survive while another active deployment still uses them;
// lastInGroup deletes them too.
func (r *Reconciler) Teardown(ctx context.Context, spec DeploymentSpec, lastInGroup bool) error {
	namespace := r.namespace(spec.ProjectName)
	deleteErr := func(err error) error {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := deleteErr(r.kube.AppsV1().ReplicaSets(namespace).Delete(ctx, ReplicaSetName(spec.ProjectName, spec.DeploymentID), metav1.DeleteOptions{
		PropagationPolicy: lo.ToPtr(metav1.DeletePropagationBackground),
	})); err != nil {
		return fmt.Errorf("deleting replica set, %w", err)
	}
	if !lastInGroup {
		return nil
	}
	if err := deleteErr(r.kube.CoreV1().Services(namespace).Delete(ctx, EscapeGroup(spec.Group), metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("deleting service, %w", err)
	}
	if err := deleteErr(r.kube.NetworkingV1().Ingresses(namespace).Delete(ctx, EscapeGroup(spec.Group), metav1.DeleteOptions{})); err != nil {
		return fmt.Errorf("deleting ingress, %w", err)
	}
	return nil
}

// DeleteNamespace removes the project's namespace and everything in it. Used
// by project deletion once no deployments remain.
func (r *Reconciler) DeleteNamespace(ctx context.Context, projectName string) error {
	err := retry.Do(func() error {
		err := r.kube.CoreV1().Namespaces().Delete(ctx, r.namespace(projectName), metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}, retry.Context(ctx), retry.Attempts(3))
	if err != nil {
		return fmt.Errorf("deleting namespace, %w", err)
	}
	return nil
}

func (r *Reconciler) applyOptions() metav1.ApplyOptions {
	return metav1.ApplyOptions{FieldManager: fieldManager, Force: true}
}
