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

// Package deployment is the engine advancing deployments through their
// lifecycle. Each pass claims one claimable row under a store lease,
// dispatches on its status, and performs exactly one transition, so any
// number of engine workers can run concurrently across processes.
package deployment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/config"
	"github.com/rise-dev/rise/pkg/controllers"
	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/providers/encryption"
	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
	"github.com/rise-dev/rise/pkg/providers/registry"
	"github.com/rise-dev/rise/pkg/store"
)

const (
	// leaseDuration bounds how long a worker may sit on a claimed row. It
	// doubles as the health poll interval for running deployments.
	leaseDuration = 30 * time.Second

	// deployPollInterval paces readiness polls for a Deploying row. The row is
	// re-leased for this window instead of released outright so workers do not
	// hammer the cluster while the replica set comes up.
	deployPollInterval = 5 * time.Second

	idlePollInterval = 2 * time.Second
)

// Cluster is the slice of the Kubernetes reconciler the engine drives.
type Cluster interface {
	EnsureInfrastructure(ctx context.Context, spec kubeprovider.DeploymentSpec) error
	Ready(ctx context.Context, spec kubeprovider.DeploymentSpec) (bool, error)
	SwitchTraffic(ctx context.Context, spec kubeprovider.DeploymentSpec) error
	Teardown(ctx context.Context, spec kubeprovider.DeploymentSpec, lastInGroup bool) error
}

type Controller struct {
	store     store.Interface
	cluster   Cluster
	resolver  registry.DigestResolver
	decrypter encryption.Provider
	clock     clock.Clock
	cfg       *config.Config
}

func NewController(st store.Interface, cluster Cluster, resolver registry.DigestResolver, decrypter encryption.Provider, clk clock.Clock, cfg *config.Config) *Controller {
	return &Controller{
		store:     st,
		cluster:   cluster,
		resolver:  resolver,
		decrypter: decrypter,
		clock:     clk,
		cfg:       cfg,
	}
}

func (c *Controller) Name() string { return "deployment" }

func (c *Controller) Reconcile(ctx context.Context) (controllers.Result, error) {
	d, err := c.store.ClaimDeployment(ctx, leaseDuration)
	if err != nil {
		if store.IsNotFound(err) {
			return controllers.Result{RequeueAfter: idlePollInterval}, nil
		}
		return controllers.Result{}, fmt.Errorf("claiming deployment, %w", err)
	}
	logger := logr.FromContextOrDiscard(ctx).WithValues("deployment", d.DeploymentID, "status", d.Status)
	ctx = logr.NewContext(ctx, logger)

	if err := c.dispatch(ctx, d); err != nil {
		// Transient errors keep the row claimable after lease expiry; the
		// error is surfaced on the record so the API can show it.
		if _, terr := c.store.TransitionDeployment(ctx, d.ID, []core.DeploymentStatus{d.Status}, d.Status,
			store.WithLastError(err.Error()), store.WithLeaseReleased()); terr != nil && !store.IsNotFound(terr) {
			logger.Error(terr, "recording reconcile error")
		}
		return controllers.Result{}, fmt.Errorf("reconciling deployment %q, %w", d.DeploymentID, err)
	}
	return controllers.Result{}, nil
}

func (c *Controller) dispatch(ctx context.Context, d *store.Deployment) error {
	switch d.Status {
	case core.DeploymentStatusPending:
		return c.reconcilePending(ctx, d)
	case core.DeploymentStatusPushed:
		return c.reconcilePushed(ctx, d)
	case core.DeploymentStatusDeploying:
		return c.reconcileDeploying(ctx, d)
	case core.DeploymentStatusHealthy, core.DeploymentStatusUnhealthy:
		return c.reconcileRunning(ctx, d)
	case core.DeploymentStatusCancelling:
		return c.reconcileCancelling(ctx, d)
	case core.DeploymentStatusTerminating:
		return c.reconcileTerminating(ctx, d)
	default:
		// Building and Pushing advance through the build runner's reports;
		// terminal rows are never claimed.
		return c.store.ReleaseDeployment(ctx, d.ID)
	}
}

// reconcilePending resolves a pre-built image to its digest and skips the
// build phases; without an image the deployment waits on the external build
// runner, which reports Building, Pushing and Pushed through the API.
func (c *Controller) reconcilePending(ctx context.Context, d *store.Deployment) error {
	project, err := c.store.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project, %w", err)
	}
	if project.Status == core.ProjectStatusDeleting {
		return c.transition(ctx, d, core.DeploymentStatusCancelling, store.WithTerminationReason(core.TerminationReasonCancelled))
	}
	if d.Image == nil {
		_, err := c.store.TransitionDeployment(ctx, d.ID,
			[]core.DeploymentStatus{core.DeploymentStatusPending}, core.DeploymentStatusBuilding)
		if store.IsConflict(err) {
			return nil
		}
		return err
	}
	digest, err := c.resolver.ResolveDigest(ctx, *d.Image)
	if err != nil {
		// An unresolvable image is permanent: retrying cannot make a missing
		// tag appear and the submitter needs to see the failure.
		return c.fail(ctx, d, fmt.Errorf("resolving image %q, %w", *d.Image, err))
	}
	return c.transition(ctx, d, core.DeploymentStatusPushed, store.WithImageDigest(pinned(*d.Image, digest)))
}

func (c *Controller) reconcilePushed(ctx context.Context, d *store.Deployment) error {
	spec, err := c.deploymentSpec(ctx, d)
	if err != nil {
		return err
	}
	if err := c.cluster.EnsureInfrastructure(ctx, spec); err != nil {
		return fmt.Errorf("creating infrastructure, %w", err)
	}
	return c.transition(ctx, d, core.DeploymentStatusDeploying, store.WithDeployingStartedAt(c.clock.Now()))
}

func (c *Controller) reconcileDeploying(ctx context.Context, d *store.Deployment) error {
	// The deploy budget starts at deploying_started_at, not submission, so
	// build and push latency never eats into it.
	if d.DeployingStartedAt != nil && c.clock.Since(*d.DeployingStartedAt) > c.cfg.DeploymentController.DeployTimeout {
		return c.fail(ctx, d, fmt.Errorf("not ready after %s", c.cfg.DeploymentController.DeployTimeout))
	}
	spec, err := c.deploymentSpec(ctx, d)
	if err != nil {
		return err
	}
	ready, err := c.cluster.Ready(ctx, spec)
	if err != nil {
		return fmt.Errorf("polling readiness, %w", err)
	}
	if !ready {
		return c.store.RenewDeploymentLease(ctx, d.ID, deployPollInterval)
	}
	// Blue/green cutover: traffic moves only now that the new replica set is
	// verified ready, then the store activation supersedes prior peers.
	if err := c.cluster.SwitchTraffic(ctx, spec); err != nil {
		return fmt.Errorf("switching traffic, %w", err)
	}
	superseded, err := c.store.ActivateDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("activating deployment, %w", err)
	}
	metrics.DeploymentTransitions.WithLabelValues(string(core.DeploymentStatusHealthy)).Inc()
	if err := c.store.ReleaseDeployment(ctx, d.ID); err != nil {
		return err
	}
	logger := logr.FromContextOrDiscard(ctx)
	for _, peer := range superseded {
		logger.Info("superseded peer deployment", "peer", peer.DeploymentID)
	}
	return nil
}

// reconcileRunning re-reconciles flagged rows (access class, env or domain
// changes) and otherwise probes health, oscillating between Healthy and
// Unhealthy on readiness.
func (c *Controller) reconcileRunning(ctx context.Context, d *store.Deployment) error {
	spec, err := c.deploymentSpec(ctx, d)
	if err != nil {
		return err
	}
	if d.NeedsReconcile {
		if err := c.cluster.EnsureInfrastructure(ctx, spec); err != nil {
			return fmt.Errorf("re-reconciling infrastructure, %w", err)
		}
		if d.IsActive {
			if err := c.cluster.SwitchTraffic(ctx, spec); err != nil {
				return fmt.Errorf("restoring service selector, %w", err)
			}
		}
		_, err := c.store.TransitionDeployment(ctx, d.ID,
			[]core.DeploymentStatus{d.Status}, d.Status,
			store.WithNeedsReconcileCleared(), store.WithLeaseReleased())
		if store.IsConflict(err) {
			return nil
		}
		return err
	}
	ready, err := c.cluster.Ready(ctx, spec)
	if err != nil {
		return fmt.Errorf("probing health, %w", err)
	}
	next := core.DeploymentStatusHealthy
	if !ready {
		next = core.DeploymentStatusUnhealthy
	}
	if next == d.Status {
		return c.store.ReleaseDeployment(ctx, d.ID)
	}
	return c.transition(ctx, d, next)
}

// reconcileCancelling finishes a pre-infrastructure cancel: nothing was
// created in the cluster, so the row simply settles into Cancelled.
func (c *Controller) reconcileCancelling(ctx context.Context, d *store.Deployment) error {
	return c.transition(ctx, d, core.DeploymentStatusCancelled)
}

func (c *Controller) reconcileTerminating(ctx context.Context, d *store.Deployment) error {
	spec, err := c.deploymentSpec(ctx, d)
	if err != nil {
		return err
	}
	activePeers, err := c.store.CountActivePeers(ctx, d.ProjectID, d.DeploymentGroup, d.ID)
	if err != nil {
		return fmt.Errorf("counting active peers, %w", err)
	}
	if err := c.cluster.Teardown(ctx, spec, activePeers == 0); err != nil {
		return fmt.Errorf("tearing down infrastructure, %w", err)
	}
	reason := core.TerminationReasonFailed
	if d.TerminationReason != nil {
		reason = *d.TerminationReason
	}
	return c.transition(ctx, d, reason.TerminalStatus())
}

func (c *Controller) transition(ctx context.Context, d *store.Deployment, to core.DeploymentStatus, opts ...store.TransitionOption) error {
	opts = append(opts, store.WithLeaseReleased())
	_, err := c.store.TransitionDeployment(ctx, d.ID, []core.DeploymentStatus{d.Status}, to, opts...)
	if store.IsConflict(err) {
		// Another worker moved the row first; the next claim resumes from
		// the new state.
		return nil
	}
	if err != nil {
		return fmt.Errorf("transitioning %s to %s, %w", d.Status, to, err)
	}
	metrics.DeploymentTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

func (c *Controller) fail(ctx context.Context, d *store.Deployment, cause error) error {
	logr.FromContextOrDiscard(ctx).Info("deployment failed", "cause", cause.Error())
	metrics.DeploymentFailures.WithLabelValues(string(core.TerminationReasonFailed)).Inc()
	return c.transition(ctx, d, core.DeploymentStatusFailed,
		store.WithTerminationReason(core.TerminationReasonFailed),
		store.WithLastError(cause.Error()))
}

// pinned rewrites a mutable reference into its digest-pinned form. A
// reference already carrying a digest is kept as-is.
func pinned(image, digest string) string {
	if strings.Contains(image, "@") {
		return image
	}
	return image + "@" + digest
}

// deploymentSpec assembles the reconciler's view of the deployment: the
// digest-pinned image, the project's current access class, and the decrypted
// env snapshot.
func (c *Controller) deploymentSpec(ctx context.Context, d *store.Deployment) (kubeprovider.DeploymentSpec, error) {
	project, err := c.store.GetProjectByID(ctx, d.ProjectID)
	if err != nil {
		return kubeprovider.DeploymentSpec{}, fmt.Errorf("loading project, %w", err)
	}
	vars, err := c.store.ListDeploymentEnvVars(ctx, d.ID)
	if err != nil {
		return kubeprovider.DeploymentSpec{}, fmt.Errorf("loading env vars, %w", err)
	}
	env := make([]corev1.EnvVar, 0, len(vars))
	for _, v := range vars {
		value := v.Value
		if v.IsSecret {
			if value, err = c.decrypter.Decrypt(ctx, v.Value); err != nil {
				return kubeprovider.DeploymentSpec{}, fmt.Errorf("decrypting env var %q, %w", v.Key, err)
			}
		}
		env = append(env, corev1.EnvVar{Name: v.Key, Value: string(value)})
	}
	image := ""
	if d.ImageDigest != nil {
		image = *d.ImageDigest
	}
	return kubeprovider.DeploymentSpec{
		ProjectName:  project.Name,
		DeploymentID: d.DeploymentID,
		Group:        d.DeploymentGroup,
		Image:        image,
		HTTPPort:     d.HTTPPort,
		Env:          env,
		AccessClass:  project.AccessClass,
	}, nil
}
