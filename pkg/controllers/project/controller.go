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

// Package project reconciles project lifecycle: rolling deployment state up
// into the project status, and draining Deleting projects. A project in
// Deleting has its extensions soft-deleted by the store trigger; the row is
// only removed once every extension cleanup finished, every deployment
// reached a terminal state, and the namespace is gone.
package project

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/controllers"
	"github.com/rise-dev/rise/pkg/store"
)

const (
	pollInterval = 5 * time.Second

	// CleanupFinalizer is set at creation and cleared only after the
	// namespace is deleted, so a crash mid-teardown cannot orphan cluster
	// state.
	CleanupFinalizer = "rise.dev/cleanup"
)

type NamespaceDeleter interface {
	DeleteNamespace(ctx context.Context, projectName string) error
}

type Controller struct {
	store   store.Interface
	cluster NamespaceDeleter
}

func NewController(st store.Interface, cluster NamespaceDeleter) *Controller {
	return &Controller{store: st, cluster: cluster}
}

func (c *Controller) Name() string { return "project" }

func (c *Controller) Reconcile(ctx context.Context) (controllers.Result, error) {
	projects, err := c.store.ListProjects(ctx)
	if err != nil {
		return controllers.Result{}, err
	}
	logger := logr.FromContextOrDiscard(ctx)
	for _, project := range projects {
		if project.Status == core.ProjectStatusDeleting {
			if err := c.drain(ctx, &project); err != nil {
				logger.Error(err, "draining project", "project", project.Name)
			}
			continue
		}
		if err := c.rollUpStatus(ctx, &project); err != nil {
			logger.Error(err, "updating project status", "project", project.Name)
		}
	}
	return controllers.Result{RequeueAfter: pollInterval}, nil
}

// rollUpStatus derives the project status from its deployments: Deploying
// wins over Running, a lone failure with nothing running shows Failed.
func (c *Controller) rollUpStatus(ctx context.Context, project *store.Project) error {
	deployments, err := c.store.ListDeployments(ctx, project.ID)
	if err != nil {
		return err
	}
	status := core.ProjectStatusStopped
	switch {
	case lo.SomeBy(deployments, func(d store.Deployment) bool {
		return !d.Status.IsTerminal() && !d.Status.IsRunning()
	}):
		status = core.ProjectStatusDeploying
	case lo.SomeBy(deployments, func(d store.Deployment) bool { return d.Status.IsRunning() }):
		status = core.ProjectStatusRunning
	case lo.SomeBy(deployments, func(d store.Deployment) bool { return d.Status == core.DeploymentStatusFailed }):
		status = core.ProjectStatusFailed
	}
	if status == project.Status {
		return nil
	}
	return c.store.SetProjectStatus(ctx, project.ID, status)
}

func (c *Controller) drain(ctx context.Context, project *store.Project) error {
	deployments, err := c.store.ListDeployments(ctx, project.ID)
	if err != nil {
		return err
	}
	pending := 0
	for _, d := range deployments {
		if d.Status.IsTerminal() {
			continue
		}
		pending++
		switch {
		case d.Status == core.DeploymentStatusCancelling || d.Status == core.DeploymentStatusTerminating:
			// Already on its way out; the engine finishes it.
		case d.Status.IsRunning() || d.Status == core.DeploymentStatusDeploying:
			if _, err := c.store.TransitionDeployment(ctx, d.ID,
				[]core.DeploymentStatus{d.Status}, core.DeploymentStatusTerminating,
				store.WithTerminationReason(core.TerminationReasonUserStopped)); err != nil && !store.IsConflict(err) {
				return fmt.Errorf("terminating deployment %q, %w", d.DeploymentID, err)
			}
		default:
			if _, err := c.store.TransitionDeployment(ctx, d.ID,
				[]core.DeploymentStatus{d.Status}, core.DeploymentStatusCancelling,
				store.WithTerminationReason(core.TerminationReasonCancelled)); err != nil && !store.IsConflict(err) {
				return fmt.Errorf("cancelling deployment %q, %w", d.DeploymentID, err)
			}
		}
	}
	if pending > 0 {
		return nil
	}

	extensions, err := c.store.CountPendingExtensions(ctx, project.ID)
	if err != nil {
		return err
	}
	if extensions > 0 {
		return nil
	}

	if err := c.cluster.DeleteNamespace(ctx, project.Name); err != nil {
		return err
	}
	if err := c.store.RemoveProjectFinalizer(ctx, project.ID, CleanupFinalizer); err != nil {
		return err
	}
	if err := c.store.DeleteProject(ctx, project.ID); err != nil && !store.IsConflict(err) {
		return err
	}
	logr.FromContextOrDiscard(ctx).Info("deleted project", "project", project.Name)
	return nil
}
