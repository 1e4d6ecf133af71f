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

// Package pullsecret keeps image pull secrets fresh for every project with
// running workloads. Registry credentials are short-lived; without this loop
// a pod rescheduled hours after deploy could no longer pull its image.
package pullsecret

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/rise-dev/rise/pkg/controllers"
	"github.com/rise-dev/rise/pkg/store"
)

type Refresher interface {
	RefreshPullSecret(ctx context.Context, projectName string, force bool) error
}

type Controller struct {
	store     store.Interface
	refresher Refresher
	interval  time.Duration
}

func NewController(st store.Interface, refresher Refresher, interval time.Duration) *Controller {
	return &Controller{store: st, refresher: refresher, interval: interval}
}

func (c *Controller) Name() string { return "pullsecret" }

func (c *Controller) Reconcile(ctx context.Context) (controllers.Result, error) {
	projects, err := c.store.ListProjectsWithRunningDeployments(ctx)
	if err != nil {
		return controllers.Result{}, err
	}
	logger := logr.FromContextOrDiscard(ctx)
	var errs error
	for _, project := range projects {
		// force is false: the last-refresh annotation skips secrets still
		// inside the refresh window, so this loop and an engine reconcile
		// never duplicate credential requests.
		if err := c.refresher.RefreshPullSecret(ctx, project.Name, false); err != nil {
			logger.Error(err, "refreshing pull secret", "project", project.Name)
			errs = multierr.Append(errs, err)
		}
	}
	// A failed project retries next tick; the rest should not wait on it.
	return controllers.Result{RequeueAfter: c.interval / 4}, errs
}
