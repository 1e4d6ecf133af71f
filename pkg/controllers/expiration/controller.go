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

// Package expiration sweeps deployments past their expires_at into
// Terminating with reason Expired. The engine performs the actual teardown.
package expiration

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/controllers"
	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/store"
)

const sweepInterval = time.Second

type Controller struct {
	store store.Interface
	clock clock.Clock
}

func NewController(st store.Interface, clk clock.Clock) *Controller {
	return &Controller{store: st, clock: clk}
}

func (c *Controller) Name() string { return "expiration" }

func (c *Controller) Reconcile(ctx context.Context) (controllers.Result, error) {
	expired, err := c.store.SweepExpired(ctx, c.clock.Now())
	if err != nil {
		return controllers.Result{}, fmt.Errorf("sweeping expired deployments, %w", err)
	}
	logger := logr.FromContextOrDiscard(ctx)
	for _, d := range expired {
		metrics.DeploymentFailures.WithLabelValues("Expired").Inc()
		logger.Info("expiring deployment", "deployment", d.DeploymentID, "expiredAt", d.ExpiresAt)
	}
	return controllers.Result{RequeueAfter: sweepInterval}, nil
}
