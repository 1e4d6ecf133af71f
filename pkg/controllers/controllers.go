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

// Package controllers runs the long-lived reconciliation loops. Each loop is
// a Controller whose Reconcile advances at most one record per pass; the
// runner drives it on its requested interval and backs off on errors. Record
// ordering and mutual exclusion come from the store's claim leases, not from
// the runner, so multiple processes may run the same set of controllers.
package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/metrics"
)

// Result tells the runner when to reconcile next. A zero RequeueAfter means
// immediately, used when a pass did work and more may be queued.
type Result struct {
	RequeueAfter time.Duration
}

type Controller interface {
	Name() string
	Reconcile(ctx context.Context) (Result, error)
}

const (
	errorBackoffInitial = time.Second
	errorBackoffMax     = 30 * time.Second
)

// Run drives every controller until the context is cancelled. A controller
// replicated n times shares work safely through claim leases; Replicated
// registers the extra copies.
func Run(ctx context.Context, clk clock.Clock, controllers ...Controller) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		group.Go(func() error {
			return run(ctx, clk, c)
		})
	}
	return group.Wait()
}

// Replicated returns n copies of the controller for concurrent workers.
func Replicated(c Controller, n int) []Controller {
	out := make([]Controller, 0, n)
	for range n {
		out = append(out, c)
	}
	return out
}

func run(ctx context.Context, clk clock.Clock, c Controller) error {
	logger := logr.FromContextOrDiscard(ctx).WithName(c.Name())
	ctx = logr.NewContext(ctx, logger)
	backoff := errorBackoffInitial
	for {
		start := clk.Now()
		result, err := c.Reconcile(ctx)
		metrics.ReconcileDuration.WithLabelValues(c.Name()).Observe(clk.Since(start).Seconds())

		wait := result.RequeueAfter
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues(c.Name()).Inc()
			logger.Error(err, "reconcile failed")
			wait = backoff
			backoff = min(backoff*2, errorBackoffMax)
		} else {
			backoff = errorBackoffInitial
		}

		if wait <= 0 {
			// Still yield to cancellation between back-to-back passes.
			wait = time.Millisecond
		}
		timer := clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}
