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

// Package extension drives typed per-project side-effect managers.
// Extensions are soft-deleted: a set deleted_at switches reconciliation into
// cleanup mode, and the record is only removed once its handler reports the
// external resources released, giving finalizer semantics without Kubernetes
// objects.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/rise-dev/rise/pkg/controllers"
	"github.com/rise-dev/rise/pkg/store"
)

const (
	leaseDuration    = 30 * time.Second
	idlePollInterval = 2 * time.Second
	// unknownTypeRetry spaces out retries of records whose type has no
	// registered reconciler, e.g. after a rollback removed one.
	unknownTypeRetry = 5 * time.Minute
)

// Reconciler is one extension type's handler.
type Reconciler interface {
	// Reconcile converges external resources toward spec and returns the new
	// status document plus an optional requeue delay; nil means done until
	// the spec changes.
	Reconcile(ctx context.Context, project *store.Project, ext *store.Extension) (status []byte, requeueAfter *time.Duration, err error)
	// Cleanup releases external resources for a soft-deleted record. It is
	// called repeatedly until done.
	Cleanup(ctx context.Context, project *store.Project, ext *store.Extension) (done bool, err error)
}

type Controller struct {
	store store.Interface
	types map[string]Reconciler
}

func NewController(st store.Interface, types map[string]Reconciler) *Controller {
	return &Controller{store: st, types: types}
}

func (c *Controller) Name() string { return "extension" }

func (c *Controller) Reconcile(ctx context.Context) (controllers.Result, error) {
	ext, err := c.store.ClaimExtension(ctx, leaseDuration)
	if err != nil {
		if store.IsNotFound(err) {
			return controllers.Result{RequeueAfter: idlePollInterval}, nil
		}
		return controllers.Result{}, fmt.Errorf("claiming extension, %w", err)
	}
	logger := logr.FromContextOrDiscard(ctx).WithValues("extension", ext.Name, "type", ext.ExtensionType)
	ctx = logr.NewContext(ctx, logger)

	project, err := c.store.GetProjectByID(ctx, ext.ProjectID)
	if err != nil {
		return controllers.Result{}, fmt.Errorf("loading project, %w", err)
	}
	reconciler, ok := c.types[ext.ExtensionType]
	if !ok {
		logger.Info("no reconciler registered for extension type")
		retry := unknownTypeRetry
		return controllers.Result{}, c.store.FinishExtension(ctx, ext.ID, ext.Status, &retry, false)
	}

	if ext.DeletedAt != nil {
		done, err := reconciler.Cleanup(ctx, project, ext)
		if err != nil {
			return controllers.Result{}, c.finishWithError(ctx, ext, err)
		}
		if !done {
			retry := idlePollInterval
			return controllers.Result{}, c.store.FinishExtension(ctx, ext.ID, ext.Status, &retry, false)
		}
		return controllers.Result{}, c.store.FinishExtension(ctx, ext.ID, nil, nil, true)
	}

	status, requeueAfter, err := reconciler.Reconcile(ctx, project, ext)
	if err != nil {
		return controllers.Result{}, c.finishWithError(ctx, ext, err)
	}
	return controllers.Result{}, c.store.FinishExtension(ctx, ext.ID, status, requeueAfter, false)
}

// finishWithError records the failure in the status document and requeues
// with a delay so a broken handler cannot hot-loop.
func (c *Controller) finishWithError(ctx context.Context, ext *store.Extension, cause error) error {
	logr.FromContextOrDiscard(ctx).Error(cause, "extension reconcile failed")
	status := map[string]json.RawMessage{}
	if len(ext.Status) > 0 {
		_ = json.Unmarshal(ext.Status, &status)
	}
	msg, _ := json.Marshal(cause.Error())
	status["last_error"] = msg
	merged, err := json.Marshal(status)
	if err != nil {
		merged = ext.Status
	}
	retry := 30 * time.Second
	return c.store.FinishExtension(ctx, ext.ID, merged, &retry, false)
}
