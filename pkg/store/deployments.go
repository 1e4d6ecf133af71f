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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rise-dev/rise/pkg/apis/core"
)

const deploymentColumns = `id, deployment_id, project_id, created_by_id, deployment_group, status, is_active,
	http_port, image, image_digest, controller_metadata, rolled_back_from_deployment_id, expires_at,
	needs_reconcile, deploying_started_at, termination_reason, lease_until, created_at, updated_at`

// lastErrorLimit bounds controller_metadata.last_error so a pathological
// error chain cannot bloat the row.
const lastErrorLimit = 1024

func scanDeployment(row pgx.Row) (*Deployment, error) {
	d := &Deployment{}
	var metadata []byte
	if err := row.Scan(&d.ID, &d.DeploymentID, &d.ProjectID, &d.CreatedByID, &d.DeploymentGroup, &d.Status,
		&d.IsActive, &d.HTTPPort, &d.Image, &d.ImageDigest, &metadata, &d.RolledBackFromID, &d.ExpiresAt,
		&d.NeedsReconcile, &d.DeployingStartedAt, &d.TerminationReason, &d.LeaseUntil, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.ControllerMetadata); err != nil {
			return nil, fmt.Errorf("decoding controller metadata, %w", err)
		}
	}
	return d, nil
}

func (c *Client) CreateDeployment(ctx context.Context, params CreateDeploymentParams) (*Deployment, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	d, err := scanDeployment(tx.QueryRow(ctx, `
		INSERT INTO deployments (deployment_id, project_id, created_by_id, deployment_group, http_port,
			image, image_digest, expires_at, rolled_back_from_deployment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+deploymentColumns,
		params.DeploymentID, params.ProjectID, params.CreatedByID, params.DeploymentGroup, params.HTTPPort,
		params.Image, params.ImageDigest, params.ExpiresAt, params.RolledBackFromID))
	if err != nil {
		return nil, fmt.Errorf("creating deployment, %w", err)
	}
	for _, v := range params.EnvVars {
		if _, err := tx.Exec(ctx, `
			INSERT INTO deployment_env_vars (deployment_id, key, value, is_secret, is_protected, is_retrievable)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			d.ID, v.Key, v.Value, v.IsSecret, v.IsProtected, v.IsRetrievable); err != nil {
			return nil, fmt.Errorf("snapshotting env var %q, %w", v.Key, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Client) GetDeployment(ctx context.Context, projectID uuid.UUID, deploymentID string) (*Deployment, error) {
	return scanDeployment(c.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = $1 AND deployment_id = $2`,
		projectID, deploymentID))
}

func (c *Client) GetDeploymentByID(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	return scanDeployment(c.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
}

func (c *Client) listDeployments(ctx context.Context, where string, args ...any) ([]Deployment, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *Client) ListDeployments(ctx context.Context, projectID uuid.UUID) ([]Deployment, error) {
	return c.listDeployments(ctx, `WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
}

func (c *Client) ListRunningDeployments(ctx context.Context, projectID uuid.UUID) ([]Deployment, error) {
	return c.listDeployments(ctx, `WHERE project_id = $1 AND status IN ('Healthy', 'Unhealthy', 'Deploying') ORDER BY created_at DESC`, projectID)
}

// ClaimDeployment leases the next row due for engine work using SKIP LOCKED
// so concurrent workers never pick the same deployment. Running deployments
// are claimable once their last touch is older than the lease window, which
// doubles as the health poll interval.
func (c *Client) ClaimDeployment(ctx context.Context, lease time.Duration) (*Deployment, error) {
	return scanDeployment(c.pool.QueryRow(ctx, `
		UPDATE deployments SET lease_until = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM deployments
			WHERE (lease_until IS NULL OR lease_until < now())
			  AND (
				status IN ('Pending', 'Pushed', 'Cancelling', 'Terminating', 'Deploying')
				OR (status IN ('Healthy', 'Unhealthy') AND (needs_reconcile OR updated_at < now() - make_interval(secs => $1)))
			  )
			ORDER BY updated_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deploymentColumns, lease.Seconds()))
}

func (c *Client) ReleaseDeployment(ctx context.Context, id uuid.UUID) error {
	_, err := c.pool.Exec(ctx, `UPDATE deployments SET lease_until = NULL WHERE id = $1`, id)
	return err
}

func (c *Client) RenewDeploymentLease(ctx context.Context, id uuid.UUID, lease time.Duration) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE deployments SET lease_until = now() + make_interval(secs => $2) WHERE id = $1`,
		id, lease.Seconds())
	return err
}

// Transition is the resolved form of a TransitionOption list. Exported so
// fakes can honor the same option semantics as the real client.
type Transition struct {
	TerminationReason   *core.TerminationReason
	ImageDigest         *string
	DeployingStartedAt  *time.Time
	LastError           *string
	ClearNeedsReconcile bool
	ReleaseLease        bool
}

type TransitionOption func(*Transition)

func ResolveTransitionOptions(opts ...TransitionOption) Transition {
	t := Transition{}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func WithTerminationReason(r core.TerminationReason) TransitionOption {
	return func(t *Transition) { t.TerminationReason = &r }
}

func WithImageDigest(digest string) TransitionOption {
	return func(t *Transition) { t.ImageDigest = &digest }
}

func WithDeployingStartedAt(at time.Time) TransitionOption {
	return func(t *Transition) { t.DeployingStartedAt = &at }
}

func WithLastError(msg string) TransitionOption {
	return func(t *Transition) {
		if len(msg) > lastErrorLimit {
			msg = msg[:lastErrorLimit]
		}
		t.LastError = &msg
	}
}

func WithNeedsReconcileCleared() TransitionOption {
	return func(t *Transition) { t.ClearNeedsReconcile = true }
}

func WithLeaseReleased() TransitionOption {
	return func(t *Transition) { t.ReleaseLease = true }
}

func (c *Client) TransitionDeployment(ctx context.Context, id uuid.UUID, from []core.DeploymentStatus, to core.DeploymentStatus, opts ...TransitionOption) (*Deployment, error) {
	t := ResolveTransitionOptions(opts...)
	set := `status = $2`
	args := []any{id, to, from}
	n := 4
	add := func(clause string, v any) {
		set += fmt.Sprintf(", "+clause, n)
		args = append(args, v)
		n++
	}
	if t.TerminationReason != nil {
		add("termination_reason = $%d", *t.TerminationReason)
	}
	if t.ImageDigest != nil {
		add("image_digest = $%d", *t.ImageDigest)
	}
	if t.DeployingStartedAt != nil {
		add("deploying_started_at = $%d", *t.DeployingStartedAt)
	}
	if t.LastError != nil {
		add("controller_metadata = controller_metadata || jsonb_build_object('last_error', $%d::text)", *t.LastError)
	}
	if t.ClearNeedsReconcile {
		set += ", needs_reconcile = false"
	}
	if t.ReleaseLease {
		set += ", lease_until = NULL"
	}

	d, err := scanDeployment(c.pool.QueryRow(ctx,
		`UPDATE deployments SET `+set+` WHERE id = $1 AND status = ANY($3) RETURNING `+deploymentColumns, args...))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Distinguish a CAS failure from a missing row: another worker may have
	// moved the deployment since it was claimed.
	if _, getErr := c.GetDeploymentByID(ctx, id); getErr == nil {
		return nil, fmt.Errorf("%w, deployment is no longer in %v", ErrConflict, from)
	}
	return nil, ErrNotFound
}

func (c *Client) ActivateDeployment(ctx context.Context, id uuid.UUID) ([]Deployment, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var projectID uuid.UUID
	var group string
	if err := tx.QueryRow(ctx,
		`SELECT project_id, deployment_group FROM deployments WHERE id = $1 FOR UPDATE`, id).
		Scan(&projectID, &group); err != nil {
		return nil, mapRowErr(err)
	}

	// Prior active peers leave the lane first so the partial unique index on
	// is_active never sees two rows.
	rows, err := tx.Query(ctx, `
		UPDATE deployments
		   SET status = 'Terminating', termination_reason = 'Superseded', is_active = false
		 WHERE project_id = $1 AND deployment_group = $2 AND id <> $3
		   AND status IN ('Healthy', 'Unhealthy', 'Deploying')
		RETURNING `+deploymentColumns, projectID, group, id)
	if err != nil {
		return nil, fmt.Errorf("superseding peers, %w", err)
	}
	var superseded []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		superseded = append(superseded, *d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A peer already draining (expiry sweep sets Terminating without touching
	// is_active) still holds the flag; it must drop it here or the partial
	// unique index rejects the activation.
	if _, err := tx.Exec(ctx, `
		UPDATE deployments SET is_active = false
		WHERE project_id = $1 AND deployment_group = $2 AND id <> $3 AND is_active`,
		projectID, group, id); err != nil {
		return nil, fmt.Errorf("deactivating draining peers, %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE deployments SET status = 'Healthy', is_active = true, needs_reconcile = false
		WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("activating deployment, %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return superseded, nil
}

// CancelPreInfraPeers marks peers that have not created infrastructure yet as
// Cancelling. Called on submission so a new deployment immediately obsoletes
// queued-but-unbuilt predecessors in its lane.
func (c *Client) CancelPreInfraPeers(ctx context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE deployments SET status = 'Cancelling', termination_reason = 'Cancelled'
		WHERE project_id = $1 AND deployment_group = $2 AND id <> $3
		  AND status IN ('Pending', 'Building', 'Pushing', 'Pushed')`,
		projectID, group, except)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (c *Client) SweepExpired(ctx context.Context, now time.Time) ([]Deployment, error) {
	return c.listDeploymentsExec(ctx, `
		UPDATE deployments SET status = 'Terminating', termination_reason = 'Expired'
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		  AND status IN ('Healthy', 'Unhealthy', 'Deploying')
		RETURNING `+deploymentColumns, now)
}

func (c *Client) listDeploymentsExec(ctx context.Context, query string, args ...any) ([]Deployment, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *Client) SetNeedsReconcile(ctx context.Context, id uuid.UUID, v bool) error {
	tag, err := c.pool.Exec(ctx, `UPDATE deployments SET needs_reconcile = $2 WHERE id = $1`, id, v)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) CountActivePeers(ctx context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, `
		SELECT count(*) FROM deployments
		WHERE project_id = $1 AND deployment_group = $2 AND id <> $3
		  AND (is_active OR status IN ('Healthy', 'Unhealthy', 'Deploying'))`,
		projectID, group, except).Scan(&count)
	return count, err
}

func (c *Client) ListDeploymentEnvVars(ctx context.Context, deploymentID uuid.UUID) ([]EnvVar, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT key, value, is_secret, is_protected, is_retrievable
		FROM deployment_env_vars WHERE deployment_id = $1 ORDER BY key`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EnvVar
	for rows.Next() {
		var v EnvVar
		if err := rows.Scan(&v.Key, &v.Value, &v.IsSecret, &v.IsProtected, &v.IsRetrievable); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
