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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const extensionColumns = `id, project_id, name, extension_type, spec, status, deleted_at, lease_until, created_at, updated_at`

func scanExtension(row pgx.Row) (*Extension, error) {
	e := &Extension{}
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.ExtensionType, &e.Spec, &e.Status, &e.DeletedAt, &e.LeaseUntil, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	return e, nil
}

func (c *Client) CreateExtension(ctx context.Context, e *Extension) (*Extension, error) {
	created, err := scanExtension(c.pool.QueryRow(ctx, `
		INSERT INTO project_extensions (project_id, name, extension_type, spec)
		VALUES ($1, $2, $3, $4)
		RETURNING `+extensionColumns,
		e.ProjectID, e.Name, e.ExtensionType, e.Spec))
	if err != nil {
		return nil, fmt.Errorf("creating extension %q, %w", e.Name, err)
	}
	return created, nil
}

func (c *Client) GetExtension(ctx context.Context, projectID uuid.UUID, name string) (*Extension, error) {
	return scanExtension(c.pool.QueryRow(ctx,
		`SELECT `+extensionColumns+` FROM project_extensions WHERE project_id = $1 AND name = $2 AND deleted_at IS NULL`,
		projectID, name))
}

func (c *Client) ListExtensions(ctx context.Context, projectID uuid.UUID) ([]Extension, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+extensionColumns+` FROM project_extensions WHERE project_id = $1 AND deleted_at IS NULL ORDER BY name`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Extension
	for rows.Next() {
		e, err := scanExtension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountPendingExtensions counts rows that still exist for a project including
// soft-deleted ones awaiting cleanup. The project controller blocks final
// removal until this reaches zero, which is what gives extensions finalizer
// semantics.
func (c *Client) CountPendingExtensions(ctx context.Context, projectID uuid.UUID) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, `SELECT count(*) FROM project_extensions WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}

func (c *Client) UpdateExtensionSpec(ctx context.Context, projectID uuid.UUID, name string, spec []byte) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE project_extensions
		   SET spec = $3, next_reconcile_at = now(), updated_at = now()
		 WHERE project_id = $1 AND name = $2 AND deleted_at IS NULL`,
		projectID, name, spec)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) SoftDeleteExtension(ctx context.Context, projectID uuid.UUID, name string) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE project_extensions
		   SET deleted_at = now(), next_reconcile_at = now(), updated_at = now()
		 WHERE project_id = $1 AND name = $2 AND deleted_at IS NULL`,
		projectID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) ClaimExtension(ctx context.Context, lease time.Duration) (*Extension, error) {
	return scanExtension(c.pool.QueryRow(ctx, `
		UPDATE project_extensions SET lease_until = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM project_extensions
			WHERE (lease_until IS NULL OR lease_until < now())
			  AND next_reconcile_at <= now()
			ORDER BY next_reconcile_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+extensionColumns, lease.Seconds()))
}

func (c *Client) FinishExtension(ctx context.Context, id uuid.UUID, status []byte, requeueAfter *time.Duration, remove bool) error {
	if remove {
		_, err := c.pool.Exec(ctx, `DELETE FROM project_extensions WHERE id = $1 AND deleted_at IS NOT NULL`, id)
		return err
	}
	if requeueAfter != nil {
		_, err := c.pool.Exec(ctx, `
			UPDATE project_extensions
			   SET status = $2, lease_until = NULL, updated_at = now(),
			       next_reconcile_at = now() + make_interval(secs => $3)
			 WHERE id = $1`, id, status, requeueAfter.Seconds())
		return err
	}
	// Done: park the record far in the future; spec edits reschedule it.
	_, err := c.pool.Exec(ctx, `
		UPDATE project_extensions
		   SET status = $2, lease_until = NULL, updated_at = now(),
		       next_reconcile_at = 'infinity'
		 WHERE id = $1`, id, status)
	return err
}
