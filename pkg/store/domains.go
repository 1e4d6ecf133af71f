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

	"github.com/google/uuid"
)

func (c *Client) UpsertCustomDomain(ctx context.Context, d *CustomDomain) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if d.IsPrimary {
		// One primary per project; demote the previous one instead of failing
		// on the partial unique index.
		if _, err := tx.Exec(ctx,
			`UPDATE custom_domains SET is_primary = false WHERE project_id = $1 AND is_primary AND domain <> $2`,
			d.ProjectID, d.Domain); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO custom_domains (project_id, domain, is_primary) VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO UPDATE
		SET is_primary = EXCLUDED.is_primary
		WHERE custom_domains.project_id = EXCLUDED.project_id`,
		d.ProjectID, d.Domain, d.IsPrimary); err != nil {
		return fmt.Errorf("upserting domain %q, %w", d.Domain, mapRowErr(err))
	}
	return tx.Commit(ctx)
}

func (c *Client) ListCustomDomains(ctx context.Context, projectID uuid.UUID) ([]CustomDomain, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, project_id, domain, is_primary, created_at
		FROM custom_domains WHERE project_id = $1 ORDER BY domain`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CustomDomain
	for rows.Next() {
		var d CustomDomain
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Domain, &d.IsPrimary, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *Client) DeleteCustomDomain(ctx context.Context, projectID uuid.UUID, domain string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM custom_domains WHERE project_id = $1 AND domain = $2`, projectID, domain)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
