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
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const serviceAccountColumns = `id, project_id, identifier, issuer_url, claims, deleted_at, created_at`

func scanServiceAccount(row pgx.Row) (*ServiceAccount, error) {
	sa := &ServiceAccount{}
	var claims []byte
	if err := row.Scan(&sa.ID, &sa.ProjectID, &sa.Identifier, &sa.IssuerURL, &claims, &sa.DeletedAt, &sa.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	if err := json.Unmarshal(claims, &sa.Claims); err != nil {
		return nil, fmt.Errorf("decoding claims, %w", err)
	}
	return sa, nil
}

func (c *Client) CreateServiceAccount(ctx context.Context, sa *ServiceAccount) (*ServiceAccount, error) {
	claims, err := json.Marshal(sa.Claims)
	if err != nil {
		return nil, err
	}
	var created *ServiceAccount
	if sa.Identifier != "" {
		created, err = scanServiceAccount(c.pool.QueryRow(ctx, `
			INSERT INTO service_accounts (project_id, identifier, issuer_url, claims)
			VALUES ($1, $2, $3, $4)
			RETURNING `+serviceAccountColumns,
			sa.ProjectID, sa.Identifier, sa.IssuerURL, claims))
	} else {
		// No identifier supplied; the column default assigns one from the
		// sequence.
		created, err = scanServiceAccount(c.pool.QueryRow(ctx, `
			INSERT INTO service_accounts (project_id, issuer_url, claims)
			VALUES ($1, $2, $3)
			RETURNING `+serviceAccountColumns,
			sa.ProjectID, sa.IssuerURL, claims))
	}
	if err != nil {
		return nil, fmt.Errorf("creating service account, %w", err)
	}
	return created, nil
}

func (c *Client) listServiceAccounts(ctx context.Context, where string, args ...any) ([]ServiceAccount, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+serviceAccountColumns+` FROM service_accounts `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ServiceAccount
	for rows.Next() {
		sa, err := scanServiceAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sa)
	}
	return out, rows.Err()
}

func (c *Client) ListServiceAccounts(ctx context.Context, projectID uuid.UUID) ([]ServiceAccount, error) {
	return c.listServiceAccounts(ctx, `WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at`, projectID)
}

func (c *Client) ListServiceAccountsByIssuer(ctx context.Context, issuerURL string) ([]ServiceAccount, error) {
	return c.listServiceAccounts(ctx, `WHERE issuer_url = $1 AND deleted_at IS NULL ORDER BY created_at`, issuerURL)
}

func (c *Client) SoftDeleteServiceAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := c.pool.Exec(ctx, `UPDATE service_accounts SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
