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

func (c *Client) SetProjectEnvVar(ctx context.Context, projectID uuid.UUID, v EnvVar) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO project_env_vars (project_id, key, value, is_secret, is_protected, is_retrievable)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, key) DO UPDATE
		SET value = EXCLUDED.value, is_secret = EXCLUDED.is_secret,
		    is_protected = EXCLUDED.is_protected, is_retrievable = EXCLUDED.is_retrievable`,
		projectID, v.Key, v.Value, v.IsSecret, v.IsProtected, v.IsRetrievable)
	if err != nil {
		return fmt.Errorf("setting env var %q, %w", v.Key, mapRowErr(err))
	}
	return nil
}

func (c *Client) GetProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) (*EnvVar, error) {
	v := &EnvVar{}
	err := c.pool.QueryRow(ctx, `
		SELECT key, value, is_secret, is_protected, is_retrievable
		FROM project_env_vars WHERE project_id = $1 AND key = $2`, projectID, key).
		Scan(&v.Key, &v.Value, &v.IsSecret, &v.IsProtected, &v.IsRetrievable)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return v, nil
}

func (c *Client) DeleteProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM project_env_vars WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) ListProjectEnvVars(ctx context.Context, projectID uuid.UUID) ([]EnvVar, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT key, value, is_secret, is_protected, is_retrievable
		FROM project_env_vars WHERE project_id = $1 ORDER BY key`, projectID)
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
