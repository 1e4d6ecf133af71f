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

const userColumns = `id, email, is_platform_user, created_at, updated_at`

// UpsertUser matches on case-insensitive email, creating the user on first
// sign-in. The stored email keeps the casing of the first appearance.
func (c *Client) UpsertUser(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := c.pool.QueryRow(ctx, `
		INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (lower(email)) DO UPDATE SET updated_at = now()
		RETURNING `+userColumns,
		email).Scan(&u.ID, &u.Email, &u.IsPlatformUser, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting user, %w", mapRowErr(err))
	}
	return u, nil
}

func (c *Client) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u := &User{}
	err := c.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.IsPlatformUser, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return u, nil
}

func (c *Client) SetPlatformUser(ctx context.Context, id uuid.UUID, platform bool) error {
	tag, err := c.pool.Exec(ctx, `UPDATE users SET is_platform_user = $2, updated_at = now() WHERE id = $1`, id, platform)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
