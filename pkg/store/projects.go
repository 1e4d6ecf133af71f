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
	"github.com/jackc/pgx/v5"

	"github.com/rise-dev/rise/pkg/apis/core"
)

const projectColumns = `id, name, status, access_class, owner_user_id, owner_team_id, finalizers, created_at`

func scanProject(row pgx.Row) (*Project, error) {
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.AccessClass, &p.OwnerUserID, &p.OwnerTeamID, &p.Finalizers, &p.CreatedAt); err != nil {
		return nil, mapRowErr(err)
	}
	return p, nil
}

func (c *Client) CreateProject(ctx context.Context, p *Project) (*Project, error) {
	created, err := scanProject(c.pool.QueryRow(ctx, `
		INSERT INTO projects (name, status, access_class, owner_user_id, owner_team_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+projectColumns,
		p.Name, core.ProjectStatusStopped, p.AccessClass, p.OwnerUserID, p.OwnerTeamID))
	if err != nil {
		return nil, fmt.Errorf("creating project %q, %w", p.Name, err)
	}
	return created, nil
}

func (c *Client) GetProject(ctx context.Context, name string) (*Project, error) {
	return scanProject(c.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE lower(name) = lower($1)`, name))
}

func (c *Client) GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	return scanProject(c.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

func (c *Client) listProjects(ctx context.Context, where string, args ...any) ([]Project, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	return c.listProjects(ctx, `ORDER BY name`)
}

// ListProjectsForUser returns projects owned by the user directly or through a
// team membership.
func (c *Client) ListProjectsForUser(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	return c.listProjects(ctx, `
		WHERE owner_user_id = $1
		   OR owner_team_id IN (SELECT team_id FROM team_members WHERE user_id = $1)
		ORDER BY name`, userID)
}

func (c *Client) ListProjectsByStatus(ctx context.Context, status core.ProjectStatus) ([]Project, error) {
	return c.listProjects(ctx, `WHERE status = $1 ORDER BY name`, status)
}

// ListProjectsWithRunningDeployments feeds the pull-secret refresher: only
// projects with live workloads need fresh registry credentials.
func (c *Client) ListProjectsWithRunningDeployments(ctx context.Context) ([]Project, error) {
	return c.listProjects(ctx, `
		WHERE id IN (SELECT DISTINCT project_id FROM deployments WHERE status IN ('Healthy', 'Unhealthy', 'Deploying'))
		ORDER BY name`)
}

func (c *Client) SetProjectAccessClass(ctx context.Context, id uuid.UUID, accessClass string) error {
	tag, err := c.pool.Exec(ctx, `UPDATE projects SET access_class = $2 WHERE id = $1`, id, accessClass)
	if err != nil {
		return mapRowErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) SetProjectStatus(ctx context.Context, id uuid.UUID, status core.ProjectStatus) error {
	tag, err := c.pool.Exec(ctx, `UPDATE projects SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Client) AddProjectFinalizer(ctx context.Context, id uuid.UUID, finalizer string) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE projects SET finalizers = array_append(finalizers, $2)
		WHERE id = $1 AND NOT ($2 = ANY(finalizers))`, id, finalizer)
	return err
}

func (c *Client) RemoveProjectFinalizer(ctx context.Context, id uuid.UUID, finalizer string) error {
	_, err := c.pool.Exec(ctx, `UPDATE projects SET finalizers = array_remove(finalizers, $2) WHERE id = $1`, id, finalizer)
	return err
}

// DeleteProject removes the row. Callers only reach this once all finalizers
// are cleared; deployments and env vars cascade, extensions hold a
// non-cascading reference and must be gone already.
func (c *Client) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1 AND finalizers = '{}'`, id)
	if err != nil {
		return fmt.Errorf("deleting project, %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
