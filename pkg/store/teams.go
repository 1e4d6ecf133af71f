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
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

func (c *Client) EnsureTeam(ctx context.Context, name string, idpManaged bool) (*Team, error) {
	t := &Team{}
	err := c.pool.QueryRow(ctx, `
		INSERT INTO teams (name, idp_managed) VALUES ($1, $2)
		ON CONFLICT (lower(name)) DO UPDATE SET idp_managed = teams.idp_managed
		RETURNING id, name, idp_managed, created_at`,
		name, idpManaged).Scan(&t.ID, &t.Name, &t.IDPManaged, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensuring team %q, %w", name, mapRowErr(err))
	}
	return t, nil
}

func (c *Client) AddTeamMember(ctx context.Context, teamID, userID uuid.UUID, role TeamRole) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		teamID, userID, role)
	return err
}

func (c *Client) ListTeamsForUser(ctx context.Context, userID uuid.UUID) ([]Team, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT DISTINCT t.id, t.name, t.idp_managed, t.created_at
		FROM teams t JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = $1
		ORDER BY t.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.IDPManaged, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (c *Client) IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)`,
		teamID, userID).Scan(&exists)
	return exists, err
}

// SyncIDPTeams reconciles a user's membership of idp-managed teams against the
// groups claim of a fresh identity token. Manually managed teams are left
// alone.
func (c *Client) SyncIDPTeams(ctx context.Context, userID uuid.UUID, groups []string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, group := range groups {
		var teamID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO teams (name, idp_managed) VALUES ($1, true)
			ON CONFLICT (lower(name)) DO UPDATE SET idp_managed = teams.idp_managed
			RETURNING id`, group).Scan(&teamID); err != nil {
			return fmt.Errorf("ensuring idp team %q, %w", group, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO team_members (team_id, user_id, role) VALUES ($1, $2, 'member')
			ON CONFLICT DO NOTHING`, teamID, userID); err != nil {
			return err
		}
	}
	// Drop memberships of idp-managed teams the token no longer carries.
	if _, err := tx.Exec(ctx, `
		DELETE FROM team_members m USING teams t
		WHERE m.team_id = t.id AND m.user_id = $1 AND t.idp_managed
		  AND NOT (lower(t.name) = ANY($2))`,
		userID, lo.Map(groups, func(g string, _ int) string { return strings.ToLower(g) })); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
