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

// Package store is the typed data access layer. All SQL lives behind the
// narrow Interface; callers never see query text. The single-active,
// terminal-inactive and needs-reconcile invariants are enforced by triggers in
// the migrations so that every write path observes them.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/rise-dev/rise/pkg/apis/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict covers unique violations and compare-and-swap transition
	// failures; the API layer maps it to 409.
	ErrConflict = errors.New("conflict")
)

type Interface interface {
	// Users.
	UpsertUser(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	SetPlatformUser(ctx context.Context, id uuid.UUID, platform bool) error

	// Teams.
	EnsureTeam(ctx context.Context, name string, idpManaged bool) (*Team, error)
	AddTeamMember(ctx context.Context, teamID, userID uuid.UUID, role TeamRole) error
	ListTeamsForUser(ctx context.Context, userID uuid.UUID) ([]Team, error)
	SyncIDPTeams(ctx context.Context, userID uuid.UUID, groups []string) error
	IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error)

	// Projects.
	CreateProject(ctx context.Context, p *Project) (*Project, error)
	GetProject(ctx context.Context, name string) (*Project, error)
	GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListProjectsForUser(ctx context.Context, userID uuid.UUID) ([]Project, error)
	ListProjectsByStatus(ctx context.Context, status core.ProjectStatus) ([]Project, error)
	ListProjectsWithRunningDeployments(ctx context.Context) ([]Project, error)
	SetProjectAccessClass(ctx context.Context, id uuid.UUID, accessClass string) error
	SetProjectStatus(ctx context.Context, id uuid.UUID, status core.ProjectStatus) error
	AddProjectFinalizer(ctx context.Context, id uuid.UUID, finalizer string) error
	RemoveProjectFinalizer(ctx context.Context, id uuid.UUID, finalizer string) error
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// Deployments.
	CreateDeployment(ctx context.Context, params CreateDeploymentParams) (*Deployment, error)
	GetDeployment(ctx context.Context, projectID uuid.UUID, deploymentID string) (*Deployment, error)
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*Deployment, error)
	ListDeployments(ctx context.Context, projectID uuid.UUID) ([]Deployment, error)
	ListRunningDeployments(ctx context.Context, projectID uuid.UUID) ([]Deployment, error)
	// ClaimDeployment leases the next deployment due for controller work.
	// Returns ErrNotFound when nothing is claimable.
	ClaimDeployment(ctx context.Context, lease time.Duration) (*Deployment, error)
	ReleaseDeployment(ctx context.Context, id uuid.UUID) error
	// RenewDeploymentLease keeps the row off the claim queue for another lease
	// window; controllers use it to pace repeated polls of the same row.
	RenewDeploymentLease(ctx context.Context, id uuid.UUID, lease time.Duration) error
	// TransitionDeployment is a compare-and-swap: the row must currently be in
	// one of from. Returns ErrConflict otherwise.
	TransitionDeployment(ctx context.Context, id uuid.UUID, from []core.DeploymentStatus, to core.DeploymentStatus, opts ...TransitionOption) (*Deployment, error)
	// ActivateDeployment transactionally makes id the single active deployment
	// of its (project, group): prior running peers move to Terminating with
	// reason Superseded and are returned for teardown.
	ActivateDeployment(ctx context.Context, id uuid.UUID) ([]Deployment, error)
	CancelPreInfraPeers(ctx context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error)
	SweepExpired(ctx context.Context, now time.Time) ([]Deployment, error)
	SetNeedsReconcile(ctx context.Context, id uuid.UUID, v bool) error
	CountActivePeers(ctx context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error)
	ListDeploymentEnvVars(ctx context.Context, deploymentID uuid.UUID) ([]EnvVar, error)

	// Project-scoped env vars.
	SetProjectEnvVar(ctx context.Context, projectID uuid.UUID, v EnvVar) error
	GetProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) (*EnvVar, error)
	DeleteProjectEnvVar(ctx context.Context, projectID uuid.UUID, key string) error
	ListProjectEnvVars(ctx context.Context, projectID uuid.UUID) ([]EnvVar, error)

	// Service accounts (workload identities).
	CreateServiceAccount(ctx context.Context, sa *ServiceAccount) (*ServiceAccount, error)
	ListServiceAccounts(ctx context.Context, projectID uuid.UUID) ([]ServiceAccount, error)
	ListServiceAccountsByIssuer(ctx context.Context, issuerURL string) ([]ServiceAccount, error)
	SoftDeleteServiceAccount(ctx context.Context, id uuid.UUID) error

	// Extensions.
	CreateExtension(ctx context.Context, e *Extension) (*Extension, error)
	GetExtension(ctx context.Context, projectID uuid.UUID, name string) (*Extension, error)
	ListExtensions(ctx context.Context, projectID uuid.UUID) ([]Extension, error)
	CountPendingExtensions(ctx context.Context, projectID uuid.UUID) (int, error)
	UpdateExtensionSpec(ctx context.Context, projectID uuid.UUID, name string, spec []byte) error
	SoftDeleteExtension(ctx context.Context, projectID uuid.UUID, name string) error
	// ClaimExtension leases the next extension due for reconciliation.
	ClaimExtension(ctx context.Context, lease time.Duration) (*Extension, error)
	// FinishExtension records a reconcile outcome: new status, optional
	// requeue delay, and whether the (soft-deleted) record is now removable.
	FinishExtension(ctx context.Context, id uuid.UUID, status []byte, requeueAfter *time.Duration, remove bool) error

	// Custom domains.
	UpsertCustomDomain(ctx context.Context, d *CustomDomain) error
	ListCustomDomains(ctx context.Context, projectID uuid.UUID) ([]CustomDomain, error)
	DeleteCustomDomain(ctx context.Context, projectID uuid.UUID, domain string) error
}

type Client struct {
	pool *pgxpool.Pool
}

var _ Interface = (*Client)(nil)

func New(ctx context.Context, databaseURL string) (*Client, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool, %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database, %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// Migrate applies the embedded goose migrations, including the trigger
// functions that enforce the store invariants.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("opening migration connection, %w", err)
	}
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations, %w", err)
	}
	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// isUniqueViolation distinguishes 23505 so callers can surface 409 instead of
// 500.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapRowErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w, %s", ErrConflict, err)
	}
	return err
}
