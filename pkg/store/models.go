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
	"time"

	"github.com/google/uuid"

	"github.com/rise-dev/rise/pkg/apis/core"
)

type User struct {
	ID             uuid.UUID
	Email          string
	IsPlatformUser bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleMember TeamRole = "member"
)

type Team struct {
	ID         uuid.UUID
	Name       string
	IDPManaged bool
	CreatedAt  time.Time
}

type TeamMember struct {
	TeamID uuid.UUID
	UserID uuid.UUID
	Role   TeamRole
}

type Project struct {
	ID          uuid.UUID
	Name        string
	Status      core.ProjectStatus
	AccessClass string
	// Exactly one of OwnerUserID / OwnerTeamID is set.
	OwnerUserID *uuid.UUID
	OwnerTeamID *uuid.UUID
	Finalizers  []string
	CreatedAt   time.Time
}

type Deployment struct {
	ID        uuid.UUID
	// DeploymentID is the human-readable slug used in URLs and object names.
	DeploymentID             string
	ProjectID                uuid.UUID
	CreatedByID              uuid.UUID
	DeploymentGroup          string
	Status                   core.DeploymentStatus
	IsActive                 bool
	HTTPPort                 int32
	Image                    *string
	ImageDigest              *string
	ControllerMetadata       map[string]string
	RolledBackFromID         *uuid.UUID
	ExpiresAt                *time.Time
	NeedsReconcile           bool
	DeployingStartedAt       *time.Time
	TerminationReason        *core.TerminationReason
	LeaseUntil               *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

type EnvVar struct {
	Key   string
	// Value holds ciphertext when IsSecret is set.
	Value         []byte
	IsSecret      bool
	IsProtected   bool
	IsRetrievable bool
}

type ServiceAccount struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	// Identifier distinguishes service accounts of a project; assigned from a
	// sequence when the caller does not name one.
	Identifier string
	IssuerURL  string
	Claims     map[string]string
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

type Extension struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	Name          string
	ExtensionType string
	Spec          []byte
	Status        []byte
	DeletedAt     *time.Time
	LeaseUntil    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CustomDomain struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Domain    string
	IsPrimary bool
	CreatedAt time.Time
}

// CreateDeploymentParams carries the submission contract. EnvVars is the
// already-merged snapshot (project-level vars overridden by submission-level
// ones); the running configuration stays immutable against later project
// edits.
type CreateDeploymentParams struct {
	ProjectID        uuid.UUID
	CreatedByID      uuid.UUID
	DeploymentID     string
	DeploymentGroup  string
	HTTPPort         int32
	Image            *string
	ImageDigest      *string
	EnvVars          []EnvVar
	ExpiresAt        *time.Time
	RolledBackFromID *uuid.UUID
}
