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

// Package fake provides in-memory stand-ins for the store and the external
// providers so controllers and handlers can be exercised without Postgres,
// Kubernetes or AWS.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/rise-dev/rise/pkg/apis/core"
	"github.com/rise-dev/rise/pkg/store"
)

// Store is an in-memory store.Interface. It mirrors the invariants the real
// schema enforces with triggers: terminal deployments go inactive, access
// class changes mark running deployments for reconcile, and deleting a
// project soft-deletes its extensions.
type Store struct {
	mu sync.Mutex

	// Clock drives lease and expiry decisions; swap in a testing clock for
	// determinism.
	Clock clock.PassiveClock

	users           map[uuid.UUID]*store.User
	teams           map[uuid.UUID]*store.Team
	members         []store.TeamMember
	projects        map[uuid.UUID]*store.Project
	deployments     map[uuid.UUID]*store.Deployment
	deploymentEnv   map[uuid.UUID][]store.EnvVar
	projectEnv      map[uuid.UUID]map[string]store.EnvVar
	serviceAccounts map[uuid.UUID]*store.ServiceAccount
	extensions      map[uuid.UUID]*store.Extension
	extensionDue    map[uuid.UUID]time.Time
	domains         map[uuid.UUID]map[string]*store.CustomDomain

	saSequence int
}

var _ store.Interface = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		Clock:           clock.RealClock{},
		users:           map[uuid.UUID]*store.User{},
		teams:           map[uuid.UUID]*store.Team{},
		projects:        map[uuid.UUID]*store.Project{},
		deployments:     map[uuid.UUID]*store.Deployment{},
		deploymentEnv:   map[uuid.UUID][]store.EnvVar{},
		projectEnv:      map[uuid.UUID]map[string]store.EnvVar{},
		serviceAccounts: map[uuid.UUID]*store.ServiceAccount{},
		extensions:      map[uuid.UUID]*store.Extension{},
		extensionDue:    map[uuid.UUID]time.Time{},
		domains:         map[uuid.UUID]map[string]*store.CustomDomain{},
	}
}

func (s *Store) now() time.Time { return s.Clock.Now() }

// Users.

func (s *Store) UpsertUser(_ context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	u := &store.User{ID: uuid.New(), Email: email, CreatedAt: s.now(), UpdatedAt: s.now()}
	s.users[u.ID] = u
	copied := *u
	return &copied, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *Store) SetPlatformUser(_ context.Context, id uuid.UUID, platform bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.IsPlatformUser = platform
	return nil
}

// Teams.

func (s *Store) EnsureTeam(_ context.Context, name string, idpManaged bool) (*store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureTeamLocked(name, idpManaged), nil
}

func (s *Store) ensureTeamLocked(name string, idpManaged bool) *store.Team {
	for _, t := range s.teams {
		if t.Name == name {
			copied := *t
			return &copied
		}
	}
	t := &store.Team{ID: uuid.New(), Name: name, IDPManaged: idpManaged, CreatedAt: s.now()}
	s.teams[t.ID] = t
	copied := *t
	return &copied
}

func (s *Store) AddTeamMember(_ context.Context, teamID, userID uuid.UUID, role store.TeamRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMemberLocked(teamID, userID, role)
	return nil
}

func (s *Store) addMemberLocked(teamID, userID uuid.UUID, role store.TeamRole) {
	for _, m := range s.members {
		if m.TeamID == teamID && m.UserID == userID {
			return
		}
	}
	s.members = append(s.members, store.TeamMember{TeamID: teamID, UserID: userID, Role: role})
}

func (s *Store) ListTeamsForUser(_ context.Context, userID uuid.UUID) ([]store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Team
	for _, m := range s.members {
		if m.UserID == userID {
			out = append(out, *s.teams[m.TeamID])
		}
	}
	return out, nil
}

func (s *Store) SyncIDPTeams(_ context.Context, userID uuid.UUID, groups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := lo.SliceToMap(groups, func(g string) (string, bool) { return g, true })
	for _, g := range groups {
		t := s.ensureTeamLocked(g, true)
		s.addMemberLocked(t.ID, userID, store.TeamRoleMember)
	}
	s.members = lo.Filter(s.members, func(m store.TeamMember, _ int) bool {
		t := s.teams[m.TeamID]
		if m.UserID != userID || !t.IDPManaged {
			return true
		}
		return want[t.Name]
	})
	return nil
}

func (s *Store) IsTeamMember(_ context.Context, teamID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.TeamID == teamID && m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Projects.

func (s *Store) CreateProject(_ context.Context, p *store.Project) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return nil, fmt.Errorf("%w, project %q exists", store.ErrConflict, p.Name)
		}
	}
	created := *p
	created.ID = uuid.New()
	if created.Status == "" {
		created.Status = core.ProjectStatusStopped
	}
	created.CreatedAt = s.now()
	s.projects[created.ID] = &created
	copied := created
	return &copied, nil
}

func (s *Store) GetProject(_ context.Context, name string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			copied := *p
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetProjectByID(_ context.Context, id uuid.UUID) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *Store) listProjectsLocked(keep func(*store.Project) bool) []store.Project {
	var out []store.Project
	for _, p := range s.projects {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) ListProjects(_ context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listProjectsLocked(func(*store.Project) bool { return true }), nil
}

func (s *Store) ListProjectsForUser(_ context.Context, userID uuid.UUID) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teamIDs := map[uuid.UUID]bool{}
	for _, m := range s.members {
		if m.UserID == userID {
			teamIDs[m.TeamID] = true
		}
	}
	return s.listProjectsLocked(func(p *store.Project) bool {
		if p.OwnerUserID != nil && *p.OwnerUserID == userID {
			return true
		}
		return p.OwnerTeamID != nil && teamIDs[*p.OwnerTeamID]
	}), nil
}

func (s *Store) ListProjectsByStatus(_ context.Context, status core.ProjectStatus) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listProjectsLocked(func(p *store.Project) bool { return p.Status == status }), nil
}

func (s *Store) ListProjectsWithRunningDeployments(_ context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := map[uuid.UUID]bool{}
	for _, d := range s.deployments {
		if d.Status.IsRunning() {
			running[d.ProjectID] = true
		}
	}
	return s.listProjectsLocked(func(p *store.Project) bool { return running[p.ID] }), nil
}

func (s *Store) SetProjectAccessClass(_ context.Context, id uuid.UUID, accessClass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.AccessClass = accessClass
	for _, d := range s.deployments {
		if d.ProjectID == id && d.Status.IsRunning() {
			d.NeedsReconcile = true
		}
	}
	return nil
}

func (s *Store) SetProjectStatus(_ context.Context, id uuid.UUID, status core.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	if status == core.ProjectStatusDeleting {
		now := s.now()
		for _, e := range s.extensions {
			if e.ProjectID == id && e.DeletedAt == nil {
				e.DeletedAt = &now
				s.extensionDue[e.ID] = now
			}
		}
	}
	return nil
}

func (s *Store) AddProjectFinalizer(_ context.Context, id uuid.UUID, finalizer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	if !lo.Contains(p.Finalizers, finalizer) {
		p.Finalizers = append(p.Finalizers, finalizer)
	}
	return nil
}

func (s *Store) RemoveProjectFinalizer(_ context.Context, id uuid.UUID, finalizer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Finalizers = lo.Without(p.Finalizers, finalizer)
	return nil
}

func (s *Store) DeleteProject(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	if len(p.Finalizers) > 0 {
		return fmt.Errorf("%w, project still has finalizers %v", store.ErrConflict, p.Finalizers)
	}
	delete(s.projects, id)
	return nil
}

// Deployments.

func (s *Store) CreateDeployment(_ context.Context, params store.CreateDeploymentParams) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.ProjectID == params.ProjectID && d.DeploymentID == params.DeploymentID {
			return nil, fmt.Errorf("%w, deployment %q exists", store.ErrConflict, params.DeploymentID)
		}
	}
	d := &store.Deployment{
		ID:                 uuid.New(),
		DeploymentID:       params.DeploymentID,
		ProjectID:          params.ProjectID,
		CreatedByID:        params.CreatedByID,
		DeploymentGroup:    params.DeploymentGroup,
		Status:             core.DeploymentStatusPending,
		HTTPPort:           params.HTTPPort,
		Image:              params.Image,
		ImageDigest:        params.ImageDigest,
		ControllerMetadata: map[string]string{},
		RolledBackFromID:   params.RolledBackFromID,
		ExpiresAt:          params.ExpiresAt,
		CreatedAt:          s.now(),
		UpdatedAt:          s.now(),
	}
	s.deployments[d.ID] = d
	s.deploymentEnv[d.ID] = append([]store.EnvVar{}, params.EnvVars...)
	copied := *d
	return &copied, nil
}

func (s *Store) GetDeployment(_ context.Context, projectID uuid.UUID, deploymentID string) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.ProjectID == projectID && d.DeploymentID == deploymentID {
			return copyDeployment(d), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetDeploymentByID(_ context.Context, id uuid.UUID) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDeployment(d), nil
}

func (s *Store) listDeploymentsLocked(keep func(*store.Deployment) bool) []store.Deployment {
	var out []store.Deployment
	for _, d := range s.deployments {
		if keep(d) {
			out = append(out, *copyDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) ListDeployments(_ context.Context, projectID uuid.UUID) ([]store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDeploymentsLocked(func(d *store.Deployment) bool { return d.ProjectID == projectID }), nil
}

func (s *Store) ListRunningDeployments(_ context.Context, projectID uuid.UUID) ([]store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDeploymentsLocked(func(d *store.Deployment) bool {
		return d.ProjectID == projectID && d.Status.IsRunning()
	}), nil
}

func (s *Store) ClaimDeployment(_ context.Context, lease time.Duration) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var candidates []*store.Deployment
	for _, d := range s.deployments {
		if d.LeaseUntil != nil && d.LeaseUntil.After(now) {
			continue
		}
		switch d.Status {
		case core.DeploymentStatusPending, core.DeploymentStatusPushed, core.DeploymentStatusCancelling,
			core.DeploymentStatusTerminating, core.DeploymentStatusDeploying:
			candidates = append(candidates, d)
		case core.DeploymentStatusHealthy, core.DeploymentStatusUnhealthy:
			if d.NeedsReconcile || d.UpdatedAt.Before(now.Add(-lease)) {
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })
	d := candidates[0]
	until := now.Add(lease)
	d.LeaseUntil = &until
	return copyDeployment(d), nil
}

func (s *Store) ReleaseDeployment(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deployments[id]; ok {
		d.LeaseUntil = nil
	}
	return nil
}

func (s *Store) RenewDeploymentLease(_ context.Context, id uuid.UUID, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deployments[id]; ok {
		until := s.now().Add(lease)
		d.LeaseUntil = &until
	}
	return nil
}

func (s *Store) TransitionDeployment(_ context.Context, id uuid.UUID, from []core.DeploymentStatus, to core.DeploymentStatus, opts ...store.TransitionOption) (*store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !lo.Contains(from, d.Status) {
		return nil, fmt.Errorf("%w, deployment is no longer in %v", store.ErrConflict, from)
	}
	t := store.ResolveTransitionOptions(opts...)
	d.Status = to
	if t.TerminationReason != nil {
		d.TerminationReason = t.TerminationReason
	}
	if t.ImageDigest != nil {
		d.ImageDigest = t.ImageDigest
	}
	if t.DeployingStartedAt != nil {
		d.DeployingStartedAt = t.DeployingStartedAt
	}
	if t.LastError != nil {
		if d.ControllerMetadata == nil {
			d.ControllerMetadata = map[string]string{}
		}
		d.ControllerMetadata["last_error"] = *t.LastError
	}
	if t.ClearNeedsReconcile {
		d.NeedsReconcile = false
	}
	if t.ReleaseLease {
		d.LeaseUntil = nil
	}
	if to.IsTerminal() {
		d.IsActive = false
	}
	d.UpdatedAt = s.now()
	return copyDeployment(d), nil
}

func (s *Store) ActivateDeployment(_ context.Context, id uuid.UUID) ([]store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	var superseded []store.Deployment
	for _, peer := range s.deployments {
		if peer.ID == id || peer.ProjectID != d.ProjectID || peer.DeploymentGroup != d.DeploymentGroup {
			continue
		}
		if peer.Status.IsRunning() {
			peer.Status = core.DeploymentStatusTerminating
			reason := core.TerminationReasonSuperseded
			peer.TerminationReason = &reason
			peer.IsActive = false
			peer.UpdatedAt = s.now()
			superseded = append(superseded, *copyDeployment(peer))
		} else if peer.IsActive {
			// Draining peers keep their status and reason but lose the flag so
			// the lane never holds two active rows.
			peer.IsActive = false
			peer.UpdatedAt = s.now()
		}
	}
	d.Status = core.DeploymentStatusHealthy
	d.IsActive = true
	d.NeedsReconcile = false
	d.UpdatedAt = s.now()
	return superseded, nil
}

func (s *Store) CancelPreInfraPeers(_ context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deployments {
		if d.ProjectID != projectID || d.DeploymentGroup != group || d.ID == except {
			continue
		}
		switch d.Status {
		case core.DeploymentStatusPending, core.DeploymentStatusBuilding,
			core.DeploymentStatusPushing, core.DeploymentStatusPushed:
			d.Status = core.DeploymentStatusCancelling
			reason := core.TerminationReasonCancelled
			d.TerminationReason = &reason
			d.UpdatedAt = s.now()
			count++
		}
	}
	return count, nil
}

func (s *Store) SweepExpired(_ context.Context, now time.Time) ([]store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []store.Deployment
	for _, d := range s.deployments {
		if d.ExpiresAt == nil || d.ExpiresAt.After(now) || !d.Status.IsRunning() {
			continue
		}
		d.Status = core.DeploymentStatusTerminating
		reason := core.TerminationReasonExpired
		d.TerminationReason = &reason
		d.UpdatedAt = s.now()
		swept = append(swept, *copyDeployment(d))
	}
	return swept, nil
}

func (s *Store) SetNeedsReconcile(_ context.Context, id uuid.UUID, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return store.ErrNotFound
	}
	d.NeedsReconcile = v
	return nil
}

func (s *Store) CountActivePeers(_ context.Context, projectID uuid.UUID, group string, except uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deployments {
		if d.ProjectID == projectID && d.DeploymentGroup == group && d.ID != except &&
			(d.IsActive || d.Status.IsRunning()) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListDeploymentEnvVars(_ context.Context, deploymentID uuid.UUID) ([]store.EnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.EnvVar{}, s.deploymentEnv[deploymentID]...), nil
}

// Project-scoped env vars.

func (s *Store) SetProjectEnvVar(_ context.Context, projectID uuid.UUID, v store.EnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projectEnv[projectID] == nil {
		s.projectEnv[projectID] = map[string]store.EnvVar{}
	}
	s.projectEnv[projectID][v.Key] = v
	return nil
}

func (s *Store) GetProjectEnvVar(_ context.Context, projectID uuid.UUID, key string) (*store.EnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.projectEnv[projectID][key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := v
	return &copied, nil
}

func (s *Store) DeleteProjectEnvVar(_ context.Context, projectID uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projectEnv[projectID][key]; !ok {
		return store.ErrNotFound
	}
	delete(s.projectEnv[projectID], key)
	return nil
}

func (s *Store) ListProjectEnvVars(_ context.Context, projectID uuid.UUID) ([]store.EnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Values(s.projectEnv[projectID])
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Service accounts.

func (s *Store) CreateServiceAccount(_ context.Context, sa *store.ServiceAccount) (*store.ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := *sa
	created.ID = uuid.New()
	if created.Identifier == "" {
		s.saSequence++
		created.Identifier = fmt.Sprintf("sa-%d", s.saSequence)
	}
	created.CreatedAt = s.now()
	s.serviceAccounts[created.ID] = &created
	copied := created
	return &copied, nil
}

func (s *Store) ListServiceAccounts(_ context.Context, projectID uuid.UUID) ([]store.ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ServiceAccount
	for _, sa := range s.serviceAccounts {
		if sa.ProjectID == projectID && sa.DeletedAt == nil {
			out = append(out, *sa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (s *Store) ListServiceAccountsByIssuer(_ context.Context, issuerURL string) ([]store.ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ServiceAccount
	for _, sa := range s.serviceAccounts {
		if sa.IssuerURL == issuerURL && sa.DeletedAt == nil {
			out = append(out, *sa)
		}
	}
	return out, nil
}

func (s *Store) SoftDeleteServiceAccount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.serviceAccounts[id]
	if !ok || sa.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	sa.DeletedAt = &now
	return nil
}

// Extensions.

func (s *Store) CreateExtension(_ context.Context, e *store.Extension) (*store.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.extensions {
		if existing.ProjectID == e.ProjectID && existing.Name == e.Name && existing.DeletedAt == nil {
			return nil, fmt.Errorf("%w, extension %q exists", store.ErrConflict, e.Name)
		}
	}
	created := *e
	created.ID = uuid.New()
	created.CreatedAt = s.now()
	created.UpdatedAt = s.now()
	s.extensions[created.ID] = &created
	s.extensionDue[created.ID] = s.now()
	copied := created
	return &copied, nil
}

func (s *Store) GetExtension(_ context.Context, projectID uuid.UUID, name string) (*store.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extensions {
		if e.ProjectID == projectID && e.Name == name && e.DeletedAt == nil {
			copied := *e
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListExtensions(_ context.Context, projectID uuid.UUID) ([]store.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Extension
	for _, e := range s.extensions {
		if e.ProjectID == projectID && e.DeletedAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CountPendingExtensions(_ context.Context, projectID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.extensions {
		if e.ProjectID == projectID {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateExtensionSpec(_ context.Context, projectID uuid.UUID, name string, spec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extensions {
		if e.ProjectID == projectID && e.Name == name && e.DeletedAt == nil {
			e.Spec = spec
			e.UpdatedAt = s.now()
			s.extensionDue[e.ID] = s.now()
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) SoftDeleteExtension(_ context.Context, projectID uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.extensions {
		if e.ProjectID == projectID && e.Name == name && e.DeletedAt == nil {
			now := s.now()
			e.DeletedAt = &now
			s.extensionDue[e.ID] = now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ClaimExtension(_ context.Context, lease time.Duration) (*store.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range s.extensions {
		if e.LeaseUntil != nil && e.LeaseUntil.After(now) {
			continue
		}
		due, ok := s.extensionDue[e.ID]
		if !ok || due.After(now) {
			continue
		}
		until := now.Add(lease)
		e.LeaseUntil = &until
		copied := *e
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FinishExtension(_ context.Context, id uuid.UUID, status []byte, requeueAfter *time.Duration, remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extensions[id]
	if !ok {
		return store.ErrNotFound
	}
	if remove {
		delete(s.extensions, id)
		delete(s.extensionDue, id)
		return nil
	}
	e.Status = status
	e.LeaseUntil = nil
	e.UpdatedAt = s.now()
	if requeueAfter != nil {
		s.extensionDue[id] = s.now().Add(*requeueAfter)
	} else {
		// Parked until the spec changes or the record is soft-deleted.
		delete(s.extensionDue, id)
	}
	return nil
}

// Custom domains.

func (s *Store) UpsertCustomDomain(_ context.Context, d *store.CustomDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.domains[d.ProjectID] == nil {
		s.domains[d.ProjectID] = map[string]*store.CustomDomain{}
	}
	if d.IsPrimary {
		for _, existing := range s.domains[d.ProjectID] {
			existing.IsPrimary = false
		}
	}
	copied := *d
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	copied.CreatedAt = s.now()
	s.domains[d.ProjectID][d.Domain] = &copied
	return nil
}

func (s *Store) ListCustomDomains(_ context.Context, projectID uuid.UUID) ([]store.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.CustomDomain
	for _, d := range s.domains[projectID] {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *Store) DeleteCustomDomain(_ context.Context, projectID uuid.UUID, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[projectID][domain]; !ok {
		return store.ErrNotFound
	}
	delete(s.domains[projectID], domain)
	return nil
}

func copyDeployment(d *store.Deployment) *store.Deployment {
	copied := *d
	if d.ControllerMetadata != nil {
		copied.ControllerMetadata = lo.Assign(map[string]string{}, d.ControllerMetadata)
	}
	return &copied
}
