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

// Package core holds the status vocabulary shared by the store, the
// controllers and the API surface. All categorization of deployment and
// project statuses lives here so that every writer agrees on which states are
// terminal, cancellable or protected from reconciler writes.
package core

import (
	"fmt"
	"regexp"
	"strings"
)

type DeploymentStatus string

const (
	DeploymentStatusPending     DeploymentStatus = "Pending"
	DeploymentStatusBuilding    DeploymentStatus = "Building"
	DeploymentStatusPushing     DeploymentStatus = "Pushing"
	DeploymentStatusPushed      DeploymentStatus = "Pushed"
	DeploymentStatusDeploying   DeploymentStatus = "Deploying"
	DeploymentStatusHealthy     DeploymentStatus = "Healthy"
	DeploymentStatusUnhealthy   DeploymentStatus = "Unhealthy"
	DeploymentStatusCancelling  DeploymentStatus = "Cancelling"
	DeploymentStatusCancelled   DeploymentStatus = "Cancelled"
	DeploymentStatusTerminating DeploymentStatus = "Terminating"
	DeploymentStatusStopped     DeploymentStatus = "Stopped"
	DeploymentStatusSuperseded  DeploymentStatus = "Superseded"
	DeploymentStatusFailed      DeploymentStatus = "Failed"
	DeploymentStatusExpired     DeploymentStatus = "Expired"
)

// IsTerminal reports whether no further transition is possible. A terminal
// deployment is never active.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusCancelled, DeploymentStatusStopped, DeploymentStatusSuperseded, DeploymentStatusFailed, DeploymentStatusExpired:
		return true
	}
	return false
}

// IsCancellable reports whether the deployment has not created any cluster
// infrastructure yet and can be cancelled without teardown.
func (s DeploymentStatus) IsCancellable() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusBuilding, DeploymentStatusPushing, DeploymentStatusPushed, DeploymentStatusDeploying:
		return true
	}
	return false
}

// IsReconcilerProtected reports whether the Kubernetes reconciler must not
// write cluster state on behalf of this deployment.
func (s DeploymentStatus) IsReconcilerProtected() bool {
	return s.IsTerminal() || s == DeploymentStatusTerminating || s == DeploymentStatusCancelling
}

// IsRunning reports whether the deployment is serving traffic (healthy or
// not).
func (s DeploymentStatus) IsRunning() bool {
	return s == DeploymentStatusHealthy || s == DeploymentStatusUnhealthy
}

type TerminationReason string

const (
	TerminationReasonUserStopped TerminationReason = "UserStopped"
	TerminationReasonSuperseded  TerminationReason = "Superseded"
	TerminationReasonCancelled   TerminationReason = "Cancelled"
	TerminationReasonFailed      TerminationReason = "Failed"
	TerminationReasonExpired     TerminationReason = "Expired"
)

// TerminalStatus maps a termination reason to the terminal status a
// Terminating deployment settles into once teardown completes.
func (r TerminationReason) TerminalStatus() DeploymentStatus {
	switch r {
	case TerminationReasonUserStopped:
		return DeploymentStatusStopped
	case TerminationReasonSuperseded:
		return DeploymentStatusSuperseded
	case TerminationReasonCancelled:
		return DeploymentStatusCancelled
	case TerminationReasonExpired:
		return DeploymentStatusExpired
	default:
		return DeploymentStatusFailed
	}
}

type ProjectStatus string

const (
	ProjectStatusStopped    ProjectStatus = "Stopped"
	ProjectStatusRunning    ProjectStatus = "Running"
	ProjectStatusFailed     ProjectStatus = "Failed"
	ProjectStatusDeploying  ProjectStatus = "Deploying"
	ProjectStatusDeleting   ProjectStatus = "Deleting"
	ProjectStatusTerminated ProjectStatus = "Terminated"
)

// DefaultDeploymentGroup is the production lane. Its ingress host comes from
// the production URL template rather than the staging one.
const DefaultDeploymentGroup = "default"

var (
	projectNameRe    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	deploymentGroupRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9/-]*[a-z0-9])?$`)
)

// ValidateProjectName enforces the lowercase slug shape that doubles as the
// routing key (subdomain or path segment) for the project.
func ValidateProjectName(name string) error {
	if len(name) == 0 || len(name) > 63 {
		return fmt.Errorf("project name %q must be 1-63 characters", name)
	}
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("project name %q must be a lowercase DNS label", name)
	}
	return nil
}

// ValidateDeploymentGroup enforces the lane-name shape. Slashes are allowed
// interior characters ("mr/26"); the reconciler escapes them before they reach
// Kubernetes object names.
func ValidateDeploymentGroup(group string) error {
	if len(group) == 0 || len(group) > 63 {
		return fmt.Errorf("deployment group %q must be 1-63 characters", group)
	}
	if !deploymentGroupRe.MatchString(group) {
		return fmt.Errorf("deployment group %q must match [a-z0-9][a-z0-9/-]*[a-z0-9]", group)
	}
	// "--" is the escape sequence for "/" in object names; allowing it
	// literally would make two lanes collide after escaping.
	if strings.Contains(group, "--") {
		return fmt.Errorf("deployment group %q must not contain consecutive dashes", group)
	}
	return nil
}
