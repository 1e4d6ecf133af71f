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

package fake

import (
	"context"
	"fmt"
	"sync"

	kubeprovider "github.com/rise-dev/rise/pkg/providers/kubernetes"
)

// Cluster records the infrastructure calls the deployment engine makes.
// Readiness and per-call errors are programmable so tests can hold a
// deployment in Deploying or fail a traffic switch.
type Cluster struct {
	mu sync.Mutex

	ReadyResult bool
	ReadyErr    error
	ReadyCalls  int
	EnsureErr   error
	SwitchErr   error
	TeardownErr error

	EnsureCalls    []kubeprovider.DeploymentSpec
	SwitchCalls    []kubeprovider.DeploymentSpec
	TeardownCalls  []TeardownCall
	RefreshCalls   []string
	DeletedNS      []string
	RefreshErr     error
	DeleteNSErr    error
}

type TeardownCall struct {
	Spec        kubeprovider.DeploymentSpec
	LastInGroup bool
}

func NewCluster() *Cluster {
	return &Cluster{ReadyResult: true}
}

func (c *Cluster) EnsureInfrastructure(_ context.Context, spec kubeprovider.DeploymentSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnsureCalls = append(c.EnsureCalls, spec)
	return c.EnsureErr
}

func (c *Cluster) Ready(_ context.Context, _ kubeprovider.DeploymentSpec) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReadyCalls++
	return c.ReadyResult, c.ReadyErr
}

func (c *Cluster) SwitchTraffic(_ context.Context, spec kubeprovider.DeploymentSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SwitchCalls = append(c.SwitchCalls, spec)
	return c.SwitchErr
}

func (c *Cluster) Teardown(_ context.Context, spec kubeprovider.DeploymentSpec, lastInGroup bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TeardownCalls = append(c.TeardownCalls, TeardownCall{Spec: spec, LastInGroup: lastInGroup})
	return c.TeardownErr
}

func (c *Cluster) RefreshPullSecret(_ context.Context, projectName string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RefreshCalls = append(c.RefreshCalls, projectName)
	return c.RefreshErr
}

func (c *Cluster) DeleteNamespace(_ context.Context, projectName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeletedNS = append(c.DeletedNS, projectName)
	return c.DeleteNSErr
}

// Reset clears recorded calls between test cases.
func (c *Cluster) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnsureCalls, c.SwitchCalls, c.TeardownCalls = nil, nil, nil
	c.RefreshCalls, c.DeletedNS = nil, nil
}

// PortChecker reports a programmable dial result.
type PortChecker struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

func (p *PortChecker) Check(_ context.Context, podIP string, port int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, fmt.Sprintf("%s:%d", podIP, port))
	return p.Err
}
