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

package kubernetes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// PortChecker verifies a pod accepts TCP connections on its declared HTTP
// port. Readiness gates the traffic switch on it in addition to replica
// counts, since a replica can be Ready before the app binds its port.
type PortChecker interface {
	Check(ctx context.Context, podIP string, port int32) error
}

type dialChecker struct {
	timeout time.Duration
}

func NewPortChecker(timeout time.Duration) PortChecker {
	return &dialChecker{timeout: timeout}
}

func (d *dialChecker) Check(ctx context.Context, podIP string, port int32) error {
	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(podIP, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("dialing %s:%d, %w", podIP, port, err)
	}
	return conn.Close()
}
