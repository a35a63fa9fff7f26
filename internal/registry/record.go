// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tombee/toolmesh/internal/config"
)

// ServiceRecord describes one registered tool server instance.
type ServiceRecord struct {
	// Name is the logical service id, shared across transports.
	Name string `json:"name"`

	// Transport the instance serves on.
	Transport config.Transport `json:"transport"`

	// Host the instance is reachable at. Whether it resolves to this
	// machine decides which liveness check applies.
	Host string `json:"host"`

	// Port is required for network transports and absent for stdio.
	Port int `json:"port,omitempty"`

	// PID of the serving process, when known.
	PID int `json:"pid,omitempty"`

	// StartedAt records when the instance came up. The most recent record
	// for a (name, transport) pair drives stable port reuse.
	StartedAt time.Time `json:"started_at"`

	// SourcePath is diagnostic only: where the service was launched from.
	SourcePath string `json:"source_path,omitempty"`
}

// Key returns the registry map key. A logical name may carry one record per
// transport, and network records include the port so a restarted instance
// on a new port is addressed exactly.
func (r ServiceRecord) Key() string {
	if r.Port > 0 {
		return fmt.Sprintf("%s-%s-%d", r.Name, r.Transport, r.Port)
	}
	return fmt.Sprintf("%s-%s", r.Name, r.Transport)
}

// Address returns host:port for network records.
func (r ServiceRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// IsLocal reports whether the record's host resolves to this machine.
// Local records are probed directly and are eligible for bulk cleanup;
// remote records are probed over HTTP and never bulk-removed.
func (r ServiceRecord) IsLocal() bool {
	return isLocalHost(r.Host)
}

// Validate checks the record invariants before it may be persisted.
func (r ServiceRecord) Validate() error {
	if !config.ServiceNameRegex.MatchString(r.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidRecord, r.Name, config.ServiceNameRegex.String())
	}
	if !r.Transport.Valid() {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidRecord, r.Transport)
	}
	if r.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidRecord)
	}
	if r.Transport.Network() && r.Port <= 0 {
		return fmt.Errorf("%w: %s records must carry a port", ErrInvalidRecord, r.Transport)
	}
	if !r.Transport.Network() && r.Port != 0 {
		return fmt.Errorf("%w: stdio records must not carry a port", ErrInvalidRecord)
	}
	return nil
}
