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

// Package ports allocates listener ports for managed services.
//
// Availability is decided by connecting, not by binding: a port counts as
// free only when the connect attempt is cleanly refused. A successful
// connect means something listens there, and any other failure (timeout,
// unreachable) leaves the port's state unknown, which is treated as taken.
// Probing by bind would race the service we are about to start and reports
// false positives for ports held by processes bound to another interface.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/registry"
)

// ErrNoFreePort is returned when a scan exhausts its window without finding
// an available port.
var ErrNoFreePort = errors.New("no free port")

// DefaultProbeTimeout bounds a single availability probe.
const DefaultProbeTimeout = 250 * time.Millisecond

// maxPort is the top of the valid TCP port range; scans clamp here.
const maxPort = 65535

// Available reports whether nothing accepts connections on host:port. Only
// a clean connection refusal counts as available.
func Available(host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	addr := net.JoinHostPort(probeHost(host), strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err == nil {
		conn.Close()
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// probeHost maps wildcard binds to loopback. A service bound to 0.0.0.0
// answers on loopback, and a wildcard address cannot be dialed portably.
func probeHost(host string) string {
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	default:
		return host
	}
}

// RecordSource is the slice of the registry the allocator consults for
// port history and claims.
type RecordSource interface {
	MostRecent(name string, transport config.Transport) (registry.ServiceRecord, bool, error)
	ClaimedPorts() (map[int]bool, error)
}

// Allocator hands out ports for a fixed probe host. It holds no state of
// its own; every decision is made against the live registry and the live
// network.
type Allocator struct {
	records RecordSource
	host    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewAllocator builds an allocator probing against host. records may be nil,
// in which case Preferred degrades to a plain scan.
func NewAllocator(records RecordSource, host string, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		records: records,
		host:    host,
		timeout: DefaultProbeTimeout,
		logger:  logger,
	}
}

// WithProbeTimeout adjusts the per-port probe budget.
func (a *Allocator) WithProbeTimeout(d time.Duration) *Allocator {
	a.timeout = d
	return a
}

// Next returns the first available port in [start, start+maxAttempts),
// clamped at the top of the port range.
func (a *Allocator) Next(start, maxAttempts int) (int, error) {
	if err := validateWindow(start, maxAttempts); err != nil {
		return 0, err
	}
	for port := start; port < start+maxAttempts && port <= maxPort; port++ {
		if Available(a.host, port, a.timeout) {
			return port, nil
		}
	}
	return 0, scanError(start, maxAttempts)
}

// Preferred returns a port for the named service, reusing its most recent
// registered port when that port is still free. Otherwise it scans the
// window skipping every port claimed by any registered service, and when
// the whole window is claimed it falls back to a plain scan so a stale
// registry full of dead claims cannot wedge startup.
func (a *Allocator) Preferred(name string, transport config.Transport, start, maxAttempts int) (int, error) {
	if err := validateWindow(start, maxAttempts); err != nil {
		return 0, err
	}
	if a.records == nil {
		return a.Next(start, maxAttempts)
	}

	if rec, found, err := a.records.MostRecent(name, transport); err != nil {
		a.logger.Debug("port history unavailable, scanning instead", "service", name, "error", err)
	} else if found && rec.Port > 0 && Available(a.host, rec.Port, a.timeout) {
		return rec.Port, nil
	}

	claimed, err := a.records.ClaimedPorts()
	if err != nil {
		a.logger.Debug("registry claims unavailable, scanning instead", "error", err)
		return a.Next(start, maxAttempts)
	}

	for port := start; port < start+maxAttempts && port <= maxPort; port++ {
		if claimed[port] {
			continue
		}
		if Available(a.host, port, a.timeout) {
			return port, nil
		}
	}

	// Every unclaimed port in the window is busy. Claims can outlive their
	// services, so retry without them before giving up.
	return a.Next(start, maxAttempts)
}

func validateWindow(start, maxAttempts int) error {
	if start < 1 || start > maxPort {
		return fmt.Errorf("start port %d out of range 1-%d", start, maxPort)
	}
	if maxAttempts < 1 {
		return fmt.Errorf("max attempts %d must be positive", maxAttempts)
	}
	return nil
}

func scanError(start, maxAttempts int) error {
	end := start + maxAttempts - 1
	if end > maxPort {
		end = maxPort
	}
	return fmt.Errorf("%w in range %d-%d", ErrNoFreePort, start, end)
}
