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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/log"
)

// IsAlive reports whether the record's backing service still answers.
// Local records are probed directly: the PID must exist when recorded, and
// network transports must accept a TCP connect. Remote records get a short
// HTTP probe against their transport path, where anything short of a clean
// connection refusal keeps the record.
func (r *Registry) IsAlive(rec ServiceRecord) bool {
	if rec.IsLocal() {
		return r.localAlive(rec)
	}
	return r.remoteAlive(rec)
}

func (r *Registry) localAlive(rec ServiceRecord) bool {
	if rec.PID > 0 && !lifecycle.IsProcessRunning(rec.PID) {
		return false
	}

	if rec.Transport.Network() {
		conn, err := net.DialTimeout("tcp", rec.Address(), r.probeTimeout)
		if err != nil {
			return false
		}
		conn.Close()
	}

	// A stdio record with no PID carries nothing probeable; keep it.
	return true
}

// remoteAlive probes GET http://host:port/mcp (or /sse). Redirects are not
// followed; 2xx and 3xx count as alive. Only a clean connection refusal
// marks the record dead. DNS failures, timeouts, and resets keep the record
// so a flaky probe never deletes a live remote service.
func (r *Registry) remoteAlive(rec ServiceRecord) bool {
	if !rec.Transport.Network() {
		return true
	}

	probePath := "/mcp"
	if rec.Transport == config.TransportSSE {
		probePath = "/sse"
	}
	probeURL := fmt.Sprintf("http://%s%s", rec.Address(), probePath)

	client := &http.Client{
		Timeout: r.probeTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(probeURL)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return false
		}
		r.logger.Debug("remote liveness probe faulted, keeping record",
			log.String(log.ServiceKey, rec.Name),
			log.String("probe_url", probeURL),
			log.Error(err),
		)
		return true
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// localHosts always mean this machine, no resolution needed.
var localHosts = map[string]bool{
	"":          true,
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// localHostCache memoizes per-host classification for the process lifetime.
var localHostCache sync.Map

// isLocalHost reports whether host names this machine.
func isLocalHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if localHosts[h] {
		return true
	}

	if cached, ok := localHostCache.Load(h); ok {
		return cached.(bool)
	}

	local := resolvesToLocal(h)
	localHostCache.Store(h, local)
	return local
}

// resolvesToLocal compares the host's addresses against this machine's
// interfaces. Unresolvable hosts classify as remote, which routes them to
// the conservative probe path instead of the destructive local one.
func resolvesToLocal(host string) bool {
	if hostname, err := os.Hostname(); err == nil && strings.EqualFold(host, hostname) {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}

	for _, ip := range ips {
		if ip.IsLoopback() {
			return true
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}
