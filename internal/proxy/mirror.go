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

package proxy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/config"
)

// Backend is one routable entry in the proxy's in-memory mirror.
type Backend struct {
	Name      string           `json:"name"`
	Transport config.Transport `json:"transport"`
	Host      string           `json:"host"`
	Port      int              `json:"port"`
	PID       int              `json:"pid,omitempty"`
	StartedAt time.Time        `json:"started_at,omitzero"`
}

// BaseURL returns the backend's http origin.
func (b Backend) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// mirror is the routing table the hot path reads. It is rebuilt from the
// registry on reload and co-mutated with the registry by the admin API; a
// name maps to exactly one backend, most recent registration winning.
type mirror struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func newMirror() *mirror {
	return &mirror{backends: map[string]Backend{}}
}

func (m *mirror) get(name string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[name]
	return b, ok
}

func (m *mirror) set(b Backend) {
	m.mu.Lock()
	m.backends[b.Name] = b
	size := len(m.backends)
	m.mu.Unlock()
	proxyBackends.Set(float64(size))
}

func (m *mirror) remove(name string) (Backend, bool) {
	m.mu.Lock()
	prev, ok := m.backends[name]
	delete(m.backends, name)
	size := len(m.backends)
	m.mu.Unlock()
	proxyBackends.Set(float64(size))
	return prev, ok
}

// replaceAll swaps the whole table, used by registry reloads.
func (m *mirror) replaceAll(backends map[string]Backend) {
	m.mu.Lock()
	m.backends = backends
	size := len(m.backends)
	m.mu.Unlock()
	proxyBackends.Set(float64(size))
}

func (m *mirror) has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.backends[name]
	return ok
}

func (m *mirror) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backends)
}

// names returns the registered backend names, sorted.
func (m *mirror) names() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.backends))
	for name := range m.backends {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// snapshot returns the backends sorted by name.
func (m *mirror) snapshot() []Backend {
	m.mu.RLock()
	out := make([]Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sole returns the only backend when exactly one is registered.
func (m *mirror) sole() (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.backends) != 1 {
		return Backend{}, false
	}
	for _, b := range m.backends {
		return b, true
	}
	return Backend{}, false
}
