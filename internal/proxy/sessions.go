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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/log"
)

// sessionTable maps streaming session ids to the backend that issued them,
// giving follow-up /messages posts affinity to the right instance.
type sessionTable struct {
	mu   sync.RWMutex
	byID map[string]sessionEntry
}

type sessionEntry struct {
	backend string
	seenAt  time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: map[string]sessionEntry{}}
}

// record stores the mapping. First sighting wins; a stream re-announcing
// its id refreshes the timestamp only.
func (t *sessionTable) record(id, backend string) {
	if id == "" || backend == "" {
		return
	}
	t.mu.Lock()
	if prev, ok := t.byID[id]; ok && prev.backend != backend {
		// An id can only belong to one stream; keep the original owner.
		t.mu.Unlock()
		return
	}
	t.byID[id] = sessionEntry{backend: backend, seenAt: time.Now()}
	size := len(t.byID)
	t.mu.Unlock()
	proxySessions.Set(float64(size))
}

// lookup resolves a session id to its backend name.
func (t *sessionTable) lookup(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	return e.backend, ok
}

// dropBackend removes every session attributed to the named backend. Called
// when a transport-level failure marks the backend unavailable and when it
// is explicitly unregistered.
func (t *sessionTable) dropBackend(backend string) int {
	t.mu.Lock()
	dropped := 0
	for id, e := range t.byID {
		if e.backend == backend {
			delete(t.byID, id)
			dropped++
		}
	}
	size := len(t.byID)
	t.mu.Unlock()
	proxySessions.Set(float64(size))
	return dropped
}

// sweep removes sessions whose backend is no longer routable.
func (t *sessionTable) sweep(active func(name string) bool) int {
	t.mu.Lock()
	dropped := 0
	for id, e := range t.byID {
		if !active(e.backend) {
			delete(t.byID, id)
			dropped++
		}
	}
	size := len(t.byID)
	t.mu.Unlock()
	proxySessions.Set(float64(size))
	return dropped
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// runSweeper periodically drops sessions for backends that left the mirror,
// until ctx is cancelled.
func (t *sessionTable) runSweeper(ctx context.Context, interval time.Duration, m *mirror, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := t.sweep(m.has); dropped > 0 {
				logger.Debug("swept orphaned sessions", log.Int("dropped", dropped))
			}
		}
	}
}
