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

// Package registry persists the service map that every other part of the
// mesh trusts: which tool server answers a name, where it listens, and
// whether it is still alive.
//
// The backing store is a single JSON file shared across OS processes.
// Writers take an exclusive advisory lock on a sidecar file, reload the
// on-disk state under the lock, apply their change, and persist by atomic
// rename, so concurrent supervisors and proxies merge their writes instead
// of clobbering each other. Readers never lock; the rename guarantees they
// see a complete snapshot.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/lockfile"
	"github.com/tombee/toolmesh/internal/log"
)

var (
	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid service record")

	// ErrLockContended is returned when the cross-process file lock could
	// not be acquired within the configured retries.
	ErrLockContended = errors.New("registry lock contended")

	// ErrCorrupt is returned when the registry file holds unparseable data.
	// No operation deletes anything after a load failure.
	ErrCorrupt = errors.New("registry file is corrupt")
)

// Registry is an explicit handle on the persisted service map. It carries
// no open resources; every operation locks, reads, and releases the backing
// file on its own. Construct one per process and pass it by reference.
type Registry struct {
	path         string
	locker       lockfile.Locker
	lockRetries  int
	lockBackoff  time.Duration
	probeTimeout time.Duration

	// mu serializes mutations within this process. The file lock
	// serializes against other processes; both are needed because the
	// file lock is per-process on most platforms.
	mu sync.Mutex

	logger *slog.Logger
}

// New creates a registry handle for the file at cfg.Path.
func New(cfg config.RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:         cfg.Path,
		locker:       lockfile.New(),
		lockRetries:  cfg.LockRetries,
		lockBackoff:  cfg.LockBackoff,
		probeTimeout: cfg.ProbeTimeout,
		logger:       log.WithComponent(logger, "registry"),
	}
}

// Path returns the backing file location.
func (r *Registry) Path() string {
	return r.path
}

// Register upserts the record under its key. Registering the same
// (name, transport, port) again replaces the stored record in place.
func (r *Registry) Register(rec ServiceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	err := r.update(func(records map[string]ServiceRecord) error {
		records[rec.Key()] = rec
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("service registered",
		log.String(log.ServiceKey, rec.Name),
		log.String(log.TransportKey, string(rec.Transport)),
		log.Int("port", rec.Port),
	)
	return nil
}

// Unregister removes the record stored under key, reporting whether it
// existed.
func (r *Registry) Unregister(key string) (bool, error) {
	removed := false
	err := r.update(func(records map[string]ServiceRecord) error {
		_, removed = records[key]
		delete(records, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// UnregisterName removes every record carrying the logical name, across all
// transports and ports, returning the removed records.
func (r *Registry) UnregisterName(name string) ([]ServiceRecord, error) {
	var removed []ServiceRecord
	err := r.update(func(records map[string]ServiceRecord) error {
		for key, rec := range records {
			if rec.Name == name {
				removed = append(removed, rec)
				delete(records, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// List returns a snapshot of all records. Reads take no lock; persistence
// is by atomic rename, so a snapshot is always complete.
func (r *Registry) List() (map[string]ServiceRecord, error) {
	return r.load()
}

// Lookup returns every record carrying the logical name.
func (r *Registry) Lookup(name string) ([]ServiceRecord, error) {
	records, err := r.load()
	if err != nil {
		return nil, err
	}

	var out []ServiceRecord
	for _, rec := range records {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MostRecent returns the newest record for (name, transport) by StartedAt.
// The port allocator uses it to hand a restarting service its previous
// port back.
func (r *Registry) MostRecent(name string, transport config.Transport) (ServiceRecord, bool, error) {
	records, err := r.load()
	if err != nil {
		return ServiceRecord{}, false, err
	}

	var (
		best  ServiceRecord
		found bool
	)
	for _, rec := range records {
		if rec.Name != name || rec.Transport != transport {
			continue
		}
		if !found || rec.StartedAt.After(best.StartedAt) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

// ClaimedPorts returns the set of ports held by any registered record,
// regardless of liveness.
func (r *Registry) ClaimedPorts() (map[int]bool, error) {
	records, err := r.load()
	if err != nil {
		return nil, err
	}

	claimed := make(map[int]bool)
	for _, rec := range records {
		if rec.Port > 0 {
			claimed[rec.Port] = true
		}
	}
	return claimed, nil
}

// ClearDead removes every record that fails its liveness check and returns
// the removed keys. Remote records inherit the conservative probe bias, so
// in practice only confirmed-dead entries go.
func (r *Registry) ClearDead() ([]string, error) {
	return r.clearDead(false)
}

// ClearDeadLocal is the bulk-sweep variant restricted to local records.
// Remote records survive every sweep and leave only by explicit
// unregistration.
func (r *Registry) ClearDeadLocal() ([]string, error) {
	return r.clearDead(true)
}

// clearDead probes from an unlocked snapshot first, then deletes under the
// lock, skipping any record that was re-registered since its probe. Probing
// under the lock would stall every writer for the full probe timeout per
// dead record.
func (r *Registry) clearDead(localOnly bool) ([]string, error) {
	snapshot, err := r.load()
	if err != nil {
		// A sweep that cannot read its input deletes nothing.
		return nil, err
	}

	dead := make(map[string]time.Time)
	for key, rec := range snapshot {
		if localOnly && !rec.IsLocal() {
			continue
		}
		if r.IsAlive(rec) {
			continue
		}
		dead[key] = rec.StartedAt
	}
	if len(dead) == 0 {
		return nil, nil
	}

	var removed []string
	err = r.update(func(records map[string]ServiceRecord) error {
		for key, startedAt := range dead {
			current, ok := records[key]
			if !ok || !current.StartedAt.Equal(startedAt) {
				// Re-registered since the probe; leave it alone.
				continue
			}
			delete(records, key)
			removed = append(removed, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		r.logger.Info("pruned dead registry records",
			log.Int("count", len(removed)),
			log.Bool("local_only", localOnly),
		)
	}
	return removed, nil
}

// update runs fn against freshly loaded on-disk state under the
// cross-process file lock and persists the result atomically. Loading
// inside the lock is what lets concurrent writers merge.
func (r *Registry) update(fn func(map[string]ServiceRecord) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	lock, err := r.acquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	records, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(records); err != nil {
		return err
	}
	return r.persist(records)
}

// acquireLock takes the sidecar lock with bounded linear backoff: attempt n
// waits n times the base delay. The lock lives beside the data file, never
// on it, because persist replaces the data file by rename and a lock on a
// renamed-away inode guards nothing.
func (r *Registry) acquireLock() (lockfile.Lock, error) {
	lockPath := r.path + ".lock"

	for attempt := 1; ; attempt++ {
		lock, err := r.locker.TryAcquire(lockPath)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, lockfile.ErrLocked) {
			return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		if attempt >= r.lockRetries {
			return nil, fmt.Errorf("%w after %d attempts", ErrLockContended, attempt)
		}
		time.Sleep(time.Duration(attempt) * r.lockBackoff)
	}
}

func (r *Registry) load() (map[string]ServiceRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]ServiceRecord), nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	if len(data) == 0 {
		return make(map[string]ServiceRecord), nil
	}

	var records map[string]ServiceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if records == nil {
		records = make(map[string]ServiceRecord)
	}
	return records, nil
}

func (r *Registry) persist(records map[string]ServiceRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	// Write-then-rename keeps readers from ever seeing a torn file.
	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
