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

// Package lockfile provides an advisory exclusive lock on a filesystem path,
// used to serialize registry writers across OS processes.
//
// The lock target must be a dedicated sidecar file that is never renamed or
// replaced; locking a file that is atomically swapped via rename would leave
// later lockers holding a lock on a dead inode.
package lockfile

import "errors"

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lockfile: already locked")

// Lock is a held advisory lock. Release must be called exactly once.
type Lock interface {
	Release() error
}

// Locker acquires advisory exclusive locks on paths.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking. It returns
	// ErrLocked when the lock is held elsewhere.
	TryAcquire(path string) (Lock, error)
}

// New returns the platform's locker. On platforms without an advisory lock
// primitive this is a process-local fallback that logs a reduced-safety
// warning on first use.
func New() Locker {
	return newPlatformLocker()
}
