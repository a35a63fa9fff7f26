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

//go:build !unix

package lockfile

import (
	"log/slog"
	"sync"
)

// fallbackLocker serializes lockers within this process only. Platforms
// without an advisory lock primitive get no cross-process protection; the
// reduced-safety mode is announced once rather than silently degraded.
type fallbackLocker struct {
	mu   sync.Mutex
	held map[string]bool
	warn sync.Once
}

var sharedFallback = &fallbackLocker{held: make(map[string]bool)}

func newPlatformLocker() Locker {
	return sharedFallback
}

func (l *fallbackLocker) TryAcquire(path string) (Lock, error) {
	l.warn.Do(func() {
		slog.Default().Warn("no advisory file lock primitive on this platform; registry writes are only serialized within this process")
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[path] {
		return nil, ErrLocked
	}
	l.held[path] = true

	return &fallbackLock{locker: l, path: path}, nil
}

type fallbackLock struct {
	locker *fallbackLocker
	path   string
	once   sync.Once
}

func (l *fallbackLock) Release() error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.path)
		l.locker.mu.Unlock()
	})
	return nil
}
