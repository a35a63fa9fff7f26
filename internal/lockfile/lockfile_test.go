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

//go:build unix

package lockfile

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestTryAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json.lock")
	locker := New()

	lock, err := locker.TryAcquire(path)
	if err != nil {
		t.Fatalf("first TryAcquire failed: %v", err)
	}

	// flock is per open file description, so a second open in the same
	// process still contends.
	if _, err := locker.TryAcquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryAcquire: expected ErrLocked, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	lock2, err := locker.TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire after release failed: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
}

func TestTryAcquire_CreatesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir.lock")

	lock, err := New().TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	defer lock.Release()
}

func TestTryAcquire_BadPath(t *testing.T) {
	_, err := New().TryAcquire(filepath.Join(t.TempDir(), "no-such-dir", "x.lock"))
	if err == nil {
		t.Fatal("expected error for unreachable path")
	}
	if errors.Is(err, ErrLocked) {
		t.Fatal("open failure must not be reported as contention")
	}
}
