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

// Package secrets stores and resolves credentials for managed services.
// Service definitions reference secrets as secret://name in environment
// values; the supervisor expands them at spawn time through a
// priority-ordered chain of backends so the plaintext never lands in the
// service config or the registry.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a secret key does not exist in the backend.
	ErrNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in the
	// current environment.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReadOnly is returned when attempting to modify a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")
)

// Standard backend priorities. Higher is checked first.
const (
	EnvPriority     = 100
	KeyringPriority = 50
	FilePriority    = 25
)

// Backend provides storage for sensitive values. Backends are queried in
// priority order by the Resolver.
type Backend interface {
	// Name returns the backend identifier (e.g. "keyring", "env", "file").
	Name() string

	// Get retrieves a secret by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a secret. Returns ErrReadOnly if not supported.
	Set(ctx context.Context, key, value string) error

	// Delete removes a secret. Returns ErrNotFound if not present and
	// ErrReadOnly if not supported.
	Delete(ctx context.Context, key string) error

	// List returns all secret keys (not values) managed by this backend.
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend is usable right now. The
	// keyring backend returns false when the keyring service is locked or
	// missing.
	Available() bool

	// Priority returns the resolution priority (higher = checked first).
	Priority() int
}

// Metadata describes a stored secret without exposing its value.
type Metadata struct {
	Key     string `json:"key"`
	Backend string `json:"backend"`
}
