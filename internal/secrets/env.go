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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envSecretPrefix marks environment variables that carry secrets.
const envSecretPrefix = "TOOLMESH_SECRET_"

// EnvBackend reads secrets from TOOLMESH_SECRET_* environment variables.
// It is the CI and container escape hatch: highest priority, read-only.
// A secret named "github-token" maps to TOOLMESH_SECRET_GITHUB_TOKEN.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string {
	return "env"
}

// Get retrieves a secret from the environment.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value, ok := os.LookupEnv(normalizeEnvKey(key)); ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Set is not supported; the process environment is not writable storage.
func (e *EnvBackend) Set(ctx context.Context, key, value string) error {
	return fmt.Errorf("%w: env", ErrReadOnly)
}

// Delete is not supported.
func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("%w: env", ErrReadOnly)
}

// List returns the keys of all TOOLMESH_SECRET_* variables.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var keys []string
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envSecretPrefix) {
			continue
		}
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		keys = append(keys, denormalizeEnvKey(name))
	}
	return keys, nil
}

// Available always returns true; the environment always exists.
func (e *EnvBackend) Available() bool {
	return true
}

// Priority returns the backend priority.
func (e *EnvBackend) Priority() int {
	return EnvPriority
}

// ReadOnly marks the backend as non-writable.
func (e *EnvBackend) ReadOnly() bool {
	return true
}

// normalizeEnvKey maps a secret name to its environment variable.
// "github-token" -> "TOOLMESH_SECRET_GITHUB_TOKEN".
func normalizeEnvKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return envSecretPrefix + normalized
}

// denormalizeEnvKey maps an environment variable back to a secret name.
// Underscores become dashes, so a name that originally contained
// underscores comes back with dashes; lookups still match because
// normalization folds both to the same variable.
func denormalizeEnvKey(envVar string) string {
	key := strings.TrimPrefix(envVar, envSecretPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "_", "-")
}
