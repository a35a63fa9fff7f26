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
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RefScheme prefixes secret references in service environment values.
// An env value of exactly "secret://github-token" is replaced with the
// stored secret at spawn time; anything else passes through untouched.
const RefScheme = "secret://"

// IsRef reports whether value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefScheme)
}

// RefName extracts the secret name from a reference. Returns "" when value
// is not a reference.
func RefName(value string) string {
	if !IsRef(value) {
		return ""
	}
	return strings.TrimPrefix(value, RefScheme)
}

// Resolver queries a chain of backends in priority order. Unavailable
// backends are dropped at construction.
type Resolver struct {
	backends []Backend
}

// NewResolver creates a resolver over the given backends, highest priority
// first.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b != nil && b.Available() {
			available = append(available, b)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})
	return &Resolver{backends: available}
}

// Get returns the first hit across the chain. Backends that fail with
// something other than not-found are skipped, not fatal: a locked keyring
// must not mask a secret present in a lower backend.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no secret backends configured", ErrBackendUnavailable)
	}

	var lastErr error
	for _, b := range r.backends {
		value, err := b.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w (last backend error: %v)", ErrNotFound, lastErr)
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Set stores a secret in the named backend, or in the highest-priority
// writable backend when backendName is empty.
func (r *Resolver) Set(ctx context.Context, key, value, backendName string) error {
	if backendName != "" {
		b, err := r.backend(backendName)
		if err != nil {
			return err
		}
		return b.Set(ctx, key, value)
	}

	for _, b := range r.backends {
		if readOnly(b) {
			continue
		}
		return b.Set(ctx, key, value)
	}
	return fmt.Errorf("%w: no writable secret backend", ErrBackendUnavailable)
}

// Delete removes a secret from the named backend, or from every writable
// backend that holds it when backendName is empty.
func (r *Resolver) Delete(ctx context.Context, key, backendName string) error {
	if backendName != "" {
		b, err := r.backend(backendName)
		if err != nil {
			return err
		}
		return b.Delete(ctx, key)
	}

	deleted := false
	for _, b := range r.backends {
		if readOnly(b) {
			continue
		}
		err := b.Delete(ctx, key)
		if err == nil {
			deleted = true
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List merges key listings across the chain, deduplicated with the
// highest-priority backend winning.
func (r *Resolver) List(ctx context.Context) ([]Metadata, error) {
	seen := make(map[string]bool)
	var out []Metadata

	for _, b := range r.backends {
		keys, err := b.List(ctx)
		if err != nil {
			// A backend that cannot enumerate still resolves gets.
			continue
		}
		for _, key := range keys {
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Metadata{Key: key, Backend: b.Name()})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Backends returns the active chain, highest priority first.
func (r *Resolver) Backends() []Backend {
	return r.backends
}

// Expand resolves value when it is a secret reference and passes it
// through otherwise.
func (r *Resolver) Expand(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name := RefName(value)
	if name == "" {
		return "", fmt.Errorf("empty secret reference %q", value)
	}
	resolved, err := r.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s%s: %w", RefScheme, name, err)
	}
	return resolved, nil
}

// ExpandEnv resolves every secret reference in a service environment map,
// returning a new map. One unresolvable reference fails the whole spawn;
// starting a service with a missing credential just moves the failure
// somewhere harder to read.
func (r *Resolver) ExpandEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for name, value := range env {
		expanded, err := r.Expand(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", name, err)
		}
		out[name] = expanded
	}
	return out, nil
}

func (r *Resolver) backend(name string) (Backend, error) {
	for _, b := range r.backends {
		if b.Name() == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: backend %q not configured", ErrBackendUnavailable, name)
}

func readOnly(b Backend) bool {
	ro, ok := b.(interface{ ReadOnly() bool })
	return ok && ro.ReadOnly()
}
