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
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used for all keyring entries.
const keyringService = "toolmesh"

// KeyringBackend stores secrets in the operating system keyring.
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type KeyringBackend struct {
	available bool
}

// NewKeyringBackend creates a keyring backend, probing availability with a
// lookup of a key that never exists. Anything other than a clean not-found
// means the keyring is locked or the service is missing.
func NewKeyringBackend() *KeyringBackend {
	backend := &KeyringBackend{available: true}

	_, err := keyring.Get(keyringService, "__toolmesh_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		backend.available = false
	}
	return backend
}

// Name returns the backend identifier.
func (k *KeyringBackend) Name() string {
	return "keyring"
}

// Get retrieves a secret from the system keyring.
func (k *KeyringBackend) Get(ctx context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	value, err := keyring.Get(keyringService, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if isKeyringUnavailableError(err) {
			return "", fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return "", fmt.Errorf("keyring error: %w", err)
	}
	return value, nil
}

// Set stores a secret in the system keyring.
func (k *KeyringBackend) Set(ctx context.Context, key, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	if err := keyring.Set(keyringService, key, value); err != nil {
		if isKeyringUnavailableError(err) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

// Delete removes a secret from the system keyring.
func (k *KeyringBackend) Delete(ctx context.Context, key string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	if err := keyring.Delete(keyringService, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if isKeyringUnavailableError(err) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

// List returns an empty list; the underlying keyring APIs cannot enumerate
// entries on every platform, so listing is served by the other backends.
func (k *KeyringBackend) List(ctx context.Context) ([]string, error) {
	if !k.available {
		return nil, fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}
	return []string{}, nil
}

// Available reports whether the keyring service answered the probe.
func (k *KeyringBackend) Available() bool {
	return k.available
}

// Priority returns the backend priority.
func (k *KeyringBackend) Priority() int {
	return KeyringPriority
}

// isKeyringUnavailableError checks if an error indicates the keyring is
// locked or inaccessible rather than a per-key failure.
func isKeyringUnavailableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	indicators := []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	}
	for _, indicator := range indicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}
