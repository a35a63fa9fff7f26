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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters for deriving the AES key from the master key.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // 256 bits for AES-256

	gcmNonceSize = 12
	saltSize     = 16

	// MasterKeyEnv names the environment variable supplying the file
	// backend's master key when none is passed explicitly.
	MasterKeyEnv = "TOOLMESH_MASTER_KEY"
)

// FileBackend stores secrets in a single AES-256-GCM encrypted file. The
// encryption key is derived from a master key with Argon2id; every save
// uses a fresh salt and nonce. Intended for hosts without a usable system
// keyring.
type FileBackend struct {
	path      string
	masterKey []byte

	mu sync.Mutex
}

// encryptedFile is the on-disk envelope around the secret map.
type encryptedFile struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// NewFileBackend creates a file backend at path. The master key comes from
// masterKey, or from TOOLMESH_MASTER_KEY when masterKey is empty.
func NewFileBackend(path, masterKey string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("secret file path is required")
	}
	if masterKey == "" {
		masterKey = os.Getenv(MasterKeyEnv)
	}
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required (set %s)", MasterKeyEnv)
	}

	return &FileBackend{
		path:      path,
		masterKey: []byte(masterKey),
	}, nil
}

// Name returns the backend identifier.
func (f *FileBackend) Name() string {
	return "file"
}

// Get retrieves a secret from the encrypted file.
func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := stored[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

// Set stores a secret, rewriting the whole file under a fresh salt and
// nonce.
func (f *FileBackend) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.load()
	if err != nil {
		return err
	}
	stored[key] = value
	return f.save(stored)
}

// Delete removes a secret.
func (f *FileBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := stored[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(stored, key)
	return f.save(stored)
}

// List returns the stored secret keys, sorted.
func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(stored))
	for key := range stored {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available reports whether a master key is configured.
func (f *FileBackend) Available() bool {
	return len(f.masterKey) > 0
}

// Priority returns the backend priority.
func (f *FileBackend) Priority() int {
	return FilePriority
}

// load reads and decrypts the secret map. A missing file is an empty map.
func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	var envelope encryptedFile
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse secret file: %w", err)
	}

	key := argon2.IDKey(f.masterKey, envelope.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret file (wrong master key?): %w", err)
	}

	stored := make(map[string]string)
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted secrets: %w", err)
	}
	return stored, nil
}

// save encrypts and writes the secret map with 0600 permissions.
func (f *FileBackend) save(stored map[string]string) error {
	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	envelope := encryptedFile{
		Version: 1,
		Salt:    salt,
		Nonce:   nonce,
		Data:    gcm.Seal(nil, nonce, plaintext, nil),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal secret file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create secret directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}
