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

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the XDG config directory for toolmesh.
// On Unix and macOS: ~/.config/toolmesh
// Respects the XDG_CONFIG_HOME environment variable.
func ConfigDir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		// macOS follows XDG here too, even though Library/Application
		// Support is more idiomatic.
		base = filepath.Join(home, ".config")
	}

	configDir := filepath.Join(base, "toolmesh")

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}

	return configDir, nil
}

// ConfigPath returns the full path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// StateDir returns the XDG state directory for toolmesh. The registry file,
// PID files and per-service logs live here.
// On Unix and macOS: ~/.local/state/toolmesh
// Respects the XDG_STATE_HOME environment variable.
func StateDir() (string, error) {
	var base string

	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}

	stateDir := filepath.Join(base, "toolmesh")

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return "", err
	}

	return stateDir, nil
}

// RegistryPath returns the default path to the service registry file.
func RegistryPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "registry.json"), nil
}

// LogDir returns the directory for per-service log files, creating it if
// needed.
func LogDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", err
	}
	return logDir, nil
}

// PIDDir returns the directory for per-service PID files, creating it if
// needed.
func PIDDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	pidDir := filepath.Join(dir, "run")
	if err := os.MkdirAll(pidDir, 0700); err != nil {
		return "", err
	}
	return pidDir, nil
}

// ResolvePaths fills the path fields a file-less config leaves empty
// (registry file, service log and PID directories) from their XDG
// defaults, creating the directories as a side effect.
func (c *Config) ResolvePaths() error {
	if c.Registry.Path == "" {
		path, err := RegistryPath()
		if err != nil {
			return fmt.Errorf("config: resolve registry path: %w", err)
		}
		c.Registry.Path = path
	}
	if c.Supervisor.LogDir == "" {
		dir, err := LogDir()
		if err != nil {
			return fmt.Errorf("config: resolve log dir: %w", err)
		}
		c.Supervisor.LogDir = dir
	}
	if c.Supervisor.PIDDir == "" {
		dir, err := PIDDir()
		if err != nil {
			return fmt.Errorf("config: resolve pid dir: %w", err)
		}
		c.Supervisor.PIDDir = dir
	}
	return nil
}

// EventsPath returns the default path to the lifecycle events database.
func EventsPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.db"), nil
}
