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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Proxy.Port != 9800 {
		t.Errorf("expected default proxy port 9800, got %d", cfg.Proxy.Port)
	}
	if cfg.Registry.LockRetries != 5 {
		t.Errorf("expected 5 lock retries, got %d", cfg.Registry.LockRetries)
	}
	if cfg.Supervisor.MonitorInterval != 30*time.Second {
		t.Errorf("expected 30s monitor interval, got %v", cfg.Supervisor.MonitorInterval)
	}
	if !cfg.Proxy.RateLimit.Enabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.Proxy.Tracing.Enabled {
		t.Error("expected tracing disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
proxy:
  port: 9999
supervisor:
  monitor_interval: 10s
services:
  filesvc:
    command: /usr/local/bin/filesvc
    args: ["--host", "{host}", "--port", "{port}"]
    transport: http
    auto_start: true
  notes:
    command: notes-server
    transport: sse
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Proxy.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Proxy.Port)
	}
	if cfg.Proxy.Host != "127.0.0.1" {
		t.Errorf("expected default host filled in, got %q", cfg.Proxy.Host)
	}
	if cfg.Supervisor.MonitorInterval != 10*time.Second {
		t.Errorf("expected 10s monitor interval, got %v", cfg.Supervisor.MonitorInterval)
	}

	svc, ok := cfg.Services["filesvc"]
	if !ok {
		t.Fatal("expected filesvc service entry")
	}
	if svc.Transport != TransportHTTP {
		t.Errorf("expected http transport, got %q", svc.Transport)
	}
	if !svc.AutoStart {
		t.Error("expected auto_start true")
	}
	if svc.RestartPolicy != RestartOnFailure {
		t.Errorf("expected default restart policy on-failure, got %q", svc.RestartPolicy)
	}
	if svc.Host != "127.0.0.1" {
		t.Errorf("expected default host, got %q", svc.Host)
	}

	notes := cfg.Services["notes"]
	if notes.Transport != TransportSSE {
		t.Errorf("expected sse transport, got %q", notes.Transport)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("TOOLMESH_PROXY_PORT", "12345")
	os.Setenv("TOOLMESH_REGISTRY_PATH", "/tmp/reg.json")
	defer func() {
		os.Unsetenv("TOOLMESH_PROXY_PORT")
		os.Unsetenv("TOOLMESH_REGISTRY_PATH")
	}()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Proxy.Port != 12345 {
		t.Errorf("expected env-overridden port 12345, got %d", cfg.Proxy.Port)
	}
	if cfg.Registry.Path != "/tmp/reg.json" {
		t.Errorf("expected env-overridden registry path, got %q", cfg.Registry.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name: "bad service name",
			mutate: func(c *Config) {
				c.Services["9bad"] = ServiceEntry{Command: "x", Transport: TransportHTTP, RestartPolicy: RestartNever}
			},
			wantErr: "is invalid",
		},
		{
			name: "missing command",
			mutate: func(c *Config) {
				c.Services["svc"] = ServiceEntry{Transport: TransportHTTP, RestartPolicy: RestartNever}
			},
			wantErr: "command is required",
		},
		{
			name: "bad transport",
			mutate: func(c *Config) {
				c.Services["svc"] = ServiceEntry{Command: "x", Transport: "websocket", RestartPolicy: RestartNever}
			},
			wantErr: "transport must be one of",
		},
		{
			name: "auth enabled without secret",
			mutate: func(c *Config) {
				c.Proxy.Auth.Enabled = true
			},
			wantErr: "jwt_secret is required",
		},
		{
			name: "otlp tracing without endpoint",
			mutate: func(c *Config) {
				c.Proxy.Tracing.Enabled = true
				c.Proxy.Tracing.Exporter = "otlp"
			},
			wantErr: "endpoint is required",
		},
		{
			name: "bad proxy port",
			mutate: func(c *Config) {
				c.Proxy.Port = 99999
			},
			wantErr: "proxy.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid config, got: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestServiceNameRegex(t *testing.T) {
	valid := []string{"a", "filesvc", "dev-tools", "svc_2", "A" + strings.Repeat("b", 63)}
	invalid := []string{"", "9abc", "-abc", "has space", "has.dot", "A" + strings.Repeat("b", 64)}

	for _, name := range valid {
		if !ServiceNameRegex.MatchString(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range invalid {
		if ServiceNameRegex.MatchString(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Proxy.Port = 9123
	cfg.Services["demo"] = ServiceEntry{
		Command:       "demo-server",
		Transport:     TransportHTTP,
		Host:          "127.0.0.1",
		AutoStart:     true,
		RestartPolicy: RestartAlways,
	}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loaded.Proxy.Port != 9123 {
		t.Errorf("expected port 9123 after round trip, got %d", loaded.Proxy.Port)
	}
	svc := loaded.Services["demo"]
	if svc.Command != "demo-server" || svc.RestartPolicy != RestartAlways {
		t.Errorf("service entry did not survive round trip: %+v", svc)
	}
}

func TestProxyURL(t *testing.T) {
	cfg := Default()
	if got := cfg.ProxyURL(); got != "http://127.0.0.1:9800" {
		t.Errorf("expected default proxy URL, got %q", got)
	}

	os.Setenv("TOOLMESH_PROXY_URL", "http://localhost:9999/")
	defer os.Unsetenv("TOOLMESH_PROXY_URL")

	if got := cfg.ProxyURL(); got != "http://localhost:9999" {
		t.Errorf("expected env override without trailing slash, got %q", got)
	}
}

func TestTransport(t *testing.T) {
	if !TransportHTTP.Network() || !TransportSSE.Network() {
		t.Error("http and sse should be network transports")
	}
	if TransportStdio.Network() {
		t.Error("stdio should not be a network transport")
	}
	if Transport("grpc").Valid() {
		t.Error("grpc should not be a valid transport")
	}
}
