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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	// ServiceNameRegex validates service names. Names must start with a
	// letter and may contain letters, digits, hyphens and underscores, up
	// to 64 characters total.
	ServiceNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)
)

// Transport identifies how a tool server exchanges MCP messages.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// Network reports whether the transport is network-facing (binds a port).
func (t Transport) Network() bool {
	return t == TransportHTTP || t == TransportSSE
}

// RestartPolicy controls when the supervisor restarts a service.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Config represents the complete toolmesh configuration.
type Config struct {
	Log        LogConfig               `yaml:"log"`
	Registry   RegistryConfig          `yaml:"registry"`
	Proxy      ProxyConfig             `yaml:"proxy"`
	Supervisor SupervisorConfig        `yaml:"supervisor"`
	Services   map[string]ServiceEntry `yaml:"services,omitempty"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// RegistryConfig configures the persisted service registry.
type RegistryConfig struct {
	// Path is the registry file location.
	// Environment: TOOLMESH_REGISTRY_PATH
	// Default: ~/.local/state/toolmesh/registry.json
	Path string `yaml:"path,omitempty"`

	// LockRetries is how many times a writer retries the file lock before
	// giving up.
	// Default: 5
	LockRetries int `yaml:"lock_retries,omitempty"`

	// LockBackoff is the base delay between lock retries; attempt n waits
	// n * LockBackoff.
	// Default: 100ms
	LockBackoff time.Duration `yaml:"lock_backoff,omitempty"`

	// ProbeTimeout bounds liveness probes (TCP connect, remote HTTP).
	// Default: 2s
	ProbeTimeout time.Duration `yaml:"probe_timeout,omitempty"`
}

// ProxyConfig configures the reverse proxy daemon.
type ProxyConfig struct {
	// Host is the address the proxy binds to.
	// Environment: TOOLMESH_PROXY_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the proxy listen port.
	// Environment: TOOLMESH_PROXY_PORT
	// Default: 9800
	Port int `yaml:"port,omitempty"`

	// ConnectTimeout bounds backend connection establishment. Streaming
	// relays have no read deadline after the connection is up.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// ShutdownTimeout is the maximum duration for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// SessionSweepInterval is how often orphaned session mappings are
	// dropped.
	// Default: 60s
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval,omitempty"`

	// Auth configures optional bearer auth for mutating admin endpoints.
	Auth AuthConfig `yaml:"auth,omitempty"`

	// RateLimit configures registration rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Tracing configures request tracing.
	Tracing TracingConfig `yaml:"tracing,omitempty"`
}

// AuthConfig configures admin endpoint authentication.
// When disabled (the default for a loopback-only proxy), mutating admin
// endpoints accept unauthenticated requests.
type AuthConfig struct {
	// Enabled requires a valid bearer token on register/unregister/reload.
	Enabled bool `yaml:"enabled"`

	// JWTSecret is the HS256 signing secret.
	// Environment: TOOLMESH_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer is the expected token issuer. Empty disables the check.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected token audience. Empty disables the check.
	Audience string `yaml:"audience,omitempty"`
}

// RateLimitConfig configures token-bucket rate limiting on the
// registration endpoint.
type RateLimitConfig struct {
	// Enabled activates rate limiting.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the refill rate per client address.
	// Default: 10
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// Burst is the bucket capacity.
	// Default: 20
	Burst int `yaml:"burst,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing of forwarded requests.
type TracingConfig struct {
	// Enabled activates tracing (default: false).
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter: "console", "otlp" (gRPC) or
	// "otlp-http".
	// Default: console
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address (e.g. "localhost:4317").
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on OTLP export (development only).
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of requests to trace (0.0 - 1.0).
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// SupervisorConfig configures the process supervisor.
type SupervisorConfig struct {
	// MonitorInterval is the period of the restart monitor loop.
	// Default: 30s
	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty"`

	// StartGrace is how long the supervisor waits after spawning before
	// confirming liveness and self-registration.
	// Default: 2s
	StartGrace time.Duration `yaml:"start_grace,omitempty"`

	// StopTimeout is how long a service gets to exit after SIGTERM before
	// SIGKILL.
	// Default: 5s
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// PortRangeStart is the first port considered by the allocator.
	// Default: 10000
	PortRangeStart int `yaml:"port_range_start,omitempty"`

	// PortMaxAttempts bounds the allocator's linear scan.
	// Default: 100
	PortMaxAttempts int `yaml:"port_max_attempts,omitempty"`

	// LogDir overrides the per-service log directory.
	LogDir string `yaml:"log_dir,omitempty"`

	// PIDDir overrides the per-service PID file directory.
	PIDDir string `yaml:"pid_dir,omitempty"`
}

// ServiceEntry defines a managed tool server.
type ServiceEntry struct {
	// Command is the executable to run.
	Command string `yaml:"command"`

	// Args are command arguments. The placeholders {host}, {port} and
	// {transport} are substituted at spawn time.
	Args []string `yaml:"args,omitempty"`

	// Env is extra environment for the process. Values of the form
	// secret://name are resolved through the secret store at spawn time.
	Env map[string]string `yaml:"env,omitempty"`

	// Transport is how the service speaks MCP (stdio, http, sse).
	// Default: http
	Transport Transport `yaml:"transport,omitempty"`

	// Host overrides the bind host for this service.
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port pins a fixed port. 0 lets the allocator choose.
	Port int `yaml:"port,omitempty"`

	// AutoStart starts this service when the supervisor boots.
	AutoStart bool `yaml:"auto_start"`

	// RestartPolicy controls monitor-loop restarts (always, on-failure,
	// never).
	// Default: on-failure
	RestartPolicy RestartPolicy `yaml:"restart_policy,omitempty"`

	// MaxRestartAttempts caps consecutive restart attempts. 0 means
	// unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts,omitempty"`

	// SourcePath is a diagnostic pointer to the service's source tree.
	SourcePath string `yaml:"source_path,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Registry: RegistryConfig{
			LockRetries:  5,
			LockBackoff:  100 * time.Millisecond,
			ProbeTimeout: 2 * time.Second,
		},
		Proxy: ProxyConfig{
			Host:                 "127.0.0.1",
			Port:                 9800,
			ConnectTimeout:       10 * time.Second,
			ShutdownTimeout:      10 * time.Second,
			SessionSweepInterval: 60 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             20,
			},
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "console",
				SampleRate: 1.0,
			},
		},
		Supervisor: SupervisorConfig{
			MonitorInterval: 30 * time.Second,
			StartGrace:      2 * time.Second,
			StopTimeout:     5 * time.Second,
			PortRangeStart:  10000,
			PortMaxAttempts: 100,
		},
		Services: map[string]ServiceEntry{},
	}
}

// Load loads configuration from a YAML file and the environment.
// Environment variables take precedence over file values. An empty path
// loads defaults plus environment only; a missing file at the default
// location is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from the standard location, tolerating a
// missing file.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Load("")
	}
	return Load(path)
}

// applyDefaults fills zero values with defaults so minimal configs work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Registry.LockRetries == 0 {
		c.Registry.LockRetries = defaults.Registry.LockRetries
	}
	if c.Registry.LockBackoff == 0 {
		c.Registry.LockBackoff = defaults.Registry.LockBackoff
	}
	if c.Registry.ProbeTimeout == 0 {
		c.Registry.ProbeTimeout = defaults.Registry.ProbeTimeout
	}

	if c.Proxy.Host == "" {
		c.Proxy.Host = defaults.Proxy.Host
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = defaults.Proxy.Port
	}
	if c.Proxy.ConnectTimeout == 0 {
		c.Proxy.ConnectTimeout = defaults.Proxy.ConnectTimeout
	}
	if c.Proxy.ShutdownTimeout == 0 {
		c.Proxy.ShutdownTimeout = defaults.Proxy.ShutdownTimeout
	}
	if c.Proxy.SessionSweepInterval == 0 {
		c.Proxy.SessionSweepInterval = defaults.Proxy.SessionSweepInterval
	}
	if c.Proxy.RateLimit.RequestsPerSecond == 0 {
		c.Proxy.RateLimit.RequestsPerSecond = defaults.Proxy.RateLimit.RequestsPerSecond
	}
	if c.Proxy.RateLimit.Burst == 0 {
		c.Proxy.RateLimit.Burst = defaults.Proxy.RateLimit.Burst
	}
	if c.Proxy.Tracing.Exporter == "" {
		c.Proxy.Tracing.Exporter = defaults.Proxy.Tracing.Exporter
	}
	if c.Proxy.Tracing.SampleRate == 0 {
		c.Proxy.Tracing.SampleRate = defaults.Proxy.Tracing.SampleRate
	}

	if c.Supervisor.MonitorInterval == 0 {
		c.Supervisor.MonitorInterval = defaults.Supervisor.MonitorInterval
	}
	if c.Supervisor.StartGrace == 0 {
		c.Supervisor.StartGrace = defaults.Supervisor.StartGrace
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = defaults.Supervisor.StopTimeout
	}
	if c.Supervisor.PortRangeStart == 0 {
		c.Supervisor.PortRangeStart = defaults.Supervisor.PortRangeStart
	}
	if c.Supervisor.PortMaxAttempts == 0 {
		c.Supervisor.PortMaxAttempts = defaults.Supervisor.PortMaxAttempts
	}

	if c.Services == nil {
		c.Services = map[string]ServiceEntry{}
	}
	for name, svc := range c.Services {
		if svc.Transport == "" {
			svc.Transport = TransportHTTP
		}
		if svc.Host == "" {
			svc.Host = "127.0.0.1"
		}
		if svc.RestartPolicy == "" {
			svc.RestartPolicy = RestartOnFailure
		}
		c.Services[name] = svc
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("TOOLMESH_REGISTRY_PATH"); val != "" {
		c.Registry.Path = val
	}
	if val := os.Getenv("TOOLMESH_PROXY_HOST"); val != "" {
		c.Proxy.Host = val
	}
	if val := os.Getenv("TOOLMESH_PROXY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Proxy.Port = port
		}
	}
	if val := os.Getenv("TOOLMESH_JWT_SECRET"); val != "" {
		c.Proxy.Auth.JWTSecret = val
	}
	if val := os.Getenv("TOOLMESH_MONITOR_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Supervisor.MonitorInterval = d
		}
	}
}

// ProxyURL returns the base URL of the proxy, honoring the
// TOOLMESH_PROXY_URL override.
func (c *Config) ProxyURL() string {
	if val := os.Getenv("TOOLMESH_PROXY_URL"); val != "" {
		return strings.TrimRight(val, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Proxy.Host, c.Proxy.Port)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Sprintf("proxy.port must be between 1 and 65535, got %d", c.Proxy.Port))
	}
	if c.Proxy.Auth.Enabled && c.Proxy.Auth.JWTSecret == "" {
		errs = append(errs, "proxy.auth.jwt_secret is required when proxy.auth.enabled is true")
	}

	validExporters := map[string]bool{"console": true, "otlp": true, "otlp-http": true}
	if c.Proxy.Tracing.Enabled {
		if !validExporters[c.Proxy.Tracing.Exporter] {
			errs = append(errs, fmt.Sprintf("proxy.tracing.exporter must be one of [console, otlp, otlp-http], got %q", c.Proxy.Tracing.Exporter))
		}
		if c.Proxy.Tracing.Exporter != "console" && c.Proxy.Tracing.Endpoint == "" {
			errs = append(errs, "proxy.tracing.endpoint is required for OTLP exporters")
		}
		if c.Proxy.Tracing.SampleRate < 0 || c.Proxy.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("proxy.tracing.sample_rate must be between 0.0 and 1.0, got %v", c.Proxy.Tracing.SampleRate))
		}
	}

	if c.Supervisor.PortRangeStart < 1024 || c.Supervisor.PortRangeStart > 65535 {
		errs = append(errs, fmt.Sprintf("supervisor.port_range_start must be between 1024 and 65535, got %d", c.Supervisor.PortRangeStart))
	}

	for name, svc := range c.Services {
		if !ServiceNameRegex.MatchString(name) {
			errs = append(errs, fmt.Sprintf("service name %q is invalid: must match %s", name, ServiceNameRegex.String()))
		}
		if svc.Command == "" {
			errs = append(errs, fmt.Sprintf("services.%s.command is required", name))
		}
		if !svc.Transport.Valid() {
			errs = append(errs, fmt.Sprintf("services.%s.transport must be one of [stdio, http, sse], got %q", name, svc.Transport))
		}
		if svc.Port != 0 && (svc.Port < 1 || svc.Port > 65535) {
			errs = append(errs, fmt.Sprintf("services.%s.port must be between 1 and 65535, got %d", name, svc.Port))
		}
		switch svc.RestartPolicy {
		case RestartAlways, RestartOnFailure, RestartNever:
		default:
			errs = append(errs, fmt.Sprintf("services.%s.restart_policy must be one of [always, on-failure, never], got %q", name, svc.RestartPolicy))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}

	return nil
}
