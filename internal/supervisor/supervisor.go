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

// Package supervisor starts, stops, monitors and cleans up the tool server
// processes named in the configuration.
//
// The supervisor itself holds no authoritative state: a service's identity
// lives in its PID file and its registry record, both of which survive
// supervisor restarts. Every operation re-derives the current state from
// those two sources, so concurrent supervisors (CLI invocations racing a
// daemon) converge instead of fighting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/log"
	"github.com/tombee/toolmesh/internal/ports"
	"github.com/tombee/toolmesh/internal/registry"
	"github.com/tombee/toolmesh/internal/secrets"
)

const (
	// confirmPoll is how often the grace window re-checks the child.
	confirmPoll = 100 * time.Millisecond

	// zombieGrace is the termination grace for orphans found by cleanup.
	zombieGrace = 2 * time.Second
)

// State describes the observed condition of one service.
type State string

const (
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
)

// ServiceStatus is one row of the status listing.
type ServiceStatus struct {
	Name       string           `json:"name"`
	Transport  config.Transport `json:"transport"`
	Host       string           `json:"host,omitempty"`
	Port       int              `json:"port,omitempty"`
	PID        int              `json:"pid,omitempty"`
	State      State            `json:"state"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	LogPath    string           `json:"log_path,omitempty"`
	Configured bool             `json:"configured"`
	AutoStart  bool             `json:"auto_start,omitempty"`
}

// StartResult reports the outcome of a successful Start.
type StartResult struct {
	Name           string           `json:"name"`
	Transport      config.Transport `json:"transport"`
	Host           string           `json:"host,omitempty"`
	Port           int              `json:"port,omitempty"`
	PID            int              `json:"pid"`
	LogPath        string           `json:"log_path"`
	AlreadyRunning bool             `json:"already_running"`
}

// Supervisor manages the lifecycle of configured tool servers.
type Supervisor struct {
	cfg      *config.Config
	reg      *registry.Registry
	alloc    *ports.Allocator
	resolver *secrets.Resolver
	recorder events.Recorder
	logger   *slog.Logger

	// mu serializes start/stop transitions within this process. Cross-process
	// races are absorbed by the PID file O_EXCL+flock protocol and the
	// registry's own locking.
	mu sync.Mutex

	// restart bookkeeping for the monitor loop.
	stateMu  sync.Mutex
	restarts map[string]*restartState
}

// New builds a supervisor over the given configuration and registry.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "supervisor")
	return &Supervisor{
		cfg:      cfg,
		reg:      reg,
		alloc:    ports.NewAllocator(reg, "127.0.0.1", logger),
		recorder: events.Nop{},
		logger:   logger,
		restarts: map[string]*restartState{},
	}
}

// WithSecrets enables secret:// expansion of service environments.
func (s *Supervisor) WithSecrets(r *secrets.Resolver) *Supervisor {
	s.resolver = r
	return s
}

// WithRecorder routes lifecycle events to the given journal.
func (s *Supervisor) WithRecorder(r events.Recorder) *Supervisor {
	if r != nil {
		s.recorder = r
	}
	return s
}

// Start brings the named service up. It is idempotent: a running healthy
// service is a no-op success. A present-but-unhealthy service is force
// stopped and cleaned up before the fresh start.
func (s *Supervisor) Start(ctx context.Context, name string) (*StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, name)
}

func (s *Supervisor) startLocked(ctx context.Context, name string) (*StartResult, error) {
	entry, ok := s.cfg.Services[name]
	if !ok {
		return nil, ErrServiceNotFound(name)
	}

	logger := log.WithService(s.logger, name, string(entry.Transport))

	if st := s.observe(name, entry); st.State == StateRunning {
		logger.Debug("service already running", log.Int("pid", st.PID))
		return &StartResult{
			Name:           name,
			Transport:      entry.Transport,
			Host:           st.Host,
			Port:           st.Port,
			PID:            st.PID,
			LogPath:        s.logPath(name),
			AlreadyRunning: true,
		}, nil
	} else if st.State == StateUnhealthy {
		logger.Warn("service unhealthy, forcing a clean restart", log.Int("pid", st.PID))
		if err := s.stopLocked(ctx, name, true); err != nil {
			var nr *Error
			if !errors.As(err, &nr) || nr.Code != ErrorCodeNotRunning {
				return nil, ErrStartFailed(name, err)
			}
		}
	}

	binary, err := resolveCommand(entry.Command)
	if err != nil {
		return nil, ErrCommandNotFound(name, entry.Command)
	}

	host := entry.Host
	port := 0
	if entry.Transport.Network() {
		port, err = s.allocatePort(name, entry)
		if err != nil {
			return nil, ErrPortExhausted(name, err)
		}
	}

	env, err := s.buildEnv(ctx, name, entry, host, port)
	if err != nil {
		return nil, ErrSecretResolution(name, err)
	}
	args := substitutePlaceholders(entry.Args, entry.Transport, host, port)

	logPath := s.logPath(name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, ErrStartFailed(name, fmt.Errorf("create log directory: %w", err))
	}

	spawnedAt := time.Now()
	spawner := lifecycle.NewSpawner().AppendEnv(env...)
	if entry.SourcePath != "" {
		spawner = spawner.WithDir(entry.SourcePath)
	}
	pid, err := spawner.SpawnDetached(binary, args, logPath)
	if err != nil {
		return nil, ErrStartFailed(name, err)
	}

	logger.Info("spawned service",
		log.Int("pid", pid),
		log.Int("port", port),
		log.String("log_path", logPath))

	pidFile := lifecycle.NewPIDFileManager(s.pidPath(name, entry.Transport))
	if err := pidFile.Overwrite(pid); err != nil {
		logger.Warn("could not write pid file", log.Error(err))
	}

	if err := s.confirmStart(ctx, name, entry, pid, port, spawnedAt); err != nil {
		// Roll back so a failed start leaves no trace.
		_ = lifecycle.TerminateTree(pid, s.stopTimeout())
		_ = pidFile.Remove()
		s.record(ctx, events.Event{
			Type:    events.TypeServiceCrashed,
			Service: name, Transport: string(entry.Transport), Port: port, PID: pid,
			Message: "did not become ready",
		})
		return nil, ErrConfirmFailed(name, logPath, err)
	}

	s.record(ctx, events.Event{
		Type:    events.TypeServiceStarted,
		Service: name, Transport: string(entry.Transport), Port: port, PID: pid,
	})
	return &StartResult{
		Name:      name,
		Transport: entry.Transport,
		Host:      host,
		Port:      port,
		PID:       pid,
		LogPath:   logPath,
	}, nil
}

// StartAll starts every auto-start service, in name order. It keeps going
// past individual failures and returns them joined.
func (s *Supervisor) StartAll(ctx context.Context) ([]*StartResult, error) {
	var (
		results []*StartResult
		errs    []error
	)
	for _, name := range s.configuredNames() {
		if !s.cfg.Services[name].AutoStart {
			continue
		}
		res, err := s.Start(ctx, name)
		if err != nil {
			s.logger.Error("start failed", log.String(log.ServiceKey, name), log.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Stop terminates the named service's full process tree. With force the
// grace window is skipped and the tree is killed outright. PID-file and
// registry cleanup always run, even when termination partially fails.
func (s *Supervisor) Stop(ctx context.Context, name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx, name, force)
}

func (s *Supervisor) stopLocked(ctx context.Context, name string, force bool) error {
	logger := s.logger.With(log.String(log.ServiceKey, name))
	targets := s.findProcesses(name)
	if len(targets) == 0 {
		// Nothing alive, but stale state may linger.
		s.cleanupService(ctx, name, 0)
		return ErrServiceNotRunning(name)
	}

	grace := s.stopTimeout()
	if force {
		grace = 0
	}

	var errs []error
	stopped := 0
	for _, t := range targets {
		logger.Info("stopping service",
			log.Int("pid", t.pid),
			log.String(log.TransportKey, string(t.transport)),
			log.Bool("force", force))
		if err := lifecycle.TerminateTree(t.pid, grace); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", t.pid, err))
			continue
		}
		stopped++
	}

	s.cleanupService(ctx, name, stopped)
	s.resetRestarts(name)

	if len(errs) > 0 {
		return ErrStopFailed(name, errors.Join(errs...))
	}
	return nil
}

// StopAll stops every service that is configured or registered, in name
// order. Services that are already down are skipped silently.
func (s *Supervisor) StopAll(ctx context.Context, force bool) error {
	names := map[string]bool{}
	for name := range s.cfg.Services {
		names[name] = true
	}
	if recs, err := s.reg.List(); err == nil {
		for _, rec := range recs {
			if rec.IsLocal() {
				names[rec.Name] = true
			}
		}
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var errs []error
	for _, name := range ordered {
		err := s.Stop(ctx, name, force)
		if err == nil {
			continue
		}
		var supErr *Error
		if errors.As(err, &supErr) && supErr.Code == ErrorCodeNotRunning {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Restart stops the named service if it is running, then starts it.
func (s *Supervisor) Restart(ctx context.Context, name string) (*StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx, name, false); err != nil {
		var supErr *Error
		if !errors.As(err, &supErr) || supErr.Code != ErrorCodeNotRunning {
			return nil, err
		}
	}
	res, err := s.startLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	s.record(ctx, events.Event{
		Type:    events.TypeServiceRestarted,
		Service: name, Transport: string(res.Transport), Port: res.Port, PID: res.PID,
	})
	return res, nil
}

// Status reports every configured service plus any local registry records
// for names the configuration no longer carries.
func (s *Supervisor) Status() ([]ServiceStatus, error) {
	var statuses []ServiceStatus
	seen := map[string]bool{}

	for _, name := range s.configuredNames() {
		entry := s.cfg.Services[name]
		st := s.observe(name, entry)
		st.Configured = true
		st.AutoStart = entry.AutoStart
		st.LogPath = s.logPath(name)
		statuses = append(statuses, st)
		seen[name] = true
	}

	recs, err := s.reg.List()
	if err != nil {
		return statuses, fmt.Errorf("read registry: %w", err)
	}
	extra := map[string]registry.ServiceRecord{}
	for _, rec := range recs {
		if seen[rec.Name] || !rec.IsLocal() {
			continue
		}
		// Keep the most recent record per orphaned name.
		if prev, ok := extra[rec.Name]; !ok || rec.StartedAt.After(prev.StartedAt) {
			extra[rec.Name] = rec
		}
	}
	orphans := make([]string, 0, len(extra))
	for name := range extra {
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		rec := extra[name]
		state := StateStopped
		if s.reg.IsAlive(rec) {
			state = StateRunning
		}
		statuses = append(statuses, ServiceStatus{
			Name:      rec.Name,
			Transport: rec.Transport,
			Host:      rec.Host,
			Port:      rec.Port,
			PID:       rec.PID,
			State:     state,
			StartedAt: rec.StartedAt,
		})
	}
	return statuses, nil
}

// observe derives the current state of a configured service from its PID
// file and registry record.
func (s *Supervisor) observe(name string, entry config.ServiceEntry) ServiceStatus {
	st := ServiceStatus{
		Name:      name,
		Transport: entry.Transport,
		Host:      entry.Host,
		State:     StateStopped,
	}

	pid := 0
	if p, err := lifecycle.NewPIDFileManager(s.pidPath(name, entry.Transport)).Read(); err == nil {
		pid = p
	}
	rec, hasRec, err := s.reg.MostRecent(name, entry.Transport)
	if err != nil {
		s.logger.Warn("registry read failed", log.String(log.ServiceKey, name), log.Error(err))
	}
	if pid == 0 && hasRec {
		pid = rec.PID
	}
	st.PID = pid
	if hasRec {
		st.Host = rec.Host
		st.Port = rec.Port
		st.StartedAt = rec.StartedAt
	}

	processAlive := pid > 0 && lifecycle.IsProcessRunning(pid)
	if processAlive && entry.Command != "" && !lifecycle.MatchesCommand(pid, commandSignature(entry.Command)) {
		// PID recycled by an unrelated process.
		processAlive = false
		st.PID = 0
	}

	if entry.Transport.Network() {
		reachable := hasRec && s.reg.IsAlive(rec)
		switch {
		case processAlive && reachable:
			st.State = StateRunning
		case processAlive || reachable:
			st.State = StateUnhealthy
		}
		return st
	}

	if processAlive {
		st.State = StateRunning
	}
	return st
}

type foundProcess struct {
	pid       int
	transport config.Transport
}

// findProcesses resolves the live PIDs for a service: PID files first, then
// registry records, then a command-line signature scan as the last resort.
func (s *Supervisor) findProcesses(name string) []foundProcess {
	entry, configured := s.cfg.Services[name]

	var found []foundProcess
	seen := map[int]bool{}
	add := func(pid int, tr config.Transport) {
		if pid <= 0 || seen[pid] || !lifecycle.IsProcessRunning(pid) {
			return
		}
		if configured && entry.Command != "" && !lifecycle.MatchesCommand(pid, commandSignature(entry.Command)) {
			return
		}
		seen[pid] = true
		found = append(found, foundProcess{pid: pid, transport: tr})
	}

	for _, tr := range []config.Transport{config.TransportHTTP, config.TransportSSE, config.TransportStdio} {
		mgr := lifecycle.NewPIDFileManager(s.pidPath(name, tr))
		if pid, err := mgr.Read(); err == nil {
			add(pid, tr)
		}
	}

	if recs, err := s.reg.Lookup(name); err == nil {
		for _, rec := range recs {
			if rec.IsLocal() {
				add(rec.PID, rec.Transport)
			}
		}
	}

	if len(found) == 0 && configured && entry.Command != "" {
		if pids, err := lifecycle.FindProcesses(commandSignature(entry.Command)); err == nil {
			for _, pid := range pids {
				add(pid, entry.Transport)
			}
		}
	}
	return found
}

// cleanupService removes the service's PID files and registry records and
// journals the stop when processes were actually terminated.
func (s *Supervisor) cleanupService(ctx context.Context, name string, stopped int) {
	for _, tr := range []config.Transport{config.TransportHTTP, config.TransportSSE, config.TransportStdio} {
		mgr := lifecycle.NewPIDFileManager(s.pidPath(name, tr))
		if mgr.Exists() {
			if err := mgr.Remove(); err != nil {
				s.logger.Warn("could not remove pid file",
					log.String(log.ServiceKey, name), log.Error(err))
			}
		}
	}
	removed, err := s.reg.UnregisterName(name)
	if err != nil {
		s.logger.Warn("could not unregister service",
			log.String(log.ServiceKey, name), log.Error(err))
	}
	if stopped > 0 {
		ev := events.Event{Type: events.TypeServiceStopped, Service: name}
		if len(removed) > 0 {
			ev.Transport = string(removed[0].Transport)
			ev.Port = removed[0].Port
			ev.PID = removed[0].PID
		}
		s.record(ctx, ev)
	}
}

// confirmStart polls until the grace window closes. Success requires the
// child process to still be alive and, for network transports, either its
// own registry record to have landed or its port to be accepting
// connections (servers that cannot self-register are registered on their
// behalf).
func (s *Supervisor) confirmStart(ctx context.Context, name string, entry config.ServiceEntry, pid, port int, spawnedAt time.Time) error {
	deadline := time.NewTimer(s.startGrace())
	defer deadline.Stop()
	tick := time.NewTicker(confirmPoll)
	defer tick.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if !lifecycle.IsProcessRunning(pid) {
				return fmt.Errorf("process %d exited during startup", pid)
			}
			if !entry.Transport.Network() {
				continue
			}
			if rec, ok, err := s.reg.MostRecent(name, entry.Transport); err == nil && ok {
				if rec.PID == pid || !rec.StartedAt.Before(spawnedAt.Truncate(time.Second)) {
					return nil
				}
			}
		case <-deadline.C:
			if !lifecycle.IsProcessRunning(pid) {
				return fmt.Errorf("process %d exited during startup", pid)
			}
			if !entry.Transport.Network() {
				return nil
			}
			if rec, ok, err := s.reg.MostRecent(name, entry.Transport); err == nil && ok {
				if rec.PID == pid || !rec.StartedAt.Before(spawnedAt.Truncate(time.Second)) {
					return nil
				}
			}
			// Grace expired without a record. A listener on the allocated
			// port still counts: register for the child so the proxy can
			// route to it.
			if err := s.registerFor(name, entry, pid, port, spawnedAt); err != nil {
				lastErr = err
				return fmt.Errorf("no registration within %s: %w", s.startGrace(), lastErr)
			}
			return nil
		}
	}
}

// registerFor writes the registry record for a child that is listening but
// did not self-register.
func (s *Supervisor) registerFor(name string, entry config.ServiceEntry, pid, port int, spawnedAt time.Time) error {
	if port == 0 {
		return errors.New("no allocated port to probe")
	}
	if err := lifecycle.WaitForListener(entry.Host, port, confirmPoll); err != nil {
		return fmt.Errorf("port %d not accepting connections", port)
	}
	return s.reg.Register(registry.ServiceRecord{
		Name:       name,
		Transport:  entry.Transport,
		Host:       entry.Host,
		Port:       port,
		PID:        pid,
		StartedAt:  spawnedAt,
		SourcePath: entry.SourcePath,
	})
}

// allocatePort picks the service's port, preferring its most recent one.
func (s *Supervisor) allocatePort(name string, entry config.ServiceEntry) (int, error) {
	if entry.Port > 0 {
		if !ports.Available(entry.Host, entry.Port, 0) {
			return 0, fmt.Errorf("configured port %d is in use", entry.Port)
		}
		return entry.Port, nil
	}
	return s.alloc.Preferred(name, entry.Transport, s.cfg.Supervisor.PortRangeStart, s.cfg.Supervisor.PortMaxAttempts)
}

// buildEnv assembles the child environment: the configured map with
// secret:// references expanded, placeholders substituted, and the
// transport/host/port contract variables appended.
func (s *Supervisor) buildEnv(ctx context.Context, name string, entry config.ServiceEntry, host string, port int) ([]string, error) {
	resolved := entry.Env
	if s.resolver != nil && len(entry.Env) > 0 {
		var err error
		resolved, err = s.resolver.ExpandEnv(ctx, entry.Env)
		if err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(resolved)+5)
	for _, k := range keys {
		v := substitutePlaceholder(resolved[k], entry.Transport, host, port)
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TOOLMESH_SERVICE="+name,
		"TOOLMESH_TRANSPORT="+string(entry.Transport),
		"TOOLMESH_HOST="+host,
		"TOOLMESH_REGISTRY="+s.reg.Path(),
	)
	if port > 0 {
		env = append(env, fmt.Sprintf("TOOLMESH_PORT=%d", port))
	}
	return env, nil
}

func (s *Supervisor) record(ctx context.Context, ev events.Event) {
	if err := s.recorder.Record(ctx, ev); err != nil {
		s.logger.Debug("event not recorded", log.String(log.EventKey, string(ev.Type)), log.Error(err))
	}
}

func (s *Supervisor) configuredNames() []string {
	names := make([]string, 0, len(s.cfg.Services))
	for name := range s.cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) pidPath(name string, tr config.Transport) string {
	return lifecycle.ServicePIDPath(s.cfg.Supervisor.PIDDir, name, string(tr))
}

func (s *Supervisor) logPath(name string) string {
	return filepath.Join(s.cfg.Supervisor.LogDir, name+".log")
}

func (s *Supervisor) startGrace() time.Duration {
	if s.cfg.Supervisor.StartGrace > 0 {
		return s.cfg.Supervisor.StartGrace
	}
	return 5 * time.Second
}

func (s *Supervisor) stopTimeout() time.Duration {
	if s.cfg.Supervisor.StopTimeout > 0 {
		return s.cfg.Supervisor.StopTimeout
	}
	return 10 * time.Second
}

// resolveCommand locates the binary: PATH lookup first, then a direct path.
func resolveCommand(command string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	if path, err := exec.LookPath(command); err == nil {
		return path, nil
	}
	if filepath.IsAbs(command) {
		if info, err := os.Stat(command); err == nil && !info.IsDir() {
			return command, nil
		}
	}
	return "", fmt.Errorf("command %q not found", command)
}

// commandSignature reduces a command to the token matched against live
// process command lines. The base name keeps the match stable when PATH
// resolution and the configured string differ.
func commandSignature(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return filepath.Base(fields[0])
}

// substitutePlaceholders rewrites {transport}, {host} and {port} in each
// argument so commands can receive their assignment positionally.
func substitutePlaceholders(args []string, tr config.Transport, host string, port int) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = substitutePlaceholder(a, tr, host, port)
	}
	return out
}

func substitutePlaceholder(v string, tr config.Transport, host string, port int) string {
	v = strings.ReplaceAll(v, "{transport}", string(tr))
	v = strings.ReplaceAll(v, "{host}", host)
	if port > 0 {
		v = strings.ReplaceAll(v, "{port}", fmt.Sprintf("%d", port))
	}
	return v
}
