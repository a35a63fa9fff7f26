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

package supervisor

import (
	"context"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/log"
)

const (
	defaultMonitorInterval = 30 * time.Second

	// monitorTick is the cancellation poll granularity. Shutdown latency is
	// bounded by it regardless of the sweep interval.
	monitorTick = time.Second

	maxRestartBackoff = 30 * time.Second
)

// restartState tracks consecutive monitor-initiated restarts of one service.
type restartState struct {
	attempts  int
	nextAt    time.Time
	exhausted bool
}

// Monitor sweeps the configured services on the monitor interval and
// restarts any auto-start service found missing or unhealthy, honoring each
// service's restart policy. It blocks until ctx is cancelled. Cancellation
// is observed within one tick even mid-interval.
func (s *Supervisor) Monitor(ctx context.Context) {
	interval := s.monitorInterval()
	s.logger.Info("monitor loop started", log.Duration("interval", interval.Milliseconds()))

	next := time.Now().Add(interval)
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("monitor loop stopped")
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = now.Add(interval)
			s.sweep(ctx)
		}
	}
}

// sweep examines every auto-start service once.
func (s *Supervisor) sweep(ctx context.Context) {
	for _, name := range s.configuredNames() {
		if ctx.Err() != nil {
			return
		}
		entry := s.cfg.Services[name]
		if !entry.AutoStart || entry.RestartPolicy == config.RestartNever {
			continue
		}

		st := s.observe(name, entry)
		if st.State == StateRunning {
			s.resetRestarts(name)
			continue
		}

		// A crash leaves remnants behind: a PID file or a registry record.
		// A clean stop removes both, so only always-restart services come
		// back after an operator stop.
		crashed := st.State == StateUnhealthy || s.hasRemnants(name, entry)
		if !crashed && entry.RestartPolicy != config.RestartAlways {
			continue
		}
		s.maybeRestart(ctx, name, entry, st)
	}
}

// hasRemnants reports whether a prior run of the service left state behind.
func (s *Supervisor) hasRemnants(name string, entry config.ServiceEntry) bool {
	if lifecycle.NewPIDFileManager(s.pidPath(name, entry.Transport)).Exists() {
		return true
	}
	_, ok, err := s.reg.MostRecent(name, entry.Transport)
	return err == nil && ok
}

// maybeRestart restarts the service unless its backoff window is still open
// or its restart budget is spent.
func (s *Supervisor) maybeRestart(ctx context.Context, name string, entry config.ServiceEntry, st ServiceStatus) {
	logger := log.WithService(s.logger, name, string(entry.Transport))

	s.stateMu.Lock()
	rs := s.restarts[name]
	if rs == nil {
		rs = &restartState{}
		s.restarts[name] = rs
	}
	if entry.MaxRestartAttempts > 0 && rs.attempts >= entry.MaxRestartAttempts {
		first := !rs.exhausted
		rs.exhausted = true
		s.stateMu.Unlock()
		if first {
			logger.Error("restart budget exhausted, leaving service down",
				log.Int("attempts", rs.attempts))
		}
		return
	}
	if time.Now().Before(rs.nextAt) {
		s.stateMu.Unlock()
		return
	}
	rs.attempts++
	attempt := rs.attempts
	rs.nextAt = time.Now().Add(restartBackoff(attempt))
	s.stateMu.Unlock()

	s.record(ctx, events.Event{
		Type:    events.TypeServiceCrashed,
		Service: name, Transport: string(entry.Transport), Port: st.Port, PID: st.PID,
		Message: string(st.State),
	})
	logger.Warn("service down, restarting", log.Int("attempt", attempt))

	res, err := s.Start(ctx, name)
	if err != nil {
		logger.Error("restart failed", log.Int("attempt", attempt), log.Error(err))
		return
	}
	s.record(ctx, events.Event{
		Type:    events.TypeServiceRestarted,
		Service: name, Transport: string(res.Transport), Port: res.Port, PID: res.PID,
		Details: map[string]any{"attempt": attempt},
	})
	logger.Info("service restarted", log.Int("pid", res.PID), log.Int("attempt", attempt))
}

// resetRestarts clears the restart bookkeeping once a service is healthy.
func (s *Supervisor) resetRestarts(name string) {
	s.stateMu.Lock()
	delete(s.restarts, name)
	s.stateMu.Unlock()
}

func (s *Supervisor) monitorInterval() time.Duration {
	if s.cfg.Supervisor.MonitorInterval > 0 {
		return s.cfg.Supervisor.MonitorInterval
	}
	return defaultMonitorInterval
}

// restartBackoff doubles from one second per consecutive attempt, capped.
func restartBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Second << uint(attempt-1)
	if backoff > maxRestartBackoff || backoff <= 0 {
		backoff = maxRestartBackoff
	}
	return backoff
}
