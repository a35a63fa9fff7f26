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
	"os"
	"testing"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/lifecycle"
)

func TestRestartBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
		{0, time.Second},
	}
	for _, tt := range tests {
		if got := restartBackoff(tt.attempt); got != tt.want {
			t.Errorf("restartBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSweep_RestartsCrashedService(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}
	entry := stdioEntry("sleep", "30")
	entry.AutoStart = true
	entry.RestartPolicy = config.RestartAlways

	s, rec := newTestSupervisor(t, map[string]config.ServiceEntry{"sleeper": entry})
	ctx := context.Background()

	first, err := s.Start(ctx, "sleeper")
	skipIfSpawnBlocked(t, err)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.StopAll(ctx, true)

	// Kill the process behind the supervisor's back. The PID file stays,
	// which is what distinguishes a crash from a clean stop.
	if err := lifecycle.TerminateTree(first.PID, 0); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := lifecycle.WaitForExit(first.PID, 2*time.Second); err != nil {
		t.Fatalf("process did not die: %v", err)
	}

	s.sweep(ctx)

	statuses, err := s.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != StateRunning {
		t.Fatalf("after sweep state = %+v, want running", statuses)
	}
	if statuses[0].PID == first.PID {
		t.Errorf("sweep reused dead pid %d", first.PID)
	}
	if got := len(rec.ofType(events.TypeServiceCrashed)); got != 1 {
		t.Errorf("crashed events = %d, want 1", got)
	}
	if got := len(rec.ofType(events.TypeServiceRestarted)); got != 1 {
		t.Errorf("restarted events = %d, want 1", got)
	}
}

func TestSweep_SkipsCleanlyStoppedOnFailureService(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}
	entry := stdioEntry("sleep", "30")
	entry.AutoStart = true
	entry.RestartPolicy = config.RestartOnFailure

	s, rec := newTestSupervisor(t, map[string]config.ServiceEntry{"sleeper": entry})
	ctx := context.Background()

	_, err := s.Start(ctx, "sleeper")
	skipIfSpawnBlocked(t, err)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(ctx, "sleeper", false); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	s.sweep(ctx)

	statuses, err := s.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if statuses[0].State != StateStopped {
		t.Errorf("on-failure service resurrected after clean stop: %+v", statuses[0])
	}
	if got := len(rec.ofType(events.TypeServiceRestarted)); got != 0 {
		t.Errorf("restarted events = %d, want 0", got)
	}
}

func TestSweep_NeverPolicy(t *testing.T) {
	entry := stdioEntry("sleep", "30")
	entry.AutoStart = true
	entry.RestartPolicy = config.RestartNever

	s, rec := newTestSupervisor(t, map[string]config.ServiceEntry{"sleeper": entry})

	// Crash remnant.
	mgr := lifecycle.NewPIDFileManager(s.pidPath("sleeper", config.TransportStdio))
	if err := mgr.Overwrite(99999999); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	mgr.Detach()

	s.sweep(context.Background())

	if got := len(rec.events); got != 0 {
		t.Errorf("sweep of a never-restart service emitted %d events, want 0", got)
	}
}

func TestSweep_RestartBudget(t *testing.T) {
	entry := stdioEntry("definitely-not-a-real-binary-xyz")
	entry.AutoStart = true
	entry.RestartPolicy = config.RestartAlways
	entry.MaxRestartAttempts = 1

	s, rec := newTestSupervisor(t, map[string]config.ServiceEntry{"cursed": entry})
	ctx := context.Background()

	// Crash remnant so the sweep considers it crashed rather than stopped.
	mgr := lifecycle.NewPIDFileManager(s.pidPath("cursed", config.TransportStdio))
	if err := mgr.Overwrite(99999999); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	mgr.Detach()

	s.sweep(ctx)
	s.sweep(ctx)
	s.sweep(ctx)

	s.stateMu.Lock()
	rs := s.restarts["cursed"]
	s.stateMu.Unlock()
	if rs == nil {
		t.Fatal("no restart state recorded")
	}
	if rs.attempts != 1 {
		t.Errorf("attempts = %d, want 1 (budget is 1)", rs.attempts)
	}
	if !rs.exhausted {
		t.Error("restart state not marked exhausted")
	}
	if got := len(rec.ofType(events.TypeServiceCrashed)); got != 1 {
		t.Errorf("crashed events = %d, want 1 (budget stops the churn)", got)
	}
}

func TestSweep_BackoffGatesRetries(t *testing.T) {
	entry := stdioEntry("definitely-not-a-real-binary-xyz")
	entry.AutoStart = true
	entry.RestartPolicy = config.RestartAlways

	s, _ := newTestSupervisor(t, map[string]config.ServiceEntry{"cursed": entry})
	ctx := context.Background()

	mgr := lifecycle.NewPIDFileManager(s.pidPath("cursed", config.TransportStdio))
	if err := mgr.Overwrite(99999999); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	mgr.Detach()

	s.sweep(ctx)
	s.sweep(ctx) // within the 1s backoff window

	s.stateMu.Lock()
	attempts := s.restarts["cursed"].attempts
	s.restarts["cursed"].nextAt = time.Now().Add(-time.Second)
	s.stateMu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts after back-to-back sweeps = %d, want 1", attempts)
	}

	s.sweep(ctx) // backoff window forced open

	s.stateMu.Lock()
	attempts = s.restarts["cursed"].attempts
	s.stateMu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts after reopened window = %d, want 2", attempts)
	}
}

func TestMonitor_StopsPromptly(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	s.cfg.Supervisor.MonitorInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Monitor(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return within 2s of cancellation")
	}
}
