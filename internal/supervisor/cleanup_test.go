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
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/registry"
)

func TestCleanupDead_StalePIDFiles(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)

	stale := lifecycle.NewPIDFileManager(s.pidPath("deadsvc", config.TransportHTTP))
	if err := stale.Overwrite(99999999); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}
	stale.Detach()

	live := lifecycle.NewPIDFileManager(s.pidPath("livesvc", config.TransportHTTP))
	if err := live.Overwrite(os.Getpid()); err != nil {
		t.Fatalf("seed live pid file: %v", err)
	}
	live.Detach()

	report, err := s.CleanupDead(context.Background())
	if err != nil {
		t.Fatalf("CleanupDead() error = %v", err)
	}

	if len(report.StalePIDFiles) != 1 || report.StalePIDFiles[0] != stale.Path() {
		t.Errorf("StalePIDFiles = %v, want [%s]", report.StalePIDFiles, stale.Path())
	}
	if stale.Exists() {
		t.Error("stale pid file survived cleanup")
	}
	if !live.Exists() {
		t.Error("live pid file removed by cleanup")
	}
}

func TestCleanupDead_RecycledPID(t *testing.T) {
	// The PID is alive but belongs to a different command than the service
	// is configured with, so the file is a leftover from a recycled PID.
	s, _ := newTestSupervisor(t, map[string]config.ServiceEntry{
		"recycled": stdioEntry("definitely-not-this-test-binary"),
	})

	mgr := lifecycle.NewPIDFileManager(s.pidPath("recycled", config.TransportStdio))
	if err := mgr.Overwrite(os.Getpid()); err != nil {
		t.Fatalf("seed pid file: %v", err)
	}
	mgr.Detach()

	report, err := s.CleanupDead(context.Background())
	if err != nil {
		t.Fatalf("CleanupDead() error = %v", err)
	}
	if len(report.StalePIDFiles) != 1 {
		t.Fatalf("StalePIDFiles = %v, want the recycled entry", report.StalePIDFiles)
	}
	if mgr.Exists() {
		t.Error("recycled pid file survived cleanup")
	}
}

func TestCleanupDead_PrunesDeadLocalKeepsRemote(t *testing.T) {
	s, rec := newTestSupervisor(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	livePort := ln.Addr().(*net.TCPAddr).Port

	// Reserve a port and close it so nothing answers there.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	for _, r := range []registry.ServiceRecord{
		{Name: "alive", Transport: config.TransportHTTP, Host: "127.0.0.1", Port: livePort, StartedAt: time.Now().UTC()},
		{Name: "dead", Transport: config.TransportHTTP, Host: "127.0.0.1", Port: deadPort, StartedAt: time.Now().UTC()},
		{Name: "remote", Transport: config.TransportHTTP, Host: "203.0.113.7", Port: 9000, StartedAt: time.Now().UTC()},
	} {
		if err := s.reg.Register(r); err != nil {
			t.Fatalf("Register(%s) error = %v", r.Name, err)
		}
	}

	report, err := s.CleanupDead(context.Background())
	if err != nil {
		t.Fatalf("CleanupDead() error = %v", err)
	}

	if len(report.PrunedRecords) != 1 {
		t.Fatalf("PrunedRecords = %v, want just the dead local record", report.PrunedRecords)
	}
	records, err := s.reg.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("registry kept %d records, want 2 (alive + remote)", len(records))
	}
	for key := range records {
		if strings.HasPrefix(key, "dead-") {
			t.Errorf("dead record %s survived cleanup", key)
		}
	}
	if got := len(rec.ofType(events.TypeRegistryPruned)); got != 1 {
		t.Errorf("pruned events = %d, want 1", got)
	}
}

func TestCleanupDead_KillsZombies(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("Skipping spawn tests (SKIP_SPAWN_TESTS is set)")
	}
	scriptDir := t.TempDir()
	script := filepath.Join(scriptDir, "zombiesvc-cleanup-test.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	s, _ := newTestSupervisor(t, map[string]config.ServiceEntry{
		"zombie": stdioEntry(script),
	})

	spawner := lifecycle.NewSpawner()
	logPath := filepath.Join(scriptDir, "spawn.log")

	tracked, err := spawner.SpawnDetached(script, nil, logPath)
	skipIfSpawnBlocked(t, err)
	if err != nil {
		t.Fatalf("spawn tracked: %v", err)
	}
	defer lifecycle.TerminateTree(tracked, 0)

	orphan, err := spawner.SpawnDetached(script, nil, logPath)
	if err != nil {
		t.Fatalf("spawn orphan: %v", err)
	}
	defer lifecycle.TerminateTree(orphan, 0)

	// Only the first instance is accounted for.
	mgr := lifecycle.NewPIDFileManager(s.pidPath("zombie", config.TransportStdio))
	if err := mgr.Overwrite(tracked); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	mgr.Detach()

	report, err := s.CleanupDead(context.Background())
	if err != nil {
		t.Fatalf("CleanupDead() error = %v", err)
	}

	if len(report.KilledPIDs) != 1 || report.KilledPIDs[0] != orphan {
		t.Fatalf("KilledPIDs = %v, want [%d]", report.KilledPIDs, orphan)
	}
	if err := lifecycle.WaitForExit(orphan, 3*time.Second); err != nil {
		t.Errorf("orphan %d still running after cleanup: %v", orphan, err)
	}
	if !lifecycle.IsProcessRunning(tracked) {
		t.Errorf("tracked process %d killed by cleanup", tracked)
	}
}

func TestServiceFromPIDFile(t *testing.T) {
	tests := []struct {
		filename string
		wantName string
		wantOK   bool
	}{
		{"filesvc-http.pid", "filesvc", true},
		{"my-tool-sse.pid", "my-tool", true},
		{"plain-stdio.pid", "plain", true},
		{"-http.pid", "", false},
		{"mystery.pid", "", false},
	}
	for _, tt := range tests {
		name, ok := serviceFromPIDFile(tt.filename)
		if name != tt.wantName || ok != tt.wantOK {
			t.Errorf("serviceFromPIDFile(%q) = (%q, %v), want (%q, %v)",
				tt.filename, name, ok, tt.wantName, tt.wantOK)
		}
	}
}

func TestCleanupReport_Empty(t *testing.T) {
	r := &CleanupReport{}
	if !r.Empty() {
		t.Error("zero report not Empty()")
	}
	r.KilledPIDs = []int{42}
	if r.Empty() {
		t.Error("report with kills claims Empty()")
	}
}
