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
	"path/filepath"
	"strings"

	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/lifecycle"
	"github.com/tombee/toolmesh/internal/log"
)

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	StalePIDFiles []string `json:"stale_pid_files,omitempty"`
	PrunedRecords []string `json:"pruned_records,omitempty"`
	KilledPIDs    []int    `json:"killed_pids,omitempty"`
}

// Empty reports whether the pass found nothing to clean.
func (r *CleanupReport) Empty() bool {
	return len(r.StalePIDFiles) == 0 && len(r.PrunedRecords) == 0 && len(r.KilledPIDs) == 0
}

// CleanupDead sweeps state a dead service leaves behind: PID files whose
// process is gone or was recycled by an unrelated command, local registry
// records that fail liveness, and orphaned OS processes still matching a
// configured command signature. Remote registry records are never touched.
func (s *Supervisor) CleanupDead(ctx context.Context) (*CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &CleanupReport{}
	s.sweepPIDFiles(report)

	pruned, err := s.reg.ClearDeadLocal()
	if err != nil {
		s.logger.Warn("registry prune failed", log.Error(err))
	}
	report.PrunedRecords = pruned
	if len(pruned) > 0 {
		s.record(ctx, events.Event{
			Type:    events.TypeRegistryPruned,
			Message: "cleanup removed dead local records",
			Details: map[string]any{"records": pruned},
		})
	}

	s.killZombies(ctx, report)

	if !report.Empty() {
		s.logger.Info("cleanup finished",
			log.Int("stale_pid_files", len(report.StalePIDFiles)),
			log.Int("pruned_records", len(report.PrunedRecords)),
			log.Int("killed", len(report.KilledPIDs)))
	}
	return report, nil
}

// sweepPIDFiles removes PID files whose process is gone, plus files whose
// PID was recycled by a process that no longer matches the configured
// command for that service.
func (s *Supervisor) sweepPIDFiles(report *CleanupReport) {
	dir := s.cfg.Supervisor.PIDDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cannot read pid directory", log.String("dir", dir), log.Error(err))
		}
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		mgr := lifecycle.NewPIDFileManager(filepath.Join(dir, e.Name()))

		stale := mgr.Stale()
		if !stale {
			if name, ok := serviceFromPIDFile(e.Name()); ok {
				if entry, configured := s.cfg.Services[name]; configured && entry.Command != "" {
					if pid, err := mgr.Read(); err == nil &&
						!lifecycle.MatchesCommand(pid, commandSignature(entry.Command)) {
						stale = true
					}
				}
			}
		}
		if !stale {
			continue
		}
		if err := mgr.Remove(); err != nil {
			s.logger.Warn("cannot remove stale pid file", log.String("path", mgr.Path()), log.Error(err))
			continue
		}
		report.StalePIDFiles = append(report.StalePIDFiles, mgr.Path())
	}
}

// killZombies terminates processes that match a configured command
// signature but are not accounted for by any PID file or registry record.
func (s *Supervisor) killZombies(ctx context.Context, report *CleanupReport) {
	tracked := s.trackedPIDs()

	for _, name := range s.configuredNames() {
		entry := s.cfg.Services[name]
		if entry.Command == "" {
			continue
		}
		pids, err := lifecycle.FindProcesses(commandSignature(entry.Command))
		if err != nil {
			continue
		}
		for _, pid := range pids {
			if tracked[pid] {
				continue
			}
			s.logger.Warn("killing orphaned process",
				log.String(log.ServiceKey, name), log.Int("pid", pid))
			if err := lifecycle.TerminateTree(pid, zombieGrace); err != nil {
				s.logger.Warn("orphan did not die", log.Int("pid", pid), log.Error(err))
				continue
			}
			report.KilledPIDs = append(report.KilledPIDs, pid)
			s.record(ctx, events.Event{
				Type:    events.TypeServiceStopped,
				Service: name, PID: pid,
				Message: "orphan killed by cleanup",
			})
		}
	}
}

// trackedPIDs collects every PID that live state still accounts for.
func (s *Supervisor) trackedPIDs() map[int]bool {
	tracked := map[int]bool{}

	if entries, err := os.ReadDir(s.cfg.Supervisor.PIDDir); err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
				continue
			}
			mgr := lifecycle.NewPIDFileManager(filepath.Join(s.cfg.Supervisor.PIDDir, e.Name()))
			if pid, err := mgr.Read(); err == nil && lifecycle.IsProcessRunning(pid) {
				tracked[pid] = true
				for _, child := range lifecycle.Descendants(pid) {
					tracked[child] = true
				}
			}
		}
	}

	if recs, err := s.reg.List(); err == nil {
		for _, rec := range recs {
			if rec.IsLocal() && rec.PID > 0 && lifecycle.IsProcessRunning(rec.PID) {
				tracked[rec.PID] = true
				for _, child := range lifecycle.Descendants(rec.PID) {
					tracked[child] = true
				}
			}
		}
	}
	return tracked
}

// serviceFromPIDFile recovers the service name from a `<name>-<transport>.pid`
// file name. Names may themselves contain dashes, so the transport suffix is
// matched explicitly.
func serviceFromPIDFile(filename string) (string, bool) {
	base := strings.TrimSuffix(filename, ".pid")
	for _, tr := range []string{"http", "sse", "stdio"} {
		if name, ok := strings.CutSuffix(base, "-"+tr); ok && name != "" {
			return name, true
		}
	}
	return "", false
}
