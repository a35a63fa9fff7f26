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

// Package lifecycle manages the operating-system side of tool server
// processes: spawning them detached, tracking them through PID files,
// probing whether they are still alive, and tearing them (and their
// children) down again.
//
// # PID Files
//
// Each managed service gets its own PID file under the state run
// directory. PIDFileManager creates the file with O_EXCL and holds an
// exclusive flock on it for the lifetime of the owning process, so two
// supervisors cannot claim the same service. Stale files left behind by
// a crashed process are detected by probing the recorded PID.
//
// # Spawning
//
// Spawner starts tool servers in their own session, and therefore their
// own process group, with stdout and stderr redirected to a per-service
// log file. The child is released so it survives the spawning process.
//
// # Termination
//
// Tool servers routinely fork helpers of their own, so stopping one means
// stopping a tree. TerminateTree enumerates descendants, delivers a
// graceful signal, waits out a deadline, and force-kills what remains.
// Because spawned services lead their own process group, the group as a
// whole is signalled as well to catch children the enumeration raced
// against.
//
// # Identification
//
// PIDs get recycled. Before signalling a PID read from disk or found by
// scanning, callers should confirm the process command line still matches
// the service's launch signature via MatchesCommand. FindProcesses scans
// the process table for a signature when no PID file survives.
package lifecycle
