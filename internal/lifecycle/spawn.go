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

package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner starts tool server processes detached from the caller.
type Spawner struct {
	// Env is the full environment for the child process.
	Env []string

	// Dir is the child working directory. Empty means inherit.
	Dir string
}

// NewSpawner creates a new process spawner inheriting the caller's
// environment.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv replaces the child environment.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// AppendEnv adds variables on top of the current child environment.
// Later entries win when a name repeats.
func (s *Spawner) AppendEnv(vars ...string) *Spawner {
	s.Env = append(s.Env, vars...)
	return s
}

// WithDir sets the child working directory.
func (s *Spawner) WithDir(dir string) *Spawner {
	s.Dir = dir
	return s
}

// SpawnDetached spawns a detached background process.
// The process:
// - Runs in its own session and process group (not killed when parent exits)
// - Has stdin closed, stdout/stderr combined into logPath
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	logFile, err := openLogFile(logPath)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	return s.spawn(binary, args, logFile, logFile)
}

// SpawnDetachedWithFiles is like SpawnDetached but keeps stdout and stderr
// in separate files.
func (s *Spawner) SpawnDetachedWithFiles(binary string, args []string, stdoutPath, stderrPath string) (int, error) {
	stdoutFile, err := openLogFile(stdoutPath)
	if err != nil {
		return 0, err
	}
	defer stdoutFile.Close()

	stderrFile, err := openLogFile(stderrPath)
	if err != nil {
		return 0, err
	}
	defer stderrFile.Close()

	return s.spawn(binary, args, stdoutFile, stderrFile)
}

// openLogFile opens path for appending, creating the parent directory with
// restrictive permissions if needed.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return f, nil
}

func (s *Spawner) spawn(binary string, args []string, stdout, stderr *os.File) (int, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir

	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil // no terminal behind a detached service

	// Setsid alone gives the child a fresh session and a process group it
	// leads. Setpgid must not be combined with it: setpgid(2) returns
	// EPERM once the child is a session leader.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	// Get PID before releasing
	pid := cmd.Process.Pid

	// Release the process (don't wait for it)
	// This is safe because we configured it to be detached
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}
