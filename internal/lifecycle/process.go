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
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrSignatureMismatch is returned when a PID maps to a process whose
	// command line does not contain the expected service signature.
	ErrSignatureMismatch = errors.New("process command does not match service signature")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProcessInfo contains information about a running process.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	// Send signal 0 to check if process exists
	// This doesn't actually send a signal, just checks permissions
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// MatchesCommand reports whether the command line of the given PID contains
// signature. PIDs get recycled, so a PID read from a file or the registry
// must be confirmed against the service's launch command before it is
// signalled.
func MatchesCommand(pid int, signature string) bool {
	if signature == "" {
		return false
	}
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	return containsSignature(cmd, signature)
}

// CommandLine returns the full command line of the process.
func CommandLine(pid int) (string, error) {
	return processCommand(pid)
}

// containsSignature is the single matching rule shared by PID verification
// and process table scans.
func containsSignature(cmd, signature string) bool {
	return strings.Contains(cmd, signature)
}

// FindProcesses scans the process table for live processes whose command
// line contains signature. The calling process is excluded, since its own
// argv frequently carries the service command it is looking for.
func FindProcesses(signature string) ([]int, error) {
	if signature == "" {
		return nil, nil
	}
	pids, err := listProcessesMatching(signature)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	out := pids[:0]
	for _, pid := range pids {
		if pid != self {
			out = append(out, pid)
		}
	}
	return out, nil
}

// Children returns the direct children of pid.
func Children(pid int) ([]int, error) {
	return listChildren(pid)
}

// Descendants returns every live process below pid, breadth first.
// Enumeration is inherently racy against exiting processes, so failures on
// individual branches are treated as empty rather than fatal.
func Descendants(pid int) []int {
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		children, err := listChildren(next)
		if err != nil {
			continue
		}
		for _, child := range children {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}

	return out
}

// SendSignal sends a signal to the given process.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}

	return nil
}

// KillProcessGroup signals the process group led by pid. Services spawned
// by this package lead their own group, so the group covers forks the
// descendant walk may have raced against.
func KillProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// reap collects the exit status if pid is a zombie child of the current
// process. A service stopped by the same process that spawned it would
// otherwise linger as a zombie that still answers signal 0. ECHILD from
// processes that are not our children is ignored.
func reap(pid int) {
	var ws syscall.WaitStatus
	syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
}

// WaitForExit waits for the process to exit, checking every interval.
// Returns ErrShutdownTimeout if the process is still running after timeout.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond

	for time.Now().Before(deadline) {
		reap(pid)
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(interval)
	}

	return ErrShutdownTimeout
}

// waitForAllExit polls until every listed process has exited or the timeout
// elapses, returning the PIDs still running.
func waitForAllExit(pids []int, timeout time.Duration) []int {
	deadline := time.Now().Add(timeout)
	remaining := pids

	for {
		var alive []int
		for _, pid := range remaining {
			reap(pid)
			if IsProcessRunning(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || time.Now().After(deadline) {
			return alive
		}
		remaining = alive
		time.Sleep(100 * time.Millisecond)
	}
}

// GracefulShutdown sends SIGTERM to a process and waits for it to exit.
// If force is true and the timeout is exceeded, sends SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	// Verify process is running
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}

	// Send SIGTERM
	if err := SendSignal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Wait for process to exit
	err := WaitForExit(pid, timeout)
	if err == nil {
		return nil // Process exited gracefully
	}

	if !force {
		return err // Timeout but force not requested
	}

	// Force kill with SIGKILL
	if err := SendSignal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	// Wait a short time for SIGKILL to take effect
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process did not die after SIGKILL: %w", err)
	}

	return nil
}

// TerminateTree stops pid and every process descended from it. The tree is
// enumerated before any signal goes out, each member gets SIGTERM with the
// parent first so it cannot respawn children mid-shutdown, the process
// group is signalled to cover enumeration races, and whatever survives the
// grace period is force-killed.
func TerminateTree(pid int, grace time.Duration) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}

	tree := append([]int{pid}, Descendants(pid)...)

	for _, p := range tree {
		SendSignal(p, syscall.SIGTERM)
	}
	KillProcessGroup(pid, syscall.SIGTERM)

	survivors := waitForAllExit(tree, grace)
	if len(survivors) == 0 {
		return nil
	}

	for _, p := range survivors {
		SendSignal(p, syscall.SIGKILL)
	}
	KillProcessGroup(pid, syscall.SIGKILL)

	if remaining := waitForAllExit(survivors, 5*time.Second); len(remaining) > 0 {
		return fmt.Errorf("%w: %d processes still running after SIGKILL", ErrShutdownTimeout, len(remaining))
	}

	return nil
}

// GetProcessInfo returns information about the process with the given PID.
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}

	if info.Running {
		cmd, err := processCommand(pid)
		if err != nil {
			// Process exists but we can't read command - that's ok
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}

	return info, nil
}
