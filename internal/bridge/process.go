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

package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/tombee/toolmesh/internal/log"
)

// wrappedProcess is one incarnation of the external command plus the stdio
// conn attached to its pipes. A restart replaces the whole value.
type wrappedProcess struct {
	cmd  *exec.Cmd
	conn *stdioConn

	exitOnce sync.Once
	exited   chan struct{}
	logger   *slog.Logger
}

// spawnWrapped starts the external command with pipes on stdin/stdout.
// Stderr goes to stderrPath when set (the wrapped tool's diagnostics), or
// is discarded; stdout must stay clean for the protocol either way.
func spawnWrapped(command string, args []string, env map[string]string, stderrPath string, logger *slog.Logger) (*wrappedProcess, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = mergedEnv(env)

	if stderrPath != "" {
		f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("bridge: open stderr log: %w", err)
		}
		cmd.Stderr = f
	} else {
		cmd.Stderr = io.Discard
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: start %s: %w", command, err)
	}

	p := &wrappedProcess{
		cmd:    cmd,
		conn:   newStdioConn(stdin, stdout, logger),
		exited: make(chan struct{}),
		logger: logger,
	}

	// Reap the child as soon as it exits so liveness checks see the death
	// instead of a zombie, and close the stderr file if we opened one.
	go func() {
		err := cmd.Wait()
		if closer, ok := cmd.Stderr.(io.Closer); ok {
			closer.Close()
		}
		if err != nil {
			logger.Debug("wrapped process exited", log.Error(err))
		}
		p.exitOnce.Do(func() { close(p.exited) })
	}()

	return p, nil
}

// alive reports the composite liveness the mesh cares about: the OS
// process must still be running AND both stdio loops must still be up. A
// process whose handle exists but whose pipes have silently died is dead.
func (p *wrappedProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	return p.conn.Alive()
}

// pid returns the wrapped process's PID, or 0 after it is gone.
func (p *wrappedProcess) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// stop closes stdin (the polite exit request for a stdio server), waits up
// to grace for the process to leave, then kills it.
func (p *wrappedProcess) stop(grace time.Duration) {
	p.conn.Close()

	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !os.IsNotExist(err) {
			p.logger.Debug("kill wrapped process", log.Error(err))
		}
	}
	<-p.exited
}

// mergedEnv overlays extra on the parent environment, replacing duplicate
// keys rather than appending them.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return os.Environ()
	}
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
