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

// Package service implements the service lifecycle commands: start, stop,
// restart, status, logs and cleanup for configured tool servers.
package service

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"log/slog"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/registry"
	"github.com/tombee/toolmesh/internal/secrets"
	"github.com/tombee/toolmesh/internal/supervisor"
)

var (
	serviceAll    bool
	serviceForce  bool
	serviceDryRun bool
	statusFilter  string
	statusJQ      string
	logLines      int
	cleanupYes    bool
)

// NewCommand creates the service command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage tool server processes",
		Long: `Manage the lifecycle of configured tool servers.

Services are defined in the config file and run as supervised child
processes. Start and stop accept service names or glob patterns
(e.g. "github-*"); --all selects every configured service.

Commands:
  start     Start services
  stop      Stop services
  restart   Restart a service
  status    Show service status
  logs      Show a service's captured output
  cleanup   Remove stale PID files and dead registry entries

Examples:
  toolmesh service start --all
  toolmesh service start github notes
  toolmesh service stop 'github-*'
  toolmesh service status --json
  toolmesh service logs github --tail 50`,
	}

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newRestartCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newCleanupCommand())

	return cmd
}

// runtime bundles the pieces every lifecycle command needs.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *registry.Registry
	journal *events.Journal
	sup     *supervisor.Supervisor
}

// newRuntime loads config and assembles the supervisor stack. The events
// journal is best-effort: a broken journal must not block lifecycle
// operations.
func newRuntime() (*runtime, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}

	logger := shared.NewLogger(cfg)
	reg := registry.New(cfg.Registry, logger)

	sup := supervisor.New(cfg, reg, logger).
		WithSecrets(secretResolver())

	rt := &runtime{cfg: cfg, logger: logger, reg: reg, sup: sup}

	if path, err := config.EventsPath(); err == nil {
		if journal, err := events.Open(events.Config{Path: path}); err == nil {
			rt.journal = journal
			sup.WithRecorder(journal)
		} else {
			logger.Warn("events journal unavailable", "error", err)
		}
	}

	return rt, nil
}

func (rt *runtime) close() {
	if rt.journal != nil {
		rt.journal.Close()
	}
}

// secretResolver builds the backend chain used to expand secret://
// references in service environments.
func secretResolver() *secrets.Resolver {
	fileBackend, _ := secrets.NewFileBackend("", "")
	return secrets.NewResolver(
		secrets.NewEnvBackend(),
		secrets.NewKeyringBackend(),
		fileBackend,
	)
}

// selectServices resolves names and glob patterns against the configured
// service set. Exact names must exist; a pattern matching nothing is an
// error so typos fail loudly.
func selectServices(cfg *config.Config, args []string, all bool) ([]string, error) {
	configured := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		configured = append(configured, name)
	}
	sort.Strings(configured)

	if all {
		if len(args) > 0 {
			return nil, fmt.Errorf("--all cannot be combined with service names")
		}
		return configured, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no services selected (name a service or pass --all)")
	}

	seen := make(map[string]bool)
	var selected []string
	for _, arg := range args {
		matched := false
		for _, name := range configured {
			ok, err := doublestar.Match(arg, name)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
			}
			if ok {
				matched = true
				if !seen[name] {
					seen[name] = true
					selected = append(selected, name)
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("no configured service matches %q", arg)
		}
	}
	return selected, nil
}
