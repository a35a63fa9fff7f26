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

// Package bridgecmd implements the bridge command: wrap a stdio-only MCP
// server and republish it as a network backend behind the proxy.
package bridgecmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/bridge"
	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
	"github.com/tombee/toolmesh/internal/ports"
	"github.com/tombee/toolmesh/internal/registry"
)

var (
	bridgeName       string
	bridgeTransport  string
	bridgeHost       string
	bridgePort       int
	bridgeEnv        []string
	bridgeNoRegister bool
)

// NewCommand creates the bridge command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge -- <command> [args...]",
		Short: "Expose a stdio MCP server over the mesh",
		Long: `Run a stdio-only MCP server as a child process and republish its
tools as an HTTP or SSE backend registered with the proxy.

The bridge performs the MCP handshake against the child, discovers its
tool catalog and forwards tool calls over stdio. If the child dies the
bridge restarts it once per failed call.

The command runs in the foreground until interrupted. Use "--" to
separate the wrapped command from bridge flags.

Examples:
  toolmesh bridge -- npx -y @modelcontextprotocol/server-filesystem /tmp
  toolmesh bridge --name files --transport http -- ./files-server --root /data
  toolmesh bridge --no-register --port 10400 -- python tools.py`,
		Args: cobra.MinimumNArgs(1),
		RunE: runBridge,
	}

	cmd.Flags().StringVar(&bridgeName, "name", "", "Service name (default: derived from the command)")
	cmd.Flags().StringVar(&bridgeTransport, "transport", "sse", "Republish transport (sse, http)")
	cmd.Flags().StringVar(&bridgeHost, "host", "127.0.0.1", "Listen host")
	cmd.Flags().IntVar(&bridgePort, "port", 0, "Listen port (default: allocated)")
	cmd.Flags().StringArrayVar(&bridgeEnv, "env", nil, "Extra child environment as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&bridgeNoRegister, "no-register", false, "Skip proxy registration (standalone mode)")

	return cmd
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return err
	}
	logger := shared.NewLogger(cfg)

	env, err := parseEnv(bridgeEnv)
	if err != nil {
		return err
	}

	bridgeCfg := bridge.Config{
		Name:      bridgeName,
		Command:   args[0],
		Args:      args[1:],
		Env:       env,
		Transport: config.Transport(bridgeTransport),
		Host:      bridgeHost,
		Port:      bridgePort,
	}
	if !bridgeNoRegister {
		bridgeCfg.ProxyURL = cfg.ProxyURL()
		if url := shared.GetProxyURL(); url != "" {
			bridgeCfg.ProxyURL = url
		}
	}

	// Child stderr goes to the same per-service log directory supervised
	// services use.
	name := bridgeName
	if name == "" {
		name = filepath.Base(args[0])
	}
	bridgeCfg.StderrPath = filepath.Join(cfg.Supervisor.LogDir, name+".stderr.log")

	if bridgeCfg.Port == 0 {
		reg := registry.New(cfg.Registry, logger)
		alloc := ports.NewAllocator(reg, bridgeCfg.Host, logger)
		port, err := alloc.Next(cfg.Supervisor.PortRangeStart, cfg.Supervisor.PortMaxAttempts)
		if err != nil {
			return fmt.Errorf("failed to allocate port: %w", err)
		}
		bridgeCfg.Port = port
	}

	b, err := bridge.New(bridgeCfg, logger)
	if err != nil {
		return err
	}

	if path, err := config.EventsPath(); err == nil {
		if journal, err := events.Open(events.Config{Path: path}); err == nil {
			defer journal.Close()
			b.WithRecorder(journal)
		}
	}

	return b.Run(cmd.Context())
}

// parseEnv converts --env KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env value %q (want KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}
