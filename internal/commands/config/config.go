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

// Package config implements the config inspection commands.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/registry"
)

// NewCommand creates the config command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
		Long: `View and manage toolmesh configuration.

Commands:
  show      Display the effective configuration
  path      Show the config file location
  validate  Check the config file for errors
  generate  Emit MCP client configuration for the mesh

Examples:
  toolmesh config show
  toolmesh config generate --output mcp-servers.json`,
	}

	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newGenerateCommand())

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the configuration after defaults and environment overrides
are applied. Secrets referenced as secret://name are shown unresolved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := shared.GetConfigPath(); path != "" {
				fmt.Println(path)
				return nil
			}
			path, err := config.ConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file for errors",
		Long: `Load and validate the config file. Exit code 2 signals an invalid
configuration.

Examples:
  toolmesh config validate
  toolmesh config validate --config ./toolmesh.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				type response struct {
					shared.JSONResponse
					Services int `json:"services"`
				}
				return shared.EmitJSON(response{
					JSONResponse: shared.JSONResponse{Version: "1.0", Command: "config validate", Success: true},
					Services:     len(cfg.Services),
				})
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("config is valid (%d services)", len(cfg.Services))))
			return nil
		},
	}
}

// mcpServerEntry is one entry in the standard MCP client "mcpServers" map.
type mcpServerEntry struct {
	URL       string `json:"url"`
	Transport string `json:"transport,omitempty"`
}

func newGenerateCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:     "generate",
		Aliases: []string{"clients"},
		Short:   "Emit MCP client configuration for the mesh",
		Long: `Generate an mcpServers JSON block pointing every configured service
at its stable proxy URL. Paste it into an MCP client's configuration;
the URLs survive service restarts and port changes.

Dead registry entries are swept first so the output reflects a clean
mesh.

Examples:
  toolmesh config generate
  toolmesh config generate --output mcp-servers.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			// Best-effort sweep; a broken registry must not block
			// generating client config.
			if err := cfg.ResolvePaths(); err == nil {
				reg := registry.New(cfg.Registry, shared.NewLogger(cfg))
				if removed, err := reg.ClearDead(); err == nil && len(removed) > 0 {
					fmt.Fprintf(os.Stderr, "pruned %d dead registry entries\n", len(removed))
				}
			}

			base := cfg.ProxyURL()
			if url := shared.GetProxyURL(); url != "" {
				base = url
			}

			names := make([]string, 0, len(cfg.Services))
			for name := range cfg.Services {
				names = append(names, name)
			}
			sort.Strings(names)

			servers := make(map[string]mcpServerEntry, len(names))
			for _, name := range names {
				entry := cfg.Services[name]
				if !entry.Transport.Network() {
					// stdio services are reached through a bridge, not the proxy.
					continue
				}
				switch entry.Transport {
				case config.TransportSSE:
					servers[name] = mcpServerEntry{
						URL:       fmt.Sprintf("%s/sse/%s", base, name),
						Transport: "sse",
					}
				default:
					servers[name] = mcpServerEntry{
						URL: fmt.Sprintf("%s/mcp/%s", base, name),
					}
				}
			}

			doc := map[string]any{"mcpServers": servers}
			if outputPath != "" {
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outputPath, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", outputPath, err)
				}
				fmt.Println(shared.RenderOK(fmt.Sprintf("wrote %d servers to %s", len(servers), outputPath)))
				return nil
			}
			return shared.EmitJSON(doc)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to a file instead of stdout")

	return cmd
}
