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

// Package proxyctl implements the proxy admin commands. They talk to a
// running toolmeshd instance over its /proxy/* HTTP API.
package proxyctl

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
)

var (
	registerHost      string
	registerPort      int
	registerTransport string
	registerPID       int
)

// NewCommand creates the proxy command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and control the running proxy",
		Long: `Inspect and control a running toolmeshd proxy over its admin API.

Commands:
  status      Proxy uptime and counters
  mapping     Name-to-backend routing table
  health      Per-backend TCP liveness
  reload      Re-sync the routing table from the registry
  register    Manually register a backend
  unregister  Remove a backend from the routing table

The proxy address comes from the config file; override it with
--proxy or TOOLMESH_PROXY_URL.

Examples:
  toolmesh proxy status
  toolmesh proxy mapping --json
  toolmesh proxy register github --port 10231 --transport sse`,
	}

	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newMappingCommand())
	cmd.AddCommand(newHealthCommand())
	cmd.AddCommand(newReloadCommand())
	cmd.AddCommand(newRegisterCommand())
	cmd.AddCommand(newUnregisterCommand())

	return cmd
}

// client builds the admin client from config plus global overrides.
func client() (*shared.ProxyClient, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.ProxyClientFor(cfg), nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Proxy uptime and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndRender(cmd.Context(), "/proxy/status",
				func(body map[string]any) {
					fmt.Println(shared.RenderOK("proxy is up"))
					fmt.Printf("  %s %v\n", shared.RenderLabel("started:"), body["started_at"])
					fmt.Printf("  %s %v\n", shared.RenderLabel("uptime:"), fmt.Sprintf("%vs", body["uptime_seconds"]))
					fmt.Printf("  %s %v\n", shared.RenderLabel("backends:"), body["backends"])
					fmt.Printf("  %s %v\n", shared.RenderLabel("sessions:"), body["sessions"])
				})
		},
	}
}

func newMappingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mapping",
		Short: "Name-to-backend routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var body struct {
				Backends map[string]struct {
					Host      string `json:"host"`
					Port      int    `json:"port"`
					Transport string `json:"transport"`
					PID       int    `json:"pid"`
					URL       string `json:"url"`
				} `json:"backends"`
			}
			if err := c.Get(cmd.Context(), "/proxy/mapping", &body); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(body)
			}

			if len(body.Backends) == 0 {
				fmt.Println("No backends registered")
				return nil
			}
			names := make([]string, 0, len(body.Backends))
			for name := range body.Backends {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("%-20s %-10s %-8s %s\n", "SERVICE", "TRANSPORT", "PID", "BACKEND")
			for _, name := range names {
				b := body.Backends[name]
				pid := "-"
				if b.PID > 0 {
					pid = fmt.Sprintf("%d", b.PID)
				}
				fmt.Printf("%-20s %-10s %-8s %s\n", name, b.Transport, pid, b.URL)
			}
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Per-backend TCP liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var body struct {
				Status   string            `json:"status"`
				Backends map[string]string `json:"backends"`
			}
			if err := c.Get(cmd.Context(), "/proxy/health", &body); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(body)
			}

			fmt.Println(shared.RenderStatus(body.Status == "ok", body.Status) + " proxy health")
			names := make([]string, 0, len(body.Backends))
			for name := range body.Backends {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				state := body.Backends[name]
				if state == "up" {
					fmt.Println("  " + shared.RenderOK(name))
				} else {
					fmt.Println("  " + shared.RenderError(name+" is down"))
				}
			}
			return nil
		},
	}
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-sync the routing table from the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var body map[string]any
			if err := c.Post(cmd.Context(), "/proxy/reload", nil, &body); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(body)
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("reloaded %v backends from registry", body["backends"])))
			return nil
		},
	}
}

func newRegisterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Manually register a backend",
		Long: `Register a backend with the running proxy. This is for tool servers
managed outside the supervisor; supervised services self-register.

Examples:
  toolmesh proxy register github --port 10231
  toolmesh proxy register notes --host 127.0.0.1 --port 10232 --transport sse`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			payload := map[string]any{
				"server_name": args[0],
				"host":        registerHost,
				"port":        registerPort,
				"transport":   registerTransport,
			}
			if registerPID > 0 {
				payload["pid"] = registerPID
			}
			var body map[string]any
			if err := c.Post(cmd.Context(), "/proxy/register", payload, &body); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(body)
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("%s registered at %v", args[0], body["url"])))
			return nil
		},
	}

	cmd.Flags().StringVar(&registerHost, "host", "127.0.0.1", "Backend host")
	cmd.Flags().IntVar(&registerPort, "port", 0, "Backend port (required)")
	cmd.Flags().StringVar(&registerTransport, "transport", "http", "Backend transport (http, sse)")
	cmd.Flags().IntVar(&registerPID, "pid", 0, "Backend process ID (optional)")
	cmd.MarkFlagRequired("port")

	return cmd
}

func newUnregisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <name>",
		Short: "Remove a backend from the routing table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var body map[string]any
			if err := c.Delete(cmd.Context(), "/proxy/unregister/"+args[0], &body); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(body)
			}
			fmt.Println(shared.RenderOK(args[0] + " unregistered"))
			return nil
		},
	}
}

// getAndRender fetches a JSON endpoint and either emits it raw (--json) or
// hands it to render.
func getAndRender(ctx context.Context, path string, render func(map[string]any)) error {
	c, err := client()
	if err != nil {
		return err
	}
	var body map[string]any
	if err := c.Get(ctx, path, &body); err != nil {
		return err
	}
	if shared.GetJSON() {
		return shared.EmitJSON(body)
	}
	render(body)
	return nil
}
