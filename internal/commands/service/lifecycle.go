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

package service

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/supervisor"
)

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [name|pattern]...",
		Short: "Start services",
		Long: `Start one or more configured services.

Starting a service that is already running and healthy is a no-op.
A service with stale remnants (dead PID file, unhealthy process) is
cleaned up and started fresh.

Examples:
  toolmesh service start github
  toolmesh service start 'github-*' notes
  toolmesh service start --all`,
		RunE: runStart,
	}

	cmd.Flags().BoolVar(&serviceAll, "all", false, "Start every configured service")
	cmd.Flags().BoolVar(&serviceDryRun, "dry-run", false, "Show what would be started without starting anything")

	return cmd
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [name|pattern]...",
		Short: "Stop services",
		Long: `Stop one or more running services.

Services get SIGTERM and a grace period before SIGKILL. --force skips
straight to SIGKILL.

Examples:
  toolmesh service stop github
  toolmesh service stop --all
  toolmesh service stop github --force`,
		RunE: runStop,
	}

	cmd.Flags().BoolVar(&serviceAll, "all", false, "Stop every configured service")
	cmd.Flags().BoolVar(&serviceForce, "force", false, "Kill immediately without graceful shutdown")
	cmd.Flags().BoolVar(&serviceDryRun, "dry-run", false, "Show what would be stopped without stopping anything")

	return cmd
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a service",
		Long: `Stop and start a service, releasing its previous port.

Examples:
  toolmesh service restart github`,
		Args: cobra.ExactArgs(1),
		RunE: runRestart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	names, err := selectServices(rt.cfg, args, serviceAll)
	if err != nil {
		return err
	}

	if serviceDryRun {
		return emitDryRun("service start", "would start", names)
	}

	var results []*supervisor.StartResult
	var failures []shared.JSONError
	for _, name := range names {
		result, err := rt.sup.Start(cmd.Context(), name)
		if err != nil {
			failures = append(failures, shared.JSONError{
				Code:    "start_failed",
				Message: err.Error(),
				Service: name,
			})
			continue
		}
		results = append(results, result)
	}

	if shared.GetJSON() {
		return emitLifecycleJSON("service start", results, failures)
	}

	for _, result := range results {
		if result.AlreadyRunning {
			fmt.Println(shared.RenderOK(fmt.Sprintf("%s already running (pid %d, port %d)",
				result.Name, result.PID, result.Port)))
			continue
		}
		fmt.Println(shared.RenderOK(fmt.Sprintf("%s started (pid %d, %s port %d)",
			result.Name, result.PID, result.Transport, result.Port)))
	}
	for _, failure := range failures {
		fmt.Println(shared.RenderError(fmt.Sprintf("%s: %s", failure.Service, failure.Message)))
	}
	if len(failures) > 0 {
		return shared.NewServiceError(fmt.Sprintf("%d of %d services failed to start",
			len(failures), len(names)), nil)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	names, err := selectServices(rt.cfg, args, serviceAll)
	if err != nil {
		return err
	}

	if serviceDryRun {
		return emitDryRun("service stop", "would stop", names)
	}

	var failures []shared.JSONError
	var stopped []string
	for _, name := range names {
		if err := rt.sup.Stop(cmd.Context(), name, serviceForce); err != nil {
			failures = append(failures, shared.JSONError{
				Code:    "stop_failed",
				Message: err.Error(),
				Service: name,
			})
			continue
		}
		stopped = append(stopped, name)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Stopped []string           `json:"stopped"`
			Errors  []shared.JSONError `json:"errors,omitempty"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "service stop", Success: len(failures) == 0},
			Stopped:      stopped,
			Errors:       failures,
		})
	}

	for _, name := range stopped {
		fmt.Println(shared.RenderOK(name + " stopped"))
	}
	for _, failure := range failures {
		fmt.Println(shared.RenderError(fmt.Sprintf("%s: %s", failure.Service, failure.Message)))
	}
	if len(failures) > 0 {
		return shared.NewServiceError(fmt.Sprintf("%d of %d services failed to stop",
			len(failures), len(names)), nil)
	}
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	name := args[0]
	if _, ok := rt.cfg.Services[name]; !ok {
		return fmt.Errorf("service %q is not configured", name)
	}

	result, err := rt.sup.Restart(cmd.Context(), name)
	if err != nil {
		return shared.NewServiceError("restart failed", err)
	}

	if shared.GetJSON() {
		return emitLifecycleJSON("service restart", []*supervisor.StartResult{result}, nil)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("%s restarted (pid %d, %s port %d)",
		result.Name, result.PID, result.Transport, result.Port)))
	return nil
}

func emitDryRun(command, verb string, names []string) error {
	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Services []string `json:"services"`
			DryRun   bool     `json:"dry_run"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: command, Success: true},
			Services:     names,
			DryRun:       true,
		})
	}
	for _, name := range names {
		fmt.Printf("%s %s\n", verb, name)
	}
	return nil
}

func emitLifecycleJSON(command string, results []*supervisor.StartResult, failures []shared.JSONError) error {
	type response struct {
		shared.JSONResponse
		Services []*supervisor.StartResult `json:"services"`
		Errors   []shared.JSONError        `json:"errors,omitempty"`
	}
	return shared.EmitJSON(response{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: command, Success: len(failures) == 0},
		Services:     results,
		Errors:       failures,
	})
}
