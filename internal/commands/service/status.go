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
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/cli/format"
	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/jq"
	"github.com/tombee/toolmesh/internal/supervisor"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show the state of every configured service plus any registered
but unconfigured backends.

--filter takes an expression over the status fields (name, state,
transport, port, pid, auto_start). --jq transforms the JSON output.

Examples:
  toolmesh service status
  toolmesh service status --json
  toolmesh service status --filter 'state == "running"'
  toolmesh service status --json --jq '.services[].name'`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().StringVar(&statusFilter, "filter", "", "Expression to filter rows (e.g. 'state == \"running\"')")
	cmd.Flags().StringVar(&statusJQ, "jq", "", "jq expression applied to the JSON output")

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	statuses, err := rt.sup.Status()
	if err != nil {
		return shared.NewServiceError("failed to read status", err)
	}

	if statusFilter != "" {
		statuses, err = filterStatuses(statuses, statusFilter)
		if err != nil {
			return err
		}
	}

	if statusJQ != "" {
		return emitStatusJQ(cmd, statuses, statusJQ)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Services []supervisor.ServiceStatus `json:"services"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "service status", Success: true},
			Services:     statuses,
		})
	}

	if len(statuses) == 0 {
		fmt.Println("No services configured or registered")
		return nil
	}

	fmt.Printf("%-20s %-10s %-10s %-7s %-8s %s\n", "SERVICE", "STATE", "TRANSPORT", "PORT", "PID", "UPTIME")
	for _, st := range statuses {
		port := "-"
		if st.Port > 0 {
			port = fmt.Sprintf("%d", st.Port)
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		uptime := "-"
		if !st.StartedAt.IsZero() && st.State != supervisor.StateStopped {
			uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
		}
		fmt.Printf("%-20s %-10s %-10s %-7s %-8s %s\n",
			st.Name, renderState(st.State), st.Transport, port, pid, uptime)
	}
	return nil
}

func renderState(state supervisor.State) string {
	if !format.IsTTY() {
		return string(state)
	}
	switch state {
	case supervisor.StateRunning:
		return shared.StatusOK.Render(string(state))
	case supervisor.StateUnhealthy:
		return shared.StatusWarn.Render(string(state))
	default:
		return shared.Muted.Render(string(state))
	}
}

// filterStatuses keeps rows for which the expression evaluates true. Each
// row is exposed under its JSON field names.
func filterStatuses(statuses []supervisor.ServiceStatus, expression string) ([]supervisor.ServiceStatus, error) {
	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid --filter expression: %w", err)
	}

	var kept []supervisor.ServiceStatus
	for _, st := range statuses {
		env, err := statusEnv(st)
		if err != nil {
			return nil, err
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("--filter evaluation failed: %w", err)
		}
		if keep, ok := result.(bool); ok && keep {
			kept = append(kept, st)
		}
	}
	return kept, nil
}

// statusEnv converts a status row to a map keyed by JSON field name so
// filter expressions match the --json output.
func statusEnv(st supervisor.ServiceStatus) (map[string]any, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any)
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env, nil
}

// emitStatusJQ runs the jq expression over the JSON form of the listing
// and prints each result on its own line.
func emitStatusJQ(cmd *cobra.Command, statuses []supervisor.ServiceStatus, expression string) error {
	data, err := json.Marshal(map[string]any{"services": statuses})
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	executor := jq.NewExecutor(0, 0)
	result, err := executor.Execute(cmd.Context(), expression, doc)
	if err != nil {
		return fmt.Errorf("--jq failed: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	rendered, err := format.FormatJSON(string(out), format.IsTTY())
	if err != nil {
		return err
	}
	fmt.Println(rendered)
	return nil
}
