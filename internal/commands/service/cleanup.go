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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
)

func newCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale PID files and dead registry entries",
		Long: `Sweep state left behind by dead services: PID files whose process
is gone, local registry records that fail a liveness probe, and
orphaned processes still matching a configured command.

Killing orphans is destructive, so the sweep asks for confirmation
unless --yes is passed. Remote registry records are never touched.

Examples:
  toolmesh service cleanup
  toolmesh service cleanup --yes --json`,
		Args: cobra.NoArgs,
		RunE: runCleanup,
	}

	cmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if !cleanupYes && !shared.GetJSON() {
		confirmed := false
		prompt := &survey.Confirm{
			Message: "Sweep stale PID files, dead registry entries and orphaned processes?",
			Default: true,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Cleanup canceled")
			return nil
		}
	}

	report, err := rt.sup.CleanupDead(cmd.Context())
	if err != nil {
		return shared.NewServiceError("cleanup failed", err)
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			StalePIDFiles []string `json:"stale_pid_files"`
			PrunedRecords []string `json:"pruned_records"`
			KilledPIDs    []int    `json:"killed_pids"`
		}
		return shared.EmitJSON(response{
			JSONResponse:  shared.JSONResponse{Version: "1.0", Command: "service cleanup", Success: true},
			StalePIDFiles: report.StalePIDFiles,
			PrunedRecords: report.PrunedRecords,
			KilledPIDs:    report.KilledPIDs,
		})
	}

	if report.Empty() {
		fmt.Println(shared.RenderOK("nothing to clean"))
		return nil
	}
	for _, path := range report.StalePIDFiles {
		fmt.Println(shared.RenderOK("removed stale PID file " + path))
	}
	for _, key := range report.PrunedRecords {
		fmt.Println(shared.RenderOK("pruned dead registry entry " + key))
	}
	for _, pid := range report.KilledPIDs {
		fmt.Println(shared.RenderOK(fmt.Sprintf("killed orphaned process %d", pid)))
	}
	return nil
}
