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

// Package eventscmd implements the events commands over the lifecycle
// journal.
package eventscmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/events"
)

var (
	eventsService string
	eventsType    string
	eventsSince   string
	eventsLimit   int
	pruneOlder    string
)

// NewCommand creates the events command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the lifecycle event journal",
		Long: `Inspect the journal of service lifecycle events: starts, stops,
crashes, restarts and proxy registrations.

Commands:
  list   Show recent events
  prune  Delete old events

Examples:
  toolmesh events list
  toolmesh events list --service github --type service.crashed
  toolmesh events prune --older-than 720h`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newPruneCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent events",
		Long: `List journal events, newest first.

Examples:
  toolmesh events list
  toolmesh events list --service github --limit 20
  toolmesh events list --since 24h --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	cmd.Flags().StringVar(&eventsService, "service", "", "Only events about this service")
	cmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type (e.g. service.crashed)")
	cmd.Flags().StringVar(&eventsSince, "since", "", "Only events newer than this duration (e.g. 24h)")
	cmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events")

	return cmd
}

func newPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old events",
		Long: `Delete events older than the given duration.

Examples:
  toolmesh events prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: runPrune,
	}

	cmd.Flags().StringVar(&pruneOlder, "older-than", "720h", "Delete events older than this duration")

	return cmd
}

func openJournal() (*events.Journal, error) {
	path, err := config.EventsPath()
	if err != nil {
		return nil, err
	}
	journal, err := events.Open(events.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}
	return journal, nil
}

func runList(cmd *cobra.Command, args []string) error {
	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	filter := events.Filter{
		Service: eventsService,
		Type:    events.Type(eventsType),
		Limit:   eventsLimit,
	}
	if eventsSince != "" {
		d, err := time.ParseDuration(eventsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		since := time.Now().Add(-d)
		filter.Since = &since
	}

	list, err := journal.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Events []events.Event `json:"events"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "events list", Success: true},
			Events:       list,
		})
	}

	if len(list) == 0 {
		fmt.Println("No events recorded")
		return nil
	}
	for _, ev := range list {
		when := ev.CreatedAt.Local().Format("2006-01-02 15:04:05")
		line := fmt.Sprintf("%s  %-20s %s", when, ev.Type, ev.Service)
		if ev.Message != "" {
			line += "  " + shared.Muted.Render(ev.Message)
		}
		fmt.Println(line)
	}
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	d, err := time.ParseDuration(pruneOlder)
	if err != nil {
		return fmt.Errorf("invalid --older-than duration: %w", err)
	}

	journal, err := openJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	pruned, err := journal.Prune(cmd.Context(), time.Now().Add(-d))
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Pruned int64 `json:"pruned"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "events prune", Success: true},
			Pruned:       pruned,
		})
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("pruned %d events", pruned)))
	return nil
}
