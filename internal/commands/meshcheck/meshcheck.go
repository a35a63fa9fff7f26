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

// Package meshcheck implements the validate command: it reports drift
// between the config file and the on-disk registry, and optionally
// repairs it.
package meshcheck

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/toolmesh/internal/commands/shared"
	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/registry"
)

var repairFlag bool

// Finding is one piece of registry-vs-config drift.
type Finding struct {
	Kind     string `json:"kind"`
	Service  string `json:"service"`
	Key      string `json:"key"`
	Detail   string `json:"detail"`
	Repaired bool   `json:"repaired,omitempty"`
}

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check config and registry for drift",
		Long: `Validate the config file, then compare it against the service
registry. Reported drift:

  unknown-service  a local registry record for a service the config
                   does not define
  port-mismatch    a local record on a different port than the config
                   pins for that service
  dead-record      a local record whose process is gone

--repair removes the drifting local records. Remote records are never
touched; another host's mesh owns them.

Examples:
  toolmesh validate
  toolmesh validate --repair`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}

	cmd.Flags().BoolVar(&repairFlag, "repair", false, "Remove drifting local registry records")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ResolvePaths(); err != nil {
		return shared.NewInvalidConfigError("failed to resolve paths", err)
	}

	reg := registry.New(cfg.Registry, shared.NewLogger(cfg))
	findings, err := inspect(cfg, reg)
	if err != nil {
		return shared.NewServiceError("failed to read registry", err)
	}

	if repairFlag {
		for i := range findings {
			if _, err := reg.Unregister(findings[i].Key); err == nil {
				findings[i].Repaired = true
			}
		}
	}

	if shared.GetJSON() {
		type response struct {
			shared.JSONResponse
			Findings []Finding `json:"findings"`
		}
		return shared.EmitJSON(response{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "validate", Success: len(findings) == 0 || repairFlag},
			Findings:     findings,
		})
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("config is valid (%d services)", len(cfg.Services))))
	if len(findings) == 0 {
		fmt.Println(shared.RenderOK("registry matches config"))
		return nil
	}
	for _, f := range findings {
		line := fmt.Sprintf("%s: %s (%s)", f.Kind, f.Service, f.Detail)
		if f.Repaired {
			fmt.Println(shared.RenderOK(line + " removed"))
		} else {
			fmt.Println(shared.RenderWarn(line))
		}
	}
	if !repairFlag {
		fmt.Println(shared.Muted.Render("run with --repair to remove these records"))
	}
	return nil
}

// inspect compares local registry records against the configured service
// set. Remote records are out of scope: they belong to another host.
func inspect(cfg *config.Config, reg *registry.Registry) ([]Finding, error) {
	records, err := reg.List()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var findings []Finding
	for _, key := range keys {
		rec := records[key]
		if !rec.IsLocal() {
			continue
		}

		entry, configured := cfg.Services[rec.Name]
		switch {
		case !configured:
			findings = append(findings, Finding{
				Kind:    "unknown-service",
				Service: rec.Name,
				Key:     key,
				Detail:  "not in config",
			})
		case entry.Port > 0 && rec.Port > 0 && rec.Port != entry.Port:
			findings = append(findings, Finding{
				Kind:    "port-mismatch",
				Service: rec.Name,
				Key:     key,
				Detail:  fmt.Sprintf("registered on %d, config pins %d", rec.Port, entry.Port),
			})
		case !reg.IsAlive(rec):
			findings = append(findings, Finding{
				Kind:    "dead-record",
				Service: rec.Name,
				Key:     key,
				Detail:  "process is gone",
			})
		}
	}
	return findings, nil
}
