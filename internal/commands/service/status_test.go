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
	"strings"
	"testing"

	"github.com/tombee/toolmesh/internal/config"
	"github.com/tombee/toolmesh/internal/supervisor"
)

func testStatuses() []supervisor.ServiceStatus {
	return []supervisor.ServiceStatus{
		{Name: "github", Transport: config.TransportHTTP, Port: 42101, PID: 1234, State: supervisor.StateRunning, Configured: true, AutoStart: true},
		{Name: "notes", Transport: config.TransportSSE, Port: 42102, PID: 1250, State: supervisor.StateUnhealthy, Configured: true},
		{Name: "scratch", Transport: config.TransportHTTP, State: supervisor.StateStopped, Configured: true},
	}
}

func TestFilterStatuses(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		want       []string
		wantErr    string
	}{
		{
			name:       "by state",
			expression: `state == "running"`,
			want:       []string{"github"},
		},
		{
			name:       "numeric comparison",
			expression: `port > 42101`,
			want:       []string{"notes"},
		},
		{
			name:       "boolean field",
			expression: `auto_start`,
			want:       []string{"github"},
		},
		{
			name:       "compound expression",
			expression: `state != "stopped" && transport == "sse"`,
			want:       []string{"notes"},
		},
		{
			name:       "undefined variable is nil, not an error",
			expression: `bogus_field == "x"`,
			want:       nil,
		},
		{
			name:       "syntax error rejected at compile",
			expression: `state ==`,
			wantErr:    "invalid --filter expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := filterStatuses(testStatuses(), tt.expression)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("filterStatuses() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("filterStatuses() error = %v", err)
			}
			var names []string
			for _, st := range got {
				names = append(names, st.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("filterStatuses() kept %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("filterStatuses() kept %v, want %v", names, tt.want)
				}
			}
		})
	}
}

func TestStatusEnvUsesJSONNames(t *testing.T) {
	env, err := statusEnv(testStatuses()[0])
	if err != nil {
		t.Fatal(err)
	}
	if env["name"] != "github" {
		t.Errorf("name = %v", env["name"])
	}
	if env["state"] != "running" {
		t.Errorf("state = %v", env["state"])
	}
	// JSON numbers decode as float64; the filter env must match.
	if env["port"] != float64(42101) {
		t.Errorf("port = %v (%T)", env["port"], env["port"])
	}
	if _, ok := env["PID"]; ok {
		t.Error("Go field names must not leak into the filter env")
	}
}
