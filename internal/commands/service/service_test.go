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
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/tombee/toolmesh/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Services: map[string]config.ServiceEntry{
			"github":        {Command: "github-mcp"},
			"github-issues": {Command: "github-issues-mcp"},
			"notes":         {Command: "notes-mcp"},
		},
	}
}

func TestSelectServices(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		all     bool
		want    []string
		wantErr string
	}{
		{
			name: "all selects every configured service sorted",
			all:  true,
			want: []string{"github", "github-issues", "notes"},
		},
		{
			name: "exact names preserve argument order",
			args: []string{"notes", "github"},
			want: []string{"notes", "github"},
		},
		{
			name: "glob pattern",
			args: []string{"github*"},
			want: []string{"github", "github-issues"},
		},
		{
			name: "overlapping selections deduplicate",
			args: []string{"github", "github*"},
			want: []string{"github", "github-issues"},
		},
		{
			name:    "unknown name",
			args:    []string{"gitlab"},
			wantErr: `no configured service matches "gitlab"`,
		},
		{
			name:    "pattern matching nothing",
			args:    []string{"db-*"},
			wantErr: "no configured service matches",
		},
		{
			name:    "all with names",
			args:    []string{"github"},
			all:     true,
			wantErr: "--all cannot be combined",
		},
		{
			name:    "nothing selected",
			wantErr: "no services selected",
		},
	}

	cfg := testConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectServices(cfg, tt.args, tt.all)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("selectServices() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectServices() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("selectServices() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmitDryRunPlain(t *testing.T) {
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	if err := emitDryRun("service start", "would start", []string{"github", "notes"}); err != nil {
		t.Fatalf("emitDryRun() error = %v", err)
	}
	w.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured output: %v", err)
	}
	want := "would start github\nwould start notes\n"
	if string(out) != want {
		t.Errorf("emitDryRun() output = %q, want %q", out, want)
	}
}
