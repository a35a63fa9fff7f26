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

package bridge

import (
	"encoding/json"
	"strings"
	"testing"
)

const sampleSchema = `{
	"type": "object",
	"properties": {
		"path":  {"type": "string"},
		"limit": {"type": "integer"},
		"ratio": {"type": "number"},
		"deep":  {"type": "boolean"},
		"tags":  {"type": "array"},
		"meta":  {"type": "object"},
		"loose": {}
	},
	"required": ["path"]
}`

func TestParseToolSchema(t *testing.T) {
	s := parseToolSchema(json.RawMessage(sampleSchema))
	if s == nil {
		t.Fatal("schema did not parse")
	}
	if len(s.required) != 1 || s.required[0] != "path" {
		t.Errorf("required = %v", s.required)
	}
	if s.properties["limit"] != "integer" {
		t.Errorf("limit type = %q", s.properties["limit"])
	}
	if s.properties["loose"] != "" {
		t.Errorf("untyped property got type %q", s.properties["loose"])
	}
}

func TestParseToolSchemaLenient(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"malformed", `{"type": "object", "properties": [}`},
		{"non-object root", `{"type": "string"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := parseToolSchema(json.RawMessage(tc.raw))
			if s != nil {
				t.Fatalf("expected nil schema for %s", tc.name)
			}
			// A nil schema validates anything.
			if err := s.validate(map[string]any{"whatever": 1}); err != nil {
				t.Errorf("nil schema rejected args: %v", err)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	s := parseToolSchema(json.RawMessage(sampleSchema))

	cases := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"all valid", map[string]any{"path": "/tmp", "limit": float64(3), "deep": true}, ""},
		{"missing required", map[string]any{"limit": float64(3)}, "missing required"},
		{"wrong string", map[string]any{"path": 42.0}, `"path" must be of type string`},
		{"wrong integer", map[string]any{"path": "x", "limit": 1.5}, `"limit" must be of type integer`},
		{"number accepts float", map[string]any{"path": "x", "ratio": 1.5}, ""},
		{"wrong boolean", map[string]any{"path": "x", "deep": "yes"}, `"deep" must be of type boolean`},
		{"array ok", map[string]any{"path": "x", "tags": []any{"a"}}, ""},
		{"object ok", map[string]any{"path": "x", "meta": map[string]any{"k": "v"}}, ""},
		{"wrong object", map[string]any{"path": "x", "meta": "nope"}, `"meta" must be of type object`},
		{"undeclared passes through", map[string]any{"path": "x", "extra": 99.0}, ""},
		{"untyped passes anything", map[string]any{"path": "x", "loose": []any{1.0}}, ""},
		{"null satisfies any type", map[string]any{"path": "x", "limit": nil}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.validate(tc.args)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDeriveName(t *testing.T) {
	cases := []struct {
		command string
		want    string
	}{
		{"/usr/local/bin/filesystem-server", "filesystem-server"},
		{"./weather_tool.py", "weather_tool"},
		{"My Tool.exe", "my-tool"},
		{"/opt/3cx-cli", "bridge-3cx-cli"},
		{"@#$", "bridge"},
	}
	for _, tc := range cases {
		if got := deriveName(tc.command); got != tc.want {
			t.Errorf("deriveName(%q) = %q, want %q", tc.command, got, tc.want)
		}
	}
}
