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

package shared

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
)

// captureStdout runs fn while stdout is redirected to a pipe and returns
// what was written.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()
	w.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestEmitJSONEnvelope(t *testing.T) {
	type statusResponse struct {
		JSONResponse
		Services []string `json:"services"`
	}

	out := captureStdout(t, func() {
		if err := EmitJSON(statusResponse{
			JSONResponse: JSONResponse{Version: "1.0", Command: "service status", Success: true},
			Services:     []string{"docs", "search"},
		}); err != nil {
			t.Errorf("EmitJSON() = %v", err)
		}
	})

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if decoded["@version"] != "1.0" {
		t.Errorf("@version = %v", decoded["@version"])
	}
	if decoded["command"] != "service status" {
		t.Errorf("command = %v", decoded["command"])
	}
	if decoded["success"] != true {
		t.Errorf("success = %v", decoded["success"])
	}
	if !bytes.Contains([]byte(out), []byte("\n  ")) {
		t.Error("expected indented output")
	}
}

func TestEmitJSONError(t *testing.T) {
	out := captureStdout(t, func() {
		if err := EmitJSONError("service start", []JSONError{
			{Code: "start_failed", Message: "spawn failed", Service: "docs", Suggestion: "check the service log"},
		}); err != nil {
			t.Errorf("EmitJSONError() = %v", err)
		}
	})

	var decoded struct {
		Success bool        `json:"success"`
		Errors  []JSONError `json:"errors"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if decoded.Success {
		t.Error("success should be false on an error envelope")
	}
	if len(decoded.Errors) != 1 || decoded.Errors[0].Service != "docs" {
		t.Errorf("errors = %+v", decoded.Errors)
	}
}

func TestJSONErrorOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(JSONError{Code: "not_found", Message: "no such service"})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("service")) || bytes.Contains(raw, []byte("suggestion")) {
		t.Errorf("empty fields not omitted: %s", raw)
	}
}
