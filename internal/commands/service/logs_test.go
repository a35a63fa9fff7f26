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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailFile(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree\nfour\nfive\n")

	lines, err := tailFile(path, 3)
	if err != nil {
		t.Fatalf("tailFile() = %v", err)
	}
	want := []string{"three", "four", "five"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines = %v, want %v", lines, want)
		}
	}
}

func TestTailFileFewerLinesThanRequested(t *testing.T) {
	path := writeLog(t, "only\n")
	lines, err := tailFile(path, 50)
	if err != nil {
		t.Fatalf("tailFile() = %v", err)
	}
	if len(lines) != 1 || lines[0] != "only" {
		t.Errorf("lines = %v", lines)
	}
}

func TestTailFileEmpty(t *testing.T) {
	path := writeLog(t, "")
	lines, err := tailFile(path, 10)
	if err != nil {
		t.Fatalf("tailFile() = %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("lines = %v, want none", lines)
	}
}

func TestTailFileMissing(t *testing.T) {
	_, err := tailFile(filepath.Join(t.TempDir(), "absent.log"), 10)
	if !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestTailFileLargeFileDropsTruncatedLine(t *testing.T) {
	// Build a file bigger than the read window so the seek lands mid-line.
	var b strings.Builder
	for i := 0; b.Len() < maxLogRead+4096; i++ {
		fmt.Fprintf(&b, "line %d with enough padding to push past the read window\n", i)
	}
	path := writeLog(t, b.String())

	lines, err := tailFile(path, 5)
	if err != nil {
		t.Fatalf("tailFile() = %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "line ") {
			t.Errorf("truncated line leaked into output: %q", line)
		}
	}
}
