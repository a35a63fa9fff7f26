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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProxyClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{"backends": 2})
	}))
	defer srv.Close()

	var out struct {
		Backends int `json:"backends"`
	}
	c := NewProxyClient(srv.URL)
	if err := c.Get(context.Background(), "/proxy/status", &out); err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if out.Backends != 2 {
		t.Errorf("backends = %d", out.Backends)
	}
}

func TestProxyClientPostSendsBodyAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		var body struct {
			ServerName string `json:"server_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.ServerName != "docs" {
			t.Errorf("server_name = %q", body.ServerName)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
	}))
	defer srv.Close()

	c := NewProxyClient(srv.URL).WithToken("tok123")
	payload := map[string]any{"server_name": "docs", "host": "127.0.0.1", "port": 42101}
	if err := c.Post(context.Background(), "/proxy/register", payload, nil); err != nil {
		t.Fatalf("Post() = %v", err)
	}
}

func TestProxyClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no backend named docs"})
	}))
	defer srv.Close()

	err := NewProxyClient(srv.URL).Delete(context.Background(), "/proxy/unregister/docs", nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "no backend named docs") {
		t.Errorf("error = %v, want proxy envelope message", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code", err)
	}
}

func TestProxyClientUnreachable(t *testing.T) {
	// Point at a server that is already shut down.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewProxyClient(url).Get(context.Background(), "/proxy/status", nil)
	if err == nil {
		t.Fatal("expected error for unreachable proxy")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitProxyUnreachable {
		t.Errorf("expected ExitProxyUnreachable, got %v", err)
	}
	if !strings.Contains(err.Error(), "is toolmeshd running?") {
		t.Errorf("error = %v, want daemon hint", err)
	}
}

func TestReadAPIError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"envelope", `{"error": "rate limited"}`, "rate limited"},
		{"plain text", "bad gateway", "bad gateway"},
		{"empty", "", "(no response body)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := readAPIError(strings.NewReader(tt.body)); got != tt.want {
				t.Errorf("readAPIError(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}
