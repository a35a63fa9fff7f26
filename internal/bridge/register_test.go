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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestRegisterRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/register" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) < 3 {
			// Simulate registry lock contention on the proxy side.
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "registry lock contended"})
			return
		}
		var reg registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		if reg.ServerName != "wrapped" || reg.Port != 12345 || reg.Transport != "sse" {
			t.Errorf("payload = %+v", reg)
		}
		json.NewEncoder(w).Encode(map[string]any{"registered": true})
	}))
	defer srv.Close()

	c := newProxyClient(srv.URL)
	err := c.Register(context.Background(), registration{
		ServerName: "wrapped",
		Host:       "127.0.0.1",
		Port:       12345,
		Transport:  "sse",
		PID:        999,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRegisterGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "still down"})
	}))
	defer srv.Close()

	c := newProxyClient(srv.URL)
	err := c.Register(context.Background(), registration{ServerName: "w", Host: "h", Port: 1, Transport: "sse"})
	if err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
}

func TestUnregisterTolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/proxy/unregister/wrapped" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown backend"})
	}))
	defer srv.Close()

	c := newProxyClient(srv.URL)
	if err := c.Unregister(context.Background(), "wrapped"); err != nil {
		t.Fatalf("404 should count as unregistered: %v", err)
	}
}
