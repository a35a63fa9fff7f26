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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestWantsStreaming(t *testing.T) {
	tests := []struct {
		name   string
		method string
		accept string
		want   bool
	}{
		{"GET with event-stream", http.MethodGet, "text/event-stream", true},
		{"GET with event-stream among others", http.MethodGet, "application/json, text/event-stream", true},
		{"GET uppercase accept", http.MethodGet, "TEXT/EVENT-STREAM", true},
		{"GET plain JSON", http.MethodGet, "application/json", false},
		{"GET no accept", http.MethodGet, "", false},
		{"POST with event-stream first", http.MethodPost, "text/event-stream, application/json", true},
		{"POST with quality param", http.MethodPost, "text/event-stream;q=0.9, application/json", true},
		{"POST with event-stream second", http.MethodPost, "application/json, text/event-stream", false},
		{"POST plain JSON", http.MethodPost, "application/json", false},
		{"PUT with event-stream first", http.MethodPut, "text/event-stream", true},
		{"PATCH with event-stream first", http.MethodPatch, "text/event-stream", true},
		{"DELETE never streams", http.MethodDelete, "text/event-stream", false},
		{"HEAD never streams", http.MethodHead, "text/event-stream", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/mcp/filesvc", nil)
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			if got := wantsStreaming(r); got != tt.want {
				t.Errorf("wantsStreaming(%s, %q) = %v, want %v", tt.method, tt.accept, got, tt.want)
			}
		})
	}
}

func TestFirstAcceptType(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"text/event-stream", "text/event-stream"},
		{"text/event-stream, application/json", "text/event-stream"},
		{"application/json, text/event-stream", "application/json"},
		{"  Text/Event-Stream ; q=0.8 ", "text/event-stream"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstAcceptType(tt.accept); got != tt.want {
			t.Errorf("firstAcceptType(%q) = %q, want %q", tt.accept, got, tt.want)
		}
	}
}

func TestScanSessionID(t *testing.T) {
	t.Run("underscore spelling", func(t *testing.T) {
		id, _ := scanSessionID(nil, []byte("data: /messages?session_id=abc-123\n\n"))
		if id != "abc-123" {
			t.Errorf("id = %q, want abc-123", id)
		}
	})

	t.Run("camelCase spelling", func(t *testing.T) {
		id, _ := scanSessionID(nil, []byte(`{"endpoint":"/messages?sessionId=xyz.789"}`))
		if id != "xyz.789" {
			t.Errorf("id = %q, want xyz.789", id)
		}
	})

	t.Run("id split across chunks", func(t *testing.T) {
		id, carry := scanSessionID(nil, []byte("data: /messages?session_"))
		if id != "" {
			t.Fatalf("id = %q on partial chunk, want empty", id)
		}
		id, _ = scanSessionID(carry, []byte("id=split-id-42\n\n"))
		if id != "split-id-42" {
			t.Errorf("id = %q after joining chunks, want split-id-42", id)
		}
	})

	t.Run("no match", func(t *testing.T) {
		id, _ := scanSessionID(nil, []byte("event: ping\ndata: {}\n\n"))
		if id != "" {
			t.Errorf("id = %q, want empty", id)
		}
	})

	t.Run("carry is bounded", func(t *testing.T) {
		var carry []byte
		for i := 0; i < 10; i++ {
			_, carry = scanSessionID(carry, []byte(strings.Repeat("x", 1024)))
		}
		if len(carry) > sessionScanTail {
			t.Errorf("carry grew to %d bytes, want at most %d", len(carry), sessionScanTail)
		}
		// The bounded carry must still join a split id.
		_, carry = scanSessionID(carry, []byte("session_id="))
		id, _ := scanSessionID(carry, []byte("tail-id"))
		if id != "tail-id" {
			t.Errorf("id = %q across bounded carry, want tail-id", id)
		}
	})
}

// timeoutErr implements net.Error the way dial timeouts surface.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyForwardError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{
			name:       "connection refused",
			err:        fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}),
			wantStatus: http.StatusServiceUnavailable,
			wantKind:   "refused",
		},
		{
			name:       "dial timeout",
			err:        fmt.Errorf("dial: %w", timeoutErr{}),
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   "timeout",
		},
		{
			name:       "context deadline",
			err:        fmt.Errorf("do: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantKind:   "timeout",
		},
		{
			name:       "anything else",
			err:        errors.New("tls handshake failure"),
			wantStatus: http.StatusBadGateway,
			wantKind:   "unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classifyForwardError(tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Errorf("classifyForwardError() = (%d, %q), want (%d, %q)",
					status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}

func TestStripRelayHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "42")
	h.Set("Authorization", "Bearer token")
	h.Set("Mcp-Session-Id", "sess-1")

	stripRelayHeaders(h)

	for _, gone := range []string{"Connection", "Keep-Alive", "Proxy-Authorization", "Transfer-Encoding", "Content-Length"} {
		if h.Get(gone) != "" {
			t.Errorf("header %s survived strip, want removed", gone)
		}
	}
	for _, kept := range []string{"Authorization", "Mcp-Session-Id"} {
		if h.Get(kept) == "" {
			t.Errorf("end-to-end header %s was stripped, want kept", kept)
		}
	}
}
