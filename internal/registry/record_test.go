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

package registry

import (
	"testing"

	"github.com/tombee/toolmesh/internal/config"
)

func TestServiceRecord_Key(t *testing.T) {
	tests := []struct {
		name string
		rec  ServiceRecord
		want string
	}{
		{
			name: "http includes port",
			rec:  ServiceRecord{Name: "filesvc", Transport: config.TransportHTTP, Port: 10231},
			want: "filesvc-http-10231",
		},
		{
			name: "sse includes port",
			rec:  ServiceRecord{Name: "filesvc", Transport: config.TransportSSE, Port: 10232},
			want: "filesvc-sse-10232",
		},
		{
			name: "stdio has no port segment",
			rec:  ServiceRecord{Name: "filesvc", Transport: config.TransportStdio},
			want: "filesvc-stdio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceRecord_Address(t *testing.T) {
	rec := ServiceRecord{Host: "127.0.0.1", Port: 10231}
	if got := rec.Address(); got != "127.0.0.1:10231" {
		t.Errorf("Address() = %q, want 127.0.0.1:10231", got)
	}

	rec = ServiceRecord{Host: "::1", Port: 10231}
	if got := rec.Address(); got != "[::1]:10231" {
		t.Errorf("Address() = %q, want [::1]:10231", got)
	}
}

func TestServiceRecord_IsLocal(t *testing.T) {
	local := ServiceRecord{Host: "127.0.0.1"}
	if !local.IsLocal() {
		t.Error("IsLocal() = false for 127.0.0.1")
	}
	remote := ServiceRecord{Host: "mesh-probe-target.invalid"}
	if remote.IsLocal() {
		t.Error("IsLocal() = true for an unresolvable host")
	}
}
