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
	"testing"

	"github.com/tombee/toolmesh/internal/config"
)

func mirrorBackend(name string, port int) Backend {
	return Backend{Name: name, Transport: config.TransportHTTP, Host: "127.0.0.1", Port: port}
}

func TestMirrorSole(t *testing.T) {
	m := newMirror()
	if _, ok := m.sole(); ok {
		t.Error("sole() on empty mirror = true, want false")
	}

	m.set(mirrorBackend("alpha", 9001))
	b, ok := m.sole()
	if !ok || b.Name != "alpha" {
		t.Errorf("sole() = (%q, %v), want (alpha, true)", b.Name, ok)
	}

	m.set(mirrorBackend("beta", 9002))
	if _, ok := m.sole(); ok {
		t.Error("sole() with two backends = true, want false")
	}
}

func TestMirrorNamesSorted(t *testing.T) {
	m := newMirror()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		m.set(mirrorBackend(name, 9000))
	}
	got := m.names()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names() = %v, want %v", got, want)
		}
	}
}

func TestMirrorRemoveReturnsPrevious(t *testing.T) {
	m := newMirror()
	m.set(mirrorBackend("alpha", 9001))

	prev, had := m.remove("alpha")
	if !had || prev.Port != 9001 {
		t.Errorf("remove(alpha) = (%+v, %v), want previous entry", prev, had)
	}
	if _, had := m.remove("alpha"); had {
		t.Error("second remove(alpha) = true, want false")
	}
}

func TestMirrorReplaceAll(t *testing.T) {
	m := newMirror()
	m.set(mirrorBackend("old", 9001))

	m.replaceAll(map[string]Backend{
		"new-a": mirrorBackend("new-a", 9002),
		"new-b": mirrorBackend("new-b", 9003),
	})
	if m.has("old") {
		t.Error("replaceAll kept stale entry")
	}
	if !m.has("new-a") || !m.has("new-b") {
		t.Errorf("replaceAll missing entries, have %v", m.names())
	}
	if m.len() != 2 {
		t.Errorf("len() = %d, want 2", m.len())
	}
}
