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

package events

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() with empty path error = nil, want error")
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "toolmesh", "events.db")
	j, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Event{
		Type:      TypeServiceStarted,
		Service:   "filesvc",
		Transport: "http",
		Port:      10231,
		PID:       4242,
		Message:   "started on port 10231",
		Details:   map[string]any{"attempt": float64(1)},
		CreatedAt: base,
	}
	second := Event{
		Type:      TypeServiceStopped,
		Service:   "filesvc",
		Transport: "http",
		CreatedAt: base.Add(time.Minute),
	}

	if err := j.Record(ctx, first); err != nil {
		t.Fatalf("Record(first) error = %v", err)
	}
	if err := j.Record(ctx, second); err != nil {
		t.Fatalf("Record(second) error = %v", err)
	}

	got, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d events, want 2", len(got))
	}

	// Newest first.
	if got[0].Type != TypeServiceStopped {
		t.Errorf("List()[0].Type = %s, want %s", got[0].Type, TypeServiceStopped)
	}

	oldest := got[1]
	if oldest.Service != "filesvc" || oldest.Port != 10231 || oldest.PID != 4242 {
		t.Errorf("round-trip lost fields: %+v", oldest)
	}
	if oldest.Message != "started on port 10231" {
		t.Errorf("Message = %q", oldest.Message)
	}
	if oldest.Details["attempt"] != float64(1) {
		t.Errorf("Details = %v, want attempt=1", oldest.Details)
	}
	if !oldest.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", oldest.CreatedAt, base)
	}
}

func TestRecord_RequiresType(t *testing.T) {
	j := openTestJournal(t)
	err := j.Record(context.Background(), Event{Service: "filesvc"})
	if err == nil {
		t.Error("Record() without type error = nil, want error")
	}
}

func TestRecord_FillsCreatedAt(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, Event{Type: TypeServiceStarted, Service: "filesvc"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].CreatedAt.IsZero() {
		t.Errorf("CreatedAt not filled: %+v", got)
	}
}

func TestList_Filters(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []Event{
		{Type: TypeServiceStarted, Service: "filesvc", CreatedAt: base},
		{Type: TypeServiceStopped, Service: "filesvc", CreatedAt: base.Add(time.Minute)},
		{Type: TypeServiceStarted, Service: "notes", CreatedAt: base.Add(2 * time.Minute)},
		{Type: TypeRegistryPruned, CreatedAt: base.Add(3 * time.Minute)},
	}
	for i, ev := range seed {
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record(seed[%d]) error = %v", i, err)
		}
	}

	t.Run("by service", func(t *testing.T) {
		got, err := j.List(ctx, Filter{Service: "filesvc"})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("List(service=filesvc) returned %d events, want 2", len(got))
		}
	})

	t.Run("by type", func(t *testing.T) {
		got, err := j.List(ctx, Filter{Type: TypeServiceStarted})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("List(type=started) returned %d events, want 2", len(got))
		}
	})

	t.Run("by time window", func(t *testing.T) {
		since := base.Add(30 * time.Second)
		until := base.Add(150 * time.Second)
		got, err := j.List(ctx, Filter{Since: &since, Until: &until})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("List(window) returned %d events, want 2", len(got))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		got, err := j.List(ctx, Filter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List(limit=2 offset=1) returned %d events, want 2", len(got))
		}
		// Second-newest first after skipping the newest.
		if got[0].Type != TypeServiceStarted || got[0].Service != "notes" {
			t.Errorf("List()[0] = %+v, want notes start event", got[0])
		}
	})
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		ev := Event{Type: TypeServiceStarted, Service: "filesvc", CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	deleted, err := j.Prune(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("Prune() deleted %d, want 2", deleted)
	}

	got, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List() after prune returned %d events, want 2", len(got))
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	if err := r.Record(context.Background(), Event{Type: TypeServiceStarted}); err != nil {
		t.Errorf("Nop.Record() error = %v", err)
	}
}
