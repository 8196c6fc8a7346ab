package diagnostics

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if err := j.Record(1, EventConnectionOpened, "callsign=test"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(1, EventAnnounceAquire, "className=Calculator"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(2, EventConnectionOpened, "callsign=other"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := j.Recent(1, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for connection 1, got %d", len(events))
	}
	if events[0].Kind != EventAnnounceAquire {
		t.Fatalf("expected most recent event first, got %v", events[0].Kind)
	}
}

func TestRecordAsyncDoesNotBlock(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	start := time.Now()
	j.RecordAsync(1, EventChildLaunched, "callsign=child")
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("RecordAsync should return immediately")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		events, err := j.Recent(1, 10)
		if err == nil && len(events) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the async record to land eventually")
}
