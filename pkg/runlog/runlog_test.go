package runlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		rec := Record{Timestamp: time.Now().UTC(), SourceKey: "proj/a", Outcome: OutcomeFull, Duration: time.Second}
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Tail returned %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.SourceKey != "proj/a" || r.Outcome != OutcomeFull {
			t.Errorf("record = %+v", r)
		}
	}
}

func TestAppend_RotatesPastMaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log.maxBytes = 1 // force rotation on every append after the first

	for i := 0; i < 3; i++ {
		rec := Record{Timestamp: time.Now().UTC(), SourceKey: "proj/a", Outcome: OutcomeFull}
		if err := log.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := Tail(path, 10); err != nil {
		t.Fatalf("Tail after rotation: %v", err)
	}
}
