package storage

import (
	"testing"
	"time"
)

func TestBuildTranscriptPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 22, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildTranscriptPath("6f1c2b7e-0d7f-4a53-9b8e-1f0a4f7c2d11", ts)
	if err != nil {
		t.Fatalf("BuildTranscriptPath() error = %v", err)
	}
	want := "transcripts/date=2026-02-20/6f1c2b7e-0d7f-4a53-9b8e-1f0a4f7c2d11-1771556700000.parquet"
	if key != want {
		t.Fatalf("BuildTranscriptPath() = %q, want %q", key, want)
	}
}

func TestBuildTranscriptPathRejectsInvalidSession(t *testing.T) {
	for _, id := range []string{"", "../oops", "a/b"} {
		if _, err := BuildTranscriptPath(id, time.Now()); err == nil {
			t.Fatalf("expected invalid component error for %q", id)
		}
	}
}
