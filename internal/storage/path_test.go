package storage

import (
	"testing"
	"time"
)

func TestBuildArchivePath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 4, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildArchivePath("/feedback/prod/", ts, "b7", 3)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	want := "feedback/prod/date=2026-02-19/hour=09/feedback-b7-00003.parquet"
	if key != want {
		t.Fatalf("BuildArchivePath() = %q, want %q", key, want)
	}
}

func TestBuildArchivePathWithoutPrefix(t *testing.T) {
	key, err := BuildArchivePath("", time.Date(2026, time.March, 1, 23, 0, 0, 0, time.UTC), "b1", 0)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	if want := "date=2026-03-01/hour=23/feedback-b1-00000.parquet"; key != want {
		t.Fatalf("BuildArchivePath() = %q, want %q", key, want)
	}
}

func TestBuildArchivePathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildArchivePath("../oops", time.Now(), "b1", 1); err == nil {
		t.Fatal("expected invalid prefix error")
	}
	if _, err := BuildArchivePath("feedback", time.Now(), "b/1", 1); err == nil {
		t.Fatal("expected invalid batch id error")
	}
	if _, err := BuildArchivePath("feedback", time.Now(), "b1", -1); err == nil {
		t.Fatal("expected invalid sequence error")
	}
}
