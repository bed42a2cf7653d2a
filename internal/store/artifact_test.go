package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestArtifactPathRecorded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.RecordScreenshot(ctx, &Screenshot{
		Path:      "/hold/screenshots/shot.png",
		Directory: "game-a",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	known, err := s.ScreenshotPathRecorded(ctx, "/hold/screenshots/shot.png")
	if err != nil {
		t.Fatalf("ScreenshotPathRecorded() failed: %v", err)
	}
	if !known {
		t.Error("recorded screenshot path reported unknown")
	}

	known, err = s.ScreenshotPathRecorded(ctx, "/hold/screenshots/stranded.png")
	if err != nil {
		t.Fatalf("ScreenshotPathRecorded() failed: %v", err)
	}
	if known {
		t.Error("unrecorded screenshot path reported known")
	}

	known, err = s.SavePathRecorded(ctx, "/hold/saves/game.srm")
	if err != nil {
		t.Fatalf("SavePathRecorded() failed: %v", err)
	}
	if known {
		t.Error("unrecorded save path reported known")
	}
}

func TestRecordScreenshot_Pending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	play, err := s.OpenPlay(ctx, "game-a", base)
	if err != nil {
		t.Fatal(err)
	}

	newer, err := s.RecordScreenshot(ctx, &Screenshot{
		PlayID:    &play.ID,
		Path:      "/hold/newer.png",
		Directory: "game-a",
		Digest:    "bbb",
		CreatedAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordScreenshot() failed: %v", err)
	}

	older, err := s.RecordScreenshot(ctx, &Screenshot{
		PlayID:    &play.ID,
		Path:      "/hold/older.png",
		Directory: "game-a",
		Digest:    "aaa",
		CreatedAt: base,
	})
	if err != nil {
		t.Fatalf("RecordScreenshot() failed: %v", err)
	}

	pending, err := s.PendingScreenshots(ctx)
	if err != nil {
		t.Fatalf("PendingScreenshots() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("PendingScreenshots() returned %d, want 2", len(pending))
	}
	if pending[0].ID != older || pending[1].ID != newer {
		t.Errorf("pending order = [%d %d], want [%d %d]",
			pending[0].ID, pending[1].ID, older, newer)
	}
	if pending[0].Digest != "aaa" {
		t.Errorf("Digest = %q, want %q", pending[0].Digest, "aaa")
	}

	// Confirmed delivery removes it from pending work.
	if err := s.MarkScreenshotUploaded(ctx, older, base.Add(time.Hour)); err != nil {
		t.Fatalf("MarkScreenshotUploaded() failed: %v", err)
	}
	pending, err = s.PendingScreenshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != newer {
		t.Errorf("after upload, pending = %v, want just %d", pending, newer)
	}
}

func TestMarkScreenshotUploaded_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.RecordScreenshot(ctx, &Screenshot{
		Path:      "/hold/extra/shot.png",
		Directory: "extra",
		CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}

	first := base.Add(time.Minute)
	if err := s.MarkScreenshotUploaded(ctx, id, first); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkScreenshotUploaded(ctx, id, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	var uploadedAt string
	if err := s.conn.QueryRow(
		`SELECT uploaded_at FROM screenshots WHERE id = ?`, id).Scan(&uploadedAt); err != nil {
		t.Fatal(err)
	}
	if got := parseTime(uploadedAt); !got.Equal(first) {
		t.Errorf("uploaded_at = %v, want %v", got, first)
	}
}

func TestRecordSave_ReferencesLatestScreenshot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	play, err := s.OpenPlay(ctx, "game-a", base)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.RecordScreenshot(ctx, &Screenshot{
		PlayID:    &play.ID,
		Path:      "/hold/first.png",
		Directory: "game-a",
		CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
	latest, err := s.RecordScreenshot(ctx, &Screenshot{
		PlayID:    &play.ID,
		Path:      "/hold/second.png",
		Directory: "game-a",
		CreatedAt: base.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	gotLatest, err := s.LatestScreenshotID(ctx)
	if err != nil {
		t.Fatalf("LatestScreenshotID() failed: %v", err)
	}
	if gotLatest != latest {
		t.Errorf("LatestScreenshotID() = %d, want %d", gotLatest, latest)
	}

	saveID, err := s.RecordSave(ctx, &Save{
		PlayID:       &play.ID,
		ScreenshotID: &latest,
		Path:         "/hold/game.srm",
		Directory:    "game-a",
		Digest:       "abc",
		CreatedAt:    base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordSave() failed: %v", err)
	}

	pending, err := s.PendingSaves(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != saveID {
		t.Fatalf("PendingSaves() = %v, want one save %d", pending, saveID)
	}
	if pending[0].ScreenshotID == nil || *pending[0].ScreenshotID != latest {
		t.Errorf("ScreenshotID = %v, want %d", pending[0].ScreenshotID, latest)
	}
}

func TestLatestScreenshotID_Empty(t *testing.T) {
	s := testStore(t)

	_, err := s.LatestScreenshotID(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestScreenshotID() error = %v, want ErrNotFound", err)
	}
}

func TestSkipSave_StickyError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.RecordSave(ctx, &Save{
		Path:      "/hold/bad.srm",
		Directory: "extra",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SkipSave(ctx, id, "rejected: unsupported format"); err != nil {
		t.Fatalf("SkipSave() failed: %v", err)
	}

	pending, err := s.PendingSaves(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingSaves() returned %d, want 0 after skip", len(pending))
	}

	counts, err := s.PendingCounts(ctx)
	if err != nil {
		t.Fatalf("PendingCounts() failed: %v", err)
	}
	if counts.StickyErrors != 1 {
		t.Errorf("StickyErrors = %d, want 1", counts.StickyErrors)
	}
}

func TestPendingCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	play, err := s.OpenPlay(ctx, "game-a", base)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordScreenshot(ctx, &Screenshot{
		PlayID:    &play.ID,
		Path:      "/hold/a.png",
		Directory: "game-a",
		CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordSave(ctx, &Save{
		PlayID:    &play.ID,
		Path:      "/hold/a.srm",
		Directory: "game-a",
		CreatedAt: base,
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.PendingCounts(ctx)
	if err != nil {
		t.Fatalf("PendingCounts() failed: %v", err)
	}
	if counts.PendingPlays != 1 || counts.PendingScreenshots != 1 || counts.PendingSaves != 1 {
		t.Errorf("counts = %+v, want 1/1/1", counts)
	}
	if counts.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", counts.Pending())
	}
	if counts.StickyErrors != 0 {
		t.Errorf("StickyErrors = %d, want 0", counts.StickyErrors)
	}
}
