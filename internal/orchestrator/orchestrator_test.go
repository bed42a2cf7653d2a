package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"studysync/internal/event"
	"studysync/internal/store"
)

type wakeCount struct {
	intake, screenshots, saves int
}

func testOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *wakeCount) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	wakes := &wakeCount{}
	o := New(Config{
		Store:           st,
		HoldDir:         filepath.Join(dir, "hold"),
		TrimGamePrefix:  "/roms/",
		WakeIntake:      func() { wakes.intake++ },
		WakeScreenshots: func() { wakes.screenshots++ },
		WakeSaves:       func() { wakes.saves++ },
		Logger:          log.New(io.Discard, "", 0),
	}, nil)
	o.now = func() time.Time {
		return time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	}

	for _, sub := range []string{"screenshots", "saves", "extra"} {
		if err := os.MkdirAll(filepath.Join(dir, "hold", sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	return o, st, wakes
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("artifact data: "+name), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandleStarted_TrimsPrefixAndWakes(t *testing.T) {
	o, st, wakes := testOrchestrator(t)
	ctx := context.Background()

	ev := event.SessionStarted{Game: "/roms/gbc/pokemon-crystal.gbc", Time: time.Now()}
	if err := o.handleStarted(ctx, ev); err != nil {
		t.Fatalf("handleStarted() failed: %v", err)
	}

	play, err := st.CurrentOpenPlay(ctx)
	if err != nil {
		t.Fatalf("no open play: %v", err)
	}
	if play.Game != "gbc/pokemon-crystal.gbc" {
		t.Errorf("game = %q, want prefix trimmed", play.Game)
	}
	if wakes.intake != 1 {
		t.Errorf("intake wakes = %d, want 1", wakes.intake)
	}
}

func TestHandleStarted_SelfHealsStalePlay(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stale, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", start)
	if err != nil {
		t.Fatal(err)
	}

	// A screenshot at 10:30 is the last observed activity.
	activity := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	if _, err := st.RecordScreenshot(ctx, &store.Screenshot{
		PlayID:    &stale.ID,
		Path:      "hold/screenshots/shot.png",
		Directory: "pokemon-crystal",
		CreatedAt: activity,
	}); err != nil {
		t.Fatal(err)
	}

	ev := event.SessionStarted{
		Game: "/roms/gbc/zelda.gbc",
		Time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := o.handleStarted(ctx, ev); err != nil {
		t.Fatalf("handleStarted() failed: %v", err)
	}

	healed, err := st.GetPlay(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if healed.EndTime == nil {
		t.Fatal("stale play was not closed")
	}
	if !healed.EndTime.Equal(activity) {
		t.Errorf("stale end = %v, want last activity %v", healed.EndTime, activity)
	}

	if healed.Skipped {
		t.Error("stale play with real activity was skipped")
	}

	current, err := st.CurrentOpenPlay(ctx)
	if err != nil {
		t.Fatalf("no open play after self-heal: %v", err)
	}
	if current.Game != "gbc/zelda.gbc" {
		t.Errorf("current game = %q, want the new session", current.Game)
	}
}

func TestHandleStarted_SelfHealSkipsIdleStalePlay(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	// No artifacts: the stale play's last activity is its own start, so
	// self-heal closes it at zero duration.
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stale, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", start)
	if err != nil {
		t.Fatal(err)
	}

	ev := event.SessionStarted{
		Game: "/roms/gbc/zelda.gbc",
		Time: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := o.handleStarted(ctx, ev); err != nil {
		t.Fatalf("handleStarted() failed: %v", err)
	}

	healed, err := st.GetPlay(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if healed.EndTime == nil || !healed.EndTime.Equal(start) {
		t.Errorf("stale end = %v, want its own start %v", healed.EndTime, start)
	}
	if !healed.Skipped {
		t.Error("zero-duration self-healed play was not skipped")
	}
	if healed.Error != "" {
		t.Errorf("skip reason = %q, want no sticky error", healed.Error)
	}

	pending, err := st.PendingPlays(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pending {
		if p.ID == stale.ID {
			t.Error("skipped self-healed play still pending for intake")
		}
	}
}

func TestHandleEnded_ClosesCurrentPlay(t *testing.T) {
	o, st, wakes := testOrchestrator(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", start)
	if err != nil {
		t.Fatal(err)
	}

	end := start.Add(45 * time.Minute)
	if err := o.handleEnded(ctx, event.SessionEnded{Time: end}); err != nil {
		t.Fatalf("handleEnded() failed: %v", err)
	}

	closed, err := st.GetPlay(ctx, play.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(end) {
		t.Errorf("end = %v, want %v", closed.EndTime, end)
	}
	if closed.Skipped {
		t.Error("normal play was skipped")
	}
	if wakes.intake != 1 {
		t.Errorf("intake wakes = %d, want 1", wakes.intake)
	}
}

func TestHandleEnded_SkipsZeroDurationPlay(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", start)
	if err != nil {
		t.Fatal(err)
	}

	if err := o.handleEnded(ctx, event.SessionEnded{Time: start}); err != nil {
		t.Fatalf("handleEnded() failed: %v", err)
	}

	skipped, err := st.GetPlay(ctx, play.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !skipped.Skipped {
		t.Error("zero-duration play was not skipped")
	}
	if skipped.Error != "" {
		t.Errorf("skip reason = %q, want no sticky error", skipped.Error)
	}
}

func TestHandleEnded_NoOpenPlayIgnored(t *testing.T) {
	o, _, wakes := testOrchestrator(t)

	if err := o.handleEnded(context.Background(), event.SessionEnded{Time: time.Now()}); err != nil {
		t.Fatalf("handleEnded() failed: %v", err)
	}
	if wakes.intake != 0 {
		t.Error("ignored end still woke the intake engine")
	}
}

func TestHandleFile_ScreenshotHeldAndRecorded(t *testing.T) {
	o, st, wakes := testOrchestrator(t)
	ctx := context.Background()

	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	src := writeArtifact(t, t.TempDir(), "shot.png")
	ev := event.FileDiscovered{
		Path: src,
		Kind: event.KindScreenshot,
		Time: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
	}
	if err := o.handleFile(ctx, ev); err != nil {
		t.Fatalf("handleFile() failed: %v", err)
	}

	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Error("source file was not moved out of the watch directory")
	}

	pending, err := st.PendingScreenshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending screenshots = %d, want 1", len(pending))
	}

	sc := pending[0]
	if sc.PlayID == nil || *sc.PlayID != play.ID {
		t.Errorf("play id = %v, want %d", sc.PlayID, play.ID)
	}
	if sc.Directory != "pokemon-crystal" {
		t.Errorf("directory = %q, want %q", sc.Directory, "pokemon-crystal")
	}
	if sc.Digest == "" {
		t.Error("digest not recorded")
	}
	if filepath.Base(sc.Path) != "20240301-101500-shot.png" {
		t.Errorf("held name = %q, want timestamp prefix", filepath.Base(sc.Path))
	}
	if _, err := os.Stat(sc.Path); err != nil {
		t.Errorf("held file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(o.cfg.HoldDir, "latest.png")); err != nil {
		t.Errorf("latest.png not refreshed: %v", err)
	}
	if wakes.screenshots != 1 {
		t.Errorf("screenshot wakes = %d, want 1", wakes.screenshots)
	}
}

func TestHandleFile_SaveReferencesLatestScreenshot(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	if _, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", time.Now()); err != nil {
		t.Fatal(err)
	}

	srcDir := t.TempDir()
	shot := writeArtifact(t, srcDir, "shot.png")
	if err := o.handleFile(ctx, event.FileDiscovered{
		Path: shot, Kind: event.KindScreenshot, Time: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	save := writeArtifact(t, srcDir, "game.srm")
	if err := o.handleFile(ctx, event.FileDiscovered{
		Path: save, Kind: event.KindSave, Time: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	pending, err := st.PendingSaves(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending saves = %d, want 1", len(pending))
	}
	if pending[0].ScreenshotID == nil {
		t.Error("save does not reference the latest screenshot")
	}
}

func TestHandleFile_NoPlayGoesToExtra(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	src := writeArtifact(t, t.TempDir(), "orphan.png")
	if err := o.handleFile(ctx, event.FileDiscovered{
		Path: src, Kind: event.KindScreenshot, Time: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	pending, err := st.PendingScreenshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending screenshots = %d, want 1", len(pending))
	}
	if pending[0].PlayID != nil {
		t.Error("orphan artifact attached to a play")
	}
	if pending[0].Directory != "extra" {
		t.Errorf("directory = %q, want %q", pending[0].Directory, "extra")
	}
	if filepath.Base(filepath.Dir(pending[0].Path)) != "extra" {
		t.Errorf("held under %q, want extra/", filepath.Dir(pending[0].Path))
	}
}

func TestHandleFile_MissingSourceNotFatal(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	ev := event.FileDiscovered{
		Path: filepath.Join(t.TempDir(), "vanished.png"),
		Kind: event.KindScreenshot,
		Time: time.Now().UTC(),
	}
	if err := o.handleFile(ctx, ev); err != nil {
		t.Fatalf("handleFile() for vanished file failed: %v", err)
	}

	pending, err := st.PendingScreenshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Error("vanished file was recorded")
	}
}

func TestRun_ShutdownClosesOpenPlay(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", start)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan event.Event, 1)
	o.events = events
	events <- event.ShutdownRequested{}

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	closed, err := st.GetPlay(ctx, play.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.EndTime == nil {
		t.Fatal("open play not closed on shutdown")
	}
	want := time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	if !closed.EndTime.Equal(want) {
		t.Errorf("end = %v, want %v", closed.EndTime, want)
	}
}

func TestRun_RecoveryRecordsUnrecordedHeldFile(t *testing.T) {
	o, st, wakes := testOrchestrator(t)
	ctx := context.Background()

	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	// A file moved into hold/ whose row was never committed, as a crash
	// between the move and the insert leaves behind.
	held := writeArtifact(t, filepath.Join(o.cfg.HoldDir, "screenshots"),
		"20240301-101500-shot.png")

	events := make(chan event.Event)
	close(events)
	o.events = events
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	pending, err := st.PendingScreenshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending screenshots = %d, want the recovered file", len(pending))
	}

	sc := pending[0]
	if sc.Path != held {
		t.Errorf("path = %q, want %q", sc.Path, held)
	}
	if sc.Digest == "" {
		t.Error("recovered file has no digest")
	}
	if sc.PlayID == nil || *sc.PlayID != play.ID {
		t.Errorf("play id = %v, want %d", sc.PlayID, play.ID)
	}
	if sc.Directory != "pokemon-crystal" {
		t.Errorf("directory = %q, want %q", sc.Directory, "pokemon-crystal")
	}
	if wakes.screenshots == 0 {
		t.Error("recovery did not wake the screenshot engine")
	}
}

func TestRun_RecoveryDoesNotDuplicateRecordedHeldFile(t *testing.T) {
	o, st, _ := testOrchestrator(t)
	ctx := context.Background()

	// A held save that was recorded normally before the restart.
	held := writeArtifact(t, filepath.Join(o.cfg.HoldDir, "saves"),
		"20240301-101500-game.srm")
	if _, err := st.RecordSave(ctx, &store.Save{
		Path:      held,
		Directory: "pokemon-crystal",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	events := make(chan event.Event)
	close(events)
	o.events = events
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	pending, err := st.PendingSaves(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending saves = %d, recovery duplicated a recorded file", len(pending))
	}
}

func TestRun_RecoveryLeavesPlayOpenAndWakes(t *testing.T) {
	o, st, wakes := testOrchestrator(t)
	ctx := context.Background()

	play, err := st.OpenPlay(ctx, "gbc/pokemon-crystal.gbc", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan event.Event)
	close(events)
	o.events = events
	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	recovered, err := st.CurrentOpenPlay(context.Background())
	if err != nil {
		t.Fatalf("open play gone after recovery: %v", err)
	}
	if recovered.ID != play.ID {
		t.Errorf("recovered play = %d, want %d", recovered.ID, play.ID)
	}
	if wakes.intake == 0 || wakes.screenshots == 0 || wakes.saves == 0 {
		t.Errorf("recovery did not wake all engines: %+v", wakes)
	}
}
