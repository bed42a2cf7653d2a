package watcher

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"studysync/internal/event"
)

func testWatcher(t *testing.T, config *Config) (chan event.Event, context.CancelFunc) {
	t.Helper()

	config.DebounceInterval = 20 * time.Millisecond
	config.Logger = log.New(io.Discard, "", 0)

	events := make(chan event.Event, 16)
	w, err := New(config, events)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return events, cancel
}

func waitForEvent(t *testing.T, events chan event.Event) event.FileDiscovered {
	t.Helper()
	select {
	case ev := <-events:
		fd, ok := ev.(event.FileDiscovered)
		if !ok {
			t.Fatalf("event = %T, want FileDiscovered", ev)
		}
		return fd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.FileDiscovered{}
	}
}

func TestWatcher_ReportsNewScreenshot(t *testing.T) {
	dir := t.TempDir()
	events, _ := testWatcher(t, &Config{ScreenshotDirs: []string{dir}})

	path := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(path, []byte("fake png"), 0o644); err != nil {
		t.Fatal(err)
	}

	fd := waitForEvent(t, events)
	if fd.Path != path {
		t.Errorf("path = %q, want %q", fd.Path, path)
	}
	if fd.Kind != event.KindScreenshot {
		t.Errorf("kind = %v, want screenshot", fd.Kind)
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	events, _ := testWatcher(t, &Config{SaveDirs: []string{dir}})

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "game.srm"), []byte("save"), 0o644); err != nil {
		t.Fatal(err)
	}

	fd := waitForEvent(t, events)
	if fd.Kind != event.KindSave {
		t.Errorf("kind = %v, want save", fd.Kind)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_SweepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leftover.srm")
	if err := os.WriteFile(path, []byte("save"), 0o644); err != nil {
		t.Fatal(err)
	}

	events, _ := testWatcher(t, &Config{SaveDirs: []string{dir}})

	fd := waitForEvent(t, events)
	if fd.Path != path {
		t.Errorf("path = %q, want %q", fd.Path, path)
	}
}

func TestWatcher_DebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	events, _ := testWatcher(t, &Config{SaveDirs: []string{dir}})

	path := filepath.Join(dir, "game.srm")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("save data"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitForEvent(t, events)

	select {
	case ev := <-events:
		t.Errorf("rapid writes produced extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNew_RequiresDirectories(t *testing.T) {
	if _, err := New(&Config{}, make(chan event.Event)); err == nil {
		t.Error("New() with no directories should fail")
	}
}
