// Package orchestrator owns the agent's event loop. It is the only
// writer of new plays and artifacts: the session listener and the
// watcher produce events, the orchestrator serializes them into store
// mutations and wakes the sync engines that have new work.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"studysync/internal/event"
	"studysync/internal/status"
	"studysync/internal/store"
)

// Config parameterizes the orchestrator.
type Config struct {
	Store    *store.Store
	Reporter *status.Reporter // may be nil

	// HoldDir is the spool directory discovered files are moved into so
	// the emulator can't overwrite them before upload.
	HoldDir string

	// TrimGamePrefix is stripped from the front of game labels before
	// they are stored. Typically the device's ROM root.
	TrimGamePrefix string

	// Wake hooks, invoked when the corresponding engine has new work.
	// Any may be nil.
	WakeIntake      func()
	WakeScreenshots func()
	WakeSaves       func()

	Logger *log.Logger
}

// Orchestrator consumes lifecycle and discovery events.
type Orchestrator struct {
	cfg    Config
	events <-chan event.Event

	// now is replaceable for tests.
	now func() time.Time
}

// New creates an Orchestrator reading from events.
func New(cfg Config, events <-chan event.Event) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:    cfg,
		events: events,
		now:    time.Now,
	}
}

// Run processes events until ctx is cancelled or a ShutdownRequested
// event arrives. Returns an error only for store failures, which are
// unrecoverable and should terminate the process.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, sub := range []string{"screenshots", "saves", "extra"} {
		if err := os.MkdirAll(filepath.Join(o.cfg.HoldDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create hold directory: %w", err)
		}
	}

	if err := o.recover(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-o.events:
			if !ok {
				return nil
			}

			var err error
			switch ev := ev.(type) {
			case event.SessionStarted:
				err = o.handleStarted(ctx, ev)
			case event.SessionEnded:
				err = o.handleEnded(ctx, ev)
			case event.FileDiscovered:
				err = o.handleFile(ctx, ev)
			case event.ShutdownRequested:
				return o.handleShutdown(ctx)
			}
			if err != nil {
				return err
			}
		}
	}
}

// recover re-establishes state after an unclean restart. A leftover
// open play is deliberately not closed: the session may still be
// running, and if it isn't, the next session start will self-heal it
// with an end time grounded in real activity.
func (o *Orchestrator) recover(ctx context.Context) error {
	play, err := o.store().CurrentOpenPlay(ctx)
	switch {
	case err == nil:
		o.cfg.Logger.Printf("Recovered open play %d (%s), leaving it open", play.ID, play.Game)
		if err := o.store().SetCurrent(ctx, play.ID); err != nil {
			return err
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if err := o.recoverHeldFiles(ctx); err != nil {
		return err
	}

	// Pending work may have accumulated while the agent was down.
	o.wakeAll()
	o.refresh(ctx)
	return nil
}

// recoverHeldFiles records hold files that have no store row. A crash
// between moving a file into the hold directory and committing its row
// would otherwise strand it: the file is gone from the watch
// directories, so the watcher's sweep can never re-report it.
func (o *Orchestrator) recoverHeldFiles(ctx context.Context) error {
	for _, sub := range []string{"screenshots", "saves", "extra"} {
		dir := filepath.Join(o.cfg.HoldDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to scan hold directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			kind, ok := event.Classify(path)
			if !ok {
				continue
			}

			var recorded bool
			if kind == event.KindScreenshot {
				recorded, err = o.store().ScreenshotPathRecorded(ctx, path)
			} else {
				recorded, err = o.store().SavePathRecorded(ctx, path)
			}
			if err != nil {
				return err
			}
			if recorded {
				continue
			}

			playID, directory, err := o.resolveAttachment(ctx, sub)
			if err != nil {
				return err
			}

			createdAt := time.Now().UTC()
			if info, err := entry.Info(); err == nil {
				createdAt = info.ModTime().UTC()
			}

			o.cfg.Logger.Printf("Recovering unrecorded held file: %s", path)
			if err := o.recordArtifact(ctx, kind, path, directory, playID, createdAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveAttachment decides which play and remote directory a held
// artifact belongs to. Files in extra/ stay unattached.
func (o *Orchestrator) resolveAttachment(ctx context.Context, holdSub string) (*int64, string, error) {
	if holdSub == "extra" {
		return nil, "extra", nil
	}
	play, err := o.store().CurrentPlay(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "extra", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &play.ID, gameDirectory(play.Game), nil
}

func (o *Orchestrator) handleStarted(ctx context.Context, ev event.SessionStarted) error {
	game := o.trimGame(ev.Game)

	play, err := o.store().OpenPlay(ctx, game, ev.Time)
	if errors.Is(err, store.ErrConflict) {
		// A session start with a play still open means the previous end
		// notification was lost (crash, power cut). Close the stale play
		// at its last observed activity and retry once.
		stale, staleErr := o.store().CurrentOpenPlay(ctx)
		if staleErr != nil {
			return staleErr
		}

		last, lastErr := o.store().LastActivity(ctx, stale.ID)
		if lastErr != nil {
			return lastErr
		}

		o.cfg.Logger.Printf("Self-healing stale open play %d (%s), closing at %s",
			stale.ID, stale.Game, last.Format(time.RFC3339))
		if err := o.closePlay(ctx, stale, last); err != nil {
			return err
		}

		play, err = o.store().OpenPlay(ctx, game, ev.Time)
	}
	if err != nil {
		return fmt.Errorf("failed to open play for %s: %w", game, err)
	}

	o.cfg.Logger.Printf("Opened play %d: %s", play.ID, play.Game)
	o.wake(o.cfg.WakeIntake)
	o.refresh(ctx)
	return nil
}

func (o *Orchestrator) handleEnded(ctx context.Context, ev event.SessionEnded) error {
	play, err := o.store().CurrentOpenPlay(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// Duplicate end notification, or the start was never seen.
		o.cfg.Logger.Println("Session end with no open play, ignoring")
		return nil
	}
	if err != nil {
		return err
	}

	return o.closePlay(ctx, play, ev.Time)
}

// closePlay records the end of a play, discarding sessions so short
// they can't have produced anything worth reporting.
func (o *Orchestrator) closePlay(ctx context.Context, play *store.Play, end time.Time) error {
	if err := o.store().ClosePlay(ctx, play.ID, end); err != nil {
		return err
	}

	if !end.Truncate(time.Second).After(play.StartTime.Truncate(time.Second)) {
		o.cfg.Logger.Printf("Play %d lasted under a second, skipping", play.ID)
		if err := o.store().SkipPlay(ctx, play.ID, ""); err != nil {
			return err
		}
	} else {
		o.cfg.Logger.Printf("Closed play %d: %s", play.ID, play.Game)
	}

	o.wake(o.cfg.WakeIntake)
	o.refresh(ctx)
	return nil
}

func (o *Orchestrator) handleFile(ctx context.Context, ev event.FileDiscovered) error {
	var playID *int64
	directory := "extra"
	holdSub := "extra"

	play, err := o.store().CurrentPlay(ctx)
	switch {
	case err == nil:
		playID = &play.ID
		directory = gameDirectory(play.Game)
		if ev.Kind == event.KindScreenshot {
			holdSub = "screenshots"
		} else {
			holdSub = "saves"
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	// Move the file out of the emulator's reach before recording it, so
	// the digest we store is the digest we'll upload.
	name := ev.Time.Format("20060102-150405") + "-" + filepath.Base(ev.Path)
	held := filepath.Join(o.cfg.HoldDir, holdSub, name)
	if err := moveFile(ev.Path, held); err != nil {
		// The watcher may report a file twice, or the emulator may have
		// already replaced it. Not fatal either way.
		o.cfg.Logger.Printf("Failed to hold %s: %v", ev.Path, err)
		return nil
	}

	if err := o.recordArtifact(ctx, ev.Kind, held, directory, playID, ev.Time); err != nil {
		return err
	}

	o.refresh(ctx)
	return nil
}

// recordArtifact persists one held file and wakes its engine.
func (o *Orchestrator) recordArtifact(ctx context.Context, kind event.FileKind, held, directory string, playID *int64, createdAt time.Time) error {
	digest, err := fileDigest(held)
	if err != nil {
		o.cfg.Logger.Printf("Failed to digest %s: %v", held, err)
		digest = ""
	}

	switch kind {
	case event.KindScreenshot:
		sc := &store.Screenshot{
			PlayID:    playID,
			Path:      held,
			Directory: directory,
			Digest:    digest,
			CreatedAt: createdAt,
		}
		if _, err := o.store().RecordScreenshot(ctx, sc); err != nil {
			return err
		}
		// Keep a copy of the newest screenshot at a fixed path for the
		// device UI.
		if err := copyFile(held, filepath.Join(o.cfg.HoldDir, "latest.png")); err != nil {
			o.cfg.Logger.Printf("Failed to refresh latest screenshot: %v", err)
		}
		o.cfg.Logger.Printf("Recorded screenshot %d: %s", sc.ID, filepath.Base(held))
		o.wake(o.cfg.WakeScreenshots)

	case event.KindSave:
		sv := &store.Save{
			PlayID:    playID,
			Path:      held,
			Directory: directory,
			Digest:    digest,
			CreatedAt: createdAt,
		}
		// Reference the latest screenshot so a human can tell which
		// moment the save belongs to.
		if scID, err := o.store().LatestScreenshotID(ctx); err == nil {
			sv.ScreenshotID = &scID
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := o.store().RecordSave(ctx, sv); err != nil {
			return err
		}
		o.cfg.Logger.Printf("Recorded save %d: %s", sv.ID, filepath.Base(held))
		o.wake(o.cfg.WakeSaves)
	}

	return nil
}

// handleShutdown closes the open play, if any, so a clean shutdown
// never leaves a session dangling.
func (o *Orchestrator) handleShutdown(ctx context.Context) error {
	play, err := o.store().CurrentOpenPlay(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	o.cfg.Logger.Printf("Shutdown: closing open play %d", play.ID)
	return o.closePlay(ctx, play, o.now())
}

func (o *Orchestrator) store() *store.Store { return o.cfg.Store }

func (o *Orchestrator) trimGame(game string) string {
	return strings.TrimPrefix(game, o.cfg.TrimGamePrefix)
}

func (o *Orchestrator) wake(fn func()) {
	if fn != nil {
		fn()
	}
}

func (o *Orchestrator) wakeAll() {
	o.wake(o.cfg.WakeIntake)
	o.wake(o.cfg.WakeScreenshots)
	o.wake(o.cfg.WakeSaves)
}

func (o *Orchestrator) refresh(ctx context.Context) {
	if o.cfg.Reporter != nil {
		o.cfg.Reporter.Refresh(ctx)
	}
}

// gameDirectory derives the remote upload directory from a game label:
// the file name without its extension.
func gameDirectory(game string) string {
	base := filepath.Base(game)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha1.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src to dst, copying across filesystems when the
// hold directory is on a different mount than the watch directory.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
