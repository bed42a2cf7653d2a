package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"studysync/internal/config"
	"studysync/internal/engine"
	"studysync/internal/event"
	"studysync/internal/orchestrator"
	"studysync/internal/remote"
	"studysync/internal/server"
	"studysync/internal/status"
	"studysync/internal/store"
	"studysync/internal/watcher"
)

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		logOut = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     30, // days
		})
	}
	newLogger := func(name string) *log.Logger {
		return log.New(logOut, "["+name+"] ", log.LstdFlags)
	}
	logger := newLogger("agent")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return err
	}

	var led *status.LED
	if cfg.LEDPath != "" {
		led = status.NewLED(cfg.LEDPath, newLogger("led"))
		if err := led.Check(); err != nil {
			logger.Printf("LED unavailable: %v", err)
			led = nil
		}
	}

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.NewServer(cfg.StatusAddr, newLogger("status"))
		if err := statusSrv.Start(); err != nil {
			return err
		}
		defer statusSrv.Stop()
	}

	reporter := status.NewReporter(st, led, statusSrv, newLogger("status"))

	client := remote.NewClient()
	intake := remote.NewIntake(cfg.IntakeURL, client)
	shots := remote.NewUploader(cfg.ScreenshotURL, client)
	saves := remote.NewUploader(cfg.SaveURL, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresh := func() { reporter.Refresh(ctx) }
	backoff := func() *engine.Backoff {
		return engine.NewBackoff(cfg.BackoffMin, cfg.BackoffMax)
	}

	intakeEngine := engine.New(engine.Config[*store.Play]{
		Name:  "intake",
		Fetch: st.PendingPlays,
		Sync:  playSyncer(st, intake),
		Skip: func(ctx context.Context, play *store.Play, cause error) error {
			return st.SkipPlay(ctx, play.ID, cause.Error())
		},
		Describe: func(play *store.Play) string {
			return fmt.Sprintf("play %d (%s)", play.ID, play.Game)
		},
		OnPass:       refresh,
		PollInterval: cfg.PollInterval,
		Backoff:      backoff(),
		Logger:       newLogger("intake"),
	})

	screenshotEngine := engine.New(engine.Config[*store.Screenshot]{
		Name:  "screenshots",
		Fetch: st.PendingScreenshots,
		Sync: func(ctx context.Context, sc *store.Screenshot) error {
			if err := uploadHeld(ctx, shots, sc.Path, sc.Directory,
				remote.ScreenshotContentType(sc.Path)); err != nil {
				return err
			}
			if err := st.MarkScreenshotUploaded(ctx, sc.ID, time.Now()); err != nil {
				return engine.Fatal(err)
			}
			removeHeld(logger, sc.Path)
			return nil
		},
		Skip: func(ctx context.Context, sc *store.Screenshot, cause error) error {
			return st.SkipScreenshot(ctx, sc.ID, cause.Error())
		},
		Describe: func(sc *store.Screenshot) string {
			return fmt.Sprintf("screenshot %d (%s)", sc.ID, sc.Path)
		},
		OnPass:       refresh,
		PollInterval: cfg.PollInterval,
		Backoff:      backoff(),
		Logger:       newLogger("screenshots"),
	})

	saveEngine := engine.New(engine.Config[*store.Save]{
		Name:  "saves",
		Fetch: st.PendingSaves,
		Sync: func(ctx context.Context, sv *store.Save) error {
			if err := uploadHeld(ctx, saves, sv.Path, sv.Directory, ""); err != nil {
				return err
			}
			if err := st.MarkSaveUploaded(ctx, sv.ID, time.Now()); err != nil {
				return engine.Fatal(err)
			}
			removeHeld(logger, sv.Path)
			return nil
		},
		Skip: func(ctx context.Context, sv *store.Save, cause error) error {
			return st.SkipSave(ctx, sv.ID, cause.Error())
		},
		Describe: func(sv *store.Save) string {
			return fmt.Sprintf("save %d (%s)", sv.ID, sv.Path)
		},
		OnPass:       refresh,
		PollInterval: cfg.PollInterval,
		Backoff:      backoff(),
		Logger:       newLogger("saves"),
	})

	events := make(chan event.Event, 64)

	orch := orchestrator.New(orchestrator.Config{
		Store:           st,
		Reporter:        reporter,
		HoldDir:         cfg.HoldDir,
		TrimGamePrefix:  cfg.TrimGamePrefix,
		WakeIntake:      intakeEngine.Wake,
		WakeScreenshots: screenshotEngine.Wake,
		WakeSaves:       saveEngine.Wake,
		Logger:          newLogger("orchestrator"),
	}, events)

	sessionSrv := server.New(cfg.Listen, events, newLogger("server"))
	if err := sessionSrv.Start(); err != nil {
		return err
	}
	defer sessionSrv.Stop()

	watchCfg := watcher.DefaultConfig()
	watchCfg.ScreenshotDirs = cfg.WatchScreenshots
	watchCfg.SaveDirs = cfg.WatchSaves
	watchCfg.Logger = newLogger("watcher")
	watch, err := watcher.New(watchCfg, events)
	if err != nil {
		return err
	}

	fatal := make(chan error, 4)
	var wg sync.WaitGroup
	runBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				fatal <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runBackground("watcher", watch.Start)
	runBackground("intake engine", intakeEngine.Run)
	runBackground("screenshot engine", screenshotEngine.Run)
	runBackground("save engine", saveEngine.Run)

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	logger.Println("Agent started")

	select {
	case sig := <-sigs:
		logger.Printf("Received %s, shutting down", sig)
		events <- event.ShutdownRequested{}
		select {
		case err = <-orchDone:
		case <-time.After(cfg.ShutdownTimeout):
			logger.Println("Orchestrator shutdown timed out")
		}

	case err = <-fatal:
	case err = <-orchDone:
	}

	if err != nil {
		// A store failure means local durability is gone. Surface it on
		// the device and let the supervisor restart us.
		reporter.Emergency(err.Error())
	}

	cancel()
	waitTimeout(&wg, cfg.ShutdownTimeout, logger)

	return err
}

// playSyncer returns the intake Sync callback. Which request it makes
// depends on which halves of the play are still unconfirmed.
func playSyncer(st *store.Store, intake *remote.Intake) func(context.Context, *store.Play) error {
	return func(ctx context.Context, play *store.Play) error {
		now := time.Now()

		if play.SubmittedStart == nil {
			// The session closed before the start ever went out: one
			// combined request instead of two.
			if play.EndTime != nil {
				id, err := intake.SubmitFull(ctx, play)
				if err != nil {
					return err
				}
				if err := st.SetIntakeID(ctx, play.ID, id); err != nil {
					return engine.Fatal(err)
				}
				if err := st.MarkPlaySubmitted(ctx, play.ID, store.FieldSubmittedStart, now); err != nil {
					return engine.Fatal(err)
				}
				if err := st.MarkPlaySubmitted(ctx, play.ID, store.FieldSubmittedEnd, now); err != nil {
					return engine.Fatal(err)
				}
				return nil
			}

			id, err := intake.SubmitStarted(ctx, play)
			if err != nil {
				return err
			}
			if err := st.SetIntakeID(ctx, play.ID, id); err != nil {
				return engine.Fatal(err)
			}
			if err := st.MarkPlaySubmitted(ctx, play.ID, store.FieldSubmittedStart, now); err != nil {
				return engine.Fatal(err)
			}
			return nil
		}

		// Start confirmed, end pending. The intake id should be set, but
		// recover it if it isn't: a resubmitted start deduplicates on the
		// local id and returns the same token.
		if play.IntakeID == nil {
			id, err := intake.SubmitStarted(ctx, play)
			if err != nil {
				return err
			}
			if err := st.SetIntakeID(ctx, play.ID, id); err != nil {
				return engine.Fatal(err)
			}
			play.IntakeID = &id
		}

		if err := intake.SubmitEnded(ctx, play); err != nil {
			return err
		}
		if err := st.MarkPlaySubmitted(ctx, play.ID, store.FieldSubmittedEnd, now); err != nil {
			return engine.Fatal(err)
		}
		return nil
	}
}

// uploadHeld uploads one spooled artifact file. A missing file is a
// permanent failure: the artifact can never be delivered.
func uploadHeld(ctx context.Context, up *remote.Uploader, path, directory, contentType string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return engine.Permanent(fmt.Errorf("held file missing: %s", path))
	}
	return up.UploadFile(ctx, path, directory, contentType)
}

// removeHeld deletes a confirmed-uploaded spool file. Failure is only
// logged: the upload is already recorded and a retry would be
// deduplicated by digest anyway.
func removeHeld(logger *log.Logger, path string) {
	if err := os.Remove(path); err != nil {
		logger.Printf("Failed to remove held file %s: %v", path, err)
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *log.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Println("Shutdown timed out waiting for background workers")
	}
}
