// Package watcher detects new screenshot and save files and reports
// them to the orchestrator as FileDiscovered events.
//
// fsnotify delivers raw filesystem events; the watcher debounces rapid
// writes (emulators write save files in bursts) and classifies paths by
// filename pattern. On startup it sweeps the watched directories so
// files that appeared while the agent was down are still picked up.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"studysync/internal/event"
)

// Config holds watcher configuration.
type Config struct {
	// ScreenshotDirs are directories the emulator writes screenshots to.
	ScreenshotDirs []string

	// SaveDirs are directories the emulator writes save data to.
	SaveDirs []string

	// DebounceInterval is how long a file must be quiet before it is
	// reported. Batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher monitors screenshot and save directories.
type Watcher struct {
	config *Config
	events chan<- event.Event

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // path -> last write
	pendingMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Watcher that enqueues onto events.
func New(config *Config, events chan<- event.Event) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if len(config.ScreenshotDirs) == 0 && len(config.SaveDirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		config:  config,
		events:  events,
		watcher: fsw,
		pending: make(map[string]time.Time),
	}, nil
}

// Start begins watching. Blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.config.ScreenshotDirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch screenshot directory %s: %w", dir, err)
		}
	}
	for _, dir := range w.config.SaveDirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch save directory %s: %w", dir, err)
		}
	}

	w.config.Logger.Printf("Watching %d screenshot and %d save directories",
		len(w.config.ScreenshotDirs), len(w.config.SaveDirs))

	// Pick up anything that appeared while the agent was down.
	w.sweep()

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.flushLoop(ctx)

	<-ctx.Done()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// sweep queues every matching file already present in the watched
// directories.
func (w *Watcher) sweep() {
	dirs := append(append([]string{}, w.config.ScreenshotDirs...), w.config.SaveDirs...)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			w.config.Logger.Printf("Failed to sweep %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if _, ok := event.Classify(path); ok {
				w.queue(path)
			}
		}
	}
}

func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if _, ok := event.Classify(ev.Name); !ok {
				continue
			}

			w.queue(ev.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) queue(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending[path] = time.Now()
}

func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush reports files that have been quiet for a full debounce
// interval.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()

	w.pendingMu.Lock()
	var ready []string
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) >= w.config.DebounceInterval {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		kind, ok := event.Classify(path)
		if !ok {
			continue
		}

		// The file may have been a transient (emulator temp file).
		if _, err := os.Stat(path); err != nil {
			continue
		}

		w.config.Logger.Printf("Discovered %s: %s", kind, path)
		select {
		case w.events <- event.FileDiscovered{Path: path, Kind: kind, Time: now.UTC()}:
		case <-ctx.Done():
			return
		}
	}
}
