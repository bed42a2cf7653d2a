// Package engine provides the generic retry/backoff sync pipeline.
//
// One Engine converges one kind of pending work (plays, screenshots,
// saves) to empty without ever double-delivering a confirmed item. The
// three engines in the agent are instances of this type parameterized
// by fetch/sync/skip callbacks; they share no state and may complete in
// any relative order.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// Config parameterizes an Engine for one remote service.
type Config[T any] struct {
	// Name identifies the engine in logs ("intake", "screenshots", ...).
	Name string

	// Fetch returns pending items, oldest first. A Fetch error is a
	// store failure and is fatal.
	Fetch func(ctx context.Context) ([]T, error)

	// Sync uploads one item and marks it confirmed in the store. Plain
	// errors are transient and halt the pass; a PermanentError causes
	// the item to be skipped; a FatalError aborts the engine.
	Sync func(ctx context.Context, item T) error

	// Skip marks an item permanently failed with a sticky error.
	Skip func(ctx context.Context, item T, cause error) error

	// Describe renders an item for logs.
	Describe func(item T) string

	// OnPass runs after every pass, successful or not. Used to refresh
	// the status reporter.
	OnPass func()

	// PollInterval is the safety-net wake period. Explicit Wake()
	// signals from the orchestrator make this a backstop, not the
	// primary trigger.
	PollInterval time.Duration

	// Backoff governs retry pacing after transient failures. Required.
	Backoff *Backoff

	// Logger for engine activity. Defaults to stderr with a name prefix.
	Logger *log.Logger
}

// Engine drains pending work for one remote service.
type Engine[T any] struct {
	cfg  Config[T]
	wake chan struct{}
}

// New creates an Engine from cfg.
func New[T any](cfg Config[T]) *Engine[T] {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(5*time.Second, 5*time.Minute)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "["+cfg.Name+"] ", log.LstdFlags)
	}
	return &Engine[T]{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// Wake signals that new pending work exists. Non-blocking; signals
// coalesce while a pass is in flight.
func (e *Engine[T]) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the engine until ctx is cancelled. In-flight uploads
// finish before cancellation is observed; an interrupted pass simply
// leaves its items pending for the next startup, which is safe because
// uploads are idempotent.
//
// Returns nil on cancellation and an error only for store failures.
func (e *Engine[T]) Run(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	for {
		synced, err := e.pass(ctx)
		if e.cfg.OnPass != nil {
			e.cfg.OnPass()
		}

		if err != nil && IsFatal(err) {
			return fmt.Errorf("%s engine: %w", e.cfg.Name, err)
		}

		backingOff := false
		wait := e.cfg.PollInterval
		if err != nil {
			wait = e.cfg.Backoff.Next()
			backingOff = true
			e.cfg.Logger.Printf("Pass failed after %d synced (%v), retrying in %s", synced, err, wait)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		if backingOff {
			// Wake signals don't bypass the backoff: the retried item is
			// already the oldest pending, so an immediate pass would just
			// hammer the failing endpoint.
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil
			case <-e.wake:
			case <-timer.C:
			}
		}
	}
}

// pass processes pending items oldest first. A transient failure halts
// the pass so delivery order is preserved; a permanent failure skips
// the item and continues, so one poisoned item never blocks later ones.
func (e *Engine[T]) pass(ctx context.Context) (int, error) {
	items, err := e.cfg.Fetch(ctx)
	if err != nil {
		return 0, Fatal(fmt.Errorf("failed to fetch pending work: %w", err))
	}

	// Uploads run detached from cancellation so shutdown never severs a
	// request mid-flight and leaves a "maybe delivered" item behind; the
	// remote client timeouts bound them. Cancellation is observed
	// between items.
	syncCtx := context.WithoutCancel(ctx)

	synced := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return synced, nil
		}

		err := e.cfg.Sync(syncCtx, item)
		if err == nil {
			// Any observed success resets the backoff to the minimum.
			e.cfg.Backoff.Reset()
			synced++
			e.cfg.Logger.Printf("Synced %s", e.describe(item))
			continue
		}

		if IsFatal(err) {
			return synced, err
		}

		if IsPermanent(err) {
			e.cfg.Logger.Printf("Permanent failure for %s: %v", e.describe(item), err)
			if skipErr := e.cfg.Skip(syncCtx, item, err); skipErr != nil {
				return synced, Fatal(fmt.Errorf("failed to record skip: %w", skipErr))
			}
			continue
		}

		return synced, err
	}

	return synced, nil
}

func (e *Engine[T]) describe(item T) string {
	if e.cfg.Describe != nil {
		return e.cfg.Describe(item)
	}
	return fmt.Sprintf("%v", item)
}
