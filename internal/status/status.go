// Package status derives the coarse sync status surfaced to the
// operator: an aggregate {idle, syncing, error} state, the device LED,
// and a WebSocket broadcast for anything that wants to watch the agent.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"studysync/internal/store"
)

// State is the coarse aggregate sync state.
type State int

const (
	// StateIdle means no pending work and no sticky errors.
	StateIdle State = iota
	// StateSyncing means pending work exists and is being retried.
	StateSyncing
	// StateError means at least one item permanently failed and needs
	// operator attention.
	StateError
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the string form written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "idle":
		*s = StateIdle
	case "syncing":
		*s = StateSyncing
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown state %q", name)
	}
	return nil
}

// Snapshot is one observation of the agent's sync status.
type Snapshot struct {
	State       State     `json:"state"`
	Pending     int       `json:"pending"`
	StickyError int       `json:"sticky_errors"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reporter recomputes the aggregate status from store counts whenever
// pending-work or sticky-error counts may have changed, and pushes
// transitions to the LED and the broadcast server.
type Reporter struct {
	store  *store.Store
	led    *LED
	server *Server
	logger *log.Logger

	mu   sync.Mutex
	last Snapshot
	init bool
}

// NewReporter creates a Reporter. led and server may be nil to disable
// those outputs.
func NewReporter(st *store.Store, led *LED, server *Server, logger *log.Logger) *Reporter {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Reporter{
		store:  st,
		led:    led,
		server: server,
		logger: logger,
	}
}

// Refresh recomputes the snapshot from the store and publishes it if it
// changed. Store errors are logged, never propagated: status is derived
// state and the store owner will surface the failure itself.
func (r *Reporter) Refresh(ctx context.Context) {
	counts, err := r.store.PendingCounts(ctx)
	if err != nil {
		r.logger.Printf("Failed to read pending counts: %v", err)
		return
	}

	snap := Snapshot{
		Pending:     counts.Pending(),
		StickyError: counts.StickyErrors,
		UpdatedAt:   time.Now().UTC(),
	}
	switch {
	case counts.StickyErrors > 0:
		snap.State = StateError
	case counts.Pending() > 0:
		snap.State = StateSyncing
	default:
		snap.State = StateIdle
	}

	r.mu.Lock()
	changed := !r.init ||
		r.last.State != snap.State ||
		r.last.Pending != snap.Pending ||
		r.last.StickyError != snap.StickyError
	prev := r.last
	r.last = snap
	r.init = true
	r.mu.Unlock()

	if !changed {
		return
	}

	r.logger.Printf("Status %s (pending=%d errors=%d)", snap.State, snap.Pending, snap.StickyError)

	if r.server != nil {
		r.server.Broadcast(snap)
	}
	if r.led != nil {
		r.blink(snap, prev)
	}
}

// Emergency signals an unrecoverable local failure on the LED before
// the process terminates.
func (r *Reporter) Emergency(message string) {
	r.logger.Printf("Emergency: %s", message)
	if r.led != nil {
		r.led.Blink(PatternEmergency)
	}
}

// Last returns the most recently computed snapshot.
func (r *Reporter) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) blink(snap, prev Snapshot) {
	switch {
	case snap.State == StateError:
		r.led.Blink(PatternError)
	case snap.State == StateIdle && prev.State != StateIdle:
		// Backlog drained: one calm acknowledgment blink.
		r.led.Blink(PatternSuccess)
	}
}
