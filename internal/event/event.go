// Package event defines the producer events consumed by the
// orchestrator. Producers (the session listener, the filesystem
// watcher, the signal handler) only enqueue events; they never touch
// the store directly.
package event

import (
	"regexp"
	"time"
)

// FileKind classifies a discovered file.
type FileKind int

const (
	// KindScreenshot indicates a screenshot image (png/jpg).
	KindScreenshot FileKind = iota
	// KindSave indicates an emulator save bundle.
	KindSave
)

// String returns a human-readable representation of the file kind.
func (k FileKind) String() string {
	switch k {
	case KindScreenshot:
		return "screenshot"
	case KindSave:
		return "save"
	default:
		return "unknown"
	}
}

var (
	screenshotPattern = regexp.MustCompile(`\.(?:png|jpg)$`)
	savePattern       = regexp.MustCompile(`\.(?:srm|state[0-9]*|state\.auto|sav|rtc|ldci)$`)
)

// Classify returns the artifact kind for a file path, or false for
// files the agent doesn't care about.
func Classify(path string) (FileKind, bool) {
	switch {
	case screenshotPattern.MatchString(path):
		return KindScreenshot, true
	case savePattern.MatchString(path):
		return KindSave, true
	default:
		return 0, false
	}
}

// Event is a marker interface for orchestrator events.
type Event interface {
	isEvent()
}

// SessionStarted reports that the emulator loaded a game.
type SessionStarted struct {
	Game string
	Time time.Time
}

// SessionEnded reports that the emulator unloaded the current game.
type SessionEnded struct {
	Time time.Time
}

// FileDiscovered reports a new screenshot or save file.
type FileDiscovered struct {
	Path string
	Kind FileKind
	Time time.Time
}

// ShutdownRequested maps SIGTERM/interrupt to a cooperative shutdown.
type ShutdownRequested struct{}

func (SessionStarted) isEvent()    {}
func (SessionEnded) isEvent()      {}
func (FileDiscovered) isEvent()    {}
func (ShutdownRequested) isEvent() {}
