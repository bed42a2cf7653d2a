package status

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Pattern is a named LED blink sequence.
type Pattern int

const (
	// PatternSuccess is one slow blink.
	PatternSuccess Pattern = iota
	// PatternError is three fast blinks.
	PatternError
	// PatternEmergency is ten very fast blinks.
	PatternEmergency
)

// LED drives a sysfs brightness file on the device. The handheld's LED
// is active-low: writing "0" lights it, "1" turns it off.
type LED struct {
	path   string
	logger *log.Logger

	mu sync.Mutex // one blink sequence at a time
}

// NewLED creates an LED driver for the given sysfs path.
func NewLED(path string, logger *log.Logger) *LED {
	if logger == nil {
		logger = log.New(os.Stderr, "[led] ", log.LstdFlags)
	}
	return &LED{path: path, logger: logger}
}

// Blink plays the pattern asynchronously. Write failures are logged and
// otherwise ignored: the LED is a convenience, never a sync dependency.
func (l *LED) Blink(p Pattern) {
	go l.blink(p)
}

func (l *LED) blink(p Pattern) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var count int
	var interval time.Duration
	switch p {
	case PatternSuccess:
		count, interval = 1, 500*time.Millisecond
	case PatternError:
		count, interval = 3, 250*time.Millisecond
	case PatternEmergency:
		count, interval = 10, 100*time.Millisecond
	default:
		return
	}

	for i := 0; i < count; i++ {
		l.set(true)
		time.Sleep(interval)
		l.set(false)
		time.Sleep(interval)
	}
}

func (l *LED) set(on bool) {
	value := []byte("1")
	if on {
		value = []byte("0")
	}
	if err := os.WriteFile(l.path, value, 0644); err != nil {
		l.logger.Printf("Failed to write LED state: %v", err)
	}
}

// Check verifies the LED path is writable at startup.
func (l *LED) Check() error {
	if err := os.WriteFile(l.path, []byte("1"), 0644); err != nil {
		return fmt.Errorf("led path %s not writable: %w", l.path, err)
	}
	return nil
}
