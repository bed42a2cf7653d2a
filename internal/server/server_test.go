package server

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studysync/internal/event"
)

func testServer(t *testing.T) (*Server, chan event.Event) {
	t.Helper()
	events := make(chan event.Event, 8)
	s := New("127.0.0.1:0", events, log.New(io.Discard, "", 0))
	s.now = func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return s, events
}

func TestHandleStart_EnqueuesEvent(t *testing.T) {
	s, events := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/start",
		strings.NewReader(`{"game": "roms/gbc/pokemon-crystal.gbc", "time": 1709320000}`))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	select {
	case ev := <-events:
		started, ok := ev.(event.SessionStarted)
		if !ok {
			t.Fatalf("event = %T, want SessionStarted", ev)
		}
		if started.Game != "roms/gbc/pokemon-crystal.gbc" {
			t.Errorf("game = %q", started.Game)
		}
		if started.Time.Unix() != 1709320000 {
			t.Errorf("time = %v, want unix 1709320000", started.Time)
		}
	default:
		t.Fatal("no event enqueued")
	}
}

func TestHandleStart_MissingGame(t *testing.T) {
	s, events := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if len(events) != 0 {
		t.Error("event enqueued for invalid request")
	}
}

func TestHandleStart_RejectsGet(t *testing.T) {
	s, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/start", nil)
	rec := httptest.NewRecorder()
	s.handleStart(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleEnd_DefaultsToNow(t *testing.T) {
	s, events := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/end", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.handleEnd(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	ev := <-events
	ended, ok := ev.(event.SessionEnded)
	if !ok {
		t.Fatalf("event = %T, want SessionEnded", ev)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !ended.Time.Equal(want) {
		t.Errorf("time = %v, want %v", ended.Time, want)
	}
}
