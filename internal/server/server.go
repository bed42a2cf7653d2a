// Package server provides the local HTTP endpoint that receives
// session lifecycle notifications from the emulator. RetroArch is
// configured to hit /start and /end from its content load/unload
// hooks.
//
// The server is a pure event producer: it enqueues to the
// orchestrator and never touches the store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"studysync/internal/event"
)

// Server listens for session lifecycle notifications.
type Server struct {
	addr     string
	events   chan<- event.Event
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a session listener on addr that enqueues onto events.
func New(addr string, events chan<- event.Event, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Server{
		addr:   addr,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/end", s.handleEnd)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("Session listener on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("session listener shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listener's address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

type startPayload struct {
	Game string `json:"game"`
	Time int64  `json:"time"` // unix seconds, 0 means now
}

type endPayload struct {
	Time int64 `json:"time"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload startPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.Game == "" {
		http.Error(w, "game is required", http.StatusBadRequest)
		return
	}

	s.logger.Printf("Session started: %s", payload.Game)
	s.events <- event.SessionStarted{
		Game: payload.Game,
		Time: s.payloadTime(payload.Time),
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload endPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	s.logger.Println("Session ended")
	s.events <- event.SessionEnded{
		Time: s.payloadTime(payload.Time),
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) payloadTime(unix int64) time.Time {
	if unix == 0 {
		return s.now()
	}
	return time.Unix(unix, 0).UTC()
}
