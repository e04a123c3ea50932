// Package server exposes the dispatcher's HTTP surface: health/readiness
// endpoints and the server-sent-event stream that is the state store's
// only reader-facing transport (spec.md §2.A, §5, §6's "SSE stream").
// Grounded on the teacher's scheduler.WebServer/HealthServer (health
// endpoints kept as plain JSON; the dashboard fan-out moves from
// gorilla/websocket to text/event-stream because the dashboard itself is
// out of this spec's scope but the wire transport it would consume is
// not — see DESIGN.md).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/krinco1/evcc-dispatch/store"
)

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ReadyResponse is the GET /readyz body.
type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// Server serves /healthz, /readyz, and /events (SSE) against a Store.
// A zero StaleAfter disables the staleness check in readyHandler.
type Server struct {
	store      *store.Store
	httpServer *http.Server
	startTime  time.Time
	staleAfter time.Duration
}

// New builds a Server listening on port, backed by st. staleAfter bounds
// how long since the last store Update the process still reports ready;
// pass 0 to skip the staleness check (ready as soon as one Update lands).
func New(st *store.Store, port int, staleAfter time.Duration) *Server {
	mux := http.NewServeMux()
	s := &Server{
		store:      st,
		startTime:  time.Now(),
		staleAfter: staleAfter,
	}
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/readyz", s.readyHandler)
	mux.HandleFunc("/events", s.sseHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. It never blocks and
// never propagates a listener error into the caller; a bind failure is
// logged by the standard library's default ErrorLog and the process
// otherwise keeps running, matching spec.md §7's "web server failure
// does not abort the decision loop".
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("server: listen: %v\n", err)
		}
	}()
}

// Stop gracefully shuts the server down, closing any open SSE connections.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	ready := !snap.LastUpdate.IsZero()
	if ready && s.staleAfter > 0 && time.Since(snap.LastUpdate) > s.staleAfter {
		ready = false
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadyResponse{Ready: ready, LastUpdate: snap.LastUpdate})
}

// sseHandler streams one "data: <json>\n\n" event per store Update,
// matching spec.md §6's "one event per update, no replay of missed
// events" contract. The initial snapshot is sent immediately on
// connect so a client need not wait for the next cycle.
func (s *Server) sseHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.store.RegisterSubscriber()
	defer s.store.UnregisterSubscriber(ch)

	writeEvent(w, s.store.Snapshot())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, snap)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap store.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
