package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/krinco1/evcc-dispatch/store"
)

func newTestServer(t *testing.T, st *store.Store, staleAfter time.Duration) *httptest.Server {
	t.Helper()
	s := New(st, 0, staleAfter)
	return httptest.NewServer(s.httpServer.Handler)
}

func TestHealthHandlerAlwaysOK(t *testing.T) {
	srv := newTestServer(t, store.New(), 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
}

func TestReadyHandlerFalseBeforeFirstUpdate(t *testing.T) {
	srv := newTestServer(t, store.New(), 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first update, got %d", resp.StatusCode)
	}
}

func TestReadyHandlerTrueAfterUpdate(t *testing.T) {
	st := store.New()
	st.Update(store.Snapshot{LastUpdate: time.Now()})

	srv := newTestServer(t, st, 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after update, got %d", resp.StatusCode)
	}
}

func TestReadyHandlerFalseWhenStale(t *testing.T) {
	st := store.New()
	st.Update(store.Snapshot{}) // Update stamps LastUpdate with the current time
	time.Sleep(10 * time.Millisecond)

	srv := newTestServer(t, st, time.Millisecond)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for stale snapshot, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerStreamsInitialAndSubsequentSnapshots(t *testing.T) {
	st := store.New()
	st.Update(store.Snapshot{State: store.SystemState{BatterySOC: 10}, LastUpdate: time.Now()})

	srv := newTestServer(t, st, 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readSSEData(t, reader)
	var snap store.Snapshot
	if err := json.Unmarshal([]byte(first), &snap); err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if snap.State.BatterySOC != 10 {
		t.Fatalf("expected initial snapshot with SoC 10, got %+v", snap.State)
	}

	st.Update(store.Snapshot{State: store.SystemState{BatterySOC: 55}, LastUpdate: time.Now()})

	second := readSSEData(t, reader)
	if err := json.Unmarshal([]byte(second), &snap); err != nil {
		t.Fatalf("decode second event: %v", err)
	}
	if snap.State.BatterySOC != 55 {
		t.Fatalf("expected follow-up snapshot with SoC 55, got %+v", snap.State)
	}
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE line: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
}
