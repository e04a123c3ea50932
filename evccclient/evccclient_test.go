package evccclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStateDecodesLoadpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/state" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(State{
			Loadpoints: []Loadpoint{{ID: 1, Mode: ModePV, Connected: true, VehicleSOC: 42, VehicleName: "car1"}},
			BatterySOC: 55,
			PVPower:    2000,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	s, err := c.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(s.Loadpoints) != 1 || s.Loadpoints[0].VehicleName != "car1" {
		t.Fatalf("unexpected state: %+v", s)
	}
	if s.BatterySOC != 55 {
		t.Fatalf("expected batterySoc 55, got %v", s.BatterySOC)
	}
}

func TestSetLoadpointModePath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.SetLoadpointMode(context.Background(), 1, ModeNow); err != nil {
		t.Fatalf("SetLoadpointMode: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/loadpoints/1/mode/now" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestSetBatteryGridChargeLimitFormatsPrice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.SetBatteryGridChargeLimit(context.Background(), 0.2534); err != nil {
		t.Fatalf("SetBatteryGridChargeLimit: %v", err)
	}
	if gotPath != "/batterygridchargelimit/0.2534" {
		t.Fatalf("expected formatted 4-decimal price path, got %s", gotPath)
	}
}

func TestClearBatteryGridChargeLimitUsesDelete(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.ClearBatteryGridChargeLimit(context.Background()); err != nil {
		t.Fatalf("ClearBatteryGridChargeLimit: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", gotMethod)
	}
}

func TestUnexpectedStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.State(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	var statusErr *ErrUnexpectedStatus
	if !asErrUnexpectedStatus(err, &statusErr) {
		t.Fatalf("expected ErrUnexpectedStatus, got %T: %v", err, err)
	}
	if statusErr.Status != 500 {
		t.Fatalf("expected status 500, got %d", statusErr.Status)
	}
}

func asErrUnexpectedStatus(err error, target **ErrUnexpectedStatus) bool {
	if e, ok := err.(*ErrUnexpectedStatus); ok {
		*target = e
		return true
	}
	return false
}

func TestDisambiguateSolarUnitScalesWatts(t *testing.T) {
	rates := []TariffRate{{Value: 2500}, {Value: 3000}, {Value: 2800}}
	out := DisambiguateSolarUnit(rates)
	if out[0].Value != 2.5 {
		t.Fatalf("expected watt series scaled to kW, got %v", out[0].Value)
	}
}

func TestDisambiguateSolarUnitLeavesKW(t *testing.T) {
	rates := []TariffRate{{Value: 2.5}, {Value: 3.0}, {Value: 2.8}}
	out := DisambiguateSolarUnit(rates)
	if out[0].Value != 2.5 {
		t.Fatalf("expected kW series left unscaled, got %v", out[0].Value)
	}
}

func TestLoginNoopWithoutPassword(t *testing.T) {
	c := New("http://unused.invalid")
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("expected no-op login without password, got %v", err)
	}
}

func TestLoginPostsPassword(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, WithPassword("secret"))
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if gotBody["password"] != "secret" {
		t.Fatalf("expected password posted, got %+v", gotBody)
	}
}
