package reserve

import (
	"testing"
	"time"
)

func noonUTC(daysFromNow int) time.Time {
	return time.Now().UTC().AddDate(0, 0, daysFromNow).Truncate(time.Hour)
}

func TestObservationModeNeverApplies(t *testing.T) {
	c := New(Params{ObservationDays: 14})
	now := noonUTC(0)
	target, apply := c.Compute(now, 10, 0.9, 0.05)
	if apply {
		t.Fatal("should not apply during observation period")
	}
	if target <= 0 {
		t.Fatalf("target should still be computed: %v", target)
	}
}

func TestForceLiveModeApplies(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true})
	now := noonUTC(0)
	_, apply := c.Compute(now, 10, 0.9, 0.05)
	if !apply {
		t.Fatal("forced live mode should apply on first compute")
	}
}

func TestLowPVConfidenceKeepsBase(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true})
	now := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	target, _ := c.Compute(now, 15, 0.5, 0.02)
	if target != 15 {
		t.Fatalf("expected target == base at low PV confidence, got %v", target)
	}
}

func TestHighConfidenceLowersTargetTowardPracticalFloor(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true, PracticalMinSOC: 20})
	now := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	target, _ := c.Compute(now, 40, 1.0, 0.02)
	if target >= 40 {
		t.Fatalf("expected target lowered below base 40 with full confidence, got %v", target)
	}
	if target < 20 {
		t.Fatalf("expected target floored at practical min 20, got %v", target)
	}
}

func TestTargetNeverBelowFloors(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true, PracticalMinSOC: 20, HardFloorSOC: 10})
	now := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	target, _ := c.Compute(now, 20, 1.0, 0.5)
	if target < 20 {
		t.Fatalf("target fell below practical floor: %v", target)
	}
}

func TestApplyOnlyWhenValueChanges(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true, PracticalMinSOC: 20})
	now := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	_, apply1 := c.Compute(now, 30, 0.5, 0.02) // low conf -> base 30
	if !apply1 {
		t.Fatal("first apply should fire")
	}
	_, apply2 := c.Compute(now.Add(15*time.Minute), 30, 0.5, 0.02)
	if apply2 {
		t.Fatal("unchanged target should not re-apply")
	}
}

func TestEventLogBounded(t *testing.T) {
	c := New(Params{ObservationDays: 14, ForceLiveMode: true})
	now := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	for i := 0; i < eventLogLimit+50; i++ {
		c.Compute(now.Add(time.Duration(i)*time.Minute), 20, 0.9, 0.02)
	}
	if len(c.log) != eventLogLimit {
		t.Fatalf("expected log bounded to %d, got %d", eventLogLimit, len(c.log))
	}
}

func TestIsLiveModeAfterObservationPeriod(t *testing.T) {
	c := New(Params{ObservationDays: 14})
	c.firstRun = time.Now().UTC().Add(-15 * 24 * time.Hour)
	if !c.IsLiveMode(time.Now().UTC()) {
		t.Fatal("expected live mode after observation period elapses")
	}
}
