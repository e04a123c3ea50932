package mode

import (
	"testing"
	"time"
)

func baseInputs(now time.Time) Inputs {
	return Inputs{
		Now:                 now,
		DownstreamReachable: true,
		ReportedMode:        ModePV,
		EVConnected:         true,
		HasPlan:             true,
		PlanSaysCharge:      true,
		HavePercentile:      true,
		PricePercentile:     20,
	}
}

func TestStartupAdoptsReportedMode(t *testing.T) {
	c := New()
	now := time.Now()
	in := baseInputs(now)
	in.ReportedMode = ModeMinPV
	d := c.Step(in)
	if d.State != StateStartup {
		t.Fatalf("expected startup state, got %v", d.State)
	}
	if d.CommandIssued {
		t.Fatal("startup must never issue a command")
	}
	if d.TargetMode != ModeMinPV {
		t.Fatalf("expected adopted mode minpv, got %v", d.TargetMode)
	}
}

func TestUnreachableWarnsAfter30Minutes(t *testing.T) {
	c := New()
	now := time.Now()
	in := baseInputs(now)
	in.DownstreamReachable = false

	d := c.Step(in)
	if d.State != StateUnreachable || d.WarnUnreachable {
		t.Fatalf("expected unreachable without warning yet, got %+v", d)
	}

	later := now.Add(31 * time.Minute)
	in.Now = later
	d = c.Step(in)
	if !d.WarnUnreachable {
		t.Fatal("expected warning after 30 continuous minutes unreachable")
	}
}

func TestNoEVMeansPV(t *testing.T) {
	c := New()
	now := time.Now()
	// startup cycle first
	c.Step(baseInputs(now))

	in := baseInputs(now.Add(15 * time.Minute))
	in.EVConnected = false
	d := c.Step(in)
	if d.TargetMode != ModePV {
		t.Fatalf("expected pv without EV, got %v", d.TargetMode)
	}
}

func TestCheapPercentileMeansNow(t *testing.T) {
	c := New()
	now := time.Now()
	c.Step(baseInputs(now))

	in := baseInputs(now.Add(15 * time.Minute))
	in.ReportedMode = ModePV // must equal lastSet (pv, adopted at startup)
	in.PricePercentile = 10
	d := c.Step(in)
	if d.TargetMode != ModeNow {
		t.Fatalf("expected now at cheap percentile, got %v", d.TargetMode)
	}
	if !d.CommandIssued {
		t.Fatal("expected a command when target differs from reported")
	}
}

func TestManualOverrideDetected(t *testing.T) {
	c := New()
	now := time.Now()
	c.Step(baseInputs(now)) // startup, adopts pv, lastSet=pv

	in := baseInputs(now.Add(15 * time.Minute))
	in.ReportedMode = ModeNow // human changed it manually; lastSet is still pv
	d := c.Step(in)
	if d.State != StateOverridden || !d.OverrideDetected {
		t.Fatalf("expected override detected, got %+v", d)
	}
}

func TestOverrideEndsOnEVDisconnect(t *testing.T) {
	c := New()
	now := time.Now()
	c.Step(baseInputs(now))

	in := baseInputs(now.Add(15 * time.Minute))
	in.ReportedMode = ModeNow
	c.Step(in) // detect override

	in2 := baseInputs(now.Add(30 * time.Minute))
	in2.EVConnected = false
	in2.ReportedMode = ModeNow
	d := c.Step(in2)
	if d.State == StateOverridden {
		t.Fatal("expected override to clear on EV disconnect")
	}
}

func TestFallbackToEVMaxPriceFractionWithoutPercentile(t *testing.T) {
	c := New()
	now := time.Now()
	start := baseInputs(now)
	c.Step(start)

	in := baseInputs(now.Add(15 * time.Minute))
	in.ReportedMode = ModePV
	in.HavePercentile = false
	in.EVMaxPriceEUR = 0.30
	in.CurrentPriceEUR = 0.10 // <= 0.5*0.30
	d := c.Step(in)
	if d.TargetMode != ModeNow {
		t.Fatalf("expected now via max-price fallback, got %v", d.TargetMode)
	}

	in2 := baseInputs(now.Add(30 * time.Minute))
	in2.ReportedMode = ModeNow
	in2.HavePercentile = false
	in2.EVMaxPriceEUR = 0.30
	in2.CurrentPriceEUR = 0.20 // between 0.5*0.30 and 0.8*0.30
	d2 := c.Step(in2)
	if d2.TargetMode != ModeMinPV {
		t.Fatalf("expected minpv via max-price fallback, got %v", d2.TargetMode)
	}
}
