package arbitrage

import (
	"strings"
	"testing"
)

func baseParams() Params {
	return Params{
		MinProfitCt:         3.0,
		FloorSOC:            30,
		LookaheadSlots:      24,
		LookaheadFactor:     0.8,
		BatteryMaxPriceCt:   25,
		EfficiencyCharge:    0.95,
		EfficiencyDischarge: 0.95,
		BatteryCapacityKWh:  10,
		ChargePowerKW:       5,
	}
}

func baseInputs() Inputs {
	return Inputs{
		EVAttached:        true,
		EVNeedKWh:         5,
		EVFastChargeMode:  true,
		CurrentPriceCt:    35,
		CurrentSlot:       Slot{PriceCt: 35, BatDischargeKW: 4, EVChargeKW: 3},
		FutureSlots:       make([]Slot, 24),
		BatterySOC:        60,
		DynamicReserveSOC: 20,
	}
}

func withFlatFuture(price float64) []Slot {
	s := make([]Slot, 24)
	for i := range s {
		s[i] = Slot{PriceCt: price}
	}
	return s
}

func TestGate1NoEVAttached(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.EVAttached = false
	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive without EV attached")
	}
}

func TestGate2NoPlannerDischarge(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)
	in.CurrentSlot.BatDischargeKW = 0
	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive without planner-authorised discharge")
	}
}

func TestGate3NotFastChargeMode(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)
	in.EVFastChargeMode = false
	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive when EV is not in now mode")
	}
}

func TestGate4InsufficientProfit(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)
	in.CurrentPriceCt = 27 // close to battery cost, below min profit
	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive below min profit threshold")
	}
}

func TestGate5LookaheadCheaperSlot(t *testing.T) {
	// Scenario from spec.md §8 SC-2: current price 0.35, one future slot at
	// 0.20 within 24 slots -> gate 5 fails; reason mentions "günstiger".
	e := New(baseParams())
	in := baseInputs()
	in.CurrentPriceCt = 35
	future := withFlatFuture(35)
	future[5].PriceCt = 20
	in.FutureSlots = future

	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive due to cheaper upcoming slot")
	}
	if !containsFold(status.Reason, "günstiger") {
		t.Fatalf("expected reason to mention günstiger, got %q", status.Reason)
	}
}

func TestGate6ReserveFloor(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)
	in.BatterySOC = 25
	in.DynamicReserveSOC = 30
	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive at or below reserve floor")
	}
}

func TestGate7MutualExclusion(t *testing.T) {
	// Scenario from spec.md §8 SC-4: slot 0 has bat_discharge=4kW,
	// ev_charge=0kW -> gate 7 fails; reason contains "Mutual Exclusion".
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)
	in.CurrentSlot = Slot{PriceCt: 35, BatDischargeKW: 4, EVChargeKW: 0}

	status, _ := e.Evaluate(in)
	if status.Active {
		t.Fatal("expected inactive on mutual exclusion")
	}
	if !containsFold(status.Reason, "Mutual Exclusion") {
		t.Fatalf("expected reason to mention Mutual Exclusion, got %q", status.Reason)
	}
}

func TestAllGatesPassActivates(t *testing.T) {
	e := New(baseParams())
	in := baseInputs()
	in.FutureSlots = withFlatFuture(35)

	status, limits := e.Evaluate(in)
	if !status.Active {
		t.Fatalf("expected activation, got reason: %q", status.Reason)
	}
	if status.UsableKWh <= 0 {
		t.Fatalf("expected positive usable kWh, got %v", status.UsableKWh)
	}
	if limits.BufferSOC <= 0 {
		t.Fatalf("expected positive adaptive buffer, got %v", limits.BufferSOC)
	}
}

func containsFold(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if strings.EqualFold(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
