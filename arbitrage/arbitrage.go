// Package arbitrage implements the seven-gate battery-to-EV discharge
// evaluator of spec.md §4.G: every cycle all seven gates must pass to
// activate discharging the home battery into a connected EV; any single
// failure deactivates it. Grounded on the gated-activation control-
// component style of cepro-simt-flux's dynamicPeakDischarge/Approach
// (evaluate preconditions in order, return an inactive sentinel the
// instant one fails) adapted to this spec's battery/EV domain.
package arbitrage

import (
	"fmt"
	"math"
)

// Params configures the evaluator with the slice of static configuration
// values spec.md §4.G's gates reference.
type Params struct {
	MinProfitCt         float64 // default 3 ct/kWh
	FloorSOC            float64 // configured floor for discharge-to-EV, percent
	LookaheadSlots       int     // default 24
	LookaheadFactor      float64 // default 0.8
	BatteryMaxPriceCt    float64
	EfficiencyCharge     float64
	EfficiencyDischarge  float64
	BatteryCapacityKWh   float64
	ChargePowerKW        float64
}

// Slot is the minimal per-slot view the evaluator needs from the current
// PlanHorizon: expected price and whether the planner schedules battery
// discharge / EV charge that slot.
type Slot struct {
	PriceCt      float64
	BatDischargeKW float64
	EVChargeKW   float64
}

// Inputs is everything the evaluator needs for one cycle's decision.
type Inputs struct {
	EVAttached       bool
	EVNeedKWh        float64
	EVFastChargeMode bool // mode controller reports EV in "now" mode

	CurrentPriceCt float64
	CurrentSlot    Slot
	FutureSlots    []Slot // the plan's slots after the current one, in order

	BatterySOC       float64 // percent
	DynamicReserveSOC float64 // from reserve.Calculator, percent

	CheapHoursRemaining int
	PVSurplusKWh        float64
}

// Status is the result dict published to the state store every cycle,
// matching spec.md §4.G's {active, reason, savings, usable, floor, buffer}.
type Status struct {
	Active         bool    `json:"active"`
	Reason         string  `json:"reason,omitempty"`
	SavingsCt      float64 `json:"savings_ct,omitempty"`
	UsableKWh      float64 `json:"usable_kwh,omitempty"`
	EffectiveFloor float64 `json:"effective_floor,omitempty"`
	DynamicBuffer  float64 `json:"dynamic_buffer,omitempty"`
}

// Limits are the adaptive buffer/priority/start-SoC values pushed to the
// downstream controller when arbitrage activates.
type Limits struct {
	BufferSOC   float64
	PrioritySOC float64
	StartSOC    float64
}

// Evaluator runs the seven gates each cycle.
type Evaluator struct {
	p Params
}

// New returns an Evaluator with the given static parameters.
func New(p Params) *Evaluator {
	if p.MinProfitCt == 0 {
		p.MinProfitCt = 3.0
	}
	if p.LookaheadSlots == 0 {
		p.LookaheadSlots = 24
	}
	if p.LookaheadFactor == 0 {
		p.LookaheadFactor = 0.8
	}
	return &Evaluator{p: p}
}

// Evaluate runs all seven gates in order, short-circuiting at the first
// failure, and returns the published status plus the adaptive limits to
// apply (only meaningful when Status.Active is true).
func (e *Evaluator) Evaluate(in Inputs) (Status, Limits) {
	if !in.EVAttached || in.EVNeedKWh <= 1.0 {
		return Status{Active: false, Reason: "Kein Fahrzeug mit Ladebedarf angeschlossen"}, Limits{}
	}

	if in.CurrentSlot.BatDischargeKW <= 0.1 {
		return Status{Active: false, Reason: "Planer sieht keine Batterieentladung in diesem Slot vor"}, Limits{}
	}

	if !in.EVFastChargeMode {
		return Status{Active: false, Reason: "Fahrzeug ist nicht im Schnelllademodus (now)"}, Limits{}
	}

	batteryCostCt := e.batteryRoundTripCostCt()
	savingsCt := in.CurrentPriceCt - batteryCostCt
	if savingsCt < e.p.MinProfitCt {
		return Status{Active: false, Reason: fmt.Sprintf("Kein wirtschaftlicher Vorteil: Ersparnis %.1f ct/kWh unter Schwelle %.1f ct/kWh", savingsCt, e.p.MinProfitCt)}, Limits{}
	}

	lookaheadLimit := e.p.LookaheadSlots
	if lookaheadLimit > len(in.FutureSlots) {
		lookaheadLimit = len(in.FutureSlots)
	}
	for i := 0; i < lookaheadLimit; i++ {
		if in.FutureSlots[i].PriceCt < e.p.LookaheadFactor*in.CurrentPriceCt {
			return Status{Active: false, Reason: "Günstigerer Slot innerhalb der nächsten 24 Slots erwartet"}, Limits{}
		}
	}

	effectiveFloor := math.Max(e.p.FloorSOC, in.DynamicReserveSOC)
	availableKWh := (in.BatterySOC - effectiveFloor) / 100.0 * e.p.BatteryCapacityKWh
	if in.BatterySOC <= effectiveFloor || availableKWh < 0.5 {
		return Status{Active: false, Reason: fmt.Sprintf("Batterie-Reserve erreicht: SoC %.1f%% unter Schwelle %.1f%%", in.BatterySOC, effectiveFloor)}, Limits{}
	}

	if in.CurrentSlot.BatDischargeKW > 0.1 && in.CurrentSlot.EVChargeKW < 0.1 {
		return Status{Active: false, Reason: "Mutual Exclusion: Planer entlädt Batterie ins Netz, nicht ins Fahrzeug"}, Limits{}
	}

	usableKWh := math.Min(availableKWh, in.EVNeedKWh)

	limits := e.adaptiveLimits(in, effectiveFloor, usableKWh)

	return Status{
		Active:         true,
		SavingsCt:      savingsCt,
		UsableKWh:      usableKWh,
		EffectiveFloor: effectiveFloor,
		DynamicBuffer:  limits.BufferSOC,
	}, limits
}

// batteryRoundTripCostCt is gate 4's round-trip cost basis.
func (e *Evaluator) batteryRoundTripCostCt() float64 {
	etaC := orDefault(e.p.EfficiencyCharge, 1.0)
	etaD := orDefault(e.p.EfficiencyDischarge, 1.0)
	return e.p.BatteryMaxPriceCt / (etaC * etaD)
}

// adaptiveLimits computes the optional adaptive buffer/priority/start-SoC
// values described in spec.md §4.G.
func (e *Evaluator) adaptiveLimits(in Inputs, effectiveFloor, usableKWh float64) Limits {
	capacity := math.Max(e.p.BatteryCapacityKWh, 1e-6)
	etaC := orDefault(e.p.EfficiencyCharge, 1.0)
	etaD := orDefault(e.p.EfficiencyDischarge, 1.0)
	etaRT := etaC * etaD

	solarRefill := in.PVSurplusKWh / capacity * 100.0
	gridRefill := float64(in.CheapHoursRemaining) * e.p.ChargePowerKW * etaC / capacity * 100.0

	totalRefill := solarRefill + gridRefill
	if totalRefill > 80.0 {
		totalRefill = 80.0
	}
	safeDischarge := totalRefill * 0.8

	dynamicFloor := math.Max(effectiveFloor, in.BatterySOC-safeDischarge)
	targetSOC := math.Max(dynamicFloor, in.BatterySOC-in.EVNeedKWh/(capacity*etaRT)*100.0)

	return Limits{
		BufferSOC:   dynamicFloor,
		PrioritySOC: targetSOC,
		StartSOC:    targetSOC,
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
