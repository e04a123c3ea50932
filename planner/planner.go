// Package planner builds the 96-slot horizon LP described in spec.md
// §4.F and solves it with the bounded-variable simplex in
// planner/simplex, translating the raw solution vector back into a
// PlanHorizon the rest of the dispatcher consumes. Generalized from the
// teacher's dynamic-programming MPC optimizer (mpc/mpc.go) into an
// explicit-matrix LP, per this spec's decision-variable/constraint shape.
package planner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/krinco1/evcc-dispatch/planner/simplex"
)

// Horizon length and slot duration, fixed by spec.md §4.F.
const (
	T               = 96
	slotDuration    = 15 * time.Minute
	dtHours         = 0.25
	minHorizonSlots = 32 // 8h, spec.md policy rule
	boolThresholdKW = 0.1
)

// ErrInsufficientHorizon is returned when fewer than minHorizonSlots
// prices are available. Callers treat this exactly like ErrNoPlan: no
// plan this cycle, never propagate as a fatal error.
var ErrInsufficientHorizon = errors.New("planner: fewer than 32 price slots available")

// ErrNoPlan is returned whenever the LP is infeasible or the solver
// fails to reach optimality.
var ErrNoPlan = errors.New("planner: no feasible plan this cycle")

// Inputs bundles everything the planner needs to build one cycle's LP,
// mirroring spec.md §4.F's input list.
type Inputs struct {
	Now time.Time

	// Per-slot forecasts, already expanded to 15-minute resolution.
	// May be shorter than T (padded with the last known price) but must
	// be at least minHorizonSlots long.
	Prices       []float64 // EUR/kWh
	ConsumptionW []float64 // W
	PVkW         []float64 // kW

	CurrentBatterySOC float64 // percent 0-100

	EVConnected       bool
	EVName            string
	CurrentEVSOC      float64 // percent 0-100
	EVCapacityKWh     float64
	EVMaxChargeKW     float64
	EVDepartureSlot   int // clamped to [1, T-1]; ignored if no EV or no departure known
	EVTargetSOC       float64 // percent 0-100

	PVConfidence         float64
	SeasonalCorrectionEUR float64

	BatteryCapacityKWh    float64
	BatteryMaxChargeKW    float64
	BatteryMaxDischargeKW float64
	BatteryMinSOC         float64 // percent
	BatteryMaxSOC         float64 // percent
	EfficiencyCharge      float64
	EfficiencyDischarge   float64
	BatteryMaxPriceEUR    float64
	EVMaxPriceEUR         float64
	FeedInTariffEUR       float64
}

// Slot is one 15-minute slot of a PlanHorizon, matching spec.md §3's
// DispatchSlot.
type Slot struct {
	Index            int       `json:"index"`
	Start            time.Time `json:"start"`
	BatChargeKW      float64   `json:"bat_charge_kw"`
	BatDischargeKW   float64   `json:"bat_discharge_kw"`
	EVChargeKW       float64   `json:"ev_charge_kw"`
	EVName           string    `json:"ev_name,omitempty"`
	ExpectedPrice    float64   `json:"expected_price"`
	ExpectedPVkW     float64   `json:"expected_pv_kw"`
	ExpectedLoadKW   float64   `json:"expected_load_kw"`
	PredictedBatSOC  float64   `json:"predicted_bat_soc"`
	PredictedEVSOC   float64   `json:"predicted_ev_soc"`
}

// Horizon is a full plan: 96 slots plus the solver's disposition and the
// current-slot derived booleans, matching spec.md §3's PlanHorizon.
type Horizon struct {
	ComputedAt         time.Time `json:"computed_at"`
	Slots              []Slot    `json:"slots"`
	SolverStatus       string    `json:"solver_status"`
	ObjectiveValueEUR  float64   `json:"objective_value_eur"`
	CurrentBatCharge   bool      `json:"current_bat_charge"`
	CurrentBatDischarge bool     `json:"current_bat_discharge"`
	CurrentEVCharge    bool      `json:"current_ev_charge"`
	CurrentPriceLimit  float64   `json:"current_price_limit"`
}

// Planner builds and solves the horizon LP using the supplied Solver.
type Planner struct {
	solver simplex.Solver
}

// New returns a Planner backed by the default bounded-variable simplex.
func New() *Planner {
	return &Planner{solver: simplex.New()}
}

// NewWithSolver returns a Planner backed by a caller-supplied Solver,
// the pluggable-collaborator seam spec.md §9 calls for.
func NewWithSolver(s simplex.Solver) *Planner {
	return &Planner{solver: s}
}

// variable index layout: bat_charge[T] | bat_discharge[T] | ev_charge[T] | bat_soc[T+1] | ev_soc[T+1]
type layout struct {
	batCharge, batDischarge, evCharge, batSOC, evSOC int
}

func newLayout() layout {
	return layout{
		batCharge:    0,
		batDischarge: T,
		evCharge:     2 * T,
		batSOC:       3 * T,
		evSOC:        3*T + (T + 1),
	}
}

func (l layout) size() int { return 5*T + 2 }

// Plan builds the LP from in and solves it, returning a Horizon or an
// error that is always either ErrInsufficientHorizon or ErrNoPlan (or a
// wrapped dimension-mismatch bug, which should never occur in practice).
func (p *Planner) Plan(in Inputs) (*Horizon, error) {
	if len(in.Prices) < minHorizonSlots {
		return nil, ErrInsufficientHorizon
	}

	prices := padToHorizon(in.Prices, T)
	loadsW := padToHorizon(in.ConsumptionW, T)
	pvKW := padToHorizon(in.PVkW, T)

	l := newLayout()
	n := l.size()

	cost := make([]float64, n)
	lower := make([]float64, n)
	upper := make([]float64, n)

	batMin := in.BatteryMinSOC / 100.0
	batMax := in.BatteryMaxSOC / 100.0
	evSOCNow := in.CurrentEVSOC / 100.0

	for t := 0; t < T; t++ {
		pvSurplusKW := math.Max(0, pvKW[t]-loadsW[t]/1000.0)
		ratio := 1.0
		if in.BatteryMaxChargeKW > 0 {
			ratio = math.Min(1.0, pvSurplusKW/in.BatteryMaxChargeKW)
		}
		slotCost := prices[t] * (1 - ratio*in.PVConfidence)

		seasonal := 0.0
		if t == 0 {
			seasonal = in.SeasonalCorrectionEUR
		}

		batChargeCost := slotCost + seasonal
		if prices[t] > in.BatteryMaxPriceEUR {
			batChargeCost = 10 * prices[t]
		}
		cost[l.batCharge+t] = batChargeCost

		evChargeCost := slotCost + seasonal
		if in.EVConnected && prices[t] > in.EVMaxPriceEUR {
			evChargeCost = 10 * prices[t]
		}
		cost[l.evCharge+t] = evChargeCost

		cost[l.batDischarge+t] = -in.FeedInTariffEUR

		lower[l.batCharge+t] = 0
		upper[l.batCharge+t] = in.BatteryMaxChargeKW
		lower[l.batDischarge+t] = 0
		upper[l.batDischarge+t] = in.BatteryMaxDischargeKW

		lower[l.evCharge+t] = 0
		if in.EVConnected {
			upper[l.evCharge+t] = in.EVMaxChargeKW
		} else {
			upper[l.evCharge+t] = 0
		}
	}
	for t := 0; t <= T; t++ {
		lower[l.batSOC+t] = batMin
		upper[l.batSOC+t] = batMax
		if in.EVConnected {
			lower[l.evSOC+t] = 0
			upper[l.evSOC+t] = 1
		} else {
			lower[l.evSOC+t] = 0
			upper[l.evSOC+t] = 0
		}
	}

	var Aeq [][]float64
	var beq []float64

	pin := func(idx int, val float64) {
		row := make([]float64, n)
		row[idx] = 1
		Aeq = append(Aeq, row)
		beq = append(beq, val)
	}
	pin(l.batSOC+0, in.CurrentBatterySOC/100.0)
	pin(l.evSOC+0, evSOCNow)

	cBat := math.Max(in.BatteryCapacityKWh, 1e-6)
	etaC := orDefault(in.EfficiencyCharge, 1.0)
	etaD := orDefault(in.EfficiencyDischarge, 1.0)
	cEV := math.Max(in.EVCapacityKWh, 1e-6)

	for t := 0; t < T; t++ {
		row := make([]float64, n)
		row[l.batSOC+t+1] = 1
		row[l.batSOC+t] = -1
		row[l.batCharge+t] = -etaC * dtHours / cBat
		row[l.batDischarge+t] = dtHours / (etaD * cBat)
		Aeq = append(Aeq, row)
		beq = append(beq, 0)

		row2 := make([]float64, n)
		row2[l.evSOC+t+1] = 1
		row2[l.evSOC+t] = -1
		if in.EVConnected {
			row2[l.evCharge+t] = -dtHours / cEV
		}
		Aeq = append(Aeq, row2)
		beq = append(beq, 0)
	}

	var Aub [][]float64
	var bub []float64

	// Mutual exclusion: bat_charge[t] + bat_discharge[t] <= P_bat_max.
	pBatMax := math.Max(in.BatteryMaxChargeKW, in.BatteryMaxDischargeKW)
	for t := 0; t < T; t++ {
		row := make([]float64, n)
		row[l.batCharge+t] = 1
		row[l.batDischarge+t] = 1
		Aub = append(Aub, row)
		bub = append(bub, pBatMax)
	}

	if in.EVConnected && in.EVDepartureSlot > 0 {
		k := clamp(in.EVDepartureSlot, 1, T-1)
		row := make([]float64, n)
		row[l.evSOC+k] = -1
		Aub = append(Aub, row)
		bub = append(bub, -(in.EVTargetSOC / 100.0))
	}

	sol, err := p.solver.Solve(cost, Aub, bub, Aeq, beq, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("planner: solve: %w", err)
	}
	if sol.Status != simplex.StatusOptimal {
		return nil, ErrNoPlan
	}

	slots := make([]Slot, T)
	for t := 0; t < T; t++ {
		batCharge := clip(sol.X[l.batCharge+t], 0, in.BatteryMaxChargeKW)
		batDischarge := clip(sol.X[l.batDischarge+t], 0, in.BatteryMaxDischargeKW)
		evCharge := clip(sol.X[l.evCharge+t], 0, upper[l.evCharge+t])

		slots[t] = Slot{
			Index:           t,
			Start:           in.Now.Truncate(slotDuration).Add(time.Duration(t) * slotDuration),
			BatChargeKW:     batCharge,
			BatDischargeKW:  batDischarge,
			EVChargeKW:      evCharge,
			EVName:          in.EVName,
			ExpectedPrice:   prices[t],
			ExpectedPVkW:    pvKW[t],
			ExpectedLoadKW:  loadsW[t] / 1000.0,
			PredictedBatSOC: clip(sol.X[l.batSOC+t]*100, in.BatteryMinSOC, in.BatteryMaxSOC) ,
			PredictedEVSOC:  sol.X[l.evSOC+t] * 100,
		}
	}

	h := &Horizon{
		ComputedAt:          in.Now,
		Slots:               slots,
		SolverStatus:        sol.Status.String(),
		ObjectiveValueEUR:   sol.ObjectiveValue,
		CurrentBatCharge:    slots[0].BatChargeKW > boolThresholdKW,
		CurrentBatDischarge: slots[0].BatDischargeKW > boolThresholdKW,
		CurrentEVCharge:     slots[0].EVChargeKW > boolThresholdKW,
		CurrentPriceLimit:   in.BatteryMaxPriceEUR,
	}
	return h, nil
}

// CheckEVFeasibility warns (via the returned bool) whether the battery
// can plausibly deliver the EV's remaining energy need before departure;
// it never blocks the solve, per spec.md §4.F's "warn but still attempt
// solve" policy rule.
func CheckEVFeasibility(in Inputs) (feasible bool, neededKWh, deliverableKWh float64) {
	if !in.EVConnected || in.EVDepartureSlot <= 0 {
		return true, 0, 0
	}
	neededKWh = math.Max(0, (in.EVTargetSOC-in.CurrentEVSOC)/100.0*in.EVCapacityKWh)
	slotsUntilDeparture := clamp(in.EVDepartureSlot, 1, T-1)
	deliverableKWh = float64(slotsUntilDeparture) * dtHours * in.EVMaxChargeKW
	return deliverableKWh >= neededKWh, neededKWh, deliverableKWh
}

func padToHorizon(src []float64, n int) []float64 {
	out := make([]float64, n)
	if len(src) == 0 {
		return out
	}
	copy(out, src)
	last := src[len(src)-1]
	for i := len(src); i < n; i++ {
		out[i] = last
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
