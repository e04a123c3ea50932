// Package dispatch implements the per-cycle decision loop of spec.md
// §4.J: the single goroutine that, every CycleInterval, pulls a state
// snapshot, refreshes forecasts and reliability/seasonal/reaction-timing
// state, solves a plan, lets the residual learner and mode controller
// and arbitrage evaluator react to it, dispatches commands to the
// downstream evcc controller, and publishes the result through the
// store. Grounded on the teacher's scheduler.PeriodicTask ticker-based
// loop (scheduler/scheduler.go), generalized from several independent
// periodic tasks to this spec's single sequential per-cycle pipeline.
package dispatch

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/krinco1/evcc-dispatch/arbitrage"
	"github.com/krinco1/evcc-dispatch/config"
	"github.com/krinco1/evcc-dispatch/evccclient"
	"github.com/krinco1/evcc-dispatch/learner"
	"github.com/krinco1/evcc-dispatch/mode"
	"github.com/krinco1/evcc-dispatch/planner"
	"github.com/krinco1/evcc-dispatch/reaction"
	"github.com/krinco1/evcc-dispatch/reliability"
	"github.com/krinco1/evcc-dispatch/reserve"
	"github.com/krinco1/evcc-dispatch/seasonal"
	"github.com/krinco1/evcc-dispatch/store"
	"github.com/krinco1/evcc-dispatch/telemetry"
	"github.com/krinco1/evcc-dispatch/vehicle"
)

const slotHours = 0.25

// Loop wires together every component (A-J) into spec.md §4.J's
// 15-step cycle. All fields are required except Logger (defaults to
// log.Default()) and Telemetry (nil disables the optional historical
// sink).
type Loop struct {
	Cfg    *config.Config
	Logger *log.Logger

	Evcc       *evccclient.Client
	Forecaster Forecaster

	Store       *store.Store
	Reliability *reliability.Tracker
	Seasonal    *seasonal.Table
	Reaction    *reaction.Tracker
	Reserve     *reserve.Calculator
	Planner     *planner.Planner
	Arbitrage   *arbitrage.Evaluator
	Mode        *mode.Controller
	Learner     *learner.Learner
	Telemetry   *telemetry.Sink // nil disables the optional historical sink

	Vehicles   *vehicle.Fleet
	Boosts     *vehicle.BoostRegistry
	Departures *vehicle.DepartureBook

	// previouslyConnected tracks per-vehicle ev_connected edges for
	// spec.md §4.J step 3's plug-in-event detection.
	previouslyConnected map[string]bool

	// lastHorizon is retained across cycles for snapshotting (spec.md
	// §3's Lifecycles note) and for the next cycle's reliability update.
	lastHorizon *planner.Horizon

	lastReportedMode evccclient.ChargeMode
}

func (l *Loop) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

// Run ticks Cycle every Cfg.CycleInterval until ctx is cancelled,
// matching the teacher's PeriodicTask.run shape: an immediate first
// run, then a ticker, with context cancellation as the only exit path.
// On any cycle panic/error it logs and continues (spec.md §7's
// loop-level disposition), never propagating out of Run.
func (l *Loop) Run(ctx context.Context) {
	if l.previouslyConnected == nil {
		l.previouslyConnected = make(map[string]bool)
	}

	l.runCycleSafely(ctx)

	ticker := time.NewTicker(l.Cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCycleSafely(ctx)
		}
	}
}

// runCycleSafely recovers from any panic in Cycle and sleeps 60s before
// returning control to Run's ticker, per spec.md §7's "loop-level
// unhandled exception: log with traceback, sleep 60s, continue".
func (l *Loop) runCycleSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger().Printf("dispatch: cycle panicked: %v", r)
			time.Sleep(60 * time.Second)
		}
	}()
	if err := l.Cycle(ctx); err != nil {
		l.logger().Printf("dispatch: cycle error: %v", err)
		time.Sleep(60 * time.Second)
	}
}

// Cycle runs exactly one iteration of spec.md §4.J's 15-step sequence.
func (l *Loop) Cycle(ctx context.Context) error {
	now := time.Now().UTC()

	// Step 1: acquire a SystemState snapshot.
	state, err := l.collectState(ctx, now)
	if err != nil {
		return err
	}

	// Step 2: fetch tariffs/PV forecast; compute percentiles and enrich state.
	prices, pvKW, loadW, err := l.fetchForecasts(ctx)
	if err != nil {
		l.logger().Printf("dispatch: forecast fetch failed, planning without forecasts this cycle: %v", err)
	}
	pmap, spread := percentiles(prices)
	state.PricePercentiles = pmap
	state.PriceSpread = spread
	state.CheapHoursToday = cheapHoursRemaining(prices, state.CurrentPrice, slotHours)
	state.ExpectedPVNext24h = sumPV24h(pvKW, slotHours)

	// Step 3: plug-in event detection.
	l.detectPlugInEvents(state, now)

	// Step 4: forecast reliability update (uses the previous cycle's plan
	// vs. the actual state just observed for the now-past slot 0).
	l.updateReliability(state)

	// Step 5: seasonal correction.
	seasonalCorrection, _ := l.Seasonal.Correction(now, 5)

	// Step 6: planner.
	pvConfidence, _ := l.Reliability.Confidence(reliability.PV)
	horizon, planErr := l.runPlanner(state, prices, pvKW, loadW, pvConfidence, seasonalCorrection, now)
	if planErr != nil {
		l.logger().Printf("dispatch: no plan this cycle: %v", planErr)
	} else {
		l.lastHorizon = horizon
		if err := l.Telemetry.SaveHorizon(ctx, horizon); err != nil {
			l.logger().Printf("dispatch: telemetry save failed: %v", err)
		}
	}

	// Step 7: override bypass, else residual learner acts.
	_, boosted := l.Boosts.Active(now)
	plannedAction, effectiveAction := l.resolveAction(horizon, state, now, boosted)

	// Step 8: boost override dispatches directly, bypassing the mode
	// controller entirely.
	if boosted {
		if err := l.dispatchBoost(ctx); err != nil {
			l.logger().Printf("dispatch: failed to issue downstream command: %v", err)
		}
	}

	// Step 9: mode controller drives the downstream mode command when
	// not boosted (spec.md §4.H); see runModeController.
	var modeStatus map[string]any
	if !boosted {
		modeStatus = l.runModeController(ctx, state, horizon, now)
	}

	// Step 10: arbitrage evaluator.
	arbStatus, arbLimits := l.runArbitrage(state, horizon, pvConfidence)

	// Step 11: reserve-floor calculator, only when arbitrage not active.
	var bufferStatus map[string]any
	if !arbStatus.Active {
		bufferStatus = l.runReserve(state, pvConfidence, now)
	} else {
		bufferStatus = map[string]any{"skipped": "arbitrage active", "limits": arbLimits}
	}

	// Step 12: publish.
	l.publish(state, plannedAction, effectiveAction, arbStatus, modeStatus, bufferStatus)

	// Step 13: shared slot-0 planned/actual cost, fed to seasonal/reaction/learner.
	plannedCost, actualCost := l.slotZeroCosts(state, horizon)
	l.Seasonal.Update(now, actualCost-plannedCost)
	l.Reaction.Cycle(
		reaction.Action{BatCharge: plannedAction.BatCharge, BatDischarge: plannedAction.BatDischarge, EVCharge: plannedAction.EVCharge},
		reaction.Action{BatCharge: effectiveAction.BatCharge, BatDischarge: effectiveAction.BatDischarge, EVCharge: effectiveAction.EVCharge},
	)
	if !boosted {
		stateKey := learner.QuantizeState(state.BatterySOC, percentileRank(state), now.Hour())
		reward := -(actualCost - plannedCost) * 100.0
		l.Learner.Observe(stateKey, reward)
	}

	// Step 14: auto-promotion check.
	if l.Learner.PromotionEligible(now, l.Cfg.LearnerPromotionMinDays, l.Cfg.LearnerPromotionWinRate, 1.5) {
		l.Learner.SetMode(learner.ModeAdvisory)
		l.logger().Printf("dispatch: residual learner promoted shadow -> advisory")
	}

	return nil
}

func percentileRank(state store.SystemState) int {
	p, ok := pricePercentileOf(state.CurrentPrice, state.PricePercentiles)
	if !ok {
		return 50
	}
	return p
}

var errNoState = errors.New("dispatch: no state available this cycle")

func (l *Loop) collectState(ctx context.Context, now time.Time) (store.SystemState, error) {
	s, err := l.Evcc.State(ctx)
	if err != nil {
		return store.SystemState{}, err
	}
	if len(s.Loadpoints) == 0 {
		return store.SystemState{}, errNoState
	}
	lp := s.Loadpoints[0]
	l.lastReportedMode = lp.Mode

	return store.SystemState{
		Timestamp:    now,
		BatterySOC:   s.BatterySOC,
		BatteryPower: s.BatteryPower,
		GridPower:    s.GridPower,
		PVPower:      s.PVPower,
		HomeLoad:     s.HomePower,
		EVAttached:   lp.Connected,
		EVName:       lp.VehicleName,
		EVSOC:        lp.VehicleSOC,
	}, nil
}

func (l *Loop) fetchForecasts(ctx context.Context) ([]float64, []float64, []float64, error) {
	prices, err := l.Forecaster.Prices(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	pvKW, err := l.Forecaster.PVKW(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	loadW, err := l.Forecaster.ConsumptionW(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	return prices, pvKW, loadW, nil
}

func (l *Loop) detectPlugInEvents(state store.SystemState, now time.Time) {
	if state.EVName == "" {
		return
	}
	wasConnected := l.previouslyConnected[state.EVName]
	if !wasConnected && state.EVAttached {
		// Dispatching the actual inquiry (app/Telegram prompt) is out of
		// this spec's scope; the loop only logs that one is owed so a
		// driver-facing channel can hook in here.
		l.logger().Printf("dispatch: plug-in event for %s, departure-time inquiry owed", state.EVName)
	}
	l.previouslyConnected[state.EVName] = state.EVAttached
}

func (l *Loop) updateReliability(state store.SystemState) {
	if l.lastHorizon == nil || len(l.lastHorizon.Slots) == 0 {
		return
	}
	slot0 := l.lastHorizon.Slots[0]
	_ = l.Reliability.Update(reliability.PV, math.Abs(slot0.ExpectedPVkW-state.PVPower/1000.0))
	_ = l.Reliability.Update(reliability.Consumption, math.Abs(slot0.ExpectedLoadKW*1000.0-state.HomeLoad))
	_ = l.Reliability.Update(reliability.Price, math.Abs(slot0.ExpectedPrice-state.CurrentPrice))
}

func (l *Loop) runPlanner(state store.SystemState, prices, pvKW, loadW []float64, pvConfidence, seasonalCorrection float64, now time.Time) (*planner.Horizon, error) {
	in := planner.Inputs{
		Now:                   now,
		Prices:                prices,
		ConsumptionW:          loadW,
		PVkW:                  pvKW,
		CurrentBatterySOC:     state.BatterySOC,
		EVConnected:           state.EVAttached,
		EVName:                state.EVName,
		CurrentEVSOC:          state.EVSOC,
		EVCapacityKWh:         state.EVCapacityKWh,
		EVMaxChargeKW:         state.EVChargePower,
		PVConfidence:          pvConfidence,
		SeasonalCorrectionEUR: seasonalCorrection,
		BatteryCapacityKWh:    l.Cfg.BatteryCapacityKWh,
		BatteryMaxChargeKW:    l.Cfg.BatteryMaxChargeKW,
		BatteryMaxDischargeKW: l.Cfg.BatteryMaxDischargeKW,
		BatteryMinSOC:         l.Cfg.BatteryMinSOC,
		BatteryMaxSOC:         l.Cfg.BatteryMaxSOC,
		EfficiencyCharge:      l.Cfg.BatteryEfficiencyChg,
		EfficiencyDischarge:   l.Cfg.BatteryEfficiencyDisch,
		BatteryMaxPriceEUR:    l.Cfg.BatteryMaxPriceCt / 100.0,
		EVMaxPriceEUR:         l.Cfg.EVMaxPriceCt / 100.0,
		FeedInTariffEUR:       l.Cfg.FeedInTariffCt / 100.0,
	}
	if state.EVAttached {
		if dep, ok := l.Departures.Get(state.EVName); ok {
			slot := int(dep.Sub(now).Minutes() / 15)
			if slot < 1 {
				slot = 1
			}
			if slot > 95 {
				slot = 95
			}
			in.EVDepartureSlot = slot
			in.EVTargetSOC = 80
		}
	}
	return l.Planner.Plan(in)
}

func (l *Loop) resolveAction(h *planner.Horizon, state store.SystemState, now time.Time, boosted bool) (store.ActionState, store.ActionState) {
	planned := store.ActionState{}
	if h != nil {
		planned = store.ActionState{
			BatCharge:    h.CurrentBatCharge,
			BatDischarge: h.CurrentBatDischarge,
			EVCharge:     h.CurrentEVCharge,
			PriceLimit:   h.CurrentPriceLimit,
		}
	}

	if boosted {
		return planned, store.ActionState{EVCharge: true, PriceLimit: math.MaxFloat64}
	}

	effective := planned
	if l.Learner.Mode() == learner.ModeAdvisory {
		key := learner.QuantizeState(state.BatterySOC, percentileRank(state), now.Hour())
		if action, ok := l.Learner.Suggest(key); ok {
			effective.PriceLimit = planned.PriceLimit + (action.BatDeltaCt+action.EVDeltaCt)/100.0/2.0
		}
	}
	return planned, effective
}

// dispatchBoost issues the full-power "now" mode a boost override demands,
// bypassing the mode controller entirely for the cycle.
func (l *Loop) dispatchBoost(ctx context.Context) error {
	if l.Cfg.DryRun {
		return nil
	}
	return l.Evcc.SetLoadpointMode(ctx, 0, evccclient.ModeNow)
}

// runModeController steps the mode state machine and, when it issues a
// command, is the sole place that actually changes the downstream
// loadpoint's charge mode (spec.md §4.H). Its Decision also feeds the
// status map published over SSE.
func (l *Loop) runModeController(ctx context.Context, state store.SystemState, h *planner.Horizon, now time.Time) map[string]any {
	hasPlan := h != nil
	planSaysCharge := hasPlan && (h.CurrentBatCharge || h.CurrentEVCharge)
	percentile, havePercentile := pricePercentileOf(state.CurrentPrice, state.PricePercentiles)

	in := mode.Inputs{
		Now:                 now,
		DownstreamReachable: true,
		ReportedMode:        mode.ChargeMode(l.lastReportedMode),
		EVConnected:         state.EVAttached,
		HasPlan:             hasPlan,
		PlanSaysCharge:      planSaysCharge,
		HavePercentile:      havePercentile,
		PricePercentile:     percentile,
		CurrentPriceEUR:     state.CurrentPrice,
		EVMaxPriceEUR:       l.Cfg.EVMaxPriceCt / 100.0,
	}
	d := l.Mode.Step(in)

	if d.CommandIssued && !l.Cfg.DryRun {
		if err := l.Evcc.SetLoadpointMode(ctx, 0, evccclient.ChargeMode(d.TargetMode)); err != nil {
			l.logger().Printf("dispatch: mode controller failed to issue downstream command: %v", err)
		}
	}

	return map[string]any{
		"state":             d.State,
		"target_mode":       d.TargetMode,
		"command_issued":    d.CommandIssued,
		"override_detected": d.OverrideDetected,
		"warn_unreachable":  d.WarnUnreachable,
	}
}

func (l *Loop) runArbitrage(state store.SystemState, h *planner.Horizon, pvConfidence float64) (arbitrage.Status, arbitrage.Limits) {
	var currentSlot arbitrage.Slot
	var futureSlots []arbitrage.Slot
	if h != nil && len(h.Slots) > 0 {
		currentSlot = arbitrage.Slot{PriceCt: h.Slots[0].ExpectedPrice * 100, BatDischargeKW: h.Slots[0].BatDischargeKW, EVChargeKW: h.Slots[0].EVChargeKW}
		for _, s := range h.Slots[1:] {
			futureSlots = append(futureSlots, arbitrage.Slot{PriceCt: s.ExpectedPrice * 100, BatDischargeKW: s.BatDischargeKW, EVChargeKW: s.EVChargeKW})
		}
	}
	dynamicReserve, _ := l.Reserve.Compute(time.Now().UTC(), l.Cfg.BatteryMinSOC, pvConfidence, state.PriceSpread)

	in := arbitrage.Inputs{
		EVAttached:          state.EVAttached,
		EVNeedKWh:           math.Max(0, (100-state.EVSOC)/100*state.EVCapacityKWh),
		EVFastChargeMode:    state.EVAttached && l.lastReportedMode == evccclient.ModeNow,
		CurrentPriceCt:      state.CurrentPrice * 100,
		CurrentSlot:         currentSlot,
		FutureSlots:         futureSlots,
		BatterySOC:          state.BatterySOC,
		DynamicReserveSOC:   dynamicReserve,
		CheapHoursRemaining: state.CheapHoursToday,
		PVSurplusKWh:        math.Max(0, state.PVPower-state.HomeLoad) / 1000.0 * slotHours,
	}
	return l.Arbitrage.Evaluate(in)
}

func (l *Loop) runReserve(state store.SystemState, pvConfidence float64, now time.Time) map[string]any {
	target, applied := l.Reserve.Compute(now, l.Cfg.BatteryMinSOC, pvConfidence, state.PriceSpread)
	return map[string]any{"target": target, "applied": applied, "live_mode": l.Reserve.IsLiveMode(now)}
}

func (l *Loop) publish(state store.SystemState, planned, effective store.ActionState, arb arbitrage.Status, modeStatus, bufferStatus map[string]any) {
	l.Store.Update(store.Snapshot{
		State:           state,
		PlannedAction:   planned,
		EffectiveAction: effective,
		ArbitrageStatus: map[string]any{"active": arb.Active, "reason": arb.Reason, "savings_ct": arb.SavingsCt, "usable_kwh": arb.UsableKWh},
		ModeStatus:      modeStatus,
		BufferStatus:    bufferStatus,
	})
}

func (l *Loop) slotZeroCosts(state store.SystemState, h *planner.Horizon) (planned, actual float64) {
	if h == nil || len(h.Slots) == 0 {
		return 0, 0
	}
	slot := h.Slots[0]
	planned = (slot.BatChargeKW-slot.BatDischargeKW+slot.EVChargeKW) * slot.ExpectedPrice * slotHours
	actualPowerKW := (state.BatteryPower + state.EVChargePower*1000) / 1000.0
	actual = actualPowerKW * state.CurrentPrice * slotHours
	return planned, actual
}
