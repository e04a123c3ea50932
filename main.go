// Package main provides the evcc-dispatch entry point and CLI interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/krinco1/evcc-dispatch/arbitrage"
	"github.com/krinco1/evcc-dispatch/config"
	"github.com/krinco1/evcc-dispatch/dispatch"
	"github.com/krinco1/evcc-dispatch/entsoe"
	"github.com/krinco1/evcc-dispatch/evccclient"
	"github.com/krinco1/evcc-dispatch/learner"
	"github.com/krinco1/evcc-dispatch/mode"
	"github.com/krinco1/evcc-dispatch/planner"
	"github.com/krinco1/evcc-dispatch/reaction"
	"github.com/krinco1/evcc-dispatch/reliability"
	"github.com/krinco1/evcc-dispatch/reserve"
	"github.com/krinco1/evcc-dispatch/seasonal"
	"github.com/krinco1/evcc-dispatch/server"
	"github.com/krinco1/evcc-dispatch/store"
	"github.com/krinco1/evcc-dispatch/telemetry"
	"github.com/krinco1/evcc-dispatch/vehicle"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		info       = flag.Bool("info", false, "Show the loaded configuration and exit")
		help       = flag.Bool("help", false, "Show help message")
		dryRun     = flag.Bool("dry-run", false, "Log planned actions without dispatching them to evcc")
		serverOnly = flag.Bool("server-only", false, "Run only the HTTP/SSE server, without the decision loop")
		planOnce   = flag.Bool("plan-once", false, "Run a single decision cycle, print the resulting plan, and exit")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	for _, issue := range cfg.ValidateAll() {
		if issue.Severity == "warning" {
			fmt.Printf("config warning: %s: %s (%s)\n", issue.Field, issue.Message, issue.Suggestion)
		}
	}

	if *info {
		data, _ := cfg.MarshalJSON()
		fmt.Println(string(data))
		return
	}

	logger := log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags)

	telemetrySink, err := telemetry.Open(cfg.PostgresConnString)
	if err != nil {
		fmt.Println("Error connecting telemetry sink:", err)
		os.Exit(1)
	}
	defer telemetrySink.Close()

	st := store.New()
	loop := buildLoop(cfg, st, logger, telemetrySink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *planOnce {
		if err := loop.Cycle(ctx); err != nil {
			fmt.Println("Error running cycle:", err)
			os.Exit(1)
		}
		snap := st.Snapshot()
		fmt.Printf("plan: batterySOC=%.1f%% batCharge=%v batDischarge=%v evCharge=%v priceLimit=%.3f targetMode=%v\n",
			snap.State.BatterySOC, snap.EffectiveAction.BatCharge, snap.EffectiveAction.BatDischarge,
			snap.EffectiveAction.EVCharge, snap.EffectiveAction.PriceLimit, snap.ModeStatus["target_mode"])
		return
	}

	srv := server.New(st, cfg.HealthCheckPort, 2*cfg.CycleInterval)
	srv.Start()
	logger.Printf("HTTP server listening on :%d (health/ready/events)", cfg.HealthCheckPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if !*serverOnly {
		go loop.Run(ctx)
		logger.Printf("Decision loop started (cycle interval %s). Press Ctrl+C to stop...", cfg.CycleInterval)
	} else {
		logger.Printf("Running in server-only mode. Press Ctrl+C to stop...")
	}

	<-sigChan
	logger.Printf("Shutdown signal received, stopping...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.EvccTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}

	logger.Printf("Stopped successfully")
}

// buildLoop wires every component package into a dispatch.Loop, the way
// SPEC_FULL.md's component table expects them composed: one store, one
// set of per-component persisted state files under cfg.StateDir, and the
// evcc REST client as the sole actuation path.
func buildLoop(cfg *config.Config, st *store.Store, logger *log.Logger, telemetrySink *telemetry.Sink) *dispatch.Loop {
	statePath := func(name string) string {
		if cfg.StateDir == "" {
			return ""
		}
		return filepath.Join(cfg.StateDir, name)
	}

	evccOpts := []evccclient.Option{evccclient.WithTimeout(cfg.EvccTimeout)}
	if cfg.EvccPassword != "" {
		evccOpts = append(evccOpts, evccclient.WithPassword(cfg.EvccPassword))
	}
	evcc := evccclient.New(cfg.EvccBaseURL, evccOpts...)

	var lastHomeLoadW float64
	evccForecaster := &dispatch.EvccForecaster{
		Client:        evcc,
		LastHomeLoadW: func() float64 { return lastHomeLoadW },
		HorizonSlots:  96,
	}

	var forecaster dispatch.Forecaster = evccForecaster
	if cfg.EntsoeEnabled {
		forecaster = &dispatch.EntsoeFallbackForecaster{
			Evcc:          evccForecaster,
			Entsoe:        entsoe.New(),
			SecurityToken: cfg.EntsoeSecurityToken,
			URLFormat:     cfg.EntsoeURLFormat,
			HorizonSlots:  96,
			SlotWidth:     15 * time.Minute,
		}
	}

	learnerMode := learner.ModeShadow
	switch cfg.LearnerMode {
	case "advisory":
		learnerMode = learner.ModeAdvisory
	case "disabled":
		learnerMode = learner.ModeDisabled
	}

	return &dispatch.Loop{
		Cfg:    cfg,
		Logger: logger,

		Evcc:       evcc,
		Forecaster: forecaster,

		Store:       st,
		Reliability: reliability.New(statePath("reliability.json")),
		Seasonal:    seasonal.New(statePath("seasonal.json")),
		Reaction:    reaction.New(statePath("reaction.json")),
		Reserve: reserve.New(reserve.Params{
			PracticalMinSOC: cfg.ReservePracticalFloor,
			HardFloorSOC:    cfg.ReserveHardFloor,
			ObservationDays: cfg.ReserveObservationDays,
			ForceLiveMode:   cfg.ReserveForceLiveMode,
			Latitude:        cfg.Latitude,
			Longitude:       cfg.Longitude,
			PersistPath:     statePath("reserve.json"),
		}),
		Planner: planner.New(),
		Arbitrage: arbitrage.New(arbitrage.Params{
			MinProfitCt:         cfg.ArbitrageMinProfitCt,
			FloorSOC:            cfg.ArbitrageFloorSOC,
			LookaheadSlots:      cfg.ArbitrageLookaheadSlots,
			LookaheadFactor:     cfg.ArbitrageLookaheadFactor,
			BatteryMaxPriceCt:   cfg.BatteryMaxPriceCt,
			EfficiencyCharge:    cfg.BatteryEfficiencyChg,
			EfficiencyDischarge: cfg.BatteryEfficiencyDisch,
			BatteryCapacityKWh:  cfg.BatteryCapacityKWh,
			ChargePowerKW:       cfg.BatteryMaxChargeKW,
		}),
		Mode:      mode.New(),
		Learner:   learner.New(learnerMode, cfg.LearnerEpsilon, cfg.LearnerAlpha, statePath("learner.json")),
		Telemetry: telemetrySink,

		Vehicles:   vehicle.NewFleet(),
		Boosts:     vehicle.NewBoostRegistry(),
		Departures: vehicle.NewDepartureBook(),
	}
}

func showHelp() {
	fmt.Println("evcc-dispatch - price-, PV-, and driver-aware battery/EV charge dispatcher")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads spot prices and PV/load forecasts from a downstream evcc instance,")
	fmt.Println("  solves a cost-minimizing charge/discharge plan over a 24h horizon, and")
	fmt.Println("  dispatches the result back to evcc every cycle interval.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  evcc-dispatch [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  evcc-dispatch")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  evcc-dispatch -config=config.json")
	fmt.Println()
	fmt.Println("  # Show the loaded configuration")
	fmt.Println("  evcc-dispatch -info")
	fmt.Println()
	fmt.Println("  # Run only the HTTP/SSE server, no decision loop")
	fmt.Println("  evcc-dispatch -server-only")
	fmt.Println()
	fmt.Println("  # Run a single decision cycle and print the plan")
	fmt.Println("  evcc-dispatch -plan-once")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  evcc-dispatch -help")
}
