// Package mode implements the charger mode controller of spec.md §4.H: a
// small state machine {startup, normal, overridden, unreachable} that
// maps the current plan and price percentile to one of evcc's loadpoint
// modes {now, minpv, pv}, detects when a human has manually changed the
// mode out from under the dispatcher, and issues at most one mode
// command per cycle.
package mode

import (
	"time"
)

// ChargeMode is one of evcc's loadpoint charge modes.
type ChargeMode string

const (
	ModeNow   ChargeMode = "now"
	ModeMinPV ChargeMode = "minpv"
	ModePV    ChargeMode = "pv"
)

// State is the controller's own lifecycle state, distinct from the
// downstream charger's reported ChargeMode.
type State string

const (
	StateStartup     State = "startup"
	StateNormal      State = "normal"
	StateOverridden  State = "overridden"
	StateUnreachable State = "unreachable"
)

const unreachableWarnAfter = 30 * time.Minute

// Inputs is everything the controller needs for one cycle's decision.
type Inputs struct {
	Now time.Time

	DownstreamReachable bool
	ReportedMode        ChargeMode // what the charger currently reports

	EVConnected     bool
	EVAtTargetSOC   bool
	UrgentDeparture bool

	HasPlan        bool
	PlanSaysCharge bool

	PricePercentile int // 0-100; only read when HavePercentile is true
	HavePercentile  bool
	CurrentPriceEUR float64

	// EVMaxPriceEUR is the configured EV charge price ceiling, used only
	// as the fallback mode threshold when no percentile data is available.
	EVMaxPriceEUR float64
}

// Decision is the outcome of one cycle's Step call.
type Decision struct {
	State            State
	TargetMode       ChargeMode
	CommandIssued    bool
	OverrideDetected bool
	WarnUnreachable  bool
}

// Controller tracks the mode state machine across cycles.
type Controller struct {
	state   State
	lastSet ChargeMode

	unreachableSince time.Time
	haveUnreachable  bool

	overrideActive     bool
	overrideModeManual ChargeMode

	started bool
}

// New returns a Controller in its startup state.
func New() *Controller {
	return &Controller{state: StateStartup}
}

// Step advances the controller by one cycle and returns the decision:
// which mode should be in effect and whether a command was issued.
// Dispatch (the caller) is responsible for actually calling the
// downstream controller when CommandIssued is true.
func (c *Controller) Step(in Inputs) Decision {
	if !in.DownstreamReachable {
		if !c.haveUnreachable {
			c.haveUnreachable = true
			c.unreachableSince = in.Now
		}
		warn := in.Now.Sub(c.unreachableSince) >= unreachableWarnAfter
		c.state = StateUnreachable
		return Decision{State: StateUnreachable, WarnUnreachable: warn}
	}
	c.haveUnreachable = false

	if !c.started {
		c.started = true
		c.state = StateNormal
		c.lastSet = in.ReportedMode
		return Decision{State: StateStartup, TargetMode: in.ReportedMode}
	}

	if c.overrideActive {
		if c.overrideEnded(in) {
			c.overrideActive = false
			c.lastSet = in.ReportedMode
		} else {
			c.state = StateOverridden
			return Decision{State: StateOverridden, TargetMode: in.ReportedMode}
		}
	}

	if in.ReportedMode != c.lastSet {
		c.overrideActive = true
		c.overrideModeManual = in.ReportedMode
		c.state = StateOverridden
		return Decision{State: StateOverridden, TargetMode: in.ReportedMode, OverrideDetected: true}
	}

	target := targetMode(in)
	c.state = StateNormal

	if target == in.ReportedMode {
		return Decision{State: StateNormal, TargetMode: target}
	}

	c.lastSet = target
	return Decision{State: StateNormal, TargetMode: target, CommandIssued: true}
}

func (c *Controller) overrideEnded(in Inputs) bool {
	return !in.EVConnected || in.EVAtTargetSOC
}

// targetMode implements spec.md §4.H's decision table.
func targetMode(in Inputs) ChargeMode {
	if !in.EVConnected {
		return ModePV
	}
	if in.EVAtTargetSOC {
		return ModePV
	}
	if in.UrgentDeparture {
		return ModeNow
	}
	if !in.HasPlan {
		return ModePV
	}
	if !in.PlanSaysCharge {
		return ModePV
	}
	if in.HavePercentile {
		switch {
		case in.PricePercentile <= 30:
			return ModeNow
		case in.PricePercentile <= 60:
			return ModeMinPV
		default:
			return ModePV
		}
	}

	// Percentile unavailable: fall back to a fraction of the configured
	// EV max price, as evcc_mode_controller.py's decide_mode does when
	// it has no price_percentiles to work with.
	if in.EVMaxPriceEUR <= 0 {
		return ModePV
	}
	switch {
	case in.CurrentPriceEUR <= in.EVMaxPriceEUR*0.5:
		return ModeNow
	case in.CurrentPriceEUR <= in.EVMaxPriceEUR*0.8:
		return ModeMinPV
	default:
		return ModePV
	}
}
