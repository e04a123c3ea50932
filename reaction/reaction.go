// Package reaction tracks whether plan/actual deviations self-correct on
// the following cycle, maintaining an exponential moving average of the
// self-correction rate that downstream callers use to decide whether an
// immediate replan is warranted.
package reaction

import (
	"sync"

	"github.com/krinco1/evcc-dispatch/persist"
)

const (
	emaAlpha          = 0.05
	initialEMA        = 0.5
	replanThreshold    = 0.6
	episodeLogLimit   = 100
	schemaVersion     = 1
)

// Action is a minimal comparable snapshot of one cycle's dispatch
// decision, used to decide whether plan and actual agree.
type Action struct {
	BatCharge    bool `json:"bat_charge"`
	BatDischarge bool `json:"bat_discharge"`
	EVCharge     bool `json:"ev_charge"`
}

// Episode records one plan/actual deviation and whether it self-corrected
// on the following cycle.
type Episode struct {
	PlanAction     Action `json:"plan_action"`
	ActualAction   Action `json:"actual_action"`
	SelfCorrected  bool   `json:"self_corrected"`
	Committed      bool   `json:"committed"`
}

type persistedState struct {
	EMA     float64   `json:"ema"`
	Log     []Episode `json:"log"`
	Pending *Episode  `json:"pending,omitempty"`
}

// Tracker is the reaction-timing state machine described in spec.md §4.D.
type Tracker struct {
	mu        sync.Mutex
	ema       float64
	log       []Episode
	pending   *Episode
	path      string
}

// New returns a Tracker with the initial EMA of 0.5.
func New(persistPath string) *Tracker {
	return &Tracker{ema: initialEMA, path: persistPath}
}

// Load restores a Tracker from persistPath, or returns a fresh Tracker if
// no file exists or its schema version does not match.
func Load(persistPath string) *Tracker {
	t := New(persistPath)
	state, err := persist.Load[persistedState](persistPath, schemaVersion)
	if err != nil {
		return t
	}
	t.ema = state.EMA
	t.log = state.Log
	t.pending = state.Pending
	return t
}

// Cycle advances the state machine by one cycle given this cycle's plan
// and actual action. If a pending episode existed, it is resolved
// against this cycle's deviation comparison and committed; the EMA is
// updated. If plan != actual this cycle, a new pending episode begins.
func (t *Tracker) Cycle(plan, actual Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		selfCorrected := plan == actual
		ep := *t.pending
		ep.SelfCorrected = selfCorrected
		ep.Committed = true
		t.appendEpisodeLocked(ep)

		obs := 0.0
		if selfCorrected {
			obs = 1.0
		}
		t.ema = (1-emaAlpha)*t.ema + emaAlpha*obs
		t.pending = nil

		t.persistLocked()
	}

	if plan != actual {
		t.pending = &Episode{PlanAction: plan, ActualAction: actual}
	}
}

func (t *Tracker) appendEpisodeLocked(ep Episode) {
	t.log = append(t.log, ep)
	if len(t.log) > episodeLogLimit {
		t.log = t.log[len(t.log)-episodeLogLimit:]
	}
}

// ShouldReplanImmediately reports whether the current self-correction EMA
// has fallen below the replan threshold.
func (t *Tracker) ShouldReplanImmediately() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema < replanThreshold
}

// EMA returns the current self-correction rate estimate.
func (t *Tracker) EMA() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ema
}

func (t *Tracker) persistLocked() {
	if t.path == "" {
		return
	}
	_ = persist.SaveAtomic(t.path, schemaVersion, persistedState{
		EMA:     t.ema,
		Log:     t.log,
		Pending: t.pending,
	})
}
