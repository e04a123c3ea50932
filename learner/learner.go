// Package learner implements the residual learner of spec.md §4.I: a
// tabular, epsilon-greedy agent that nudges the planner's price
// thresholds by small signed deltas, operating in {shadow, advisory,
// disabled} modes. Shadow and advisory are separate call sites by
// construction (Suggest only returns a usable action in advisory mode;
// Observe always runs but never hands dispatch an action), so shadow
// mode cannot alter dispatch by accident. Grounded on the tabular
// state-value Monte-Carlo learner in the retrieval pack's
// reinforcement-learning example: a small discrete action set, a
// quantised state space, and epsilon-greedy action selection over a
// table of per-state-action values, adapted here to a single-step
// (bandit-style) reward instead of full-episode returns.
package learner

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/krinco1/evcc-dispatch/persist"
)

// Mode is the learner's operating mode.
type Mode string

const (
	ModeShadow   Mode = "shadow"
	ModeAdvisory Mode = "advisory"
	ModeDisabled Mode = "disabled"
)

// Action is one discrete (bat delta, ev delta) price-threshold
// adjustment, in ct/kWh.
type Action struct {
	BatDeltaCt float64 `json:"bat_delta_ct"`
	EVDeltaCt  float64 `json:"ev_delta_ct"`
}

// actionSet is the small discrete set of deltas the agent chooses among.
var actionSet = buildActionSet()

func buildActionSet() []Action {
	steps := []float64{-2, -1, 0, 1, 2}
	var set []Action
	for _, b := range steps {
		for _, e := range steps {
			set = append(set, Action{BatDeltaCt: b, EVDeltaCt: e})
		}
	}
	return set
}

// StateKey is the quantised state the agent conditions its choice on:
// SoC bucket, price-percentile bucket, and time-of-day bucket.
type StateKey struct {
	SOCBucket     int `json:"soc_bucket"`
	PriceBucket   int `json:"price_bucket"`
	TimeBucket    int `json:"time_bucket"`
}

// MarshalText renders a StateKey as a compact string so it can be used
// as a JSON object key (encoding/json requires map keys to be strings or
// implement TextMarshaler).
func (k StateKey) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d-%d-%d", k.SOCBucket, k.PriceBucket, k.TimeBucket)), nil
}

// UnmarshalText parses the format written by MarshalText.
func (k *StateKey) UnmarshalText(text []byte) error {
	_, err := fmt.Sscanf(string(text), "%d-%d-%d", &k.SOCBucket, &k.PriceBucket, &k.TimeBucket)
	return err
}

// QuantizeState buckets raw SoC/percentile/hour values into a StateKey.
func QuantizeState(socPercent float64, pricePercentile int, hour int) StateKey {
	soc := int(socPercent / 10.0)
	if soc > 10 {
		soc = 10
	}
	if soc < 0 {
		soc = 0
	}
	pct := pricePercentile / 20
	if pct > 4 {
		pct = 4
	}
	if pct < 0 {
		pct = 0
	}
	tb := hour / 4
	if tb > 5 {
		tb = 5
	}
	return StateKey{SOCBucket: soc, PriceBucket: pct, TimeBucket: tb}
}

type pendingSelection struct {
	state     StateKey
	actionIdx int
}

type shadowStats struct {
	FirstObservation time.Time `json:"first_observation"`
	Count            int       `json:"count"`
	Wins             int       `json:"wins"`
	SumBatDelta      float64   `json:"sum_bat_delta"`
	SumEVDelta       float64   `json:"sum_ev_delta"`
}

type persistedState struct {
	Q     map[StateKey][]float64 `json:"q"`
	Stats shadowStats            `json:"stats"`
}

const schemaVersion = 1

// Learner is the tabular epsilon-greedy residual agent.
type Learner struct {
	mu sync.Mutex

	mode    Mode
	epsilon float64
	alpha   float64

	q       map[StateKey][]float64
	pending *pendingSelection
	stats   shadowStats

	path string
	rng  *rand.Rand
}

// New returns a Learner in the given mode.
func New(mode Mode, epsilon, alpha float64, persistPath string) *Learner {
	return &Learner{
		mode:    mode,
		epsilon: epsilon,
		alpha:   alpha,
		q:       make(map[StateKey][]float64),
		path:    persistPath,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Load restores a Learner from persistPath, or returns a fresh Learner
// if no valid file exists.
func Load(mode Mode, epsilon, alpha float64, persistPath string) *Learner {
	l := New(mode, epsilon, alpha, persistPath)
	state, err := persist.Load[persistedState](persistPath, schemaVersion)
	if err != nil {
		return l
	}
	if state.Q != nil {
		l.q = state.Q
	}
	l.stats = state.Stats
	return l
}

// Mode returns the learner's current operating mode.
func (l *Learner) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode changes the operating mode, e.g. after a successful promotion
// audit.
func (l *Learner) SetMode(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = m
}

// Suggest is the ONLY call site that returns a usable Action to the
// caller, and dispatch must only call it when the learner is in
// advisory mode (a second, structural guard in addition to the internal
// mode check here: shadow mode literally never has its suggestion
// reach an LP threshold).
func (l *Learner) Suggest(state StateKey) (Action, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeAdvisory {
		return Action{}, false
	}
	idx := l.chooseLocked(state)
	l.pending = &pendingSelection{state: state, actionIdx: idx}
	return actionSet[idx], true
}

// Observe runs every cycle regardless of mode (spec.md §4.J step 13),
// attributing reward to whatever action was in play this cycle. In
// advisory mode that is the Suggest call's pending selection; in shadow
// mode Observe makes its own internal hypothetical selection purely for
// learning and promotion-audit bookkeeping, and never exposes it.
// Disabled mode is a complete no-op.
func (l *Learner) Observe(state StateKey, reward float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.mode {
	case ModeDisabled:
		return
	case ModeAdvisory:
		if l.pending == nil {
			return
		}
		l.updateLocked(l.pending.state, l.pending.actionIdx, reward)
		l.pending = nil
	case ModeShadow:
		idx := l.chooseLocked(state)
		l.updateLocked(state, idx, reward)
		l.recordShadowLocked(actionSet[idx], reward)
	}

	l.persistLocked()
}

func (l *Learner) chooseLocked(state StateKey) int {
	if l.rng.Float64() < l.epsilon {
		return l.rng.Intn(len(actionSet))
	}
	values := l.valuesLocked(state)
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func (l *Learner) valuesLocked(state StateKey) []float64 {
	v, ok := l.q[state]
	if !ok {
		v = make([]float64, len(actionSet))
		l.q[state] = v
	}
	return v
}

func (l *Learner) updateLocked(state StateKey, idx int, reward float64) {
	values := l.valuesLocked(state)
	values[idx] += l.alpha * (reward - values[idx])
}

func (l *Learner) recordShadowLocked(a Action, reward float64) {
	if l.stats.Count == 0 {
		l.stats.FirstObservation = time.Now().UTC()
	}
	l.stats.Count++
	if reward > 0 {
		l.stats.Wins++
	}
	l.stats.SumBatDelta += a.BatDeltaCt
	l.stats.SumEVDelta += a.EVDeltaCt
}

// PromotionEligible reports whether the shadow-mode statistics satisfy
// spec.md §4.I's promotion audit: at least minDays of shadow data, a
// win-rate at or above minWinRate, and no extreme average bias in
// either delta (bounded at maxAvgDeltaCt, e.g. 1.5 ct).
func (l *Learner) PromotionEligible(now time.Time, minDays int, minWinRate, maxAvgDeltaCt float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeShadow || l.stats.Count == 0 {
		return false
	}
	days := now.Sub(l.stats.FirstObservation).Hours() / 24.0
	if days < float64(minDays) {
		return false
	}
	winRate := float64(l.stats.Wins) / float64(l.stats.Count)
	if winRate < minWinRate {
		return false
	}
	avgBat := l.stats.SumBatDelta / float64(l.stats.Count)
	avgEV := l.stats.SumEVDelta / float64(l.stats.Count)
	if abs(avgBat) > maxAvgDeltaCt || abs(avgEV) > maxAvgDeltaCt {
		return false
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Flush forces an immediate persist.
func (l *Learner) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked()
}

func (l *Learner) persistLocked() error {
	if l.path == "" {
		return nil
	}
	return persist.SaveAtomic(l.path, schemaVersion, persistedState{Q: l.q, Stats: l.stats})
}
