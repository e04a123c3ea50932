// Package store holds the dispatcher's single publication point: the
// latest SystemState, the latest planned and effective actions, the
// latest forecasts, and the status dicts published by the arbitrage,
// mode, and buffer subsystems. Exactly one writer (the decision loop)
// calls Update; any number of readers may call Snapshot concurrently.
package store

import (
	"sync"
	"time"
)

// SystemState is the per-cycle snapshot described in spec.md §3.
type SystemState struct {
	Timestamp time.Time `json:"timestamp"`

	BatterySOC   float64 `json:"battery_soc"`   // percent, 0-100
	BatteryPower float64 `json:"battery_power"` // signed W, positive = charging
	GridPower    float64 `json:"grid_power"`    // signed W
	PVPower      float64 `json:"pv_power"`      // W
	HomeLoad     float64 `json:"home_load"`     // W
	CurrentPrice float64 `json:"current_price"` // EUR/kWh

	EVAttached    bool    `json:"ev_attached"`
	EVName        string  `json:"ev_name,omitempty"`
	EVSOC         float64 `json:"ev_soc,omitempty"`
	EVCapacityKWh float64 `json:"ev_capacity_kwh,omitempty"`
	EVChargePower float64 `json:"ev_charge_power,omitempty"`

	PricePercentiles  map[int]float64 `json:"price_percentiles"` // percentile -> EUR/kWh
	PriceSpread       float64         `json:"price_spread"`      // P80 - P20
	CheapHoursToday   int             `json:"cheap_hours_today"`
	ExpectedPVNext24h float64         `json:"expected_pv_next_24h"` // kWh
}

// ActionState is the derived current-slot booleans and effective price
// limit mirrored into every SSE payload alongside SystemState.
type ActionState struct {
	BatCharge    bool    `json:"bat_charge"`
	BatDischarge bool    `json:"bat_discharge"`
	EVCharge     bool    `json:"ev_charge"`
	PriceLimit   float64 `json:"price_limit"`
}

// Snapshot is the self-consistent, shallow copy returned by Store.Snapshot.
// Readers never observe fields mixed across two different Update calls.
type Snapshot struct {
	State            SystemState         `json:"state"`
	PlannedAction    ActionState         `json:"lp_action"`
	EffectiveAction  ActionState         `json:"rl_action"`
	LastUpdate       time.Time           `json:"last_update"`
	ArbitrageStatus  map[string]any      `json:"arbitrage_status,omitempty"`
	ModeStatus       map[string]any      `json:"mode_status,omitempty"`
	BufferStatus     map[string]any      `json:"buffer_status,omitempty"`
}

// subscriberBuffer is the suggested bound from spec.md §4.A: a slow
// subscriber whose channel is full silently misses updates rather than
// stalling the writer.
const subscriberBuffer = 10

// Store is the single publication point. The field block and the
// subscriber list are guarded by separate locks so that registering or
// unregistering a subscriber never blocks (or is blocked by) a writer
// mid-Update, matching spec.md §5's "separate mutex for subscriber list"
// requirement and the teacher's scheduler mutex/subscriber-map split.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

// New returns an empty Store with no subscribers and a zero Snapshot.
func New() *Store {
	return &Store{
		subs: make(map[chan Snapshot]struct{}),
	}
}

// Update atomically replaces the stored snapshot, then broadcasts the
// new snapshot to every registered subscriber outside the critical
// section. A subscriber whose channel is full has the update dropped
// for it; the writer never blocks on a slow reader.
func (s *Store) Update(snap Snapshot) {
	snap.LastUpdate = time.Now().UTC()

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.broadcast(snap)
}

// Snapshot returns a self-consistent copy of the latest published state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RegisterSubscriber returns a new bounded channel that receives every
// subsequent Update's snapshot.
func (s *Store) RegisterSubscriber() chan Snapshot {
	ch := make(chan Snapshot, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// UnregisterSubscriber removes and closes a channel previously returned
// by RegisterSubscriber. Safe to call more than once.
func (s *Store) UnregisterSubscriber(ch chan Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Store) broadcast(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Buffer full: drop for this subscriber, never block the writer.
		}
	}
}
