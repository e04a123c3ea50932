// Package vehicle models the connected-vehicle fleet of spec.md §3/§9: a
// sum type over provider kinds {Kia, Renault, Http, Manual} behind one
// uniform Provider interface, a per-vehicle poller with exponential
// back-off on provider failure, and the staleness/override bookkeeping
// spec.md §3's Vehicle and driver-override entities require. Only the
// interface is implemented here; the concrete Kia/Renault API clients
// are out of spec.md §1's scope and are represented by the Http and
// Manual providers plus a stub that callers can replace.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ProviderKind is the sum type spec.md §9 calls for.
type ProviderKind string

const (
	ProviderKia     ProviderKind = "kia"
	ProviderRenault ProviderKind = "renault"
	ProviderHTTP    ProviderKind = "http"
	ProviderManual  ProviderKind = "manual"
)

// Reading is one poll's result: the vehicle's reported state of charge
// and whether it is currently plugged in and charging.
type Reading struct {
	SOCPercent float64
	Connected  bool
	Charging   bool
	At         time.Time
}

// Provider is the uniform capability set every vehicle backend
// implements, matching spec.md §9's "poll() -> vehicle-data-or-error,
// supports_active_poll" design note.
type Provider interface {
	Kind() ProviderKind
	SupportsActivePoll() bool
	Poll(ctx context.Context) (Reading, error)
}

// ManualProvider never polls; its reading is only ever set by a driver
// override (see Vehicle.ApplyManualOverride).
type ManualProvider struct{}

func (ManualProvider) Kind() ProviderKind          { return ProviderManual }
func (ManualProvider) SupportsActivePoll() bool     { return false }
func (ManualProvider) Poll(context.Context) (Reading, error) {
	return Reading{}, errors.New("manual provider does not support active poll")
}

// HTTPProvider polls a generic JSON HTTP status endpoint. Concrete
// Kia/Renault providers wrap a vendor-specific API client behind the
// same Provider interface; this repo ships only the generic HTTP
// fallback plus the manual provider, per spec.md §1's Non-goals.
type HTTPProvider struct {
	Fetch func(ctx context.Context) (Reading, error)
}

func (HTTPProvider) Kind() ProviderKind      { return ProviderHTTP }
func (HTTPProvider) SupportsActivePoll() bool { return true }
func (p HTTPProvider) Poll(ctx context.Context) (Reading, error) {
	if p.Fetch == nil {
		return Reading{}, errors.New("http provider has no fetch function configured")
	}
	return p.Fetch(ctx)
}

// backoffSchedule is spec.md §7's vehicle-provider back-off ladder.
var backoffSchedule = []time.Duration{
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	16 * time.Hour,
	24 * time.Hour,
}

func backoffForFailures(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	idx := n - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

const stalenessAfter = 60 * time.Minute

// Vehicle is spec.md §3's Vehicle entity plus the poller bookkeeping
// needed to drive it: last reading, manual override, and back-off
// state, all guarded by one mutex since a Vehicle is polled and read
// from different goroutines (the poller and the decision loop).
type Vehicle struct {
	mu sync.Mutex

	Name             string
	BatteryCapacityKWh float64
	NominalChargeKW    float64
	provider           Provider

	lastReading   Reading
	haveReading   bool
	manualSOC     float64
	haveManual    bool
	lastUpdate    time.Time
	lastPoll      time.Time

	consecutiveFailures int
	backoffUntil        time.Time
}

// New constructs a Vehicle bound to the given provider.
func New(name string, capacityKWh, nominalChargeKW float64, p Provider) *Vehicle {
	return &Vehicle{
		Name:               name,
		BatteryCapacityKWh: capacityKWh,
		NominalChargeKW:    nominalChargeKW,
		provider:           p,
	}
}

// ProviderKind reports the bound provider's kind.
func (v *Vehicle) ProviderKind() ProviderKind {
	return v.provider.Kind()
}

// Poll runs one poll cycle against the bound provider, honoring any
// active back-off window, and updates the vehicle's last-known state
// on success. It never returns an error to the caller: a failed poll
// degrades to a stale reading and an extended back-off window, per
// spec.md §7's "state marked stale but cycle continues" disposition.
func (v *Vehicle) Poll(ctx context.Context, now time.Time, logger *log.Logger) {
	v.mu.Lock()
	if !v.provider.SupportsActivePoll() {
		v.mu.Unlock()
		return
	}
	if now.Before(v.backoffUntil) {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	reading, err := v.provider.Poll(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPoll = now

	if err != nil {
		v.consecutiveFailures++
		wait := backoffForFailures(v.consecutiveFailures)
		v.backoffUntil = now.Add(wait)
		if logger != nil {
			logger.Printf("vehicle %s: poll failed (%v), backing off %s", v.Name, err, wait)
		}
		return
	}

	v.consecutiveFailures = 0
	v.backoffUntil = time.Time{}
	v.lastReading = reading
	v.haveReading = true
	v.lastUpdate = now
}

// ApplyManualOverride sets a driver-entered SoC that takes precedence
// over the provider's reading until cleared.
func (v *Vehicle) ApplyManualOverride(socPercent float64, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.manualSOC = socPercent
	v.haveManual = true
	v.lastUpdate = at
}

// ClearManualOverride drops the manual override, reverting to the
// provider's last polled reading.
func (v *Vehicle) ClearManualOverride() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.haveManual = false
}

// Snapshot is the read-only view the decision loop consumes each cycle.
type Snapshot struct {
	Name        string
	SOCPercent  float64
	Connected   bool
	Charging    bool
	Stale       bool
	LastUpdate  time.Time
	LastPoll    time.Time
}

// Snapshot reports the vehicle's current state, applying the manual
// override and staleness predicate of spec.md §3: stale if the last
// update is older than 60 minutes AND there is no active manual
// override.
func (v *Vehicle) Snapshot(now time.Time) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	soc := v.lastReading.SOCPercent
	if v.haveManual {
		soc = v.manualSOC
	}

	stale := !v.haveManual && (!v.haveReading || now.Sub(v.lastUpdate) > stalenessAfter)

	return Snapshot{
		Name:       v.Name,
		SOCPercent: soc,
		Connected:  v.lastReading.Connected,
		Charging:   v.lastReading.Charging,
		Stale:      stale,
		LastUpdate: v.lastUpdate,
		LastPoll:   v.lastPoll,
	}
}

// Fleet is the set of vehicles the dispatcher knows about, keyed by
// name, grounded on the teacher's miners.Discover/registry pattern
// generalized from a discovered-on-the-network set to a configured set.
type Fleet struct {
	mu       sync.RWMutex
	vehicles map[string]*Vehicle
}

// NewFleet returns an empty Fleet.
func NewFleet() *Fleet {
	return &Fleet{vehicles: make(map[string]*Vehicle)}
}

// Add registers a vehicle.
func (f *Fleet) Add(v *Vehicle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles[v.Name] = v
}

// Get looks up a vehicle by name.
func (f *Fleet) Get(name string) (*Vehicle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.vehicles[name]
	return v, ok
}

// PollAll runs Poll concurrently across every vehicle in the fleet,
// one goroutine per vehicle (matching spec.md §5's "independent worker
// threads: a vehicle poller per provider").
func (f *Fleet) PollAll(ctx context.Context, now time.Time, logger *log.Logger) {
	f.mu.RLock()
	vehicles := make([]*Vehicle, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		vehicles = append(vehicles, v)
	}
	f.mu.RUnlock()

	var wg sync.WaitGroup
	for _, v := range vehicles {
		wg.Add(1)
		go func(v *Vehicle) {
			defer wg.Done()
			v.Poll(ctx, now, logger)
		}(v)
	}
	wg.Wait()
}

// Snapshots returns every vehicle's current snapshot.
func (f *Fleet) Snapshots(now time.Time) []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Snapshot, 0, len(f.vehicles))
	for _, v := range f.vehicles {
		out = append(out, v.Snapshot(now))
	}
	return out
}

// ErrNotFound is returned when a vehicle name has no registered entry.
var ErrNotFound = errors.New("vehicle not found")

// ApplyOverride applies a manual SoC override to a named vehicle.
func (f *Fleet) ApplyOverride(name string, socPercent float64, at time.Time) error {
	v, ok := f.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	v.ApplyManualOverride(socPercent, at)
	return nil
}

const boostDuration = 90 * time.Minute

// Boost is spec.md §3's driver override/boost entity: a short-lived
// directive to charge a vehicle immediately at full power, bypassing
// the planner, arbitrage, and mode controller entirely while active.
// At most one boost is active at a time; activating a new one replaces
// whatever was active (last-wins).
type Boost struct {
	Vehicle        string
	Source         string
	ActivatedAt    time.Time
	ExpiresAt      time.Time
}

// Active reports whether the boost has not yet expired at now.
func (b Boost) Active(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.Before(b.ExpiresAt)
}

// BoostRegistry tracks the single active boost, if any, across cycles.
type BoostRegistry struct {
	mu      sync.Mutex
	current *Boost
}

// NewBoostRegistry returns an empty registry.
func NewBoostRegistry() *BoostRegistry {
	return &BoostRegistry{}
}

// Activate starts (or replaces) the active boost for a vehicle.
func (r *BoostRegistry) Activate(vehicleName, source string, at time.Time) Boost {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Boost{
		Vehicle:     vehicleName,
		Source:      source,
		ActivatedAt: at,
		ExpiresAt:   at.Add(boostDuration),
	}
	r.current = &b
	return b
}

// Cancel clears the active boost, e.g. on EV disconnect or target SoC.
func (r *BoostRegistry) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}

// Active returns the currently active boost for now, if any.
func (r *BoostRegistry) Active(now time.Time) (Boost, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || !r.current.Active(now) {
		return Boost{}, false
	}
	return *r.current, true
}

// DepartureBook holds the vehicle-name -> scheduled-departure-instant
// map spec.md §3's Departure entry describes, consumed by the planner
// as an EV-departure constraint input.
type DepartureBook struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewDepartureBook returns an empty DepartureBook.
func NewDepartureBook() *DepartureBook {
	return &DepartureBook{entries: make(map[string]time.Time)}
}

// Set records a scheduled departure for a vehicle.
func (d *DepartureBook) Set(vehicleName string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[vehicleName] = at
}

// Clear removes a vehicle's scheduled departure.
func (d *DepartureBook) Clear(vehicleName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, vehicleName)
}

// Get returns a vehicle's scheduled departure, if any.
func (d *DepartureBook) Get(vehicleName string) (time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.entries[vehicleName]
	return t, ok
}

// Snapshot returns a copy of the full departure map, the shape the
// planner's Inputs expects.
func (d *DepartureBook) Snapshot() map[string]time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]time.Time, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}
