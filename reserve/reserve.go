// Package reserve computes the battery's dynamic minimum reserve (buffer)
// percentage each cycle, trading off PV confidence, price spread, and
// time-of-day against a practical and a hard floor. It starts in
// observation mode (compute and log only) and switches to live mode
// (apply to the downstream controller) after an observation period.
package reserve

import (
	"math"
	"sync"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/krinco1/evcc-dispatch/persist"
)

const (
	practicalMinDefault = 20.0
	hardFloorDefault    = 10.0

	priceSpreadBonusThreshold = 0.10 // EUR/kWh
	morningBonusHourLow       = 5
	morningBonusHourHigh      = 10

	pvConfidenceThreshold = 0.65

	eventLogLimit = 700
	schemaVersion = 1
)

// Event is one computed reserve decision, logged every cycle regardless
// of whether it was applied.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Base        float64   `json:"base"`
	Target      float64   `json:"target"`
	Applied     bool      `json:"applied"`
	PVConf      float64   `json:"pv_confidence"`
	PriceSpread float64   `json:"price_spread"`
}

type persistedState struct {
	FirstRun time.Time `json:"first_run"`
	Log      []Event   `json:"log"`
}

// Calculator is the dynamic reserve-floor calculator of spec.md §4.E.
type Calculator struct {
	mu sync.Mutex

	practicalMin float64
	hardFloor    float64
	observeDays  int
	forceLive    bool
	lat, lon     float64

	firstRun time.Time
	log      []Event
	path     string
	lastApplied float64
	haveApplied bool
}

// Params configures a Calculator.
type Params struct {
	PracticalMinSOC float64
	HardFloorSOC    float64
	ObservationDays int
	ForceLiveMode   bool
	Latitude        float64
	Longitude       float64
	PersistPath     string
}

// New returns a Calculator with today as its first-run instant.
func New(p Params) *Calculator {
	c := newFromParams(p)
	c.firstRun = time.Now().UTC()
	return c
}

// Load restores a Calculator's observation-period start and event log
// from persistPath, or behaves like New if no valid file exists.
func Load(p Params) *Calculator {
	c := newFromParams(p)
	state, err := persist.Load[persistedState](p.PersistPath, schemaVersion)
	if err != nil {
		c.firstRun = time.Now().UTC()
		return c
	}
	c.firstRun = state.FirstRun
	c.log = state.Log
	return c
}

func newFromParams(p Params) *Calculator {
	practicalMin := p.PracticalMinSOC
	if practicalMin == 0 {
		practicalMin = practicalMinDefault
	}
	hardFloor := p.HardFloorSOC
	if hardFloor == 0 {
		hardFloor = hardFloorDefault
	}
	return &Calculator{
		practicalMin: practicalMin,
		hardFloor:    hardFloor,
		observeDays:  p.ObservationDays,
		forceLive:    p.ForceLiveMode,
		lat:          p.Latitude,
		lon:          p.Longitude,
		path:         p.PersistPath,
	}
}

// IsLiveMode reports whether the observation period has elapsed (or the
// operator forced live mode).
func (c *Calculator) IsLiveMode(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLiveModeLocked(now)
}

func (c *Calculator) isLiveModeLocked(now time.Time) bool {
	if c.forceLive {
		return true
	}
	days := c.observeDays
	if days <= 0 {
		days = 14
	}
	return now.Sub(c.firstRun) >= time.Duration(days)*24*time.Hour
}

// Compute determines the target reserve percentage for now given the
// current base minimum (configured battery minimum), PV confidence, and
// the current price spread (EUR/kWh). It logs the event (bounded to
// eventLogLimit entries, persisted) and reports whether the value should
// be applied (i.e. live mode is active and the value changed from the
// last applied value).
func (c *Calculator) Compute(now time.Time, base, pvConfidence, priceSpread float64) (target float64, apply bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headroom := base - c.practicalMin
	if headroom < 0 {
		headroom = 0
	}

	var raw float64
	if pvConfidence <= pvConfidenceThreshold || headroom == 0 {
		raw = base
	} else {
		factor := (pvConfidence - pvConfidenceThreshold) / (1 - pvConfidenceThreshold)
		if priceSpread > priceSpreadBonusThreshold {
			factor += 0.1
		}
		if c.isMorningBonusHour(now) {
			factor += 0.1
		}
		if factor > 1.0 {
			factor = 1.0
		}
		raw = base - roundToNearest5(headroom*factor)
	}

	floor := math.Max(c.practicalMin, c.hardFloor)
	if raw < floor {
		raw = floor
	}
	target = raw

	live := c.isLiveModeLocked(now)
	apply = live && (!c.haveApplied || target != c.lastApplied)
	if apply {
		c.lastApplied = target
		c.haveApplied = true
	}

	c.log = append(c.log, Event{
		Timestamp:   now,
		Base:        base,
		Target:      target,
		Applied:     apply,
		PVConf:      pvConfidence,
		PriceSpread: priceSpread,
	})
	if len(c.log) > eventLogLimit {
		c.log = c.log[len(c.log)-eventLogLimit:]
	}
	c.persistLocked()

	return target, apply
}

// isMorningBonusHour reports whether now's local hour falls in [5,10],
// using suncalc's solar position purely to sanity-check that the sun is
// actually above the horizon at that hour for the configured location
// (protects against the bonus firing at high latitudes in deep winter).
func (c *Calculator) isMorningBonusHour(now time.Time) bool {
	hour := now.Hour()
	if hour < morningBonusHourLow || hour > morningBonusHourHigh {
		return false
	}
	if c.lat == 0 && c.lon == 0 {
		return true
	}
	pos := suncalc.GetPosition(now, c.lat, c.lon)
	return pos.Altitude > 0
}

func roundToNearest5(v float64) float64 {
	return math.Round(v/5.0) * 5.0
}

// Flush forces an immediate persist of the event log.
func (c *Calculator) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *Calculator) persistLocked() error {
	if c.path == "" {
		return nil
	}
	return persist.SaveAtomic(c.path, schemaVersion, persistedState{
		FirstRun: c.firstRun,
		Log:      c.log,
	})
}
