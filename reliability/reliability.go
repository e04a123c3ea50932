// Package reliability tracks per-source forecast accuracy as a bounded
// FIFO window of absolute errors, converting recent error history into a
// confidence factor the planner discounts its forecasts by.
package reliability

import (
	"fmt"
	"sync"

	"github.com/krinco1/evcc-dispatch/persist"
)

// Source identifies one of the three forecasted quantities tracked.
type Source string

const (
	PV          Source = "pv"
	Consumption Source = "consumption"
	Price       Source = "price"
)

// reference errors used to normalize MAE into a confidence factor.
const (
	refPV          = 5.0   // kW
	refConsumption = 2000. // W
	refPrice       = 0.10  // EUR/kWh

	windowSize       = 50
	minSamples       = 5
	persistEveryN    = 10
	schemaVersion    = 1
)

func reference(s Source) (float64, error) {
	switch s {
	case PV:
		return refPV, nil
	case Consumption:
		return refConsumption, nil
	case Price:
		return refPrice, nil
	default:
		return 0, fmt.Errorf("reliability: unknown source %q", s)
	}
}

// window is the persisted shape for one source's FIFO error history.
type window struct {
	Errors []float64 `json:"errors"`
}

type persistedState struct {
	Windows map[Source]window `json:"windows"`
}

// Tracker maintains one bounded error window per source and persists the
// full set atomically every persistEveryN updates.
type Tracker struct {
	mu       sync.Mutex
	windows  map[Source]*window
	path     string
	sinceSave int
}

// New returns a Tracker with empty windows for all three sources.
func New(persistPath string) *Tracker {
	return &Tracker{
		windows: map[Source]*window{
			PV:          {},
			Consumption: {},
			Price:       {},
		},
		path: persistPath,
	}
}

// Load restores a Tracker from persistPath, or returns a fresh Tracker if
// no file exists or its schema version does not match.
func Load(persistPath string) *Tracker {
	t := New(persistPath)
	state, err := persist.Load[persistedState](persistPath, schemaVersion)
	if err != nil {
		return t
	}
	for src, w := range state.Windows {
		wCopy := w
		t.windows[src] = &wCopy
	}
	return t
}

// Update records a new observed absolute error for source s. It panics-free
// returns an error for an unknown source, per spec.md §4.B ("Updates raise
// on unknown source").
func (t *Tracker) Update(s Source, absError float64) error {
	if _, err := reference(s); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[s]
	if !ok {
		w = &window{}
		t.windows[s] = w
	}
	w.Errors = append(w.Errors, absError)
	if len(w.Errors) > windowSize {
		w.Errors = w.Errors[len(w.Errors)-windowSize:]
	}

	t.sinceSave++
	if t.sinceSave >= persistEveryN {
		t.sinceSave = 0
		t.saveLocked()
	}
	return nil
}

// Confidence returns the current confidence factor in [0,1] for source s.
func (t *Tracker) Confidence(s Source) (float64, error) {
	ref, err := reference(s)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[s]
	if !ok || len(w.Errors) < minSamples {
		return 1.0, nil
	}

	mae := mean(w.Errors)
	ratio := mae / ref
	if ratio > 1 {
		ratio = 1
	}
	conf := 1 - ratio
	if conf < 0 {
		conf = 0
	}
	return conf, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Flush forces an immediate persist regardless of the update counter.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	if t.path == "" {
		return nil
	}
	state := persistedState{Windows: make(map[Source]window, len(t.windows))}
	for src, w := range t.windows {
		state.Windows[src] = *w
	}
	return persist.SaveAtomic(t.path, schemaVersion, state)
}
