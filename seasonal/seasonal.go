// Package seasonal maintains a 48-cell bias table keyed by season,
// time-of-day bucket, and weekend flag, used to nudge the planner's
// price/PV expectations by a learned mean correction per cell.
package seasonal

import (
	"sync"
	"time"

	"github.com/krinco1/evcc-dispatch/persist"
)

// Season is one of the four calendar seasons, mapped from month with
// December counted as winter (spec.md §4.C: "Month→season uses explicit
// mapping (December→winter)").
type Season int

const (
	Winter Season = iota
	Spring
	Summer
	Autumn
)

const (
	schemaVersion = 1
	persistEveryN = 10
)

// cellKey identifies one of the 48 cells: 4 seasons * 6 time buckets
// (hour/4) * 2 weekend states.
type cellKey struct {
	Season    Season
	Bucket    int // hour / 4, in [0,5]
	IsWeekend bool
}

// cell holds the running sum/count an entry needs for its mean.
type cell struct {
	SumError float64 `json:"sum_error"`
	Count    int     `json:"count"`
}

type persistedCell struct {
	Season    Season  `json:"season"`
	Bucket    int     `json:"bucket"`
	IsWeekend bool    `json:"is_weekend"`
	SumError  float64 `json:"sum_error"`
	Count     int     `json:"count"`
}

type persistedState struct {
	Cells []persistedCell `json:"cells"`
}

// Table is the 48-cell seasonal bias tracker.
type Table struct {
	mu        sync.Mutex
	cells     map[cellKey]*cell
	path      string
	sinceSave int
}

// New returns an empty Table.
func New(persistPath string) *Table {
	return &Table{cells: make(map[cellKey]*cell), path: persistPath}
}

// Load restores a Table from persistPath, or returns an empty Table if no
// file exists or its schema version does not match.
func Load(persistPath string) *Table {
	tbl := New(persistPath)
	state, err := persist.Load[persistedState](persistPath, schemaVersion)
	if err != nil {
		return tbl
	}
	for _, pc := range state.Cells {
		key := cellKey{Season: pc.Season, Bucket: pc.Bucket, IsWeekend: pc.IsWeekend}
		tbl.cells[key] = &cell{SumError: pc.SumError, Count: pc.Count}
	}
	return tbl
}

// SeasonForMonth maps a calendar month (time.Month) to its Season,
// treating December as the start of winter rather than the end of
// autumn.
func SeasonForMonth(m time.Month) Season {
	switch m {
	case time.December, time.January, time.February:
		return Winter
	case time.March, time.April, time.May:
		return Spring
	case time.June, time.July, time.August:
		return Summer
	default: // September, October, November
		return Autumn
	}
}

func keyFor(dt time.Time) cellKey {
	weekday := dt.Weekday()
	return cellKey{
		Season:    SeasonForMonth(dt.Month()),
		Bucket:    dt.Hour() / 4,
		IsWeekend: weekday == time.Saturday || weekday == time.Sunday,
	}
}

// Update records a new observed error (EUR) for the cell that dt falls
// into.
func (t *Table) Update(dt time.Time, errorEUR float64) {
	key := keyFor(dt)

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cells[key]
	if !ok {
		c = &cell{}
		t.cells[key] = c
	}
	c.SumError += errorEUR
	c.Count++

	t.sinceSave++
	if t.sinceSave >= persistEveryN {
		t.sinceSave = 0
		t.saveLocked()
	}
}

// Correction returns the learned mean correction (EUR) for the cell dt
// falls into, and true if at least minSamples observations back it.
// When minSamples <= 0, the spec's default of 10 is used.
func (t *Table) Correction(dt time.Time, minSamples int) (float64, bool) {
	if minSamples <= 0 {
		minSamples = 10
	}
	key := keyFor(dt)

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.cells[key]
	if !ok || c.Count < minSamples {
		return 0, false
	}
	return c.SumError / float64(c.Count), true
}

// Flush forces an immediate persist regardless of the update counter.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Table) saveLocked() error {
	if t.path == "" {
		return nil
	}
	state := persistedState{Cells: make([]persistedCell, 0, len(t.cells))}
	for key, c := range t.cells {
		state.Cells = append(state.Cells, persistedCell{
			Season:    key.Season,
			Bucket:    key.Bucket,
			IsWeekend: key.IsWeekend,
			SumError:  c.SumError,
			Count:     c.Count,
		})
	}
	return persist.SaveAtomic(t.path, schemaVersion, state)
}
