package seasonal

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSeasonForMonthDecemberIsWinter(t *testing.T) {
	if got := SeasonForMonth(time.December); got != Winter {
		t.Fatalf("December should map to Winter, got %v", got)
	}
}

func TestSeasonForMonthCoversAllFour(t *testing.T) {
	cases := map[time.Month]Season{
		time.January:   Winter,
		time.March:     Spring,
		time.June:      Summer,
		time.September: Autumn,
	}
	for m, want := range cases {
		if got := SeasonForMonth(m); got != want {
			t.Errorf("%v: got %v want %v", m, got, want)
		}
	}
}

func TestCorrectionRequiresMinSamples(t *testing.T) {
	tbl := New("")
	dt := time.Date(2026, time.January, 5, 8, 0, 0, 0, time.UTC) // Monday
	for i := 0; i < 9; i++ {
		tbl.Update(dt, 1.0)
	}
	if _, ok := tbl.Correction(dt, 10); ok {
		t.Fatal("expected no correction below min_samples")
	}
	tbl.Update(dt, 1.0)
	mean, ok := tbl.Correction(dt, 10)
	if !ok {
		t.Fatal("expected correction at min_samples")
	}
	if mean != 1.0 {
		t.Fatalf("expected mean 1.0, got %v", mean)
	}
}

func TestUpdateMeanIsExact(t *testing.T) {
	tbl := New("")
	dt := time.Date(2026, time.July, 10, 14, 0, 0, 0, time.UTC)
	errs := []float64{0.5, -0.3, 1.2, 0.0, 0.6}
	for _, e := range errs {
		tbl.Update(dt, e)
	}
	mean, ok := tbl.Correction(dt, 1)
	if !ok {
		t.Fatal("expected a correction")
	}
	want := (0.5 - 0.3 + 1.2 + 0.0 + 0.6) / 5
	if diff := mean - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("mean mismatch: got %v want %v", mean, want)
	}
}

func TestWeekendVsWeekdayAreSeparateCells(t *testing.T) {
	tbl := New("")
	monday := time.Date(2026, time.July, 6, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, time.July, 11, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		tbl.Update(monday, 1.0)
	}
	if _, ok := tbl.Correction(saturday, 1); ok {
		t.Fatal("weekend cell should be unaffected by weekday updates")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seasonal.json")
	tbl := New(path)
	dt := time.Date(2026, time.December, 20, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		tbl.Update(dt, 2.0)
	}
	if err := tbl.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded := Load(path)
	mean, ok := loaded.Correction(dt, 10)
	if !ok {
		t.Fatal("expected correction after reload")
	}
	if mean != 2.0 {
		t.Fatalf("expected mean 2.0 after reload, got %v", mean)
	}
}
