package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/krinco1/evcc-dispatch/entsoe"
	"github.com/krinco1/evcc-dispatch/evccclient"
)

// Forecaster supplies the per-slot price, PV, and consumption arrays the
// planner needs (spec.md §4.J step 2: "Fetch tariffs and PV forecast").
// evcc's own REST surface (spec.md §6) only exposes grid/solar tariffs,
// so a concrete provider-specific forecast client is out of this
// spec's scope (spec.md §1); EvccForecaster below is the reference
// implementation built on the one source the core is allowed to use.
type Forecaster interface {
	Prices(ctx context.Context) ([]float64, error)
	PVKW(ctx context.Context) ([]float64, error)
	ConsumptionW(ctx context.Context) ([]float64, error)
}

// EvccForecaster derives the planner's forecasts from the downstream
// evcc controller's own tariff endpoints: /tariff/grid for prices and
// /tariff/solar (disambiguated to kW) for PV. evcc exposes no
// consumption forecast endpoint, so ConsumptionW projects the most
// recently observed home load flat across the horizon — a declared
// simplification, not a hidden one.
type EvccForecaster struct {
	Client         *evccclient.Client
	LastHomeLoadW  func() float64
	HorizonSlots   int
}

// Prices fetches and sorts /tariff/grid into a flat EUR/kWh series.
func (f *EvccForecaster) Prices(ctx context.Context) ([]float64, error) {
	rates, err := f.Client.TariffGrid(ctx)
	if err != nil {
		return nil, err
	}
	return ratesToSeries(rates, f.HorizonSlots), nil
}

// PVKW fetches /tariff/solar, disambiguates its unit, and flattens it.
func (f *EvccForecaster) PVKW(ctx context.Context) ([]float64, error) {
	rates, err := f.Client.TariffSolar(ctx)
	if err != nil {
		return nil, err
	}
	rates = evccclient.DisambiguateSolarUnit(rates)
	return ratesToSeries(rates, f.HorizonSlots), nil
}

// ConsumptionW projects the last observed home load flat across the
// horizon.
func (f *EvccForecaster) ConsumptionW(ctx context.Context) ([]float64, error) {
	load := 0.0
	if f.LastHomeLoadW != nil {
		load = f.LastHomeLoadW()
	}
	out := make([]float64, f.HorizonSlots)
	for i := range out {
		out[i] = load
	}
	return out, nil
}

// EntsoeFallbackForecaster wraps an EvccForecaster and falls back to
// fetching day-ahead prices directly from ENTSO-E when evcc's own
// /tariff/grid call fails — a real deployment concern since evcc's
// tariff proxy is itself an optional feature many installs don't enable.
// PV and consumption forecasting have no ENTSO-E equivalent, so those
// two methods simply delegate to the wrapped EvccForecaster.
type EntsoeFallbackForecaster struct {
	Evcc          *EvccForecaster
	Entsoe        *entsoe.Client
	SecurityToken string
	URLFormat     string
	Location      *time.Location
	HorizonSlots  int
	SlotWidth     time.Duration
}

func (f *EntsoeFallbackForecaster) Prices(ctx context.Context) ([]float64, error) {
	prices, err := f.Evcc.Prices(ctx)
	if err == nil {
		return prices, nil
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	doc, fetchErr := f.Entsoe.FetchDocument(ctx, f.SecurityToken, f.URLFormat, loc, time.Now())
	if fetchErr != nil {
		return nil, err
	}
	return entsoe.PricesEURPerKWh(doc, time.Now(), f.HorizonSlots, f.SlotWidth), nil
}

func (f *EntsoeFallbackForecaster) PVKW(ctx context.Context) ([]float64, error) {
	return f.Evcc.PVKW(ctx)
}

func (f *EntsoeFallbackForecaster) ConsumptionW(ctx context.Context) ([]float64, error) {
	return f.Evcc.ConsumptionW(ctx)
}

func ratesToSeries(rates []evccclient.TariffRate, n int) []float64 {
	sorted := append([]evccclient.TariffRate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := make([]float64, n)
	last := 0.0
	for i := range out {
		if i < len(sorted) {
			last = sorted[i].Value
		}
		out[i] = last
	}
	return out
}

// percentiles computes the {p: price} map and spread spec.md §3's
// SystemState requires from a sorted-by-time price series, evaluated at
// the fixed percentile set spec.md §4.H's mode controller consumes.
func percentiles(prices []float64) (map[int]float64, float64) {
	if len(prices) == 0 {
		return map[int]float64{}, 0
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	pick := func(p int) float64 {
		idx := p * (len(sorted) - 1) / 100
		return sorted[idx]
	}

	out := map[int]float64{
		10: pick(10), 20: pick(20), 30: pick(30), 40: pick(40), 50: pick(50),
		60: pick(60), 70: pick(70), 80: pick(80), 90: pick(90),
	}
	return out, out[80] - out[20]
}

// pricePercentileOf returns the percentile rank (0-100) of value within
// the distribution implied by the percentile map's keys, by linear
// interpolation between the nearest known percentiles.
func pricePercentileOf(value float64, pmap map[int]float64) (int, bool) {
	if len(pmap) == 0 {
		return 0, false
	}
	keys := make([]int, 0, len(pmap))
	for k := range pmap {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	if value <= pmap[keys[0]] {
		return keys[0], true
	}
	if value >= pmap[keys[len(keys)-1]] {
		return keys[len(keys)-1], true
	}
	for i := 1; i < len(keys); i++ {
		lo, hi := keys[i-1], keys[i]
		if value <= pmap[hi] {
			span := pmap[hi] - pmap[lo]
			if span <= 0 {
				return hi, true
			}
			frac := (value - pmap[lo]) / span
			return lo + int(frac*float64(hi-lo)), true
		}
	}
	return keys[len(keys)-1], true
}

func cheapHoursRemaining(prices []float64, currentPrice float64, slotHours float64) int {
	count := 0
	for _, p := range prices {
		if p < currentPrice {
			count++
		}
	}
	return int(float64(count) * slotHours)
}

func sumPV24h(pvKW []float64, slotHours float64) float64 {
	n := len(pvKW)
	if n > 96 {
		n = 96
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += pvKW[i] * slotHours
	}
	return total
}
