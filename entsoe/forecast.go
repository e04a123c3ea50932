package entsoe

import "time"

// PricesEURPerKWh flattens a decoded publication into a per-slot EUR/kWh
// series of the given length starting at from, using slotWidth-spaced
// samples. ENTSO-E publishes EUR/MWh, so each sample is divided by 1000.
// A slot with no covering interval (e.g. the far end of a horizon ENTSO-E
// hasn't published yet) repeats the last known price, mirroring
// dispatch.ratesToSeries' own flat-forward padding.
func PricesEURPerKWh(doc *PublicationMarketDocument, from time.Time, slots int, slotWidth time.Duration) []float64 {
	out := make([]float64, slots)
	last := 0.0
	for i := range out {
		t := from.Add(time.Duration(i) * slotWidth)
		if price, ok := doc.LookupPriceByTime(t); ok {
			last = price / 1000.0
		}
		out[i] = last
	}
	return out
}
