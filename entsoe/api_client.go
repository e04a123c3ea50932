// Package entsoe fetches and decodes ENTSO-E day-ahead electricity price
// publications, used as the dispatcher's fallback price source when the
// downstream evcc controller's own /tariff/grid endpoint (spec.md §6) is
// unavailable or not configured. Grounded on the teacher's entsoe
// package: the HTTP client shape (http.Client + context.WithTimeout +
// User-Agent) is carried over directly; the XML decoding in
// energy_prices_decoder.go is unchanged ENTSO-E wire format and needs no
// domain adaptation.
package entsoe

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client is an HTTP client for the ENTSO-E transparency platform's
// day-ahead price publication document.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// New returns a Client with a 30s request timeout, matching ENTSO-E's
// typically slow publication endpoint.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "evcc-dispatch/1.0",
	}
}

// FetchDocument downloads and decodes the publication covering today
// (in loc) and, once past 13:00 local time (when next-day prices are
// typically published), merges in tomorrow's publication too.
func (c *Client) FetchDocument(ctx context.Context, securityToken, urlFormat string, loc *time.Location, now time.Time) (*PublicationMarketDocument, error) {
	local := now.In(loc)
	today := buildPublicationURL(securityToken, urlFormat, local)

	doc, err := c.download(ctx, today)
	if err != nil {
		return nil, err
	}

	if local.Hour() >= 13 {
		tomorrow := buildPublicationURL(securityToken, urlFormat, local.AddDate(0, 0, 1))
		docNext, err := c.download(ctx, tomorrow)
		if err != nil {
			return doc, nil // today's data alone is still usable
		}
		doc = mergeDocuments(doc, docNext)
	}
	return doc, nil
}

func (c *Client) download(ctx context.Context, apiURL string) (*PublicationMarketDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("entsoe: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entsoe: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entsoe: unexpected status %d", resp.StatusCode)
	}

	doc, err := DecodeEnergyPricesXML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("entsoe: decode: %w", err)
	}
	return doc, nil
}

// buildPublicationURL substitutes the UTC period bounds and security
// token into urlFormat, which must contain three %s verbs in
// (periodStart, periodEnd, securityToken) order.
func buildPublicationURL(securityToken, urlFormat string, localDay time.Time) string {
	start := time.Date(localDay.Year(), localDay.Month(), localDay.Day(), 0, 0, 0, 0, localDay.Location())
	periodStart := toENTSOETimestamp(start)
	periodEnd := toENTSOETimestamp(start.AddDate(0, 0, 1))
	return fmt.Sprintf(urlFormat, periodStart, periodEnd, securityToken)
}

// toENTSOETimestamp formats t in ENTSO-E's YYYYMMDDHHmm UTC convention.
func toENTSOETimestamp(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// mergeDocuments combines two days' TimeSeries into one document,
// extending the period interval to cover both.
func mergeDocuments(first, second *PublicationMarketDocument) *PublicationMarketDocument {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	merged := *first
	merged.TimeSeries = append(append([]TimeSeries(nil), first.TimeSeries...), second.TimeSeries...)
	if second.PeriodTimeInterval.End.After(merged.PeriodTimeInterval.End) {
		merged.PeriodTimeInterval.End = second.PeriodTimeInterval.End
	}
	return &merged
}
