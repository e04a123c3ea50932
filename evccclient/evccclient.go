// Package evccclient implements the downstream charge-controller REST
// surface of spec.md §6: the small, fixed set of evcc-compatible HTTP
// endpoints the decision loop actually calls to read site/loadpoint
// state and to issue battery/EV charging commands. Nothing beyond the
// operations spec.md §6 lists is implemented.
package evccclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// ChargeMode mirrors the evcc loadpoint mode vocabulary.
type ChargeMode string

const (
	ModeNow   ChargeMode = "now"
	ModeMinPV ChargeMode = "minpv"
	ModePV    ChargeMode = "pv"
)

// Loadpoint is the subset of an evcc loadpoint spec.md §6 requires.
type Loadpoint struct {
	ID          int        `json:"id"`
	Mode        ChargeMode `json:"mode"`
	Connected   bool       `json:"connected"`
	VehicleSOC  float64    `json:"vehicleSoc"`
	VehicleName string     `json:"vehicleName"`
}

// State is the GET /state response shape spec.md §6 requires.
type State struct {
	Loadpoints   []Loadpoint `json:"loadpoints"`
	BatterySOC   float64     `json:"batterySoc"`
	BatteryPower float64     `json:"batteryPower"`
	GridPower    float64     `json:"gridPower"`
	PVPower      float64     `json:"pvPower"`
	HomePower    float64     `json:"homePower"`
}

// TariffRate is one entry of a /tariff/grid or /tariff/solar response.
type TariffRate struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
}

// Client is the REST client the decision loop calls against the
// downstream evcc-compatible controller, grounded on entsoe.APIClient's
// http.Client + context-timeout + user-agent shape.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	password   string
	authed     bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the client's per-request timeout (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithPassword configures the shared-password auth spec.md §6 allows.
func WithPassword(password string) Option {
	return func(c *Client) { c.password = password }
}

// New constructs a Client against baseURL (e.g. "http://evcc.local:7070/api").
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
		userAgent: "evcc-dispatch/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrUnexpectedStatus is returned when a downstream response's status
// code is outside the success range.
type ErrUnexpectedStatus struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("evccclient: %s %s: unexpected status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("evccclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("evccclient: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("evccclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrUnexpectedStatus{Method: method, Path: path, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("evccclient: decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

// Login authenticates against POST /auth/login, if a password is
// configured. The session cookie is retained by the client's cookie
// jar for subsequent requests. A no-op when no password is set.
func (c *Client) Login(ctx context.Context) error {
	if c.password == "" {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"password": c.password}, nil)
	if err != nil {
		return err
	}
	c.authed = true
	return nil
}

// State fetches GET /state.
func (c *Client) State(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, http.MethodGet, "/state", nil, &s)
	return s, err
}

// TariffGrid fetches GET /tariff/grid — EUR/kWh rates.
func (c *Client) TariffGrid(ctx context.Context) ([]TariffRate, error) {
	var rates []TariffRate
	err := c.do(ctx, http.MethodGet, "/tariff/grid", nil, &rates)
	return rates, err
}

// TariffSolar fetches GET /tariff/solar. Values may be reported in W
// or kW; DisambiguateSolarUnit resolves which.
func (c *Client) TariffSolar(ctx context.Context) ([]TariffRate, error) {
	var rates []TariffRate
	err := c.do(ctx, http.MethodGet, "/tariff/solar", nil, &rates)
	return rates, err
}

// DisambiguateSolarUnit applies spec.md §6's rule: a median value over
// 100 indicates the series is reported in W rather than kW, and returns
// a copy scaled down to kW; the input slice is not modified.
func DisambiguateSolarUnit(rates []TariffRate) []TariffRate {
	if len(rates) == 0 {
		return rates
	}
	values := make([]float64, len(rates))
	for i, r := range rates {
		values[i] = r.Value
	}
	median := medianOf(values)
	if median <= 100 {
		return rates
	}
	out := make([]TariffRate, len(rates))
	for i, r := range rates {
		r.Value /= 1000.0
		out[i] = r
	}
	return out
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SetBatteryGridChargeLimit issues POST /batterygridchargelimit/{price}.
func (c *Client) SetBatteryGridChargeLimit(ctx context.Context, eurPerKWh float64) error {
	path := fmt.Sprintf("/batterygridchargelimit/%.4f", eurPerKWh)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ClearBatteryGridChargeLimit issues DELETE /batterygridchargelimit.
func (c *Client) ClearBatteryGridChargeLimit(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/batterygridchargelimit", nil, nil)
}

// SetSmartCostLimit issues POST /smartcostlimit/{price}.
func (c *Client) SetSmartCostLimit(ctx context.Context, eurPerKWh float64) error {
	path := fmt.Sprintf("/smartcostlimit/%.4f", eurPerKWh)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SetLoadpointMode issues POST /loadpoints/{id}/mode/{mode}.
func (c *Client) SetLoadpointMode(ctx context.Context, loadpointID int, mode ChargeMode) error {
	path := fmt.Sprintf("/loadpoints/%d/mode/%s", loadpointID, mode)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SetBufferSOC issues POST /buffersoc/{pct}.
func (c *Client) SetBufferSOC(ctx context.Context, pct int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/buffersoc/%d", pct), nil, nil)
}

// SetBufferStartSOC issues POST /bufferstartsoc/{pct}.
func (c *Client) SetBufferStartSOC(ctx context.Context, pct int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/bufferstartsoc/%d", pct), nil, nil)
}

// SetPrioritySOC issues POST /prioritysoc/{pct}.
func (c *Client) SetPrioritySOC(ctx context.Context, pct int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/prioritysoc/%d", pct), nil, nil)
}

// SetBatteryDischargeControl issues POST /batterydischargecontrol/{bool}.
func (c *Client) SetBatteryDischargeControl(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/batterydischargecontrol/%t", enabled), nil, nil)
}
