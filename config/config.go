// Package config defines the dispatcher's configuration record: a flat,
// JSON-loadable struct validated once at startup. Loading itself (secrets,
// env overlays, file watching) is an external concern; this package only
// owns the shape, defaults, and validation of the record the rest of the
// dispatcher is built around.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"
)

// Config is the single configuration record for the dispatcher. Unknown
// JSON keys are rejected by the decoder; every field has a safe default
// from Default().
type Config struct {
	// Cycle timing
	CycleInterval time.Duration `json:"cycle_interval"` // 1-60 min, default 15m
	DryRun        bool          `json:"dry_run"`

	// Downstream evcc controller
	EvccBaseURL    string        `json:"evcc_base_url"`
	EvccPassword   string        `json:"evcc_password,omitempty"`
	EvccTimeout    time.Duration `json:"evcc_timeout"` // <= 15s per spec §5
	HealthCheckPort int          `json:"health_check_port"`

	// Site location, used by the reserve-floor calculator's solar
	// altitude check (component E)
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Battery
	BatteryCapacityKWh     float64 `json:"battery_capacity_kwh"`
	BatteryMaxChargeKW     float64 `json:"battery_max_charge_kw"`
	BatteryMaxDischargeKW  float64 `json:"battery_max_discharge_kw"`
	BatteryMinSOC          float64 `json:"battery_min_soc"` // percent 0-100
	BatteryMaxSOC          float64 `json:"battery_max_soc"` // percent 0-100
	BatteryEfficiencyChg   float64 `json:"battery_efficiency_charge"`
	BatteryEfficiencyDisch float64 `json:"battery_efficiency_discharge"`
	BatteryMaxPriceCt      float64 `json:"battery_max_price_ct"` // ct/kWh soft gate
	FeedInTariffCt         float64 `json:"feed_in_tariff_ct"`

	// EV defaults (per-vehicle overrides may come from the vehicle registry)
	EVMaxPriceCt float64 `json:"ev_max_price_ct"`

	// Arbitrage (component G)
	ArbitrageMinProfitCt     float64 `json:"arbitrage_min_profit_ct"`
	ArbitrageFloorSOC        float64 `json:"arbitrage_floor_soc"` // percent
	ArbitrageLookaheadSlots  int     `json:"arbitrage_lookahead_slots"`
	ArbitrageLookaheadFactor float64 `json:"arbitrage_lookahead_factor"`

	// Reserve floor (component E)
	ReserveHardFloor      float64       `json:"reserve_hard_floor"`      // percent, default 10
	ReservePracticalFloor float64       `json:"reserve_practical_floor"` // percent, default 20
	ReserveObservationDays int          `json:"reserve_observation_days"`
	ReserveForceLiveMode  bool          `json:"reserve_force_live_mode"`
	ReserveEventLogLimit  int           `json:"reserve_event_log_limit"`

	// Mode controller (component H). The percentile-unavailable fallback
	// uses EVMaxPriceCt directly (see mode.Inputs.EVMaxPriceEUR), so no
	// separate threshold is configured here.
	ModeUnreachableWarnAfter time.Duration `json:"mode_unreachable_warn_after"`

	// Residual learner (component I)
	LearnerMode              string  `json:"learner_mode"` // shadow|advisory|disabled
	LearnerEpsilon           float64 `json:"learner_epsilon"`
	LearnerAlpha             float64 `json:"learner_alpha"`
	LearnerPromotionMinDays  int     `json:"learner_promotion_min_days"`
	LearnerPromotionWinRate  float64 `json:"learner_promotion_win_rate"`

	// ENTSO-E day-ahead price fallback, used by the forecaster only when
	// evcc's own /tariff/grid call fails. Disabled unless a security
	// token is configured.
	EntsoeEnabled       bool   `json:"entsoe_enabled"`
	EntsoeSecurityToken string `json:"entsoe_security_token,omitempty"`
	EntsoeURLFormat     string `json:"entsoe_url_format"`

	// Persistence paths (component A/B/C/D/E/I persistence)
	StateDir string `json:"state_dir"`

	// Optional historical telemetry sink (see telemetry package); empty
	// disables it entirely.
	PostgresConnString string `json:"postgres_conn_string,omitempty"`

	LogLevel string `json:"log_level"`
}

// Default returns a Config populated with conservative defaults.
func Default() *Config {
	return &Config{
		CycleInterval:   15 * time.Minute,
		DryRun:          false,
		EvccBaseURL:     "http://evcc.local:7070",
		EvccTimeout:     15 * time.Second,
		HealthCheckPort: 8080,

		BatteryCapacityKWh:     10.0,
		BatteryMaxChargeKW:     5.0,
		BatteryMaxDischargeKW:  5.0,
		BatteryMinSOC:          10.0,
		BatteryMaxSOC:          100.0,
		BatteryEfficiencyChg:   0.95,
		BatteryEfficiencyDisch: 0.95,
		BatteryMaxPriceCt:      25.0,
		FeedInTariffCt:         8.0,

		EVMaxPriceCt: 30.0,

		ArbitrageMinProfitCt:     3.0,
		ArbitrageFloorSOC:        30.0,
		ArbitrageLookaheadSlots:  24,
		ArbitrageLookaheadFactor: 0.8,

		ReserveHardFloor:       10.0,
		ReservePracticalFloor:  20.0,
		ReserveObservationDays: 14,
		ReserveEventLogLimit:   700,

		ModeUnreachableWarnAfter: 30 * time.Minute,

		EntsoeEnabled:   false,
		EntsoeURLFormat: "https://web-api.tp.entsoe.eu/api?documentType=A44&in_Domain=10Y1001A1001A82H&out_Domain=10Y1001A1001A82H&periodStart=%s&periodEnd=%s&securityToken=%s",

		LearnerMode:             "shadow",
		LearnerEpsilon:          0.1,
		LearnerAlpha:            0.1,
		LearnerPromotionMinDays: 30,
		LearnerPromotionWinRate: 0.55,

		StateDir: "./state",
		LogLevel: "info",
	}
}

// Load reads and validates a Config from a JSON file, applying Default()
// first so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader is Load, but reads from an arbitrary io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Issue describes one validation finding the way a settings UI would
// render it: which field, how severe, and what to do about it.
type Issue struct {
	Field      string
	Severity   string // "critical" | "warning"
	Message    string
	Suggestion string
}

// Validate checks the configuration for critical errors (spec.md §7:
// invalid URL, min >= max, efficiency not in (0,1], capacity <= 0) and
// returns the first one as an error, blocking startup. Warning-level
// issues are available via ValidateAll for logging but do not block.
func (c *Config) Validate() error {
	issues := c.ValidateAll()
	for _, iss := range issues {
		if iss.Severity == "critical" {
			return fmt.Errorf("%s: %s", iss.Field, iss.Message)
		}
	}
	return nil
}

// ValidateAll runs every validation rule and returns every issue found,
// both critical and warning. Critical issues must block startup; warning
// issues get a safe default substituted by the caller and are only logged.
func (c *Config) ValidateAll() []Issue {
	var issues []Issue

	if c.EvccBaseURL == "" {
		issues = append(issues, Issue{"evcc_base_url", "critical", "must not be empty", "set evcc_base_url to the evcc instance URL"})
	} else if u, err := url.Parse(c.EvccBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		issues = append(issues, Issue{"evcc_base_url", "critical", "must be an absolute URL", "use a URL such as http://evcc.local:7070"})
	}
	if c.BatteryCapacityKWh <= 0 {
		issues = append(issues, Issue{"battery_capacity_kwh", "critical", "must be > 0", "set to the battery's usable capacity in kWh"})
	}
	if c.BatteryMinSOC >= c.BatteryMaxSOC {
		issues = append(issues, Issue{"battery_min_soc", "critical", "must be < battery_max_soc", "lower battery_min_soc or raise battery_max_soc"})
	}
	if c.BatteryEfficiencyChg <= 0 || c.BatteryEfficiencyChg > 1 {
		issues = append(issues, Issue{"battery_efficiency_charge", "critical", "must be in (0,1]", "use a fraction such as 0.95"})
	}
	if c.BatteryEfficiencyDisch <= 0 || c.BatteryEfficiencyDisch > 1 {
		issues = append(issues, Issue{"battery_efficiency_discharge", "critical", "must be in (0,1]", "use a fraction such as 0.95"})
	}

	if c.CycleInterval <= 0 {
		issues = append(issues, Issue{"cycle_interval", "warning", "must be > 0, defaulting to 15m", "set a value between 1 and 60 minutes"})
		c.CycleInterval = 15 * time.Minute
	} else if c.CycleInterval > 60*time.Minute {
		issues = append(issues, Issue{"cycle_interval", "warning", "exceeds 60m, clamping", "use a value between 1 and 60 minutes"})
		c.CycleInterval = 60 * time.Minute
	}
	if c.EvccTimeout <= 0 || c.EvccTimeout > 15*time.Second {
		issues = append(issues, Issue{"evcc_timeout", "warning", "must be in (0,15s], defaulting to 15s", "set evcc_timeout to a bounded duration"})
		c.EvccTimeout = 15 * time.Second
	}
	switch c.LearnerMode {
	case "shadow", "advisory", "disabled":
	default:
		issues = append(issues, Issue{"learner_mode", "warning", "unknown mode, defaulting to shadow", "use shadow, advisory, or disabled"})
		c.LearnerMode = "shadow"
	}
	if c.StateDir == "" {
		issues = append(issues, Issue{"state_dir", "warning", "empty, defaulting to ./state", "set state_dir to a writable directory"})
		c.StateDir = "./state"
	}
	if c.EntsoeEnabled && c.EntsoeSecurityToken == "" {
		issues = append(issues, Issue{"entsoe_enabled", "warning", "enabled without a security token, disabling fallback", "set entsoe_security_token or leave entsoe_enabled false"})
		c.EntsoeEnabled = false
	}

	return issues
}

// MarshalJSON renders time.Duration fields as Go duration strings.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		CycleInterval            string `json:"cycle_interval"`
		EvccTimeout              string `json:"evcc_timeout"`
		ModeUnreachableWarnAfter string `json:"mode_unreachable_warn_after"`
	}{
		Alias:                    (*Alias)(c),
		CycleInterval:            c.CycleInterval.String(),
		EvccTimeout:              c.EvccTimeout.String(),
		ModeUnreachableWarnAfter: c.ModeUnreachableWarnAfter.String(),
	})
}

// UnmarshalJSON parses time.Duration fields from Go duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		CycleInterval            string `json:"cycle_interval"`
		EvccTimeout              string `json:"evcc_timeout"`
		ModeUnreachableWarnAfter string `json:"mode_unreachable_warn_after"`
	}{Alias: (*Alias)(c)}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(aux); err != nil {
		return err
	}

	var err error
	if aux.CycleInterval != "" {
		if c.CycleInterval, err = time.ParseDuration(aux.CycleInterval); err != nil {
			return fmt.Errorf("invalid cycle_interval: %w", err)
		}
	}
	if aux.EvccTimeout != "" {
		if c.EvccTimeout, err = time.ParseDuration(aux.EvccTimeout); err != nil {
			return fmt.Errorf("invalid evcc_timeout: %w", err)
		}
	}
	if aux.ModeUnreachableWarnAfter != "" {
		if c.ModeUnreachableWarnAfter, err = time.ParseDuration(aux.ModeUnreachableWarnAfter); err != nil {
			return fmt.Errorf("invalid mode_unreachable_warn_after: %w", err)
		}
	}
	return nil
}
