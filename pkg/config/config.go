// Package config assembles the runtime settings: compiled defaults, an
// optional YAML limits file, then environment overrides, in that order.
// Secrets only ever come from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/lifecycle"
	"github.com/tradewire/riskcore/pkg/riskpolicy"
	"github.com/tradewire/riskcore/pkg/types"
)

// Config is everything the core needs to run.
type Config struct {
	// PrivateKey is the hex-encoded signing key. Environment only.
	PrivateKey string

	ClobBaseURL  string
	PerpsBaseURL string
	FeedURL      string

	Symbols []string

	Paper          bool
	RequestTimeout time.Duration
	MetricsAddr    string
	StateDir       string
	TickInterval   time.Duration
	ReconcileGrace time.Duration

	Ledger ledger.Config
	Limits map[types.VenueKind]riskpolicy.Limits
	Bounds lifecycle.EnvelopeBounds
}

// DefaultConfig returns production endpoints and conservative limits. Paper
// mode is the default; live trading is an explicit opt-in.
func DefaultConfig() Config {
	return Config{
		ClobBaseURL:    "https://clob.polymarket.com",
		PerpsBaseURL:   "https://api.hyperliquid.xyz",
		FeedURL:        "wss://api.hyperliquid.xyz/ws",
		Symbols:        []string{"BTC", "ETH"},
		Paper:          true,
		RequestTimeout: 30 * time.Second,
		MetricsAddr:    ":9464",
		StateDir:       "state",
		TickInterval:   5 * time.Second,
		ReconcileGrace: 2 * time.Minute,
		Ledger: ledger.Config{
			DailyLimitUSD:       decimal.NewFromInt(1000),
			PerTradeLimitUSD:    decimal.NewFromInt(250),
			ConfirmThresholdUSD: decimal.NewFromInt(100),
		},
		Limits: map[types.VenueKind]riskpolicy.Limits{
			types.VenuePolymarket: {
				MaxOrderNotionalUSD: decimal.NewFromInt(250),
			},
			types.VenueHyperliquid: {
				MaxLeverage:               decimal.NewFromInt(5),
				MaxOrderNotionalUSD:       decimal.NewFromInt(500),
				MaxTotalNotionalUSD:       decimal.NewFromInt(2000),
				MinLiquidationDistanceBps: decimal.NewFromInt(300),
				MaxSymbolExposurePct:      decimal.NewFromInt(25),
				MaxGroupExposurePct:       decimal.NewFromInt(40),
			},
		},
		Bounds: lifecycle.EnvelopeBounds{
			StopLoss:           lifecycle.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10)},
			TakeProfit:         lifecycle.Bounds{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(50)},
			TrailingStop:       lifecycle.Bounds{Min: decimal.RequireFromString("0.5"), Max: decimal.NewFromInt(10)},
			TrailingActivation: lifecycle.Bounds{Min: decimal.RequireFromString("0.5"), Max: decimal.NewFromInt(20)},
			MaxHoldSeconds:     lifecycle.Bounds{Min: decimal.NewFromInt(60), Max: decimal.NewFromInt(604800)},
		},
	}
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if !c.Paper && c.PrivateKey == "" {
		return fmt.Errorf("live mode requires a private key")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state dir is required")
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// limitsFile is the shape of the risk limits and envelope bounds file.
type limitsFile struct {
	Polymarket  *riskpolicy.Limits        `json:"polymarket"`
	Hyperliquid *riskpolicy.Limits        `json:"hyperliquid"`
	Bounds      *lifecycle.EnvelopeBounds `json:"envelope_bounds"`
	Ledger      *struct {
		DailyLimitUSD       decimal.Decimal `json:"daily_limit_usd"`
		PerTradeLimitUSD    decimal.Decimal `json:"per_trade_limit_usd"`
		ConfirmThresholdUSD decimal.Decimal `json:"confirm_threshold_usd"`
	} `json:"ledger"`
}

// LoadLimits overlays limits from a YAML file. A missing path is not an
// error; the compiled defaults stand. The document is decoded through an
// intermediate JSON pass because the decimal type only speaks JSON.
func (c Config) LoadLimits(path string) (Config, error) {
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read limits file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return c, fmt.Errorf("parse limits file: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return c, fmt.Errorf("convert limits file: %w", err)
	}
	var f limitsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return c, fmt.Errorf("decode limits file: %w", err)
	}
	if f.Polymarket != nil {
		c.Limits[types.VenuePolymarket] = *f.Polymarket
	}
	if f.Hyperliquid != nil {
		c.Limits[types.VenueHyperliquid] = *f.Hyperliquid
	}
	if f.Bounds != nil {
		c.Bounds = *f.Bounds
	}
	if f.Ledger != nil {
		if f.Ledger.DailyLimitUSD.GreaterThan(decimal.Zero) {
			c.Ledger.DailyLimitUSD = f.Ledger.DailyLimitUSD
		}
		if f.Ledger.PerTradeLimitUSD.GreaterThan(decimal.Zero) {
			c.Ledger.PerTradeLimitUSD = f.Ledger.PerTradeLimitUSD
		}
		if f.Ledger.ConfirmThresholdUSD.GreaterThan(decimal.Zero) {
			c.Ledger.ConfirmThresholdUSD = f.Ledger.ConfirmThresholdUSD
		}
	}
	return c, nil
}

// MergeEnv overlays environment overrides. Unparsable values are ignored in
// favor of the current setting.
func (c Config) MergeEnv() Config {
	if v := strings.TrimSpace(os.Getenv("RISKCORE_PRIVATE_KEY")); v != "" {
		c.PrivateKey = strings.TrimPrefix(v, "0x")
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_CLOB_URL")); v != "" {
		c.ClobBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_PERPS_URL")); v != "" {
		c.PerpsBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_FEED_URL")); v != "" {
		c.FeedURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_SYMBOLS")); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) > 0 {
			c.Symbols = symbols
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_PAPER")); v != "" {
		c.Paper = strings.EqualFold(v, "1") || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_STATE_DIR")); v != "" {
		c.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_REQUEST_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RequestTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_TICK_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.TickInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_DAILY_LIMIT_USD")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.GreaterThan(decimal.Zero) {
			c.Ledger.DailyLimitUSD = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_PER_TRADE_LIMIT_USD")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.GreaterThan(decimal.Zero) {
			c.Ledger.PerTradeLimitUSD = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_LEDGER_TZ")); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			c.Ledger.Location = loc
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_MAX_LEVERAGE")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.GreaterThan(decimal.Zero) {
			limits := c.Limits[types.VenueHyperliquid]
			limits.MaxLeverage = d
			c.Limits[types.VenueHyperliquid] = limits
		}
	}
	if v := strings.TrimSpace(os.Getenv("RISKCORE_RECONCILE_GRACE")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.ReconcileGrace = d
		}
	}
	return c
}
