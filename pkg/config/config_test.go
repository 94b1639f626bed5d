package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/types"
)

func TestDefaultConfigIsValidPaper(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Paper {
		t.Fatalf("default mode must be paper")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLiveModeRequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paper = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("live mode without key must be rejected")
	}
	cfg.PrivateKey = "ab"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	t.Setenv("RISKCORE_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("RISKCORE_SYMBOLS", "SOL, ETH ,")
	t.Setenv("RISKCORE_PAPER", "false")
	t.Setenv("RISKCORE_DAILY_LIMIT_USD", "2500")
	t.Setenv("RISKCORE_REQUEST_TIMEOUT", "10s")

	cfg := DefaultConfig().MergeEnv()
	if cfg.PrivateKey != "deadbeef" {
		t.Fatalf("key = %q, 0x prefix must be stripped", cfg.PrivateKey)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "SOL" || cfg.Symbols[1] != "ETH" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if cfg.Paper {
		t.Fatalf("paper not overridden")
	}
	if !cfg.Ledger.DailyLimitUSD.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("daily limit = %s", cfg.Ledger.DailyLimitUSD)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("timeout = %s", cfg.RequestTimeout)
	}
}

func TestMergeEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("RISKCORE_DAILY_LIMIT_USD", "not-a-number")
	t.Setenv("RISKCORE_REQUEST_TIMEOUT", "soon")

	def := DefaultConfig()
	cfg := DefaultConfig().MergeEnv()
	if !cfg.Ledger.DailyLimitUSD.Equal(def.Ledger.DailyLimitUSD) {
		t.Fatalf("garbage override applied")
	}
	if cfg.RequestTimeout != def.RequestTimeout {
		t.Fatalf("garbage timeout applied")
	}
}

func TestLoadLimitsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := `
hyperliquid:
  max_leverage: 3
  max_order_notional_usd: 750
ledger:
  daily_limit_usd: 5000
envelope_bounds:
  stop_loss_pct:
    min: 2
    max: 6
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := DefaultConfig().LoadLimits(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hl := cfg.Limits[types.VenueHyperliquid]
	if !hl.MaxLeverage.Equal(decimal.NewFromInt(3)) || !hl.MaxOrderNotionalUSD.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("hyperliquid limits = %+v", hl)
	}
	if !cfg.Ledger.DailyLimitUSD.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("daily limit = %s", cfg.Ledger.DailyLimitUSD)
	}
	if !cfg.Bounds.StopLoss.Max.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("stop loss bounds = %+v", cfg.Bounds.StopLoss)
	}
	// The prediction-market limits were not in the file and must survive.
	if cfg.Limits[types.VenuePolymarket].MaxOrderNotionalUSD.IsZero() {
		t.Fatalf("untouched venue limits lost")
	}
}

func TestLoadLimitsMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := DefaultConfig().LoadLimits(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Limits[types.VenueHyperliquid].MaxLeverage.IsZero() {
		t.Fatalf("defaults lost")
	}
}
