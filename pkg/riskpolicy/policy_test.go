package riskpolicy

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func longPosition(symbol string, notional, mark string, liq *string) types.PositionSnapshot {
	p := types.PositionSnapshot{
		Symbol:      symbol,
		Side:        types.SideLong,
		SizeAbs:     decimal.NewFromInt(1),
		NotionalUSD: dec(notional),
		MarkPrice:   dec(mark),
	}
	if liq != nil {
		d := dec(*liq)
		p.LiquidationPrice = &d
	}
	return p
}

func baseLimits() Limits {
	return Limits{
		MaxLeverage:               decimal.NewFromInt(10),
		MaxOrderNotionalUSD:       decimal.NewFromInt(500),
		MaxTotalNotionalUSD:       decimal.NewFromInt(1200),
		MinLiquidationDistanceBps: decimal.NewFromInt(400),
	}
}

func TestLeverageCheck(t *testing.T) {
	order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("100"), Leverage: dec("12")}
	d := Evaluate(order, nil, decimal.Zero, baseLimits())
	if d.Allowed || d.Check != "leverage" {
		t.Fatalf("expected leverage rejection, got %+v", d)
	}

	order.Leverage = dec("5")
	order.VenueMaxLeverage = dec("3")
	d = Evaluate(order, nil, decimal.Zero, baseLimits())
	if d.Allowed || d.Check != "leverage" {
		t.Fatalf("expected venue leverage rejection, got %+v", d)
	}

	// Reduce-only skips the leverage check entirely.
	order.ReduceOnly = true
	d = Evaluate(order, nil, decimal.Zero, baseLimits())
	if !d.Allowed {
		t.Fatalf("reduce-only must skip leverage, got %+v", d)
	}
}

func TestOrderNotionalCap(t *testing.T) {
	order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("501")}
	d := Evaluate(order, nil, decimal.Zero, baseLimits())
	if d.Allowed || d.Check != "order_notional" {
		t.Fatalf("expected per-order cap rejection, got %+v", d)
	}
}

func TestProjectedTotalNotional(t *testing.T) {
	positions := []types.PositionSnapshot{longPosition("BTC", "1000", "100", nil)}

	t.Run("SameDirectionRejected", func(t *testing.T) {
		order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("300")}
		d := Evaluate(order, positions, decimal.Zero, baseLimits())
		if d.Allowed || d.Check != "total_notional" {
			t.Fatalf("1000 + 300 > 1200 must be rejected, got %+v", d)
		}
	})

	t.Run("OppositeDirectionAccepted", func(t *testing.T) {
		order := Order{Symbol: "BTC", Side: types.SideShort, NotionalUSD: dec("300")}
		d := Evaluate(order, positions, decimal.Zero, baseLimits())
		if !d.Allowed {
			t.Fatalf("partial offset must be accepted, got %+v", d)
		}
	})

	t.Run("FlipCountsExcessOnly", func(t *testing.T) {
		order := Order{Symbol: "BTC", Side: types.SideShort, NotionalUSD: dec("1400")}
		// Delta = 1400 - 2*1000 = -600; projected 400. Order cap would
		// trip first, so lift it for this vector.
		limits := baseLimits()
		limits.MaxOrderNotionalUSD = decimal.NewFromInt(2000)
		limits.MinLiquidationDistanceBps = decimal.Zero
		d := Evaluate(order, positions, decimal.Zero, limits)
		if !d.Allowed {
			t.Fatalf("flip with net reduction must pass total cap, got %+v", d)
		}
	})
}

func TestCorrelationGroups(t *testing.T) {
	limits := baseLimits()
	limits.MaxTotalNotionalUSD = decimal.NewFromInt(100000)
	limits.CorrelationCaps = []CorrelationCap{
		{Name: "majors", Symbols: []string{"BTC", "ETH"}, MaxNotionalUSD: dec("800")},
	}
	positions := []types.PositionSnapshot{
		longPosition("ETH", "600", "2000", nil),
		longPosition("SOL", "5000", "150", nil),
	}
	order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("300")}
	d := Evaluate(order, positions, decimal.Zero, limits)
	if d.Allowed || d.Check != "correlation" {
		t.Fatalf("600 + 300 > 800 in majors must be rejected, got %+v", d)
	}
	if !strings.Contains(d.Reason, "majors") {
		t.Errorf("reason should name the group, got %q", d.Reason)
	}

	order.NotionalUSD = dec("100")
	if d := Evaluate(order, positions, decimal.Zero, limits); !d.Allowed {
		t.Fatalf("within group cap must pass, got %+v", d)
	}
}

func TestLiquidationDistance(t *testing.T) {
	limits := baseLimits()
	limits.MaxTotalNotionalUSD = decimal.NewFromInt(100000)
	liq := "95"

	t.Run("HealthyDistanceAllowed", func(t *testing.T) {
		positions := []types.PositionSnapshot{longPosition("BTC", "1000", "100", &liq)}
		order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("100"), MarkPrice: dec("100")}
		d := Evaluate(order, positions, decimal.Zero, limits)
		if !d.Allowed {
			t.Fatalf("500 bps >= 400 bps must be allowed, got %+v", d)
		}
	})

	t.Run("ThinDistanceRejected", func(t *testing.T) {
		positions := []types.PositionSnapshot{longPosition("BTC", "1000", "98.5", &liq)}
		order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("100"), MarkPrice: dec("98.5")}
		d := Evaluate(order, positions, decimal.Zero, limits)
		if d.Allowed || d.Check != "liquidation_distance" {
			t.Fatalf("~150 bps < 400 bps must be rejected, got %+v", d)
		}
	})

	t.Run("MissingDataHardFails", func(t *testing.T) {
		positions := []types.PositionSnapshot{longPosition("BTC", "1000", "100", nil)}
		order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("100"), MarkPrice: dec("100")}
		d := Evaluate(order, positions, decimal.Zero, limits)
		if d.Allowed || d.Check != "liquidation_distance" {
			t.Fatalf("missing liquidation price must hard-fail, got %+v", d)
		}
	})

	t.Run("FlipPastExistingRejected", func(t *testing.T) {
		// An opposite order bigger than the position flips into net-new
		// short exposure, so the thin distance must still reject it even
		// though the signed delta (150 - 2*100 = -50) is negative.
		thin := "99.9"
		positions := []types.PositionSnapshot{longPosition("BTC", "100", "100", &thin)}
		order := Order{Symbol: "BTC", Side: types.SideShort, NotionalUSD: dec("150"), MarkPrice: dec("100")}
		d := Evaluate(order, positions, decimal.Zero, limits)
		if d.Allowed || d.Check != "liquidation_distance" {
			t.Fatalf("flip over a thin-margin position must be rejected, got %+v", d)
		}
	})

	t.Run("ReducingOrderSkipsCheck", func(t *testing.T) {
		positions := []types.PositionSnapshot{longPosition("BTC", "1000", "98.5", &liq)}
		order := Order{Symbol: "BTC", Side: types.SideShort, NotionalUSD: dec("100"), MarkPrice: dec("98.5")}
		d := Evaluate(order, positions, decimal.Zero, limits)
		if !d.Allowed {
			t.Fatalf("pure reduction must skip the distance check, got %+v", d)
		}
	})
}

func TestEquityExposure(t *testing.T) {
	limits := baseLimits()
	limits.MaxTotalNotionalUSD = decimal.NewFromInt(100000)
	limits.MaxSymbolExposurePct = dec("20")

	order := Order{Symbol: "BTC", Side: types.SideLong, NotionalUSD: dec("300")}
	d := Evaluate(order, nil, dec("1000"), limits)
	if d.Allowed || d.Check != "symbol_exposure" {
		t.Fatalf("30%% of equity > 20%% must be rejected, got %+v", d)
	}

	// Unknown equity disables the exposure math without failing the order.
	if d := Evaluate(order, nil, decimal.Zero, limits); !d.Allowed {
		t.Fatalf("unknown equity must not fail the order, got %+v", d)
	}
}
