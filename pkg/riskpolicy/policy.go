// Package riskpolicy holds the pure pre-trade checks. Evaluate is a function
// of the proposed order, the positions passed in by the caller, and the
// immutable limits; it holds no state and takes no locks. Callers must
// re-fetch positions and equity fresh for every call — staleness here
// directly causes limit violations.
package riskpolicy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/types"
)

// CorrelationCap bounds the projected notional across a named symbol cluster.
type CorrelationCap struct {
	Name           string          `json:"name"`
	Symbols        []string        `json:"symbols"`
	MaxNotionalUSD decimal.Decimal `json:"max_notional_usd"`
}

// Limits is the per-venue risk configuration. Loaded once, read-only.
type Limits struct {
	MaxLeverage               decimal.Decimal  `json:"max_leverage"`
	MaxOrderNotionalUSD       decimal.Decimal  `json:"max_order_notional_usd"`
	MaxTotalNotionalUSD       decimal.Decimal  `json:"max_total_notional_usd"`
	MinLiquidationDistanceBps decimal.Decimal  `json:"min_liquidation_distance_bps"`
	CorrelationCaps           []CorrelationCap `json:"correlation_caps"`

	// Exposure checks as a percentage of account equity, recomputed from
	// live positions + cash on every call.
	MaxSymbolExposurePct decimal.Decimal `json:"max_symbol_exposure_pct"`
	MaxGroupExposurePct  decimal.Decimal `json:"max_group_exposure_pct"`
}

// Order is the proposed trade as seen by the policy.
type Order struct {
	Symbol      string
	Side        types.Side
	NotionalUSD decimal.Decimal
	Leverage    decimal.Decimal // zero = unlevered/unset
	ReduceOnly  bool

	// VenueMaxLeverage is the venue-advertised cap for the instrument;
	// zero when the venue did not report one.
	VenueMaxLeverage decimal.Decimal
	// MarkPrice is the current mark; zero when it could not be fetched.
	MarkPrice decimal.Decimal
}

// Decision is the outcome of one evaluation. Check names the first failing
// check; Reason is human-readable.
type Decision struct {
	Allowed bool
	Check   string
	Reason  string
}

func deny(check, format string, args ...any) Decision {
	return Decision{Allowed: false, Check: check, Reason: fmt.Sprintf(format, args...)}
}

var allow = Decision{Allowed: true, Reason: "ok"}

// Evaluate runs the checks in fixed order; the first failing check wins.
// Missing market data disables only the specific checks whose math needs it;
// it never fails the whole order and never silently passes a check whose
// applicability is known.
func Evaluate(order Order, positions []types.PositionSnapshot, equityUSD decimal.Decimal, limits Limits) Decision {
	// 1. Leverage, skipped entirely for reduce-only orders.
	if !order.ReduceOnly && order.Leverage.GreaterThan(decimal.Zero) {
		if limits.MaxLeverage.GreaterThan(decimal.Zero) && order.Leverage.GreaterThan(limits.MaxLeverage) {
			return deny("leverage", "leverage %s exceeds configured max %s", order.Leverage, limits.MaxLeverage)
		}
		if order.VenueMaxLeverage.GreaterThan(decimal.Zero) && order.Leverage.GreaterThan(order.VenueMaxLeverage) {
			return deny("leverage", "leverage %s exceeds venue max %s", order.Leverage, order.VenueMaxLeverage)
		}
	}

	// 2. Per-order notional cap.
	if limits.MaxOrderNotionalUSD.GreaterThan(decimal.Zero) && order.NotionalUSD.GreaterThan(limits.MaxOrderNotionalUSD) {
		return deny("order_notional", "order notional %s exceeds per-order cap %s",
			order.NotionalUSD, limits.MaxOrderNotionalUSD)
	}

	existing := findPosition(positions, order.Symbol)
	delta := ProjectedDelta(order, existing)

	// 3. Projected total notional.
	if limits.MaxTotalNotionalUSD.GreaterThan(decimal.Zero) {
		total := decimal.Zero
		for _, p := range positions {
			total = total.Add(p.NotionalUSD)
		}
		projected := total.Add(delta)
		if projected.GreaterThan(limits.MaxTotalNotionalUSD) {
			return deny("total_notional", "projected total notional %s exceeds cap %s",
				projected, limits.MaxTotalNotionalUSD)
		}
	}

	// 4. Correlation group caps, same signed-delta logic restricted to the
	// group's matching positions.
	for _, group := range limits.CorrelationCaps {
		if !containsSymbol(group.Symbols, order.Symbol) || group.MaxNotionalUSD.LessThanOrEqual(decimal.Zero) {
			continue
		}
		groupTotal := decimal.Zero
		for _, p := range positions {
			if containsSymbol(group.Symbols, p.Symbol) {
				groupTotal = groupTotal.Add(p.NotionalUSD)
			}
		}
		projected := groupTotal.Add(delta)
		if projected.GreaterThan(group.MaxNotionalUSD) {
			return deny("correlation", "projected %s notional %s exceeds group cap %s",
				group.Name, projected, group.MaxNotionalUSD)
		}
	}

	// 5. Liquidation distance, for orders that increase same-direction
	// exposure or flip through an existing position. Pure reductions are
	// exempt; a flip opens net-new opposite exposure even when its signed
	// delta is negative. The check's math strictly needs mark and
	// liquidation prices; missing or non-positive distance is a hard fail
	// because the check is known to apply.
	if limits.MinLiquidationDistanceBps.GreaterThan(decimal.Zero) &&
		existing != nil && !order.ReduceOnly &&
		(existing.Side == order.Side || order.NotionalUSD.GreaterThan(existing.NotionalUSD)) {
		dist, ok := liquidationDistanceBps(*existing, order.MarkPrice)
		if !ok {
			return deny("liquidation_distance", "liquidation distance unknown for %s", order.Symbol)
		}
		if dist.LessThanOrEqual(decimal.Zero) || dist.LessThan(limits.MinLiquidationDistanceBps) {
			return deny("liquidation_distance", "liquidation distance %s bps below minimum %s bps",
				dist.StringFixed(1), limits.MinLiquidationDistanceBps)
		}
	}

	// Equity-relative exposure checks. Unknown equity disables the math;
	// the notional checks above still stand.
	if equityUSD.GreaterThan(decimal.Zero) {
		hundred := decimal.NewFromInt(100)
		if limits.MaxSymbolExposurePct.GreaterThan(decimal.Zero) {
			symNotional := delta
			if existing != nil {
				symNotional = existing.NotionalUSD.Add(delta)
			}
			pct := symNotional.Div(equityUSD).Mul(hundred)
			if pct.GreaterThan(limits.MaxSymbolExposurePct) {
				return deny("symbol_exposure", "%s exposure %s%% of equity exceeds %s%%",
					order.Symbol, pct.StringFixed(1), limits.MaxSymbolExposurePct)
			}
		}
		if limits.MaxGroupExposurePct.GreaterThan(decimal.Zero) {
			for _, group := range limits.CorrelationCaps {
				if !containsSymbol(group.Symbols, order.Symbol) {
					continue
				}
				groupTotal := delta
				for _, p := range positions {
					if containsSymbol(group.Symbols, p.Symbol) {
						groupTotal = groupTotal.Add(p.NotionalUSD)
					}
				}
				pct := groupTotal.Div(equityUSD).Mul(hundred)
				if pct.GreaterThan(limits.MaxGroupExposurePct) {
					return deny("group_exposure", "%s exposure %s%% of equity exceeds %s%%",
						group.Name, pct.StringFixed(1), limits.MaxGroupExposurePct)
				}
			}
		}
	}

	return allow
}

// ProjectedDelta is the signed change in total notional the order causes.
// Same-direction orders add their full notional; opposite-direction orders
// offset up to the existing position and only the excess beyond a full
// offset adds new exposure (the flip case).
func ProjectedDelta(order Order, existing *types.PositionSnapshot) decimal.Decimal {
	if existing == nil || existing.SizeAbs.LessThanOrEqual(decimal.Zero) {
		return order.NotionalUSD
	}
	if existing.Side == order.Side {
		return order.NotionalUSD
	}
	if order.NotionalUSD.LessThanOrEqual(existing.NotionalUSD) {
		return order.NotionalUSD.Neg()
	}
	// Flip: close the existing notional, open the excess.
	return order.NotionalUSD.Sub(existing.NotionalUSD.Mul(decimal.NewFromInt(2)))
}

// liquidationDistanceBps computes sign(side) * (mark - liq) / mark * 10000.
func liquidationDistanceBps(pos types.PositionSnapshot, mark decimal.Decimal) (decimal.Decimal, bool) {
	if mark.LessThanOrEqual(decimal.Zero) || pos.LiquidationPrice == nil {
		return decimal.Zero, false
	}
	dist := mark.Sub(*pos.LiquidationPrice).Div(mark).Mul(decimal.NewFromInt(10000))
	if pos.Side == types.SideShort {
		dist = dist.Neg()
	}
	return dist, true
}

func findPosition(positions []types.PositionSnapshot, symbol string) *types.PositionSnapshot {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}

func containsSymbol(symbols []string, s string) bool {
	for _, v := range symbols {
		if v == s {
			return true
		}
	}
	return false
}
