package lifecycle

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/types"
)

// Bounds clamp a proposed percentage (percent units) into [Min, Max].
type Bounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

func (b Bounds) clamp(v decimal.Decimal) (decimal.Decimal, bool) {
	if v.LessThan(b.Min) {
		return b.Min, true
	}
	if b.Max.GreaterThan(decimal.Zero) && v.GreaterThan(b.Max) {
		return b.Max, true
	}
	return v, false
}

// Proposal is the planner's trade-management expression before clamping.
type Proposal struct {
	Venue       types.VenueKind
	Symbol      string
	Side        types.Side
	EntryPrice  decimal.Decimal
	Size        decimal.Decimal
	NotionalUSD decimal.Decimal
	Leverage    decimal.Decimal // zero = unset
	EntryCloid  string

	StopLossPct           decimal.Decimal
	TakeProfitPct         decimal.Decimal
	MaxHoldSeconds        int64
	TrailingStopPct       *decimal.Decimal
	TrailingActivationPct decimal.Decimal
}

// EnvelopeBounds are the configured [min,max] ranges each applied value is
// clamped into.
type EnvelopeBounds struct {
	StopLoss           Bounds `json:"stop_loss_pct"`
	TakeProfit         Bounds `json:"take_profit_pct"`
	TrailingStop       Bounds `json:"trailing_stop_pct"`
	TrailingActivation Bounds `json:"trailing_activation_pct"`
	MaxHoldSeconds     Bounds `json:"max_hold_seconds"`
}

// NewEnvelope clamps the proposal into bounds and derives expiry, margin,
// and the maximum tolerated loss. When a clamp changed a proposed value the
// original is retained in the matching Proposed* field for audit; the
// applied value alone drives exit math.
func NewEnvelope(p Proposal, bounds EnvelopeBounds, now time.Time) (*types.TradeEnvelope, error) {
	if p.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive")
	}
	if p.Size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("size must be positive")
	}
	notional := p.NotionalUSD
	if notional.LessThanOrEqual(decimal.Zero) {
		notional = p.Size.Mul(p.EntryPrice)
	}

	env := &types.TradeEnvelope{
		TradeID:     newTradeID(),
		Venue:       p.Venue,
		Symbol:      p.Symbol,
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		Size:        p.Size,
		NotionalUSD: notional,
		EntryCloid:  p.EntryCloid,
		Status:      types.EnvelopeOpen,
		EnteredAt:   now,
	}

	if applied, changed := bounds.StopLoss.clamp(p.StopLossPct); changed {
		orig := p.StopLossPct
		env.StopLossPct, env.ProposedStopLossPct = applied, &orig
	} else {
		env.StopLossPct = applied
	}
	if applied, changed := bounds.TakeProfit.clamp(p.TakeProfitPct); changed {
		orig := p.TakeProfitPct
		env.TakeProfitPct, env.ProposedTakeProfitPct = applied, &orig
	} else {
		env.TakeProfitPct = applied
	}
	if applied, changed := bounds.TrailingActivation.clamp(p.TrailingActivationPct); changed {
		orig := p.TrailingActivationPct
		env.TrailingActivationPct, env.ProposedActivationPct = applied, &orig
	} else {
		env.TrailingActivationPct = applied
	}
	if p.TrailingStopPct != nil {
		if applied, changed := bounds.TrailingStop.clamp(*p.TrailingStopPct); changed {
			orig := *p.TrailingStopPct
			env.TrailingStopPct, env.ProposedTrailingStopPct = &applied, &orig
		} else {
			env.TrailingStopPct = &applied
		}
	}

	holdDec := decimal.NewFromInt(p.MaxHoldSeconds)
	if applied, changed := bounds.MaxHoldSeconds.clamp(holdDec); changed {
		orig := p.MaxHoldSeconds
		env.MaxHoldSeconds, env.ProposedMaxHoldSeconds = applied.IntPart(), &orig
	} else {
		env.MaxHoldSeconds = applied.IntPart()
	}
	env.ExpiresAt = now.Add(time.Duration(env.MaxHoldSeconds) * time.Second)

	if p.Leverage.GreaterThan(decimal.Zero) {
		lev := p.Leverage
		env.Leverage = &lev
		margin := notional.Div(lev)
		env.MarginUSD = &margin
	}
	maxLoss := env.StopLossPct.Div(decimal.NewFromInt(100)).Mul(notional)
	env.MaxLossUSD = &maxLoss

	return env, nil
}

// stopPrice is the fixed entry-based stop for the side.
func stopPrice(env *types.TradeEnvelope) decimal.Decimal {
	frac := env.StopLossPct.Div(decimal.NewFromInt(100))
	if env.Side == types.SideLong {
		return env.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return env.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
}

// takeProfitPrice is the fixed entry-based target for the side.
func takeProfitPrice(env *types.TradeEnvelope) decimal.Decimal {
	frac := env.TakeProfitPct.Div(decimal.NewFromInt(100))
	if env.Side == types.SideLong {
		return env.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return env.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
}

// trailingStopPrice trails behind the favorable water mark; only meaningful
// once trailing is activated.
func trailingStopPrice(env *types.TradeEnvelope) (decimal.Decimal, bool) {
	if env.TrailingStopPct == nil {
		return decimal.Decimal{}, false
	}
	frac := env.TrailingStopPct.Div(decimal.NewFromInt(100))
	if env.Side == types.SideLong {
		if env.HighWaterPrice == nil {
			return decimal.Decimal{}, false
		}
		return env.HighWaterPrice.Mul(decimal.NewFromInt(1).Sub(frac)), true
	}
	if env.LowWaterPrice == nil {
		return decimal.Decimal{}, false
	}
	return env.LowWaterPrice.Mul(decimal.NewFromInt(1).Add(frac)), true
}

// activationPrice is the favorable excursion beyond which trailing arms.
func activationPrice(env *types.TradeEnvelope) decimal.Decimal {
	frac := env.TrailingActivationPct.Div(decimal.NewFromInt(100))
	if env.Side == types.SideLong {
		return env.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return env.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
}

func newTradeID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	return "t-" + hex.EncodeToString(buf[:])
}
