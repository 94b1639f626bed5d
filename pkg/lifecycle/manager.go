// Package lifecycle manages open trade envelopes: clamping planner proposals
// into configured bounds, tracking water marks and trailing activation on
// every price tick, evaluating exits in a fixed precedence, mirroring
// stop-loss and take-profit as exchange-side trigger orders, reconciling
// entry fills, and closing positions exactly once.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/execerrors"
	"github.com/tradewire/riskcore/pkg/types"
)

// EnvelopeStore is the persistence surface the manager needs.
type EnvelopeStore interface {
	SaveEnvelope(*types.TradeEnvelope) error
	UpdateEnvelope(*types.TradeEnvelope) error
	OpenBySymbol(symbol string) (*types.TradeEnvelope, error)
	ListOpen() ([]*types.TradeEnvelope, error)
	InsertClose(types.TradeCloseRecord) (bool, error)
	ListRecentCloses(limit int) ([]types.TradeCloseRecord, error)
}

// ProtectionAck reports each exchange-side protection leg independently.
type ProtectionAck struct {
	TPOrderID string
	SLOrderID string
	TPErr     error
	SLErr     error
}

// Protector mirrors the envelope's stop-loss and take-profit as reduce-only
// trigger orders on the venue.
type Protector interface {
	PlaceProtection(ctx context.Context, symbol string, isBuyEntry bool, size, tpPx, slPx decimal.Decimal) (ProtectionAck, error)
	CancelOrders(ctx context.Context, symbol string, orderIDs []string) error
}

// ExitSubmitter submits the reduce-only exit order that flattens an envelope.
type ExitSubmitter interface {
	SubmitExit(ctx context.Context, env *types.TradeEnvelope, price decimal.Decimal, cloid string) (types.OrderAck, error)
}

// FillSource returns venue fills for a client order id inside a window.
type FillSource interface {
	FillsByClientID(ctx context.Context, cloid string, from, to time.Time) ([]types.Fill, error)
}

// Manager owns every open envelope. All mutation of one symbol's envelope is
// serialized through a per-symbol lock so a tick and a manual close cannot
// interleave.
type Manager struct {
	store     EnvelopeStore
	protector Protector // nil when the venue has no server-side triggers
	exits     ExitSubmitter
	fills     FillSource
	bounds    EnvelopeBounds
	now       func() time.Time

	mu      sync.Mutex
	symbols map[string]*sync.Mutex
}

// NewManager wires the manager. protector, exits, and fills may be nil; the
// matching behavior is then skipped (local-only protection, close without
// venue submission, reconciliation unavailable).
func NewManager(st EnvelopeStore, protector Protector, exits ExitSubmitter, fills FillSource, bounds EnvelopeBounds) *Manager {
	return &Manager{
		store:     st,
		protector: protector,
		exits:     exits,
		fills:     fills,
		bounds:    bounds,
		now:       time.Now,
		symbols:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.symbols[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.symbols[symbol] = l
	}
	return l
}

// Open clamps the proposal, persists the envelope, and mirrors its stop and
// target on the venue. A protection leg failure is recorded on the envelope
// and logged, never fatal: the local tick loop still enforces both exits.
func (m *Manager) Open(ctx context.Context, p Proposal) (*types.TradeEnvelope, error) {
	l := m.symbolLock(p.Symbol)
	l.Lock()
	defer l.Unlock()

	env, err := NewEnvelope(p, m.bounds, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveEnvelope(env); err != nil {
		return nil, err
	}
	if env.ProposedStopLossPct != nil || env.ProposedTakeProfitPct != nil ||
		env.ProposedTrailingStopPct != nil || env.ProposedActivationPct != nil ||
		env.ProposedMaxHoldSeconds != nil {
		log.Printf("[lifecycle] trade %s %s: proposal clamped into bounds", env.TradeID, env.Symbol)
	}

	if m.protector != nil && env.Venue == types.VenueHyperliquid {
		m.placeProtectionLocked(ctx, env)
		if err := m.store.UpdateEnvelope(env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// placeProtectionLocked cancels stale trigger orders and places the current
// pair, recording each leg's outcome on the envelope.
func (m *Manager) placeProtectionLocked(ctx context.Context, env *types.TradeEnvelope) {
	var stale []string
	if env.TPOrderID != "" {
		stale = append(stale, env.TPOrderID)
	}
	if env.SLOrderID != "" {
		stale = append(stale, env.SLOrderID)
	}
	if len(stale) > 0 {
		if err := m.protector.CancelOrders(ctx, env.Symbol, stale); err != nil {
			log.Printf("[lifecycle] trade %s: cancel stale protection: %v", env.TradeID, err)
		}
		env.TPOrderID, env.SLOrderID = "", ""
	}

	ack, err := m.protector.PlaceProtection(ctx, env.Symbol, env.Side == types.SideLong,
		env.Size, takeProfitPrice(env), stopPrice(env))
	if err != nil {
		env.TPOrderError, env.SLOrderError = err.Error(), err.Error()
		log.Printf("[lifecycle] trade %s: protection placement failed: %v", env.TradeID, err)
		return
	}
	env.TPOrderID, env.SLOrderID = ack.TPOrderID, ack.SLOrderID
	env.TPOrderError, env.SLOrderError = "", ""
	if ack.TPErr != nil {
		env.TPOrderError = ack.TPErr.Error()
		log.Printf("[lifecycle] trade %s: take-profit leg rejected: %v", env.TradeID, ack.TPErr)
	}
	if ack.SLErr != nil {
		env.SLOrderError = ack.SLErr.Error()
		log.Printf("[lifecycle] trade %s: stop-loss leg rejected: %v", env.TradeID, ack.SLErr)
	}
}

// OnPrice advances the open envelope for the tick's symbol: water marks,
// trailing activation, then exit evaluation. Exits are checked in fixed
// precedence; the first trigger wins and later checks are not consulted.
func (m *Manager) OnPrice(ctx context.Context, tick types.PriceTick) error {
	l := m.symbolLock(tick.Symbol)
	l.Lock()
	defer l.Unlock()

	env, err := m.store.OpenBySymbol(tick.Symbol)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	price := tick.Price
	if env.ClosePending {
		// An earlier exit submission failed; retry at the current price.
		return m.closeLocked(ctx, env, price, env.ClosePendingReason)
	}

	if env.HighWaterPrice == nil || price.GreaterThan(*env.HighWaterPrice) {
		hw := price
		env.HighWaterPrice = &hw
	}
	if env.LowWaterPrice == nil || price.LessThan(*env.LowWaterPrice) {
		lw := price
		env.LowWaterPrice = &lw
	}

	if !env.TrailingActivated && env.TrailingStopPct != nil {
		act := activationPrice(env)
		if (env.Side == types.SideLong && price.GreaterThanOrEqual(act)) ||
			(env.Side == types.SideShort && price.LessThanOrEqual(act)) {
			env.TrailingActivated = true
			log.Printf("[lifecycle] trade %s %s: trailing armed at %s", env.TradeID, env.Symbol, price)
		}
	}

	reason := m.exitReason(env, price, tick.At)
	if reason == "" {
		return m.store.UpdateEnvelope(env)
	}

	env.ClosePending = true
	env.ClosePendingReason = reason
	at := m.now()
	env.ClosePendingAt = &at
	if err := m.store.UpdateEnvelope(env); err != nil {
		return err
	}
	return m.closeLocked(ctx, env, price, reason)
}

// exitReason applies the exit precedence: stop loss, take profit, trailing
// stop, then max hold. Trailing is consulted only after activation.
func (m *Manager) exitReason(env *types.TradeEnvelope, price decimal.Decimal, at time.Time) string {
	long := env.Side == types.SideLong

	stop := stopPrice(env)
	if (long && price.LessThanOrEqual(stop)) || (!long && price.GreaterThanOrEqual(stop)) {
		return types.ExitStopLoss
	}
	target := takeProfitPrice(env)
	if (long && price.GreaterThanOrEqual(target)) || (!long && price.LessThanOrEqual(target)) {
		return types.ExitTakeProfit
	}
	if env.TrailingActivated {
		if trail, ok := trailingStopPrice(env); ok {
			if (long && price.LessThanOrEqual(trail)) || (!long && price.GreaterThanOrEqual(trail)) {
				return types.ExitTrailingStop
			}
		}
	}
	if at.IsZero() {
		at = m.now()
	}
	if !at.Before(env.ExpiresAt) {
		return types.ExitMaxHold
	}
	return ""
}

// Close flattens the open envelope for symbol at the given price. Idempotent:
// a second close of the same trade is a no-op that reports success.
func (m *Manager) Close(ctx context.Context, symbol string, price decimal.Decimal, reason string) error {
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	env, err := m.store.OpenBySymbol(symbol)
	if err != nil {
		return err
	}
	if env == nil {
		return nil
	}
	if reason == "" {
		reason = types.ExitManual
	}
	return m.closeLocked(ctx, env, price, reason)
}

func (m *Manager) closeLocked(ctx context.Context, env *types.TradeEnvelope, price decimal.Decimal, reason string) error {
	var ids []string
	if env.TPOrderID != "" {
		ids = append(ids, env.TPOrderID)
	}
	if env.SLOrderID != "" {
		ids = append(ids, env.SLOrderID)
	}
	if m.protector != nil && len(ids) > 0 {
		if err := m.protector.CancelOrders(ctx, env.Symbol, ids); err != nil {
			log.Printf("[lifecycle] trade %s: cancel protection on close: %v", env.TradeID, err)
		}
	}

	exitPrice := price
	var exitFees decimal.Decimal
	if m.exits != nil {
		cloid := "x-" + env.TradeID
		ack, err := m.exits.SubmitExit(ctx, env, price, cloid)
		if err != nil {
			// Mark close-pending so the next tick retries, whichever path
			// requested the close.
			env.ClosePending = true
			env.ClosePendingReason = reason
			if env.ClosePendingAt == nil {
				at := m.now()
				env.ClosePendingAt = &at
			}
			if uerr := m.store.UpdateEnvelope(env); uerr != nil {
				log.Printf("[lifecycle] trade %s: persist close-pending: %v", env.TradeID, uerr)
			}
			return fmt.Errorf("submit exit for %s: %w", env.TradeID, err)
		}
		log.Printf("[lifecycle] trade %s %s: exit submitted (%s), order %s", env.TradeID, env.Symbol, reason, ack.OrderID)

		// The record keeps the executed price and fees, not the tick that
		// requested the exit. Fills not yet visible degrade to the tick
		// price rather than blocking the close.
		if m.fills != nil {
			fills, ferr := m.fills.FillsByClientID(ctx, cloid, env.EnteredAt.Add(-time.Minute), m.now())
			if ferr != nil {
				log.Printf("[lifecycle] trade %s: exit fill lookup failed, recording tick price: %v", env.TradeID, ferr)
			} else if px, _, fees, ok := aggregateFills(fills); ok {
				exitPrice = px
				exitFees = fees
			} else {
				log.Printf("[lifecycle] trade %s: no exit fills visible yet, recording tick price", env.TradeID)
			}
		}
	}

	now := m.now()
	rec := closeRecord(env, exitPrice, exitFees, reason, now)
	inserted, err := m.store.InsertClose(rec)
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("[lifecycle] trade %s: close already recorded", env.TradeID)
	}

	env.Status = types.EnvelopeClosed
	env.ClosePending = false
	env.ClosePendingReason = ""
	env.ClosePendingAt = nil
	return m.store.UpdateEnvelope(env)
}

// closeRecord computes realized PnL from the applied entry and exit. Funding,
// entry fees accumulated on the envelope, and the exit's own fees are folded
// in.
func closeRecord(env *types.TradeEnvelope, exitPrice, exitFees decimal.Decimal, reason string, now time.Time) types.TradeCloseRecord {
	diff := exitPrice.Sub(env.EntryPrice)
	if env.Side == types.SideShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(env.Size)
	var pnlPct decimal.Decimal
	if !env.NotionalUSD.IsZero() {
		pnlPct = pnl.Div(env.NotionalUSD).Mul(decimal.NewFromInt(100))
	}
	var funding decimal.Decimal
	if env.FundingSinceOpenUSD != nil {
		funding = *env.FundingSinceOpenUSD
	}
	fees := exitFees
	if env.EntryFeesUSD != nil {
		fees = fees.Add(*env.EntryFeesUSD)
	}
	return types.TradeCloseRecord{
		TradeID:             env.TradeID,
		ExitPrice:           exitPrice,
		ExitReason:          reason,
		PnLUSD:              pnl.Sub(funding).Sub(fees),
		PnLPct:              pnlPct,
		HoldDurationSeconds: int64(now.Sub(env.EnteredAt) / time.Second),
		FundingPaidUSD:      funding,
		FeesUSD:             fees,
		ClosedAt:            now,
	}
}

// Reconcile resolves the true entry from venue fills matching the entry
// client order id: size-weighted average price, summed size and fees. With no
// matching fills the entry stays unknown and ErrReconciliationUnresolved is
// returned.
func (m *Manager) Reconcile(ctx context.Context, tradeID string) error {
	if m.fills == nil {
		return fmt.Errorf("%w: no fill source", execerrors.ErrReconciliationUnresolved)
	}
	open, err := m.store.ListOpen()
	if err != nil {
		return err
	}
	var env *types.TradeEnvelope
	for _, e := range open {
		if e.TradeID == tradeID {
			env = e
			break
		}
	}
	if env == nil {
		return fmt.Errorf("no open envelope %s", tradeID)
	}
	if env.EntryCloid == "" {
		return fmt.Errorf("%w: trade %s has no entry cloid", execerrors.ErrReconciliationUnresolved, tradeID)
	}

	l := m.symbolLock(env.Symbol)
	l.Lock()
	defer l.Unlock()

	from := env.EnteredAt.Add(-time.Minute)
	fills, err := m.fills.FillsByClientID(ctx, env.EntryCloid, from, m.now())
	if err != nil {
		return fmt.Errorf("%w: %v", execerrors.ErrReconciliationUnresolved, err)
	}
	if len(fills) == 0 {
		return fmt.Errorf("%w: no fills for cloid %s", execerrors.ErrReconciliationUnresolved, env.EntryCloid)
	}

	price, totalSize, fees, ok := aggregateFills(fills)
	if !ok {
		return fmt.Errorf("%w: zero filled size for cloid %s", execerrors.ErrReconciliationUnresolved, env.EntryCloid)
	}
	env.EntryPrice = price
	env.Size = totalSize
	env.NotionalUSD = totalSize.Mul(price)
	env.EntryFeesUSD = &fees
	return m.store.UpdateEnvelope(env)
}

// aggregateFills reduces a fill set to its size-weighted average price,
// summed size, and summed fees. ok is false for an empty or zero-size set.
func aggregateFills(fills []types.Fill) (price, size, fees decimal.Decimal, ok bool) {
	weighted := decimal.Zero
	for _, f := range fills {
		size = size.Add(f.Size)
		weighted = weighted.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.FeeUSD)
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, decimal.Decimal{}, decimal.Decimal{}, false
	}
	return weighted.Div(size), size, fees, true
}

// OpenBySymbol returns the open envelope for symbol, or nil.
func (m *Manager) OpenBySymbol(symbol string) (*types.TradeEnvelope, error) {
	return m.store.OpenBySymbol(symbol)
}

// ListOpen returns all open envelopes ordered by entry time.
func (m *Manager) ListOpen() ([]*types.TradeEnvelope, error) {
	return m.store.ListOpen()
}

// RecentCloses returns up to limit close records, newest first.
func (m *Manager) RecentCloses(limit int) ([]types.TradeCloseRecord, error) {
	return m.store.ListRecentCloses(limit)
}

// ExpireDue closes every open envelope whose hold budget has elapsed. Called
// from the engine tick so expiry does not depend on a price feed.
func (m *Manager) ExpireDue(ctx context.Context, markOf func(symbol string) (decimal.Decimal, bool)) error {
	open, err := m.store.ListOpen()
	if err != nil {
		return err
	}
	var firstErr error
	for _, env := range open {
		if m.now().Before(env.ExpiresAt) {
			continue
		}
		mark, ok := markOf(env.Symbol)
		if !ok {
			mark = env.EntryPrice
		}
		if err := m.Close(ctx, env.Symbol, mark, types.ExitMaxHold); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
