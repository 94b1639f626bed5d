// Package executor is the single entry point for turning planner decisions
// into signed venue orders. It owns the order of operations around every
// submission: budget reservation, destination allowlisting, risk evaluation,
// audit logging, signing, and the confirm/release/park settlement of the
// reservation afterwards.
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/allowlist"
	"github.com/tradewire/riskcore/pkg/execerrors"
	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/lifecycle"
	"github.com/tradewire/riskcore/pkg/riskpolicy"
	"github.com/tradewire/riskcore/pkg/types"
	"github.com/tradewire/riskcore/pkg/venue/hyperliquid"
	"github.com/tradewire/riskcore/pkg/venue/polymarket"
)

// reasonTimeoutParked marks the audit row written when a submission outcome
// is unknown. Startup replay keys on it to rebuild the parked set.
const reasonTimeoutParked = "submission timeout, awaiting reconciliation"

// ClobVenue is the prediction-market client surface the executor needs.
type ClobVenue interface {
	ResolveMarket(ctx context.Context, id string) (*polymarket.Market, error)
	PrepareOrder(ctx context.Context, d types.TradeDecision) (*polymarket.PreparedOrder, error)
	Submit(ctx context.Context, p *polymarket.PreparedOrder) (types.OrderAck, error)
	FillsByClientID(ctx context.Context, cloid string, from, to time.Time) ([]types.Fill, error)
}

// PerpsVenue is the futures client surface the executor needs.
type PerpsVenue interface {
	PrepareOrder(ctx context.Context, d types.TradeDecision) (*hyperliquid.PreparedOrder, error)
	Submit(ctx context.Context, p *hyperliquid.PreparedOrder) (types.OrderAck, error)
	Positions(ctx context.Context) ([]types.PositionSnapshot, error)
	Equity(ctx context.Context) (decimal.Decimal, error)
	UpdateLeverage(ctx context.Context, symbol string, leverage int) error
	FillsByClientID(ctx context.Context, cloid string, from, to time.Time) ([]types.Fill, error)
}

// AuditLog records every state transition of an order attempt.
type AuditLog interface {
	AppendAudit(types.AuditEntry) error
}

// Lifecycle records the envelope for a confirmed position entry and
// reconciles it against venue fills.
type Lifecycle interface {
	Open(ctx context.Context, p lifecycle.Proposal) (*types.TradeEnvelope, error)
	Reconcile(ctx context.Context, tradeID string) error
}

// Executor runs the submission pipeline. Safe for concurrent use.
type Executor struct {
	ledger    *ledger.Ledger
	clob      ClobVenue
	perps     PerpsVenue
	limits    map[types.VenueKind]riskpolicy.Limits
	audit     AuditLog
	lifecycle Lifecycle
	paper     bool
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*parked // keyed by cloid
}

// parked is a reservation awaiting fill reconciliation after an
// unknown-outcome submission. The decision and proposal are retained so a
// late-confirmed entry still gets its envelope.
type parked struct {
	resv  *ledger.Reservation
	venue types.VenueKind
	at    time.Time
	dec   types.TradeDecision
	prop  lifecycle.Proposal
}

// New wires the executor. Paper mode runs the full pipeline, including
// reservation, audit, and envelope recording, but never signs or submits.
// lc may be nil; confirmed entries then skip envelope bookkeeping.
func New(l *ledger.Ledger, clob ClobVenue, perps PerpsVenue, limits map[types.VenueKind]riskpolicy.Limits, audit AuditLog, lc Lifecycle, paper bool) *Executor {
	return &Executor{
		ledger:    l,
		clob:      clob,
		perps:     perps,
		limits:    limits,
		audit:     audit,
		lifecycle: lc,
		paper:     paper,
		now:       time.Now,
		pending:   make(map[string]*parked),
	}
}

// Execute runs one decision through the pipeline. Hold decisions return
// immediately without touching the ledger. The returned error carries the
// typed failure; the result's Message restates it for the planner.
func (e *Executor) Execute(ctx context.Context, d types.TradeDecision) (types.ExecutionResult, error) {
	if d.Action == types.ActionHold {
		return types.ExecutionResult{Executed: false, Message: "hold"}, nil
	}
	if err := validate(d); err != nil {
		return fail(d, err)
	}
	if d.Cloid == "" {
		d.Cloid = newCloid()
	}

	amount := d.AmountUSD
	if amount.LessThanOrEqual(decimal.Zero) {
		amount = d.Size.Mul(d.Price)
	}

	resv, err := e.ledger.Reserve(amount)
	if err != nil {
		e.auditEntry(d, amount, types.AuditRejected, err.Error(), nil)
		ordersTotal.WithLabelValues(string(d.Venue), "limit_rejected").Inc()
		return fail(d, err)
	}
	if resv.NearCap {
		log.Printf("[executor] %s %s %s: amount %s at or above confirm threshold",
			d.Venue, d.Action, d.Symbol, amount)
	}

	var res types.ExecutionResult
	switch d.Venue {
	case types.VenuePolymarket:
		res, err = e.executeClob(ctx, d, amount, resv)
	case types.VenueHyperliquid:
		res, err = e.executePerps(ctx, d, amount, resv)
	default:
		e.ledger.Release(resv)
		return fail(d, fmt.Errorf("unknown venue %q", d.Venue))
	}
	e.publishSpend()
	return res, err
}

func (e *Executor) executeClob(ctx context.Context, d types.TradeDecision, amount decimal.Decimal, resv *ledger.Reservation) (types.ExecutionResult, error) {
	market, err := e.clob.ResolveMarket(ctx, d.Symbol)
	if err != nil {
		return e.abort(d, amount, resv, err)
	}
	dest := polymarket.ExchangeAddress(market).Hex()
	if err := allowlist.AssertAllowed(dest, "clob order"); err != nil {
		e.auditDest(d, amount, dest, types.AuditRejected, err.Error())
		ordersTotal.WithLabelValues(string(d.Venue), "allowlist_rejected").Inc()
		e.ledger.Release(resv)
		return fail(d, err)
	}

	prep, err := e.clob.PrepareOrder(ctx, d)
	if err != nil {
		return e.abort(d, amount, resv, err)
	}

	order := riskpolicy.Order{
		Symbol:      d.Symbol,
		Side:        types.SideForAction(d.Action),
		NotionalUSD: prep.NotionalUSD,
		MarkPrice:   prep.Price,
	}
	if dec := riskpolicy.Evaluate(order, nil, decimal.Zero, e.limits[d.Venue]); !dec.Allowed {
		return e.riskReject(d, amount, resv, dec)
	}

	prop := proposalFor(d, prep.Price, prep.Shares, prep.NotionalUSD)
	return e.submit(ctx, d, amount, dest, resv, prop, func(ctx context.Context) (types.OrderAck, error) {
		return e.clob.Submit(ctx, prep)
	})
}

func (e *Executor) executePerps(ctx context.Context, d types.TradeDecision, amount decimal.Decimal, resv *ledger.Reservation) (types.ExecutionResult, error) {
	if err := allowlist.AssertAllowed(allowlist.HyperliquidBridge, "perps order"); err != nil {
		e.auditDest(d, amount, allowlist.HyperliquidBridge, types.AuditRejected, err.Error())
		ordersTotal.WithLabelValues(string(d.Venue), "allowlist_rejected").Inc()
		e.ledger.Release(resv)
		return fail(d, err)
	}

	prep, err := e.perps.PrepareOrder(ctx, d)
	if err != nil {
		return e.abort(d, amount, resv, err)
	}

	// Fresh positions and equity for every evaluation; stale exposure data
	// is how limits get blown.
	positions, err := e.perps.Positions(ctx)
	if err != nil {
		return e.abort(d, amount, resv, fmt.Errorf("fetch positions: %w", err))
	}
	equity, err := e.perps.Equity(ctx)
	if err != nil {
		log.Printf("[executor] equity unavailable, exposure checks degrade: %v", err)
		equity = decimal.Zero
	}

	order := riskpolicy.Order{
		Symbol:           d.Symbol,
		Side:             types.SideForAction(d.Action),
		NotionalUSD:      prep.NotionalUSD,
		Leverage:         d.Leverage,
		ReduceOnly:       d.ReduceOnly,
		VenueMaxLeverage: prep.VenueMaxLeverage,
		MarkPrice:        d.Price,
	}
	if dec := riskpolicy.Evaluate(order, positions, equity, e.limits[d.Venue]); !dec.Allowed {
		return e.riskReject(d, amount, resv, dec)
	}

	if !e.paper && d.Leverage.GreaterThan(decimal.Zero) {
		if err := e.perps.UpdateLeverage(ctx, d.Symbol, int(d.Leverage.IntPart())); err != nil {
			return e.abort(d, amount, resv, fmt.Errorf("update leverage: %w", err))
		}
	}

	prop := proposalFor(d, prep.LimitPx, prep.Size, prep.NotionalUSD)
	return e.submit(ctx, d, amount, allowlist.HyperliquidBridge, resv, prop, func(ctx context.Context) (types.OrderAck, error) {
		return e.perps.Submit(ctx, prep)
	})
}

// proposalFor carries the decision's trade-management expression plus the
// prepared order's entry facts into the lifecycle manager.
func proposalFor(d types.TradeDecision, entryPrice, size, notional decimal.Decimal) lifecycle.Proposal {
	return lifecycle.Proposal{
		Venue:                 d.Venue,
		Symbol:                d.Symbol,
		Side:                  types.SideForAction(d.Action),
		EntryPrice:            entryPrice,
		Size:                  size,
		NotionalUSD:           notional,
		Leverage:              d.Leverage,
		EntryCloid:            d.Cloid,
		StopLossPct:           d.StopLossPct,
		TakeProfitPct:         d.TakeProfitPct,
		MaxHoldSeconds:        d.MaxHoldSeconds,
		TrailingStopPct:       d.TrailingStopPct,
		TrailingActivationPct: d.TrailingActivationPct,
	}
}

// submit drives the final stage: audit the pending attempt, sign and send,
// then settle the reservation. The audit row lands before the ledger confirm
// so a crash between the two leaves an auditable pending row, never a charge
// with no trace.
func (e *Executor) submit(ctx context.Context, d types.TradeDecision, amount decimal.Decimal, dest string, resv *ledger.Reservation, prop lifecycle.Proposal, send func(context.Context) (types.OrderAck, error)) (types.ExecutionResult, error) {
	e.auditDest(d, amount, dest, types.AuditPending, "")

	if e.paper {
		e.auditDest(d, amount, dest, types.AuditConfirmed, "paper")
		e.ledger.Confirm(resv)
		ordersTotal.WithLabelValues(string(d.Venue), "paper").Inc()
		orderNotional.WithLabelValues(string(d.Venue)).Observe(amount.InexactFloat64())
		tradeID := e.recordEnvelope(ctx, d, prop)
		return types.ExecutionResult{Executed: true, Message: "paper fill", TradeID: tradeID}, nil
	}

	ack, err := send(ctx)
	if err != nil {
		if execerrors.IsTimeout(err) {
			// Outcome unknown: the order may be live. Park the budget and
			// let reconciliation decide.
			e.ledger.Park(resv)
			e.mu.Lock()
			e.pending[d.Cloid] = &parked{resv: resv, venue: d.Venue, at: e.now(), dec: d, prop: prop}
			pendingGauge.Set(float64(len(e.pending)))
			e.mu.Unlock()
			e.auditDest(d, amount, dest, types.AuditPending, reasonTimeoutParked)
			ordersTotal.WithLabelValues(string(d.Venue), "timeout_parked").Inc()
			return fail(d, fmt.Errorf("%w: outcome unknown for cloid %s", execerrors.ErrSubmissionTimeout, d.Cloid))
		}
		e.auditDest(d, amount, dest, types.AuditFailed, err.Error())
		ordersTotal.WithLabelValues(string(d.Venue), "venue_rejected").Inc()
		e.ledger.Release(resv)
		return fail(d, err)
	}

	e.auditDest(d, amount, dest, types.AuditConfirmed, "")
	e.ledger.Confirm(resv)
	ordersTotal.WithLabelValues(string(d.Venue), "executed").Inc()
	orderNotional.WithLabelValues(string(d.Venue)).Observe(amount.InexactFloat64())
	log.Printf("[executor] %s %s %s: order %s confirmed (%s USD)", d.Venue, d.Action, d.Symbol, ack.OrderID, amount)
	tradeID := e.recordEnvelope(ctx, d, prop)
	return types.ExecutionResult{Executed: true, Message: "ok", OrderID: ack.OrderID, TradeID: tradeID}, nil
}

// recordEnvelope hands a confirmed position entry to the lifecycle manager.
// Perps entries are position-style and get an envelope; prediction-market
// share purchases and reduce-only orders do not. Failures are logged, never
// fatal: the venue already accepted the order and the audit row is written.
func (e *Executor) recordEnvelope(ctx context.Context, d types.TradeDecision, prop lifecycle.Proposal) string {
	if e.lifecycle == nil || d.ReduceOnly || d.Venue != types.VenueHyperliquid {
		return ""
	}
	env, err := e.lifecycle.Open(ctx, prop)
	if err != nil {
		log.Printf("[executor] %s %s: envelope not recorded: %v", d.Venue, d.Symbol, err)
		return ""
	}
	if !e.paper {
		if err := e.lifecycle.Reconcile(ctx, env.TradeID); err != nil {
			log.Printf("[executor] trade %s: entry reconciliation pending: %v", env.TradeID, err)
		}
	}
	return env.TradeID
}

// ResolvePending settles parked reservations by querying fills for their
// client order ids. A matched fill confirms the spend; no fill after the
// grace window releases it.
func (e *Executor) ResolvePending(ctx context.Context, grace time.Duration) error {
	e.mu.Lock()
	snapshot := make(map[string]*parked, len(e.pending))
	for k, v := range e.pending {
		snapshot[k] = v
	}
	e.mu.Unlock()

	var firstErr error
	for cloid, p := range snapshot {
		fills, err := e.fillsFor(ctx, p.venue, cloid, p.at.Add(-time.Minute))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch {
		case len(fills) > 0:
			e.ledger.Confirm(p.resv)
			e.auditResolved(cloid, p, types.AuditConfirmed, fmt.Sprintf("%d fills matched", len(fills)))
			e.recordEnvelope(ctx, p.dec, p.prop)
			log.Printf("[executor] parked cloid %s resolved: filled", cloid)
		case e.now().Sub(p.at) >= grace:
			e.ledger.Release(p.resv)
			e.auditResolved(cloid, p, types.AuditFailed, "no fills within grace window")
			log.Printf("[executor] parked cloid %s resolved: no fill, budget released", cloid)
		default:
			continue
		}
		e.mu.Lock()
		delete(e.pending, cloid)
		pendingGauge.Set(float64(len(e.pending)))
		e.mu.Unlock()
	}
	e.publishSpend()
	return firstErr
}

func (e *Executor) fillsFor(ctx context.Context, v types.VenueKind, cloid string, from time.Time) ([]types.Fill, error) {
	switch v {
	case types.VenuePolymarket:
		return e.clob.FillsByClientID(ctx, cloid, from, e.now())
	case types.VenueHyperliquid:
		return e.perps.FillsByClientID(ctx, cloid, from, e.now())
	default:
		return nil, fmt.Errorf("unknown venue %q", v)
	}
}

// RestorePending rebuilds the parked-reservation set from audit log entries
// after a restart: a timeout row with no later reconcile row for the same
// cloid re-claims its amount, so a trade that actually landed is confirmed by
// the next reconciliation sweep instead of silently dropped. Entries restored
// this way carry no entry facts, so a late confirmation settles the budget
// without recording an envelope. Returns the number restored.
func (e *Executor) RestorePending(entries []types.AuditEntry) int {
	unresolved := make(map[string]types.AuditEntry)
	for _, entry := range entries {
		cloid := entry.Metadata["cloid"]
		if cloid == "" {
			continue
		}
		switch {
		case entry.Operation == "order" && entry.Status == types.AuditPending && entry.Reason == reasonTimeoutParked:
			unresolved[cloid] = entry
		case entry.Operation == "reconcile":
			delete(unresolved, cloid)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	restored := 0
	for cloid, entry := range unresolved {
		if _, ok := e.pending[cloid]; ok {
			continue
		}
		e.pending[cloid] = &parked{
			resv:  e.ledger.Restore(entry.AmountUSD),
			venue: types.VenueKind(entry.Metadata["venue"]),
			at:    entry.At,
		}
		restored++
		log.Printf("[executor] restored parked reservation for cloid %s (%s USD)", cloid, entry.AmountUSD)
	}
	pendingGauge.Set(float64(len(e.pending)))
	return restored
}

// PendingCount reports reservations still parked.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SpendingState exposes the ledger snapshot.
func (e *Executor) SpendingState() ledger.State {
	return e.ledger.Snapshot()
}

func (e *Executor) riskReject(d types.TradeDecision, amount decimal.Decimal, resv *ledger.Reservation, dec riskpolicy.Decision) (types.ExecutionResult, error) {
	e.ledger.Release(resv)
	e.auditEntry(d, amount, types.AuditRejected, dec.Reason, map[string]string{"check": dec.Check})
	riskRejections.WithLabelValues(dec.Check).Inc()
	ordersTotal.WithLabelValues(string(d.Venue), "risk_rejected").Inc()
	return fail(d, fmt.Errorf("%w: %s: %s", execerrors.ErrRiskPolicyRejected, dec.Check, dec.Reason))
}

func (e *Executor) abort(d types.TradeDecision, amount decimal.Decimal, resv *ledger.Reservation, err error) (types.ExecutionResult, error) {
	e.ledger.Release(resv)
	e.auditEntry(d, amount, types.AuditFailed, err.Error(), nil)
	ordersTotal.WithLabelValues(string(d.Venue), "failed").Inc()
	return fail(d, err)
}

func (e *Executor) auditEntry(d types.TradeDecision, amount decimal.Decimal, status types.AuditStatus, reason string, meta map[string]string) {
	if e.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["venue"] = string(d.Venue)
	meta["symbol"] = d.Symbol
	meta["action"] = string(d.Action)
	if d.Cloid != "" {
		meta["cloid"] = d.Cloid
	}
	entry := types.AuditEntry{
		At:        e.now(),
		Operation: "order",
		AmountUSD: amount,
		Status:    status,
		Reason:    reason,
		Metadata:  meta,
	}
	if err := e.audit.AppendAudit(entry); err != nil {
		log.Printf("[executor] audit append failed: %v", err)
	}
}

func (e *Executor) auditDest(d types.TradeDecision, amount decimal.Decimal, dest string, status types.AuditStatus, reason string) {
	if e.audit == nil {
		return
	}
	meta := map[string]string{
		"venue":  string(d.Venue),
		"symbol": d.Symbol,
		"action": string(d.Action),
	}
	if d.Cloid != "" {
		meta["cloid"] = d.Cloid
	}
	if label := allowlist.Label(dest); label != "" {
		meta["destination"] = label
	}
	entry := types.AuditEntry{
		At:        e.now(),
		Operation: "order",
		ToAddress: dest,
		AmountUSD: amount,
		Status:    status,
		Reason:    reason,
		Metadata:  meta,
	}
	if err := e.audit.AppendAudit(entry); err != nil {
		log.Printf("[executor] audit append failed: %v", err)
	}
}

func (e *Executor) auditResolved(cloid string, p *parked, status types.AuditStatus, reason string) {
	if e.audit == nil {
		return
	}
	entry := types.AuditEntry{
		At:        e.now(),
		Operation: "reconcile",
		AmountUSD: p.resv.Amount,
		Status:    status,
		Reason:    reason,
		Metadata:  map[string]string{"venue": string(p.venue), "cloid": cloid},
	}
	if err := e.audit.AppendAudit(entry); err != nil {
		log.Printf("[executor] audit append failed: %v", err)
	}
}

func (e *Executor) publishSpend() {
	s := e.ledger.Snapshot()
	dailySpentGauge.Set(s.DailySpentUSD.InexactFloat64())
	reservedGauge.Set(s.ReservedUSD.InexactFloat64())
}

func validate(d types.TradeDecision) error {
	if d.Action != types.ActionBuy && d.Action != types.ActionSell {
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Symbol == "" {
		return errors.New("symbol is required")
	}
	if d.Price.LessThanOrEqual(decimal.Zero) {
		return errors.New("price must be positive")
	}
	if d.AmountUSD.LessThanOrEqual(decimal.Zero) && d.Size.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount_usd or size must be positive")
	}
	return nil
}

func fail(d types.TradeDecision, err error) (types.ExecutionResult, error) {
	return types.ExecutionResult{Executed: false, Message: err.Error()}, err
}

func newCloid() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("c-%d", time.Now().UnixNano())
	}
	return "c-" + hex.EncodeToString(buf[:])
}
