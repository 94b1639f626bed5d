package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/execerrors"
	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/lifecycle"
	"github.com/tradewire/riskcore/pkg/riskpolicy"
	"github.com/tradewire/riskcore/pkg/store"
	"github.com/tradewire/riskcore/pkg/types"
	"github.com/tradewire/riskcore/pkg/venue/hyperliquid"
	"github.com/tradewire/riskcore/pkg/venue/polymarket"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memAudit struct {
	mu      sync.Mutex
	entries []types.AuditEntry
}

func (m *memAudit) AppendAudit(e types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) snapshot() []types.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AuditEntry(nil), m.entries...)
}

func (m *memAudit) statuses() []types.AuditStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditStatus, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Status
	}
	return out
}

type fakeClob struct {
	market    *polymarket.Market
	submitErr error
	fills     []types.Fill
}

func (f *fakeClob) ResolveMarket(context.Context, string) (*polymarket.Market, error) {
	return f.market, nil
}

func (f *fakeClob) PrepareOrder(_ context.Context, d types.TradeDecision) (*polymarket.PreparedOrder, error) {
	return &polymarket.PreparedOrder{NotionalUSD: d.AmountUSD, Price: d.Price, Cloid: d.Cloid}, nil
}

func (f *fakeClob) Submit(context.Context, *polymarket.PreparedOrder) (types.OrderAck, error) {
	if f.submitErr != nil {
		return types.OrderAck{}, f.submitErr
	}
	return types.OrderAck{OrderID: "pm-1"}, nil
}

func (f *fakeClob) FillsByClientID(context.Context, string, time.Time, time.Time) ([]types.Fill, error) {
	return f.fills, nil
}

type fakePerps struct {
	positions []types.PositionSnapshot
	equity    decimal.Decimal
	submitErr error
	fills     []types.Fill
	leverages []int
	submitted int
}

func (f *fakePerps) PrepareOrder(_ context.Context, d types.TradeDecision) (*hyperliquid.PreparedOrder, error) {
	size := d.Size
	if size.LessThanOrEqual(decimal.Zero) {
		size = d.AmountUSD.Div(d.Price)
	}
	return &hyperliquid.PreparedOrder{
		Symbol:           d.Symbol,
		IsBuy:            d.Action == types.ActionBuy,
		Size:             size,
		LimitPx:          d.Price,
		ReduceOnly:       d.ReduceOnly,
		Cloid:            d.Cloid,
		NotionalUSD:      size.Mul(d.Price),
		VenueMaxLeverage: dec("50"),
	}, nil
}

func (f *fakePerps) Submit(context.Context, *hyperliquid.PreparedOrder) (types.OrderAck, error) {
	f.submitted++
	if f.submitErr != nil {
		return types.OrderAck{}, f.submitErr
	}
	return types.OrderAck{OrderID: "hl-1"}, nil
}

func (f *fakePerps) Positions(context.Context) ([]types.PositionSnapshot, error) {
	return f.positions, nil
}

func (f *fakePerps) Equity(context.Context) (decimal.Decimal, error) {
	return f.equity, nil
}

func (f *fakePerps) UpdateLeverage(_ context.Context, _ string, lev int) error {
	f.leverages = append(f.leverages, lev)
	return nil
}

func (f *fakePerps) FillsByClientID(context.Context, string, time.Time, time.Time) ([]types.Fill, error) {
	return f.fills, nil
}

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{
		DailyLimitUSD:    dec("1000"),
		PerTradeLimitUSD: dec("500"),
	}, nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return l
}

func testLimits() map[types.VenueKind]riskpolicy.Limits {
	return map[types.VenueKind]riskpolicy.Limits{
		types.VenuePolymarket: {MaxOrderNotionalUSD: dec("400")},
		types.VenueHyperliquid: {
			MaxLeverage:         dec("10"),
			MaxOrderNotionalUSD: dec("400"),
			MaxTotalNotionalUSD: dec("1200"),
		},
	}
}

func newTestLifecycle(t *testing.T, fills lifecycle.FillSource) *lifecycle.Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bounds := lifecycle.EnvelopeBounds{
		StopLoss:           lifecycle.Bounds{Min: dec("1"), Max: dec("10")},
		TakeProfit:         lifecycle.Bounds{Min: dec("1"), Max: dec("50")},
		TrailingStop:       lifecycle.Bounds{Min: dec("0.5"), Max: dec("10")},
		TrailingActivation: lifecycle.Bounds{Min: dec("0.5"), Max: dec("20")},
		MaxHoldSeconds:     lifecycle.Bounds{Min: dec("60"), Max: dec("86400")},
	}
	return lifecycle.NewManager(st, nil, nil, fills, bounds)
}

func buyDecision(venue types.VenueKind) types.TradeDecision {
	return types.TradeDecision{
		Venue:     venue,
		Action:    types.ActionBuy,
		Symbol:    "ETH",
		AmountUSD: dec("100"),
		Price:     dec("0.5"),
	}
}

func TestExecuteHoldShortCircuits(t *testing.T) {
	l := testLedger(t)
	ex := New(l, &fakeClob{}, &fakePerps{}, testLimits(), nil, nil, false)

	res, err := ex.Execute(context.Background(), types.TradeDecision{Action: types.ActionHold})
	if err != nil || res.Executed {
		t.Fatalf("hold: res=%+v err=%v", res, err)
	}
	if s := l.Snapshot(); !s.DailySpentUSD.IsZero() || !s.ReservedUSD.IsZero() {
		t.Fatalf("hold touched the ledger: %+v", s)
	}
}

func TestExecuteClobConfirmsSpend(t *testing.T) {
	l := testLedger(t)
	audit := &memAudit{}
	clob := &fakeClob{market: &polymarket.Market{ConditionID: "ETH", TickSize: "0.01", Active: true}}
	ex := New(l, clob, &fakePerps{}, testLimits(), audit, nil, false)

	res, err := ex.Execute(context.Background(), buyDecision(types.VenuePolymarket))
	if err != nil || !res.Executed {
		t.Fatalf("execute: res=%+v err=%v", res, err)
	}
	if res.OrderID != "pm-1" {
		t.Fatalf("order id = %q", res.OrderID)
	}
	s := l.Snapshot()
	if !s.DailySpentUSD.Equal(dec("100")) || !s.ReservedUSD.IsZero() {
		t.Fatalf("spend not confirmed: %+v", s)
	}
	statuses := audit.statuses()
	if len(statuses) != 2 || statuses[0] != types.AuditPending || statuses[1] != types.AuditConfirmed {
		t.Fatalf("audit trail = %v, want pending then confirmed", statuses)
	}
}

func TestExecuteOverDailyLimitRejected(t *testing.T) {
	l := testLedger(t)
	ex := New(l, &fakeClob{market: &polymarket.Market{ConditionID: "ETH"}}, &fakePerps{}, testLimits(), nil, nil, false)

	d := buyDecision(types.VenuePolymarket)
	d.AmountUSD = dec("600") // over the 500 per-trade cap
	_, err := ex.Execute(context.Background(), d)
	if !errors.Is(err, execerrors.ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
	if s := l.Snapshot(); !s.ReservedUSD.IsZero() {
		t.Fatalf("reservation leaked: %+v", s)
	}
}

func TestRiskRejectionReleasesReservation(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000")}
	ex := New(l, &fakeClob{}, perps, testLimits(), &memAudit{}, nil, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	d.Size = dec("0.25") // 500 notional, over the 400 per-order cap
	d.AmountUSD = decimal.Zero

	_, err := ex.Execute(context.Background(), d)
	if !errors.Is(err, execerrors.ErrRiskPolicyRejected) {
		t.Fatalf("err = %v, want ErrRiskPolicyRejected", err)
	}
	if perps.submitted != 0 {
		t.Fatalf("order submitted despite risk rejection")
	}
	if s := l.Snapshot(); !s.ReservedUSD.IsZero() || !s.DailySpentUSD.IsZero() {
		t.Fatalf("reservation not released: %+v", s)
	}
}

func TestVenueRejectionReleasesReservation(t *testing.T) {
	l := testLedger(t)
	clob := &fakeClob{
		market:    &polymarket.Market{ConditionID: "ETH"},
		submitErr: fmt.Errorf("%w: order rejected", execerrors.ErrVenueRejected),
	}
	ex := New(l, clob, &fakePerps{}, testLimits(), nil, nil, false)

	_, err := ex.Execute(context.Background(), buyDecision(types.VenuePolymarket))
	if !errors.Is(err, execerrors.ErrVenueRejected) {
		t.Fatalf("err = %v, want ErrVenueRejected", err)
	}
	if s := l.Snapshot(); !s.ReservedUSD.IsZero() || !s.DailySpentUSD.IsZero() {
		t.Fatalf("reservation not released: %+v", s)
	}
}

func TestTimeoutParksThenConfirmsOnFill(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000"), submitErr: execerrors.ErrSubmissionTimeout}
	ex := New(l, &fakeClob{}, perps, testLimits(), &memAudit{}, nil, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	d.AmountUSD = dec("100")

	_, err := ex.Execute(context.Background(), d)
	if !errors.Is(err, execerrors.ErrSubmissionTimeout) {
		t.Fatalf("err = %v, want ErrSubmissionTimeout", err)
	}
	if ex.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", ex.PendingCount())
	}
	// Budget stays reserved while the outcome is unknown.
	if s := l.Snapshot(); !s.ReservedUSD.Equal(dec("100")) {
		t.Fatalf("reserved = %s, want 100", s.ReservedUSD)
	}

	perps.fills = []types.Fill{{Price: dec("2000"), Size: dec("0.05")}}
	if err := ex.ResolvePending(context.Background(), time.Hour); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ex.PendingCount() != 0 {
		t.Fatalf("pending not drained")
	}
	s := l.Snapshot()
	if !s.DailySpentUSD.Equal(dec("100")) || !s.ReservedUSD.IsZero() {
		t.Fatalf("parked spend not confirmed: %+v", s)
	}
}

func TestTimeoutReleasesAfterGraceWithoutFill(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000"), submitErr: execerrors.ErrSubmissionTimeout}
	ex := New(l, &fakeClob{}, perps, testLimits(), nil, nil, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")

	if _, err := ex.Execute(context.Background(), d); !errors.Is(err, execerrors.ErrSubmissionTimeout) {
		t.Fatalf("err = %v, want ErrSubmissionTimeout", err)
	}
	if err := ex.ResolvePending(context.Background(), 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s := l.Snapshot()
	if !s.DailySpentUSD.IsZero() || !s.ReservedUSD.IsZero() {
		t.Fatalf("unfilled parked reservation not released: %+v", s)
	}
}

func TestPaperModeConfirmsWithoutSubmitting(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000")}
	ex := New(l, &fakeClob{}, perps, testLimits(), &memAudit{}, nil, true)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	res, err := ex.Execute(context.Background(), d)
	if err != nil || !res.Executed {
		t.Fatalf("paper execute: res=%+v err=%v", res, err)
	}
	if perps.submitted != 0 {
		t.Fatalf("paper mode reached the venue")
	}
	if s := l.Snapshot(); !s.DailySpentUSD.Equal(dec("100")) {
		t.Fatalf("paper spend not recorded: %+v", s)
	}
}

func TestLeverageForwardedToVenue(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000")}
	ex := New(l, &fakeClob{}, perps, testLimits(), nil, nil, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	d.Leverage = dec("5")
	if _, err := ex.Execute(context.Background(), d); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(perps.leverages) != 1 || perps.leverages[0] != 5 {
		t.Fatalf("leverage updates = %v, want [5]", perps.leverages)
	}
}

func TestExecuteOpensEnvelope(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{
		equity: dec("10000"),
		fills:  []types.Fill{{Price: dec("2001"), Size: dec("0.05"), FeeUSD: dec("0.04")}},
	}
	lc := newTestLifecycle(t, perps)
	ex := New(l, &fakeClob{}, perps, testLimits(), &memAudit{}, lc, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	d.StopLossPct = dec("5")
	d.TakeProfitPct = dec("10")
	d.MaxHoldSeconds = 3600

	res, err := ex.Execute(context.Background(), d)
	if err != nil || !res.Executed {
		t.Fatalf("execute: res=%+v err=%v", res, err)
	}
	if res.TradeID == "" {
		t.Fatalf("confirmed entry returned no trade id")
	}
	env, err := lc.OpenBySymbol("ETH")
	if err != nil || env == nil {
		t.Fatalf("no open envelope after confirmed entry: %v", err)
	}
	if env.TradeID != res.TradeID {
		t.Fatalf("trade id mismatch: result %s, envelope %s", res.TradeID, env.TradeID)
	}
	if env.EntryCloid == "" {
		t.Fatalf("entry cloid not recorded on the envelope")
	}
	if !env.StopLossPct.Equal(dec("5")) {
		t.Fatalf("stop = %s, want the proposed 5", env.StopLossPct)
	}
	// Entry facts come from the venue fill, not the requested price.
	if !env.EntryPrice.Equal(dec("2001")) {
		t.Fatalf("entry = %s, want the filled 2001", env.EntryPrice)
	}
	if env.EntryFeesUSD == nil || !env.EntryFeesUSD.Equal(dec("0.04")) {
		t.Fatalf("entry fees = %v, want 0.04", env.EntryFeesUSD)
	}
}

func TestPaperEntryStillGetsEnvelope(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000")}
	lc := newTestLifecycle(t, nil)
	ex := New(l, &fakeClob{}, perps, testLimits(), nil, lc, true)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	res, err := ex.Execute(context.Background(), d)
	if err != nil || res.TradeID == "" {
		t.Fatalf("paper entry: res=%+v err=%v", res, err)
	}
	if perps.submitted != 0 {
		t.Fatalf("paper mode reached the venue")
	}
	if env, _ := lc.OpenBySymbol("ETH"); env == nil {
		t.Fatalf("paper entry did not open an envelope")
	}
}

func TestReduceOnlySkipsEnvelope(t *testing.T) {
	l := testLedger(t)
	perps := &fakePerps{equity: dec("10000")}
	lc := newTestLifecycle(t, nil)
	ex := New(l, &fakeClob{}, perps, testLimits(), nil, lc, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Action = types.ActionSell
	d.Price = dec("2000")
	d.ReduceOnly = true
	res, err := ex.Execute(context.Background(), d)
	if err != nil || !res.Executed {
		t.Fatalf("execute: res=%+v err=%v", res, err)
	}
	if res.TradeID != "" {
		t.Fatalf("reduce-only order must not open an envelope, got trade %s", res.TradeID)
	}
}

func TestRestorePendingRebuildsParkedReservations(t *testing.T) {
	l := testLedger(t)
	audit := &memAudit{}
	perps := &fakePerps{equity: dec("10000"), submitErr: execerrors.ErrSubmissionTimeout}
	ex := New(l, &fakeClob{}, perps, testLimits(), audit, nil, false)

	d := buyDecision(types.VenueHyperliquid)
	d.Price = dec("2000")
	if _, err := ex.Execute(context.Background(), d); !errors.Is(err, execerrors.ErrSubmissionTimeout) {
		t.Fatalf("err = %v, want ErrSubmissionTimeout", err)
	}

	// Simulate a restart: fresh ledger and executor, replay the audit log.
	l2 := testLedger(t)
	perps2 := &fakePerps{equity: dec("10000"), fills: []types.Fill{{Price: dec("2000"), Size: dec("0.05")}}}
	ex2 := New(l2, &fakeClob{}, perps2, testLimits(), audit, nil, false)
	if n := ex2.RestorePending(audit.snapshot()); n != 1 {
		t.Fatalf("restored %d reservations, want 1", n)
	}
	if s := l2.Snapshot(); !s.ReservedUSD.Equal(dec("100")) {
		t.Fatalf("reserved = %s, want 100", s.ReservedUSD)
	}
	if err := ex2.ResolvePending(context.Background(), time.Hour); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s := l2.Snapshot()
	if !s.DailySpentUSD.Equal(dec("100")) || !s.ReservedUSD.IsZero() {
		t.Fatalf("replayed reservation not confirmed: %+v", s)
	}

	// The reconcile row written above resolves the cloid, so a second
	// replay restores nothing.
	l3 := testLedger(t)
	ex3 := New(l3, &fakeClob{}, perps2, testLimits(), audit, nil, false)
	if n := ex3.RestorePending(audit.snapshot()); n != 0 {
		t.Fatalf("restored %d after resolution, want 0", n)
	}
}

func TestCloidAssignedWhenMissing(t *testing.T) {
	l := testLedger(t)
	audit := &memAudit{}
	clob := &fakeClob{market: &polymarket.Market{ConditionID: "ETH"}}
	ex := New(l, clob, &fakePerps{}, testLimits(), audit, nil, false)

	if _, err := ex.Execute(context.Background(), buyDecision(types.VenuePolymarket)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	for _, e := range audit.entries {
		if e.Metadata["cloid"] == "" {
			t.Fatalf("audit entry missing cloid: %+v", e)
		}
	}
}
