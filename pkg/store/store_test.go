package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func sampleEnvelope(tradeID, symbol string) *types.TradeEnvelope {
	lev := decimal.NewFromInt(3)
	margin := decimal.RequireFromString("333.33")
	return &types.TradeEnvelope{
		TradeID:               tradeID,
		Venue:                 types.VenueHyperliquid,
		Symbol:                symbol,
		Side:                  types.SideLong,
		EntryPrice:            decimal.NewFromInt(100),
		Size:                  decimal.NewFromInt(10),
		Leverage:              &lev,
		NotionalUSD:           decimal.NewFromInt(1000),
		MarginUSD:             &margin,
		StopLossPct:           decimal.NewFromInt(5),
		TakeProfitPct:         decimal.NewFromInt(10),
		MaxHoldSeconds:        3600,
		TrailingActivationPct: decimal.NewFromInt(1),
		Status:                types.EnvelopeOpen,
		EnteredAt:             time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:             time.Date(2026, 2, 1, 13, 0, 0, 0, time.UTC),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s := openStore(t)

	env := sampleEnvelope("t1", "ETH")
	// TrailingStopPct deliberately nil: null and zero must stay distinct
	// across the round trip.
	if err := s.SaveEnvelope(env); err != nil {
		t.Fatalf("SaveEnvelope failed: %v", err)
	}

	got, err := s.GetEnvelope("t1")
	if err != nil || got == nil {
		t.Fatalf("GetEnvelope failed: %v", err)
	}
	if got.TrailingStopPct != nil {
		t.Errorf("nil TrailingStopPct must round-trip as nil, got %s", got.TrailingStopPct)
	}
	if got.Leverage == nil || !got.Leverage.Equal(decimal.NewFromInt(3)) {
		t.Errorf("leverage did not round-trip: %v", got.Leverage)
	}
	if got.MarginUSD == nil || !got.MarginUSD.Equal(decimal.RequireFromString("333.33")) {
		t.Errorf("margin did not round-trip: %v", got.MarginUSD)
	}
	if !got.EnteredAt.Equal(env.EnteredAt) || !got.ExpiresAt.Equal(env.ExpiresAt) {
		t.Errorf("timestamps did not round-trip")
	}

	// Zero (non-nil) trailing stop stays zero, not null.
	zero := decimal.Zero
	env2 := sampleEnvelope("t2", "BTC")
	env2.TrailingStopPct = &zero
	if err := s.SaveEnvelope(env2); err != nil {
		t.Fatalf("SaveEnvelope failed: %v", err)
	}
	got2, _ := s.GetEnvelope("t2")
	if got2.TrailingStopPct == nil || !got2.TrailingStopPct.IsZero() {
		t.Errorf("zero TrailingStopPct must round-trip as zero, got %v", got2.TrailingStopPct)
	}
}

func TestOpenSymbolUniqueness(t *testing.T) {
	s := openStore(t)
	if err := s.SaveEnvelope(sampleEnvelope("t1", "ETH")); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if err := s.SaveEnvelope(sampleEnvelope("t2", "ETH")); err == nil {
		t.Fatal("second open envelope for the same symbol must be rejected")
	}

	// Closing the first frees the symbol.
	env, _ := s.GetEnvelope("t1")
	env.Status = types.EnvelopeClosed
	if err := s.UpdateEnvelope(env); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := s.SaveEnvelope(sampleEnvelope("t3", "ETH")); err != nil {
		t.Fatalf("save after close failed: %v", err)
	}

	open, err := s.ListOpen()
	if err != nil || len(open) != 1 || open[0].TradeID != "t3" {
		t.Fatalf("unexpected open list: %v %v", open, err)
	}
	bySym, _ := s.OpenBySymbol("ETH")
	if bySym == nil || bySym.TradeID != "t3" {
		t.Fatalf("OpenBySymbol returned %v", bySym)
	}
}

func TestInsertCloseOnce(t *testing.T) {
	s := openStore(t)
	rec := types.TradeCloseRecord{
		TradeID:   "t1",
		ExitPrice: decimal.NewFromInt(95),
		ExitReason: types.ExitStopLoss,
		PnLUSD:    decimal.NewFromInt(-50),
		ClosedAt:  time.Now().UTC(),
	}
	ins, err := s.InsertClose(rec)
	if err != nil || !ins {
		t.Fatalf("first insert failed: %v %v", ins, err)
	}
	rec.ExitPrice = decimal.NewFromInt(90)
	ins, err = s.InsertClose(rec)
	if err != nil || ins {
		t.Fatalf("second insert must be a no-op, got inserted=%v err=%v", ins, err)
	}
	recs, err := s.ListRecentCloses(10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected exactly one close record, got %d", len(recs))
	}
	if !recs[0].ExitPrice.Equal(decimal.NewFromInt(95)) {
		t.Errorf("first record must win, got exit price %s", recs[0].ExitPrice)
	}
}

func TestLedgerDayRoundTrip(t *testing.T) {
	s := openStore(t)
	if _, ok, err := s.LoadLedgerDay(); err != nil || ok {
		t.Fatalf("expected empty day, got ok=%v err=%v", ok, err)
	}
	day := ledger.Day{WindowStartISO: "2026-02-01T00:00:00Z", DailySpentUSD: "123.45"}
	if err := s.SaveLedgerDay(day); err != nil {
		t.Fatalf("SaveLedgerDay failed: %v", err)
	}
	got, ok, err := s.LoadLedgerDay()
	if err != nil || !ok || got != day {
		t.Fatalf("round trip mismatch: %v %v %v", got, ok, err)
	}
}

func TestAppendAudit(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 3; i++ {
		err := s.AppendAudit(types.AuditEntry{
			At:        time.Now().UTC(),
			Operation: "order_submit",
			AmountUSD: decimal.NewFromInt(int64(i)),
			Status:    types.AuditPending,
		})
		if err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	entries, err := s.ListAudit()
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("%d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if !e.AmountUSD.Equal(decimal.NewFromInt(int64(i))) {
			t.Fatalf("entry %d out of append order: %+v", i, e)
		}
	}
}

func TestListAuditEmptyLog(t *testing.T) {
	s := openStore(t)
	entries, err := s.ListAudit()
	if err != nil || entries != nil {
		t.Fatalf("empty log: entries=%v err=%v", entries, err)
	}
}
