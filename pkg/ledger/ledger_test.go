package ledger

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

func testConfig() Config {
	return Config{
		DailyLimitUSD:       decimal.NewFromInt(1000),
		PerTradeLimitUSD:    decimal.NewFromInt(200),
		ConfirmThresholdUSD: decimal.NewFromInt(150),
	}
}

func mustLedger(t *testing.T, cfg Config) *Ledger {
	t.Helper()
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestReserveProtocol(t *testing.T) {
	l := mustLedger(t, testConfig())

	t.Run("ReserveConfirm", func(t *testing.T) {
		r, err := l.Reserve(decimal.NewFromInt(100))
		if err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		if r.NearCap {
			t.Errorf("100 is below the 150 threshold, NearCap should be false")
		}
		l.Confirm(r)
		s := l.Snapshot()
		if !s.DailySpentUSD.Equal(decimal.NewFromInt(100)) || !s.ReservedUSD.IsZero() {
			t.Errorf("unexpected state after confirm: spent=%s reserved=%s", s.DailySpentUSD, s.ReservedUSD)
		}
	})

	t.Run("ReserveRelease", func(t *testing.T) {
		r, err := l.Reserve(decimal.NewFromInt(50))
		if err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		l.Release(r)
		s := l.Snapshot()
		if !s.DailySpentUSD.Equal(decimal.NewFromInt(100)) || !s.ReservedUSD.IsZero() {
			t.Errorf("release must not charge: spent=%s reserved=%s", s.DailySpentUSD, s.ReservedUSD)
		}
	})

	t.Run("PerTradeCap", func(t *testing.T) {
		_, err := l.Reserve(decimal.NewFromInt(201))
		if !errors.Is(err, execerrors.ErrLimitExceeded) {
			t.Fatalf("expected ErrLimitExceeded, got %v", err)
		}
	})

	t.Run("DailyCapCountsReserved", func(t *testing.T) {
		// 100 spent; reserve 200 four times = 800 reserved, total 900.
		var rs []*Reservation
		for i := 0; i < 4; i++ {
			r, err := l.Reserve(decimal.NewFromInt(200))
			if err != nil {
				t.Fatalf("reserve %d failed: %v", i, err)
			}
			rs = append(rs, r)
		}
		if _, err := l.Reserve(decimal.NewFromInt(150)); !errors.Is(err, execerrors.ErrLimitExceeded) {
			t.Fatalf("expected daily limit rejection, got %v", err)
		}
		for _, r := range rs {
			l.Release(r)
		}
	})

	t.Run("NearCapWarning", func(t *testing.T) {
		r, err := l.Reserve(decimal.NewFromInt(150))
		if err != nil {
			t.Fatalf("reserve failed: %v", err)
		}
		if !r.NearCap {
			t.Errorf("150 hits the confirmation threshold, NearCap should be true")
		}
		l.Release(r)
	})
}

func TestDoubleSettlePanics(t *testing.T) {
	l := mustLedger(t, testConfig())
	r, err := l.Reserve(decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.Confirm(r)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double settle")
		}
	}()
	l.Release(r)
}

func TestParkKeepsReservation(t *testing.T) {
	l := mustLedger(t, testConfig())
	r, err := l.Reserve(decimal.NewFromInt(60))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.Park(r)
	if got := l.Snapshot().ReservedUSD; !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("parked amount must stay reserved, got %s", got)
	}
	l.Confirm(r)
	if got := l.Snapshot().DailySpentUSD; !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("confirm after park must charge, got %s", got)
	}
}

func TestRestoreReclaimsBudget(t *testing.T) {
	l := mustLedger(t, testConfig())
	r := l.Restore(decimal.NewFromInt(80))
	if got := l.Snapshot().ReservedUSD; !got.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("restored amount must count as reserved, got %s", got)
	}
	l.Confirm(r)
	s := l.Snapshot()
	if !s.DailySpentUSD.Equal(decimal.NewFromInt(80)) || !s.ReservedUSD.IsZero() {
		t.Fatalf("confirm after restore must charge: %+v", s)
	}
}

func TestWindowRollover(t *testing.T) {
	cfg := testConfig()
	cfg.Location = time.UTC
	l := mustLedger(t, cfg)

	clock := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	l.windowStart = windowStart(clock, time.UTC)

	r, err := l.Reserve(decimal.NewFromInt(200))
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	l.Confirm(r)

	clock = clock.Add(20 * time.Minute) // past midnight
	s := l.Snapshot()
	if !s.DailySpentUSD.IsZero() {
		t.Errorf("spend must reset after rollover, got %s", s.DailySpentUSD)
	}
	if !s.WindowStart.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected window start %s", s.WindowStart)
	}
}

// TestInvariantUnderConcurrency hammers the ledger with racing reserve/
// confirm/release sequences and checks dailySpent + reserved <= dailyLimit
// at every observation point.
func TestInvariantUnderConcurrency(t *testing.T) {
	l := mustLedger(t, testConfig())
	limit := testConfig().DailyLimitUSD

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				amount := decimal.NewFromInt(rng.Int63n(200) + 1)
				r, err := l.Reserve(amount)
				if err != nil {
					continue
				}
				if rng.Intn(2) == 0 {
					l.Confirm(r)
				} else {
					l.Release(r)
				}
			}
		}(int64(g + 1))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	for {
		s := l.Snapshot()
		if s.DailySpentUSD.Add(s.ReservedUSD).GreaterThan(limit) {
			t.Errorf("invariant violated: spent %s + reserved %s > limit %s",
				s.DailySpentUSD, s.ReservedUSD, limit)
			return
		}
		select {
		case <-done:
			final := l.Snapshot()
			if !final.ReservedUSD.IsZero() {
				t.Errorf("leaked reservations: %s still reserved", final.ReservedUSD)
			}
			return
		default:
		}
	}
}
