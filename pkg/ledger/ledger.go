// Package ledger tracks the rolling daily spending budget with a strict
// reserve → confirm/release protocol. It is the one piece of the core that
// requires mutual exclusion: the cap check and the reservation increment are
// a single step under the lock, so two concurrent trades can never both pass
// the check before either commits.
package ledger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

// Config are the immutable budget limits.
type Config struct {
	DailyLimitUSD       decimal.Decimal
	PerTradeLimitUSD    decimal.Decimal
	ConfirmThresholdUSD decimal.Decimal // reservations at or above raise Reservation.NearCap
	Location            *time.Location  // window anchor; UTC when nil
}

// Validate rejects limits that would make the protocol vacuous.
func (c Config) Validate() error {
	if c.DailyLimitUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("daily limit must be > 0")
	}
	if c.PerTradeLimitUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("per-trade limit must be > 0")
	}
	if c.PerTradeLimitUSD.GreaterThan(c.DailyLimitUSD) {
		return fmt.Errorf("per-trade limit exceeds daily limit")
	}
	return nil
}

// Day is the persisted window snapshot.
type Day struct {
	WindowStartISO string `json:"window_start_iso"`
	DailySpentUSD  string `json:"daily_spent_usd"`
}

// DayStore persists the window snapshot across restarts. Saves are
// best-effort; the storage collaborator owns durability.
type DayStore interface {
	SaveLedgerDay(Day) error
	LoadLedgerDay() (Day, bool, error)
}

type reservationState int

const (
	resvOpen reservationState = iota
	resvParked
	resvSettled
)

// Reservation is the token returned by Reserve. Every reservation must be
// terminated by exactly one Confirm or Release; Park defers that choice
// until reconciliation resolves an unknown-outcome submission.
type Reservation struct {
	Amount decimal.Decimal
	// NearCap is a caller-visible warning: the amount is at or above the
	// configured confirmation threshold. It never blocks.
	NearCap bool

	id    uint64
	state reservationState
}

// Ledger owns the spending state. All mutation goes through Reserve, Confirm
// and Release; there is no setter.
type Ledger struct {
	mu          sync.Mutex
	cfg         Config
	dailySpent  decimal.Decimal
	reserved    decimal.Decimal
	windowStart time.Time
	nextID      uint64
	store       DayStore
	now         func() time.Time
}

// New builds a ledger, restoring today's spend from the store when the
// persisted window matches the current one.
func New(cfg Config, store DayStore) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &Ledger{cfg: cfg, store: store, now: time.Now}
	l.windowStart = windowStart(l.now(), cfg.Location)
	if store != nil {
		day, ok, err := store.LoadLedgerDay()
		if err == nil && ok {
			start, perr := time.Parse(time.RFC3339, day.WindowStartISO)
			spent, serr := decimal.NewFromString(day.DailySpentUSD)
			if perr == nil && serr == nil && start.Equal(l.windowStart) {
				l.dailySpent = spent
			}
		}
	}
	return l, nil
}

// Reserve atomically checks and claims budget for one trade.
func (l *Ledger) Reserve(amount decimal.Decimal) (*Reservation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: amount must be > 0", execerrors.ErrLimitExceeded)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	if amount.GreaterThan(l.cfg.PerTradeLimitUSD) {
		return nil, fmt.Errorf("%w: amount %s exceeds per-trade limit %s",
			execerrors.ErrLimitExceeded, amount.String(), l.cfg.PerTradeLimitUSD.String())
	}
	if l.dailySpent.Add(l.reserved).Add(amount).GreaterThan(l.cfg.DailyLimitUSD) {
		return nil, fmt.Errorf("%w: amount %s over daily limit %s (spent %s, reserved %s)",
			execerrors.ErrLimitExceeded, amount.String(), l.cfg.DailyLimitUSD.String(),
			l.dailySpent.String(), l.reserved.String())
	}

	l.reserved = l.reserved.Add(amount)
	l.nextID++
	r := &Reservation{
		Amount:  amount,
		NearCap: l.cfg.ConfirmThresholdUSD.GreaterThan(decimal.Zero) && amount.GreaterThanOrEqual(l.cfg.ConfirmThresholdUSD),
		id:      l.nextID,
	}
	return r, nil
}

// Confirm moves the reserved amount into the daily spend. Call only after
// the venue acknowledged acceptance.
func (l *Ledger) Confirm(r *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleLocked(r)
	l.rolloverLocked()
	l.dailySpent = l.dailySpent.Add(r.Amount)
	l.persistLocked()
}

// Release clears the reservation without charging it. Call on any failure
// between Reserve and Confirm.
func (l *Ledger) Release(r *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleLocked(r)
	l.rolloverLocked()
	l.persistLocked()
}

// Park marks the reservation as awaiting external resolution after an
// unknown-outcome submission. The amount stays reserved; a later Confirm or
// Release settles it.
func (l *Ledger) Park(r *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.state == resvSettled {
		panic("ledger: park of settled reservation")
	}
	r.state = resvParked
}

// Restore re-establishes a parked reservation recovered from the audit trail
// after a restart. Budget checks are skipped: the amount was claimed before
// the crash and must stay counted until reconciliation settles it.
func (l *Ledger) Restore(amount decimal.Decimal) *Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	l.reserved = l.reserved.Add(amount)
	l.nextID++
	return &Reservation{Amount: amount, id: l.nextID, state: resvParked}
}

// settleLocked transitions r to settled and returns its amount to the pool.
// Settling twice is a programmer error, not an expected failure.
func (l *Ledger) settleLocked(r *Reservation) {
	if r.state == resvSettled {
		panic("ledger: reservation settled twice")
	}
	r.state = resvSettled
	l.reserved = l.reserved.Sub(r.Amount)
	if l.reserved.IsNegative() {
		panic("ledger: reserved went negative")
	}
}

// State is the read-only introspection snapshot.
type State struct {
	DailySpentUSD    decimal.Decimal
	ReservedUSD      decimal.Decimal
	RemainingUSD     decimal.Decimal
	DailyLimitUSD    decimal.Decimal
	PerTradeLimitUSD decimal.Decimal
	WindowStart      time.Time
}

// Snapshot returns the current spending state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return State{
		DailySpentUSD:    l.dailySpent,
		ReservedUSD:      l.reserved,
		RemainingUSD:     l.cfg.DailyLimitUSD.Sub(l.dailySpent).Sub(l.reserved),
		DailyLimitUSD:    l.cfg.DailyLimitUSD,
		PerTradeLimitUSD: l.cfg.PerTradeLimitUSD,
		WindowStart:      l.windowStart,
	}
}

// rolloverLocked resets the window on the first access after midnight in the
// configured location. No background timer: checking on access avoids
// lost-wakeup failures. In-flight reservations carry across the boundary.
func (l *Ledger) rolloverLocked() {
	start := windowStart(l.now(), l.cfg.Location)
	if start.Equal(l.windowStart) {
		return
	}
	log.Printf("[ledger] window rolled %s -> %s (spent %s)",
		l.windowStart.Format(time.RFC3339), start.Format(time.RFC3339), l.dailySpent.String())
	l.windowStart = start
	l.dailySpent = decimal.Zero
	l.persistLocked()
}

func (l *Ledger) persistLocked() {
	if l.store == nil {
		return
	}
	day := Day{
		WindowStartISO: l.windowStart.Format(time.RFC3339),
		DailySpentUSD:  l.dailySpent.String(),
	}
	if err := l.store.SaveLedgerDay(day); err != nil {
		log.Printf("[ledger] persist failed: %v", err)
	}
}

func windowStart(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
