// Package types holds the value types shared across the execution core:
// trade decisions entering the executor, position snapshots consumed by the
// risk policy, and the persisted trade envelope and close records.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueKind tags which exchange a decision or order targets. The tag is
// resolved once at the executor boundary; downstream code switches on it
// exhaustively instead of probing payload fields.
type VenueKind string

const (
	VenuePolymarket  VenueKind = "polymarket"
	VenueHyperliquid VenueKind = "hyperliquid"
)

// Action is the planner's instruction. Hold never reaches a signing path.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideForAction maps a buy/sell action to the position side it opens.
func SideForAction(a Action) Side {
	if a == ActionSell {
		return SideShort
	}
	return SideLong
}

// TradeDecision is the external input produced by the planning layer.
// Exactly one of AmountUSD or Size must be positive for non-hold actions.
type TradeDecision struct {
	Venue      VenueKind       `json:"venue"`
	Action     Action          `json:"action"`
	Symbol     string          `json:"symbol"`
	Outcome    string          `json:"outcome,omitempty"`
	TokenID    string          `json:"token_id,omitempty"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	Size       decimal.Decimal `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Leverage   decimal.Decimal `json:"leverage"`
	ReduceOnly bool            `json:"reduce_only"`

	// Cloid is the client order id used for fill reconciliation. The
	// executor assigns one when the planner leaves it empty.
	Cloid string `json:"cloid,omitempty"`

	// Trade-management proposal for the envelope opened on a confirmed
	// entry. The lifecycle manager clamps every value into configured
	// bounds; zero means "use the bound minimum".
	StopLossPct           decimal.Decimal  `json:"stop_loss_pct,omitempty"`
	TakeProfitPct         decimal.Decimal  `json:"take_profit_pct,omitempty"`
	MaxHoldSeconds        int64            `json:"max_hold_seconds,omitempty"`
	TrailingStopPct       *decimal.Decimal `json:"trailing_stop_pct,omitempty"`
	TrailingActivationPct decimal.Decimal  `json:"trailing_activation_pct,omitempty"`
}

// ExecutionResult is the executor's answer to one decision. Executed is true
// only when the venue acknowledged acceptance.
type ExecutionResult struct {
	Executed bool   `json:"executed"`
	Message  string `json:"message"`
	OrderID  string `json:"order_id,omitempty"`
	TradeID  string `json:"trade_id,omitempty"`
}

// OrderAck is a venue's acceptance of a submitted order.
type OrderAck struct {
	OrderID  string   `json:"order_id"`
	TxHashes []string `json:"tx_hashes,omitempty"`
}

// PositionSnapshot is derived on demand from venue state and never cached
// beyond a single risk-check call.
type PositionSnapshot struct {
	Symbol           string           `json:"symbol"`
	Side             Side             `json:"side"`
	SizeAbs          decimal.Decimal  `json:"size_abs"`
	NotionalUSD      decimal.Decimal  `json:"notional_usd"`
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

// PriceTick is one normalized mark-price observation.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Fill is one venue-reported execution matched during reconciliation.
type Fill struct {
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FeeUSD        decimal.Decimal `json:"fee_usd"`
	ClosedPnLUSD  decimal.Decimal `json:"closed_pnl_usd"`
	At            time.Time       `json:"at"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// EnvelopeStatus is the lifecycle state of a TradeEnvelope.
type EnvelopeStatus string

const (
	EnvelopeOpen   EnvelopeStatus = "open"
	EnvelopeClosed EnvelopeStatus = "closed"
)

// Exit reasons recorded on close.
const (
	ExitStopLoss     = "stop_loss"
	ExitTakeProfit   = "take_profit"
	ExitTrailingStop = "trailing_stop"
	ExitMaxHold      = "max_hold"
	ExitManual       = "manual"
)

// TradeEnvelope is the long-lived record of one open position. While status
// is open exactly one envelope exists per symbol. Percentage fields are in
// percent units (8 means 8%). Optional fields are pointers so null and zero
// survive the storage round trip.
type TradeEnvelope struct {
	TradeID     string           `json:"trade_id"`
	Venue       VenueKind        `json:"venue"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	Size        decimal.Decimal  `json:"size"`
	Leverage    *decimal.Decimal `json:"leverage,omitempty"`
	NotionalUSD decimal.Decimal  `json:"notional_usd"`
	MarginUSD   *decimal.Decimal `json:"margin_usd,omitempty"`

	StopLossPct           decimal.Decimal  `json:"stop_loss_pct"`
	TakeProfitPct         decimal.Decimal  `json:"take_profit_pct"`
	MaxHoldSeconds        int64            `json:"max_hold_seconds"`
	TrailingStopPct       *decimal.Decimal `json:"trailing_stop_pct,omitempty"`
	TrailingActivationPct decimal.Decimal  `json:"trailing_activation_pct"`
	MaxLossUSD            *decimal.Decimal `json:"max_loss_usd,omitempty"`

	// Proposed* retain the planner's original values when clamping changed
	// them; audit only, never used by exit math.
	ProposedStopLossPct     *decimal.Decimal `json:"proposed_stop_loss_pct,omitempty"`
	ProposedTakeProfitPct   *decimal.Decimal `json:"proposed_take_profit_pct,omitempty"`
	ProposedMaxHoldSeconds  *int64           `json:"proposed_max_hold_seconds,omitempty"`
	ProposedTrailingStopPct *decimal.Decimal `json:"proposed_trailing_stop_pct,omitempty"`
	ProposedActivationPct   *decimal.Decimal `json:"proposed_activation_pct,omitempty"`

	HighWaterPrice      *decimal.Decimal `json:"high_water_price,omitempty"`
	LowWaterPrice       *decimal.Decimal `json:"low_water_price,omitempty"`
	TrailingActivated   bool             `json:"trailing_activated"`
	FundingSinceOpenUSD *decimal.Decimal `json:"funding_since_open_usd,omitempty"`

	ClosePending       bool       `json:"close_pending"`
	ClosePendingReason string     `json:"close_pending_reason,omitempty"`
	ClosePendingAt     *time.Time `json:"close_pending_at,omitempty"`

	EntryCloid   string           `json:"entry_cloid,omitempty"`
	EntryFeesUSD *decimal.Decimal `json:"entry_fees_usd,omitempty"`
	TPOrderID    string           `json:"tp_order_id,omitempty"`
	SLOrderID    string           `json:"sl_order_id,omitempty"`
	TPOrderError string           `json:"tp_order_error,omitempty"`
	SLOrderError string           `json:"sl_order_error,omitempty"`

	Status    EnvelopeStatus `json:"status"`
	EnteredAt time.Time      `json:"entered_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// TradeCloseRecord is written exactly once per envelope closure.
type TradeCloseRecord struct {
	TradeID             string          `json:"trade_id"`
	ExitPrice           decimal.Decimal `json:"exit_price"`
	ExitReason          string          `json:"exit_reason"`
	PnLUSD              decimal.Decimal `json:"pnl_usd"`
	PnLPct              decimal.Decimal `json:"pnl_pct"`
	HoldDurationSeconds int64           `json:"hold_duration_seconds"`
	FundingPaidUSD      decimal.Decimal `json:"funding_paid_usd"`
	FeesUSD             decimal.Decimal `json:"fees_usd"`
	ClosedAt            time.Time       `json:"closed_at"`
}

// AuditStatus is the state of one audited operation.
type AuditStatus string

const (
	AuditPending   AuditStatus = "pending"
	AuditConfirmed AuditStatus = "confirmed"
	AuditRejected  AuditStatus = "rejected"
	AuditFailed    AuditStatus = "failed"
)

// AuditEntry is one append-only row of the compliance trail; one row per
// state transition of a single operation.
type AuditEntry struct {
	At        time.Time         `json:"at"`
	Operation string            `json:"operation"`
	ToAddress string            `json:"to_address,omitempty"`
	AmountUSD decimal.Decimal   `json:"amount_usd"`
	Status    AuditStatus       `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
