package polymarket

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is one outcome token of a market.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// Market is the venue metadata the signing client needs: outcome token ids,
// tick size, and whether the market settles on the negative-risk exchange.
type Market struct {
	ConditionID string  `json:"condition_id"`
	Slug        string  `json:"market_slug"`
	Tokens      []Token `json:"tokens"`
	TickSize    string  `json:"minimum_tick_size"`
	NegRisk     bool    `json:"neg_risk"`
	Active      bool    `json:"active"`
}

// TokenFor returns the token id for an outcome label, case-sensitively first
// and falling back to the first token when outcome is empty.
func (m *Market) TokenFor(outcome string) (string, bool) {
	if outcome == "" && len(m.Tokens) > 0 {
		return m.Tokens[0].TokenID, true
	}
	for _, t := range m.Tokens {
		if t.Outcome == outcome {
			return t.TokenID, true
		}
	}
	return "", false
}

// Order is the wire structure signed and submitted to the CLOB. Amounts are
// fixed-point integers scaled by 10^6 (collateral decimals).
type Order struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// PreparedOrder is an unsigned order plus the routing facts the executor
// checks before any signing happens.
type PreparedOrder struct {
	Order       *Order
	OrderType   string // FAK for market-style entries
	Exchange    common.Address
	TokenID     string
	Price       decimal.Decimal
	Shares      decimal.Decimal
	NotionalUSD decimal.Decimal
	Cloid       string

	salt    *big.Int
	tokenID *big.Int
}

type orderRequest struct {
	Order     *Order `json:"order"`
	Owner     string `json:"owner"`
	OrderType string `json:"orderType"`
	Cloid     string `json:"clientOrderId,omitempty"`
}

type orderResponse struct {
	Success  bool     `json:"success"`
	ErrorMsg string   `json:"errorMsg"`
	OrderID  string   `json:"orderID"`
	TxHashes []string `json:"transactionsHashes"`
	Status   string   `json:"status"`
}

type tradeRecord struct {
	Price      string `json:"price"`
	Size       string `json:"size"`
	AssetID    string `json:"asset_id"`
	FeeRateBps string `json:"fee_rate_bps"`
	MatchTime  string `json:"match_time"`
	Cloid      string `json:"client_order_id"`
}
