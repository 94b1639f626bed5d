// Package polymarket builds, signs, and submits prediction-market CLOB
// orders. It owns the venue's two auth layers: typed-data identity proof to
// derive API credentials once per session, and keyed-hash request signatures
// on every trading call.
package polymarket

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/auth"
	"github.com/tradewire/riskcore/pkg/cache"
	"github.com/tradewire/riskcore/pkg/execerrors"
	"github.com/tradewire/riskcore/pkg/transport"
	"github.com/tradewire/riskcore/pkg/types"
)

const (
	usdcDecimals = int32(6)
	lotSizeScale = int32(2)
)

// Exchange contracts per chain. The standard exchange settles regular
// markets; multi-outcome "negative risk" markets settle on a separate one.
var (
	ctfExchange     = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	negRiskExchange = common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a")
)

// Client is the Polymarket signing and submission client.
type Client struct {
	http   *transport.Client
	signer auth.Signer
	apiKey *auth.APIKey

	markets *cache.Cache[*Market]
	// fillTokens maps client order ids to their outcome token so the fill
	// query can filter by instrument, not just cloid.
	fillTokens *cache.Cache[string]
}

// NewClient wraps a transport client. The API key may be nil until derived.
func NewClient(httpClient *transport.Client, signer auth.Signer, apiKey *auth.APIKey) *Client {
	c := &Client{
		http:       httpClient,
		signer:     signer,
		apiKey:     apiKey,
		markets:    cache.New[*Market](10 * time.Minute),
		fillTokens: cache.New[string](24 * time.Hour),
	}
	if apiKey != nil {
		httpClient.SetHeaderFunc(c.authHeaders)
	}
	return c
}

// DeriveAPIKey mints or retrieves the session API credential using the
// typed-data identity proof.
func (c *Client) DeriveAPIKey(ctx context.Context) (*auth.APIKey, error) {
	ts := time.Now().UTC()
	nonce := big.NewInt(0)
	sig, err := signAuthProof(c.signer, ts, nonce)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("POLY_ADDRESS", c.signer.Address().Hex())
	headers.Set("POLY_SIGNATURE", sig)
	headers.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", ts.Unix()))
	headers.Set("POLY_NONCE", nonce.String())

	c.http.SetHeaderFunc(func(string, string, []byte) (http.Header, error) { return headers, nil })
	var key auth.APIKey
	err = c.http.Post(ctx, "/auth/api-key", nil, &key)
	if err != nil {
		// Key may already exist for this nonce; derive instead of create.
		if derr := c.http.Get(ctx, "/auth/derive-api-key", nil, &key); derr != nil {
			c.http.SetHeaderFunc(nil)
			return nil, fmt.Errorf("derive api key: %w", err)
		}
	}
	c.apiKey = &key
	c.http.SetHeaderFunc(c.authHeaders)
	return &key, nil
}

// authHeaders builds the request-authentication headers: an HMAC over
// timestamp + method + path + body with the decoded API secret.
func (c *Client) authHeaders(method, path string, body []byte) (http.Header, error) {
	if c.apiKey == nil {
		return nil, fmt.Errorf("%w: api key not derived", execerrors.ErrSigningFailed)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig, err := c.apiKey.SignRequest(ts, method, path, body)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("POLY_ADDRESS", c.signer.Address().Hex())
	h.Set("POLY_SIGNATURE", sig)
	h.Set("POLY_TIMESTAMP", ts)
	h.Set("POLY_API_KEY", c.apiKey.Key)
	h.Set("POLY_PASSPHRASE", c.apiKey.Passphrase)
	return h, nil
}

// ResolveMarket returns market metadata by condition id or slug: session
// cache first, then the authoritative remote fetch. The remote answer is the
// only source trusted when local data is absent.
func (c *Client) ResolveMarket(ctx context.Context, id string) (*Market, error) {
	if m, ok := c.markets.Get(id); ok {
		return m, nil
	}
	var m Market
	if err := c.http.Get(ctx, "/markets/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, fmt.Errorf("resolve market %s: %w", id, err)
	}
	c.markets.Set(id, &m)
	if m.ConditionID != "" && m.ConditionID != id {
		c.markets.Set(m.ConditionID, &m)
	}
	return &m, nil
}

// ExchangeAddress selects the settlement contract for a market.
func ExchangeAddress(m *Market) common.Address {
	if m.NegRisk {
		return negRiskExchange
	}
	return ctfExchange
}

// PrepareOrder converts a decision into an unsigned FAK order: resolves the
// token id (decision-provided id preferred, else market metadata), converts
// the USD amount into shares at the given price, and scales both legs to the
// collateral's fixed decimals. Nothing is signed here.
func (c *Client) PrepareOrder(ctx context.Context, d types.TradeDecision) (*PreparedOrder, error) {
	side := "BUY"
	if d.Action == types.ActionSell {
		side = "SELL"
	}
	if d.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price must be positive")
	}
	if d.AmountUSD.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount_usd must be positive")
	}

	market, err := c.ResolveMarket(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}

	tokenID := d.TokenID
	if tokenID == "" {
		id, ok := market.TokenFor(d.Outcome)
		if !ok {
			return nil, fmt.Errorf("market %s has no outcome %q", d.Symbol, d.Outcome)
		}
		tokenID = id
	}
	tokenInt, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token_id format")
	}

	tick, err := decimal.NewFromString(market.TickSize)
	if err != nil || tick.LessThanOrEqual(decimal.Zero) {
		tick = decimal.RequireFromString("0.01")
	}
	one := decimal.NewFromInt(1)
	price := d.Price.Truncate(decimalPlaces(tick))
	if price.LessThan(tick) || price.GreaterThan(one.Sub(tick)) {
		return nil, fmt.Errorf("price %s out of bounds for tick size %s", price, tick)
	}

	// Shares = amount / price; two decimal places is the venue lot size.
	shares := d.AmountUSD.Div(price).Truncate(lotSizeScale)
	if shares.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount %s too small at price %s", d.AmountUSD, price)
	}

	var makerAmount, takerAmount decimal.Decimal
	if side == "BUY" {
		makerAmount = shares.Mul(price)
		takerAmount = shares
	} else {
		makerAmount = shares
		takerAmount = shares.Mul(price)
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	if d.Cloid != "" {
		c.fillTokens.Set(d.Cloid, tokenID)
	}

	maker := c.signer.Address()
	order := &Order{
		Salt:          salt.String(),
		Maker:         maker.Hex(),
		Signer:        maker.Hex(),
		Taker:         zeroAddress.Hex(),
		TokenID:       tokenID,
		MakerAmount:   toFixed(makerAmount),
		TakerAmount:   toFixed(takerAmount),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: 0,
	}

	return &PreparedOrder{
		Order:       order,
		OrderType:   "FAK",
		Exchange:    ExchangeAddress(market),
		TokenID:     tokenID,
		Price:       price,
		Shares:      shares,
		NotionalUSD: d.AmountUSD,
		Cloid:       d.Cloid,
		salt:        salt,
		tokenID:     tokenInt,
	}, nil
}

// Submit signs the prepared order and posts it, mapping the venue response
// into an acknowledgement or a typed error.
func (c *Client) Submit(ctx context.Context, p *PreparedOrder) (types.OrderAck, error) {
	if err := signOrder(c.signer, p); err != nil {
		return types.OrderAck{}, err
	}
	owner := ""
	if c.apiKey != nil {
		owner = c.apiKey.Key
	}
	req := orderRequest{Order: p.Order, Owner: owner, OrderType: p.OrderType, Cloid: p.Cloid}
	var resp orderResponse
	if err := c.http.Post(ctx, "/order", req, &resp); err != nil {
		return types.OrderAck{}, err
	}
	if !resp.Success {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = resp.Status
		}
		return types.OrderAck{}, fmt.Errorf("%w: %s", execerrors.ErrVenueRejected, msg)
	}
	return types.OrderAck{OrderID: resp.OrderID, TxHashes: resp.TxHashes}, nil
}

// FillsByClientID queries the venue trade history for fills matching the
// client order id inside the window, narrowed to the order's outcome token
// when the session prepared it.
func (c *Client) FillsByClientID(ctx context.Context, cloid string, from, to time.Time) ([]types.Fill, error) {
	q := url.Values{}
	q.Set("after", fmt.Sprintf("%d", from.Unix()))
	q.Set("before", fmt.Sprintf("%d", to.Unix()))
	token, haveToken := c.fillTokens.Get(cloid)
	if haveToken {
		q.Set("asset_id", token)
	}
	var records []tradeRecord
	if err := c.http.Get(ctx, "/data/trades", q, &records); err != nil {
		return nil, err
	}
	var fills []types.Fill
	for _, r := range records {
		if !strings.EqualFold(r.Cloid, cloid) {
			continue
		}
		if haveToken && r.AssetID != "" && r.AssetID != token {
			continue
		}
		price, perr := decimal.NewFromString(r.Price)
		size, serr := decimal.NewFromString(r.Size)
		if perr != nil || serr != nil {
			continue
		}
		at, _ := time.Parse(time.RFC3339, r.MatchTime)
		fills = append(fills, types.Fill{Price: price, Size: size, At: at, ClientOrderID: r.Cloid})
	}
	return fills, nil
}

func decimalPlaces(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// toFixed scales a decimal amount to the collateral's integer fixed-point
// representation (10^6).
func toFixed(d decimal.Decimal) string {
	return d.Truncate(usdcDecimals).Shift(usdcDecimals).Truncate(0).String()
}

// generateSalt draws a random salt bounded to 2^53-1 so JSON consumers that
// parse numbers as floats cannot corrupt it.
func generateSalt() (*big.Int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	raw := binary.BigEndian.Uint64(buf[:])
	raw &= (1 << 53) - 1
	return new(big.Int).SetUint64(raw), nil
}
