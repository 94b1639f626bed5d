// Package hyperliquid submits perpetual-futures orders: immediate-or-cancel
// entries, grouped reduce-only trigger orders for stop-loss/take-profit,
// leverage updates, and the info queries reconciliation needs.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/auth"
	"github.com/tradewire/riskcore/pkg/cache"
	"github.com/tradewire/riskcore/pkg/execerrors"
	"github.com/tradewire/riskcore/pkg/transport"
	"github.com/tradewire/riskcore/pkg/types"
)

// Client is the Hyperliquid signing and submission client.
type Client struct {
	http   *transport.Client
	signer auth.Signer
	meta   *cache.Cache[metaResponse]
	now    func() time.Time
}

// NewClient wraps a transport client pointed at the venue API root.
func NewClient(httpClient *transport.Client, signer auth.Signer) *Client {
	return &Client{
		http:   httpClient,
		signer: signer,
		meta:   cache.New[metaResponse](10 * time.Minute),
		now:    time.Now,
	}
}

// PreparedOrder is an unsigned perps order plus the facts the executor
// checks before signing.
type PreparedOrder struct {
	Symbol           string
	IsBuy            bool
	Size             decimal.Decimal
	LimitPx          decimal.Decimal
	ReduceOnly       bool
	Cloid            string
	NotionalUSD      decimal.Decimal
	VenueMaxLeverage decimal.Decimal

	asset int
}

// assetIndex resolves a coin to its universe index and metadata: session
// cache first, then the authoritative meta fetch.
func (c *Client) assetIndex(ctx context.Context, coin string) (int, assetMeta, error) {
	meta, ok := c.meta.Get("universe")
	if !ok {
		if err := c.http.Post(ctx, "/info", infoRequest{Type: "meta"}, &meta); err != nil {
			return 0, assetMeta{}, fmt.Errorf("fetch universe: %w", err)
		}
		c.meta.Set("universe", meta)
	}
	for i, a := range meta.Universe {
		if strings.EqualFold(a.Name, coin) {
			return i, a, nil
		}
	}
	return 0, assetMeta{}, fmt.Errorf("unknown instrument %q", coin)
}

// PrepareOrder converts a decision into an unsigned IOC order in native
// size. AmountUSD is converted at the decision price when Size is absent.
func (c *Client) PrepareOrder(ctx context.Context, d types.TradeDecision) (*PreparedOrder, error) {
	if d.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price must be positive")
	}
	idx, meta, err := c.assetIndex(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}

	size := d.Size
	if size.LessThanOrEqual(decimal.Zero) {
		if d.AmountUSD.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("size or amount_usd must be positive")
		}
		size = d.AmountUSD.Div(d.Price)
	}
	size = size.Truncate(meta.SzDecimals)
	if size.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("size rounds to zero at %d decimals", meta.SzDecimals)
	}

	return &PreparedOrder{
		Symbol:           d.Symbol,
		IsBuy:            d.Action == types.ActionBuy,
		Size:             size,
		LimitPx:          d.Price,
		ReduceOnly:       d.ReduceOnly,
		Cloid:            d.Cloid,
		NotionalUSD:      size.Mul(d.Price),
		VenueMaxLeverage: decimal.NewFromInt(meta.MaxLeverage),
		asset:            idx,
	}, nil
}

// Submit signs and posts the prepared order.
func (c *Client) Submit(ctx context.Context, p *PreparedOrder) (types.OrderAck, error) {
	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      p.asset,
			IsBuy:      p.IsBuy,
			LimitPx:    p.LimitPx.String(),
			Size:       p.Size.String(),
			ReduceOnly: p.ReduceOnly,
			Kind:       orderKind{Limit: &limitType{Tif: "Ioc"}},
			Cloid:      p.Cloid,
		}},
		Grouping: "na",
	}
	resp, err := c.postAction(ctx, action)
	if err != nil {
		return types.OrderAck{}, err
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return types.OrderAck{}, fmt.Errorf("%w: empty status list", execerrors.ErrVenueRejected)
	}
	oid, err := statusOrderID(statuses[0])
	if err != nil {
		return types.OrderAck{}, err
	}
	return types.OrderAck{OrderID: oid}, nil
}

// ProtectionResult reports each leg of a grouped stop/take-profit placement
// independently: a failure on one leg never hides behind the other.
type ProtectionResult struct {
	TPOrderID string
	SLOrderID string
	TPErr     error
	SLErr     error
}

// PlaceProtection places take-profit and stop-loss as reduce-only trigger
// orders grouped so a fill of one cancels the intent of the other.
func (c *Client) PlaceProtection(ctx context.Context, symbol string, isBuyEntry bool, size, tpPx, slPx decimal.Decimal) (ProtectionResult, error) {
	var res ProtectionResult
	idx, _, err := c.assetIndex(ctx, symbol)
	if err != nil {
		return res, err
	}

	// Exit legs trade against the entry direction.
	exitIsBuy := !isBuyEntry
	legs := []wireOrder{
		{
			Asset: idx, IsBuy: exitIsBuy, LimitPx: tpPx.String(), Size: size.String(), ReduceOnly: true,
			Kind: orderKind{Trigger: &triggerType{IsMarket: true, TriggerPx: tpPx.String(), Tpsl: "tp"}},
		},
		{
			Asset: idx, IsBuy: exitIsBuy, LimitPx: slPx.String(), Size: size.String(), ReduceOnly: true,
			Kind: orderKind{Trigger: &triggerType{IsMarket: true, TriggerPx: slPx.String(), Tpsl: "sl"}},
		},
	}
	resp, err := c.postAction(ctx, orderAction{Type: "order", Orders: legs, Grouping: "positionTpsl"})
	if err != nil {
		return res, err
	}
	statuses := resp.Response.Data.Statuses
	if len(statuses) != 2 {
		return res, fmt.Errorf("%w: expected 2 leg statuses, got %d", execerrors.ErrVenueRejected, len(statuses))
	}
	res.TPOrderID, res.TPErr = statusOrderID(statuses[0])
	res.SLOrderID, res.SLErr = statusOrderID(statuses[1])
	return res, nil
}

// CancelOrders cancels previously placed order ids for a symbol.
func (c *Client) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	idx, _, err := c.assetIndex(ctx, symbol)
	if err != nil {
		return err
	}
	cancels := make([]wireCancel, 0, len(orderIDs))
	for _, id := range orderIDs {
		oid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid order id %q: %w", id, err)
		}
		cancels = append(cancels, wireCancel{Asset: idx, Oid: oid})
	}
	_, err = c.postAction(ctx, cancelAction{Type: "cancel", Cancels: cancels})
	return err
}

// UpdateLeverage sets cross leverage for the instrument.
func (c *Client) UpdateLeverage(ctx context.Context, symbol string, leverage int) error {
	idx, _, err := c.assetIndex(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = c.postAction(ctx, leverageAction{Type: "updateLeverage", Asset: idx, IsCross: true, Leverage: leverage})
	return err
}

// FillsByClientID queries fills inside the window and keeps those matching
// the client order id.
func (c *Client) FillsByClientID(ctx context.Context, cloid string, from, to time.Time) ([]types.Fill, error) {
	req := infoRequest{
		Type:      "userFillsByTime",
		User:      c.signer.Address().Hex(),
		StartTime: from.UnixMilli(),
		EndTime:   to.UnixMilli(),
	}
	var wires []wireFill
	if err := c.http.Post(ctx, "/info", req, &wires); err != nil {
		return nil, err
	}
	var fills []types.Fill
	for _, w := range wires {
		if !strings.EqualFold(w.Cloid, cloid) {
			continue
		}
		price, perr := decimal.NewFromString(w.Px)
		size, serr := decimal.NewFromString(w.Sz)
		if perr != nil || serr != nil {
			continue
		}
		fee, _ := decimal.NewFromString(w.Fee)
		pnl, _ := decimal.NewFromString(w.ClosedPnl)
		fills = append(fills, types.Fill{
			Price:         price,
			Size:          size,
			FeeUSD:        fee,
			ClosedPnLUSD:  pnl,
			At:            time.UnixMilli(w.Time),
			ClientOrderID: w.Cloid,
		})
	}
	return fills, nil
}

// Positions returns current position snapshots; derived on demand, never
// cached.
func (c *Client) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	state, err := c.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.PositionSnapshot
	for _, ap := range state.AssetPositions {
		pos := ap.Position
		szi, err := decimal.NewFromString(pos.Szi)
		if err != nil || szi.IsZero() {
			continue
		}
		side := types.SideLong
		if szi.IsNegative() {
			side = types.SideShort
		}
		notional, _ := decimal.NewFromString(pos.PositionValue)
		mark, _ := decimal.NewFromString(pos.MarkPx)
		snap := types.PositionSnapshot{
			Symbol:      pos.Coin,
			Side:        side,
			SizeAbs:     szi.Abs(),
			NotionalUSD: notional,
			MarkPrice:   mark,
		}
		if pos.LiquidationPx != nil {
			if liq, err := decimal.NewFromString(*pos.LiquidationPx); err == nil {
				snap.LiquidationPrice = &liq
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

// Equity returns the account value in USD.
func (c *Client) Equity(ctx context.Context) (decimal.Decimal, error) {
	state, err := c.clearinghouse(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(state.MarginSummary.AccountValue)
}

func (c *Client) clearinghouse(ctx context.Context) (clearinghouseState, error) {
	var state clearinghouseState
	req := infoRequest{Type: "clearinghouseState", User: c.signer.Address().Hex()}
	if err := c.http.Post(ctx, "/info", req, &state); err != nil {
		return state, err
	}
	return state, nil
}

func (c *Client) postAction(ctx context.Context, action any) (exchangeResponse, error) {
	var resp exchangeResponse
	raw, err := json.Marshal(action)
	if err != nil {
		return resp, fmt.Errorf("encode action: %w", err)
	}
	nonce := c.now().UnixMilli()
	sig, err := signAction(c.signer, raw, nonce)
	if err != nil {
		return resp, err
	}
	req := exchangeRequest{Action: raw, Nonce: nonce, Signature: sig}
	if err := c.http.Post(ctx, "/exchange", req, &resp); err != nil {
		return resp, err
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("%w: %s", execerrors.ErrVenueRejected, resp.Status)
	}
	return resp, nil
}

func statusOrderID(s orderStatus) (string, error) {
	switch {
	case s.Error != "":
		return "", fmt.Errorf("%w: %s", execerrors.ErrVenueRejected, s.Error)
	case s.Filled != nil:
		return strconv.FormatInt(s.Filled.Oid, 10), nil
	case s.Resting != nil:
		return strconv.FormatInt(s.Resting.Oid, 10), nil
	default:
		return "", fmt.Errorf("%w: order neither resting nor filled", execerrors.ErrVenueRejected)
	}
}
