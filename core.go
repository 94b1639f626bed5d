// Package riskcore aggregates the execution and risk control components
// behind one configuration: the spending ledger, the risk policy, the venue
// clients, the trade lifecycle manager, and the price feed.
package riskcore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/tradewire/riskcore/pkg/auth"
	"github.com/tradewire/riskcore/pkg/config"
	"github.com/tradewire/riskcore/pkg/executor"
	"github.com/tradewire/riskcore/pkg/feed"
	"github.com/tradewire/riskcore/pkg/ledger"
	"github.com/tradewire/riskcore/pkg/lifecycle"
	"github.com/tradewire/riskcore/pkg/store"
	"github.com/tradewire/riskcore/pkg/transport"
	"github.com/tradewire/riskcore/pkg/types"
	"github.com/tradewire/riskcore/pkg/venue/hyperliquid"
	"github.com/tradewire/riskcore/pkg/venue/polymarket"
)

const polygonChainID = 137

// Core is the assembled execution core.
type Core struct {
	Config config.Config

	Store     *store.Store
	Ledger    *ledger.Ledger
	Clob      *polymarket.Client
	Perps     *hyperliquid.Client
	Executor  *executor.Executor
	Lifecycle *lifecycle.Manager
	Feed      *feed.Feed

	InitErrors []error
}

// InitError records a non-fatal initialization failure for one component.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Option overrides a component before wiring.
type Option func(*Core)

// WithFeed substitutes the price feed.
func WithFeed(f *feed.Feed) Option {
	return func(c *Core) { c.Feed = f }
}

// WithClob substitutes the prediction-market client.
func WithClob(cl *polymarket.Client) Option {
	return func(c *Core) { c.Clob = cl }
}

// WithPerps substitutes the futures client.
func WithPerps(p *hyperliquid.Client) Option {
	return func(c *Core) { c.Perps = p }
}

// New validates the configuration and wires the core. Hard failures (state
// dir, ledger, signer in live mode) return an error; a feed that cannot start
// is recorded in InitErrors so a submission-only deployment still comes up.
func New(cfg config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Core{Config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	c.Store = st

	l, err := ledger.New(cfg.Ledger, st)
	if err != nil {
		return nil, err
	}
	c.Ledger = l

	var signer auth.Signer
	if cfg.PrivateKey != "" {
		signer, err = auth.NewPrivateKeySigner(cfg.PrivateKey, polygonChainID)
		if err != nil {
			return nil, err
		}
	} else {
		// Paper mode without a key still exercises the full prepare and
		// sign paths; an ephemeral key keeps the venue clients total.
		key, kerr := crypto.GenerateKey()
		if kerr != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", kerr)
		}
		signer, err = auth.NewPrivateKeySigner(hex.EncodeToString(crypto.FromECDSA(key)), polygonChainID)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	if c.Clob == nil {
		c.Clob = polymarket.NewClient(transport.NewClient(httpClient, cfg.ClobBaseURL), signer, nil)
	}
	if c.Perps == nil {
		c.Perps = hyperliquid.NewClient(transport.NewClient(httpClient, cfg.PerpsBaseURL), signer)
	}

	var protector lifecycle.Protector
	var exits lifecycle.ExitSubmitter
	var fills lifecycle.FillSource
	if !cfg.Paper {
		protector = perpsProtector{c.Perps}
		exits = perpsExits{c.Perps}
		fills = c.Perps
	}
	c.Lifecycle = lifecycle.NewManager(st, protector, exits, fills, cfg.Bounds)

	c.Executor = executor.New(l, c.Clob, c.Perps, cfg.Limits, st, c.Lifecycle, cfg.Paper)

	// Replay the audit log so reservations parked before a restart keep
	// counting against the budget until reconciliation settles them.
	if entries, err := st.ListAudit(); err != nil {
		c.InitErrors = append(c.InitErrors, &InitError{Component: "audit replay", Err: err})
	} else if n := c.Executor.RestorePending(entries); n > 0 {
		log.Printf("[core] restored %d parked reservations from the audit log", n)
	}

	if c.Feed == nil {
		f, err := feed.New(cfg.FeedURL, cfg.Symbols, feed.DefaultConfig())
		if err != nil {
			c.InitErrors = append(c.InitErrors, &InitError{Component: "feed", Err: err})
		} else {
			c.Feed = f
		}
	}
	return c, nil
}

// Run drives the engine: price ticks feed the lifecycle manager, and the
// periodic tick expires overdue envelopes and settles parked reservations.
// Blocks until the context is canceled.
func (c *Core) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Config.TickInterval)
	defer ticker.Stop()

	var ticks <-chan types.PriceTick
	if c.Feed != nil {
		ticks = c.Feed.Ticks()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				log.Printf("[core] price feed closed")
				continue
			}
			if err := c.Lifecycle.OnPrice(ctx, tick); err != nil {
				log.Printf("[core] tick %s: %v", tick.Symbol, err)
			}
		case <-ticker.C:
			if err := c.Lifecycle.ExpireDue(ctx, c.markOf); err != nil {
				log.Printf("[core] expiry sweep: %v", err)
			}
			if err := c.Executor.ResolvePending(ctx, c.Config.ReconcileGrace); err != nil {
				log.Printf("[core] reconcile sweep: %v", err)
			}
		}
	}
}

// Close releases long-lived resources.
func (c *Core) Close() error {
	if c.Feed != nil {
		return c.Feed.Close()
	}
	return nil
}

func (c *Core) markOf(symbol string) (decimal.Decimal, bool) {
	if c.Feed == nil {
		return decimal.Decimal{}, false
	}
	return c.Feed.Mark(symbol)
}

// perpsProtector adapts the futures client to the lifecycle protection
// surface.
type perpsProtector struct{ c *hyperliquid.Client }

func (p perpsProtector) PlaceProtection(ctx context.Context, symbol string, isBuyEntry bool, size, tpPx, slPx decimal.Decimal) (lifecycle.ProtectionAck, error) {
	res, err := p.c.PlaceProtection(ctx, symbol, isBuyEntry, size, tpPx, slPx)
	return lifecycle.ProtectionAck{
		TPOrderID: res.TPOrderID,
		SLOrderID: res.SLOrderID,
		TPErr:     res.TPErr,
		SLErr:     res.SLErr,
	}, err
}

func (p perpsProtector) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	return p.c.CancelOrders(ctx, symbol, orderIDs)
}

// perpsExits submits the reduce-only flattening order for an envelope.
type perpsExits struct{ c *hyperliquid.Client }

func (p perpsExits) SubmitExit(ctx context.Context, env *types.TradeEnvelope, price decimal.Decimal, cloid string) (types.OrderAck, error) {
	if env.Venue != types.VenueHyperliquid {
		return types.OrderAck{}, errors.New("exit submission only supported for the futures venue")
	}
	// Cross the book: pad the limit past the mark so the IOC fills.
	pad := decimal.RequireFromString("0.995")
	action := types.ActionSell
	if env.Side == types.SideShort {
		action = types.ActionBuy
		pad = decimal.RequireFromString("1.005")
	}
	price = price.Mul(pad)
	prep, err := p.c.PrepareOrder(ctx, types.TradeDecision{
		Venue:      env.Venue,
		Action:     action,
		Symbol:     env.Symbol,
		Size:       env.Size,
		Price:      price,
		ReduceOnly: true,
		Cloid:      cloid,
	})
	if err != nil {
		return types.OrderAck{}, err
	}
	return p.c.Submit(ctx, prep)
}
