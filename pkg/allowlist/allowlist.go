// Package allowlist is the compiled-in gate every signed transaction must
// pass. The set is fixed at build time on purpose: a compromised or
// misconfigured settings file cannot widen it, so the blast radius of bad
// configuration stops here.
package allowlist

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

// HyperliquidBridge is the perps venue's deposit bridge on Arbitrum. Orders
// signed for that venue settle through it, so it is the destination the gate
// checks for every perps submission.
const HyperliquidBridge = "0x2Df1c51E09aECF9cacB7bc98cB1742757f163dF7"

// The only destinations the core will ever sign against. Labels are for
// audit messages, not lookup.
var allowed = map[common.Address]string{
	common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"): "polymarket ctf exchange",
	common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a"): "polymarket neg-risk exchange",
	common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"): "polymarket neg-risk adapter",
	common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"): "usdc.e (polygon)",
	common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"): "polygon ctf",
	common.HexToAddress(HyperliquidBridge):                            "hyperliquid bridge (arbitrum)",
	common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"): "usdc (arbitrum)",
}

// IsAllowed reports whether addr is a well-formed address in the compiled-in
// set. Comparison is case-insensitive; malformed strings are never allowed.
func IsAllowed(addr string) bool {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return false
	}
	_, ok := allowed[common.HexToAddress(addr)]
	return ok
}

// AssertAllowed returns ErrNotWhitelisted unless addr passes IsAllowed.
// Context names the operation for the audit trail.
func AssertAllowed(addr, context string) error {
	if IsAllowed(addr) {
		return nil
	}
	return fmt.Errorf("%w: %s (%s)", execerrors.ErrNotWhitelisted, addr, context)
}

// Label returns the human-readable name of an allowed address, or "" when
// the address is not in the set.
func Label(addr string) string {
	if !common.IsHexAddress(addr) {
		return ""
	}
	return allowed[common.HexToAddress(addr)]
}
