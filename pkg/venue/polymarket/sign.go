package polymarket

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/tradewire/riskcore/pkg/auth"
)

const (
	exchangeDomainName    = "Polymarket CTF Exchange"
	exchangeDomainVersion = "1"
	authDomainName        = "ClobAuthDomain"
	authDomainVersion     = "1"
	authMessage           = "This message attests that I control the given wallet"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// signOrder signs the prepared order against the resolved exchange contract
// and fills Order.Signature in place.
func signOrder(signer auth.Signer, p *PreparedOrder) error {
	sideCode := "0"
	if p.Order.Side == "SELL" {
		sideCode = "1"
	}
	data := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              exchangeDomainName,
			Version:           exchangeDomainVersion,
			ChainId:           math.NewHexOrDecimal256(signer.ChainID().Int64()),
			VerifyingContract: p.Exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          p.salt.String(),
			"maker":         p.Order.Maker,
			"signer":        p.Order.Signer,
			"taker":         p.Order.Taker,
			"tokenId":       p.tokenID.String(),
			"makerAmount":   p.Order.MakerAmount,
			"takerAmount":   p.Order.TakerAmount,
			"expiration":    p.Order.Expiration,
			"nonce":         p.Order.Nonce,
			"feeRateBps":    p.Order.FeeRateBps,
			"side":          sideCode,
			"signatureType": fmt.Sprintf("%d", p.Order.SignatureType),
		},
	}
	sig, err := signer.SignTypedData(data)
	if err != nil {
		return err
	}
	p.Order.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// signAuthProof produces the identity-proof signature used to derive API
// credentials: a typed message binding wallet address, timestamp, and nonce.
func signAuthProof(signer auth.Signer, timestamp time.Time, nonce *big.Int) (string, error) {
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    authDomainName,
			Version: authDomainVersion,
			ChainId: math.NewHexOrDecimal256(signer.ChainID().Int64()),
		},
		Message: apitypes.TypedDataMessage{
			"address":   signer.Address().Hex(),
			"timestamp": fmt.Sprintf("%d", timestamp.Unix()),
			"nonce":     nonce.String(),
			"message":   authMessage,
		},
	}
	sig, err := signer.SignTypedData(data)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

var zeroAddress = common.HexToAddress("0x0000000000000000000000000000000000000000")
