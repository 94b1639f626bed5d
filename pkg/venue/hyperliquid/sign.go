package hyperliquid

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/tradewire/riskcore/pkg/auth"
)

// signAction signs an exchange action with the agent typed-data scheme: the
// action bytes and nonce are hashed into a connection id, and the signature
// covers that digest.
func signAction(signer auth.Signer, action json.RawMessage, nonce int64) (rsvSignature, error) {
	var sig rsvSignature

	hash := actionHash(action, nonce)
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       "a",
			"connectionId": "0x" + hex.EncodeToString(hash),
		},
	}
	raw, err := signer.SignTypedData(data)
	if err != nil {
		return sig, err
	}
	if len(raw) != 65 {
		return sig, fmt.Errorf("unexpected signature length %d", len(raw))
	}
	sig.R = "0x" + hex.EncodeToString(raw[:32])
	sig.S = "0x" + hex.EncodeToString(raw[32:64])
	sig.V = raw[64]
	return sig, nil
}

// actionHash is keccak256 over the serialized action, the big-endian nonce,
// and a zero byte marking "no vault address".
func actionHash(action json.RawMessage, nonce int64) []byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	payload := make([]byte, 0, len(action)+9)
	payload = append(payload, action...)
	payload = append(payload, nonceBytes[:]...)
	payload = append(payload, 0x00)
	return crypto.Keccak256(payload)
}
