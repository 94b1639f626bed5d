// Package auth holds the two authentication layers the venues require: an
// asymmetric signer for typed structured messages (order signing and API
// credential derivation) and a keyed-hash request signature attached to
// every trading call.
package auth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

// Signer produces typed-data signatures for one wallet.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

// PrivateKeySigner signs with a local secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewPrivateKeySigner parses a hex private key (0x prefix optional).
func NewPrivateKeySigner(hexKey string, chainID int64) (*PrivateKeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", execerrors.ErrSigningFailed, err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address { return s.address }
func (s *PrivateKeySigner) ChainID() *big.Int       { return s.chainID }

// SignTypedData hashes per EIP-712 and returns a 65-byte signature with the
// recovery id shifted to 27/28 as the venues expect.
func (s *PrivateKeySigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("%w: hash typed data: %v", execerrors.ErrSigningFailed, err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", execerrors.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
