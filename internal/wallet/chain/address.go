// Package chain derives chain-level identifiers from threshold public keys
// and builds transaction digests for signing.
package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"

	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
)

// AddressFromPublicKey derives the canonical wallet address for a public key.
// ECDSA keys map to the EVM address Keccak256(pubkey)[12:]; EdDSA keys use
// the hex of the 32-byte public key.
func AddressFromPublicKey(alg keystore.Algorithm, pubKey []byte) (string, error) {
	switch alg {
	case keystore.AlgorithmECDSA:
		return evmAddress(pubKey)
	case keystore.AlgorithmEdDSA:
		if len(pubKey) != 32 {
			return "", errors.Errorf("unexpected eddsa public key length: %d", len(pubKey))
		}
		return "0x" + hex.EncodeToString(pubKey), nil
	default:
		return "", errors.Errorf("unsupported algorithm: %s", alg)
	}
}

func evmAddress(pubKey []byte) (string, error) {
	var uncompressed64 []byte
	switch {
	case len(pubKey) == 65 && pubKey[0] == 0x04:
		uncompressed64 = pubKey[1:]
	case len(pubKey) == 33 && (pubKey[0] == 0x02 || pubKey[0] == 0x03):
		key, err := btcec.ParsePubKey(pubKey)
		if err != nil {
			return "", errors.Wrap(err, "parse compressed secp256k1 pubkey")
		}
		u := key.SerializeUncompressed()
		uncompressed64 = u[1:]
	default:
		return "", errors.Errorf("unsupported public key format: len=%d", len(pubKey))
	}
	hash := crypto.Keccak256(uncompressed64)
	return fmt.Sprintf("0x%s", hex.EncodeToString(hash[12:])), nil
}

// TxParams are the fields of a legacy transaction needed to compute its
// signing digest.
type TxParams struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       string
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
}

// TransactionHash RLP-encodes the transaction payload and returns its
// Keccak256 digest, the value a signing session operates on.
func TransactionHash(p *TxParams) ([]byte, error) {
	if p == nil {
		return nil, errors.New("tx params are nil")
	}
	if p.Value == nil {
		return nil, errors.New("value is required")
	}
	chainID := p.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	gasLimit := p.GasLimit
	if gasLimit == 0 {
		gasLimit = 21000
	}

	payload := []interface{}{
		p.Nonce,
		p.GasPrice,
		gasLimit,
		p.To,
		p.Value,
		p.Data,
		chainID,
		uint(0),
		uint(0),
	}
	raw, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, "rlp encode tx payload")
	}
	return crypto.Keccak256(raw), nil
}
