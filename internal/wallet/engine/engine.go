// Package engine implements the two-party threshold-signature backend behind
// the wallet orchestrator. Key shares are additive scalars: the wallet holds
// x1, the cosigner x2, and the wallet key is x1+x2 with public point
// x1*G + x2*G. Neither half signs alone; each protocol run exchanges typed
// round messages with the cosigner.
package engine

import (
	"crypto/ecdsa"

	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Engine drives the wallet side of the threshold protocols for one
// algorithm. Implementations are stateless between operations; per-run state
// travels in the returned KeygenState/SignState values.
type Engine interface {
	Algorithm() keystore.Algorithm

	// KeygenInit produces the wallet's first key-generation message.
	KeygenInit() (*KeygenState, *wire.KeygenRound1, error)
	// KeygenFinish combines the cosigner's round-2 point into a key share.
	KeygenFinish(st *KeygenState, msg *wire.KeygenRound2) (*keystore.KeyShare, error)

	// SignInit produces the wallet's first signing message for a 32-byte
	// message hash, optionally under a derivation path.
	SignInit(share *keystore.KeyShare, messageHash []byte, path string) (*SignState, *wire.SignRound1, error)
	// SignFinish assembles the final signature from the cosigner's partial
	// values and returns it as 0x-prefixed hex.
	SignFinish(st *SignState, msg *wire.SignRound2) (string, error)

	// RefreshApply applies the cosigner's refresh offset, producing a new
	// share with an unchanged public key and address.
	RefreshApply(share *keystore.KeyShare, msg *wire.RefreshRound2) (*keystore.KeyShare, error)

	// DeriveChildPublicKey derives a child public key under a non-hardened
	// path without exposing private material.
	DeriveChildPublicKey(share *keystore.KeyShare, path string) (string, error)

	// Combine decrypts the cosigner's exported share and reconstructs the
	// full private key. The only operation that ever assembles an unsplit
	// key.
	Combine(share *keystore.KeyShare, encryptedServerShare []byte, encryptionKey *ecdsa.PrivateKey) (string, error)

	// Verify checks a signature produced by this engine against a public key
	// and message hash.
	Verify(publicKeyHex string, messageHash []byte, signatureHex string) (bool, error)
}

// New returns the engine for the given algorithm.
func New(alg keystore.Algorithm) (Engine, error) {
	switch alg {
	case keystore.AlgorithmECDSA:
		return &ecdsaEngine{initialized: true}, nil
	case keystore.AlgorithmEdDSA:
		return &eddsaEngine{initialized: true}, nil
	default:
		return nil, walleterrors.Ef(walleterrors.KindInvalidConfiguration, "unsupported algorithm: %s", alg)
	}
}

// KeygenState holds the wallet's secret key-generation state for one run.
type KeygenState struct {
	alg keystore.Algorithm
	x1  []byte
}

// SignState holds the wallet's secret signing state for one run.
type SignState struct {
	alg         keystore.Algorithm
	k1          []byte
	x1          []byte
	messageHash []byte
	publicKey   string
}

func errNotInitialized() error {
	return walleterrors.E(walleterrors.KindSDKNotInitialized, "engine is not initialized")
}
