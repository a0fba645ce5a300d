package engine

import (
	stdecdsa "crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/intersend/interspace-wallet-core/internal/wallet/chain"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
	"github.com/intersend/interspace-wallet-core/pkg/sharecrypt"
)

// ecdsaEngine runs the secp256k1 variant. Signing uses a multiplicative
// nonce k = k1*k2: the cosigner responds with its nonce point and the partial
// values p = k2^-1*(m + r*x2) and q = k2^-1*r, from which the wallet forms
// s = k1^-1*(p + q*x1).
type ecdsaEngine struct {
	initialized bool
}

func (e *ecdsaEngine) Algorithm() keystore.Algorithm {
	return keystore.AlgorithmECDSA
}

func (e *ecdsaEngine) KeygenInit() (*KeygenState, *wire.KeygenRound1, error) {
	if !e.initialized {
		return nil, nil, errNotInitialized()
	}
	curve := btcec.S256()

	x1, err := randomScalar(curve.N)
	if err != nil {
		return nil, nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "generate client share")
	}
	px, py := curve.ScalarBaseMult(x1.Bytes())

	st := &KeygenState{alg: keystore.AlgorithmECDSA, x1: scalarBytes(x1)}
	return st, &wire.KeygenRound1{ClientPoint: hex.EncodeToString(compressSecpPoint(px, py))}, nil
}

func (e *ecdsaEngine) KeygenFinish(st *KeygenState, msg *wire.KeygenRound2) (*keystore.KeyShare, error) {
	if !e.initialized {
		return nil, errNotInitialized()
	}
	if st == nil || st.alg != keystore.AlgorithmECDSA {
		return nil, walleterrors.E(walleterrors.KindInvalidData, "keygen state mismatch")
	}
	curve := btcec.S256()

	sx, sy, err := parseSecpPoint(msg.ServerPoint)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "parse server point")
	}

	x1 := new(big.Int).SetBytes(st.x1)
	cx, cy := curve.ScalarBaseMult(x1.Bytes())
	px, py := curve.Add(cx, cy, sx, sy)
	if px.Sign() == 0 && py.Sign() == 0 {
		return nil, walleterrors.E(walleterrors.KindKeyGenerationFailed, "combined key is the point at infinity")
	}

	pubKey := compressSecpPoint(px, py)
	address, err := chain.AddressFromPublicKey(keystore.AlgorithmECDSA, pubKey)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "derive address")
	}

	chainCode := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, chainCode); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "generate chain code")
	}

	keyID := msg.KeyID
	if keyID == "" {
		keyID = "key-" + uuid.New().String()
	}

	return &keystore.KeyShare{
		KeyID:     keyID,
		Algorithm: keystore.AlgorithmECDSA,
		Share:     st.x1,
		PublicKey: hex.EncodeToString(pubKey),
		Address:   address,
		ChainCode: chainCode,
		CreatedAt: time.Now(),
	}, nil
}

func (e *ecdsaEngine) SignInit(share *keystore.KeyShare, messageHash []byte, path string) (*SignState, *wire.SignRound1, error) {
	if !e.initialized {
		return nil, nil, errNotInitialized()
	}
	if len(messageHash) != 32 {
		return nil, nil, walleterrors.Ef(walleterrors.KindInvalidData, "message hash must be 32 bytes, got %d", len(messageHash))
	}
	curve := btcec.S256()

	x1 := new(big.Int).SetBytes(share.Share)
	signPub := share.PublicKey

	if path != "" {
		indexes, err := parsePath(path)
		if err != nil {
			return nil, nil, walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "parse derivation path")
		}
		pubKey, err := decodeHex(share.PublicKey)
		if err != nil {
			return nil, nil, walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "decode public key")
		}
		tweak, px, py, err := derivePath(pubKey, share.ChainCode, indexes)
		if err != nil {
			return nil, nil, walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "derive child key")
		}
		x1.Add(x1, tweak)
		x1.Mod(x1, curve.N)
		signPub = hex.EncodeToString(compressSecpPoint(px, py))
	}

	k1, err := randomScalar(curve.N)
	if err != nil {
		return nil, nil, walleterrors.Wrap(walleterrors.KindSigningFailed, err, "generate nonce")
	}
	rx, ry := curve.ScalarBaseMult(k1.Bytes())

	st := &SignState{
		alg:         keystore.AlgorithmECDSA,
		k1:          scalarBytes(k1),
		x1:          scalarBytes(x1),
		messageHash: append([]byte(nil), messageHash...),
		publicKey:   signPub,
	}
	round1 := &wire.SignRound1{
		KeyID:          share.KeyID,
		MessageHash:    hex.EncodeToString(messageHash),
		DerivationPath: path,
		R1:             hex.EncodeToString(compressSecpPoint(rx, ry)),
	}
	return st, round1, nil
}

func (e *ecdsaEngine) SignFinish(st *SignState, msg *wire.SignRound2) (string, error) {
	if !e.initialized {
		return "", errNotInitialized()
	}
	if st == nil || st.alg != keystore.AlgorithmECDSA {
		return "", walleterrors.E(walleterrors.KindInvalidData, "sign state mismatch")
	}
	curve := btcec.S256()

	rx, ry, err := parseSecpPoint(msg.R2)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "parse server nonce point")
	}
	p, err := decodeScalar(msg.P, curve.N)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "parse partial p")
	}
	q, err := decodeScalar(msg.Q, curve.N)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "parse partial q")
	}

	k1 := new(big.Int).SetBytes(st.k1)
	x1 := new(big.Int).SetBytes(st.x1)

	// R = k1 * (k2*G); r is its x-coordinate mod n.
	fx, _ := curve.ScalarMult(rx, ry, k1.Bytes())
	r := new(big.Int).Mod(fx, curve.N)
	if r.Sign() == 0 {
		return "", walleterrors.E(walleterrors.KindSigningFailed, "r is zero, retry with a fresh nonce")
	}

	// s = k1^-1 * (p + q*x1) mod n
	s := new(big.Int).Mul(q, x1)
	s.Add(s, p)
	s.Mul(s, new(big.Int).ModInverse(k1, curve.N))
	s.Mod(s, curve.N)
	if s.Sign() == 0 {
		return "", walleterrors.E(walleterrors.KindSigningFailed, "s is zero, retry with a fresh nonce")
	}

	// Low-S normalization.
	halfN := new(big.Int).Rsh(curve.N, 1)
	if s.Cmp(halfN) > 0 {
		s.Sub(curve.N, s)
	}

	signature := "0x" + encodeScalar(r) + encodeScalar(s)

	valid, err := e.Verify(st.publicKey, st.messageHash, signature)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "verify assembled signature")
	}
	if !valid {
		return "", walleterrors.E(walleterrors.KindSigningFailed, "assembled signature does not verify")
	}
	return signature, nil
}

func (e *ecdsaEngine) RefreshApply(share *keystore.KeyShare, msg *wire.RefreshRound2) (*keystore.KeyShare, error) {
	if !e.initialized {
		return nil, errNotInitialized()
	}
	curve := btcec.S256()

	delta, err := decodeScalar(msg.Delta, curve.N)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyRotationFailed, err, "parse refresh delta")
	}

	x1 := new(big.Int).SetBytes(share.Share)
	x1.Add(x1, delta)
	x1.Mod(x1, curve.N)
	if x1.Sign() == 0 {
		return nil, walleterrors.E(walleterrors.KindKeyRotationFailed, "refreshed share is zero")
	}

	refreshed := share.Clone()
	refreshed.Share = scalarBytes(x1)
	refreshed.CreatedAt = time.Now()
	return refreshed, nil
}

func (e *ecdsaEngine) DeriveChildPublicKey(share *keystore.KeyShare, path string) (string, error) {
	if !e.initialized {
		return "", errNotInitialized()
	}
	indexes, err := parsePath(path)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "parse derivation path")
	}
	pubKey, err := decodeHex(share.PublicKey)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "decode public key")
	}
	_, px, py, err := derivePath(pubKey, share.ChainCode, indexes)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindDerivationFailed, err, "derive child key")
	}
	return hex.EncodeToString(compressSecpPoint(px, py)), nil
}

func (e *ecdsaEngine) Combine(share *keystore.KeyShare, encryptedServerShare []byte, encryptionKey *stdecdsa.PrivateKey) (string, error) {
	if !e.initialized {
		return "", errNotInitialized()
	}
	curve := btcec.S256()

	serverShare, err := sharecrypt.Decrypt(encryptedServerShare, encryptionKey)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindDecryptionFailed, err, "decrypt server share")
	}
	if len(serverShare) != 32 {
		return "", walleterrors.Ef(walleterrors.KindExportFailed, "unexpected server share length: %d", len(serverShare))
	}

	x := new(big.Int).SetBytes(share.Share)
	x.Add(x, new(big.Int).SetBytes(serverShare))
	x.Mod(x, curve.N)

	// The reconstructed key must reproduce the wallet's public key.
	px, py := curve.ScalarBaseMult(x.Bytes())
	if hex.EncodeToString(compressSecpPoint(px, py)) != trimHex(share.PublicKey) {
		return "", walleterrors.E(walleterrors.KindExportFailed, "combined key does not match wallet public key")
	}
	return "0x" + encodeScalar(x), nil
}

func (e *ecdsaEngine) Verify(publicKeyHex string, messageHash []byte, signatureHex string) (bool, error) {
	if !e.initialized {
		return false, errNotInitialized()
	}

	pubBytes, err := decodeHex(publicKeyHex)
	if err != nil {
		return false, errors.Wrap(err, "decode public key")
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false, errors.Wrap(err, "parse public key")
	}

	sigBytes, err := decodeHex(signatureHex)
	if err != nil {
		return false, errors.Wrap(err, "decode signature")
	}
	if len(sigBytes) != 64 {
		return false, errors.Errorf("unexpected signature length: %d", len(sigBytes))
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sigBytes[:32]); overflow {
		return false, errors.New("signature r overflows")
	}
	if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
		return false, errors.New("signature s overflows")
	}

	return secpecdsa.NewSignature(&r, &s).Verify(messageHash, pub), nil
}
