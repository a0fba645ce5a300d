package engine

import (
	stdecdsa "crypto/ecdsa"
	"crypto/sha512"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/edwards"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/intersend/interspace-wallet-core/internal/wallet/chain"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
	"github.com/intersend/interspace-wallet-core/pkg/sharecrypt"
)

// eddsaEngine runs the ed25519 variant with additive nonces: both parties
// contribute a nonce point, R = r1*G + r2*G, and their partial s values sum
// to the final signature scalar.
type eddsaEngine struct {
	initialized bool
}

func (e *eddsaEngine) Algorithm() keystore.Algorithm {
	return keystore.AlgorithmEdDSA
}

func (e *eddsaEngine) KeygenInit() (*KeygenState, *wire.KeygenRound1, error) {
	if !e.initialized {
		return nil, nil, errNotInitialized()
	}
	curve := edwards.Edwards()

	x1, err := randomScalar(curve.N)
	if err != nil {
		return nil, nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "generate client share")
	}
	px, py := curve.ScalarBaseMult(x1.Bytes())

	st := &KeygenState{alg: keystore.AlgorithmEdDSA, x1: scalarBytes(x1)}
	round1 := &wire.KeygenRound1{
		ClientPoint: hex.EncodeToString(edwards.BigIntPointToEncodedBytes(px, py)[:]),
	}
	return st, round1, nil
}

func (e *eddsaEngine) KeygenFinish(st *KeygenState, msg *wire.KeygenRound2) (*keystore.KeyShare, error) {
	if !e.initialized {
		return nil, errNotInitialized()
	}
	if st == nil || st.alg != keystore.AlgorithmEdDSA {
		return nil, walleterrors.E(walleterrors.KindInvalidData, "keygen state mismatch")
	}
	curve := edwards.Edwards()

	sx, sy, err := parseEdwardsPoint(msg.ServerPoint)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "parse server point")
	}

	x1 := new(big.Int).SetBytes(st.x1)
	cx, cy := curve.ScalarBaseMult(x1.Bytes())
	px, py := curve.Add(cx, cy, sx, sy)

	pubKey := edwards.BigIntPointToEncodedBytes(px, py)[:]
	address, err := chain.AddressFromPublicKey(keystore.AlgorithmEdDSA, pubKey)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "derive address")
	}

	keyID := msg.KeyID
	if keyID == "" {
		keyID = "key-" + uuid.New().String()
	}

	return &keystore.KeyShare{
		KeyID:     keyID,
		Algorithm: keystore.AlgorithmEdDSA,
		Share:     st.x1,
		PublicKey: hex.EncodeToString(pubKey),
		Address:   address,
		CreatedAt: time.Now(),
	}, nil
}

func (e *eddsaEngine) SignInit(share *keystore.KeyShare, messageHash []byte, path string) (*SignState, *wire.SignRound1, error) {
	if !e.initialized {
		return nil, nil, errNotInitialized()
	}
	if path != "" {
		return nil, nil, walleterrors.E(walleterrors.KindDerivationFailed, "derivation is not supported for eddsa keys")
	}
	if len(messageHash) == 0 {
		return nil, nil, walleterrors.E(walleterrors.KindInvalidData, "empty message")
	}
	curve := edwards.Edwards()

	r1, err := randomScalar(curve.N)
	if err != nil {
		return nil, nil, walleterrors.Wrap(walleterrors.KindSigningFailed, err, "generate nonce")
	}
	rx, ry := curve.ScalarBaseMult(r1.Bytes())

	st := &SignState{
		alg:         keystore.AlgorithmEdDSA,
		k1:          scalarBytes(r1),
		x1:          append([]byte(nil), share.Share...),
		messageHash: append([]byte(nil), messageHash...),
		publicKey:   share.PublicKey,
	}
	round1 := &wire.SignRound1{
		KeyID:       share.KeyID,
		MessageHash: hex.EncodeToString(messageHash),
		R1:          hex.EncodeToString(edwards.BigIntPointToEncodedBytes(rx, ry)[:]),
	}
	return st, round1, nil
}

func (e *eddsaEngine) SignFinish(st *SignState, msg *wire.SignRound2) (string, error) {
	if !e.initialized {
		return "", errNotInitialized()
	}
	if st == nil || st.alg != keystore.AlgorithmEdDSA {
		return "", walleterrors.E(walleterrors.KindInvalidData, "sign state mismatch")
	}
	curve := edwards.Edwards()

	r2x, r2y, err := parseEdwardsPoint(msg.R2)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "parse server nonce point")
	}
	s2, err := decodeScalar(msg.S2, curve.N)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "parse partial s2")
	}

	r1 := new(big.Int).SetBytes(st.k1)
	x1 := new(big.Int).SetBytes(st.x1)
	r1x, r1y := curve.ScalarBaseMult(r1.Bytes())
	rx, ry := curve.Add(r1x, r1y, r2x, r2y)
	encodedR := edwards.BigIntPointToEncodedBytes(rx, ry)

	pubBytes, err := decodeHex(st.publicKey)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "decode public key")
	}

	k := challengeScalar(encodedR[:], pubBytes, st.messageHash)

	// s = s1 + s2 mod n, s1 = r1 + k*x1
	s1 := new(big.Int).Mul(k, x1)
	s1.Add(s1, r1)
	s1.Mod(s1, curve.N)

	s := new(big.Int).Add(s1, s2)
	s.Mod(s, curve.N)

	sigBytes := append(append([]byte(nil), encodedR[:]...), edwards.BigIntToEncodedBytes(s)[:]...)
	signature := "0x" + hex.EncodeToString(sigBytes)

	valid, err := e.Verify(st.publicKey, st.messageHash, signature)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSigningFailed, err, "verify assembled signature")
	}
	if !valid {
		return "", walleterrors.E(walleterrors.KindSigningFailed, "assembled signature does not verify")
	}
	return signature, nil
}

func (e *eddsaEngine) RefreshApply(share *keystore.KeyShare, msg *wire.RefreshRound2) (*keystore.KeyShare, error) {
	if !e.initialized {
		return nil, errNotInitialized()
	}
	curve := edwards.Edwards()

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

func (e *eddsaEngine) DeriveChildPublicKey(share *keystore.KeyShare, path string) (string, error) {
	return "", walleterrors.E(walleterrors.KindDerivationFailed, "derivation is not supported for eddsa keys")
}

func (e *eddsaEngine) Combine(share *keystore.KeyShare, encryptedServerShare []byte, encryptionKey *stdecdsa.PrivateKey) (string, error) {
	if !e.initialized {
		return "", errNotInitialized()
	}
	curve := edwards.Edwards()

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

	px, py := curve.ScalarBaseMult(x.Bytes())
	encoded := edwards.BigIntPointToEncodedBytes(px, py)
	if hex.EncodeToString(encoded[:]) != trimHex(share.PublicKey) {
		return "", walleterrors.E(walleterrors.KindExportFailed, "combined key does not match wallet public key")
	}
	return "0x" + encodeScalar(x), nil
}

func (e *eddsaEngine) Verify(publicKeyHex string, messageHash []byte, signatureHex string) (bool, error) {
	if !e.initialized {
		return false, errNotInitialized()
	}

	pubBytes, err := decodeHex(publicKeyHex)
	if err != nil {
		return false, errors.Wrap(err, "decode public key")
	}
	pub, err := edwards.ParsePubKey(edwards.Edwards(), pubBytes)
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

	var encR, encS [32]byte
	copy(encR[:], sigBytes[:32])
	copy(encS[:], sigBytes[32:])
	r := edwards.EncodedBytesToBigInt(&encR)
	s := edwards.EncodedBytesToBigInt(&encS)

	return edwards.Verify(pub, messageHash, r, s), nil
}

// challengeScalar computes the ed25519 challenge k = H(R || A || M)
// interpreted little-endian, reduced mod the group order.
func challengeScalar(encodedR, encodedPub, msg []byte) *big.Int {
	h := sha512.New()
	h.Write(encodedR)
	h.Write(encodedPub)
	h.Write(msg)
	digest := h.Sum(nil)

	var digestLE [64]byte
	for i := range digest {
		digestLE[63-i] = digest[i]
	}
	k := new(big.Int).SetBytes(digestLE[:])
	return k.Mod(k, edwards.Edwards().N)
}
