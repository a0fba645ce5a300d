package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/edwards"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
	"github.com/intersend/interspace-wallet-core/pkg/sharecrypt"
)

// fakeSecpCosigner plays the server side of the secp256k1 protocol in
// process.
type fakeSecpCosigner struct {
	x2 *big.Int
}

func newFakeSecpCosigner(t *testing.T) *fakeSecpCosigner {
	t.Helper()
	x2, err := rand.Int(rand.Reader, btcec.S256().N)
	require.NoError(t, err)
	require.NotZero(t, x2.Sign())
	return &fakeSecpCosigner{x2: x2}
}

func (f *fakeSecpCosigner) keygenRound2(t *testing.T) *wire.KeygenRound2 {
	t.Helper()
	sx, sy := btcec.S256().ScalarBaseMult(f.x2.Bytes())
	return &wire.KeygenRound2{
		KeyID:       "key-test",
		ServerPoint: hex.EncodeToString(compressSecpPoint(sx, sy)),
	}
}

func (f *fakeSecpCosigner) signRound2(t *testing.T, round1 *wire.SignRound1) *wire.SignRound2 {
	t.Helper()
	curve := btcec.S256()

	r1x, r1y, err := parseSecpPoint(round1.R1)
	require.NoError(t, err)
	hash, err := decodeHex(round1.MessageHash)
	require.NoError(t, err)

	k2, err := rand.Int(rand.Reader, curve.N)
	require.NoError(t, err)
	require.NotZero(t, k2.Sign())
	r2x, r2y := curve.ScalarBaseMult(k2.Bytes())

	fx, _ := curve.ScalarMult(r1x, r1y, k2.Bytes())
	r := new(big.Int).Mod(fx, curve.N)
	require.NotZero(t, r.Sign())

	k2inv := new(big.Int).ModInverse(k2, curve.N)
	m := new(big.Int).SetBytes(hash)

	p := new(big.Int).Mul(r, f.x2)
	p.Add(p, m)
	p.Mul(p, k2inv)
	p.Mod(p, curve.N)

	q := new(big.Int).Mul(k2inv, r)
	q.Mod(q, curve.N)

	return &wire.SignRound2{
		R2: hex.EncodeToString(compressSecpPoint(r2x, r2y)),
		P:  encodeScalar(p),
		Q:  encodeScalar(q),
	}
}

func generateECDSAWallet(t *testing.T) (Engine, *fakeSecpCosigner, *keystore.KeyShare) {
	t.Helper()
	eng, err := New(keystore.AlgorithmECDSA)
	require.NoError(t, err)

	cosigner := newFakeSecpCosigner(t)
	state, _, err := eng.KeygenInit()
	require.NoError(t, err)
	share, err := eng.KeygenFinish(state, cosigner.keygenRound2(t))
	require.NoError(t, err)
	return eng, cosigner, share
}

func TestECDSAKeygenSignVerify(t *testing.T) {
	eng, cosigner, share := generateECDSAWallet(t)

	assert.Equal(t, "key-test", share.KeyID)
	assert.Len(t, share.ChainCode, 32)
	assert.Regexp(t, "^0x[0-9a-f]{40}$", share.Address)

	hash := sha256.Sum256([]byte("transfer 1 eth"))
	state, round1, err := eng.SignInit(share, hash[:], "")
	require.NoError(t, err)

	sig, err := eng.SignFinish(state, cosigner.signRound2(t, round1))
	require.NoError(t, err)
	assert.Regexp(t, "^0x[0-9a-f]{128}$", sig)

	valid, err := eng.Verify(share.PublicKey, hash[:], sig)
	require.NoError(t, err)
	assert.True(t, valid)

	// A different message must not verify.
	other := sha256.Sum256([]byte("transfer 1000 eth"))
	valid, err = eng.Verify(share.PublicKey, other[:], sig)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestECDSASignatureIsLowS(t *testing.T) {
	eng, cosigner, share := generateECDSAWallet(t)
	halfN := new(big.Int).Rsh(btcec.S256().N, 1)

	for i := 0; i < 8; i++ {
		hash := sha256.Sum256([]byte{byte(i)})
		state, round1, err := eng.SignInit(share, hash[:], "")
		require.NoError(t, err)
		sig, err := eng.SignFinish(state, cosigner.signRound2(t, round1))
		require.NoError(t, err)

		raw, err := hex.DecodeString(sig[2:])
		require.NoError(t, err)
		s := new(big.Int).SetBytes(raw[32:])
		assert.True(t, s.Cmp(halfN) <= 0, "s must be normalized")
	}
}

func TestECDSARotationPreservesPublicKey(t *testing.T) {
	eng, cosigner, share := generateECDSAWallet(t)
	curve := btcec.S256()

	delta, err := rand.Int(rand.Reader, curve.N)
	require.NoError(t, err)
	require.NotZero(t, delta.Sign())

	refreshed, err := eng.RefreshApply(share, &wire.RefreshRound2{Delta: encodeScalar(delta)})
	require.NoError(t, err)
	assert.Equal(t, share.PublicKey, refreshed.PublicKey)
	assert.Equal(t, share.Address, refreshed.Address)
	assert.NotEqual(t, share.Share, refreshed.Share)

	// The cosigner subtracts the same delta; signing must still work.
	cosigner.x2.Sub(cosigner.x2, delta)
	cosigner.x2.Mod(cosigner.x2, curve.N)

	hash := sha256.Sum256([]byte("post rotation"))
	state, round1, err := eng.SignInit(refreshed, hash[:], "")
	require.NoError(t, err)
	sig, err := eng.SignFinish(state, cosigner.signRound2(t, round1))
	require.NoError(t, err)

	valid, err := eng.Verify(share.PublicKey, hash[:], sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestECDSACombineReconstructsPrivateKey(t *testing.T) {
	eng, cosigner, share := generateECDSAWallet(t)

	ephemeral, err := crypto.GenerateKey()
	require.NoError(t, err)
	blob, err := sharecrypt.Encrypt(scalarBytes(cosigner.x2), &ephemeral.PublicKey)
	require.NoError(t, err)

	privHex, err := eng.Combine(share, blob, ephemeral)
	require.NoError(t, err)

	priv, err := decodeHex(privHex)
	require.NoError(t, err)
	px, py := btcec.S256().ScalarBaseMult(priv)
	assert.Equal(t, share.PublicKey, hex.EncodeToString(compressSecpPoint(px, py)))
}

func TestECDSACombineRejectsWrongShare(t *testing.T) {
	eng, _, share := generateECDSAWallet(t)

	ephemeral, err := crypto.GenerateKey()
	require.NoError(t, err)
	bogus, err := rand.Int(rand.Reader, btcec.S256().N)
	require.NoError(t, err)
	blob, err := sharecrypt.Encrypt(scalarBytes(bogus), &ephemeral.PublicKey)
	require.NoError(t, err)

	_, err = eng.Combine(share, blob, ephemeral)
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindExportFailed))
}

func TestECDSADerivedSigningMatchesChildKey(t *testing.T) {
	eng, cosigner, share := generateECDSAWallet(t)

	childPub, err := eng.DeriveChildPublicKey(share, "m/0/1")
	require.NoError(t, err)
	assert.NotEqual(t, share.PublicKey, childPub)

	hash := sha256.Sum256([]byte("derived signing"))
	state, round1, err := eng.SignInit(share, hash[:], "m/0/1")
	require.NoError(t, err)
	assert.Equal(t, "m/0/1", round1.DerivationPath)

	// SignFinish verifies against the child key internally; the cosigner
	// contributes the untweaked server share.
	sig, err := eng.SignFinish(state, cosigner.signRound2(t, round1))
	require.NoError(t, err)

	valid, err := eng.Verify(childPub, hash[:], sig)
	require.NoError(t, err)
	assert.True(t, valid)

	// The base key must not verify a child-key signature.
	valid, err = eng.Verify(share.PublicKey, hash[:], sig)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestHardenedPathsRejected(t *testing.T) {
	eng, _, share := generateECDSAWallet(t)

	_, err := eng.DeriveChildPublicKey(share, "m/0'/1")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindDerivationFailed))

	_, _, err = eng.SignInit(share, make([]byte, 32), "m/2147483648")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindDerivationFailed))
}

// fakeEdCosigner plays the server side of the ed25519 protocol in process.
type fakeEdCosigner struct {
	x2 *big.Int
}

func newFakeEdCosigner(t *testing.T) *fakeEdCosigner {
	t.Helper()
	x2, err := rand.Int(rand.Reader, edwards.Edwards().N)
	require.NoError(t, err)
	require.NotZero(t, x2.Sign())
	return &fakeEdCosigner{x2: x2}
}

func (f *fakeEdCosigner) keygenRound2(t *testing.T) *wire.KeygenRound2 {
	t.Helper()
	sx, sy := edwards.Edwards().ScalarBaseMult(f.x2.Bytes())
	return &wire.KeygenRound2{
		KeyID:       "key-ed-test",
		ServerPoint: hex.EncodeToString(edwards.BigIntPointToEncodedBytes(sx, sy)[:]),
	}
}

func (f *fakeEdCosigner) signRound2(t *testing.T, publicKey string, round1 *wire.SignRound1) *wire.SignRound2 {
	t.Helper()
	curve := edwards.Edwards()

	r1x, r1y, err := parseEdwardsPoint(round1.R1)
	require.NoError(t, err)
	msg, err := decodeHex(round1.MessageHash)
	require.NoError(t, err)
	pub, err := decodeHex(publicKey)
	require.NoError(t, err)

	r2, err := rand.Int(rand.Reader, curve.N)
	require.NoError(t, err)
	require.NotZero(t, r2.Sign())
	r2x, r2y := curve.ScalarBaseMult(r2.Bytes())

	rx, ry := curve.Add(r1x, r1y, r2x, r2y)
	encodedR := edwards.BigIntPointToEncodedBytes(rx, ry)

	h := sha512.New()
	h.Write(encodedR[:])
	h.Write(pub)
	h.Write(msg)
	digest := h.Sum(nil)
	var digestLE [64]byte
	for i := range digest {
		digestLE[63-i] = digest[i]
	}
	k := new(big.Int).SetBytes(digestLE[:])
	k.Mod(k, curve.N)

	s2 := new(big.Int).Mul(k, f.x2)
	s2.Add(s2, r2)
	s2.Mod(s2, curve.N)

	return &wire.SignRound2{
		R2: hex.EncodeToString(edwards.BigIntPointToEncodedBytes(r2x, r2y)[:]),
		S2: encodeScalar(s2),
	}
}

func TestEdDSAKeygenSignVerify(t *testing.T) {
	eng, err := New(keystore.AlgorithmEdDSA)
	require.NoError(t, err)

	cosigner := newFakeEdCosigner(t)
	state, _, err := eng.KeygenInit()
	require.NoError(t, err)
	share, err := eng.KeygenFinish(state, cosigner.keygenRound2(t))
	require.NoError(t, err)
	assert.Regexp(t, "^0x[0-9a-f]{64}$", share.Address)

	msg := []byte("solana style payload")
	signState, round1, err := eng.SignInit(share, msg, "")
	require.NoError(t, err)

	sig, err := eng.SignFinish(signState, cosigner.signRound2(t, share.PublicKey, round1))
	require.NoError(t, err)
	assert.Regexp(t, "^0x[0-9a-f]{128}$", sig)

	valid, err := eng.Verify(share.PublicKey, msg, sig)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = eng.Verify(share.PublicKey, []byte("other payload"), sig)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestEdDSARotationPreservesPublicKey(t *testing.T) {
	eng, err := New(keystore.AlgorithmEdDSA)
	require.NoError(t, err)
	curve := edwards.Edwards()

	cosigner := newFakeEdCosigner(t)
	state, _, err := eng.KeygenInit()
	require.NoError(t, err)
	share, err := eng.KeygenFinish(state, cosigner.keygenRound2(t))
	require.NoError(t, err)

	delta, err := rand.Int(rand.Reader, curve.N)
	require.NoError(t, err)
	require.NotZero(t, delta.Sign())
	refreshed, err := eng.RefreshApply(share, &wire.RefreshRound2{Delta: encodeScalar(delta)})
	require.NoError(t, err)
	assert.Equal(t, share.PublicKey, refreshed.PublicKey)

	cosigner.x2.Sub(cosigner.x2, delta)
	cosigner.x2.Mod(cosigner.x2, curve.N)

	msg := []byte("post rotation")
	signState, round1, err := eng.SignInit(refreshed, msg, "")
	require.NoError(t, err)
	sig, err := eng.SignFinish(signState, cosigner.signRound2(t, share.PublicKey, round1))
	require.NoError(t, err)

	valid, err := eng.Verify(share.PublicKey, msg, sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestEdDSADerivationUnsupported(t *testing.T) {
	eng, err := New(keystore.AlgorithmEdDSA)
	require.NoError(t, err)

	share := &keystore.KeyShare{Algorithm: keystore.AlgorithmEdDSA, Share: []byte{0x01}}
	_, err = eng.DeriveChildPublicKey(share, "m/0/1")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindDerivationFailed))

	_, _, err = eng.SignInit(share, []byte("msg"), "m/0/1")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindDerivationFailed))
}

func TestUninitializedEngineFails(t *testing.T) {
	var ecdsa ecdsaEngine
	_, _, err := ecdsa.KeygenInit()
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindSDKNotInitialized))

	var eddsa eddsaEngine
	_, err = eddsa.Verify("", nil, "")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindSDKNotInitialized))
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	_, err := New(keystore.Algorithm("rsa"))
	require.Error(t, err)
}
