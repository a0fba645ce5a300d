package cosigner

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/edwards"
	"github.com/pkg/errors"

	"github.com/intersend/interspace-wallet-core/internal/wallet/chain"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
)

// keygenOutcome is the cosigner side of distributed key generation.
type keygenOutcome struct {
	serverShare []byte
	serverPoint string
	publicKey   string
	address     string
}

// signOutcome is the cosigner's second-round signing contribution.
type signOutcome struct {
	r2 string
	p  string
	q  string
	s2 string
}

func trimHex(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func scalar32(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func encodeScalar(v *big.Int) string {
	return hex.EncodeToString(scalar32(v))
}

func randScalar(order *big.Int) (*big.Int, error) {
	max := new(big.Int).Sub(order, big.NewInt(1))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, errors.Wrap(err, "draw random scalar")
	}
	return v.Add(v, big.NewInt(1)), nil
}

func compressPoint(x, y *big.Int) []byte {
	out := make([]byte, 33)
	if y.Bit(0) == 0 {
		out[0] = 0x02
	} else {
		out[0] = 0x03
	}
	xb := x.Bytes()
	copy(out[33-len(xb):], xb)
	return out
}

func parseSecpPoint(s string) (*big.Int, *big.Int, error) {
	b, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode point")
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse secp256k1 point")
	}
	key := pub.ToECDSA()
	return key.X, key.Y, nil
}

func parseEdPoint(s string) (*big.Int, *big.Int, error) {
	b, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode point")
	}
	if len(b) != 32 {
		return nil, nil, errors.Errorf("unexpected point length: %d", len(b))
	}
	var enc [32]byte
	copy(enc[:], b)
	return edwards.Edwards().EncodedBytesToBigIntPoint(&enc)
}

func parseScalar(s string, order *big.Int) (*big.Int, error) {
	b, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return nil, errors.Wrap(err, "decode scalar")
	}
	v := new(big.Int).SetBytes(b)
	if v.Sign() == 0 || v.Cmp(order) >= 0 {
		return nil, errors.New("scalar out of range")
	}
	return v, nil
}

// ecdsaKeygen draws the server share and combines it with the client point.
func ecdsaKeygen(clientPoint string) (*keygenOutcome, error) {
	curve := btcec.S256()

	cx, cy, err := parseSecpPoint(clientPoint)
	if err != nil {
		return nil, err
	}
	x2, err := randScalar(curve.N)
	if err != nil {
		return nil, err
	}
	sx, sy := curve.ScalarBaseMult(x2.Bytes())
	px, py := curve.Add(cx, cy, sx, sy)

	pub := compressPoint(px, py)
	address, err := chain.AddressFromPublicKey(keystore.AlgorithmECDSA, pub)
	if err != nil {
		return nil, err
	}
	return &keygenOutcome{
		serverShare: scalar32(x2),
		serverPoint: hex.EncodeToString(compressPoint(sx, sy)),
		publicKey:   hex.EncodeToString(pub),
		address:     address,
	}, nil
}

// ecdsaSign computes the cosigner's nonce point and partial values
// p = k2^-1*(m + r*x2) and q = k2^-1*r.
func ecdsaSign(serverShare []byte, r1Point, messageHash string) (*signOutcome, error) {
	curve := btcec.S256()

	r1x, r1y, err := parseSecpPoint(r1Point)
	if err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(trimHex(messageHash))
	if err != nil {
		return nil, errors.Wrap(err, "decode message hash")
	}
	if len(hash) != 32 {
		return nil, errors.Errorf("message hash must be 32 bytes, got %d", len(hash))
	}

	x2 := new(big.Int).SetBytes(serverShare)
	k2, err := randScalar(curve.N)
	if err != nil {
		return nil, err
	}
	r2x, r2y := curve.ScalarBaseMult(k2.Bytes())

	// Both parties land on the same R: here k2*(k1*G), on the wallet
	// k1*(k2*G).
	fx, _ := curve.ScalarMult(r1x, r1y, k2.Bytes())
	r := new(big.Int).Mod(fx, curve.N)
	if r.Sign() == 0 {
		return nil, errors.New("r is zero")
	}

	k2inv := new(big.Int).ModInverse(k2, curve.N)
	m := new(big.Int).SetBytes(hash)

	p := new(big.Int).Mul(r, x2)
	p.Add(p, m)
	p.Mul(p, k2inv)
	p.Mod(p, curve.N)

	q := new(big.Int).Mul(k2inv, r)
	q.Mod(q, curve.N)

	return &signOutcome{
		r2: hex.EncodeToString(compressPoint(r2x, r2y)),
		p:  encodeScalar(p),
		q:  encodeScalar(q),
	}, nil
}

// eddsaKeygen draws the server share on ed25519.
func eddsaKeygen(clientPoint string) (*keygenOutcome, error) {
	curve := edwards.Edwards()

	cx, cy, err := parseEdPoint(clientPoint)
	if err != nil {
		return nil, err
	}
	x2, err := randScalar(curve.N)
	if err != nil {
		return nil, err
	}
	sx, sy := curve.ScalarBaseMult(x2.Bytes())
	px, py := curve.Add(cx, cy, sx, sy)

	pub := edwards.BigIntPointToEncodedBytes(px, py)[:]
	address, err := chain.AddressFromPublicKey(keystore.AlgorithmEdDSA, pub)
	if err != nil {
		return nil, err
	}
	return &keygenOutcome{
		serverShare: scalar32(x2),
		serverPoint: hex.EncodeToString(edwards.BigIntPointToEncodedBytes(sx, sy)[:]),
		publicKey:   hex.EncodeToString(pub),
		address:     address,
	}, nil
}

// eddsaSign computes the cosigner nonce point and partial s2 = r2 + k*x2.
func eddsaSign(serverShare []byte, publicKey, r1Point, message string) (*signOutcome, error) {
	curve := edwards.Edwards()

	r1x, r1y, err := parseEdPoint(r1Point)
	if err != nil {
		return nil, err
	}
	msg, err := hex.DecodeString(trimHex(message))
	if err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	pub, err := hex.DecodeString(trimHex(publicKey))
	if err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}

	x2 := new(big.Int).SetBytes(serverShare)
	r2, err := randScalar(curve.N)
	if err != nil {
		return nil, err
	}
	r2x, r2y := curve.ScalarBaseMult(r2.Bytes())

	rx, ry := curve.Add(r1x, r1y, r2x, r2y)
	encodedR := edwards.BigIntPointToEncodedBytes(rx, ry)

	k := eddsaChallenge(encodedR[:], pub, msg)

	s2 := new(big.Int).Mul(k, x2)
	s2.Add(s2, r2)
	s2.Mod(s2, curve.N)

	return &signOutcome{
		r2: hex.EncodeToString(edwards.BigIntPointToEncodedBytes(r2x, r2y)[:]),
		s2: encodeScalar(s2),
	}, nil
}

// eddsaChallenge computes k = H(R || A || M) little-endian mod n.
func eddsaChallenge(encodedR, encodedPub, msg []byte) *big.Int {
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

// refreshDelta draws the rotation offset and applies it to the server share
// as x2' = x2 - delta.
func refreshDelta(serverShare []byte, order *big.Int) (delta *big.Int, refreshed []byte, err error) {
	delta, err = randScalar(order)
	if err != nil {
		return nil, nil, err
	}
	x2 := new(big.Int).SetBytes(serverShare)
	x2.Sub(x2, delta)
	x2.Mod(x2, order)
	if x2.Sign() == 0 {
		return nil, nil, errors.New("refreshed share is zero")
	}
	return delta, scalar32(x2), nil
}
