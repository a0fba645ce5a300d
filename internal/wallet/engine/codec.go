package engine

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/edwards"
	"github.com/pkg/errors"
)

// trimHex strips an optional 0x prefix.
func trimHex(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(trimHex(s))
	if err != nil {
		return nil, errors.Wrap(err, "decode hex")
	}
	return b, nil
}

// scalarBytes left-pads a scalar to 32 bytes big-endian.
func scalarBytes(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func encodeScalar(v *big.Int) string {
	return hex.EncodeToString(scalarBytes(v))
}

func decodeScalar(s string, order *big.Int) (*big.Int, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(b)
	if v.Sign() == 0 || v.Cmp(order) >= 0 {
		return nil, errors.New("scalar out of range")
	}
	return v, nil
}

// randomScalar draws a uniform non-zero scalar below order.
func randomScalar(order *big.Int) (*big.Int, error) {
	max := new(big.Int).Sub(order, big.NewInt(1))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, errors.Wrap(err, "draw random scalar")
	}
	return v.Add(v, big.NewInt(1)), nil
}

// compressSecpPoint serializes a secp256k1 point in compressed form.
func compressSecpPoint(x, y *big.Int) []byte {
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

// parseSecpPoint decodes a hex compressed secp256k1 point.
func parseSecpPoint(s string) (*big.Int, *big.Int, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, nil, err
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse secp256k1 point")
	}
	key := pub.ToECDSA()
	return key.X, key.Y, nil
}

// parseEdwardsPoint decodes a hex encoded ed25519 point.
func parseEdwardsPoint(s string) (*big.Int, *big.Int, error) {
	b, err := decodeHex(s)
	if err != nil {
		return nil, nil, err
	}
	if len(b) != 32 {
		return nil, nil, errors.Errorf("unexpected point length: %d", len(b))
	}
	var enc [32]byte
	copy(enc[:], b)
	x, y, err := edwards.Edwards().EncodedBytesToBigIntPoint(&enc)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse ed25519 point")
	}
	return x, y, nil
}

// parsePath parses a derivation path like "m/0/1" into its child indexes.
// Hardened segments are rejected; they would need the private key of both
// parties.
func parsePath(path string) ([]uint32, error) {
	segments := strings.Split(strings.TrimPrefix(path, "m/"), "/")
	if len(segments) == 0 || path == "" {
		return nil, errors.New("empty derivation path")
	}
	out := make([]uint32, 0, len(segments))
	for _, seg := range segments {
		if strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h") {
			return nil, errors.Errorf("hardened segment %q is not supported", seg)
		}
		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid path segment %q", seg)
		}
		if n >= 0x80000000 {
			return nil, errors.Errorf("path segment %d is in the hardened range", n)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
