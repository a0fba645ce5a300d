package engine

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// childTweak computes the BIP-32 non-hardened tweak IL and child chain code
// for one derivation step.
func childTweak(parentPubKey []byte, chainCode []byte, index uint32) (*big.Int, []byte, error) {
	if index >= 0x80000000 {
		return nil, nil, errors.New("hardened derivation requires private key material")
	}
	if len(chainCode) != 32 {
		return nil, nil, errors.New("invalid chain code length: must be 32 bytes")
	}

	parent, err := btcec.ParsePubKey(parentPubKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse parent public key")
	}

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(parent.SerializeCompressed())
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)
	mac.Write(indexBytes[:])

	sum := mac.Sum(nil)
	il := new(big.Int).SetBytes(sum[:32])
	if il.Cmp(btcec.S256().N) >= 0 || il.Sign() == 0 {
		return nil, nil, errors.New("invalid derived tweak (IL >= n or IL = 0)")
	}
	return il, sum[32:], nil
}

// derivePath walks a non-hardened path from the parent key, returning the
// accumulated scalar tweak and the final child public key point.
func derivePath(parentPubKey []byte, chainCode []byte, indexes []uint32) (*big.Int, *big.Int, *big.Int, error) {
	curve := btcec.S256()

	parent, err := btcec.ParsePubKey(parentPubKey)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "parse parent public key")
	}
	px, py := parent.ToECDSA().X, parent.ToECDSA().Y

	tweak := new(big.Int)
	code := chainCode
	for _, index := range indexes {
		il, childCode, err := childTweak(compressSecpPoint(px, py), code, index)
		if err != nil {
			return nil, nil, nil, err
		}

		ilx, ily := curve.ScalarBaseMult(il.Bytes())
		px, py = curve.Add(px, py, ilx, ily)
		if px.Sign() == 0 && py.Sign() == 0 {
			return nil, nil, nil, errors.New("invalid derived key (point at infinity)")
		}

		tweak.Add(tweak, il)
		tweak.Mod(tweak, curve.N)
		code = childCode
	}
	return tweak, px, py, nil
}
