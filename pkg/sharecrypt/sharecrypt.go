// Package sharecrypt encrypts key-share material in transit between the
// cosigner and a wallet, using ECIES over secp256k1 with AES-256-GCM.
//
// Blob layout: ephemeral public key (33 bytes, compressed) || nonce (12
// bytes) || ciphertext (including the GCM tag). The ephemeral public key is
// bound to the ciphertext as additional authenticated data.
package sharecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize  = 12
	keySize    = 32
	pubKeySize = 33
)

var kdfInfo = []byte("interspace-share-v1")

// Encrypt seals the share so that only the holder of the private key matching
// recipient can recover it.
func Encrypt(share []byte, recipient *ecdsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("recipient public key is nil")
	}

	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate ephemeral key")
	}
	ephemeralPub := crypto.CompressPubkey(&ephemeral.PublicKey)

	secret, err := sharedSecret(ephemeral, recipient)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, ephemeralPub)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	sealed := gcm.Seal(nil, nonce, share, ephemeralPub)

	blob := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(sealed))
	blob = append(blob, ephemeralPub...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Decrypt recovers a share sealed with Encrypt using the recipient's private
// key.
func Decrypt(blob []byte, recipient *ecdsa.PrivateKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("recipient private key is nil")
	}
	if len(blob) < pubKeySize+nonceSize {
		return nil, errors.New("encrypted share too short")
	}

	ephemeralPubBytes := blob[:pubKeySize]
	nonce := blob[pubKeySize : pubKeySize+nonceSize]
	ciphertext := blob[pubKeySize+nonceSize:]

	ephemeralPub, err := crypto.DecompressPubkey(ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse ephemeral public key")
	}

	secret, err := sharedSecret(recipient, ephemeralPub)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(secret, ephemeralPubBytes)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(encKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt share")
	}
	return plaintext, nil
}

// sharedSecret computes the x-coordinate of the ECDH point. The result is
// identical from either side of the exchange.
func sharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if !crypto.S256().IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("public key is not on curve")
	}
	x, _ := crypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return nil, errors.New("shared secret is nil")
	}
	return x.Bytes(), nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, kdfInfo)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive encryption key")
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return gcm, nil
}
