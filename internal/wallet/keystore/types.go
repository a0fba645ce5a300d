package keystore

import "time"

// Algorithm identifies the threshold-signature algorithm of a key share.
type Algorithm string

const (
	AlgorithmECDSA Algorithm = "ecdsa"
	AlgorithmEdDSA Algorithm = "eddsa"
)

// Valid reports whether the algorithm is one of the supported variants.
func (a Algorithm) Valid() bool {
	return a == AlgorithmECDSA || a == AlgorithmEdDSA
}

// KeyShare is the client half of a 2-party threshold key. Exactly one exists
// per wallet id. PublicKey and Address never change after key generation;
// rotation replaces only Share and CreatedAt.
type KeyShare struct {
	WalletID  string    `json:"wallet_id"`
	KeyID     string    `json:"key_id"`
	Algorithm Algorithm `json:"algorithm"`
	Share     []byte    `json:"share"`
	PublicKey string    `json:"public_key"`
	Address   string    `json:"address"`
	ChainCode []byte    `json:"chain_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers cannot mutate the stored share.
func (k *KeyShare) Clone() *KeyShare {
	if k == nil {
		return nil
	}
	c := *k
	c.Share = append([]byte(nil), k.Share...)
	c.ChainCode = append([]byte(nil), k.ChainCode...)
	return &c
}
