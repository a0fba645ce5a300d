// Package wire defines the message vocabulary exchanged between the wallet
// and the cosigner. Every protocol phase has its own typed payload so message
// handling is exhaustive at compile time instead of keyed off dynamic maps.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MsgType tags an envelope with its protocol phase.
type MsgType string

const (
	MsgAuth        MsgType = "auth"
	MsgAuthSuccess MsgType = "auth_success"
	MsgAuthError   MsgType = "auth_error"
	MsgPing        MsgType = "ping"
	MsgPong        MsgType = "pong"

	MsgSessionStart  MsgType = "session_start"
	MsgSessionStatus MsgType = "session_status"

	MsgKeygenRound1  MsgType = "keygen_round1"
	MsgKeygenRound2  MsgType = "keygen_round2"
	MsgKeygenConfirm MsgType = "keygen_confirm"

	MsgSignRound1   MsgType = "sign_round1"
	MsgSignRound2   MsgType = "sign_round2"
	MsgSignComplete MsgType = "sign_complete"

	MsgRefreshRound1  MsgType = "refresh_round1"
	MsgRefreshRound2  MsgType = "refresh_round2"
	MsgRefreshConfirm MsgType = "refresh_confirm"

	MsgError MsgType = "error"
)

// SessionType identifies the protocol a session executes.
type SessionType string

const (
	SessionKeyGeneration SessionType = "keyGeneration"
	SessionSigning       SessionType = "signing"
	SessionKeyRotation   SessionType = "keyRotation"
)

// SessionStatus is the cosigner-visible state of a session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "inProgress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Envelope frames one protocol message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MsgType         `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope frames a payload with a fresh message id.
func NewEnvelope(t MsgType, sessionID string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "marshal payload")
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into the phase-specific type.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("message %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}

// AuthRequest carries the bearer token for the channel handshake.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthError reports a rejected handshake.
type AuthError struct {
	Reason string `json:"reason"`
}

// SessionStartRequest opens a protocol session. Message holds the wallet's
// first-round protocol message.
type SessionStartRequest struct {
	WalletID  string      `json:"wallet_id"`
	Type      SessionType `json:"type"`
	Algorithm string      `json:"algorithm"`
	Message   *Envelope   `json:"message,omitempty"`
}

// SessionStatusRequest polls the state of a session.
type SessionStatusRequest struct {
	SessionID string `json:"session_id"`
}

// SessionStatusResponse reports the session state and, while in progress, the
// cosigner's response messages for the next round.
type SessionStatusResponse struct {
	SessionID string         `json:"session_id"`
	Status    SessionStatus  `json:"status"`
	Round     int            `json:"round"`
	Messages  []*Envelope    `json:"messages,omitempty"`
	Result    *SessionResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// SessionResult is the typed outcome of a completed session.
type SessionResult struct {
	KeyID     string `json:"key_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// KeygenRound1 carries the wallet's public point x1*G.
type KeygenRound1 struct {
	ClientPoint string `json:"client_point"`
}

// KeygenRound2 carries the cosigner's public point x2*G.
type KeygenRound2 struct {
	KeyID       string `json:"key_id"`
	ServerPoint string `json:"server_point"`
}

// KeygenConfirm reports the locally combined public key and address back to
// the cosigner so both sides agree before the session completes.
type KeygenConfirm struct {
	PublicKey string `json:"public_key"`
	Address   string `json:"address"`
}

// SignRound1 opens a signing run with the wallet's nonce point k1*G.
type SignRound1 struct {
	KeyID          string `json:"key_id"`
	MessageHash    string `json:"message_hash"`
	DerivationPath string `json:"derivation_path,omitempty"`
	R1             string `json:"r1"`
}

// SignRound2 carries the cosigner's nonce point and partial values. For ECDSA
// these are P and Q; for EdDSA the partial scalar S2.
type SignRound2 struct {
	R2 string `json:"r2"`
	P  string `json:"p,omitempty"`
	Q  string `json:"q,omitempty"`
	S2 string `json:"s2,omitempty"`
}

// SignComplete carries the assembled signature for cosigner-side
// verification.
type SignComplete struct {
	Signature string `json:"signature"`
}

// RefreshRound1 opens a proactive share refresh.
type RefreshRound1 struct {
	KeyID string `json:"key_id"`
}

// RefreshRound2 carries the cosigner's refresh offset.
type RefreshRound2 struct {
	Delta string `json:"delta"`
}

// RefreshConfirm proves the refreshed shares still combine to the original
// public key.
type RefreshConfirm struct {
	PublicKey string `json:"public_key"`
}

// ErrorPayload carries a classified failure across the wire.
type ErrorPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// BackupRequest asks the cosigner for a verifiable backup of its share,
// encrypted to the supplied public key.
type BackupRequest struct {
	WalletID      string `json:"wallet_id"`
	EncryptionKey string `json:"encryption_key"`
	Label         string `json:"label"`
}

// BackupResponse is the cosigner's opaque backup blob.
type BackupResponse struct {
	KeyID            string    `json:"key_id"`
	Algorithm        string    `json:"algorithm"`
	VerifiableBackup []byte    `json:"verifiable_backup"`
	Timestamp        time.Time `json:"timestamp"`
}

// ExportRequest asks the cosigner to hand over its share for a local key
// reconstruction, encrypted to the supplied ephemeral public key.
type ExportRequest struct {
	WalletID      string `json:"wallet_id"`
	EncryptionKey string `json:"encryption_key"`
}

// ExportResponse carries the encrypted server share and the cosigner's public
// point for the wallet.
type ExportResponse struct {
	EncryptedServerShare []byte `json:"encrypted_server_share"`
	ServerPublicKey      string `json:"server_public_key"`
}

// CosignerInfoResponse exposes the cosigner's public point for a wallet,
// needed to initialize a session.
type CosignerInfoResponse struct {
	WalletID  string `json:"wallet_id"`
	PublicKey string `json:"public_key"`
}
