// Package cosigner is the development counterpart of the wallet: it holds
// server shares and executes the server side of the key generation, signing
// and rotation protocols. It doubles for the production cosigner in tests
// and local environments.
package cosigner

import (
	"context"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/edwards"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/engine"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
	"github.com/intersend/interspace-wallet-core/pkg/sharecrypt"
)

// ServiceConfig tunes the cosigner service.
type ServiceConfig struct {
	SessionTTL time.Duration

	// SignHoldRounds makes signing sessions report progress without
	// messages for this many status exchanges before releasing the
	// second round. Zero means respond immediately.
	SignHoldRounds int
}

// Service executes the cosigner side of the wallet protocols.
type Service struct {
	cfg      ServiceConfig
	sessions SessionStore
	shares   *keystore.SecureStore
}

// NewService wires a cosigner service.
func NewService(cfg ServiceConfig, sessions SessionStore, shares *keystore.SecureStore) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Minute
	}
	return &Service{cfg: cfg, sessions: sessions, shares: shares}
}

// StartSession opens a session and executes the cosigner's first round.
func (s *Service) StartSession(ctx context.Context, req *wire.SessionStartRequest) (*wire.SessionStatusResponse, error) {
	if req.WalletID == "" {
		return nil, walleterrors.E(walleterrors.KindInvalidData, "wallet id is required")
	}
	if req.Message == nil {
		return nil, walleterrors.E(walleterrors.KindInvalidData, "initial protocol message is required")
	}

	rec := &Record{
		ID:        "session-" + uuid.New().String(),
		WalletID:  req.WalletID,
		Type:      req.Type,
		Algorithm: req.Algorithm,
		Status:    wire.StatusInProgress,
		Round:     1,
		Scratch:   make(map[string]string),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.cfg.SessionTTL),
	}

	var err error
	switch req.Type {
	case wire.SessionKeyGeneration:
		err = s.startKeygen(rec, req.Message)
	case wire.SessionSigning:
		err = s.startSigning(ctx, rec, req.Message)
	case wire.SessionKeyRotation:
		err = s.startRefresh(ctx, rec, req.Message)
	default:
		return nil, walleterrors.Ef(walleterrors.KindInvalidData, "unknown session type %s", req.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Put(ctx, rec); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "persist session")
	}
	log.Info().
		Str("session_id", rec.ID).
		Str("wallet_id", rec.WalletID).
		Str("type", string(rec.Type)).
		Msg("cosigner session started")
	return s.response(rec), nil
}

// Status reports session state, releasing held rounds for signing sessions.
func (s *Service) Status(ctx context.Context, sessionID string) (*wire.SessionStatusResponse, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if rec.HoldRounds > 0 && !rec.Status.Terminal() {
		rec.HoldRounds--
		if err := s.sessions.Put(ctx, rec); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "persist session")
		}
		resp := s.response(rec)
		resp.Messages = nil
		return resp, nil
	}
	return s.response(rec), nil
}

// HandleMessage consumes a wallet message and advances the session.
func (s *Service) HandleMessage(ctx context.Context, sessionID string, env *wire.Envelope) (*wire.SessionStatusResponse, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return s.response(rec), nil
	}

	switch env.Type {
	case wire.MsgKeygenConfirm:
		err = s.finishKeygen(ctx, rec, env)
	case wire.MsgSignComplete:
		err = s.finishSigning(rec, env)
	case wire.MsgRefreshConfirm:
		err = s.finishRefresh(ctx, rec, env)
	default:
		err = walleterrors.Ef(walleterrors.KindInvalidData, "unexpected message %s", env.Type)
	}
	if err != nil {
		rec.Status = wire.StatusFailed
		rec.Error = err.Error()
		rec.Outbox = nil
	}

	if putErr := s.sessions.Put(ctx, rec); putErr != nil {
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, putErr, "persist session")
	}
	return s.response(rec), nil
}

// Backup encrypts the server share to the caller-supplied public key.
func (s *Service) Backup(ctx context.Context, req *wire.BackupRequest) (*wire.BackupResponse, error) {
	share, err := s.shares.Retrieve(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	blob, err := s.encryptShare(share.Share, req.EncryptionKey)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindBackupFailed, err, "encrypt backup")
	}
	log.Info().Str("wallet_id", req.WalletID).Str("label", req.Label).Msg("backup created")
	return &wire.BackupResponse{
		KeyID:            share.KeyID,
		Algorithm:        string(share.Algorithm),
		VerifiableBackup: blob,
		Timestamp:        time.Now(),
	}, nil
}

// Export hands over the server share encrypted to the wallet's ephemeral
// key.
func (s *Service) Export(ctx context.Context, req *wire.ExportRequest) (*wire.ExportResponse, error) {
	share, err := s.shares.Retrieve(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	blob, err := s.encryptShare(share.Share, req.EncryptionKey)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindExportFailed, err, "encrypt server share")
	}
	log.Warn().Str("wallet_id", req.WalletID).Msg("server share exported")
	return &wire.ExportResponse{
		EncryptedServerShare: blob,
		ServerPublicKey:      serverPoint(share),
	}, nil
}

// Info exposes the cosigner's public point for a wallet.
func (s *Service) Info(ctx context.Context, walletID string) (*wire.CosignerInfoResponse, error) {
	share, err := s.shares.Retrieve(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &wire.CosignerInfoResponse{WalletID: walletID, PublicKey: serverPoint(share)}, nil
}

func (s *Service) startKeygen(rec *Record, msg *wire.Envelope) error {
	var round1 wire.KeygenRound1
	if err := msg.Decode(&round1); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode keygen round1")
	}

	var (
		out *keygenOutcome
		err error
	)
	switch keystore.Algorithm(rec.Algorithm) {
	case keystore.AlgorithmECDSA:
		out, err = ecdsaKeygen(round1.ClientPoint)
	case keystore.AlgorithmEdDSA:
		out, err = eddsaKeygen(round1.ClientPoint)
	default:
		return walleterrors.Ef(walleterrors.KindInvalidData, "unknown algorithm %s", rec.Algorithm)
	}
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "cosigner keygen")
	}

	keyID := "key-" + uuid.New().String()
	rec.Scratch["server_share"] = hex.EncodeToString(out.serverShare)
	rec.Scratch["public_key"] = out.publicKey
	rec.Scratch["address"] = out.address
	rec.Scratch["key_id"] = keyID

	reply, err := wire.NewEnvelope(wire.MsgKeygenRound2, rec.ID, &wire.KeygenRound2{
		KeyID:       keyID,
		ServerPoint: out.serverPoint,
	})
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "build keygen round2")
	}
	rec.Outbox = []*wire.Envelope{reply}
	return nil
}

func (s *Service) finishKeygen(ctx context.Context, rec *Record, env *wire.Envelope) error {
	var confirm wire.KeygenConfirm
	if err := env.Decode(&confirm); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode keygen confirm")
	}
	if confirm.PublicKey != rec.Scratch["public_key"] || confirm.Address != rec.Scratch["address"] {
		return walleterrors.E(walleterrors.KindKeyGenerationFailed, "wallet and cosigner disagree on the combined key")
	}

	serverShare, err := hex.DecodeString(rec.Scratch["server_share"])
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindStorageError, err, "decode server share")
	}
	share := &keystore.KeyShare{
		WalletID:  rec.WalletID,
		KeyID:     rec.Scratch["key_id"],
		Algorithm: keystore.Algorithm(rec.Algorithm),
		Share:     serverShare,
		PublicKey: rec.Scratch["public_key"],
		Address:   rec.Scratch["address"],
		CreatedAt: time.Now(),
	}
	if err := s.shares.Store(ctx, share); err != nil {
		return err
	}

	rec.Status = wire.StatusCompleted
	rec.Round = 2
	rec.Outbox = nil
	rec.Result = &wire.SessionResult{
		KeyID:     share.KeyID,
		PublicKey: share.PublicKey,
		Address:   share.Address,
	}
	rec.Scratch = nil
	return nil
}

func (s *Service) startSigning(ctx context.Context, rec *Record, msg *wire.Envelope) error {
	var round1 wire.SignRound1
	if err := msg.Decode(&round1); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode sign round1")
	}

	share, err := s.shares.Retrieve(ctx, rec.WalletID)
	if err != nil {
		return err
	}
	if round1.KeyID != "" && round1.KeyID != share.KeyID {
		return walleterrors.Ef(walleterrors.KindSigningFailed, "unknown key %s", round1.KeyID)
	}

	var out *signOutcome
	switch share.Algorithm {
	case keystore.AlgorithmECDSA:
		out, err = ecdsaSign(share.Share, round1.R1, round1.MessageHash)
	case keystore.AlgorithmEdDSA:
		out, err = eddsaSign(share.Share, share.PublicKey, round1.R1, round1.MessageHash)
	default:
		return walleterrors.Ef(walleterrors.KindInvalidData, "unknown algorithm %s", share.Algorithm)
	}
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindSigningFailed, err, "cosigner signing")
	}

	rec.Scratch["public_key"] = share.PublicKey
	rec.Scratch["message_hash"] = round1.MessageHash
	rec.Scratch["derivation_path"] = round1.DerivationPath
	rec.HoldRounds = s.cfg.SignHoldRounds

	reply, err := wire.NewEnvelope(wire.MsgSignRound2, rec.ID, &wire.SignRound2{
		R2: out.r2,
		P:  out.p,
		Q:  out.q,
		S2: out.s2,
	})
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "build sign round2")
	}
	rec.Outbox = []*wire.Envelope{reply}
	return nil
}

func (s *Service) finishSigning(rec *Record, env *wire.Envelope) error {
	var complete wire.SignComplete
	if err := env.Decode(&complete); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode sign complete")
	}
	if complete.Signature == "" {
		return walleterrors.E(walleterrors.KindSigningFailed, "empty signature")
	}

	// Signatures over derived child keys verify against the child public
	// key, which only the wallet computes. The wallet verifies locally
	// before sending; the cosigner re-checks base-key signatures only.
	if rec.Scratch["derivation_path"] == "" {
		eng, err := engine.New(keystore.Algorithm(rec.Algorithm))
		if err != nil {
			return err
		}
		hash, err := hex.DecodeString(trimHex(rec.Scratch["message_hash"]))
		if err != nil {
			return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode message hash")
		}
		valid, err := eng.Verify(rec.Scratch["public_key"], hash, complete.Signature)
		if err != nil {
			return walleterrors.Wrap(walleterrors.KindSigningFailed, err, "verify signature")
		}
		if !valid {
			return walleterrors.E(walleterrors.KindSigningFailed, "signature does not verify")
		}
	}

	rec.Status = wire.StatusCompleted
	rec.Outbox = nil
	rec.Result = &wire.SessionResult{Signature: complete.Signature}
	rec.Scratch = nil
	return nil
}

func (s *Service) startRefresh(ctx context.Context, rec *Record, msg *wire.Envelope) error {
	var round1 wire.RefreshRound1
	if err := msg.Decode(&round1); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode refresh round1")
	}

	share, err := s.shares.Retrieve(ctx, rec.WalletID)
	if err != nil {
		return err
	}

	order := btcec.S256().N
	if share.Algorithm == keystore.AlgorithmEdDSA {
		order = edwards.Edwards().N
	}
	delta, refreshed, err := refreshDelta(share.Share, order)
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindKeyRotationFailed, err, "cosigner refresh")
	}

	rec.Scratch["refreshed_share"] = hex.EncodeToString(refreshed)
	rec.Scratch["public_key"] = share.PublicKey

	reply, err := wire.NewEnvelope(wire.MsgRefreshRound2, rec.ID, &wire.RefreshRound2{
		Delta: encodeScalar(delta),
	})
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "build refresh round2")
	}
	rec.Outbox = []*wire.Envelope{reply}
	return nil
}

func (s *Service) finishRefresh(ctx context.Context, rec *Record, env *wire.Envelope) error {
	var confirm wire.RefreshConfirm
	if err := env.Decode(&confirm); err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode refresh confirm")
	}
	if confirm.PublicKey != rec.Scratch["public_key"] {
		return walleterrors.E(walleterrors.KindKeyRotationFailed, "public key changed during rotation")
	}

	share, err := s.shares.Retrieve(ctx, rec.WalletID)
	if err != nil {
		return err
	}
	refreshed, err := hex.DecodeString(rec.Scratch["refreshed_share"])
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindStorageError, err, "decode refreshed share")
	}
	share.Share = refreshed
	if err := s.shares.Store(ctx, share); err != nil {
		return err
	}

	rec.Status = wire.StatusCompleted
	rec.Outbox = nil
	rec.Result = &wire.SessionResult{KeyID: share.KeyID, PublicKey: share.PublicKey}
	rec.Scratch = nil
	return nil
}

func (s *Service) load(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if err == ErrSessionNotFound {
			return nil, walleterrors.Ef(walleterrors.KindSessionExpired, "unknown session %s", sessionID)
		}
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "load session")
	}

	if !rec.Status.Terminal() && time.Now().After(rec.ExpiresAt) {
		rec.Status = wire.StatusFailed
		rec.Error = "session expired"
		rec.Outbox = nil
		if err := s.sessions.Put(ctx, rec); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "persist session")
		}
	}
	return rec, nil
}

func (s *Service) response(rec *Record) *wire.SessionStatusResponse {
	resp := &wire.SessionStatusResponse{
		SessionID: rec.ID,
		Status:    rec.Status,
		Round:     rec.Round,
		Messages:  rec.Outbox,
		Result:    rec.Result,
		Error:     rec.Error,
	}
	// Held rounds keep the outbox back until enough status exchanges have
	// passed.
	if rec.HoldRounds > 0 {
		resp.Messages = nil
	}
	return resp
}

// encryptShare ECIES-encrypts a share to a compressed secp256k1 public key.
func (s *Service) encryptShare(share []byte, encryptionKey string) ([]byte, error) {
	raw, err := hex.DecodeString(trimHex(encryptionKey))
	if err != nil {
		return nil, err
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, err
	}
	return sharecrypt.Encrypt(share, pub)
}

// serverPoint derives the cosigner's public point x2*G for a stored share.
func serverPoint(share *keystore.KeyShare) string {
	x2 := new(big.Int).SetBytes(share.Share)
	if share.Algorithm == keystore.AlgorithmEdDSA {
		sx, sy := edwards.Edwards().ScalarBaseMult(x2.Bytes())
		return hex.EncodeToString(edwards.BigIntPointToEncodedBytes(sx, sy)[:])
	}
	sx, sy := btcec.S256().ScalarBaseMult(x2.Bytes())
	return hex.EncodeToString(compressPoint(sx, sy))
}
