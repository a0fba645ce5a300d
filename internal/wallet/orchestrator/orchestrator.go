// Package orchestrator is the top-level wallet API. Every operation takes the
// same path: exclusivity guard, biometric proof, protocol session, keystore
// update. The guard is always released on exit.
package orchestrator

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/biometric"
	"github.com/intersend/interspace-wallet-core/internal/wallet/chain"
	"github.com/intersend/interspace-wallet-core/internal/wallet/engine"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/metrics"
	"github.com/intersend/interspace-wallet-core/internal/wallet/session"
	"github.com/intersend/interspace-wallet-core/internal/wallet/transport"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// WalletInfo is the public outcome of key generation.
type WalletInfo struct {
	WalletID  string
	KeyID     string
	Algorithm keystore.Algorithm
	PublicKey string
	Address   string
}

// BackupData is an opaque encrypted backup of the cosigner share. The caller
// persists it; this package never does.
type BackupData struct {
	KeyID            string
	Algorithm        string
	VerifiableBackup []byte
	Timestamp        time.Time
}

// ExportData carries a reconstructed private key. It is never persisted and
// exists only in this return value.
type ExportData struct {
	PrivateKey string
	PublicKey  string
	Address    string
	Warning    string
}

const exportWarning = "this private key grants full control of the wallet; anyone holding it can move all funds"

// ConfirmFunc asks the user for an explicit yes before a destructive
// operation proceeds.
type ConfirmFunc func(ctx context.Context) bool

// Orchestrator coordinates wallet operations across the gate, keystore,
// engine and session layers. At most one operation runs per wallet at a
// time.
type Orchestrator struct {
	gate    *biometric.Gate
	store   *keystore.SecureStore
	coord   *session.Coordinator
	backend *transport.Backend

	mu         sync.Mutex
	inProgress map[string]string
}

// New wires an orchestrator from its collaborators.
func New(gate *biometric.Gate, store *keystore.SecureStore, coord *session.Coordinator, backend *transport.Backend) *Orchestrator {
	return &Orchestrator{
		gate:       gate,
		store:      store,
		coord:      coord,
		backend:    backend,
		inProgress: make(map[string]string),
	}
}

// begin claims the wallet for an operation. Claimed before the biometric
// prompt so a concurrent caller is rejected without touching the gate.
func (o *Orchestrator) begin(walletID, op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.inProgress[walletID]; ok {
		return walleterrors.Ef(walleterrors.KindOperationInProgress, "operation %s already running for wallet", running)
	}
	o.inProgress[walletID] = op
	return nil
}

func (o *Orchestrator) end(walletID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inProgress, walletID)
}

// Generate runs distributed key generation and stores the resulting client
// share.
func (o *Orchestrator) Generate(ctx context.Context, walletID string, alg keystore.Algorithm) (info *WalletInfo, err error) {
	if err := o.begin(walletID, "generate"); err != nil {
		return nil, err
	}
	defer o.end(walletID)
	defer o.observe("generate", time.Now(), &err)

	if err := o.gate.Authenticate(ctx, "generate a new wallet key"); err != nil {
		return nil, err
	}
	if o.store.Has(ctx, walletID) {
		return nil, walleterrors.Ef(walleterrors.KindKeyGenerationFailed, "wallet %s already has a key share", walletID)
	}

	eng, err := engine.New(alg)
	if err != nil {
		return nil, err
	}
	proto := &keygenProtocol{eng: eng}
	if err := o.runSession(ctx, walletID, proto); err != nil {
		return nil, err
	}

	// The cosigner must advertise the same public point it used during the
	// exchange before the client share is persisted.
	cosignerInfo, err := o.backend.CosignerInfo(ctx, walletID)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyGenerationFailed, err, "fetch cosigner info")
	}
	if cosignerInfo.PublicKey != proto.serverPoint {
		return nil, walleterrors.E(walleterrors.KindKeyGenerationFailed, "cosigner point does not match the keygen exchange")
	}

	share := proto.share
	share.WalletID = walletID
	if err := o.store.Store(ctx, share); err != nil {
		return nil, err
	}

	log.Info().
		Str("wallet_id", walletID).
		Str("key_id", share.KeyID).
		Str("address", share.Address).
		Msg("wallet generated")

	return &WalletInfo{
		WalletID:  walletID,
		KeyID:     share.KeyID,
		Algorithm: share.Algorithm,
		PublicKey: share.PublicKey,
		Address:   share.Address,
	}, nil
}

// Sign produces a signature over a precomputed message hash, optionally for
// a derived child key.
func (o *Orchestrator) Sign(ctx context.Context, walletID string, messageHash []byte, derivationPath string) (sig string, err error) {
	if err := o.begin(walletID, "sign"); err != nil {
		return "", err
	}
	defer o.end(walletID)
	defer o.observe("sign", time.Now(), &err)

	if err := o.gate.Authenticate(ctx, "sign a message"); err != nil {
		return "", err
	}
	share, err := o.store.Retrieve(ctx, walletID)
	if err != nil {
		return "", err
	}

	eng, err := engine.New(share.Algorithm)
	if err != nil {
		return "", err
	}
	proto := &signProtocol{eng: eng, share: share, messageHash: messageHash, path: derivationPath}
	if err := o.runSession(ctx, walletID, proto); err != nil {
		return "", err
	}
	return proto.signature, nil
}

// SignTransaction hashes an ethereum transaction and signs it.
func (o *Orchestrator) SignTransaction(ctx context.Context, walletID string, params *chain.TxParams) (string, error) {
	hash, err := chain.TransactionHash(params)
	if err != nil {
		return "", walleterrors.Wrap(walleterrors.KindSerializationError, err, "hash transaction")
	}
	return o.Sign(ctx, walletID, hash, "")
}

// Rotate refreshes both shares without changing the public key.
func (o *Orchestrator) Rotate(ctx context.Context, walletID string) (err error) {
	if err := o.begin(walletID, "rotate"); err != nil {
		return err
	}
	defer o.end(walletID)
	defer o.observe("rotate", time.Now(), &err)

	if err := o.gate.Authenticate(ctx, "rotate the wallet key"); err != nil {
		return err
	}
	share, err := o.store.Retrieve(ctx, walletID)
	if err != nil {
		return err
	}

	eng, err := engine.New(share.Algorithm)
	if err != nil {
		return err
	}
	proto := &refreshProtocol{eng: eng, share: share}
	if err := o.runSession(ctx, walletID, proto); err != nil {
		return err
	}

	if err := o.store.Store(ctx, proto.refreshed); err != nil {
		return err
	}
	log.Info().Str("wallet_id", walletID).Str("key_id", share.KeyID).Msg("wallet key rotated")
	return nil
}

// Backup asks the cosigner for a verifiable encrypted backup of its share,
// encrypted to the caller-supplied public key.
func (o *Orchestrator) Backup(ctx context.Context, walletID, encryptionKey, label string) (data *BackupData, err error) {
	if err := o.begin(walletID, "backup"); err != nil {
		return nil, err
	}
	defer o.end(walletID)
	defer o.observe("backup", time.Now(), &err)

	if err := o.gate.Authenticate(ctx, "back up the wallet key"); err != nil {
		return nil, err
	}
	if _, err := o.store.Retrieve(ctx, walletID); err != nil {
		return nil, err
	}

	resp, err := o.backend.CreateBackup(ctx, &wire.BackupRequest{
		WalletID:      walletID,
		EncryptionKey: encryptionKey,
		Label:         label,
	})
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindBackupFailed, err, "cosigner backup")
	}
	return &BackupData{
		KeyID:            resp.KeyID,
		Algorithm:        resp.Algorithm,
		VerifiableBackup: resp.VerifiableBackup,
		Timestamp:        resp.Timestamp,
	}, nil
}

// Export reconstructs the full private key locally. It demands a fresh
// biometric proof and an explicit confirmation even when a cached proof is
// still valid.
func (o *Orchestrator) Export(ctx context.Context, walletID string, confirm ConfirmFunc) (data *ExportData, err error) {
	if err := o.begin(walletID, "export"); err != nil {
		return nil, err
	}
	defer o.end(walletID)
	defer o.observe("export", time.Now(), &err)

	if err := o.gate.AuthenticateFresh(ctx, "export the full private key"); err != nil {
		return nil, err
	}
	if confirm == nil || !confirm(ctx) {
		return nil, walleterrors.E(walleterrors.KindUserCancelled, "export not confirmed")
	}

	share, err := o.store.Retrieve(ctx, walletID)
	if err != nil {
		return nil, err
	}

	// Ephemeral key for this export only; the cosigner encrypts its share
	// to it and it is dropped when this call returns.
	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindExportFailed, err, "generate ephemeral key")
	}

	resp, err := o.backend.Export(ctx, &wire.ExportRequest{
		WalletID:      walletID,
		EncryptionKey: hex.EncodeToString(crypto.CompressPubkey(&ephemeral.PublicKey)),
	})
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindExportFailed, err, "cosigner export")
	}

	eng, err := engine.New(share.Algorithm)
	if err != nil {
		return nil, err
	}
	privateKey, err := eng.Combine(share, resp.EncryptedServerShare, ephemeral)
	if err != nil {
		return nil, err
	}

	log.Warn().Str("wallet_id", walletID).Msg("private key exported")
	return &ExportData{
		PrivateKey: privateKey,
		PublicKey:  share.PublicKey,
		Address:    share.Address,
		Warning:    exportWarning,
	}, nil
}

// runSession starts a session for the protocol and blocks until its terminal
// outcome.
func (o *Orchestrator) runSession(ctx context.Context, walletID string, proto session.Protocol) error {
	_, outcome, err := o.coord.StartSession(ctx, walletID, proto)
	if err != nil {
		return err
	}
	select {
	case out := <-outcome:
		return out.Err
	case <-ctx.Done():
		return walleterrors.Wrap(walleterrors.KindOperationCancelled, ctx.Err(), "operation canceled")
	}
}

func (o *Orchestrator) observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "failure"
	}
	metrics.ObserveOperation(op, status, time.Since(start))
}
