package cosigner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersend/interspace-wallet-core/internal/wallet/engine"
	"github.com/intersend/interspace-wallet-core/internal/wallet/keystore"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
	"github.com/intersend/interspace-wallet-core/pkg/sharecrypt"
)

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	shares, err := keystore.NewSecureStore(t.TempDir(), "cosigner-pass")
	require.NoError(t, err)
	return NewService(cfg, NewMemoryStore(), shares)
}

func mustEnvelope(t *testing.T, mt wire.MsgType, sessionID string, payload interface{}) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(mt, sessionID, payload)
	require.NoError(t, err)
	return env
}

// runKeygen walks a full key-generation session against the service using a
// real wallet-side engine.
func runKeygen(t *testing.T, svc *Service, walletID string, alg keystore.Algorithm) *keystore.KeyShare {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.New(alg)
	require.NoError(t, err)
	state, round1, err := eng.KeygenInit()
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  walletID,
		Type:      wire.SessionKeyGeneration,
		Algorithm: string(alg),
		Message:   mustEnvelope(t, wire.MsgKeygenRound1, "", round1),
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusInProgress, resp.Status)
	require.Len(t, resp.Messages, 1)
	require.Equal(t, wire.MsgKeygenRound2, resp.Messages[0].Type)

	var round2 wire.KeygenRound2
	require.NoError(t, resp.Messages[0].Decode(&round2))
	share, err := eng.KeygenFinish(state, &round2)
	require.NoError(t, err)

	confirm := mustEnvelope(t, wire.MsgKeygenConfirm, resp.SessionID, &wire.KeygenConfirm{
		PublicKey: share.PublicKey,
		Address:   share.Address,
	})
	final, err := svc.HandleMessage(ctx, resp.SessionID, confirm)
	require.NoError(t, err)
	require.Equal(t, wire.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, share.PublicKey, final.Result.PublicKey)

	share.WalletID = walletID
	return share
}

func TestKeygenSessionECDSA(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	share := runKeygen(t, svc, "wallet-kg", keystore.AlgorithmECDSA)
	assert.Regexp(t, "^0x[0-9a-f]{40}$", share.Address)

	// The server share is persisted for later signing.
	info, err := svc.Info(context.Background(), "wallet-kg")
	require.NoError(t, err)
	assert.NotEmpty(t, info.PublicKey)
}

func TestKeygenConfirmMismatchFailsSession(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	eng, err := engine.New(keystore.AlgorithmECDSA)
	require.NoError(t, err)
	_, round1, err := eng.KeygenInit()
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-mismatch",
		Type:      wire.SessionKeyGeneration,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgKeygenRound1, "", round1),
	})
	require.NoError(t, err)

	confirm := mustEnvelope(t, wire.MsgKeygenConfirm, resp.SessionID, &wire.KeygenConfirm{
		PublicKey: "02deadbeef",
		Address:   "0x0000000000000000000000000000000000000000",
	})
	final, err := svc.HandleMessage(ctx, resp.SessionID, confirm)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "disagree")
}

func TestSigningSessionECDSA(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	share := runKeygen(t, svc, "wallet-sign", keystore.AlgorithmECDSA)

	eng, err := engine.New(keystore.AlgorithmECDSA)
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("pay rent"))
	state, round1, err := eng.SignInit(share, hash[:], "")
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-sign",
		Type:      wire.SessionSigning,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgSignRound1, "", round1),
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)

	var round2 wire.SignRound2
	require.NoError(t, resp.Messages[0].Decode(&round2))
	sig, err := eng.SignFinish(state, &round2)
	require.NoError(t, err)

	complete := mustEnvelope(t, wire.MsgSignComplete, resp.SessionID, &wire.SignComplete{Signature: sig})
	final, err := svc.HandleMessage(ctx, resp.SessionID, complete)
	require.NoError(t, err)
	require.Equal(t, wire.StatusCompleted, final.Status)
	assert.Equal(t, sig, final.Result.Signature)

	valid, err := eng.Verify(share.PublicKey, hash[:], sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSigningSessionEdDSA(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	share := runKeygen(t, svc, "wallet-ed", keystore.AlgorithmEdDSA)

	eng, err := engine.New(keystore.AlgorithmEdDSA)
	require.NoError(t, err)

	msg := []byte("ed25519 payload")
	state, round1, err := eng.SignInit(share, msg, "")
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-ed",
		Type:      wire.SessionSigning,
		Algorithm: "eddsa",
		Message:   mustEnvelope(t, wire.MsgSignRound1, "", round1),
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)

	var round2 wire.SignRound2
	require.NoError(t, resp.Messages[0].Decode(&round2))
	sig, err := eng.SignFinish(state, &round2)
	require.NoError(t, err)

	complete := mustEnvelope(t, wire.MsgSignComplete, resp.SessionID, &wire.SignComplete{Signature: sig})
	final, err := svc.HandleMessage(ctx, resp.SessionID, complete)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusCompleted, final.Status)
}

func TestSigningBeforeKeygenFails(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})

	_, err := svc.StartSession(context.Background(), &wire.SessionStartRequest{
		WalletID:  "wallet-unknown",
		Type:      wire.SessionSigning,
		Algorithm: "ecdsa",
		Message: mustEnvelope(t, wire.MsgSignRound1, "", &wire.SignRound1{
			R1:          "02aa",
			MessageHash: hex.EncodeToString(make([]byte, 32)),
		}),
	})
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindKeyShareNotFound))
}

func TestRotationSessionKeepsPublicKey(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	share := runKeygen(t, svc, "wallet-rot", keystore.AlgorithmECDSA)

	eng, err := engine.New(keystore.AlgorithmECDSA)
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-rot",
		Type:      wire.SessionKeyRotation,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgRefreshRound1, "", &wire.RefreshRound1{KeyID: share.KeyID}),
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)

	var round2 wire.RefreshRound2
	require.NoError(t, resp.Messages[0].Decode(&round2))
	refreshed, err := eng.RefreshApply(share, &round2)
	require.NoError(t, err)

	confirm := mustEnvelope(t, wire.MsgRefreshConfirm, resp.SessionID, &wire.RefreshConfirm{
		PublicKey: refreshed.PublicKey,
	})
	final, err := svc.HandleMessage(ctx, resp.SessionID, confirm)
	require.NoError(t, err)
	require.Equal(t, wire.StatusCompleted, final.Status)

	// Both sides rotated; a fresh signing round must still verify against
	// the original public key.
	hash := sha256.Sum256([]byte("after rotation"))
	state, round1, err := eng.SignInit(refreshed, hash[:], "")
	require.NoError(t, err)

	signResp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-rot",
		Type:      wire.SessionSigning,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgSignRound1, "", round1),
	})
	require.NoError(t, err)
	require.Len(t, signResp.Messages, 1)

	var signRound2 wire.SignRound2
	require.NoError(t, signResp.Messages[0].Decode(&signRound2))
	sig, err := eng.SignFinish(state, &signRound2)
	require.NoError(t, err)

	valid, err := eng.Verify(share.PublicKey, hash[:], sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSessionExpiryServerSide(t *testing.T) {
	svc := newTestService(t, ServiceConfig{SessionTTL: 10 * time.Millisecond})
	ctx := context.Background()

	eng, err := engine.New(keystore.AlgorithmECDSA)
	require.NoError(t, err)
	_, round1, err := eng.KeygenInit()
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-exp",
		Type:      wire.SessionKeyGeneration,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgKeygenRound1, "", round1),
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	status, err := svc.Status(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusFailed, status.Status)
	assert.Contains(t, status.Error, "expired")
}

func TestSignHoldRoundsWithholdMessages(t *testing.T) {
	svc := newTestService(t, ServiceConfig{SignHoldRounds: 3})
	ctx := context.Background()
	share := runKeygen(t, svc, "wallet-hold", keystore.AlgorithmECDSA)

	eng, err := engine.New(keystore.AlgorithmECDSA)
	require.NoError(t, err)
	hash := sha256.Sum256([]byte("held"))
	_, round1, err := eng.SignInit(share, hash[:], "")
	require.NoError(t, err)

	resp, err := svc.StartSession(ctx, &wire.SessionStartRequest{
		WalletID:  "wallet-hold",
		Type:      wire.SessionSigning,
		Algorithm: "ecdsa",
		Message:   mustEnvelope(t, wire.MsgSignRound1, "", round1),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Messages, "messages are withheld while rounds are held")

	var withheld int
	for i := 0; i < 10; i++ {
		status, err := svc.Status(ctx, resp.SessionID)
		require.NoError(t, err)
		if len(status.Messages) > 0 {
			break
		}
		withheld++
	}
	assert.Equal(t, 3, withheld)
}

func TestExportEncryptsToSuppliedKey(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	runKeygen(t, svc, "wallet-exp2", keystore.AlgorithmECDSA)

	ephemeral, err := crypto.GenerateKey()
	require.NoError(t, err)

	resp, err := svc.Export(ctx, &wire.ExportRequest{
		WalletID:      "wallet-exp2",
		EncryptionKey: hex.EncodeToString(crypto.CompressPubkey(&ephemeral.PublicKey)),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ServerPublicKey)

	serverShare, err := sharecrypt.Decrypt(resp.EncryptedServerShare, ephemeral)
	require.NoError(t, err)
	assert.Len(t, serverShare, 32)
}

func TestBackupRequiresExistingShare(t *testing.T) {
	svc := newTestService(t, ServiceConfig{})

	ephemeral, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = svc.Backup(context.Background(), &wire.BackupRequest{
		WalletID:      "wallet-none",
		EncryptionKey: hex.EncodeToString(crypto.CompressPubkey(&ephemeral.PublicKey)),
		Label:         "test",
	})
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindKeyShareNotFound))
}
