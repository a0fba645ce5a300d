package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
)

const saltFile = "keystore.salt"

// SecureStore persists key shares encrypted at rest. On platforms with a
// hardware keystore the encryption key is wrapped by it; here it is derived
// from the device passphrase with scrypt and never leaves the process.
type SecureStore struct {
	mu            sync.Mutex
	basePath      string
	encryptionKey []byte
}

// NewSecureStore opens (or initializes) the encrypted store rooted at
// basePath. The scrypt salt is created once per store and persisted next to
// the shares.
func NewSecureStore(basePath string, passphrase string) (*SecureStore, error) {
	if passphrase == "" {
		return nil, walleterrors.E(walleterrors.KindInvalidConfiguration, "keystore passphrase is empty")
	}
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "create keystore path")
	}

	salt, err := loadOrCreateSalt(filepath.Join(basePath, saltFile))
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "initialize keystore salt")
	}

	key, err := scrypt.Key([]byte(passphrase), salt, 32768, 8, 1, 32)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindEncryptionFailed, err, "derive keystore key")
	}

	return &SecureStore{basePath: basePath, encryptionKey: key}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == 32 {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read salt")
	}

	salt = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "generate salt")
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errors.Wrap(err, "write salt")
	}
	return salt, nil
}

func (s *SecureStore) sharePath(walletID string) string {
	return filepath.Join(s.basePath, walletID+".share.enc")
}

// Store encrypts and persists the key share for its wallet id, replacing any
// previous share. The write is atomic (temp file then rename).
func (s *SecureStore) Store(ctx context.Context, share *KeyShare) error {
	if share == nil || share.WalletID == "" {
		return walleterrors.E(walleterrors.KindInvalidData, "key share missing wallet id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(share)
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindSerializationError, err, "marshal key share")
	}

	encrypted, err := s.encrypt(plaintext)
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindEncryptionFailed, err, "encrypt key share")
	}

	filePath := s.sharePath(share.WalletID)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, encrypted, 0o600); err != nil {
		return walleterrors.Wrap(walleterrors.KindStorageError, err, "write encrypted share")
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return walleterrors.Wrap(walleterrors.KindStorageError, err, "rename temp file")
	}

	log.Debug().
		Str("wallet_id", share.WalletID).
		Str("algorithm", string(share.Algorithm)).
		Msg("Key share stored")
	return nil
}

// Retrieve decrypts and returns the key share for the wallet id. A missing
// record or one that fails to decrypt surfaces as KeyShareNotFound so callers
// can distinguish "not provisioned" from transport errors.
func (s *SecureStore) Retrieve(ctx context.Context, walletID string) (*KeyShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := os.ReadFile(s.sharePath(walletID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, walleterrors.Ef(walleterrors.KindKeyShareNotFound, "no key share for wallet %s", walletID)
		}
		return nil, walleterrors.Wrap(walleterrors.KindStorageError, err, "read encrypted share")
	}

	plaintext, err := s.decrypt(encrypted)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyShareNotFound, err, "decrypt key share")
	}

	var share KeyShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindKeyShareNotFound, err, "unmarshal key share")
	}
	return &share, nil
}

// Has reports whether a share is persisted for the wallet id.
func (s *SecureStore) Has(ctx context.Context, walletID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.sharePath(walletID))
	return err == nil
}

// Delete removes the persisted share. Deleting a missing share is a no-op.
func (s *SecureStore) Delete(ctx context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.sharePath(walletID)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return walleterrors.Wrap(walleterrors.KindStorageError, err, "delete key share")
	}
	return nil
}

func (s *SecureStore) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *SecureStore) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return plaintext, nil
}
