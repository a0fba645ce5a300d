package config

import (
	"time"

	"github.com/intersend/interspace-wallet-core/internal/util"
)

// TransportKind selects how the wallet talks to the cosigner.
type TransportKind string

const (
	TransportChannel TransportKind = "channel"
	TransportPolling TransportKind = "polling"
)

// Wallet holds the configuration of the wallet core.
type Wallet struct {
	CosignerBaseURL string
	ChannelURL      string
	AuthToken       string
	Transport       TransportKind

	KeystorePath       string
	KeystorePassphrase string

	BiometricWindow time.Duration

	SessionTTL      time.Duration
	PollInterval    time.Duration
	MaxPollDuration time.Duration
	MaxSignRounds   int

	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// Cosigner holds the configuration of the development cosigner service.
type Cosigner struct {
	ListenAddr string

	JWTSecret string
	JWTIssuer string

	KeystorePath       string
	KeystorePassphrase string

	SessionTTL time.Duration

	// RedisAddr switches the session store to redis when set.
	RedisAddr     string
	RedisPassword string
}

// DefaultWalletConfigFromEnv returns the wallet configuration populated from
// the environment with sane defaults.
func DefaultWalletConfigFromEnv() Wallet {
	return Wallet{
		CosignerBaseURL:      util.GetEnv("WALLET_COSIGNER_URL", "http://localhost:9886"),
		ChannelURL:           util.GetEnv("WALLET_CHANNEL_URL", "ws://localhost:9886/v1/channel"),
		AuthToken:            util.GetEnv("WALLET_AUTH_TOKEN", ""),
		Transport:            TransportKind(util.GetEnv("WALLET_TRANSPORT", string(TransportPolling))),
		KeystorePath:         util.GetEnv("WALLET_KEYSTORE_PATH", "/var/lib/interspace/keystore"),
		KeystorePassphrase:   util.GetEnv("WALLET_KEYSTORE_PASSPHRASE", ""),
		BiometricWindow:      util.GetEnvAsDuration("WALLET_BIOMETRIC_WINDOW", 30*time.Second),
		SessionTTL:           util.GetEnvAsDuration("WALLET_SESSION_TTL", 120*time.Second),
		PollInterval:         util.GetEnvAsDuration("WALLET_POLL_INTERVAL", time.Second),
		MaxPollDuration:      util.GetEnvAsDuration("WALLET_MAX_POLL_DURATION", 120*time.Second),
		MaxSignRounds:        util.GetEnvAsInt("WALLET_MAX_SIGN_ROUNDS", 5),
		RequestTimeout:       util.GetEnvAsDuration("WALLET_REQUEST_TIMEOUT", 30*time.Second),
		HeartbeatInterval:    util.GetEnvAsDuration("WALLET_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseDelay:   util.GetEnvAsDuration("WALLET_RECONNECT_BASE_DELAY", time.Second),
		MaxReconnectAttempts: util.GetEnvAsInt("WALLET_MAX_RECONNECT_ATTEMPTS", 5),
	}
}

// DefaultCosignerConfigFromEnv returns the cosigner configuration populated
// from the environment with sane defaults.
func DefaultCosignerConfigFromEnv() Cosigner {
	return Cosigner{
		ListenAddr:         util.GetEnv("COSIGNER_LISTEN_ADDR", ":9886"),
		JWTSecret:          util.GetEnv("COSIGNER_JWT_SECRET", "development-secret"),
		JWTIssuer:          util.GetEnv("COSIGNER_JWT_ISSUER", "interspace-cosigner"),
		KeystorePath:       util.GetEnv("COSIGNER_KEYSTORE_PATH", "/var/lib/interspace/cosigner"),
		KeystorePassphrase: util.GetEnv("COSIGNER_KEYSTORE_PASSPHRASE", ""),
		SessionTTL:         util.GetEnvAsDuration("COSIGNER_SESSION_TTL", 120*time.Second),
		RedisAddr:          util.GetEnv("COSIGNER_REDIS_ADDR", ""),
		RedisPassword:      util.GetEnv("COSIGNER_REDIS_PASSWORD", ""),
	}
}
