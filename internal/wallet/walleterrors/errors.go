package walleterrors

import (
	"errors"
	"fmt"
)

// Kind classifies a wallet error for retry and reauthentication policy.
type Kind string

const (
	KindSDKNotInitialized       Kind = "SDK_NOT_INITIALIZED"
	KindKeyShareNotFound        Kind = "KEY_SHARE_NOT_FOUND"
	KindBiometricDenied         Kind = "BIOMETRIC_DENIED"
	KindBiometricUnavailable    Kind = "BIOMETRIC_UNAVAILABLE"
	KindBiometricLockedOut      Kind = "BIOMETRIC_LOCKED_OUT"
	KindUserCancelled           Kind = "USER_CANCELLED"
	KindOperationCancelled      Kind = "OPERATION_CANCELLED"
	KindAuthenticationFailed    Kind = "AUTHENTICATION_FAILED"
	KindSessionExpired          Kind = "SESSION_EXPIRED"
	KindNetworkTimeout          Kind = "NETWORK_TIMEOUT"
	KindRequestTimeout          Kind = "REQUEST_TIMEOUT"
	KindChannelConnectionFailed Kind = "CHANNEL_CONNECTION_FAILED"
	KindSigningFailed           Kind = "SIGNING_FAILED"
	KindKeyGenerationFailed     Kind = "KEY_GENERATION_FAILED"
	KindKeyRotationFailed       Kind = "KEY_ROTATION_FAILED"
	KindDerivationFailed        Kind = "DERIVATION_FAILED"
	KindExportFailed            Kind = "EXPORT_FAILED"
	KindBackupFailed            Kind = "BACKUP_FAILED"
	KindOperationInProgress     Kind = "OPERATION_IN_PROGRESS"
	KindStorageError            Kind = "STORAGE_ERROR"
	KindEncryptionFailed        Kind = "ENCRYPTION_FAILED"
	KindDecryptionFailed        Kind = "DECRYPTION_FAILED"
	KindInvalidConfiguration    Kind = "INVALID_CONFIGURATION"
	KindInvalidData             Kind = "INVALID_DATA"
	KindSerializationError      Kind = "SERIALIZATION_ERROR"
)

// Error is a classified wallet error carrying a human-readable reason and an
// optional wrapped cause.
type Error struct {
	Kind     Kind
	Reason   string
	Original error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Reason)
	if e.Original != nil {
		msg += ": " + e.Original.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Original
}

// Is matches errors of the same kind so callers can use errors.Is with a
// bare E(kind, "") sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a new classified error.
func E(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Ef builds a new classified error with a formatted reason.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying cause. A nil cause yields
// a plain classified error.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Original: err}
}

// KindOf extracts the kind of a classified error, or an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the failed operation.
// Transport-level and protocol-level failures are retryable; everything else
// needs user action first.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkTimeout, KindRequestTimeout, KindChannelConnectionFailed,
		KindSigningFailed, KindKeyGenerationFailed, KindKeyRotationFailed,
		KindExportFailed, KindBackupFailed:
		return true
	}
	return false
}

// RequiresReauth reports whether the user must sign in again before retrying.
func RequiresReauth(err error) bool {
	switch KindOf(err) {
	case KindAuthenticationFailed, KindSessionExpired:
		return true
	}
	return false
}
