// Package session tracks protocol sessions and drives their round exchange
// with the cosigner.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Session is the wallet-side record of one protocol run.
type Session struct {
	ID        string
	WalletID  string
	Type      wire.SessionType
	CreatedAt time.Time
	ExpiresAt time.Time

	mu     sync.Mutex
	status wire.SessionStatus
	round  int
	result *wire.SessionResult
	err    error
}

func newSession(id, walletID string, t wire.SessionType, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		WalletID:  walletID,
		Type:      t,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		status:    wire.StatusPending,
	}
}

// Status returns the current session status.
func (s *Session) Status() wire.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Round returns the last completed round number.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Result returns the terminal result, nil until completion.
func (s *Session) Result() *wire.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Err returns the terminal error, nil unless the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Expired reports whether the session passed its deadline.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// advance moves the session forward. Transitions only ever go
// pending -> inProgress -> completed/failed; regressions are rejected and
// writes after a terminal state are ignored so completion stays idempotent.
func (s *Session) advance(status wire.SessionStatus, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	if rank(status) < rank(s.status) {
		return errors.Errorf("illegal session transition %s -> %s", s.status, status)
	}
	s.status = status
	if round > s.round {
		s.round = round
	}
	return nil
}

// complete records the terminal outcome exactly once. Later calls are
// no-ops.
func (s *Session) complete(result *wire.SessionResult, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	if err != nil {
		s.status = wire.StatusFailed
		s.err = err
	} else {
		s.status = wire.StatusCompleted
		s.result = result
	}
	return true
}

func rank(s wire.SessionStatus) int {
	switch s {
	case wire.StatusPending:
		return 0
	case wire.StatusInProgress:
		return 1
	case wire.StatusCompleted, wire.StatusFailed:
		return 2
	default:
		return -1
	}
}
