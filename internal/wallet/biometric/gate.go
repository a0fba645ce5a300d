// Package biometric gates sensitive wallet operations behind a
// proof-of-presence check.
package biometric

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Prover performs the platform proof-of-presence prompt (fingerprint, face,
// or a terminal confirmation in development). It returns a classified
// walleterrors error on denial, lockout, unavailability, or cancellation.
type Prover interface {
	Prove(ctx context.Context, reason string) error
}

// ProverFunc adapts a function to the Prover interface.
type ProverFunc func(ctx context.Context, reason string) error

func (f ProverFunc) Prove(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

// Gate caches the timestamp of the last successful proof so bursts of
// operations within the validity window prompt only once.
type Gate struct {
	prover Prover
	window time.Duration

	mu          sync.Mutex
	lastSuccess time.Time

	now func() time.Time
}

// NewGate wraps a prover with a validity window.
func NewGate(prover Prover, window time.Duration) *Gate {
	return &Gate{
		prover: prover,
		window: window,
		now:    time.Now,
	}
}

// Authenticate requires a proof of presence, short-circuiting to success if
// the previous proof is still within the validity window.
func (g *Gate) Authenticate(ctx context.Context, reason string) error {
	g.mu.Lock()
	last := g.lastSuccess
	g.mu.Unlock()

	if !last.IsZero() && g.now().Sub(last) < g.window {
		log.Debug().Str("reason", reason).Msg("Biometric proof reused within validity window")
		return nil
	}
	return g.prompt(ctx, reason)
}

// AuthenticateFresh always prompts, ignoring any cached proof. Required for
// the export path.
func (g *Gate) AuthenticateFresh(ctx context.Context, reason string) error {
	return g.prompt(ctx, reason)
}

// Invalidate drops the cached proof, e.g. after logout.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.lastSuccess = time.Time{}
	g.mu.Unlock()
}

func (g *Gate) prompt(ctx context.Context, reason string) error {
	if err := g.prover.Prove(ctx, reason); err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("Biometric proof failed")
		return err
	}

	g.mu.Lock()
	g.lastSuccess = g.now()
	g.mu.Unlock()
	return nil
}
