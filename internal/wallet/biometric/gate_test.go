package biometric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
)

type countingProver struct {
	calls int
	err   error
}

func (p *countingProver) Prove(ctx context.Context, reason string) error {
	p.calls++
	return p.err
}

func TestAuthenticateReusesProofWithinWindow(t *testing.T) {
	ctx := context.Background()
	prover := &countingProver{}
	gate := NewGate(prover, 30*time.Second)

	require.NoError(t, gate.Authenticate(ctx, "sign"))
	require.NoError(t, gate.Authenticate(ctx, "sign"))
	require.NoError(t, gate.Authenticate(ctx, "sign"))

	assert.Equal(t, 1, prover.calls, "burst within the window must prompt once")
}

func TestAuthenticatePromptsAgainAfterWindow(t *testing.T) {
	ctx := context.Background()
	prover := &countingProver{}
	gate := NewGate(prover, 30*time.Second)

	current := time.Now()
	gate.now = func() time.Time { return current }

	require.NoError(t, gate.Authenticate(ctx, "sign"))
	current = current.Add(31 * time.Second)
	require.NoError(t, gate.Authenticate(ctx, "sign"))

	assert.Equal(t, 2, prover.calls)
}

func TestAuthenticateFreshAlwaysPrompts(t *testing.T) {
	ctx := context.Background()
	prover := &countingProver{}
	gate := NewGate(prover, 30*time.Second)

	require.NoError(t, gate.Authenticate(ctx, "sign"))
	require.NoError(t, gate.AuthenticateFresh(ctx, "export"))

	assert.Equal(t, 2, prover.calls, "export must not reuse a cached proof")
}

func TestInvalidateDropsCachedProof(t *testing.T) {
	ctx := context.Background()
	prover := &countingProver{}
	gate := NewGate(prover, time.Hour)

	require.NoError(t, gate.Authenticate(ctx, "sign"))
	gate.Invalidate()
	require.NoError(t, gate.Authenticate(ctx, "sign"))

	assert.Equal(t, 2, prover.calls)
}

func TestDenialIsPropagatedAndNotCached(t *testing.T) {
	ctx := context.Background()
	prover := &countingProver{err: walleterrors.E(walleterrors.KindBiometricDenied, "no match")}
	gate := NewGate(prover, time.Hour)

	err := gate.Authenticate(ctx, "sign")
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindBiometricDenied))

	// A failed proof must not start a validity window.
	prover.err = nil
	require.NoError(t, gate.Authenticate(ctx, "sign"))
	assert.Equal(t, 2, prover.calls)
}
