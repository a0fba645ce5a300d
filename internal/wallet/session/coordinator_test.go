package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intersend/interspace-wallet-core/internal/wallet/transport"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// scriptTransport answers SendRequest from a scripted queue of status
// responses.
type scriptTransport struct {
	mu       sync.Mutex
	script   []*wire.SessionStatusResponse
	requests []*wire.Envelope
	delay    time.Duration
}

func (s *scriptTransport) Connect(ctx context.Context) error { return nil }
func (s *scriptTransport) Disconnect() error                 { return nil }
func (s *scriptTransport) Send(ctx context.Context, env *wire.Envelope) error {
	return nil
}
func (s *scriptTransport) RegisterHandler(t wire.MsgType, h transport.Handler) {}

func (s *scriptTransport) SendRequest(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, env)
	if len(s.script) == 0 {
		return nil, walleterrors.E(walleterrors.KindNetworkTimeout, "script exhausted")
	}
	status := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return wire.NewEnvelope(wire.MsgSessionStatus, status.SessionID, status)
}

// echoProtocol answers every cosigner message with a fixed confirm message.
type echoProtocol struct {
	sessionType wire.SessionType
	handled     int
}

func (p *echoProtocol) Type() wire.SessionType { return p.sessionType }
func (p *echoProtocol) Algorithm() string      { return "ecdsa" }

func (p *echoProtocol) Initial() (*wire.Envelope, error) {
	return wire.NewEnvelope(wire.MsgSignRound1, "", &wire.SignRound1{R1: "aa"})
}

func (p *echoProtocol) Handle(msg *wire.Envelope) (*wire.Envelope, error) {
	p.handled++
	return wire.NewEnvelope(wire.MsgSignComplete, msg.SessionID, &wire.SignComplete{Signature: "0xdead"})
}

func status(id string, st wire.SessionStatus, round int, msgs ...*wire.Envelope) *wire.SessionStatusResponse {
	return &wire.SessionStatusResponse{SessionID: id, Status: st, Round: round, Messages: msgs}
}

func mustEnvelope(t *testing.T, mt wire.MsgType, sessionID string, payload interface{}) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(mt, sessionID, payload)
	require.NoError(t, err)
	return env
}

func TestSessionCompletesAndDeliversResult(t *testing.T) {
	round2 := mustEnvelope(t, wire.MsgSignRound2, "s-1", &wire.SignRound2{R2: "bb"})
	tr := &scriptTransport{script: []*wire.SessionStatusResponse{
		status("s-1", wire.StatusInProgress, 1, round2),
		{SessionID: "s-1", Status: wire.StatusCompleted, Round: 2, Result: &wire.SessionResult{Signature: "0xdead"}},
	}}

	coord := NewCoordinator(tr, CoordinatorConfig{TTL: time.Minute, MaxRounds: 5})
	proto := &echoProtocol{sessionType: wire.SessionSigning}

	sess, outcome, err := coord.StartSession(context.Background(), "wallet-1", proto)
	require.NoError(t, err)

	out := <-outcome
	require.NoError(t, out.Err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "0xdead", out.Result.Signature)
	assert.Equal(t, 1, proto.handled)
	assert.Equal(t, wire.StatusCompleted, sess.Status())

	// Terminal delivery is exactly once, the channel is drained.
	select {
	case extra, ok := <-outcome:
		assert.False(t, ok, "unexpected second outcome: %+v", extra)
	default:
	}
}

func TestRoundCapFailsSigning(t *testing.T) {
	// The cosigner keeps reporting progress without ever producing
	// messages; the script's last entry repeats forever.
	tr := &scriptTransport{script: []*wire.SessionStatusResponse{
		status("s-2", wire.StatusInProgress, 1),
	}}

	coord := NewCoordinator(tr, CoordinatorConfig{TTL: time.Minute, MaxRounds: 5})
	proto := &echoProtocol{sessionType: wire.SessionSigning}

	_, outcome, err := coord.StartSession(context.Background(), "wallet-2", proto)
	require.NoError(t, err)

	out := <-outcome
	require.Error(t, out.Err)
	assert.True(t, walleterrors.IsKind(out.Err, walleterrors.KindSigningFailed))
	assert.Contains(t, out.Err.Error(), "exceeded maximum rounds")
}

func TestForcedExpiryFailsWithRequestTimeout(t *testing.T) {
	tr := &scriptTransport{
		script: []*wire.SessionStatusResponse{status("s-3", wire.StatusInProgress, 1)},
		delay:  20 * time.Millisecond,
	}

	coord := NewCoordinator(tr, CoordinatorConfig{TTL: 50 * time.Millisecond, MaxRounds: 1000})
	proto := &echoProtocol{sessionType: wire.SessionKeyGeneration}

	sess, outcome, err := coord.StartSession(context.Background(), "wallet-3", proto)
	require.NoError(t, err)

	out := <-outcome
	require.Error(t, out.Err)
	assert.True(t, walleterrors.IsKind(out.Err, walleterrors.KindRequestTimeout))
	assert.Equal(t, wire.StatusFailed, sess.Status())
}

func TestCosignerFailureIsSurfaced(t *testing.T) {
	tr := &scriptTransport{script: []*wire.SessionStatusResponse{
		{SessionID: "s-4", Status: wire.StatusFailed, Error: "server share missing"},
	}}

	coord := NewCoordinator(tr, CoordinatorConfig{TTL: time.Minute, MaxRounds: 5})
	proto := &echoProtocol{sessionType: wire.SessionKeyRotation}

	_, outcome, err := coord.StartSession(context.Background(), "wallet-4", proto)
	require.NoError(t, err)

	out := <-outcome
	require.Error(t, out.Err)
	assert.True(t, walleterrors.IsKind(out.Err, walleterrors.KindKeyRotationFailed))
	assert.Contains(t, out.Err.Error(), "server share missing")
}

func TestSecondSessionForSameWalletRejected(t *testing.T) {
	tr := &scriptTransport{
		script: []*wire.SessionStatusResponse{status("s-5", wire.StatusInProgress, 1)},
		delay:  10 * time.Millisecond,
	}

	coord := NewCoordinator(tr, CoordinatorConfig{TTL: time.Minute, MaxRounds: 50})
	proto := &echoProtocol{sessionType: wire.SessionSigning}

	_, outcome, err := coord.StartSession(context.Background(), "wallet-5", proto)
	require.NoError(t, err)

	countStarts := func() int {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		n := 0
		for _, env := range tr.requests {
			if env.Type == wire.MsgSessionStart {
				n++
			}
		}
		return n
	}

	_, _, err = coord.StartSession(context.Background(), "wallet-5", &echoProtocol{sessionType: wire.SessionSigning})
	require.Error(t, err)
	assert.True(t, walleterrors.IsKind(err, walleterrors.KindOperationInProgress))

	// The rejected call is turned away before anything goes over the wire,
	// so no abandoned session is opened on the cosigner.
	assert.Equal(t, 1, countStarts())

	// Once the first session terminates the wallet is free again.
	<-outcome
	tr.mu.Lock()
	tr.script = []*wire.SessionStatusResponse{
		{SessionID: "s-6", Status: wire.StatusCompleted, Result: &wire.SessionResult{Signature: "0xbeef"}},
	}
	tr.mu.Unlock()

	_, outcome2, err := coord.StartSession(context.Background(), "wallet-5", &echoProtocol{sessionType: wire.SessionSigning})
	require.NoError(t, err)
	out := <-outcome2
	require.NoError(t, out.Err)
}

func TestSessionTransitionsAreMonotonic(t *testing.T) {
	sess := newSession("s-7", "wallet-7", wire.SessionSigning, time.Minute)

	require.NoError(t, sess.advance(wire.StatusInProgress, 1))
	err := sess.advance(wire.StatusPending, 2)
	require.Error(t, err, "regressing to pending must be rejected")

	assert.True(t, sess.complete(&wire.SessionResult{Signature: "0x01"}, nil))
	assert.Equal(t, wire.StatusCompleted, sess.Status())

	// Completion is idempotent, later attempts change nothing.
	assert.False(t, sess.complete(nil, walleterrors.E(walleterrors.KindSigningFailed, "late failure")))
	assert.Equal(t, wire.StatusCompleted, sess.Status())
	assert.NoError(t, sess.Err())
	require.NotNil(t, sess.Result())
	assert.Equal(t, "0x01", sess.Result().Signature)

	// advance after a terminal state is a no-op.
	require.NoError(t, sess.advance(wire.StatusInProgress, 3))
	assert.Equal(t, wire.StatusCompleted, sess.Status())
}
