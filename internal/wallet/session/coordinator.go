package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/metrics"
	"github.com/intersend/interspace-wallet-core/internal/wallet/transport"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Protocol supplies the wallet-side computation for one session. The
// coordinator stays generic over key generation, signing and rotation.
type Protocol interface {
	// Type names the session type this protocol runs.
	Type() wire.SessionType

	// Algorithm names the key algorithm, sent with the session start.
	Algorithm() string

	// Initial produces the wallet's first-round message.
	Initial() (*wire.Envelope, error)

	// Handle consumes a cosigner message and returns the wallet's reply,
	// or nil when the message needs no answer.
	Handle(msg *wire.Envelope) (*wire.Envelope, error)
}

// Outcome is the terminal result of a session delivered on the channel
// returned by StartSession.
type Outcome struct {
	Result *wire.SessionResult
	Err    error
}

// CoordinatorConfig tunes session handling.
type CoordinatorConfig struct {
	TTL       time.Duration
	MaxRounds int
}

// Coordinator runs protocol sessions over a transport. It keeps at most one
// live session per wallet and enforces the session deadline and round cap on
// the wallet side regardless of what the cosigner reports.
type Coordinator struct {
	transport transport.Transport
	cfg       CoordinatorConfig

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string
}

// NewCoordinator builds a coordinator over the given transport.
func NewCoordinator(t transport.Transport, cfg CoordinatorConfig) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	return &Coordinator{
		transport: t,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		active:    make(map[string]string),
	}
}

// Session returns a tracked session by id.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// StartSession opens a session and runs the protocol in the background. The
// returned channel delivers the terminal outcome exactly once.
func (c *Coordinator) StartSession(ctx context.Context, walletID string, proto Protocol) (*Session, <-chan Outcome, error) {
	// Claim the wallet before anything goes over the wire so a rejected
	// caller never leaves an abandoned session behind on the cosigner.
	c.mu.Lock()
	if existing, ok := c.active[walletID]; ok {
		c.mu.Unlock()
		if existing == "" {
			return nil, nil, walleterrors.E(walleterrors.KindOperationInProgress, "wallet session is being set up")
		}
		return nil, nil, walleterrors.Ef(walleterrors.KindOperationInProgress, "wallet has live session %s", existing)
	}
	c.active[walletID] = ""
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, walletID)
		c.mu.Unlock()
	}

	initial, err := proto.Initial()
	if err != nil {
		release()
		return nil, nil, err
	}

	startReq := &wire.SessionStartRequest{
		WalletID:  walletID,
		Type:      proto.Type(),
		Algorithm: proto.Algorithm(),
		Message:   initial,
	}
	env, err := wire.NewEnvelope(wire.MsgSessionStart, "", startReq)
	if err != nil {
		release()
		return nil, nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build session start")
	}

	reply, err := c.transport.SendRequest(ctx, env)
	if err != nil {
		release()
		return nil, nil, err
	}
	status, err := decodeStatus(reply)
	if err != nil {
		release()
		return nil, nil, err
	}
	if status.SessionID == "" {
		release()
		return nil, nil, walleterrors.E(walleterrors.KindInvalidData, "cosigner returned no session id")
	}

	sess := newSession(status.SessionID, walletID, proto.Type(), c.cfg.TTL)

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.active[walletID] = sess.ID
	c.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Str("wallet_id", walletID).
		Str("type", string(proto.Type())).
		Msg("session started")

	outcome := make(chan Outcome, 1)
	go c.run(ctx, sess, proto, status, outcome)
	return sess, outcome, nil
}

// run drives the round loop until the session reaches a terminal state.
func (c *Coordinator) run(ctx context.Context, sess *Session, proto Protocol, status *wire.SessionStatusResponse, outcome chan<- Outcome) {
	defer func() {
		c.mu.Lock()
		if c.active[sess.WalletID] == sess.ID {
			delete(c.active, sess.WalletID)
		}
		c.mu.Unlock()
	}()

	rounds := 0
	for {
		if sess.Expired() {
			c.finish(sess, outcome, nil, walleterrors.E(walleterrors.KindRequestTimeout, "session deadline exceeded"))
			return
		}
		if status.Status == wire.StatusFailed {
			reason := status.Error
			if reason == "" {
				reason = "cosigner reported failure"
			}
			c.finish(sess, outcome, nil, walleterrors.E(failureKind(sess.Type), reason))
			return
		}
		if status.Status == wire.StatusCompleted {
			if err := sess.advance(wire.StatusCompleted, status.Round); err != nil {
				c.finish(sess, outcome, nil, walleterrors.Wrap(walleterrors.KindInvalidData, err, "session state"))
				return
			}
			c.finish(sess, outcome, status.Result, nil)
			return
		}

		if err := sess.advance(status.Status, status.Round); err != nil {
			c.finish(sess, outcome, nil, walleterrors.Wrap(walleterrors.KindInvalidData, err, "session state"))
			return
		}

		rounds++
		metrics.IncSessionRound(string(sess.Type))
		if rounds > c.cfg.MaxRounds {
			c.finish(sess, outcome, nil, walleterrors.E(failureKind(sess.Type), "exceeded maximum rounds"))
			return
		}

		next, err := c.exchange(ctx, sess, proto, status)
		if err != nil {
			c.finish(sess, outcome, nil, err)
			return
		}
		status = next
	}
}

// exchange handles the cosigner messages for one round and returns the next
// status snapshot.
func (c *Coordinator) exchange(ctx context.Context, sess *Session, proto Protocol, status *wire.SessionStatusResponse) (*wire.SessionStatusResponse, error) {
	var last *wire.SessionStatusResponse

	for _, msg := range status.Messages {
		if msg.Type == wire.MsgError {
			var payload wire.ErrorPayload
			if err := msg.Decode(&payload); err == nil && payload.Kind != "" {
				return nil, walleterrors.E(walleterrors.Kind(payload.Kind), payload.Reason)
			}
			return nil, walleterrors.E(failureKind(sess.Type), "cosigner sent malformed error")
		}

		reply, err := proto.Handle(msg)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			continue
		}
		reply.SessionID = sess.ID
		resp, err := c.transport.SendRequest(ctx, reply)
		if err != nil {
			return nil, err
		}
		last, err = decodeStatus(resp)
		if err != nil {
			return nil, err
		}
	}

	if last != nil {
		return last, nil
	}

	// No reply was owed this round, poll for progress instead.
	probe, err := wire.NewEnvelope(wire.MsgSessionStatus, sess.ID, &wire.SessionStatusRequest{SessionID: sess.ID})
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build status request")
	}
	resp, err := c.transport.SendRequest(ctx, probe)
	if err != nil {
		return nil, err
	}
	return decodeStatus(resp)
}

// finish records the terminal state and delivers the outcome exactly once.
func (c *Coordinator) finish(sess *Session, outcome chan<- Outcome, result *wire.SessionResult, err error) {
	if !sess.complete(result, err) {
		return
	}
	if err != nil {
		log.Warn().Str("session_id", sess.ID).Err(err).Msg("session failed")
	} else {
		log.Info().Str("session_id", sess.ID).Int("rounds", sess.Round()).Msg("session completed")
	}
	outcome <- Outcome{Result: result, Err: err}
}

func decodeStatus(env *wire.Envelope) (*wire.SessionStatusResponse, error) {
	if env.Type != wire.MsgSessionStatus {
		return nil, walleterrors.Ef(walleterrors.KindInvalidData, "expected session status, got %s", env.Type)
	}
	var status wire.SessionStatusResponse
	if err := env.Decode(&status); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode session status")
	}
	return &status, nil
}

func failureKind(t wire.SessionType) walleterrors.Kind {
	switch t {
	case wire.SessionSigning:
		return walleterrors.KindSigningFailed
	case wire.SessionKeyRotation:
		return walleterrors.KindKeyRotationFailed
	default:
		return walleterrors.KindKeyGenerationFailed
	}
}
