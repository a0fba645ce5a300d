package transport

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// PollingConfig tunes the polling transport.
type PollingConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// Polling is a request/response transport over the cosigner's HTTP API.
// Session progress is observed by polling status in a deadline-bounded loop
// rather than by server push.
type Polling struct {
	backend *Backend
	cfg     PollingConfig

	mu        sync.Mutex
	connected bool
}

// NewPolling builds a polling transport over the given REST backend.
func NewPolling(backend *Backend, cfg PollingConfig) *Polling {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 2 * time.Minute
	}
	return &Polling{backend: backend, cfg: cfg}
}

// Connect marks the transport usable. The polling transport holds no
// persistent connection.
func (p *Polling) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	log.Debug().Msg("polling transport ready")
	return nil
}

// Disconnect marks the transport unusable.
func (p *Polling) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Send forwards an envelope into its session without waiting on the session
// outcome.
func (p *Polling) Send(ctx context.Context, env *wire.Envelope) error {
	if err := p.check(); err != nil {
		return err
	}
	_, err := p.backend.PostMessage(ctx, env.SessionID, env)
	return err
}

// SendRequest maps an envelope onto the cosigner's HTTP API and returns the
// reply as a session status envelope.
func (p *Polling) SendRequest(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.cfg.MaxDuration)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var (
		status *wire.SessionStatusResponse
		err    error
	)
	switch env.Type {
	case wire.MsgSessionStart:
		var req wire.SessionStartRequest
		if decodeErr := env.Decode(&req); decodeErr != nil {
			return nil, walleterrors.Wrap(walleterrors.KindSerializationError, decodeErr, "decode session start")
		}
		status, err = p.backend.StartSession(ctx, &req)
	case wire.MsgSessionStatus:
		status, err = p.pollStatus(ctx, env.SessionID)
	default:
		status, err = p.backend.PostMessage(ctx, env.SessionID, env)
	}
	if err != nil {
		return nil, err
	}
	return wire.NewEnvelope(wire.MsgSessionStatus, status.SessionID, status)
}

// RegisterHandler is a no-op. The polling transport has no server push.
func (p *Polling) RegisterHandler(t wire.MsgType, h Handler) {}

// pollStatus fetches session status in a flat loop bounded by the context
// deadline. Each probe is spaced by the configured interval.
func (p *Polling) pollStatus(ctx context.Context, sessionID string) (*wire.SessionStatusResponse, error) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		status, err := p.backend.SessionStatus(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if status.Status != wire.StatusPending {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, walleterrors.E(walleterrors.KindRequestTimeout, "session polling deadline exceeded")
		case <-ticker.C:
		}
	}
}

func (p *Polling) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return walleterrors.E(walleterrors.KindChannelConnectionFailed, "transport is not connected")
	}
	return nil
}
