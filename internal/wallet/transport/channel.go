package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/metrics"
	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// ChannelConfig tunes the websocket transport.
type ChannelConfig struct {
	URL                  string
	AuthToken            string
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

type channelState int

const (
	stateDisconnected channelState = iota
	stateConnected
	stateFailed
)

// Channel is a persistent websocket transport. Requests are correlated with
// replies through envelope ids; server-pushed messages are fanned out to
// registered handlers. A dropped connection is retried with linear backoff,
// and once the attempt budget is spent the transport fails permanently.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    channelState
	pending  map[string]chan *wire.Envelope
	handlers map[wire.MsgType][]Handler
	closing  bool
	writeMu  sync.Mutex
}

// NewChannel builds a websocket transport for the cosigner channel endpoint.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return &Channel{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		pending:  make(map[string]chan *wire.Envelope),
		handlers: make(map[wire.MsgType][]Handler),
	}
}

// Connect dials the channel, runs the auth handshake and starts the read and
// heartbeat loops.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	log.Info().Str("url", c.cfg.URL).Msg("channel connected")
	return nil
}

// Disconnect closes the channel. Pending requests fail with a session expiry
// error.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	c.failPending()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes an envelope without waiting for a reply.
func (c *Channel) Send(ctx context.Context, env *wire.Envelope) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}
	return c.write(conn, env)
}

// SendRequest writes an envelope and waits for the reply carrying the same
// envelope id, bounded by the request timeout.
func (c *Channel) SendRequest(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	conn, err := c.activeConn()
	if err != nil {
		return nil, err
	}

	reply := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, walleterrors.E(walleterrors.KindSessionExpired, "channel dropped while waiting for reply")
		}
		if resp.Type == wire.MsgError {
			return nil, decodeErrorEnvelope(resp)
		}
		return resp, nil
	case <-timer.C:
		return nil, walleterrors.E(walleterrors.KindRequestTimeout, "no reply within request timeout")
	case <-ctx.Done():
		return nil, walleterrors.Wrap(walleterrors.KindRequestTimeout, ctx.Err(), "request canceled")
	}
}

// RegisterHandler subscribes to server-pushed messages of the given type.
func (c *Channel) RegisterHandler(t wire.MsgType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindChannelConnectionFailed, err, "dial channel")
	}

	auth, err := wire.NewEnvelope(wire.MsgAuth, "", &wire.AuthRequest{Token: c.cfg.AuthToken})
	if err != nil {
		conn.Close()
		return nil, walleterrors.Wrap(walleterrors.KindSerializationError, err, "build auth message")
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, walleterrors.Wrap(walleterrors.KindChannelConnectionFailed, err, "send auth message")
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	var resp wire.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, walleterrors.Wrap(walleterrors.KindChannelConnectionFailed, err, "read auth reply")
	}
	conn.SetReadDeadline(time.Time{})

	switch resp.Type {
	case wire.MsgAuthSuccess:
		return conn, nil
	case wire.MsgAuthError:
		conn.Close()
		var authErr wire.AuthError
		reason := "authentication rejected"
		if err := resp.Decode(&authErr); err == nil && authErr.Reason != "" {
			reason = authErr.Reason
		}
		return nil, walleterrors.E(walleterrors.KindAuthenticationFailed, reason)
	default:
		conn.Close()
		return nil, walleterrors.Ef(walleterrors.KindChannelConnectionFailed, "unexpected handshake reply %s", resp.Type)
	}
}

// readLoop dispatches inbound envelopes until the connection drops, then
// hands off to reconnect.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closing := c.closing || c.conn != conn
			c.mu.Unlock()
			if closing {
				return
			}
			log.Warn().Err(err).Msg("channel read failed")
			c.reconnect()
			return
		}
		c.dispatch(&env)
	}
}

func (c *Channel) dispatch(env *wire.Envelope) {
	if env.Type == wire.MsgPong {
		return
	}

	c.mu.Lock()
	reply, isReply := c.pending[env.ID]
	if isReply {
		delete(c.pending, env.ID)
	}
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()

	if isReply {
		reply <- env
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}

		ping, err := wire.NewEnvelope(wire.MsgPing, "", nil)
		if err != nil {
			continue
		}
		if err := c.write(conn, ping); err != nil {
			return
		}
	}
}

// reconnect retries the connection with linear backoff. Pending requests are
// failed immediately since their replies are lost with the old connection.
func (c *Channel) reconnect() {
	c.failPending()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * c.cfg.ReconnectBaseDelay
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("channel reconnecting")
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			metrics.IncReconnect("failure")
			log.Warn().Err(err).Int("attempt", attempt).Msg("channel reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = stateConnected
		c.mu.Unlock()

		metrics.IncReconnect("success")
		go c.readLoop(conn)
		go c.heartbeatLoop(conn)
		log.Info().Int("attempt", attempt).Msg("channel reconnected")
		return
	}

	c.mu.Lock()
	c.state = stateFailed
	c.conn = nil
	c.mu.Unlock()
	log.Error().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("channel failed permanently")
}

func (c *Channel) activeConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateConnected:
		return c.conn, nil
	case stateFailed:
		return nil, walleterrors.E(walleterrors.KindChannelConnectionFailed, "channel failed after exhausting reconnect attempts")
	default:
		return nil, walleterrors.E(walleterrors.KindChannelConnectionFailed, "channel is not connected")
	}
}

func (c *Channel) write(conn *websocket.Conn, env *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return walleterrors.Wrap(walleterrors.KindChannelConnectionFailed, err, "write message")
	}
	return nil
}

// failPending closes every in-flight reply channel. Waiters observe the
// close and surface a session expiry error.
func (c *Channel) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *wire.Envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func decodeErrorEnvelope(env *wire.Envelope) error {
	var payload wire.ErrorPayload
	if err := env.Decode(&payload); err != nil || payload.Kind == "" {
		return walleterrors.E(walleterrors.KindInvalidData, "malformed error message")
	}
	return walleterrors.E(walleterrors.Kind(payload.Kind), payload.Reason)
}
