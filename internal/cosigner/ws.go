package cosigner

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// channel upgrades to websocket and serves the envelope protocol. The first
// message must be an auth request with a valid bearer token.
func (s *Server) channel(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !s.handshake(conn) {
		return nil
	}

	ctx := c.Request().Context()
	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Debug().Err(err).Msg("channel closed")
			return nil
		}

		switch env.Type {
		case wire.MsgPing:
			s.reply(conn, &env, wire.MsgPong, nil)
		case wire.MsgSessionStart:
			var req wire.SessionStartRequest
			if err := env.Decode(&req); err != nil {
				s.replyError(conn, &env, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode session start"))
				continue
			}
			resp, err := s.service.StartSession(ctx, &req)
			if err != nil {
				s.replyError(conn, &env, err)
				continue
			}
			s.replyStatus(conn, &env, resp)
		case wire.MsgSessionStatus:
			resp, err := s.service.Status(ctx, env.SessionID)
			if err != nil {
				s.replyError(conn, &env, err)
				continue
			}
			s.replyStatus(conn, &env, resp)
		default:
			resp, err := s.service.HandleMessage(ctx, env.SessionID, &env)
			if err != nil {
				s.replyError(conn, &env, err)
				continue
			}
			s.replyStatus(conn, &env, resp)
		}
	}
}

// handshake reads and validates the auth message.
func (s *Server) handshake(conn *websocket.Conn) bool {
	var env wire.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return false
	}
	if env.Type != wire.MsgAuth {
		s.reply(conn, &env, wire.MsgAuthError, &wire.AuthError{Reason: "auth message expected"})
		return false
	}

	var req wire.AuthRequest
	if err := env.Decode(&req); err != nil {
		s.reply(conn, &env, wire.MsgAuthError, &wire.AuthError{Reason: "malformed auth message"})
		return false
	}
	if _, err := s.jwt.Validate(req.Token); err != nil {
		s.reply(conn, &env, wire.MsgAuthError, &wire.AuthError{Reason: "invalid bearer token"})
		return false
	}

	s.reply(conn, &env, wire.MsgAuthSuccess, nil)
	return true
}

// reply writes a response envelope reusing the request id so the wallet can
// correlate it.
func (s *Server) reply(conn *websocket.Conn, req *wire.Envelope, t wire.MsgType, payload interface{}) {
	env, err := wire.NewEnvelope(t, req.SessionID, payload)
	if err != nil {
		log.Error().Err(err).Msg("build reply")
		return
	}
	env.ID = req.ID
	if err := conn.WriteJSON(env); err != nil {
		log.Debug().Err(err).Msg("write reply")
	}
}

func (s *Server) replyStatus(conn *websocket.Conn, req *wire.Envelope, status *wire.SessionStatusResponse) {
	env, err := wire.NewEnvelope(wire.MsgSessionStatus, status.SessionID, status)
	if err != nil {
		log.Error().Err(err).Msg("build status reply")
		return
	}
	env.ID = req.ID
	if err := conn.WriteJSON(env); err != nil {
		log.Debug().Err(err).Msg("write status reply")
	}
}

func (s *Server) replyError(conn *websocket.Conn, req *wire.Envelope, cause error) {
	payload := &wire.ErrorPayload{
		Kind:   string(walleterrors.KindOf(cause)),
		Reason: cause.Error(),
	}
	s.reply(conn, req, wire.MsgError, payload)
}
