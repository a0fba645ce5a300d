package cosigner

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Server exposes the cosigner service over HTTP and websocket.
type Server struct {
	Echo    *echo.Echo
	service *Service
	jwt     *JWTManager
}

// NewServer wires the echo routes for a cosigner service.
func NewServer(service *Service, jwtManager *JWTManager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{Echo: e, service: service, jwt: jwtManager}

	v1 := e.Group("/v1", s.authMiddleware)
	v1.POST("/sessions", s.postSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/messages", s.postMessage)
	v1.POST("/backup", s.postBackup)
	v1.POST("/export", s.postExport)
	v1.GET("/wallets/:id/cosigner", s.getCosignerInfo)
	v1.GET("/channel", s.channel)

	return s
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("cosigner listening")
	return s.Echo.Start(addr)
}

// authMiddleware validates the bearer token. The websocket endpoint skips
// it; the channel runs its own handshake after the upgrade.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/v1/channel" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return writeError(c, walleterrors.E(walleterrors.KindAuthenticationFailed, "missing bearer token"))
		}
		if _, err := s.jwt.Validate(token); err != nil {
			return writeError(c, walleterrors.E(walleterrors.KindAuthenticationFailed, "invalid bearer token"))
		}
		return next(c)
	}
}

func (s *Server) postSession(c echo.Context) error {
	var req wire.SessionStartRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode session start"))
	}
	resp, err := s.service.StartSession(c.Request().Context(), &req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getSession(c echo.Context) error {
	resp, err := s.service.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) postMessage(c echo.Context) error {
	var env wire.Envelope
	if err := c.Bind(&env); err != nil {
		return writeError(c, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode message"))
	}
	resp, err := s.service.HandleMessage(c.Request().Context(), c.Param("id"), &env)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) postBackup(c echo.Context) error {
	var req wire.BackupRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode backup request"))
	}
	resp, err := s.service.Backup(c.Request().Context(), &req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) postExport(c echo.Context) error {
	var req wire.ExportRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode export request"))
	}
	resp, err := s.service.Export(c.Request().Context(), &req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getCosignerInfo(c echo.Context) error {
	resp, err := s.service.Info(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// writeError maps classified errors onto HTTP statuses with a typed body.
func writeError(c echo.Context, err error) error {
	kind := walleterrors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case walleterrors.KindAuthenticationFailed:
		status = http.StatusUnauthorized
	case walleterrors.KindKeyShareNotFound:
		status = http.StatusNotFound
	case walleterrors.KindSessionExpired:
		status = http.StatusGone
	case walleterrors.KindInvalidData, walleterrors.KindSerializationError:
		status = http.StatusBadRequest
	}
	log.Warn().Err(err).Int("status", status).Msg("request failed")
	return c.JSON(status, &wire.ErrorPayload{Kind: string(kind), Reason: err.Error()})
}
