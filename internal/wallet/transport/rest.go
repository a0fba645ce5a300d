package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/intersend/interspace-wallet-core/internal/wallet/walleterrors"
	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Backend is the REST client for the cosigner's HTTP API. The polling
// transport is built on it, and the orchestrator uses it directly for the
// backup and export contracts.
type Backend struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewBackend builds a REST client for the cosigner at baseURL.
func NewBackend(baseURL, authToken string, timeout time.Duration) *Backend {
	return &Backend{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// StartSession opens a protocol session on the cosigner.
func (b *Backend) StartSession(ctx context.Context, req *wire.SessionStartRequest) (*wire.SessionStatusResponse, error) {
	var resp wire.SessionStatusResponse
	if err := b.do(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionStatus fetches the current state of a session.
func (b *Backend) SessionStatus(ctx context.Context, sessionID string) (*wire.SessionStatusResponse, error) {
	var resp wire.SessionStatusResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID)
	if err := b.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage forwards a protocol message into a session.
func (b *Backend) PostMessage(ctx context.Context, sessionID string, env *wire.Envelope) (*wire.SessionStatusResponse, error) {
	var resp wire.SessionStatusResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := b.do(ctx, http.MethodPost, path, env, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateBackup asks the cosigner for an encrypted backup of its share.
func (b *Backend) CreateBackup(ctx context.Context, req *wire.BackupRequest) (*wire.BackupResponse, error) {
	var resp wire.BackupResponse
	if err := b.do(ctx, http.MethodPost, "/v1/backup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export asks the cosigner to hand over its share encrypted to an ephemeral
// key.
func (b *Backend) Export(ctx context.Context, req *wire.ExportRequest) (*wire.ExportResponse, error) {
	var resp wire.ExportResponse
	if err := b.do(ctx, http.MethodPost, "/v1/export", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CosignerInfo fetches the cosigner's public point for a wallet.
func (b *Backend) CosignerInfo(ctx context.Context, walletID string) (*wire.CosignerInfoResponse, error) {
	var resp wire.CosignerInfoResponse
	path := "/v1/wallets/" + url.PathEscape(walletID) + "/cosigner"
	if err := b.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *Backend) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return walleterrors.Wrap(walleterrors.KindSerializationError, err, "marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindNetworkTimeout, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if b.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.authToken)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return walleterrors.Wrap(walleterrors.KindRequestTimeout, err, "request canceled")
		}
		return walleterrors.Wrap(walleterrors.KindNetworkTimeout, err, "cosigner unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return walleterrors.Wrap(walleterrors.KindNetworkTimeout, err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return walleterrors.Wrap(walleterrors.KindSerializationError, err, "decode response")
		}
	}

	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("cosigner request")
	return nil
}

func classifyHTTPError(status int, body []byte) error {
	var payload wire.ErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil && payload.Kind != "" {
		return walleterrors.E(walleterrors.Kind(payload.Kind), payload.Reason)
	}

	reason := strings.TrimSpace(string(body))
	if reason == "" {
		reason = fmt.Sprintf("cosigner returned status %d", status)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return walleterrors.E(walleterrors.KindAuthenticationFailed, reason)
	case http.StatusNotFound, http.StatusGone:
		return walleterrors.E(walleterrors.KindSessionExpired, reason)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return walleterrors.E(walleterrors.KindRequestTimeout, reason)
	default:
		return walleterrors.Ef(walleterrors.KindNetworkTimeout, "%s", reason)
	}
}
