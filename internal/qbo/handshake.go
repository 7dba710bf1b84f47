package qbo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ArionMiles/ledgerlink/internal/signedstate"
	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

// Callback outcome codes carried in the error redirect.
const (
	CallbackInvalidState        = "invalid_state"
	CallbackTokenExchangeFailed = "token_exchange_failed"
	CallbackAccessDenied        = "access_denied"
	CallbackMissingParams       = "missing_params"
	CallbackStorageFailed       = "storage_failed"
)

// RefreshTokenWarningWindow flags a refresh token that expires soon.
const RefreshTokenWarningWindow = 14 * 24 * time.Hour

const companyInfoPath = "/v3/company/" + RealmPlaceholder + "/companyinfo/" + RealmPlaceholder

// OAuth is the authorization server. *client.Provider satisfies it.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (api.TokenSet, error)
	Revoke(ctx context.Context, token string) error
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code    string
	State   string
	RealmID string
	// Error is set when the user declined consent.
	Error string
}

// Handshake runs the connect and disconnect flows.
type Handshake struct {
	oauth       OAuth
	signer      *signedstate.Signer
	connections store.ConnectionStore
	client      *Client
	successURL  string
	errorURL    string
	now         func() time.Time
	logger      *slog.Logger
}

// NewHandshake wires the flow. successURL and errorURL receive the browser after the callback.
func NewHandshake(
	oauth OAuth,
	signer *signedstate.Signer,
	connections store.ConnectionStore,
	client *Client,
	successURL, errorURL string,
	logger *slog.Logger,
) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handshake{
		oauth:       oauth,
		signer:      signer,
		connections: connections,
		client:      client,
		successURL:  successURL,
		errorURL:    errorURL,
		now:         time.Now,
		logger:      logger.With("component", "handshake"),
	}
}

// Start returns the consent URL with a freshly signed state.
func (h *Handshake) Start() string {
	return h.oauth.AuthCodeURL(h.signer.Create())
}

// Callback completes the connect flow and returns where to redirect the browser.
// Failures are reported only through the classified code in the redirect.
func (h *Handshake) Callback(ctx context.Context, p CallbackParams) string {
	if !h.signer.Verify(p.State) {
		h.logger.Warn("rejected OAuth callback with invalid state")
		return h.failure(CallbackInvalidState)
	}
	if p.Error != "" {
		h.logger.Info("user declined authorization", "error", p.Error)
		return h.failure(CallbackAccessDenied)
	}
	if p.Code == "" || p.RealmID == "" {
		return h.failure(CallbackMissingParams)
	}

	tokens, err := h.oauth.Exchange(ctx, p.Code)
	if err != nil {
		h.logger.Error("authorization code exchange failed", "realm_id", p.RealmID, "error", err)
		return h.failure(CallbackTokenExchangeFailed)
	}

	name, err := h.companyName(ctx, tokens.AccessToken, p.RealmID)
	if err != nil {
		h.logger.Warn("company info unavailable, continuing without name", "realm_id", p.RealmID, "error", err)
	}

	conn, err := h.connections.UpsertByRealm(ctx, api.Connection{
		RealmID:               p.RealmID,
		AccessToken:           tokens.AccessToken,
		RefreshToken:          tokens.RefreshToken,
		TokenExpiresAt:        tokens.TokenExpiresAt,
		RefreshTokenExpiresAt: tokens.RefreshTokenExpiresAt,
		CompanyName:           name,
	})
	if err != nil {
		h.logger.Error("storing connection failed", "realm_id", p.RealmID, "error", err)
		return h.failure(CallbackStorageFailed)
	}

	h.logger.Info("connected to QuickBooks", "realm_id", conn.RealmID, "company", conn.CompanyName)
	return withQuery(h.successURL, "qbo", "connected")
}

// Status reports connection health without token material.
func (h *Handshake) Status(ctx context.Context) (api.ConnectionStatus, error) {
	conn, err := h.connections.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return api.ConnectionStatus{}, nil
	}
	if err != nil {
		return api.ConnectionStatus{}, err
	}

	status := api.ConnectionStatus{
		Connected:    true,
		CompanyName:  conn.CompanyName,
		TokenHealthy: true,
	}
	if !conn.RefreshTokenExpiresAt.IsZero() {
		now := h.now()
		expires := conn.RefreshTokenExpiresAt
		status.RefreshTokenExpiresAt = &expires
		status.TokenHealthy = expires.After(now)
		status.RefreshTokenWarning = expires.Before(now.Add(RefreshTokenWarningWindow))
	}
	return status, nil
}

// Disconnect revokes the refresh token at the provider when possible and
// deactivates the connection. Revocation failures are logged only.
func (h *Handshake) Disconnect(ctx context.Context) error {
	conn, err := h.connections.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if conn.RefreshToken != "" {
		if err := h.oauth.Revoke(ctx, conn.RefreshToken); err != nil {
			h.logger.Warn("token revocation failed, disconnecting locally", "realm_id", conn.RealmID, "error", err)
		}
	}

	if err := h.connections.Deactivate(ctx); err != nil {
		return err
	}
	h.logger.Info("disconnected from QuickBooks", "realm_id", conn.RealmID)
	return nil
}

func (h *Handshake) companyName(ctx context.Context, accessToken, realmID string) (string, error) {
	resp, err := h.client.CallAs(ctx,
		Credentials{AccessToken: accessToken, RealmID: realmID},
		Request{Method: http.MethodGet, Path: companyInfoPath},
	)
	if err != nil {
		return "", err
	}

	var info struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return "", err
	}
	return info.CompanyInfo.CompanyName, nil
}

func (h *Handshake) failure(code string) string {
	return withQuery(h.errorURL, "qbo_error", code)
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
