// Package client provides OAuth2 client setup for the ledger provider.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/ArionMiles/ledgerlink/pkg/api"
	"github.com/ArionMiles/ledgerlink/pkg/config"
)

// ErrInvalidGrant is returned when the token endpoint rejects a refresh token
// as consumed, expired or revoked.
var ErrInvalidGrant = errors.New("refresh token rejected by provider")

// refreshTokenLifetimeKey is the token response field carrying the refresh token lifetime in seconds.
const refreshTokenLifetimeKey = "x_refresh_token_expires_in"

// defaultAccessTokenLifetime applies when the token response omits expires_in.
const defaultAccessTokenLifetime = time.Hour

// Provider talks to the provider's authorization server.
type Provider struct {
	config     *oauth2.Config
	revokeURL  string
	httpClient *http.Client
	now        func() time.Time
}

// New builds a Provider from the QuickBooks configuration. A nil httpClient
// gets one bounded by cfg.HTTPTimeout.
func New(cfg config.QuickBooks, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.ScopeList(),
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		revokeURL:  cfg.RevokeURL,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (api.TokenSet, error) {
	tok, err := p.config.Exchange(p.withClient(ctx), code)
	if err != nil {
		return api.TokenSet{}, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return p.tokenSet(tok), nil
}

// Refresh redeems refreshToken for a new token pair. The provider rotates the
// refresh token on every successful call.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (api.TokenSet, error) {
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return api.TokenSet{}, ErrInvalidGrant
		}
		return api.TokenSet{}, fmt.Errorf("refreshing token: %w", err)
	}
	return p.tokenSet(tok), nil
}

// Revoke invalidates token (access or refresh) at the provider.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating revoke request: %w", err)
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoking token: provider returned status %d", resp.StatusCode)
	}
	return nil
}

// HTTPClient returns the client used for provider calls.
func (p *Provider) HTTPClient() *http.Client {
	return p.httpClient
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *Provider) tokenSet(tok *oauth2.Token) api.TokenSet {
	now := p.now()
	set := api.TokenSet{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.Expiry,
	}
	if set.TokenExpiresAt.IsZero() {
		set.TokenExpiresAt = now.Add(defaultAccessTokenLifetime)
	}
	if secs, ok := seconds(tok.Extra(refreshTokenLifetimeKey)); ok {
		set.RefreshTokenExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	return set
}

// seconds reads a numeric token response field, which may arrive as a JSON
// number or as a string depending on the response encoding.
func seconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case json.Number:
		i, err := n.Int64()
		return i, err == nil && i > 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil && i > 0
	}
	return 0, false
}
