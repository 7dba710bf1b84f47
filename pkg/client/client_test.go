package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/ledgerlink/pkg/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, time.Time) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var cfg config.Config
	cfg.ClientID = "client-id"
	cfg.ClientSecret = "client-secret"
	cfg.RedirectURI = "https://app.example.com/callback"
	cfg.AuthURL = srv.URL + "/authorize"
	cfg.TokenURL = srv.URL + "/token"
	cfg.RevokeURL = srv.URL + "/revoke"
	cfg.ApplyDefaults()

	p := New(cfg.QuickBooks, srv.Client())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, now
}

func TestAuthCodeURL(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	u, err := url.Parse(p.AuthCodeURL("123.abc"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, config.DefaultAccountingScope, q.Get("scope"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "123.abc", q.Get("state"))
}

func TestExchange(t *testing.T) {
	p, now := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"access_token": "at-1",
			"refresh_token": "rt-1",
			"token_type": "bearer",
			"expires_in": 3600,
			"x_refresh_token_expires_in": 8726400
		}`)
	})

	set, err := p.Exchange(t.Context(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", set.AccessToken)
	assert.Equal(t, "rt-1", set.RefreshToken)
	assert.False(t, set.TokenExpiresAt.IsZero())
	assert.Equal(t, now.Add(8726400*time.Second), set.RefreshTokenExpiresAt)
}

func TestRefresh(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") != "rt-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})

	set, err := p.Refresh(t.Context(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", set.AccessToken)
	assert.Equal(t, "rt-2", set.RefreshToken)
	assert.True(t, set.RefreshTokenExpiresAt.IsZero())

	_, err = p.Refresh(t.Context(), "rt-consumed")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefresh_ServerErrorIsNotInvalidGrant(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := p.Refresh(t.Context(), "rt-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidGrant)
}

func TestRevoke(t *testing.T) {
	var got map[string]string
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/revoke", r.URL.Path)
		user, _, _ := r.BasicAuth()
		assert.Equal(t, "client-id", user)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["token"] == "bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	require.NoError(t, p.Revoke(t.Context(), "rt-1"))
	assert.Equal(t, "rt-1", got["token"])

	assert.Error(t, p.Revoke(t.Context(), "bad"))
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(100), 100, true},
		{json.Number("200"), 200, true},
		{"300", 300, true},
		{"abc", 0, false},
		{nil, 0, false},
		{float64(0), 0, false},
	}
	for _, tc := range tests {
		got, ok := seconds(tc.in)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got)
		}
	}
}
