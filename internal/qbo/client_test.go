package qbo

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientURL(t *testing.T) {
	c := NewClient(nil, "https://ledger.example.com/", "75", nil, nil)

	got, err := c.URL("/v3/company/{realmId}/query", "123 45", url.Values{"query": {"SELECT * FROM Class"}})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "ledger.example.com", u.Host)
	assert.Equal(t, "/v3/company/123 45/query", u.Path)
	assert.Equal(t, "75", u.Query().Get("minorversion"))
	assert.Equal(t, "SELECT * FROM Class", u.Query().Get("query"))
}

func TestClientURL_MinorVersionNotDuplicated(t *testing.T) {
	c := NewClient(nil, "https://ledger.example.com", "75", nil, nil)

	got, err := c.URL("/v3/company/{realmId}/vendor?minorversion=12", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"75"}, queryValue(t, got)["minorversion"])
}

func TestCall_AuthenticatesWithValidToken(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Hour, true)

	resp, err := h.client.Call(context.Background(), Request{
		Method: http.MethodGet,
		Path:   companyInfoPath,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, testRealm, resp.RealmID)
	assert.Contains(t, string(resp.Body), "Sandbox Company")

	assert.Equal(t, 1, h.ledger.count("companyinfo"))
	assert.Zero(t, h.ledger.count("unauthorized"))
	h.assertMinorVersionEverywhere(t)
}

func TestCall_RetriesOnceAfterUnauthorized(t *testing.T) {
	h := newHarness(t)
	// The stored access token looks valid locally but the provider revoked it.
	h.connect(t, time.Hour, false)

	var out map[string]any
	_, err := h.client.Do(context.Background(), http.MethodGet, companyInfoPath, nil, nil, &out)
	require.NoError(t, err)
	assert.Contains(t, out, "CompanyInfo")

	calls, _ := h.ledger.refreshes()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, h.ledger.count("unauthorized"))
	assert.Equal(t, 1, h.ledger.count("companyinfo"))

	stored, err := h.conns.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
}

func TestCall_PersistentUnauthorizedIsAuthorizationExpired(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Hour, true)
	h.ledger.mu.Lock()
	h.ledger.alwaysDeny = true
	h.ledger.mu.Unlock()

	_, err := h.client.Call(context.Background(), Request{Method: http.MethodGet, Path: companyInfoPath})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.Equal(t, 2, h.ledger.count("unauthorized"), "exactly one retry")

	calls, _ := h.ledger.refreshes()
	assert.Equal(t, 1, calls)
}

func TestCall_ServerErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Hour, true)
	h.ledger.mu.Lock()
	h.ledger.companyStatus = http.StatusInternalServerError
	h.ledger.mu.Unlock()

	_, err := h.client.Call(context.Background(), Request{Method: http.MethodGet, Path: companyInfoPath})

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.False(t, errors.Is(err, ErrAuthorizationExpired))
	assert.Equal(t, 1, h.ledger.count("companyinfo"))

	calls, _ := h.ledger.refreshes()
	assert.Zero(t, calls)
}

func TestCall_NoConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Call(context.Background(), Request{Method: http.MethodGet, Path: companyInfoPath})
	assert.ErrorIs(t, err, ErrNoActiveConnection)
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	assert.Empty(t, h.ledger.paths)
}

func TestCallAs_UsesGivenCredentials(t *testing.T) {
	h := newHarness(t)
	h.ledger.mu.Lock()
	h.ledger.accessTokens["handshake-at"] = true
	h.ledger.mu.Unlock()

	resp, err := h.client.CallAs(context.Background(),
		Credentials{AccessToken: "handshake-at", RealmID: testRealm},
		Request{Method: http.MethodGet, Path: companyInfoPath},
	)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{Status: http.StatusUnauthorized, Body: "nope"}
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.Contains(t, err.Error(), "401")

	assert.NotErrorIs(t, &ProviderError{Status: http.StatusBadRequest}, ErrAuthorizationExpired)
}
