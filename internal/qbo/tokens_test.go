package qbo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/internal/store/memory"
	"github.com/ArionMiles/ledgerlink/pkg/api"
	"github.com/ArionMiles/ledgerlink/pkg/client"
	"github.com/ArionMiles/ledgerlink/pkg/logging"
)

func TestGetValidAccessToken_NoConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.GetValidAccessToken(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestGetValidAccessToken_FreshTokenSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Hour, true)

	creds, err := h.coord.GetValidAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, Credentials{AccessToken: "at-0", RealmID: testRealm}, creds)
	calls, _ := h.ledger.refreshes()
	assert.Zero(t, calls)
}

func TestGetValidAccessToken_RefreshesInsideWindow(t *testing.T) {
	h := newHarness(t)
	h.connect(t, 4*time.Minute, true)

	creds, err := h.coord.GetValidAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)

	stored, err := h.conns.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	assert.True(t, stored.TokenExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestGetValidAccessToken_ForceIgnoresValidity(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Hour, true)

	creds, err := h.coord.GetValidAccessToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "at-1", creds.AccessToken)
	calls, _ := h.ledger.refreshes()
	assert.Equal(t, 1, calls)
}

func TestGetValidAccessToken_ConcurrentCallersConverge(t *testing.T) {
	h := newHarness(t)
	h.connect(t, time.Minute, true)
	h.ledger.mu.Lock()
	h.ledger.refreshDelay = 30 * time.Millisecond
	h.ledger.mu.Unlock()

	const callers = 6
	var (
		wg      sync.WaitGroup
		results = make([]Credentials, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.GetValidAccessToken(context.Background(), false)
		}(i)
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].AccessToken, results[i].AccessToken)
	}
	_, issued := h.ledger.refreshes()
	assert.Equal(t, 1, issued, "only one refresh succeeds at the provider")

	stored, err := h.conns.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results[0].AccessToken, stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken)
}

// racingStore lets a competing writer land between the refresh and the conditional update.
type racingStore struct {
	*memory.Connections
	beforeUpdate func()
	afterGet     func(n int)
	gets         atomic.Int32
}

func (s *racingStore) GetActive(ctx context.Context) (*api.Connection, error) {
	conn, err := s.Connections.GetActive(ctx)
	n := s.gets.Add(1)
	if s.afterGet != nil {
		s.afterGet(int(n))
	}
	return conn, err
}

func (s *racingStore) ConditionalUpdate(ctx context.Context, id int64, expected time.Time, tokens api.TokenSet) (*api.Connection, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	return s.Connections.ConditionalUpdate(ctx, id, expected, tokens)
}

type stubRefresher struct {
	calls  atomic.Int32
	tokens api.TokenSet
	err    error
	block  bool
}

func (r *stubRefresher) Refresh(ctx context.Context, _ string) (api.TokenSet, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return api.TokenSet{}, ctx.Err()
	}
	return r.tokens, r.err
}

func seed(t *testing.T, s store.ConnectionStore, ttl time.Duration) *api.Connection {
	t.Helper()
	conn, err := s.UpsertByRealm(context.Background(), api.Connection{
		RealmID:        testRealm,
		AccessToken:    "at-0",
		RefreshToken:   "rt-0",
		TokenExpiresAt: time.Now().Add(ttl),
	})
	require.NoError(t, err)
	return conn
}

func TestGetValidAccessToken_CASLoserUsesWinnerTokens(t *testing.T) {
	s := &racingStore{Connections: memory.NewConnections()}
	conn := seed(t, s, time.Minute)

	s.beforeUpdate = func() {
		s.beforeUpdate = nil
		_, err := s.Connections.ConditionalUpdate(context.Background(), conn.ID, conn.TokenExpiresAt, api.TokenSet{
			AccessToken:    "winner-at",
			RefreshToken:   "winner-rt",
			TokenExpiresAt: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
	}
	r := &stubRefresher{tokens: api.TokenSet{
		AccessToken:    "loser-at",
		RefreshToken:   "loser-rt",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}}

	coord := NewCoordinator(s, r, logging.Discard())
	creds, err := coord.GetValidAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "winner-at", creds.AccessToken)

	stored, err := s.Connections.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "winner-rt", stored.RefreshToken, "loser tokens are never written")
}

func TestGetValidAccessToken_InvalidGrantWaitsForRotation(t *testing.T) {
	s := &racingStore{Connections: memory.NewConnections()}
	conn := seed(t, s, time.Minute)

	// The concurrent winner's write lands after our first re-read.
	s.afterGet = func(n int) {
		if n == 2 {
			_, err := s.Connections.ConditionalUpdate(context.Background(), conn.ID, conn.TokenExpiresAt, api.TokenSet{
				AccessToken:    "winner-at",
				RefreshToken:   "winner-rt",
				TokenExpiresAt: time.Now().Add(time.Hour),
			})
			require.NoError(t, err)
		}
	}
	r := &stubRefresher{err: client.ErrInvalidGrant}

	coord := NewCoordinator(s, r, logging.Discard(), WithReread(5, time.Millisecond))
	creds, err := coord.GetValidAccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "winner-at", creds.AccessToken)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestGetValidAccessToken_InvalidGrantWithoutRotationIsRevoked(t *testing.T) {
	s := &racingStore{Connections: memory.NewConnections()}
	seed(t, s, time.Minute)
	r := &stubRefresher{err: client.ErrInvalidGrant}

	coord := NewCoordinator(s, r, logging.Discard(), WithReread(3, time.Millisecond))
	_, err := coord.GetValidAccessToken(context.Background(), false)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
	// one initial read plus three re-reads
	assert.Equal(t, int32(4), s.gets.Load())
}

func TestGetValidAccessToken_TimeoutLeavesStoreUntouched(t *testing.T) {
	s := memory.NewConnections()
	seed(t, s, time.Minute)
	r := &stubRefresher{block: true}

	coord := NewCoordinator(s, r, logging.Discard(), WithRefreshTimeout(20*time.Millisecond))
	_, err := coord.GetValidAccessToken(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stored, err := s.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-0", stored.RefreshToken)
}

func TestActiveRealm(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.ActiveRealm(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveConnection)

	h.connect(t, time.Hour, true)
	realm, err := h.coord.ActiveRealm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRealm, realm)
}
