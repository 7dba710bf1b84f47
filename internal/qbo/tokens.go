package qbo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
	"github.com/ArionMiles/ledgerlink/pkg/client"
)

const (
	// RefreshWindow is the remaining lifetime below which a token is refreshed proactively.
	RefreshWindow = 5 * time.Minute

	defaultRereadAttempts = 5
	defaultRereadDelay    = 200 * time.Millisecond
)

var errRefreshNotRotated = errors.New("stored refresh token unchanged")

// Refresher redeems a refresh token. *client.Provider satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (api.TokenSet, error)
}

// Credentials is a usable access token for a realm.
type Credentials struct {
	AccessToken string
	RealmID     string
}

// Coordinator hands out valid access tokens, refreshing through the provider
// when needed. Callers in separate processes coordinate only through the
// store's conditional update and the provider's single-use refresh tokens.
type Coordinator struct {
	store     store.ConnectionStore
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	rereadAttempts uint
	rereadDelay    time.Duration
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout bounds each call to the token endpoint.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// WithReread sets how often the store is re-read after the provider rejected a refresh token.
func WithReread(attempts uint, delay time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.rereadAttempts = attempts
		c.rereadDelay = delay
	}
}

// WithCoordinatorClock replaces time.Now.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator returns a Coordinator over the given store and refresher.
func NewCoordinator(s store.ConnectionStore, r Refresher, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:          s,
		refresher:      r,
		logger:         logger.With("component", "token_coordinator"),
		now:            time.Now,
		timeout:        30 * time.Second,
		rereadAttempts: defaultRereadAttempts,
		rereadDelay:    defaultRereadDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetValidAccessToken returns the stored access token when it has more than
// RefreshWindow left, and refreshes otherwise. force skips the validity check.
func (c *Coordinator) GetValidAccessToken(ctx context.Context, force bool) (Credentials, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return Credentials{}, err
	}

	if !force && conn.AccessTokenValidFor(c.now(), RefreshWindow) {
		return credentials(conn), nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, c.timeout)
	tokens, err := c.refresher.Refresh(refreshCtx, conn.RefreshToken)
	cancel()

	switch {
	case errors.Is(err, client.ErrInvalidGrant):
		c.logger.Info("refresh token rejected, re-reading stored connection", "realm_id", conn.RealmID)
		return c.awaitRotation(ctx, conn.RefreshToken)
	case err != nil:
		return Credentials{}, fmt.Errorf("refreshing access token: %w", err)
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = conn.RefreshToken
	}

	updated, err := c.store.ConditionalUpdate(ctx, conn.ID, conn.TokenExpiresAt, tokens)
	if errors.Is(err, store.ErrVersionConflict) {
		// The winner's rotation already invalidated what we hold.
		c.logger.Info("lost refresh race, discarding local tokens", "realm_id", conn.RealmID)
		latest, err := c.active(ctx)
		if err != nil {
			return Credentials{}, err
		}
		return credentials(latest), nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("storing refreshed tokens: %w", err)
	}

	c.logger.Info("access token refreshed",
		"realm_id", updated.RealmID,
		"expires_at", updated.TokenExpiresAt,
		"forced", force,
	)
	return credentials(updated), nil
}

// awaitRotation re-reads the store until the refresh token differs from
// rejected. A token that never changes was revoked rather than consumed by a
// concurrent refresh.
func (c *Coordinator) awaitRotation(ctx context.Context, rejected string) (Credentials, error) {
	var latest *api.Connection
	err := retry.Do(
		func() error {
			conn, err := c.active(ctx)
			if err != nil {
				return err
			}
			if conn.RefreshToken == rejected {
				return errRefreshNotRotated
			}
			latest = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.rereadAttempts),
		retry.Delay(c.rereadDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRefreshNotRotated)
		}),
	)
	if errors.Is(err, errRefreshNotRotated) {
		c.logger.Warn("refresh token was not rotated by another caller, treating as revoked")
		return Credentials{}, ErrRefreshTokenRevoked
	}
	if err != nil {
		return Credentials{}, err
	}
	return credentials(latest), nil
}

// ActiveRealm returns the realm of the active connection without touching tokens.
func (c *Coordinator) ActiveRealm(ctx context.Context) (string, error) {
	conn, err := c.active(ctx)
	if err != nil {
		return "", err
	}
	return conn.RealmID, nil
}

func (c *Coordinator) active(ctx context.Context) (*api.Connection, error) {
	conn, err := c.store.GetActive(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveConnection
	}
	if err != nil {
		return nil, fmt.Errorf("loading active connection: %w", err)
	}
	return conn, nil
}

func credentials(conn *api.Connection) Credentials {
	return Credentials{AccessToken: conn.AccessToken, RealmID: conn.RealmID}
}
