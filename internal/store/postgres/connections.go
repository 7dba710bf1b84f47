package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

const connectionColumns = `id, realm_id, access_token, refresh_token, token_expires_at,
	refresh_token_expires_at, company_name, is_active, created_at, updated_at`

// Connections implements store.ConnectionStore.
type Connections struct {
	pool *pgxpool.Pool
}

var _ store.ConnectionStore = (*Connections)(nil)

func scanConnection(row pgx.Row) (*api.Connection, error) {
	var (
		c         api.Connection
		rtExpires *time.Time
	)
	err := row.Scan(
		&c.ID, &c.RealmID, &c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt,
		&rtExpires, &c.CompanyName, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rtExpires != nil {
		c.RefreshTokenExpiresAt = *rtExpires
	}
	return &c, nil
}

// GetActive implements store.ConnectionStore.
func (r *Connections) GetActive(ctx context.Context) (*api.Connection, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM qbo_connections WHERE is_active LIMIT 1`)
	c, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading active connection: %w", err)
	}
	return c, nil
}

// ConditionalUpdate implements store.ConnectionStore.
func (r *Connections) ConditionalUpdate(ctx context.Context, id int64, expectedExpiresAt time.Time, tokens api.TokenSet) (*api.Connection, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE qbo_connections SET
			access_token = $3,
			refresh_token = $4,
			token_expires_at = $5,
			refresh_token_expires_at = COALESCE($6, refresh_token_expires_at),
			updated_at = NOW()
		WHERE id = $1 AND is_active AND token_expires_at = $2
		RETURNING `+connectionColumns,
		id, ts(expectedExpiresAt),
		tokens.AccessToken, tokens.RefreshToken, ts(tokens.TokenExpiresAt), nullableTS(tokens.RefreshTokenExpiresAt),
	)
	c, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("updating connection tokens: %w", err)
	}
	return c, nil
}

// UpsertByRealm implements store.ConnectionStore.
func (r *Connections) UpsertByRealm(ctx context.Context, conn api.Connection) (*api.Connection, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE qbo_connections SET is_active = FALSE, updated_at = NOW() WHERE is_active AND realm_id <> $1`,
		conn.RealmID,
	); err != nil {
		return nil, fmt.Errorf("deactivating other connections: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO qbo_connections (
			realm_id, access_token, refresh_token, token_expires_at,
			refresh_token_expires_at, company_name, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (realm_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			company_name = EXCLUDED.company_name,
			is_active = TRUE,
			updated_at = NOW()
		RETURNING `+connectionColumns,
		conn.RealmID, conn.AccessToken, conn.RefreshToken, ts(conn.TokenExpiresAt),
		nullableTS(conn.RefreshTokenExpiresAt), conn.CompanyName,
	)
	saved, err := scanConnection(row)
	if err != nil {
		return nil, fmt.Errorf("upserting connection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return saved, nil
}

// Deactivate implements store.ConnectionStore.
func (r *Connections) Deactivate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE qbo_connections
		SET is_active = FALSE, access_token = '', refresh_token = '', updated_at = NOW()
		WHERE is_active`)
	if err != nil {
		return fmt.Errorf("deactivating connection: %w", err)
	}
	return nil
}
