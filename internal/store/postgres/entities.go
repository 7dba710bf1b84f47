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

const entityColumns = `entity_type, realm_id, provider_id, name, fully_qualified_name,
	account_type, is_active, synced_at`

// Entities implements store.EntityStore.
type Entities struct {
	pool *pgxpool.Pool
}

var _ store.EntityStore = (*Entities)(nil)

func scanEntity(row pgx.Row) (api.Entity, error) {
	var (
		e   api.Entity
		typ string
	)
	err := row.Scan(&typ, &e.RealmID, &e.ProviderID, &e.Name, &e.FullyQualifiedName,
		&e.AccountType, &e.IsActive, &e.SyncedAt)
	e.Type = api.EntityType(typ)
	return e, err
}

// LatestSync implements store.EntityStore.
func (r *Entities) LatestSync(ctx context.Context, t api.EntityType, realmID string) (time.Time, bool, error) {
	var latest *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT MAX(synced_at) FROM qbo_entities WHERE entity_type = $1 AND realm_id = $2`,
		string(t), realmID,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading latest %s sync: %w", t, err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

// ListActive implements store.EntityStore.
func (r *Entities) ListActive(ctx context.Context, t api.EntityType, realmID string) ([]api.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entityColumns+` FROM qbo_entities
		WHERE entity_type = $1 AND realm_id = $2 AND is_active
		ORDER BY name, provider_id`,
		string(t), realmID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s entities: %w", t, err)
	}
	defer rows.Close()

	out := make([]api.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s entity: %w", t, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements store.EntityStore.
func (r *Entities) Get(ctx context.Context, t api.EntityType, realmID, providerID string) (*api.Entity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM qbo_entities
		WHERE entity_type = $1 AND realm_id = $2 AND provider_id = $3`,
		string(t), realmID, providerID,
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", t, providerID, err)
	}
	return &e, nil
}

// Upsert implements store.EntityStore.
func (r *Entities) Upsert(ctx context.Context, entities []api.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entities {
		batch.Queue(`
			INSERT INTO qbo_entities (`+entityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entity_type, realm_id, provider_id) DO UPDATE SET
				name = EXCLUDED.name,
				fully_qualified_name = EXCLUDED.fully_qualified_name,
				account_type = EXCLUDED.account_type,
				is_active = EXCLUDED.is_active,
				synced_at = EXCLUDED.synced_at`,
			string(e.Type), e.RealmID, e.ProviderID, e.Name, e.FullyQualifiedName,
			e.AccountType, e.IsActive, ts(e.SyncedAt),
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range entities {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting %s %s: %w", entities[i].Type, entities[i].ProviderID, err)
		}
	}
	return nil
}

// Invalidate implements store.EntityStore.
func (r *Entities) Invalidate(ctx context.Context, realmID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE qbo_entities SET synced_at = $2 WHERE realm_id = $1`,
		realmID, store.Epoch,
	); err != nil {
		return fmt.Errorf("invalidating entity cache: %w", err)
	}
	return nil
}
