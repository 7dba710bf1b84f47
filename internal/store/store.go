// Package store declares the persistence contracts the ledger connector relies on.
//
// The connection contract centres on ConditionalUpdate: concurrent refreshers in
// unrelated processes coordinate only through it, so implementations must apply
// the guard and the write atomically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ArionMiles/ledgerlink/pkg/api"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by ConditionalUpdate when the guard no longer matches.
	ErrVersionConflict = errors.New("version conflict")
)

// Epoch is the synced_at value written by Invalidate.
var Epoch = time.Unix(0, 0).UTC()

// ConnectionStore is the sole accessor of the credential record.
type ConnectionStore interface {
	// GetActive returns the active connection or ErrNotFound.
	GetActive(ctx context.Context) (*api.Connection, error)

	// ConditionalUpdate writes tokens to row id only if its token_expires_at
	// still equals expectedExpiresAt. It returns ErrVersionConflict otherwise.
	ConditionalUpdate(ctx context.Context, id int64, expectedExpiresAt time.Time, tokens api.TokenSet) (*api.Connection, error)

	// UpsertByRealm inserts or replaces the row for conn.RealmID, marks it
	// active and deactivates every other row.
	UpsertByRealm(ctx context.Context, conn api.Connection) (*api.Connection, error)

	// Deactivate clears token material on the active row and marks it inactive.
	Deactivate(ctx context.Context) error
}

// EntityStore holds the mirrored reference collections.
type EntityStore interface {
	// LatestSync returns the newest synced_at of a collection; ok is false when empty.
	LatestSync(ctx context.Context, t api.EntityType, realmID string) (latest time.Time, ok bool, err error)

	// ListActive returns the active rows of a collection ordered by name.
	ListActive(ctx context.Context, t api.EntityType, realmID string) ([]api.Entity, error)

	// Get returns one entity or ErrNotFound.
	Get(ctx context.Context, t api.EntityType, realmID, providerID string) (*api.Entity, error)

	// Upsert inserts or overwrites rows keyed by (type, realm, provider id).
	Upsert(ctx context.Context, entities []api.Entity) error

	// Invalidate sets synced_at to Epoch for every collection of the realm.
	Invalidate(ctx context.Context, realmID string) error
}

// ExpenseStore reads expenses and writes the ledger-owned fields.
type ExpenseStore interface {
	// Create stores a new expense, assigning an ID when empty.
	Create(ctx context.Context, e *api.Expense) error

	// Get returns one expense or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*api.Expense, error)

	// SetVendorID persists a resolved vendor.
	SetVendorID(ctx context.Context, id uuid.UUID, vendorID string) error

	// RecordFailure increments the attempt counter and stores message as the error.
	RecordFailure(ctx context.Context, id uuid.UUID, message string) error

	// RecordSuccess stores the purchase outcome, clears the error and increments the attempt counter.
	RecordSuccess(ctx context.Context, id uuid.UUID, result api.SubmitResult) error
}
