// Package storetest holds behavioural tests shared by every store implementation.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

// Stores is one fresh set of repositories.
type Stores struct {
	Connections store.ConnectionStore
	Entities    store.EntityStore
	Expenses    store.ExpenseStore
}

// Run executes the shared suite; newStores must return empty repositories on every call.
func Run(t *testing.T, newStores func(t *testing.T) Stores) {
	t.Run("connections", func(t *testing.T) { runConnections(t, newStores) })
	t.Run("entities", func(t *testing.T) { runEntities(t, newStores) })
	t.Run("expenses", func(t *testing.T) { runExpenses(t, newStores) })
}

func connection(realm, access, refresh string, expires time.Time) api.Connection {
	return api.Connection{
		RealmID:               realm,
		AccessToken:           access,
		RefreshToken:          refresh,
		TokenExpiresAt:        expires,
		RefreshTokenExpiresAt: expires.Add(100 * 24 * time.Hour),
		CompanyName:           "Company " + realm,
	}
}

func runConnections(t *testing.T, newStores func(t *testing.T) Stores) {
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	t.Run("get active on empty store", func(t *testing.T) {
		s := newStores(t).Connections
		_, err := s.GetActive(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("upsert then get active", func(t *testing.T) {
		s := newStores(t).Connections
		saved, err := s.UpsertByRealm(ctx, connection("r1", "a1", "rt1", expires))
		require.NoError(t, err)

		got, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, saved.ID, got.ID)
		assert.Equal(t, "r1", got.RealmID)
		assert.Equal(t, "a1", got.AccessToken)
		assert.Equal(t, "rt1", got.RefreshToken)
		assert.Equal(t, "Company r1", got.CompanyName)
		assert.True(t, got.IsActive)
		assert.WithinDuration(t, expires, got.TokenExpiresAt, time.Millisecond)
	})

	t.Run("upsert of another realm deactivates the previous one", func(t *testing.T) {
		s := newStores(t).Connections
		first, err := s.UpsertByRealm(ctx, connection("r1", "a1", "rt1", expires))
		require.NoError(t, err)
		_, err = s.UpsertByRealm(ctx, connection("r2", "a2", "rt2", expires))
		require.NoError(t, err)

		got, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r2", got.RealmID)

		again, err := s.UpsertByRealm(ctx, connection("r1", "a3", "rt3", expires))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "same realm keeps its row")

		got, err = s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r1", got.RealmID)
		assert.Equal(t, "rt3", got.RefreshToken)
	})

	t.Run("conditional update honours the guard", func(t *testing.T) {
		s := newStores(t).Connections
		saved, err := s.UpsertByRealm(ctx, connection("r1", "a1", "rt1", expires))
		require.NoError(t, err)

		next := api.TokenSet{AccessToken: "a2", RefreshToken: "rt2", TokenExpiresAt: expires.Add(time.Hour)}
		updated, err := s.ConditionalUpdate(ctx, saved.ID, saved.TokenExpiresAt, next)
		require.NoError(t, err)
		assert.Equal(t, "a2", updated.AccessToken)
		assert.Equal(t, "rt2", updated.RefreshToken)
		assert.WithinDuration(t, saved.RefreshTokenExpiresAt, updated.RefreshTokenExpiresAt, time.Millisecond,
			"zero refresh expiry leaves the stored value")

		stale := api.TokenSet{AccessToken: "a3", RefreshToken: "rt3", TokenExpiresAt: expires.Add(2 * time.Hour)}
		_, err = s.ConditionalUpdate(ctx, saved.ID, saved.TokenExpiresAt, stale)
		assert.ErrorIs(t, err, store.ErrVersionConflict)

		got, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rt2", got.RefreshToken)
	})

	t.Run("exactly one concurrent conditional update wins", func(t *testing.T) {
		s := newStores(t).Connections
		saved, err := s.UpsertByRealm(ctx, connection("r1", "a1", "rt1", expires))
		require.NoError(t, err)

		const writers = 8
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := api.TokenSet{
					AccessToken:    "a",
					RefreshToken:   "rt",
					TokenExpiresAt: expires.Add(time.Duration(i+1) * time.Minute),
				}
				_, err := s.ConditionalUpdate(ctx, saved.ID, saved.TokenExpiresAt, next)
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, store.ErrVersionConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("deactivate clears the active connection", func(t *testing.T) {
		s := newStores(t).Connections
		saved, err := s.UpsertByRealm(ctx, connection("r1", "a1", "rt1", expires))
		require.NoError(t, err)
		require.NoError(t, s.Deactivate(ctx))

		_, err = s.GetActive(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.ConditionalUpdate(ctx, saved.ID, saved.TokenExpiresAt, api.TokenSet{TokenExpiresAt: expires})
		assert.ErrorIs(t, err, store.ErrVersionConflict)
	})
}

func runEntities(t *testing.T, newStores func(t *testing.T) Stores) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entity := func(t api.EntityType, id, name string, active bool) api.Entity {
		return api.Entity{Type: t, RealmID: "r1", ProviderID: id, Name: name, IsActive: active, SyncedAt: now}
	}

	t.Run("latest sync of empty collection", func(t *testing.T) {
		s := newStores(t).Entities
		_, ok, err := s.LatestSync(ctx, api.EntityVendor, "r1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("upsert list and get", func(t *testing.T) {
		s := newStores(t).Entities
		require.NoError(t, s.Upsert(ctx, []api.Entity{
			entity(api.EntityVendor, "2", "Zeta Supplies", true),
			entity(api.EntityVendor, "1", "Ace Hardware", true),
			entity(api.EntityVendor, "3", "Gone Vendor", false),
			entity(api.EntityClass, "9", "Ops", true),
		}))

		vendors, err := s.ListActive(ctx, api.EntityVendor, "r1")
		require.NoError(t, err)
		require.Len(t, vendors, 2)
		assert.Equal(t, "Ace Hardware", vendors[0].Name)
		assert.Equal(t, "Zeta Supplies", vendors[1].Name)

		other, err := s.ListActive(ctx, api.EntityVendor, "r2")
		require.NoError(t, err)
		assert.Empty(t, other)

		got, err := s.Get(ctx, api.EntityClass, "r1", "9")
		require.NoError(t, err)
		assert.Equal(t, "Ops", got.Name)

		_, err = s.Get(ctx, api.EntityClass, "r1", "404")
		assert.ErrorIs(t, err, store.ErrNotFound)

		latest, ok, err := s.LatestSync(ctx, api.EntityVendor, "r1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, latest.Equal(now))
	})

	t.Run("upsert overwrites by key", func(t *testing.T) {
		s := newStores(t).Entities
		acct := entity(api.EntityAccount, "7", "Supplies", true)
		acct.AccountType = "Expense"
		require.NoError(t, s.Upsert(ctx, []api.Entity{acct}))

		acct.Name = "Office Supplies"
		acct.AccountType = "Credit Card"
		require.NoError(t, s.Upsert(ctx, []api.Entity{acct}))

		got, err := s.Get(ctx, api.EntityAccount, "r1", "7")
		require.NoError(t, err)
		assert.Equal(t, "Office Supplies", got.Name)
		assert.Equal(t, "Credit Card", got.AccountType)
	})

	t.Run("invalidate rewinds every collection", func(t *testing.T) {
		s := newStores(t).Entities
		require.NoError(t, s.Upsert(ctx, []api.Entity{
			entity(api.EntityVendor, "1", "Ace Hardware", true),
			entity(api.EntityAccount, "7", "Supplies", true),
		}))
		require.NoError(t, s.Invalidate(ctx, "r1"))

		for _, typ := range []api.EntityType{api.EntityVendor, api.EntityAccount} {
			latest, ok, err := s.LatestSync(ctx, typ, "r1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, latest.Equal(store.Epoch), "%s synced_at = %s", typ, latest)
		}
	})
}

func runExpenses(t *testing.T, newStores func(t *testing.T) Stores) {
	ctx := context.Background()

	newExpense := func() *api.Expense {
		tax := decimal.RequireFromString("3.41")
		return &api.Expense{
			VendorName: "Ace Hardware",
			Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			Amount:     decimal.RequireFromString("42.17"),
			Tax:        &tax,
			Memo:       "shelf brackets",
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStores(t).Expenses
		e := newExpense()
		require.NoError(t, s.Create(ctx, e))
		require.NotEqual(t, uuid.Nil, e.ID)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ace Hardware", got.VendorName)
		assert.True(t, got.Amount.Equal(e.Amount))
		require.NotNil(t, got.Tax)
		assert.True(t, got.Tax.Equal(*e.Tax))
		assert.True(t, got.Date.Equal(e.Date))
		assert.False(t, got.Pushed())
		assert.Zero(t, got.SyncAttempts)
	})

	t.Run("unknown expense", func(t *testing.T) {
		s := newStores(t).Expenses
		id := uuid.New()
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.SetVendorID(ctx, id, "1"), store.ErrNotFound)
		assert.ErrorIs(t, s.RecordFailure(ctx, id, "x"), store.ErrNotFound)
	})

	t.Run("failure then success", func(t *testing.T) {
		s := newStores(t).Expenses
		e := newExpense()
		require.NoError(t, s.Create(ctx, e))

		require.NoError(t, s.SetVendorID(ctx, e.ID, "58"))
		require.NoError(t, s.RecordFailure(ctx, e.ID, "400: bad"))
		require.NoError(t, s.RecordFailure(ctx, e.ID, "400: still bad"))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		require.NotNil(t, got.VendorID)
		assert.Equal(t, "58", *got.VendorID)
		require.NotNil(t, got.Error)
		assert.Equal(t, "400: still bad", *got.Error)
		assert.Equal(t, 2, got.SyncAttempts)

		pushedAt := time.Now().UTC().Truncate(time.Second)
		attachment := "att-1"
		require.NoError(t, s.RecordSuccess(ctx, e.ID, api.SubmitResult{
			PurchaseID: "145", PushedAt: pushedAt, AttachmentID: &attachment,
		}))

		got, err = s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Error)
		assert.Equal(t, 3, got.SyncAttempts)
		require.NotNil(t, got.PurchaseID)
		assert.Equal(t, "145", *got.PurchaseID)
		require.NotNil(t, got.PushedAt)
		assert.True(t, got.PushedAt.Equal(pushedAt))
		require.NotNil(t, got.AttachmentID)
		assert.Equal(t, "att-1", *got.AttachmentID)
	})
}
