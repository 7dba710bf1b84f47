// Package memory implements the store contracts in process memory.
//
// It mirrors the Postgres semantics closely enough to exercise the connector's
// concurrency rules in tests, including the ConditionalUpdate guard.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

var (
	_ store.ConnectionStore = (*Connections)(nil)
	_ store.EntityStore     = (*Entities)(nil)
	_ store.ExpenseStore    = (*Expenses)(nil)
)

// Connections is an in-memory store.ConnectionStore.
type Connections struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*api.Connection
}

// NewConnections returns an empty connection store.
func NewConnections() *Connections {
	return &Connections{rows: make(map[int64]*api.Connection)}
}

// GetActive implements store.ConnectionStore.
func (s *Connections) GetActive(_ context.Context) (*api.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.rows {
		if c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// ConditionalUpdate implements store.ConnectionStore.
func (s *Connections) ConditionalUpdate(_ context.Context, id int64, expectedExpiresAt time.Time, tokens api.TokenSet) (*api.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[id]
	if !ok || !c.IsActive || !c.TokenExpiresAt.Equal(expectedExpiresAt) {
		return nil, store.ErrVersionConflict
	}

	c.AccessToken = tokens.AccessToken
	c.RefreshToken = tokens.RefreshToken
	c.TokenExpiresAt = tokens.TokenExpiresAt
	if !tokens.RefreshTokenExpiresAt.IsZero() {
		c.RefreshTokenExpiresAt = tokens.RefreshTokenExpiresAt
	}
	c.UpdatedAt = time.Now()

	cp := *c
	return &cp, nil
}

// UpsertByRealm implements store.ConnectionStore.
func (s *Connections) UpsertByRealm(_ context.Context, conn api.Connection) (*api.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var target *api.Connection
	for _, c := range s.rows {
		if c.RealmID == conn.RealmID {
			target = c
			continue
		}
		c.IsActive = false
	}

	if target == nil {
		s.nextID++
		target = &api.Connection{ID: s.nextID, RealmID: conn.RealmID, CreatedAt: now}
		s.rows[target.ID] = target
	}

	target.AccessToken = conn.AccessToken
	target.RefreshToken = conn.RefreshToken
	target.TokenExpiresAt = conn.TokenExpiresAt
	target.RefreshTokenExpiresAt = conn.RefreshTokenExpiresAt
	target.CompanyName = conn.CompanyName
	target.IsActive = true
	target.UpdatedAt = now

	cp := *target
	return &cp, nil
}

// Deactivate implements store.ConnectionStore.
func (s *Connections) Deactivate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.rows {
		if !c.IsActive {
			continue
		}
		c.AccessToken = ""
		c.RefreshToken = ""
		c.IsActive = false
		c.UpdatedAt = time.Now()
	}
	return nil
}

type entityKey struct {
	t          api.EntityType
	realmID    string
	providerID string
}

// Entities is an in-memory store.EntityStore.
type Entities struct {
	mu   sync.Mutex
	rows map[entityKey]api.Entity
}

// NewEntities returns an empty entity store.
func NewEntities() *Entities {
	return &Entities{rows: make(map[entityKey]api.Entity)}
}

// LatestSync implements store.EntityStore.
func (s *Entities) LatestSync(_ context.Context, t api.EntityType, realmID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	found := false
	for k, e := range s.rows {
		if k.t != t || k.realmID != realmID {
			continue
		}
		if !found || e.SyncedAt.After(latest) {
			latest = e.SyncedAt
			found = true
		}
	}
	return latest, found, nil
}

// ListActive implements store.EntityStore.
func (s *Entities) ListActive(_ context.Context, t api.EntityType, realmID string) ([]api.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Entity, 0)
	for k, e := range s.rows {
		if k.t == t && k.realmID == realmID && e.IsActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

// Get implements store.EntityStore.
func (s *Entities) Get(_ context.Context, t api.EntityType, realmID, providerID string) (*api.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rows[entityKey{t, realmID, providerID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

// Upsert implements store.EntityStore.
func (s *Entities) Upsert(_ context.Context, entities []api.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		s.rows[entityKey{e.Type, e.RealmID, e.ProviderID}] = e
	}
	return nil
}

// Invalidate implements store.EntityStore.
func (s *Entities) Invalidate(_ context.Context, realmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.rows {
		if k.realmID == realmID {
			e.SyncedAt = store.Epoch
			s.rows[k] = e
		}
	}
	return nil
}

// Expenses is an in-memory store.ExpenseStore.
type Expenses struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*api.Expense
}

// NewExpenses returns an empty expense store.
func NewExpenses() *Expenses {
	return &Expenses{rows: make(map[uuid.UUID]*api.Expense)}
}

// Create implements store.ExpenseStore.
func (s *Expenses) Create(_ context.Context, e *api.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	s.rows[e.ID] = &cp
	return nil
}

// Get implements store.ExpenseStore.
func (s *Expenses) Get(_ context.Context, id uuid.UUID) (*api.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// SetVendorID implements store.ExpenseStore.
func (s *Expenses) SetVendorID(_ context.Context, id uuid.UUID, vendorID string) error {
	return s.mutate(id, func(e *api.Expense) {
		e.VendorID = &vendorID
	})
}

// RecordFailure implements store.ExpenseStore.
func (s *Expenses) RecordFailure(_ context.Context, id uuid.UUID, message string) error {
	return s.mutate(id, func(e *api.Expense) {
		e.Error = &message
		e.SyncAttempts++
	})
}

// RecordSuccess implements store.ExpenseStore.
func (s *Expenses) RecordSuccess(_ context.Context, id uuid.UUID, result api.SubmitResult) error {
	return s.mutate(id, func(e *api.Expense) {
		purchaseID := result.PurchaseID
		pushedAt := result.PushedAt
		e.PurchaseID = &purchaseID
		e.PushedAt = &pushedAt
		e.AttachmentID = result.AttachmentID
		e.Error = nil
		e.SyncAttempts++
	})
}

func (s *Expenses) mutate(id uuid.UUID, fn func(*api.Expense)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(e)
	return nil
}
