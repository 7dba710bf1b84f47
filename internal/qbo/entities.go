package qbo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

const (
	// DefaultEntityTTL is how long a synced collection is served from the cache.
	DefaultEntityTTL = 24 * time.Hour

	queryPath  = "/v3/company/" + RealmPlaceholder + "/query"
	vendorPath = "/v3/company/" + RealmPlaceholder + "/vendor"

	queryPageSize = 1000
)

// entitySource maps a collection onto the provider's query language.
var entitySource = map[api.EntityType]struct {
	object string
	query  string
}{
	api.EntityAccount: {"Account", "SELECT * FROM Account WHERE AccountType IN ('Expense', 'Credit Card') AND Active = true"},
	api.EntityClass:   {"Class", "SELECT * FROM Class WHERE Active = true"},
	api.EntityVendor:  {"Vendor", "SELECT * FROM Vendor WHERE Active = true"},
}

// record is the subset of Account, Class and Vendor fields that is mirrored.
type record struct {
	ID                 string `json:"Id"`
	Name               string `json:"Name"`
	DisplayName        string `json:"DisplayName"`
	FullyQualifiedName string `json:"FullyQualifiedName"`
	AccountType        string `json:"AccountType"`
	Active             bool   `json:"Active"`
}

func (r record) entity(t api.EntityType, realmID string, syncedAt time.Time) api.Entity {
	name := r.Name
	if t == api.EntityVendor && r.DisplayName != "" {
		name = r.DisplayName
	}
	return api.Entity{
		Type:               t,
		RealmID:            realmID,
		ProviderID:         r.ID,
		Name:               name,
		FullyQualifiedName: r.FullyQualifiedName,
		AccountType:        r.AccountType,
		IsActive:           r.Active,
		SyncedAt:           syncedAt,
	}
}

// Caller issues JSON ledger API calls. *Client satisfies it.
type Caller interface {
	Do(ctx context.Context, method, path string, query url.Values, in, out any) (*Response, error)
}

// EntityCache mirrors accounts, classes and vendors with a TTL.
type EntityCache struct {
	api    Caller
	store  store.EntityStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewEntityCache returns a cache; a zero ttl means DefaultEntityTTL.
func NewEntityCache(c Caller, s store.EntityStore, ttl time.Duration, logger *slog.Logger) *EntityCache {
	if ttl <= 0 {
		ttl = DefaultEntityTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityCache{
		api:    c,
		store:  s,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "entity_cache"),
	}
}

// Sync returns the active rows of a collection, refetching from the provider
// when forced or when the newest row is older than the TTL.
func (e *EntityCache) Sync(ctx context.Context, t api.EntityType, realmID string, force bool) ([]api.Entity, error) {
	src, ok := entitySource[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	if !force {
		latest, ok, err := e.store.LatestSync(ctx, t, realmID)
		if err != nil {
			return nil, err
		}
		if ok && e.now().Sub(latest) < e.ttl {
			return e.store.ListActive(ctx, t, realmID)
		}
	}

	records, err := e.query(ctx, src.object, src.query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", src.object, err)
	}

	syncedAt := e.now()
	rows := make([]api.Entity, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.entity(t, realmID, syncedAt))
	}
	if err := e.store.Upsert(ctx, rows); err != nil {
		return nil, fmt.Errorf("caching %s: %w", src.object, err)
	}
	e.logger.Info("synced entities", "type", t, "realm_id", realmID, "count", len(rows), "forced", force)

	return e.store.ListActive(ctx, t, realmID)
}

// SyncAll refreshes every collection.
func (e *EntityCache) SyncAll(ctx context.Context, realmID string, force bool) (map[api.EntityType][]api.Entity, error) {
	out := make(map[api.EntityType][]api.Entity, len(api.EntityTypes))
	for _, t := range api.EntityTypes {
		rows, err := e.Sync(ctx, t, realmID, force)
		if err != nil {
			return nil, err
		}
		out[t] = rows
	}
	return out, nil
}

// Invalidate marks every collection of the realm stale.
func (e *EntityCache) Invalidate(ctx context.Context, realmID string) error {
	return e.store.Invalidate(ctx, realmID)
}

// FindOrCreateVendor resolves name to a vendor: an exact case-insensitive
// cache match, then a provider name search, then creation.
func (e *EntityCache) FindOrCreateVendor(ctx context.Context, realmID, name string) (*api.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("vendor name is empty")
	}
	fold := cases.Fold()
	want := fold.String(name)

	cached, err := e.store.ListActive(ctx, api.EntityVendor, realmID)
	if err != nil {
		return nil, err
	}
	for _, v := range cached {
		if fold.String(strings.TrimSpace(v.Name)) == want {
			return &v, nil
		}
	}

	query := fmt.Sprintf("SELECT * FROM Vendor WHERE DisplayName LIKE '%%%s%%' AND Active = true", escapeQuery(name))
	found, err := e.query(ctx, "Vendor", query)
	if err != nil {
		return nil, fmt.Errorf("searching vendor %q: %w", name, err)
	}
	if len(found) > 0 {
		best := found[0]
		for _, r := range found {
			if fold.String(r.DisplayName) == want {
				best = r
				break
			}
		}
		e.logger.Info("matched vendor at provider", "name", name, "vendor_id", best.ID)
		return e.cache(ctx, best, realmID)
	}

	var created struct {
		Vendor record `json:"Vendor"`
	}
	if _, err := e.api.Do(ctx, http.MethodPost, vendorPath, nil, map[string]string{"DisplayName": name}, &created); err != nil {
		return nil, fmt.Errorf("creating vendor %q: %w", name, err)
	}
	e.logger.Info("created vendor", "name", name, "vendor_id", created.Vendor.ID)
	return e.cache(ctx, created.Vendor, realmID)
}

// cache stores a single resolved vendor. It keeps the collection's newest
// synced_at so a lookup never makes an unsynced collection look fresh.
func (e *EntityCache) cache(ctx context.Context, r record, realmID string) (*api.Entity, error) {
	syncedAt, ok, err := e.store.LatestSync(ctx, api.EntityVendor, realmID)
	if err != nil {
		return nil, err
	}
	if !ok {
		syncedAt = store.Epoch
	}
	v := r.entity(api.EntityVendor, realmID, syncedAt)
	if err := e.store.Upsert(ctx, []api.Entity{v}); err != nil {
		return nil, fmt.Errorf("caching vendor: %w", err)
	}
	return &v, nil
}

// query pages through a provider query and returns every record of object.
func (e *EntityCache) query(ctx context.Context, object, base string) ([]record, error) {
	var all []record
	for start := 1; ; start += queryPageSize {
		q := url.Values{}
		q.Set("query", fmt.Sprintf("%s STARTPOSITION %d MAXRESULTS %d", base, start, queryPageSize))

		var resp struct {
			QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
		}
		if _, err := e.api.Do(ctx, http.MethodGet, queryPath, q, nil, &resp); err != nil {
			return nil, err
		}

		var page []record
		if raw, ok := resp.QueryResponse[object]; ok {
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, fmt.Errorf("decoding %s records: %w", object, err)
			}
		}
		all = append(all, page...)
		if len(page) < queryPageSize {
			return all, nil
		}
	}
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, "'", `\'`).Replace(s)
}
