package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArionMiles/ledgerlink/internal/receipts"
	"github.com/ArionMiles/ledgerlink/internal/signedstate"
	"github.com/ArionMiles/ledgerlink/internal/store/memory"
	"github.com/ArionMiles/ledgerlink/pkg/api"
	"github.com/ArionMiles/ledgerlink/pkg/client"
	"github.com/ArionMiles/ledgerlink/pkg/config"
	"github.com/ArionMiles/ledgerlink/pkg/logging"
)

const testRealm = "realm-1"

var likePattern = regexp.MustCompile(`LIKE '%(.*)%'`)

// fakeLedger imitates the token endpoint and the accounting API.
// Refresh tokens are single use and access tokens are checked on every call.
type fakeLedger struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	refreshTokens   map[string]bool
	accessTokens    map[string]bool
	issued          int
	refreshCalls    int
	refreshDelay    time.Duration
	alwaysDeny      bool
	accounts        []record
	classes         []record
	vendors         []record
	nextID          int
	calls           map[string]int
	paths           []string
	queries         []string
	purchases       []map[string]any
	purchaseStatus  int
	purchaseBody    string
	uploadStatus    int
	uploadParts     map[string]string
	companyName     string
	companyStatus   int
	revoked         []string
	revokeStatus    int
	exchangeStatus  int
	missingMinorVer int
}

func newFakeLedger(t *testing.T) *fakeLedger {
	f := &fakeLedger{
		t:             t,
		refreshTokens: map[string]bool{},
		accessTokens:  map[string]bool{},
		calls:         map[string]int{},
		nextID:        100,
		companyName:   "Sandbox Company",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", f.token)
	mux.HandleFunc("/oauth/revoke", f.revoke)
	mux.HandleFunc("/v3/company/", f.api)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLedger) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeLedger) refreshes() (calls, issued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, f.issued
}

func (f *fakeLedger) issue() (string, string) {
	f.issued++
	at := fmt.Sprintf("at-%d", f.issued)
	rt := fmt.Sprintf("rt-%d", f.issued)
	f.accessTokens[at] = true
	f.refreshTokens[rt] = true
	return at, rt
}

func (f *fakeLedger) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	var at, rt string
	status := http.StatusOK
	switch r.Form.Get("grant_type") {
	case "refresh_token":
		f.refreshCalls++
		if f.refreshTokens[r.Form.Get("refresh_token")] {
			f.refreshTokens[r.Form.Get("refresh_token")] = false
			at, rt = f.issue()
		} else {
			status = http.StatusBadRequest
		}
	case "authorization_code":
		switch {
		case f.exchangeStatus != 0:
			status = f.exchangeStatus
		case r.Form.Get("code") == "good-code":
			at, rt = f.issue()
		default:
			status = http.StatusBadRequest
		}
	}
	delay := f.refreshDelay
	f.mu.Unlock()

	time.Sleep(delay)
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":               at,
		"refresh_token":              rt,
		"token_type":                 "bearer",
		"expires_in":                 3600,
		"x_refresh_token_expires_in": 8726400,
	})
}

func (f *fakeLedger) revoke(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, body["token"])
	if f.revokeStatus != 0 {
		w.WriteHeader(f.revokeStatus)
	}
}

func (f *fakeLedger) api(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = append(f.paths, r.URL.Path)
	if r.URL.Query().Get("minorversion") != "75" {
		f.missingMinorVer++
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if f.alwaysDeny || !f.accessTokens[token] {
		f.calls["unauthorized"]++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"Fault":{"Error":[{"Message":"AuthenticationFailed","code":"3200"}],"type":"AUTHENTICATION"}}`)
		return
	}

	prefix := "/v3/company/" + testRealm + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, prefix)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case resource == "query":
		f.calls["query"]++
		f.query(w, r.URL.Query().Get("query"))
	case resource == "vendor" && r.Method == http.MethodPost:
		f.calls["create_vendor"]++
		var in struct{ DisplayName string }
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
		f.nextID++
		v := record{ID: fmt.Sprint(f.nextID), DisplayName: in.DisplayName, Active: true}
		f.vendors = append(f.vendors, v)
		_ = json.NewEncoder(w).Encode(map[string]any{"Vendor": v})
	case resource == "purchase" && r.Method == http.MethodPost:
		f.calls["purchase"]++
		if f.purchaseStatus != 0 {
			w.WriteHeader(f.purchaseStatus)
			if f.purchaseBody != "" {
				_, _ = io.WriteString(w, f.purchaseBody)
				return
			}
			_, _ = io.WriteString(w, `{"Fault":{"Error":[{"Message":"Invalid account","code":"2020"}],"type":"ValidationFault"}}`)
			return
		}
		var in map[string]any
		d := json.NewDecoder(r.Body)
		d.UseNumber()
		require.NoError(f.t, d.Decode(&in))
		f.purchases = append(f.purchases, in)
		f.nextID++
		_ = json.NewEncoder(w).Encode(map[string]any{"Purchase": map[string]any{"Id": fmt.Sprint(f.nextID)}})
	case resource == "upload":
		f.calls["upload"]++
		if f.uploadStatus != 0 {
			w.WriteHeader(f.uploadStatus)
			return
		}
		require.NoError(f.t, r.ParseMultipartForm(1<<20))
		f.uploadParts = map[string]string{}
		for name, files := range r.MultipartForm.File {
			fh := files[0]
			file, err := fh.Open()
			require.NoError(f.t, err)
			data, _ := io.ReadAll(file)
			file.Close()
			f.uploadParts[name] = string(data)
			f.uploadParts[name+":type"] = fh.Header.Get("Content-Type")
		}
		_, _ = io.WriteString(w, `{"AttachableResponse":[{"Attachable":{"Id":"A-1"}}]}`)
	case resource == "companyinfo/"+testRealm:
		f.calls["companyinfo"]++
		if f.companyStatus != 0 {
			w.WriteHeader(f.companyStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"CompanyInfo": map[string]any{"CompanyName": f.companyName}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeLedger) query(w http.ResponseWriter, q string) {
	f.queries = append(f.queries, q)

	var object string
	var rows []record
	switch {
	case strings.Contains(q, "FROM Account"):
		object, rows = "Account", f.accounts
	case strings.Contains(q, "FROM Class"):
		object, rows = "Class", f.classes
	case strings.Contains(q, "FROM Vendor"):
		object, rows = "Vendor", f.vendors
		if m := likePattern.FindStringSubmatch(q); m != nil {
			needle := strings.ToLower(strings.NewReplacer(`\\`, `\`, `\'`, "'").Replace(m[1]))
			var matched []record
			for _, v := range rows {
				if strings.Contains(strings.ToLower(v.DisplayName), needle) {
					matched = append(matched, v)
				}
			}
			rows = matched
		}
	}

	resp := map[string]any{}
	if len(rows) > 0 {
		resp[object] = rows
		resp["startPosition"] = 1
		resp["maxResults"] = len(rows)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"QueryResponse": resp})
}

type fakeFetcher struct {
	receipt *receipts.Receipt
	err     error
	refs    []string
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) (*receipts.Receipt, error) {
	f.refs = append(f.refs, ref)
	return f.receipt, f.err
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// harness wires every component against the fake ledger and memory stores.
type harness struct {
	ledger    *fakeLedger
	conns     *memory.Connections
	entities  *memory.Entities
	expenses  *memory.Expenses
	provider  *client.Provider
	signer    *signedstate.Signer
	coord     *Coordinator
	client    *Client
	cache     *EntityCache
	fetcher   *fakeFetcher
	submitter *Submitter
	handshake *Handshake
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := newFakeLedger(t)
	logger := logging.Discard()

	var cfg config.Config
	cfg.ClientID = "client-id"
	cfg.ClientSecret = "client-secret"
	cfg.RedirectURI = "https://app.example.com/api/quickbooks/auth/callback"
	cfg.AuthURL = ledger.srv.URL + "/oauth/authorize"
	cfg.TokenURL = ledger.srv.URL + "/oauth/token"
	cfg.RevokeURL = ledger.srv.URL + "/oauth/revoke"
	cfg.APIBaseURL = ledger.srv.URL
	cfg.SuccessURL = "https://app.example.com/settings"
	cfg.ErrorURL = "https://app.example.com/settings"
	cfg.ApplyDefaults()

	h := &harness{
		ledger:   ledger,
		conns:    memory.NewConnections(),
		entities: memory.NewEntities(),
		expenses: memory.NewExpenses(),
		fetcher:  &fakeFetcher{},
		clock:    &testClock{t: time.Now()},
	}
	h.provider = client.New(cfg.QuickBooks, ledger.srv.Client())
	h.signer = signedstate.New([]byte("state-secret"))
	h.coord = NewCoordinator(h.conns, h.provider, logger, WithReread(20, 5*time.Millisecond))
	h.client = NewClient(h.coord, cfg.APIBaseURL, cfg.MinorVersion, ledger.srv.Client(), logger)
	h.cache = NewEntityCache(h.client, h.entities, cfg.EntityTTL, logger)
	h.cache.now = h.clock.Now
	h.submitter = NewSubmitter(h.client, h.coord, h.cache, h.expenses, h.entities, h.fetcher, logger)
	h.handshake = NewHandshake(h.provider, h.signer, h.conns, h.client, cfg.SuccessURL, cfg.ErrorURL, logger)
	return h
}

// connect stores an active connection whose access token expires after ttl.
// The ledger accepts the stored access token only when accessValid is set.
func (h *harness) connect(t *testing.T, ttl time.Duration, accessValid bool) *api.Connection {
	t.Helper()
	h.ledger.mu.Lock()
	h.ledger.refreshTokens["rt-0"] = true
	h.ledger.accessTokens["at-0"] = accessValid
	h.ledger.mu.Unlock()

	conn, err := h.conns.UpsertByRealm(context.Background(), api.Connection{
		RealmID:               testRealm,
		AccessToken:           "at-0",
		RefreshToken:          "rt-0",
		TokenExpiresAt:        time.Now().Add(ttl),
		RefreshTokenExpiresAt: time.Now().Add(100 * 24 * time.Hour),
		CompanyName:           "Sandbox Company",
	})
	require.NoError(t, err)
	return conn
}

func (h *harness) assertMinorVersionEverywhere(t *testing.T) {
	t.Helper()
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	assert.NotEmpty(t, h.ledger.paths)
	assert.Zero(t, h.ledger.missingMinorVer, "every API call carries minorversion")
}

func queryValue(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}
