// Package httpapi exposes the connector to the upstream application.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ArionMiles/ledgerlink/internal/qbo"
	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

// Connector runs the OAuth flows. *qbo.Handshake satisfies it.
type Connector interface {
	Start() string
	Callback(ctx context.Context, p qbo.CallbackParams) string
	Status(ctx context.Context) (api.ConnectionStatus, error)
	Disconnect(ctx context.Context) error
}

// Entities serves the reference collections. *qbo.EntityCache satisfies it.
type Entities interface {
	Sync(ctx context.Context, t api.EntityType, realmID string, force bool) ([]api.Entity, error)
	SyncAll(ctx context.Context, realmID string, force bool) (map[api.EntityType][]api.Entity, error)
	Invalidate(ctx context.Context, realmID string) error
	FindOrCreateVendor(ctx context.Context, realmID, name string) (*api.Entity, error)
}

// Submitter pushes one expense. *qbo.Submitter satisfies it.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) (*api.SubmitResult, error)
}

// ExpenseReader loads an expense for the pushed check.
type ExpenseReader interface {
	Get(ctx context.Context, id uuid.UUID) (*api.Expense, error)
}

// Deps are the components behind the routes.
type Deps struct {
	Connector Connector
	Realms    qbo.RealmSource
	Entities  Entities
	Submitter Submitter
	Expenses  ExpenseReader
}

// Server routes the integration endpoints.
type Server struct {
	deps   Deps
	router *mux.Router
	logger *slog.Logger
}

// collections maps the plural path segment onto an entity type.
var collections = map[string]api.EntityType{
	"accounts": api.EntityAccount,
	"classes":  api.EntityClass,
	"vendors":  api.EntityVendor,
}

// New builds the router. Every route except the OAuth callback requires a
// bearer token signed with jwtSecret.
func New(deps Deps, basePath string, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With("component", "httpapi"),
	}

	base := s.router.PathPrefix("/" + strings.Trim(basePath, "/")).Subrouter()
	base.Use(s.logRequests)
	base.HandleFunc("/auth/callback", s.callback).Methods(http.MethodGet)

	protected := base.NewRoute().Subrouter()
	protected.Use(RequireBearer(jwtSecret, s.logger))
	protected.HandleFunc("/auth/start", s.start).Methods(http.MethodGet)
	protected.HandleFunc("/connection/status", s.status).Methods(http.MethodGet)
	protected.HandleFunc("/connection/disconnect", s.disconnect).Methods(http.MethodPost)
	protected.HandleFunc("/entities/refresh", s.refreshEntities).Methods(http.MethodPost)
	protected.HandleFunc("/entities/vendors/find-or-create", s.findOrCreateVendor).Methods(http.MethodPost)
	protected.HandleFunc("/entities/{collection:accounts|classes|vendors}", s.listEntities).Methods(http.MethodGet)
	protected.HandleFunc("/expenses/{id}/submit", s.submit).Methods(http.MethodPost)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) start(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": s.deps.Connector.Start()})
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := s.deps.Connector.Callback(r.Context(), qbo.CallbackParams{
		Code:    q.Get("code"),
		State:   q.Get("state"),
		RealmID: q.Get("realmId"),
		Error:   q.Get("error"),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Connector.Status(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Connector.Disconnect(r.Context()); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	force := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			badRequest(w, "refresh must be a boolean")
			return
		}
	}

	realmID, err := s.deps.Realms.ActiveRealm(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rows, err := s.deps.Entities.Sync(r.Context(), collections[collection], realmID, force)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if rows == nil {
		rows = []api.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string][]api.Entity{collection: rows})
}

func (s *Server) refreshEntities(w http.ResponseWriter, r *http.Request) {
	realmID, err := s.deps.Realms.ActiveRealm(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.deps.Entities.Invalidate(r.Context(), realmID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	all, err := s.deps.Entities.SyncAll(r.Context(), realmID, true)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := make(map[string][]api.Entity, len(collections))
	for name, t := range collections {
		rows := all[t]
		if rows == nil {
			rows = []api.Entity{}
		}
		out[name] = rows
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) findOrCreateVendor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "body must be JSON with a name")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		badRequest(w, "name is required")
		return
	}

	realmID, err := s.deps.Realms.ActiveRealm(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	vendor, err := s.deps.Entities.FindOrCreateVendor(r.Context(), realmID, body.Name)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*api.Entity{"vendor": vendor})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, "expense id must be a UUID")
		return
	}

	expense, err := s.deps.Expenses.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, s.logger, qbo.ErrExpenseNotFound)
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if expense.Pushed() {
		writeError(w, s.logger, qbo.ErrAlreadyPushed)
		return
	}

	result, err := s.deps.Submitter.Submit(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
