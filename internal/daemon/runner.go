// Package daemon wires the connector components and runs the HTTP service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ArionMiles/ledgerlink/internal/httpapi"
	"github.com/ArionMiles/ledgerlink/internal/qbo"
	"github.com/ArionMiles/ledgerlink/internal/receipts"
	"github.com/ArionMiles/ledgerlink/internal/signedstate"
	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/internal/store/postgres"
	"github.com/ArionMiles/ledgerlink/pkg/client"
	"github.com/ArionMiles/ledgerlink/pkg/config"
)

const shutdownTimeout = 15 * time.Second

// Stores are the persistence backends the components run on.
type Stores struct {
	Connections store.ConnectionStore
	Entities    store.EntityStore
	Expenses    store.ExpenseStore
}

// Components is the wired connector.
type Components struct {
	Provider    *client.Provider
	Coordinator *qbo.Coordinator
	Client      *qbo.Client
	Entities    *qbo.EntityCache
	Submitter   *qbo.Submitter
	Handshake   *qbo.Handshake
	Stores      Stores
}

// Wire builds every component from cfg on top of stores.
func Wire(cfg config.Config, stores Stores, fetcher receipts.Fetcher, httpClient *http.Client, logger *slog.Logger) *Components {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	provider := client.New(cfg.QuickBooks, httpClient)
	coord := qbo.NewCoordinator(stores.Connections, provider, logger, qbo.WithRefreshTimeout(cfg.HTTPTimeout))
	apiClient := qbo.NewClient(coord, cfg.APIBaseURL, cfg.MinorVersion, httpClient, logger)
	cache := qbo.NewEntityCache(apiClient, stores.Entities, cfg.EntityTTL, logger)

	return &Components{
		Provider:    provider,
		Coordinator: coord,
		Client:      apiClient,
		Entities:    cache,
		Submitter:   qbo.NewSubmitter(apiClient, coord, cache, stores.Expenses, stores.Entities, fetcher, logger),
		Handshake: qbo.NewHandshake(
			provider,
			signedstate.New([]byte(cfg.StateSecret)),
			stores.Connections,
			apiClient,
			cfg.SuccessURL,
			cfg.ErrorURL,
			logger,
		),
		Stores: stores,
	}
}

// Handler exposes c over HTTP.
func (c *Components) Handler(cfg config.Config, logger *slog.Logger) http.Handler {
	return httpapi.New(httpapi.Deps{
		Connector: c.Handshake,
		Realms:    c.Coordinator,
		Entities:  c.Entities,
		Submitter: c.Submitter,
		Expenses:  c.Stores.Expenses,
	}, cfg.BasePath, []byte(cfg.JWTSecret), logger)
}

// Open connects to PostgreSQL and the receipt store and wires the components.
// The returned close function releases the database pool.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, func(), error) {
	db, err := postgres.Open(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	fetcher, err := receipts.New(ctx, cfg.Receipts, httpClient, logger.With("component", "receipts"))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating receipt fetcher: %w", err)
	}

	stores := Stores{
		Connections: db.Connections(),
		Entities:    db.Entities(),
		Expenses:    db.Expenses(),
	}
	return Wire(cfg, stores, fetcher, httpClient, logger), db.Close, nil
}

// Runner manages the service lifecycle.
type Runner struct {
	logger *slog.Logger
}

// New creates a runner.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run serves the integration until ctx is canceled, then drains in-flight requests.
func (r *Runner) Run(ctx context.Context, cfg config.Config) error {
	components, closeDB, err := Open(ctx, cfg, r.logger)
	if err != nil {
		return err
	}
	defer closeDB()

	return r.Serve(ctx, cfg, components.Handler(cfg, r.logger))
}

// Serve runs handler on cfg.HTTPAddr until ctx is canceled.
func (r *Runner) Serve(ctx context.Context, cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		r.logger.Info("http server listening", "addr", cfg.HTTPAddr, "base_path", cfg.BasePath)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	r.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	r.logger.Info("http server stopped")
	return nil
}
