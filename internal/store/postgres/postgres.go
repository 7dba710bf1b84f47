// Package postgres implements the store contracts on PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ArionMiles/ledgerlink/internal/store/postgres/migrations"
	"github.com/ArionMiles/ledgerlink/pkg/config"
)

// DB owns the connection pool and vends the repositories.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to PostgreSQL, verifies the connection and applies migrations.
func Open(ctx context.Context, cfg config.Postgres, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return OpenDSN(ctx, cfg.DSN(), cfg.MaxPoolSize, logger.With("host", cfg.Host, "database", cfg.Database))
}

// OpenDSN is Open for a ready-made connection string.
func OpenDSN(ctx context.Context, dsn string, maxPoolSize int, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPoolSize == 0 {
		maxPoolSize = 10
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = int32(maxPoolSize)
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	db := &DB{pool: pool, logger: logger}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	db.logger.Info("running database migrations")

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return err
	}

	db.logger.Info("migrations completed successfully")
	return nil
}

// Connections returns the credential accessor.
func (db *DB) Connections() *Connections { return &Connections{pool: db.pool} }

// Entities returns the entity cache repository.
func (db *DB) Entities() *Entities { return &Entities{pool: db.pool} }

// Expenses returns the expense repository.
func (db *DB) Expenses() *Expenses { return &Expenses{pool: db.pool} }

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		db.logger.Info("closed PostgreSQL connection pool")
	}
}

// ts truncates to the column precision so values read back compare equal.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullableTS(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := ts(t)
	return &v
}
