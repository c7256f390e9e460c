package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/lakeetl/loader"
)

func newProvider(pool *pgxpool.Pool) (*goose.Provider, *sql.DB, error) {
	migrations, err := fs.Sub(loader.PostgresMigrationsFS, "db/postgres/migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, db, nil
}

// RunMigrations applies the track state schema.
func RunMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("running Postgres migrations with goose")

	provider, db, err := newProvider(pool)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info("postgres: applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}

	log.Info("Postgres migrations completed successfully", "applied", len(results))
	return nil
}

// MigrationStatus logs the state of every known migration.
func MigrationStatus(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("checking Postgres migration status")

	provider, db, err := newProvider(pool)
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, s := range statuses {
		log.Info("postgres: migration", "version", s.Source.Version, "path", s.Source.Path, "state", s.State, "applied_at", s.AppliedAt)
	}
	return nil
}
