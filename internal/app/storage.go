package app

import (
	"context"
	"fmt"

	"github.com/bissquit/digest-garden/internal/config"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	"github.com/bissquit/digest-garden/internal/pkg/postgres"
	"github.com/bissquit/digest-garden/internal/pkg/sqlite"
	"github.com/bissquit/digest-garden/internal/preferences"
	preferencespostgres "github.com/bissquit/digest-garden/internal/preferences/postgres"
	preferencessqlite "github.com/bissquit/digest-garden/internal/preferences/sqlite"
	"github.com/bissquit/digest-garden/internal/workflow"
	workflowpostgres "github.com/bissquit/digest-garden/internal/workflow/postgres"
	workflowsqlite "github.com/bissquit/digest-garden/internal/workflow/sqlite"
)

// storage bundles the repositories of one database backend.
type storage struct {
	preferences   preferences.Repository
	runs          workflow.Store
	recordMetrics func()
	close         func()
}

func openStorage(ctx context.Context, cfg config.DatabaseConfig) (*storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
			Migrate:         cfg.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		return &storage{
			preferences:   preferencespostgres.NewRepository(pool),
			runs:          workflowpostgres.NewStore(pool),
			recordMetrics: func() { metrics.RecordDBPoolMetrics(pool) },
			close:         pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storage{
			preferences:   preferencessqlite.NewRepository(db),
			runs:          workflowsqlite.NewStore(db),
			recordMetrics: func() { metrics.RecordSQLDBMetrics(db) },
			close:         func() { _ = db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
