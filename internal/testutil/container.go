package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/digest-garden/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	startTimeout  = 30 * time.Second
)

// PostgresContainer is a throwaway PostgreSQL server.
type PostgresContainer struct {
	*tcpostgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL and waits until it accepts connections.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	c, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("digest_test"),
		tcpostgres.WithUsername("digest"),
		tcpostgres.WithPassword("digest"),
		// The server restarts once after initdb, hence two occurrences.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", postgresImage, err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}

// Pool opens a small pool on the container and applies the migrations.
func (c *PostgresContainer) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	return postgres.Open(ctx, postgres.Config{
		URL:             c.ConnectionString,
		MaxOpenConns:    5,
		ConnectAttempts: 5,
		Migrate:         true,
	})
}

// Truncate empties tables so each test starts from a clean database.
func Truncate(ctx context.Context, pool *pgxpool.Pool, tables ...string) error {
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
