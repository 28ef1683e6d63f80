// Package postgres provides PostgreSQL connection and schema utilities.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	applicationName = "digestd"
	maxRetryBackoff = 16 * time.Second
)

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	// Migrate applies embedded migrations before the pool is returned.
	Migrate bool
}

// Open connects to PostgreSQL, retrying while the server comes up, and
// optionally brings the schema up to date.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := Migrate(cfg.URL); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return pool, nil
}

// Connect establishes a connection pool. Sessions run in UTC so timestamptz
// values round-trip unchanged.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	var pool *pgxpool.Pool
	attempts, err := retry(ctx, cfg.ConnectAttempts, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("create pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping: %w", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, err)
	}

	slog.Info("connected to database", "attempts", attempts, "max_conns", poolConfig.MaxConns)
	return pool, nil
}

// retry calls fn until it succeeds, attempts are exhausted or ctx ends.
// It returns the number of attempts made.
func retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return attempt, nil
		}
		if attempt == attempts {
			return attempt, lastErr
		}

		backoff := retryBackoff(attempt)
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("connection cancelled: %w", ctx.Err())
		}
	}
	return attempts, lastErr
}

// retryBackoff doubles from one second up to maxRetryBackoff.
func retryBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxRetryBackoff
	}
	return min(time.Duration(1<<(attempt-1))*time.Second, maxRetryBackoff)
}
