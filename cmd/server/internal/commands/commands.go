package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/store/postgres"
)

type Globals struct {
	Dev     bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	ConnectRetry time.Duration `help:"how long to retry the initial connection" default:"1m" env:"PLANBOARD_POSTGRES_CONNECT_RETRY"`
	QueryTimeout time.Duration `help:"timeout for each job store query, zero disables it" default:"10s"`
}

func (f *PostgresFlags) Validate() error {
	if f.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

// connect opens the pool, retrying while the database comes up.
func (f *PostgresFlags) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	cfg := &postgres.PoolConfig{
		ConnString:      f.ConnString,
		MaxConns:        f.MaxConns,
		MinConns:        f.MinConns,
		MaxConnLifetime: f.MaxConnLifetime,
		MaxConnIdleTime: f.MaxConnIdleTime,
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	return backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		return postgres.NewPool(ctx, cfg)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(f.ConnectRetry),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Database not reachable, retrying")
		}),
	)
}

func (f *PostgresFlags) jobStore(pool *pgxpool.Pool) (*postgres.JobStore, error) {
	return postgres.NewJobStore(pool, &postgres.JobStoreConfig{QueryTimeout: f.QueryTimeout})
}
