package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/planboard/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
// It shares the connection pool with the job store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PostgreSQL-backed domain store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
