// Package postgres implements the durable stores on PostgreSQL via pgx.
// One Store serves both the subscription and payment contracts so
// cross-entity transactions (state change plus event row) stay in one
// place.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an established connection pool. The pool is owned by the
// caller; Store never closes it.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("postgres: pool is required")
	}
	return &Store{pool: pool}
}
