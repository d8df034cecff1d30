// Package store hides the Postgres-backed persistence behind small adapter
// interfaces. The pipeline core never opens connections itself.
package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by the adapters; satisfied by pools,
// transactions, and pgxmock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sessionLockShards = 64

type Store struct {
	pool Querier

	// Serializes appends per session so created_at is monotonic within one
	// session; cross-session appends interleave freely. Sharded so the lock
	// table stays fixed-size no matter how many sessions come and go.
	sessionLocks [sessionLockShards]sync.Mutex
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewWithQuerier builds a Store over any Querier; used by tests with pgxmock.
func NewWithQuerier(q Querier) *Store {
	return &Store{pool: q}
}

type txKey struct{}

// WithTx runs fn inside a transaction. Nested calls reuse the outer
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := txFromContext(ctx); tx != nil {
		return fn(ctx)
	}

	pool, ok := s.pool.(*pgxpool.Pool)
	if !ok {
		return fn(ctx)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (s *Store) conn(ctx context.Context) Querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.sessionLocks[h.Sum32()%sessionLockShards]
}
