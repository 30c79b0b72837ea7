// Package postgres implements the store.Storage interface on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cdnpub/pubgate/internal/store"
)

// querier implements store.Querier over either the pool or a transaction.
type querier struct {
	ext     sqlx.ExtContext
	channel string
	now     func() time.Time
}

// Store implements store.Storage. Each method call runs in its own short
// implicit transaction; multi-statement flows go through RunInTransaction.
type Store struct {
	querier
	db *sqlx.DB
}

// New wraps an open connection pool. notifyChannel is the NOTIFY channel
// raised whenever a message becomes claimable.
func New(db *sqlx.DB, notifyChannel string) *Store {
	return &Store{
		querier: querier{ext: db, channel: notifyChannel, now: time.Now},
		db:      db,
	}
}

// Ready verifies the queue schema is usable by probing the consumers
// table. Worker startup blocks until this succeeds.
func (s *Store) Ready(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `SELECT 1 FROM dramatiq_consumers LIMIT 1`); err != nil {
		return fmt.Errorf("consumers table not ready: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	querier
	tx *sqlx.Tx
}

// RunInTransaction runs fn inside one database transaction. The
// transaction is rolled back if fn returns an error or panics, and
// committed otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Transaction) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	wrapped := &pgTx{
		querier: querier{ext: tx, channel: s.channel, now: s.now},
		tx:      tx,
	}
	if err := fn(wrapped); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
