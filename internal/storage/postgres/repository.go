package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chatmarket/chatmarket/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx so every repository method
// works inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the PostgreSQL implementation of storage.Store, intended for
// dependency injection through service constructors.
type Repository struct {
	q    querier
	root *sql.DB
}

var _ storage.Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{q: db, root: db}
}

// Transact runs fn against a repository bound to a single transaction.
// Nested calls reuse the enclosing transaction.
func (r *Repository) Transact(ctx context.Context, fn func(storage.Store) error) error {
	if r.root == nil {
		return fn(r)
	}
	tx, err := r.root.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txRepo := &Repository{q: tx}
	if err := fn(txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
