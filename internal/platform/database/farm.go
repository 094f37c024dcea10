package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier abstracts pgx query methods so callers can work with both
// pool connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithFarmConnection acquires a dedicated connection from the pool,
// sets the Postgres session variable read by the farm RLS policies, then
// calls fn. The farm is reset before the connection goes back to the pool.
func WithFarmConnection(ctx context.Context, pool *pgxpool.Pool, farmID string, fn func(ctx context.Context, q Querier) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() {
		// Background context: the request context may already be canceled.
		_, _ = conn.Exec(context.Background(), "SELECT set_config('app.current_farm_id', '', false)")
		conn.Release()
	}()

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_farm_id', $1, false)", farmID)
	if err != nil {
		return fmt.Errorf("setting farm context: %w", err)
	}

	return fn(ctx, conn)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
