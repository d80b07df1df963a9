package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DBPoolKey contextKey = "db_pool"
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

// Middleware makes the connection pool available to request-scoped code via
// the request context, so repositories and WithTx can resolve a data source
// without every service carrying the pool around.
func Middleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithPool(c.Request().Context(), pool)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithPool returns a context carrying the connection pool.
func WithPool(ctx context.Context, pool *pgxpool.Pool) context.Context {
	return context.WithValue(ctx, DBPoolKey, pool)
}

// PoolFromContext retrieves the connection pool from context.
func PoolFromContext(ctx context.Context) *pgxpool.Pool {
	pool, _ := ctx.Value(DBPoolKey).(*pgxpool.Pool)
	return pool
}

// ConnFromContext retrieves an acquired database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the in-flight transaction from context, or nil when
// the context is not transactional.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the connection or pool carried by ctx and
// returns a derived context that routes repository calls through it. The
// caller owns the transaction: Rollback on any failure path, Commit only on
// full success. WithTx must not be nested.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	var (
		tx  pgx.Tx
		err error
	)
	switch {
	case ConnFromContext(ctx) != nil:
		tx, err = ConnFromContext(ctx).Begin(ctx)
	case PoolFromContext(ctx) != nil:
		tx, err = PoolFromContext(ctx).Begin(ctx)
	default:
		return ctx, nil, errors.New("no database connection in context")
	}
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}
