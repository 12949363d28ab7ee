package db

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type (
	txKey    struct{}
	hooksKey struct{}
)

// TxFromContext returns the transaction opened by WithTx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// Conn returns the transaction carried by ctx, or pool when there is none.
// Repositories call it on every statement so they join the caller's transaction.
func Conn(ctx context.Context, pool Executor) Executor {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

// AfterCommit runs fn once the outermost transaction carried by ctx commits,
// or right away when ctx carries none. Callbacks registered inside a
// transaction that rolls back are dropped.
func AfterCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(hooksKey{}).(*[]func()); ok {
		*hooks = append(*hooks, fn)
		return
	}
	fn()
}

// Transactor runs functions inside a transaction stored in the context.
type Transactor struct {
	pool   Pool
	logger *zap.Logger
}

// NewTransactor builds a Transactor over pool.
func NewTransactor(pool Pool, logger *zap.Logger) *Transactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transactor{pool: pool, logger: logger}
}

// WithTx executes fn within a database transaction. A nested call opens a
// savepoint on the outer transaction.
func (t *Transactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	var tx pgx.Tx
	if outer, ok := TxFromContext(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = t.pool.Begin(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				t.logger.Error("failed to rollback transaction", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	hooks := &[]func(){}
	txCtx := context.WithValue(context.WithValue(ctx, txKey{}, tx), hooksKey{}, hooks)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	// a savepoint hands its callbacks to the enclosing transaction
	for _, hook := range *hooks {
		AfterCommit(ctx, hook)
	}
	return nil
}
