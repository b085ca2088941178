package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/repositories"
)

type txKey struct{}

// txManager runs persistence batches in one database transaction. A batch
// started while another is open on the same context joins it, so a record
// writer may itself call InTransaction without opening a second transaction.
type txManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a transaction manager over db
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &txManager{db: db, logger: logger}
}

// Begin opens a transaction. Repositories given the transaction's Context
// write through it.
func (m *txManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin %s transaction: %w", m.db.dialect, err)
	}
	tx := &batchTx{tx: sqlTx, logger: m.logger}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	return tx, nil
}

// InTransaction runs fn in a transaction, committing when fn succeeds and
// rolling back when it fails or panics. When ctx already carries a
// transaction, fn runs inside it and the outer caller decides the outcome.
func (m *txManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if outer, ok := ctx.Value(txKey{}).(*batchTx); ok && !outer.isFinished() {
		return fn(ctx, outer)
	}

	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.Context(), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("batch rollback failed",
				zap.Error(rbErr),
				zap.NamedError("batch_error", err))
		}
		return err
	}
	return tx.Commit()
}

// batchTx is a repositories.Transaction over *sql.Tx. Once committed or
// rolled back, a further Rollback is a no-op.
type batchTx struct {
	tx     *sql.Tx
	ctx    context.Context
	logger *zap.Logger

	mu       sync.Mutex
	finished bool
}

func (t *batchTx) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// finish marks the transaction done and reports whether it was still open
func (t *batchTx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := !t.finished
	t.finished = true
	return open
}

// Commit commits the transaction
func (t *batchTx) Commit() error {
	if !t.finish() {
		return fmt.Errorf("failed to commit transaction: %w", sql.ErrTxDone)
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction
func (t *batchTx) Rollback() error {
	if !t.finish() {
		return nil
	}
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	t.logger.Debug("persistence batch rolled back")
	return nil
}

// Context returns the context carrying the transaction
func (t *batchTx) Context() context.Context {
	return t.ctx
}

// Executor is satisfied by both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the open transaction carried by ctx, or the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(*batchTx); ok && !tx.isFinished() {
		return tx.tx
	}
	return db.DB
}
