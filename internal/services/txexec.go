package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/lib/pq"
	"github.com/ordermesh/backend/internal/metrics"
)

// TxOptions bounds the executor's conflict-retry behavior.
type TxOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultTxOptions returns the retry budget used when none is configured.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

// PostCommit collects side effects (notifications, cache refreshes) that
// must only run after a successful commit. Queued funcs are discarded on
// rollback and on every retried attempt.
type PostCommit struct {
	funcs []func()
}

// Add queues fn to run after commit.
func (p *PostCommit) Add(fn func()) {
	p.funcs = append(p.funcs, fn)
}

func (p *PostCommit) run() {
	for _, fn := range p.funcs {
		fn()
	}
}

// TxFunc is a unit of work executed inside a serializable transaction. It
// must be safe to re-execute from scratch: the executor replays it whenever
// the store reports a serialization conflict.
type TxFunc func(tx *sql.Tx, post *PostCommit) error

// TxExecutor runs units of work at serializable isolation and turns
// store-detected write conflicts into transparent retries with exponential
// backoff and jitter.
type TxExecutor struct {
	db   *sql.DB
	opts TxOptions
}

func NewTxExecutor(db *sql.DB, opts TxOptions) *TxExecutor {
	if opts.MaxRetries <= 0 {
		opts = DefaultTxOptions()
	}
	return &TxExecutor{db: db, opts: opts}
}

// Run executes fn inside a serializable transaction. Serialization conflicts
// and deadlocks retry with backoff up to MaxRetries; any other error
// propagates immediately. Post-commit actions queued by fn run only after a
// successful commit.
func (e *TxExecutor) Run(ctx context.Context, fn TxFunc) error {
	var lastConflict error

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			metrics.TxRetries.Inc()
		}

		post := &PostCommit{}
		err := e.attempt(ctx, fn, post)
		if err == nil {
			post.run()
			return nil
		}

		if IsImmutabilityViolation(err) {
			return fmt.Errorf("%w: %v", ErrImmutabilityViolation, err)
		}
		if !IsSerializationConflict(err) {
			return err
		}

		lastConflict = err
		metrics.TxConflicts.Inc()
		log.Printf("[TXEXEC] serialization conflict on attempt %d/%d: %v",
			attempt+1, e.opts.MaxRetries+1, err)
	}

	return &MaxRetriesExceededError{Attempts: e.opts.MaxRetries, Last: lastConflict}
}

func (e *TxExecutor) attempt(ctx context.Context, fn TxFunc, post *PostCommit) error {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx, post); err != nil {
		return err
	}

	return tx.Commit()
}

func (e *TxExecutor) backoff(attempt int) time.Duration {
	delay := e.opts.BaseDelay << uint(attempt)
	if delay > e.opts.MaxDelay || delay <= 0 {
		delay = e.opts.MaxDelay
	}
	// Full jitter keeps colliding retriers from re-colliding in lockstep.
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

// Postgres SQLSTATE classes the executor discriminates on: the two conflict
// codes that must be replayed, and the dedicated code the ledger trigger
// raises for a mutation attempt (see the reject_ledger_mutation trigger).
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLedgerImmutable      = "LDG01"
)

// IsSerializationConflict reports whether err is a store-detected write
// conflict that the executor should recover by retrying.
func IsSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqSerializationFailure ||
			string(pqErr.Code) == pqDeadlockDetected
	}
	return false
}

// IsImmutabilityViolation reports whether err is the ledger trigger rejecting
// an UPDATE or DELETE on ledger_entries. The executor translates it into
// ErrImmutabilityViolation rather than retrying: replaying a forbidden
// mutation can never succeed.
func IsImmutabilityViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqLedgerImmutable
}
