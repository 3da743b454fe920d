package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func testTxOptions() TxOptions {
	return TxOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func conflictErr() error {
	return &pq.Error{Code: "40001", Message: "could not serialize access"}
}

func TestTxExecutor_Run(t *testing.T) {
	t.Run("commits and runs post-commit actions", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO things").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		executor := NewTxExecutor(db, testTxOptions())
		ran := false
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			if _, err := tx.Exec("INSERT INTO things VALUES (1)"); err != nil {
				return err
			}
			post.Add(func() { ran = true })
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, ran, "post-commit action should run after commit")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries serialization conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO things").WillReturnError(conflictErr())
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO things").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		executor := NewTxExecutor(db, testTxOptions())
		attempts := 0
		postRuns := 0
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			attempts++
			post.Add(func() { postRuns++ })
			if _, err := tx.Exec("INSERT INTO things VALUES (1)"); err != nil {
				return err
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Equal(t, 1, postRuns, "post-commit actions from aborted attempts must be discarded")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("business errors propagate without retry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		executor := NewTxExecutor(db, testTxOptions())
		attempts := 0
		wantErr := errors.New("insufficient credit")
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			attempts++
			return wantErr
		})

		assert.ErrorIs(t, err, wantErr)
		assert.Equal(t, 1, attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails with MaxRetriesExceeded after exhausting the budget", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		opts := TxOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
		for i := 0; i <= opts.MaxRetries; i++ {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO things").WillReturnError(conflictErr())
			mock.ExpectRollback()
		}

		executor := NewTxExecutor(db, opts)
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			_, err := tx.Exec("INSERT INTO things VALUES (1)")
			return err
		})

		var exhausted *MaxRetriesExceededError
		assert.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 2, exhausted.Attempts)
		assert.True(t, IsSerializationConflict(exhausted.Last))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ledger mutation rejections map to the immutability error without retry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE ledger_entries").
			WillReturnError(&pq.Error{Code: "LDG01", Message: "ledger entries are immutable"})
		mock.ExpectRollback()

		executor := NewTxExecutor(db, testTxOptions())
		attempts := 0
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			attempts++
			_, err := tx.Exec("UPDATE ledger_entries SET amount = 0")
			return err
		})

		assert.ErrorIs(t, err, ErrImmutabilityViolation)
		assert.Equal(t, "ImmutabilityViolation", ErrorCode(err))
		assert.Equal(t, 1, attempts, "a forbidden mutation must not be replayed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries deadlocks as conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE things").WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE things").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		executor := NewTxExecutor(db, testTxOptions())
		err = executor.Run(context.Background(), func(tx *sql.Tx, post *PostCommit) error {
			_, err := tx.Exec("UPDATE things SET x = 1")
			return err
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIsSerializationConflict(t *testing.T) {
	assert.True(t, IsSerializationConflict(&pq.Error{Code: "40001"}))
	assert.True(t, IsSerializationConflict(&pq.Error{Code: "40P01"}))
	assert.False(t, IsSerializationConflict(&pq.Error{Code: "23505"}))
	assert.False(t, IsSerializationConflict(errors.New("plain error")))
	assert.False(t, IsSerializationConflict(nil))
}

func TestIsImmutabilityViolation(t *testing.T) {
	assert.True(t, IsImmutabilityViolation(&pq.Error{Code: "LDG01"}))
	assert.False(t, IsImmutabilityViolation(&pq.Error{Code: "40001"}))
	assert.False(t, IsImmutabilityViolation(&pq.Error{Code: "P0001"}))
	assert.False(t, IsImmutabilityViolation(errors.New("plain error")))
	assert.False(t, IsImmutabilityViolation(nil))
}

func TestTxExecutor_backoff(t *testing.T) {
	executor := NewTxExecutor(nil, TxOptions{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   80 * time.Millisecond,
	})

	for attempt := 0; attempt < 10; attempt++ {
		delay := executor.backoff(attempt)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 80*time.Millisecond)
	}
}
