package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ordermesh/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newReconciliationServiceForTest(t *testing.T) (*ReconciliationService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	service := NewReconciliationService(db, NewLedgerService(db), DefaultEpsilon)
	return service, mock, func() { db.Close() }
}

func auditAccountRows(cached string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "retailer_id", "wholesaler_id", "used_credit"}).
		AddRow("acct-1", "r1", "w1", cached)
}

func TestReconciliationService_Audit(t *testing.T) {
	scope := sql.NullString{String: "w1", Valid: true}
	chain := buildChain("r1", "w1", []struct {
		kind   models.EntryKind
		amount string
	}{
		{models.EntryDebit, "100.00"},
		{models.EntryCredit, "40.00"},
	})

	t.Run("clean pass within tolerance", func(t *testing.T) {
		service, mock, closeDB := newReconciliationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM credit_accounts WHERE active").
			WillReturnRows(auditAccountRows("60.00"))
		mock.ExpectQuery("COALESCE\\(SUM").
			WithArgs("r1", scope).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "balance_after"}).AddRow("60.00", "60.00"))
		mock.ExpectQuery("ORDER BY created_at ASC").
			WithArgs("r1", scope).
			WillReturnRows(entryRows(chain))

		report, err := service.Audit(context.Background())
		assert.NoError(t, err)
		assert.True(t, report.Clean())
		assert.Equal(t, 1, report.AccountsChecked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cached usage drifting from the ledger is flagged", func(t *testing.T) {
		service, mock, closeDB := newReconciliationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM credit_accounts WHERE active").
			WillReturnRows(auditAccountRows("90.00"))
		mock.ExpectQuery("COALESCE\\(SUM").
			WithArgs("r1", scope).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "balance_after"}).AddRow("60.00", "60.00"))
		mock.ExpectQuery("ORDER BY created_at ASC").
			WithArgs("r1", scope).
			WillReturnRows(entryRows(chain))

		report, err := service.Audit(context.Background())
		assert.NoError(t, err)
		assert.False(t, report.Clean())
		assert.Len(t, report.Discrepancies, 1)

		flagged := report.Discrepancies[0]
		assert.Equal(t, "acct-1", flagged.AccountID)
		assert.True(t, flagged.Cached.Equal(decimal.RequireFromString("90.00")))
		assert.True(t, flagged.Calculated.Equal(decimal.RequireFromString("60.00")))
		assert.True(t, flagged.Difference.Equal(decimal.RequireFromString("30.00")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance cross-check fault short-circuits the account", func(t *testing.T) {
		service, mock, closeDB := newReconciliationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM credit_accounts WHERE active").
			WillReturnRows(auditAccountRows("60.00"))
		// Reduction and stored balance-after disagree.
		mock.ExpectQuery("COALESCE\\(SUM").
			WithArgs("r1", scope).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "balance_after"}).AddRow("60.00", "50.00"))

		report, err := service.Audit(context.Background())
		assert.NoError(t, err)
		assert.Len(t, report.Discrepancies, 1)
		assert.NotEmpty(t, report.Discrepancies[0].ChainFault)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tampered chain entry is flagged", func(t *testing.T) {
		service, mock, closeDB := newReconciliationServiceForTest(t)
		defer closeDB()

		tampered := buildChain("r1", "w1", []struct {
			kind   models.EntryKind
			amount string
		}{
			{models.EntryDebit, "100.00"},
			{models.EntryCredit, "40.00"},
		})
		tampered[1].Amount = decimal.RequireFromString("45.00")

		mock.ExpectQuery("FROM credit_accounts WHERE active").
			WillReturnRows(auditAccountRows("60.00"))
		mock.ExpectQuery("COALESCE\\(SUM").
			WithArgs("r1", scope).
			WillReturnRows(sqlmock.NewRows([]string{"sum", "balance_after"}).AddRow("60.00", "60.00"))
		mock.ExpectQuery("ORDER BY created_at ASC").
			WithArgs("r1", scope).
			WillReturnRows(entryRows(tampered))

		report, err := service.Audit(context.Background())
		assert.NoError(t, err)
		assert.Len(t, report.Discrepancies, 1)
		assert.Contains(t, report.Discrepancies[0].ChainFault, "entry-2")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no active accounts", func(t *testing.T) {
		service, mock, closeDB := newReconciliationServiceForTest(t)
		defer closeDB()

		mock.ExpectQuery("FROM credit_accounts WHERE active").
			WillReturnRows(sqlmock.NewRows([]string{"id", "retailer_id", "wholesaler_id", "used_credit"}))

		report, err := service.Audit(context.Background())
		assert.NoError(t, err)
		assert.True(t, report.Clean())
		assert.Zero(t, report.AccountsChecked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
