package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/ordermesh/backend/internal/metrics"
	"github.com/ordermesh/backend/internal/models"
	"github.com/shopspring/decimal"
)

// ReconciliationService recomputes every active account's balance from the
// ledger and flags drift against the cached used-credit. Read-only: it never
// mutates the ledger or the accounts it audits.
type ReconciliationService struct {
	db      *sql.DB
	ledger  *LedgerService
	epsilon decimal.Decimal
}

// DefaultEpsilon is the drift tolerance in currency units.
var DefaultEpsilon = decimal.NewFromFloat(0.01)

func NewReconciliationService(db *sql.DB, ledger *LedgerService, epsilon decimal.Decimal) *ReconciliationService {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &ReconciliationService{db: db, ledger: ledger, epsilon: epsilon}
}

// Audit runs one full reconciliation pass and returns the report. The report
// is consumed by the reporting collaborator; this service only produces it.
func (s *ReconciliationService) Audit(ctx context.Context) (*models.ReconciliationReport, error) {
	report := &models.ReconciliationReport{StartedAt: time.Now().UTC()}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, wholesaler_id, used_credit
		FROM credit_accounts
		WHERE active = TRUE
		ORDER BY retailer_id, wholesaler_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type accountRow struct {
		id, retailerID, wholesalerID string
		cached                       decimal.Decimal
	}
	var accounts []accountRow
	for rows.Next() {
		var a accountRow
		if err := rows.Scan(&a.id, &a.retailerID, &a.wholesalerID, &a.cached); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range accounts {
		report.AccountsChecked++

		scope := nullString(a.wholesalerID)
		calculated, err := s.ledger.Balance(ctx, a.retailerID, scope)
		var fault *IntegrityFaultError
		if errors.As(err, &fault) {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				AccountID:    a.id,
				RetailerID:   a.retailerID,
				WholesalerID: a.wholesalerID,
				Cached:       a.cached,
				ChainFault:   fault.Detail,
				DetectedAt:   time.Now().UTC(),
			})
			metrics.ReconciliationDrift.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := s.ledger.VerifyChain(ctx, a.retailerID, scope); err != nil {
			detail := err.Error()
			if errors.As(err, &fault) {
				detail = fault.Detail
			}
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				AccountID:    a.id,
				RetailerID:   a.retailerID,
				WholesalerID: a.wholesalerID,
				Cached:       a.cached,
				Calculated:   calculated,
				ChainFault:   detail,
				DetectedAt:   time.Now().UTC(),
			})
			metrics.ReconciliationDrift.Inc()
			continue
		}

		diff := calculated.Sub(a.cached).Abs()
		if diff.GreaterThan(s.epsilon) {
			report.Discrepancies = append(report.Discrepancies, models.Discrepancy{
				AccountID:    a.id,
				RetailerID:   a.retailerID,
				WholesalerID: a.wholesalerID,
				Cached:       a.cached,
				Calculated:   calculated,
				Difference:   diff,
				DetectedAt:   time.Now().UTC(),
			})
			metrics.ReconciliationDrift.Inc()
		}
	}

	report.FinishedAt = time.Now().UTC()
	if report.Clean() {
		log.Printf("[RECON] audit clean: %d accounts checked", report.AccountsChecked)
	} else {
		log.Printf("[RECON] audit flagged %d of %d accounts", len(report.Discrepancies), report.AccountsChecked)
	}
	return report, nil
}
