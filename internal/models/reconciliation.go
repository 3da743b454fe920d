package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy is one account whose cached used-credit drifted from the
// balance recomputed out of the ledger, or whose hash chain failed to verify.
type Discrepancy struct {
	AccountID    string          `json:"account_id"`
	RetailerID   string          `json:"retailer_id"`
	WholesalerID string          `json:"wholesaler_id"`
	Cached       decimal.Decimal `json:"cached"`
	Calculated   decimal.Decimal `json:"calculated"`
	Difference   decimal.Decimal `json:"difference"`
	ChainFault   string          `json:"chain_fault,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// ReconciliationReport is the output of one auditor pass. It is read-only
// derived state, consumed by the reporting layer.
type ReconciliationReport struct {
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	AccountsChecked int           `json:"accounts_checked"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
}

// Clean reports whether the pass found no drift and no chain faults.
func (r *ReconciliationReport) Clean() bool {
	return len(r.Discrepancies) == 0
}
