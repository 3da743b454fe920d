package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind is the movement direction of a ledger entry.
// DEBIT and ADJUSTMENT increase the balance owed; CREDIT and REVERSAL decrease it.
type EntryKind string

const (
	EntryDebit      EntryKind = "DEBIT"
	EntryCredit     EntryKind = "CREDIT"
	EntryAdjustment EntryKind = "ADJUSTMENT"
	EntryReversal   EntryKind = "REVERSAL"
)

// Sign returns +1 for kinds that increase the balance owed and -1 for
// kinds that decrease it.
func (k EntryKind) Sign() int {
	switch k {
	case EntryCredit, EntryReversal:
		return -1
	default:
		return 1
	}
}

// LedgerEntry is one immutable financial movement. Rows are append-only:
// corrections happen via new REVERSAL or CREDIT entries, never by mutation.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	RetailerID   string          `json:"retailer_id" db:"retailer_id"`
	WholesalerID sql.NullString  `json:"wholesaler_id" db:"wholesaler_id"` // null for platform-level entries
	OrderID      sql.NullString  `json:"order_id" db:"order_id"`
	Kind         EntryKind       `json:"entry_kind" db:"entry_kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // always positive
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedBy    string          `json:"created_by" db:"created_by"`
	DueDate      sql.NullTime    `json:"due_date" db:"due_date"`
	Hash         string          `json:"hash" db:"hash"`
	PrevHash     string          `json:"prev_hash" db:"prev_hash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// SignedAmount is the amount with the entry kind's sign applied.
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	if e.Kind.Sign() < 0 {
		return e.Amount.Neg()
	}
	return e.Amount
}

// CreditAccount is the credit relationship between a retailer and a
// wholesaler. UsedCredit is an advisory cache; the authoritative balance is
// always derived from the ledger.
type CreditAccount struct {
	ID            string          `json:"id" db:"id"`
	RetailerID    string          `json:"retailer_id" db:"retailer_id"`
	WholesalerID  string          `json:"wholesaler_id" db:"wholesaler_id"`
	CreditLimit   decimal.Decimal `json:"credit_limit" db:"credit_limit"`
	UsedCredit    decimal.Decimal `json:"used_credit" db:"used_credit"`
	Active        bool            `json:"active" db:"active"`
	BlockedReason sql.NullString  `json:"blocked_reason" db:"blocked_reason"`
	TermsDays     int             `json:"terms_days" db:"terms_days"`
	Version       int             `json:"version" db:"version"` // for optimistic locking
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
