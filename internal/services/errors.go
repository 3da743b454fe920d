package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for outcomes that carry no extra detail. Callers
// discriminate with errors.Is.
var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrImmutabilityViolation = errors.New("ledger entries cannot be modified or deleted")
	ErrAccountNotFound       = errors.New("credit account not found")
	ErrNoEligibleCandidates  = errors.New("no eligible candidates for broadcast")
	ErrDuplicateResponse     = errors.New("candidate already responded to this routing")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("operation not valid in current state")
)

// CreditBlockedError is returned when the credit account is inactive or
// administratively blocked.
type CreditBlockedError struct {
	Reason string
}

func (e *CreditBlockedError) Error() string {
	if e.Reason == "" {
		return "credit account is blocked"
	}
	return fmt.Sprintf("credit account is blocked: %s", e.Reason)
}

// InsufficientCreditError carries the figures needed to render a precise
// user-facing message, never a generic failure.
type InsufficientCreditError struct {
	AvailableCredit  decimal.Decimal
	ProjectedBalance decimal.Decimal
	CreditLimit      decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: available %s, projected balance %s exceeds limit %s",
		e.AvailableCredit.String(), e.ProjectedBalance.String(), e.CreditLimit.String())
}

// IntegrityFaultError signals that the computed balance disagrees with the
// last entry's balance-after, or that the hash chain failed verification.
// This is a hard fault to surface, never to silently correct.
type IntegrityFaultError struct {
	RetailerID   string
	WholesalerID string
	Detail       string
}

func (e *IntegrityFaultError) Error() string {
	return fmt.Sprintf("ledger integrity fault for retailer=%s wholesaler=%s: %s",
		e.RetailerID, e.WholesalerID, e.Detail)
}

// MaxRetriesExceededError surfaces after the transaction executor has spent
// its whole conflict-retry budget. It wraps the last underlying conflict.
type MaxRetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("transaction failed after %d conflict retries: %v", e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Last
}
