package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ordermesh/backend/internal/audit"
	"github.com/ordermesh/backend/internal/metrics"
	"github.com/ordermesh/backend/internal/models"
	"github.com/shopspring/decimal"
)

// CreditResult is returned to the order layer after a reservation decision.
type CreditResult struct {
	Success         bool            `json:"success"`
	LedgerEntryID   string          `json:"ledger_entry_id,omitempty"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	AvailableCredit decimal.Decimal `json:"available_credit"`
}

// CreditService atomically validates and commits debits against
// per-relationship credit limits. Two concurrent reservations for the same
// (retailer, wholesaler) serialize on the account row lock; reservations for
// different relationships never block each other.
type CreditService struct {
	db     *sql.DB
	exec   *TxExecutor
	ledger *LedgerService
	cache  *redis.Client
	audit  *audit.Logger
}

func NewCreditService(db *sql.DB, exec *TxExecutor, ledger *LedgerService, cache *redis.Client) *CreditService {
	return &CreditService{
		db:     db,
		exec:   exec,
		ledger: ledger,
		cache:  cache,
		audit:  audit.NewLogger(),
	}
}

// AcquireAndValidateCredit decides whether a debit of amount fits under the
// relationship's limit and, if so, commits it as a DEBIT ledger entry.
// Idempotent on orderID: a repeat call returns the prior reservation
// unchanged instead of creating a duplicate.
func (s *CreditService) AcquireAndValidateCredit(ctx context.Context, orderID, retailerID, wholesalerID string, amount decimal.Decimal) (*CreditResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var result *CreditResult
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		// Idempotency probe first: a repeat of an already-reserved order
		// must not touch the account row at all.
		if existing, err := s.ledger.EntryByOrderTx(tx, orderID); err == nil {
			account, err := s.lockAccountTx(tx, retailerID, wholesalerID)
			if err != nil {
				return err
			}
			result = &CreditResult{
				Success:         true,
				LedgerEntryID:   existing.ID,
				NewBalance:      existing.BalanceAfter,
				AvailableCredit: account.CreditLimit.Sub(existing.BalanceAfter),
			}
			log.Printf("[CREDIT] duplicate reservation for order %s, returning prior entry %s", orderID, existing.ID)
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		account, err := s.lockAccountTx(tx, retailerID, wholesalerID)
		if err != nil {
			return err
		}
		if !account.Active {
			return &CreditBlockedError{Reason: account.BlockedReason.String}
		}

		// Never trust the cached used-credit for the gating decision.
		currentBalance, err := s.ledger.BalanceTx(tx, retailerID, nullString(wholesalerID))
		if err != nil {
			return err
		}

		projected := currentBalance.Add(amount)
		if projected.GreaterThan(account.CreditLimit) {
			available := account.CreditLimit.Sub(currentBalance)
			if available.IsNegative() {
				available = decimal.Zero
			}
			return &InsufficientCreditError{
				AvailableCredit:  available,
				ProjectedBalance: projected,
				CreditLimit:      account.CreditLimit,
			}
		}

		entry := &models.LedgerEntry{
			ID:           uuid.NewString(),
			RetailerID:   retailerID,
			WholesalerID: nullString(wholesalerID),
			OrderID:      nullString(orderID),
			Kind:         models.EntryDebit,
			Amount:       amount,
			CreatedBy:    "credit-engine",
			DueDate:      dueDate(account.TermsDays),
		}
		if err := s.ledger.AppendTx(tx, entry); err != nil {
			return err
		}
		if err := s.updateCachedUsageTx(tx, account, projected); err != nil {
			return err
		}

		result = &CreditResult{
			Success:         true,
			LedgerEntryID:   entry.ID,
			NewBalance:      projected,
			AvailableCredit: account.CreditLimit.Sub(projected),
		}
		post.Add(func() {
			s.refreshAvailableCreditCache(retailerID, wholesalerID, result.AvailableCredit)
			s.audit.LogCreditGrant(orderID, retailerID, wholesalerID, amount.String(), projected.String())
			metrics.CreditDecisions.WithLabelValues("granted").Inc()
		})
		return nil
	})
	if err != nil {
		s.recordRejection(orderID, retailerID, wholesalerID, amount, err)
		return nil, err
	}
	return result, nil
}

// ReleaseCreditLock compensates a prior DEBIT with a REVERSAL for the same
// amount. The original entry is never deleted or modified.
func (s *CreditService) ReleaseCreditLock(ctx context.Context, ledgerEntryID, reason string) (*CreditResult, error) {
	var result *CreditResult
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		original, err := scanEntry(tx.QueryRow(scanColumns+`
			FROM ledger_entries WHERE id = $1`, ledgerEntryID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if original.Kind != models.EntryDebit {
			return fmt.Errorf("%w: entry %s is %s, only DEBIT entries can be released",
				ErrInvalidState, ledgerEntryID, original.Kind)
		}

		// A DEBIT may be released at most once.
		var already bool
		if err := tx.QueryRow(`
			SELECT EXISTS(
				SELECT 1 FROM ledger_entries
				WHERE order_id = $1 AND entry_kind = 'REVERSAL'
			)`, original.OrderID).Scan(&already); err != nil {
			return err
		}
		if already {
			return fmt.Errorf("%w: entry %s already reversed", ErrInvalidState, ledgerEntryID)
		}

		account, err := s.lockAccountTx(tx, original.RetailerID, original.WholesalerID.String)
		if err != nil {
			return err
		}

		reversal := &models.LedgerEntry{
			ID:           uuid.NewString(),
			RetailerID:   original.RetailerID,
			WholesalerID: original.WholesalerID,
			OrderID:      original.OrderID,
			Kind:         models.EntryReversal,
			Amount:       original.Amount,
			CreatedBy:    "credit-engine",
		}
		if err := s.ledger.AppendTx(tx, reversal); err != nil {
			return err
		}
		if err := s.updateCachedUsageTx(tx, account, reversal.BalanceAfter); err != nil {
			return err
		}

		result = &CreditResult{
			Success:         true,
			LedgerEntryID:   reversal.ID,
			NewBalance:      reversal.BalanceAfter,
			AvailableCredit: account.CreditLimit.Sub(reversal.BalanceAfter),
		}
		post.Add(func() {
			s.refreshAvailableCreditCache(original.RetailerID, original.WholesalerID.String, result.AvailableCredit)
			s.audit.LogReversal(ledgerEntryID, original.RetailerID, original.WholesalerID.String,
				original.Amount.String(), reason)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordPayment appends a CREDIT entry when a retailer pays down balance.
func (s *CreditService) RecordPayment(ctx context.Context, retailerID, wholesalerID, reference string, amount decimal.Decimal, recordedBy string) (*CreditResult, error) {
	return s.recordMovement(ctx, retailerID, wholesalerID, reference, amount, recordedBy, models.EntryCredit)
}

// RecordAdjustment appends an ADJUSTMENT entry. This is an administrator-only
// path and is not subject to the concurrent limit gate.
func (s *CreditService) RecordAdjustment(ctx context.Context, retailerID, wholesalerID, reference string, amount decimal.Decimal, recordedBy string) (*CreditResult, error) {
	return s.recordMovement(ctx, retailerID, wholesalerID, reference, amount, recordedBy, models.EntryAdjustment)
}

func (s *CreditService) recordMovement(ctx context.Context, retailerID, wholesalerID, reference string, amount decimal.Decimal, recordedBy string, kind models.EntryKind) (*CreditResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var result *CreditResult
	err := s.exec.Run(ctx, func(tx *sql.Tx, post *PostCommit) error {
		account, err := s.lockAccountTx(tx, retailerID, wholesalerID)
		if err != nil {
			return err
		}
		entry := &models.LedgerEntry{
			ID:           uuid.NewString(),
			RetailerID:   retailerID,
			WholesalerID: nullString(wholesalerID),
			OrderID:      nullString(reference),
			Kind:         kind,
			Amount:       amount,
			CreatedBy:    recordedBy,
		}
		if err := s.ledger.AppendTx(tx, entry); err != nil {
			return err
		}
		if err := s.updateCachedUsageTx(tx, account, entry.BalanceAfter); err != nil {
			return err
		}
		result = &CreditResult{
			Success:         true,
			LedgerEntryID:   entry.ID,
			NewBalance:      entry.BalanceAfter,
			AvailableCredit: account.CreditLimit.Sub(entry.BalanceAfter),
		}
		post.Add(func() {
			s.refreshAvailableCreditCache(retailerID, wholesalerID, result.AvailableCredit)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateAccount establishes the credit relationship between a retailer and a
// wholesaler. The store rejects negative limits via CHECK constraint.
func (s *CreditService) CreateAccount(ctx context.Context, retailerID, wholesalerID string, creditLimit decimal.Decimal, termsDays int) (*models.CreditAccount, error) {
	if creditLimit.IsNegative() {
		return nil, ErrInvalidAmount
	}
	account := &models.CreditAccount{
		ID:           uuid.NewString(),
		RetailerID:   retailerID,
		WholesalerID: wholesalerID,
		CreditLimit:  creditLimit,
		UsedCredit:   decimal.Zero,
		Active:       true,
		TermsDays:    termsDays,
		Version:      1,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts
		(id, retailer_id, wholesaler_id, credit_limit, used_credit, active, terms_days, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.ID, retailerID, wholesalerID, creditLimit, decimal.Zero, true, termsDays, 1, time.Now())
	if err != nil {
		return nil, err
	}
	return account, nil
}

// BlockAccount deactivates an account with a reason; subsequent reservations
// fail with CreditBlocked until UnblockAccount.
func (s *CreditService) BlockAccount(ctx context.Context, retailerID, wholesalerID, reason string) error {
	return s.setActive(ctx, retailerID, wholesalerID, false, nullString(reason))
}

func (s *CreditService) UnblockAccount(ctx context.Context, retailerID, wholesalerID string) error {
	return s.setActive(ctx, retailerID, wholesalerID, true, sql.NullString{})
}

func (s *CreditService) setActive(ctx context.Context, retailerID, wholesalerID string, active bool, reason sql.NullString) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET active = $1, blocked_reason = $2, version = version + 1, updated_at = $3
		WHERE retailer_id = $4 AND wholesaler_id = $5`,
		active, reason, time.Now(), retailerID, wholesalerID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// lockAccountTx takes the exclusive row lock that serializes concurrent
// reservations for the same relationship.
func (s *CreditService) lockAccountTx(tx *sql.Tx, retailerID, wholesalerID string) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := tx.QueryRow(`
		SELECT id, retailer_id, wholesaler_id, credit_limit, used_credit, active,
		       blocked_reason, terms_days, version, updated_at
		FROM credit_accounts
		WHERE retailer_id = $1 AND wholesaler_id = $2
		FOR UPDATE`, retailerID, wholesalerID).
		Scan(&a.ID, &a.RetailerID, &a.WholesalerID, &a.CreditLimit, &a.UsedCredit,
			&a.Active, &a.BlockedReason, &a.TermsDays, &a.Version, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// updateCachedUsageTx keeps the advisory used-credit column alongside ledger
// writes. The cache never gates decisions; drift is caught by the auditor.
func (s *CreditService) updateCachedUsageTx(tx *sql.Tx, account *models.CreditAccount, used decimal.Decimal) error {
	if used.IsNegative() {
		used = decimal.Zero
	}
	result, err := tx.Exec(`
		UPDATE credit_accounts
		SET used_credit = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		used, time.Now(), account.ID, account.Version)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("optimistic lock failed for credit account %s", account.ID)
	}
	return nil
}

func (s *CreditService) refreshAvailableCreditCache(retailerID, wholesalerID string, available decimal.Decimal) {
	if s.cache == nil {
		return
	}
	key := fmt.Sprintf("credit:available:%s:%s", retailerID, wholesalerID)
	if err := s.cache.Set(context.Background(), key, available.String(), 5*time.Minute).Err(); err != nil {
		log.Printf("[CREDIT] failed to refresh cache for %s: %v", key, err)
	}
}

func (s *CreditService) recordRejection(orderID, retailerID, wholesalerID string, amount decimal.Decimal, err error) {
	var insufficient *InsufficientCreditError
	var blocked *CreditBlockedError
	switch {
	case errors.As(err, &insufficient):
		s.audit.LogCreditReject(orderID, retailerID, wholesalerID, amount.String(), "insufficient credit")
		metrics.CreditDecisions.WithLabelValues("insufficient").Inc()
	case errors.As(err, &blocked):
		s.audit.LogCreditReject(orderID, retailerID, wholesalerID, amount.String(), "account blocked")
		metrics.CreditDecisions.WithLabelValues("blocked").Inc()
	default:
		metrics.CreditDecisions.WithLabelValues("error").Inc()
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dueDate(termsDays int) sql.NullTime {
	if termsDays <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().AddDate(0, 0, termsDays), Valid: true}
}
