package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ordermesh/backend/internal/models"
	"github.com/shopspring/decimal"
)

// GenesisHash anchors the first entry of every (retailer, wholesaler) chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LedgerService is the sole owner of ledger_entries rows. Its contract is
// append-and-read only: the type exposes no update or delete methods, and the
// backing store's trigger rejects any mutation attempted around it.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// AppendTx validates, chains and persists one entry inside the caller's
// transaction. It fills in ID, BalanceAfter, Hash, PrevHash and CreatedAt.
func (s *LedgerService) AppendTx(tx *sql.Tx, entry *models.LedgerEntry) error {
	if !entry.Amount.IsPositive() {
		return ErrInvalidAmount
	}

	prevBalance, prevHash, err := s.chainHeadTx(tx, entry.RetailerID, entry.WholesalerID)
	if err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	entry.BalanceAfter = prevBalance.Add(entry.SignedAmount())
	entry.PrevHash = prevHash
	entry.Hash = EntryHash(entry, prevHash)

	_, err = tx.Exec(`
		INSERT INTO ledger_entries
		(id, retailer_id, wholesaler_id, order_id, entry_kind, amount, balance_after,
		 created_by, due_date, hash, prev_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.RetailerID, entry.WholesalerID, entry.OrderID, string(entry.Kind),
		entry.Amount, entry.BalanceAfter, entry.CreatedBy, entry.DueDate,
		entry.Hash, entry.PrevHash, entry.CreatedAt)
	return err
}

// BalanceTx reduces the ordered entries for a scope and cross-checks the
// result against the most recent entry's balance-after. A mismatch is a hard
// integrity fault, surfaced as IntegrityFaultError and never corrected here.
func (s *LedgerService) BalanceTx(tx *sql.Tx, retailerID string, wholesalerID sql.NullString) (decimal.Decimal, error) {
	return balanceQuery(tx, retailerID, wholesalerID)
}

// Balance is BalanceTx outside any caller transaction.
func (s *LedgerService) Balance(ctx context.Context, retailerID string, wholesalerID sql.NullString) (decimal.Decimal, error) {
	return balanceQuery(queryerCtx{ctx, s.db}, retailerID, wholesalerID)
}

// EntryByOrderTx returns the DEBIT entry already recorded for an order
// reference, or ErrNotFound. Used for idempotent credit reservation.
func (s *LedgerService) EntryByOrderTx(tx *sql.Tx, orderID string) (*models.LedgerEntry, error) {
	row := tx.QueryRow(scanColumns+`
		FROM ledger_entries
		WHERE order_id = $1 AND entry_kind = 'DEBIT'
		LIMIT 1`, orderID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// Entry returns one ledger entry by id, or ErrNotFound.
func (s *LedgerService) Entry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, scanColumns+`
		FROM ledger_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// Entries returns the statement for a scope, oldest first.
func (s *LedgerService) Entries(ctx context.Context, retailerID string, wholesalerID sql.NullString, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, scanColumns+`
		FROM ledger_entries
		WHERE retailer_id = $1 AND wholesaler_id IS NOT DISTINCT FROM $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, retailerID, wholesalerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// VerifyChain walks a scope's entries oldest-first, recomputing every link:
// the running balance, each stored balance-after, and each integrity hash
// against its predecessor. Used by the reconciliation auditor.
func (s *LedgerService) VerifyChain(ctx context.Context, retailerID string, wholesalerID sql.NullString) error {
	rows, err := s.db.QueryContext(ctx, scanColumns+`
		FROM ledger_entries
		WHERE retailer_id = $1 AND wholesaler_id IS NOT DISTINCT FROM $2
		ORDER BY created_at ASC, id ASC`, retailerID, wholesalerID)
	if err != nil {
		return err
	}
	defer rows.Close()

	running := decimal.Zero
	prevHash := GenesisHash
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		running = running.Add(entry.SignedAmount())
		if !running.Equal(entry.BalanceAfter) {
			return &IntegrityFaultError{
				RetailerID:   retailerID,
				WholesalerID: wholesalerID.String,
				Detail: fmt.Sprintf("entry %s balance_after %s, recomputed %s",
					entry.ID, entry.BalanceAfter.String(), running.String()),
			}
		}
		if entry.PrevHash != prevHash {
			return &IntegrityFaultError{
				RetailerID:   retailerID,
				WholesalerID: wholesalerID.String,
				Detail:       fmt.Sprintf("entry %s prev_hash broken", entry.ID),
			}
		}
		if EntryHash(entry, prevHash) != entry.Hash {
			return &IntegrityFaultError{
				RetailerID:   retailerID,
				WholesalerID: wholesalerID.String,
				Detail:       fmt.Sprintf("entry %s hash mismatch", entry.ID),
			}
		}
		prevHash = entry.Hash
	}
	return rows.Err()
}

// chainHeadTx returns the balance-after and hash of the scope's most recent
// entry, or (0, genesis) for an empty chain.
func (s *LedgerService) chainHeadTx(tx *sql.Tx, retailerID string, wholesalerID sql.NullString) (decimal.Decimal, string, error) {
	var balance decimal.Decimal
	var hash string
	err := tx.QueryRow(`
		SELECT balance_after, hash
		FROM ledger_entries
		WHERE retailer_id = $1 AND wholesaler_id IS NOT DISTINCT FROM $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, retailerID, wholesalerID).Scan(&balance, &hash)
	if err == sql.ErrNoRows {
		return decimal.Zero, GenesisHash, nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}
	return balance, hash, nil
}

// EntryHash deterministically hashes an entry's content together with the
// previous entry's hash. Identical content and predecessor always produce the
// same hash; changing any single field changes it.
func EntryHash(e *models.LedgerEntry, prevHash string) string {
	fields := []string{
		e.ID,
		e.RetailerID,
		nullableString(e.WholesalerID),
		nullableString(e.OrderID),
		string(e.Kind),
		e.Amount.String(),
		e.BalanceAfter.String(),
		e.CreatedBy,
		nullableTime(e.DueDate),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		prevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

func nullableString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func nullableTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

const scanColumns = `
	SELECT id, retailer_id, wholesaler_id, order_id, entry_kind, amount,
	       balance_after, created_by, due_date, hash, prev_hash, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var kind string
	err := row.Scan(&e.ID, &e.RetailerID, &e.WholesalerID, &e.OrderID, &kind,
		&e.Amount, &e.BalanceAfter, &e.CreatedBy, &e.DueDate, &e.Hash, &e.PrevHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind = models.EntryKind(kind)
	return &e, nil
}

// queryer lets balance computation run either inside a transaction or
// directly against the pool.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

type queryerCtx struct {
	ctx context.Context
	db  *sql.DB
}

func (q queryerCtx) QueryRow(query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(q.ctx, query, args...)
}

func balanceQuery(q queryer, retailerID string, wholesalerID sql.NullString) (decimal.Decimal, error) {
	var computed decimal.Decimal
	var lastAfter decimal.NullDecimal
	err := q.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN entry_kind IN ('DEBIT', 'ADJUSTMENT') THEN amount ELSE -amount END), 0),
			(SELECT balance_after FROM ledger_entries
			 WHERE retailer_id = $1 AND wholesaler_id IS NOT DISTINCT FROM $2
			 ORDER BY created_at DESC, id DESC LIMIT 1)
		FROM ledger_entries
		WHERE retailer_id = $1 AND wholesaler_id IS NOT DISTINCT FROM $2`,
		retailerID, wholesalerID).Scan(&computed, &lastAfter)
	if err != nil {
		return decimal.Zero, err
	}
	if lastAfter.Valid && !computed.Equal(lastAfter.Decimal) {
		return decimal.Zero, &IntegrityFaultError{
			RetailerID:   retailerID,
			WholesalerID: wholesalerID.String,
			Detail: fmt.Sprintf("computed balance %s disagrees with last balance_after %s",
				computed.String(), lastAfter.Decimal.String()),
		}
	}
	return computed, nil
}
