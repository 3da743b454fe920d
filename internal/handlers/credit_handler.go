package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ordermesh/backend/internal/services"
	"github.com/shopspring/decimal"
)

type CreditHandler struct {
	credit    *services.CreditService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewCreditHandler(credit *services.CreditService, ledger *services.LedgerService) *CreditHandler {
	return &CreditHandler{
		credit:    credit,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Reserve atomically validates and commits a debit against the relationship's
// credit limit. Idempotent on order_id.
func (h *CreditHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID      string          `json:"order_id" validate:"required"`
		RetailerID   string          `json:"retailer_id" validate:"required"`
		WholesalerID string          `json:"wholesaler_id" validate:"required"`
		Amount       decimal.Decimal `json:"amount" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.credit.AcquireAndValidateCredit(r.Context(), req.OrderID, req.RetailerID, req.WholesalerID, req.Amount)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// Release appends a REVERSAL compensating a prior reservation.
func (h *CreditHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LedgerEntryID string `json:"ledger_entry_id" validate:"required"`
		Reason        string `json:"reason" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.credit.ReleaseCreditLock(r.Context(), req.LedgerEntryID, req.Reason)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RecordPayment registers a retailer's payment as a CREDIT entry.
func (h *CreditHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, false)
}

// RecordAdjustment registers an administrator-only ADJUSTMENT entry.
func (h *CreditHandler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, true)
}

func (h *CreditHandler) recordMovement(w http.ResponseWriter, r *http.Request, adjustment bool) {
	var req struct {
		RetailerID   string          `json:"retailer_id" validate:"required"`
		WholesalerID string          `json:"wholesaler_id" validate:"required"`
		Reference    string          `json:"reference"`
		Amount       decimal.Decimal `json:"amount" validate:"required"`
		RecordedBy   string          `json:"recorded_by" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var result *services.CreditResult
	var err error
	if adjustment {
		result, err = h.credit.RecordAdjustment(r.Context(), req.RetailerID, req.WholesalerID, req.Reference, req.Amount, req.RecordedBy)
	} else {
		result, err = h.credit.RecordPayment(r.Context(), req.RetailerID, req.WholesalerID, req.Reference, req.Amount, req.RecordedBy)
	}
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// CreateAccount establishes a credit relationship.
func (h *CreditHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetailerID   string          `json:"retailer_id" validate:"required"`
		WholesalerID string          `json:"wholesaler_id" validate:"required"`
		CreditLimit  decimal.Decimal `json:"credit_limit"`
		TermsDays    int             `json:"terms_days" validate:"gte=0"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := h.credit.CreateAccount(r.Context(), req.RetailerID, req.WholesalerID, req.CreditLimit, req.TermsDays)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// Block deactivates an account with a reason.
func (h *CreditHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	retailerID := chi.URLParam(r, "retailerId")
	wholesalerID := chi.URLParam(r, "wholesalerId")
	if err := h.credit.BlockAccount(r.Context(), retailerID, wholesalerID, req.Reason); err != nil {
		services.SendCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unblock reactivates an account.
func (h *CreditHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	retailerID := chi.URLParam(r, "retailerId")
	wholesalerID := chi.URLParam(r, "wholesalerId")
	if err := h.credit.UnblockAccount(r.Context(), retailerID, wholesalerID); err != nil {
		services.SendCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Statement returns the ledger entries for a relationship, oldest first.
func (h *CreditHandler) Statement(w http.ResponseWriter, r *http.Request) {
	retailerID := chi.URLParam(r, "retailerId")
	wholesalerID := chi.URLParam(r, "wholesalerId")

	entries, err := h.ledger.Entries(r.Context(), retailerID,
		sql.NullString{String: wholesalerID, Valid: wholesalerID != ""}, 0)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), retailerID,
		sql.NullString{String: wholesalerID, Valid: wholesalerID != ""})
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"balance": balance,
	})
}

// decodeBody reads a single JSON object with the shared size and strictness
// limits. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[HTTP] decode error: %v", err)
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
