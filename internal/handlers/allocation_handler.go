package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ordermesh/backend/internal/models"
	"github.com/ordermesh/backend/internal/services"
	"github.com/shopspring/decimal"
)

type AllocationHandler struct {
	allocation  *services.AllocationService
	responseTTL time.Duration
	validator   *services.ValidationHelper
}

func NewAllocationHandler(allocation *services.AllocationService, responseTTL time.Duration) *AllocationHandler {
	return &AllocationHandler{
		allocation:  allocation,
		responseTTL: responseTTL,
		validator:   services.NewValidationHelper(),
	}
}

// Broadcast opens a routing for an order and notifies the top candidates.
func (h *AllocationHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID     string          `json:"order_id" validate:"required"`
		RetailerID  string          `json:"retailer_id" validate:"required"`
		OrderValue  decimal.Decimal `json:"order_value" validate:"required"`
		ServiceArea string          `json:"service_area" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	routing, err := h.allocation.Broadcast(r.Context(), req.OrderID, req.RetailerID, services.BroadcastCriteria{
		OrderValue:  req.OrderValue,
		ServiceArea: req.ServiceArea,
	})
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(routing)
}

// Respond records a candidate's answer; a second answer from the same
// candidate is rejected.
func (h *AllocationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CandidateID string `json:"candidate_id" validate:"required"`
		Kind        string `json:"response_kind" validate:"required,oneof=ACCEPT REJECT ERROR"`
		Note        string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	routingID := chi.URLParam(r, "routingId")
	response, err := h.allocation.Respond(r.Context(), routingID, req.CandidateID, models.ResponseKind(req.Kind), req.Note)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// Accept races for the routing; exactly one caller ever wins.
func (h *AllocationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CandidateID string `json:"candidate_id" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	routingID := chi.URLParam(r, "routingId")
	result, err := h.allocation.AcceptCandidate(r.Context(), routingID, req.CandidateID)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	// Losing the race is a normal outcome, delivered as 200 with the result.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Timeout records TIMEOUT responses for silent candidates on one routing.
func (h *AllocationHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	routingID := chi.URLParam(r, "routingId")
	timedOut, err := h.allocation.TimeoutNonResponders(r.Context(), routingID, h.responseTTL)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"timed_out": timedOut})
}

// Reset is the audited administrative override that closes a routing.
func (h *AllocationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"admin_id" validate:"required"`
		Reason  string `json:"reason" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	routingID := chi.URLParam(r, "routingId")
	if err := h.allocation.ResetRouting(r.Context(), routingID, req.AdminID, req.Reason); err != nil {
		services.SendCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routing returns the current state of one routing.
func (h *AllocationHandler) Routing(w http.ResponseWriter, r *http.Request) {
	routingID := chi.URLParam(r, "routingId")
	routing, err := h.allocation.Routing(r.Context(), routingID)
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(routing)
}
