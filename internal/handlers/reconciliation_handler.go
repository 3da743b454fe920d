package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ordermesh/backend/internal/services"
)

type ReconciliationHandler struct {
	reconciliation *services.ReconciliationService
}

func NewReconciliationHandler(reconciliation *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{reconciliation: reconciliation}
}

// Run triggers one auditor pass and returns the report.
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciliation.Audit(r.Context())
	if err != nil {
		services.SendCoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
