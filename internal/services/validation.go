package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code,omitempty"`    // Machine-readable error code
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(validationErr, &validationErrors) {
			errorResp.Details = make(map[string]string)
			for _, err := range validationErrors {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// ErrorCode maps a core error to its machine-readable taxonomy code.
func ErrorCode(err error) string {
	var (
		insufficient *InsufficientCreditError
		blocked      *CreditBlockedError
		integrity    *IntegrityFaultError
		exhausted    *MaxRetriesExceededError
	)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrImmutabilityViolation):
		return "ImmutabilityViolation"
	case errors.Is(err, ErrAccountNotFound):
		return "AccountNotFound"
	case errors.Is(err, ErrNoEligibleCandidates):
		return "NoEligibleCandidates"
	case errors.Is(err, ErrDuplicateResponse):
		return "DuplicateResponse"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.As(err, &insufficient):
		return "InsufficientCredit"
	case errors.As(err, &blocked):
		return "CreditBlocked"
	case errors.As(err, &integrity):
		return "IntegrityFault"
	case errors.As(err, &exhausted):
		return "MaxRetriesExceeded"
	default:
		return "Internal"
	}
}

// StatusForError maps a core error to an HTTP status code.
func StatusForError(err error) int {
	switch ErrorCode(err) {
	case "InvalidAmount", "InvalidState":
		return http.StatusUnprocessableEntity
	case "InsufficientCredit":
		return http.StatusPaymentRequired
	case "CreditBlocked":
		return http.StatusForbidden
	case "AccountNotFound", "NotFound":
		return http.StatusNotFound
	case "NoEligibleCandidates":
		return http.StatusUnprocessableEntity
	case "DuplicateResponse":
		return http.StatusConflict
	case "MaxRetriesExceeded":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SendCoreError renders a core error with its taxonomy code and mapped
// status, including the structured figures callers need.
func SendCoreError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForError(err))

	resp := ErrorResponse{Error: err.Error(), Code: ErrorCode(err)}

	var insufficient *InsufficientCreditError
	if errors.As(err, &insufficient) {
		resp.Details = map[string]string{
			"available_credit":  insufficient.AvailableCredit.String(),
			"projected_balance": insufficient.ProjectedBalance.String(),
			"credit_limit":      insufficient.CreditLimit.String(),
		}
	}
	var blocked *CreditBlockedError
	if errors.As(err, &blocked) && blocked.Reason != "" {
		resp.Details = map[string]string{"blocked_reason": blocked.Reason}
	}

	json.NewEncoder(w).Encode(resp)
}
