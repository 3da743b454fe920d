package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// ResponseKind classifies a candidate's answer to a broadcast opportunity.
type ResponseKind string

const (
	ResponseAccept  ResponseKind = "ACCEPT"
	ResponseReject  ResponseKind = "REJECT"
	ResponseTimeout ResponseKind = "TIMEOUT"
	ResponseError   ResponseKind = "ERROR"
)

// CancellationReason explains why a candidate did not get the order.
type CancellationReason string

const (
	CancelLostRace    CancellationReason = "LOST_RACE"
	CancelTimedOut    CancellationReason = "TIMED_OUT"
	CancelNotSelected CancellationReason = "NOT_SELECTED"
)

// RoutingStatus tracks the broadcast-and-select lifecycle.
// LOCKED is terminal in normal operation; CLOSED only via administrative reset.
type RoutingStatus string

const (
	RoutingBroadcast         RoutingStatus = "BROADCAST"
	RoutingLocked            RoutingStatus = "LOCKED"
	RoutingCancellationsSent RoutingStatus = "CANCELLATIONS_SENT"
	RoutingClosed            RoutingStatus = "CLOSED"
)

// AllocationRouting is one broadcast-and-select cycle for assigning a
// single fulfiller to an order. LockedWinnerID is set exactly once, by a
// conditional update that only matches while it is still null.
type AllocationRouting struct {
	ID             string         `json:"id" db:"id"`
	OrderID        string         `json:"order_id" db:"order_id"`
	RetailerID     string         `json:"retailer_id" db:"retailer_id"`
	Status         RoutingStatus  `json:"status" db:"status"`
	LockedWinnerID sql.NullString `json:"locked_winner_id" db:"locked_winner_id"`
	LockedAt       sql.NullTime   `json:"locked_at" db:"locked_at"`
	Version        int            `json:"version" db:"version"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// RoutingCandidate records one eligible wholesaler for a routing, with the
// score it competed on. Every eligible candidate is persisted for audit;
// Selected marks the top-ranked subset the opportunity actually went to.
type RoutingCandidate struct {
	RoutingID   string          `json:"routing_id" db:"routing_id"`
	CandidateID string          `json:"candidate_id" db:"candidate_id"`
	Score       decimal.Decimal `json:"score" db:"score"`
	Rank        int             `json:"rank" db:"rank"`
	Selected    bool            `json:"selected" db:"selected"`
}

// CandidateResponse is a candidate's single answer to a routing. The store
// enforces uniqueness per (routing, candidate).
type CandidateResponse struct {
	ID          string         `json:"id" db:"id"`
	RoutingID   string         `json:"routing_id" db:"routing_id"`
	CandidateID string         `json:"candidate_id" db:"candidate_id"`
	Kind        ResponseKind   `json:"response_kind" db:"response_kind"`
	Note        sql.NullString `json:"note" db:"note"`
	RespondedAt time.Time      `json:"responded_at" db:"responded_at"`
}

// CancellationRecord is created for every candidate that did not win.
type CancellationRecord struct {
	ID          string             `json:"id" db:"id"`
	ResponseID  sql.NullString     `json:"response_id" db:"response_id"`
	RoutingID   string             `json:"routing_id" db:"routing_id"`
	CandidateID string             `json:"candidate_id" db:"candidate_id"`
	Reason      CancellationReason `json:"reason" db:"reason"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// WholesalerProfile holds the eligibility and scoring attributes a
// wholesaler competes on.
type WholesalerProfile struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Active         bool            `json:"active" db:"active"`
	ServiceArea    string          `json:"service_area" db:"service_area"`
	MinOrderValue  decimal.Decimal `json:"min_order_value" db:"min_order_value"`
	StockCapacity  int             `json:"stock_capacity" db:"stock_capacity"`
	CompletionRate decimal.Decimal `json:"completion_rate" db:"completion_rate"` // 0..1
	Rating         decimal.Decimal `json:"rating" db:"rating"`                   // 0..5
	Reliability    decimal.Decimal `json:"reliability" db:"reliability"`         // 0..1
}
