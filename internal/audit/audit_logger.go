package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	OrderID      string    `json:"order_id,omitempty"`
	RetailerID   string    `json:"retailer_id,omitempty"`
	WholesalerID string    `json:"wholesaler_id,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Status       string    `json:"status"`
	Details      any       `json:"details,omitempty"`
}

// Logger emits structured JSON audit events for financial and allocation
// decisions. Delivery is fire-and-forget; audit failures never affect the
// committed decision.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogCreditGrant(orderID, retailerID, wholesalerID, amount, newBalance string) {
	a.log(Event{
		Timestamp:    time.Now(),
		EventType:    "CREDIT_GRANT",
		OrderID:      orderID,
		RetailerID:   retailerID,
		WholesalerID: wholesalerID,
		Amount:       amount,
		Status:       "SUCCESS",
		Details:      map[string]string{"new_balance": newBalance},
	})
}

func (a *Logger) LogCreditReject(orderID, retailerID, wholesalerID, amount, reason string) {
	a.log(Event{
		Timestamp:    time.Now(),
		EventType:    "CREDIT_REJECT",
		OrderID:      orderID,
		RetailerID:   retailerID,
		WholesalerID: wholesalerID,
		Amount:       amount,
		Status:       "REJECTED",
		Details:      map[string]string{"reason": reason},
	})
}

func (a *Logger) LogReversal(entryID, retailerID, wholesalerID, amount, reason string) {
	a.log(Event{
		Timestamp:    time.Now(),
		EventType:    "CREDIT_REVERSAL",
		RetailerID:   retailerID,
		WholesalerID: wholesalerID,
		Amount:       amount,
		Status:       "SUCCESS",
		Details:      map[string]string{"reversed_entry": entryID, "reason": reason},
	})
}

func (a *Logger) LogRoutingLocked(routingID, orderID, winnerID string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ROUTING_LOCKED",
		OrderID:   orderID,
		Status:    "SUCCESS",
		Details:   map[string]string{"routing_id": routingID, "winner_id": winnerID},
	})
}

func (a *Logger) LogAdminOverride(routingID, adminID, reason string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ADMIN_OVERRIDE",
		Status:    "SUCCESS",
		Details:   map[string]string{"routing_id": routingID, "admin_id": adminID, "reason": reason},
	})
}

func (a *Logger) LogError(context, reference string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Status:    "FAILED",
		Details:   map[string]string{"context": context, "reference": reference, "error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] failed to marshal event: %v", err)
		return
	}
	log.Printf("[AUDIT] %s", string(data))
}
