package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentAuthorized = "payment.authorized"
	EventTypePaymentCompleted  = "payment.completed"
	EventTypePaymentPending    = "payment.pending"
	EventTypePaymentVoided     = "payment.voided"
	EventTypePaymentCaptured   = "payment.captured"
	EventTypePaymentRefunded   = "payment.refunded"
)

// PaymentTypes lists every payment event type, in lifecycle order.
var PaymentTypes = []string{
	EventTypePaymentPending,
	EventTypePaymentAuthorized,
	EventTypePaymentCompleted,
	EventTypePaymentCaptured,
	EventTypePaymentVoided,
	EventTypePaymentRefunded,
}

type PaymentChange struct {
	PaymentID     string
	OrderID       int64
	TransactionID string
	FromState     string
	ToState       string
	RemoteState   string
	Amount        string
	Currency      string
}

// PaymentStateChangedEvent is emitted once per persisted payment transition.
// A deleted payment has an empty ToState.
type PaymentStateChangedEvent struct {
	BaseEvent
	PaymentChange
}

func NewPaymentStateChangedEvent(eventType string, change PaymentChange) *PaymentStateChangedEvent {
	return &PaymentStateChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":     change.PaymentID,
				"order_id":       change.OrderID,
				"transaction_id": change.TransactionID,
				"from_state":     change.FromState,
				"to_state":       change.ToState,
				"remote_state":   change.RemoteState,
				"amount":         change.Amount,
				"currency":       change.Currency,
			},
		},
		PaymentChange: change,
	}
}
