package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maibank/checkout-reconciler/internal/core/events"
)

// EventHandler writes an audit line for every payment transition.
type EventHandler struct {
	logger *slog.Logger
}

func NewEventHandler(logger *slog.Logger) *EventHandler {
	return &EventHandler{
		logger: logger,
	}
}

func (h *EventHandler) HandlePaymentStateChanged(ctx context.Context, event events.Event) error {
	changed, ok := event.(*events.PaymentStateChangedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment audit handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStateChangedEvent, got %T", event)
	}

	to := changed.ToState
	if to == "" {
		to = "deleted"
	}

	h.logger.Info("payment audit",
		"event_type", changed.EventType(),
		"event_id", changed.EventID(),
		"payment_id", changed.PaymentID,
		"order_id", changed.OrderID,
		"transaction_id", changed.TransactionID,
		"from_state", changed.FromState,
		"to_state", to,
		"remote_state", changed.RemoteState,
		"amount", changed.Amount,
		"currency", changed.Currency)

	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	for _, eventType := range events.PaymentTypes {
		eventBus.Subscribe(eventType, h.HandlePaymentStateChanged)
	}

	h.logger.Info("payment event handlers registered", "handlers", events.PaymentTypes)
}
