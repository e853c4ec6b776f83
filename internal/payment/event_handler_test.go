package payment_test

import (
	"bytes"
	"context"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/maibank/checkout-reconciler/internal/core/events"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

var _ = Describe("EventHandler", func() {
	var (
		buf     *bytes.Buffer
		handler *paymentpkg.EventHandler
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		handler = paymentpkg.NewEventHandler(slog.New(slog.NewJSONHandler(buf, nil)))
	})

	It("writes an audit line for every payment event type", func() {
		bus := events.NewEventBus(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
		handler.RegisterEventHandlers(bus)

		err := bus.PublishSync(context.Background(), events.NewPaymentStateChangedEvent(events.EventTypePaymentVoided, events.PaymentChange{
			PaymentID:     "pay-9",
			OrderID:       9,
			TransactionID: "TX9",
			FromState:     "authorization",
		}))

		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring(`"msg":"payment audit"`))
		Expect(buf.String()).To(ContainSubstring(`"payment_id":"pay-9"`))
		Expect(buf.String()).To(ContainSubstring(`"to_state":"deleted"`))
	})

	It("rejects events that are not payment transitions", func() {
		err := handler.HandlePaymentStateChanged(context.Background(), events.BaseEvent{Type: "order.placed"})

		Expect(err).To(MatchError(ContainSubstring("expected PaymentStateChangedEvent")))
	})
})
