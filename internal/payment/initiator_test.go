package payment_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

var _ = Describe("Initiator", func() {
	var (
		ctx       context.Context
		repo      *fakeRepo
		orders    *fakeOrders
		gateway   *fakeGateway
		intent    paymentpkg.Intent
		initiator *paymentpkg.Initiator
	)

	build := func() {
		initiator = paymentpkg.NewInitiator(paymentpkg.InitiatorDeps{
			Repo:            repo,
			Orders:          orders,
			Gateway:         gateway,
			Settings:        paymentpkg.Settings{Intent: intent},
			RedirectURL:     "https://bank.example/ecomm/ClientHandler",
			DefaultLanguage: "en",
			Logger:          testLogger(),
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newFakeRepo()
		orders = newFakeOrders(newOrder(7))
		gateway = &fakeGateway{registerResp: &paymentgateway.RegisterResponse{TransactionID: "TX-NEW"}}
		intent = paymentpkg.IntentCapture
		build()
	})

	It("registers the order amount and creates a new payment", func() {
		redirect, err := initiator.Initiate(ctx, 7)

		Expect(err).NotTo(HaveOccurred())
		Expect(gateway.registered).To(HaveLen(1))
		req := gateway.registered[0]
		Expect(req.Amount.Equal(decimal.RequireFromString("125.50"))).To(BeTrue())
		Expect(req.CurrencyCode).To(Equal(498))
		Expect(req.ClientIP).To(Equal("10.0.0.1"))
		Expect(req.Description).To(Equal("Order #7"))
		Expect(req.Language).To(Equal("ro"))
		Expect(req.Mode).To(Equal(paymentgateway.ModeSMS))

		Expect(redirect.TransactionID).To(Equal("TX-NEW"))
		Expect(redirect.URL).To(Equal("https://bank.example/ecomm/ClientHandler"))
		Expect(redirect.Method).To(Equal("POST"))
		Expect(redirect.Fields).To(HaveKeyWithValue("trans_id", "TX-NEW"))

		stored := repo.get(redirect.PaymentID)
		Expect(stored).NotTo(BeNil())
		Expect(stored.State).To(Equal(payment.StateNew))
		Expect(stored.RemoteID).To(Equal("TX-NEW"))
		Expect(stored.RemoteState).To(Equal(paymentgateway.ResultCreated))
		Expect(stored.OrderID).To(Equal(int64(7)))
		Expect(stored.Currency).To(Equal("MDL"))
	})

	It("registers a dual message transaction under the authorize intent", func() {
		intent = paymentpkg.IntentAuthorize
		build()

		_, err := initiator.Initiate(ctx, 7)

		Expect(err).NotTo(HaveOccurred())
		Expect(gateway.registered[0].Mode).To(Equal(paymentgateway.ModeDMS))
	})

	It("uses the default language when the order has none", func() {
		o := newOrder(7)
		o.Language = ""
		orders = newFakeOrders(o)
		build()

		_, err := initiator.Initiate(ctx, 7)

		Expect(err).NotTo(HaveOccurred())
		Expect(gateway.registered[0].Language).To(Equal("en"))
	})

	It("rejects a currency the bank does not know", func() {
		o := newOrder(7)
		o.Currency = "XYZ"
		orders = newFakeOrders(o)
		build()

		_, err := initiator.Initiate(ctx, 7)

		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(internal.ErrCodeInvalidCurrency))
		Expect(gateway.registered).To(BeEmpty())
	})

	It("rejects an order without a valid client IP before calling the bank", func() {
		o := newOrder(7)
		o.IPAddress = "not-an-ip"
		orders = newFakeOrders(o)
		build()

		_, err := initiator.Initiate(ctx, 7)

		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.StatusCode).To(Equal(400))
		Expect(gateway.registered).To(BeEmpty())
	})

	It("returns a gateway error when the bank rejects the registration", func() {
		gateway.registerResp = &paymentgateway.RegisterResponse{Error: "invalid amount", Raw: map[string]string{"error": "invalid amount"}}

		_, err := initiator.Initiate(ctx, 7)

		gwErr, ok := paymentgateway.IsGatewayError(err)
		Expect(ok).To(BeTrue())
		Expect(gwErr.Op).To(Equal("register"))
		Expect(repo.payments).To(BeEmpty())
	})

	It("fails when the bank returns no transaction id", func() {
		gateway.registerResp = &paymentgateway.RegisterResponse{}

		_, err := initiator.Initiate(ctx, 7)

		Expect(errors.Is(err, internal.ErrMissingTransactionID)).To(BeTrue())
		Expect(repo.payments).To(BeEmpty())
	})

	It("propagates transport errors", func() {
		gateway.registerErr = errors.New("tls handshake failure")

		_, err := initiator.Initiate(ctx, 7)

		Expect(err).To(MatchError("tls handshake failure"))
	})

	It("returns not found for an unknown order", func() {
		_, err := initiator.Initiate(ctx, 99)

		Expect(errors.Is(err, internal.ErrOrderNotFound)).To(BeTrue())
	})

	It("reports store failures", func() {
		repo.createErr = errors.New("unique violation")

		_, err := initiator.Initiate(ctx, 7)

		Expect(err).To(MatchError(ContainSubstring("unique violation")))
	})
})
