package payment_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
	orderpkg "github.com/maibank/checkout-reconciler/internal/order"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

var _ = Describe("CallbackService", func() {
	var (
		ctx       context.Context
		repo      *fakeRepo
		orders    *fakeOrders
		gateway   *fakeGateway
		publisher *fakePublisher
		locker    paymentpkg.Locker
		service   *paymentpkg.CallbackService
	)

	build := func() {
		service = paymentpkg.NewCallbackService(paymentpkg.CallbackServiceDeps{
			Repo:            repo,
			Orders:          orders,
			Flow:            orderpkg.NewFlow(nil),
			Gateway:         gateway,
			Reconciler:      paymentpkg.NewReconciler(repo, publisher, testLogger()),
			Locker:          locker,
			Publisher:       publisher,
			Settings:        paymentpkg.Settings{Intent: paymentpkg.IntentCapture},
			CheckoutBaseURL: "https://shop.example/",
			Logger:          testLogger(),
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = newFakeRepo(newPayment("pay-1", "TX1", 7, payment.StateNew))
		orders = newFakeOrders(newOrder(7))
		gateway = &fakeGateway{queryResult: okResult(paymentgateway.ResultOK, "000")}
		publisher = &fakePublisher{}
		locker = lock.NewLocalLocker(time.Minute)
		build()
	})

	Describe("CheckAccess", func() {
		It("rejects a missing transaction id", func() {
			_, _, err := service.CheckAccess(ctx, "  ")
			Expect(errors.Is(err, internal.ErrMissingTransactionID)).To(BeTrue())
		})

		It("rejects an unknown transaction", func() {
			_, _, err := service.CheckAccess(ctx, "NOPE")
			Expect(errors.Is(err, internal.ErrPaymentNotFound)).To(BeTrue())
		})

		It("rejects a canceled order", func() {
			o := newOrder(7)
			o.State = order.StateCanceled
			orders = newFakeOrders(o)
			build()

			_, _, err := service.CheckAccess(ctx, "TX1")
			Expect(errors.Is(err, internal.ErrOrderCanceled)).To(BeTrue())
		})

		It("rejects an order without items", func() {
			o := newOrder(7)
			o.ItemCount = 0
			orders = newFakeOrders(o)
			build()

			_, _, err := service.CheckAccess(ctx, "TX1")
			Expect(errors.Is(err, internal.ErrOrderEmpty)).To(BeTrue())
		})

		It("returns the payment and its order", func() {
			p, o, err := service.CheckAccess(ctx, "TX1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.ID).To(Equal("pay-1"))
			Expect(o.ID).To(Equal(int64(7)))
		})
	})

	Describe("Continuation", func() {
		It("points at the checkout continuation without calling the bank", func() {
			res, err := service.Continuation(ctx, paymentpkg.CallbackReturn, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(paymentpkg.ResultRedirect))
			Expect(res.URL).To(Equal("https://shop.example/checkout/7/payment/payment/return?trans_id=TX1"))
			Expect(gateway.queryCount()).To(BeZero())
			Expect(repo.get("pay-1").State).To(Equal(payment.StateNew))
		})

		It("escapes the transaction id", func() {
			repo = newFakeRepo(newPayment("pay-9", "ab+c/=", 7, payment.StateNew))
			build()

			res, err := service.Continuation(ctx, paymentpkg.CallbackCancel, "ab+c/=")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.URL).To(HaveSuffix("/payment/cancel?trans_id=ab%2Bc%2F%3D"))
		})

		It("falls back to the payment step when the order has none", func() {
			o := newOrder(7)
			o.CheckoutStep = ""
			orders = newFakeOrders(o)
			build()

			res, err := service.Continuation(ctx, paymentpkg.CallbackReturn, "TX1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.URL).To(ContainSubstring("/checkout/7/payment/payment/return"))
		})
	})

	Describe("OnReturn", func() {
		It("reconciles and moves the buyer forward", func() {
			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(paymentpkg.ResultContinue))
			Expect(res.OrderID).To(Equal(int64(7)))
			Expect(res.Step).To(Equal(orderpkg.StepComplete))
			Expect(res.Outcome).NotTo(BeNil())
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionCompleted))
			Expect(res.Notices).To(HaveLen(1))
			Expect(repo.get("pay-1").State).To(Equal(payment.StateCompleted))
		})

		It("adds a gateway error notice when the payment was voided", func() {
			gateway.queryResult = okResult(paymentgateway.ResultDeclined, "116")

			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepComplete))
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionVoided))
			Expect(res.Notices).To(HaveLen(2))
			Expect(res.Notices[0].Text).To(ContainSubstring("Remote status: DECLINED"))
			Expect(res.Notices[1].Text).To(ContainSubstring("Payment failed at the payment server"))
			Expect(repo.get("pay-1")).To(BeNil())
		})

		It("reports a bank outage as a notice and keeps the record", func() {
			gateway.queryErr = errors.New("dial tcp: i/o timeout")

			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepComplete))
			Expect(res.Outcome).To(BeNil())
			Expect(res.Notices).To(HaveLen(1))
			Expect(res.Notices[0].Level).To(Equal(paymentpkg.NoticeError))
			Expect(repo.get("pay-1").State).To(Equal(payment.StateNew))
		})

		It("skips reconciliation while another worker holds the transaction", func() {
			held, err := locker.TryLock(ctx, lock.TransactionKey("TX1"))
			Expect(err).NotTo(HaveOccurred())
			defer held.Release(ctx) //nolint:errcheck

			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Notices[0].Text).To(ContainSubstring("pending"))
			Expect(gateway.queryCount()).To(BeZero())
		})

		It("still reconciles when the lock backend is down", func() {
			locker = brokenLocker{}
			build()

			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionCompleted))
		})

		It("releases the lock afterwards", func() {
			_, err := service.OnReturn(ctx, "TX1")
			Expect(err).NotTo(HaveOccurred())

			lease, err := locker.TryLock(ctx, lock.TransactionKey("TX1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(lease.Release(ctx)).To(Succeed())
		})

		It("is idempotent for a payment already completed", func() {
			_, err := service.OnReturn(ctx, "TX1")
			Expect(err).NotTo(HaveOccurred())

			res, err := service.OnReturn(ctx, "TX1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionAlreadyResolved))
			Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentCompleted))
		})

		It("asks the buyer to wait when the bank reports an unknown status", func() {
			gateway.queryResult = okResult("WEIRD", "")

			res, err := service.OnReturn(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionUnrecognized))
			Expect(res.Notices).To(HaveLen(1))
			Expect(res.Notices[0].Level).To(Equal(paymentpkg.NoticeStatus))
			Expect(res.Notices[0].Text).To(ContainSubstring("pending"))
			Expect(res.Notices[0].Text).NotTo(ContainSubstring("try again"))
			Expect(repo.get("pay-1").State).To(Equal(payment.StateNew))
			Expect(repo.transitions).To(BeEmpty())
			Expect(publisher.types()).To(BeEmpty())
		})

		It("propagates access errors", func() {
			_, err := service.OnReturn(ctx, "")
			Expect(errors.Is(err, internal.ErrMissingTransactionID)).To(BeTrue())
		})
	})

	Describe("OnCancel", func() {
		It("drops the payment and sends the buyer one step back", func() {
			res, err := service.OnCancel(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepReview))
			Expect(repo.get("pay-1")).To(BeNil())
			Expect(gateway.queryCount()).To(BeZero())
			Expect(publisher.types()).To(ConsistOf(events.EventTypePaymentVoided))
		})

		It("ignores a payment that changed concurrently", func() {
			repo.deleteErr = internal.ErrStaleState

			res, err := service.OnCancel(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepReview))
			Expect(publisher.types()).To(BeEmpty())
		})

		It("keeps a payment the bank already settled", func() {
			repo = newFakeRepo(newPayment("pay-1", "TX1", 7, payment.StateCompleted))
			build()

			res, err := service.OnCancel(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepReview))
			Expect(repo.get("pay-1").State).To(Equal(payment.StateCompleted))
			Expect(repo.deleted).To(BeEmpty())
			Expect(publisher.types()).To(BeEmpty())
		})

		It("drops a pending payment", func() {
			repo = newFakeRepo(newPayment("pay-1", "TX1", 7, payment.StatePending))
			build()

			_, err := service.OnCancel(ctx, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(repo.get("pay-1")).To(BeNil())
		})

		It("returns store failures", func() {
			repo.deleteErr = errors.New("disk full")

			_, err := service.OnCancel(ctx, "TX1")
			Expect(err).To(MatchError("disk full"))
		})
	})
	Describe("Resume", func() {
		It("reconciles a return for the matching order", func() {
			res, err := service.Resume(ctx, paymentpkg.CallbackReturn, 7, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepComplete))
			Expect(repo.get("pay-1").State).To(Equal(payment.StateCompleted))
			Expect(gateway.queryCount()).To(Equal(1))
		})

		It("cancels for the matching order", func() {
			res, err := service.Resume(ctx, paymentpkg.CallbackCancel, 7, "TX1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Step).To(Equal(orderpkg.StepReview))
			Expect(repo.get("pay-1")).To(BeNil())
			Expect(gateway.queryCount()).To(BeZero())
		})

		It("refuses a transaction presented for another order", func() {
			_, err := service.Resume(ctx, paymentpkg.CallbackCancel, 8, "TX1")

			Expect(errors.Is(err, internal.ErrOrderMismatch)).To(BeTrue())
			Expect(repo.get("pay-1").State).To(Equal(payment.StateNew))
			Expect(gateway.queryCount()).To(BeZero())
		})

		It("applies the access guard", func() {
			_, err := service.Resume(ctx, paymentpkg.CallbackReturn, 7, "")
			Expect(errors.Is(err, internal.ErrMissingTransactionID)).To(BeTrue())
		})
	})

	Describe("checkout round trip", func() {
		It("completes a payment registered by the initiator once the bank returns OK", func() {
			repo = newFakeRepo()
			gateway = &fakeGateway{
				registerResp: &paymentgateway.RegisterResponse{
					TransactionID: "T1",
					Raw:           paymentgateway.ParseResponse("TRANSACTION_ID: T1"),
				},
				queryResult: paymentgateway.NewRemoteResult(paymentgateway.ParseResponse("RESULT: OK\nRESULT_CODE: 000")),
			}
			build()
			initiator := paymentpkg.NewInitiator(paymentpkg.InitiatorDeps{
				Repo:            repo,
				Orders:          orders,
				Gateway:         gateway,
				Settings:        paymentpkg.Settings{Intent: paymentpkg.IntentCapture},
				RedirectURL:     "https://bank.example/ecomm/ClientHandler",
				DefaultLanguage: "en",
				Logger:          testLogger(),
			})

			redirect, err := initiator.Initiate(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(redirect.TransactionID).To(Equal("T1"))
			Expect(repo.get(redirect.PaymentID).State).To(Equal(payment.StateNew))

			res, err := service.OnReturn(ctx, "T1")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome.Action).To(Equal(paymentpkg.ActionCompleted))
			stored := repo.get(redirect.PaymentID)
			Expect(stored.State).To(Equal(payment.StateCompleted))
			Expect(stored.RemoteState).To(Equal(paymentgateway.ResultOK))
			Expect(gateway.queried).To(Equal([]string{"T1"}))
		})
	})
})
