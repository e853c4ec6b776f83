package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

type stubService struct {
	payment   *payment.Payment
	err       error
	gotAmount *decimal.Decimal
	calls     []string
}

func (s *stubService) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	s.calls = append(s.calls, "get:"+id)
	return s.payment, s.err
}

func (s *stubService) Capture(_ context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error) {
	s.calls = append(s.calls, "capture:"+id)
	s.gotAmount = amount
	return s.payment, s.err
}

func (s *stubService) Void(_ context.Context, id string) error {
	s.calls = append(s.calls, "void:"+id)
	return s.err
}

func (s *stubService) Refund(_ context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error) {
	s.calls = append(s.calls, "refund:"+id)
	s.gotAmount = amount
	return s.payment, s.err
}

type stubInitiator struct {
	redirect *paymentpkg.RedirectData
	err      error
	orderID  int64
}

func (s *stubInitiator) Initiate(_ context.Context, orderID int64) (*paymentpkg.RedirectData, error) {
	s.orderID = orderID
	return s.redirect, s.err
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(rec *httptest.ResponseRecorder) errorBody {
	var body errorBody
	Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body
}

var _ = Describe("Handler", func() {
	var (
		service   *stubService
		initiator *stubInitiator
		router    *chi.Mux
	)

	serve := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		service = &stubService{payment: newPayment("pay-1", "TX1", 7, payment.StateCompleted)}
		initiator = &stubInitiator{redirect: &paymentpkg.RedirectData{
			PaymentID:     "pay-1",
			TransactionID: "TX1",
			URL:           "https://bank.example/ecomm/ClientHandler",
			Method:        http.MethodPost,
			Fields:        map[string]string{"trans_id": "TX1"},
		}}
		h := paymentpkg.NewHandler(service, initiator, testLogger())

		router = chi.NewRouter()
		router.Post("/orders/{orderID}/payments", h.InitiatePayment)
		router.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayment)
			r.Post("/capture", h.CapturePayment)
			r.Post("/void", h.VoidPayment)
			r.Post("/refund", h.RefundPayment)
		})
	})

	Describe("InitiatePayment", func() {
		It("returns the redirect data", func() {
			rec := serve(http.MethodPost, "/orders/7/payments", "")

			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(initiator.orderID).To(Equal(int64(7)))
			var body map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("transaction_id", "TX1"))
		})

		It("rejects a malformed order id", func() {
			rec := serve(http.MethodPost, "/orders/abc/payments", "")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeError(rec).Error.Code).To(Equal(string(internal.ErrCodeValidationFailed)))
		})

		It("maps gateway failures to bad gateway", func() {
			initiator.err = &paymentgateway.GatewayError{Op: "register", Message: "invalid amount"}

			rec := serve(http.MethodPost, "/orders/7/payments", "")

			Expect(rec.Code).To(Equal(http.StatusBadGateway))
			Expect(decodeError(rec).Error.Code).To(Equal(string(internal.ErrCodeGatewayFailed)))
		})
	})

	Describe("GetPayment", func() {
		It("renders the payment view", func() {
			rec := serve(http.MethodGet, "/payments/pay-1/", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			var view paymentpkg.View
			Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
			Expect(view.ID).To(Equal("pay-1"))
			Expect(view.TransactionID).To(Equal("TX1"))
			Expect(view.Amount).To(Equal("125.50"))
			Expect(view.State).To(Equal(string(payment.StateCompleted)))
		})

		It("returns 404 for unknown payments", func() {
			service.err = internal.ErrPaymentNotFound

			rec := serve(http.MethodGet, "/payments/nope/", "")

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decodeError(rec).Error.Code).To(Equal(string(internal.ErrCodePaymentNotFound)))
		})
	})

	Describe("CapturePayment", func() {
		It("captures the full amount when the body is empty", func() {
			rec := serve(http.MethodPost, "/payments/pay-1/capture", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(service.gotAmount).To(BeNil())
			var resp paymentpkg.OperationResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("captured"))
			Expect(resp.Payment).NotTo(BeNil())
		})

		It("passes a partial amount through", func() {
			rec := serve(http.MethodPost, "/payments/pay-1/capture", `{"amount":"100.25"}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(service.gotAmount).NotTo(BeNil())
			Expect(service.gotAmount.StringFixed(2)).To(Equal("100.25"))
		})

		It("rejects malformed JSON", func() {
			rec := serve(http.MethodPost, "/payments/pay-1/capture", `{"amount":`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(service.calls).To(BeEmpty())
		})

		It("rejects a negative amount", func() {
			rec := serve(http.MethodPost, "/payments/pay-1/capture", `{"amount":"-1"}`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(service.calls).To(BeEmpty())
		})

		It("reports a held transaction as a conflict", func() {
			service.err = internal.ErrTransactionLocked

			rec := serve(http.MethodPost, "/payments/pay-1/capture", "")

			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(decodeError(rec).Error.Code).To(Equal(string(internal.ErrCodeTransactionLocked)))
		})
	})

	Describe("VoidPayment", func() {
		It("voids the payment", func() {
			rec := serve(http.MethodPost, "/payments/pay-1/void", "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(service.calls).To(Equal([]string{"void:pay-1"}))
			var resp paymentpkg.OperationResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("voided"))
			Expect(resp.Payment).To(BeNil())
		})

		It("maps a wrong state to a conflict", func() {
			service.err = internal.ErrInvalidPaymentState

			rec := serve(http.MethodPost, "/payments/pay-1/void", "")

			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("RefundPayment", func() {
		It("refunds the requested amount", func() {
			service.payment.State = payment.StateRefunded

			rec := serve(http.MethodPost, "/payments/pay-1/refund", `{"amount":10}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(service.gotAmount.StringFixed(2)).To(Equal("10.00"))
			var resp paymentpkg.OperationResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Status).To(Equal("refunded"))
			Expect(resp.Payment.State).To(Equal(string(payment.StateRefunded)))
		})

		It("hides unexpected errors behind a 500", func() {
			service.err = context.DeadlineExceeded

			rec := serve(http.MethodPost, "/payments/pay-1/refund", "")

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).NotTo(ContainSubstring("deadline"))
		})
	})
})
