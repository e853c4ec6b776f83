package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	apperrors "github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/transport"
)

type InitiatorAPI interface {
	Initiate(ctx context.Context, orderID int64) (*RedirectData, error)
}

type Handler struct {
	transport.BaseHandler
	PaymentService ServiceAPI
	Initiator      InitiatorAPI
	Logger         *slog.Logger
}

func NewHandler(paymentService ServiceAPI, initiator InitiatorAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    transport.BaseHandler{Logger: logger},
		PaymentService: paymentService,
		Initiator:      initiator,
		Logger:         logger,
	}
}

// InitiatePayment handles POST /api/v1/orders/{orderID}/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || orderID <= 0 {
		h.HandleError(w, apperrors.NewValidationError("invalid order ID", apperrors.ErrCodeValidationFailed))
		return
	}

	redirect, err := h.Initiator.Initiate(r.Context(), orderID)
	if err != nil {
		h.Logger.Error("InitiatePayment: service error", "error", err, "order_id", orderID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, redirect)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.PaymentService.GetPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToView(p))
}

// CapturePayment handles POST /api/v1/payments/{id}/capture
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	p, err := h.PaymentService.Capture(r.Context(), id, req.Amount)
	if err != nil {
		h.Logger.Error("CapturePayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	view := ToView(p)
	h.WriteJSON(w, http.StatusOK, OperationResponse{Status: "captured", Payment: &view})
}

// VoidPayment handles POST /api/v1/payments/{id}/void
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.PaymentService.Void(r.Context(), id); err != nil {
		h.Logger.Error("VoidPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, OperationResponse{Status: "voided"})
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}

	p, err := h.PaymentService.Refund(r.Context(), id, req.Amount)
	if err != nil {
		h.Logger.Error("RefundPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	view := ToView(p)
	h.WriteJSON(w, http.StatusOK, OperationResponse{Status: "refunded", Payment: &view})
}

// decodeAmount reads an optional AmountRequest; an empty body is allowed.
func (h *Handler) decodeAmount(w http.ResponseWriter, r *http.Request) (*AmountRequest, bool) {
	var req AmountRequest
	if r.Body != nil {
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			h.Logger.Error("failed to parse request body", "error", err)
			h.HandleError(w, apperrors.NewValidationError("invalid request body", apperrors.ErrCodeValidationFailed))
			return nil, false
		}
	}

	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return nil, false
	}
	return &req, true
}
