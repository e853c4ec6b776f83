package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/transport"
)

// NoticeCookie carries buyer notices to the next checkout page.
const NoticeCookie = "checkout_notices"

type CallbackAPI interface {
	Continuation(ctx context.Context, kind CallbackKind, transactionID string) (*CallbackResult, error)
	Resume(ctx context.Context, kind CallbackKind, orderID int64, transactionID string) (*CallbackResult, error)
}

// CallbackHandler serves the URLs the bank sends the buyer back to and the
// checkout continuation they redirect to.
type CallbackHandler struct {
	*transport.BaseHandler
	callbacks       CallbackAPI
	checkoutBaseURL string
	logger          *slog.Logger
}

func NewCallbackHandler(baseHandler *transport.BaseHandler, callbacks CallbackAPI, checkoutBaseURL string, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		BaseHandler:     baseHandler,
		callbacks:       callbacks,
		checkoutBaseURL: strings.TrimRight(checkoutBaseURL, "/"),
		logger:          logger,
	}
}

// HandleReturn handles GET|POST /api/v1/maib/return
func (h *CallbackHandler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	h.handleBankHit(w, r, CallbackReturn)
}

// HandleCancel handles GET|POST /api/v1/maib/cancel
func (h *CallbackHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleBankHit(w, r, CallbackCancel)
}

func (h *CallbackHandler) handleBankHit(w http.ResponseWriter, r *http.Request, kind CallbackKind) {
	transactionID := transactionIDFrom(r)

	h.logger.Info("received bank callback", "kind", kind, "transaction_id", transactionID)

	res, err := h.callbacks.Continuation(r.Context(), kind, transactionID)
	if err != nil {
		h.logCallbackError(r, kind, transactionID, err)
		h.HandleServiceError(w, err)
		return
	}

	http.Redirect(w, r, res.URL, http.StatusSeeOther)
}

// HandleContinuation handles GET /api/v1/checkout/{orderID}/{step}/payment/{kind}
func (h *CallbackHandler) HandleContinuation(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseCallbackKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		h.HandleError(w, internal.NewValidationError("invalid order ID", internal.ErrCodeValidationFailed))
		return
	}

	transactionID := transactionIDFrom(r)

	res, err := h.callbacks.Resume(r.Context(), kind, orderID, transactionID)
	if err != nil {
		h.logCallbackError(r, kind, transactionID, err)
		h.HandleServiceError(w, err)
		return
	}

	if len(res.Notices) > 0 {
		if cookie, cerr := noticeCookie(res.Notices); cerr == nil {
			http.SetCookie(w, cookie)
		} else {
			h.logger.Warn("failed to encode notices", "error", cerr)
		}
	}

	target := fmt.Sprintf("%s/checkout/%d/%s", h.checkoutBaseURL, res.OrderID, url.PathEscape(res.Step))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *CallbackHandler) logCallbackError(r *http.Request, kind CallbackKind, transactionID string, err error) {
	if appErr, ok := internal.IsAppError(err); ok && appErr.StatusCode < http.StatusInternalServerError {
		h.logger.Info("callback rejected",
			"kind", kind,
			"transaction_id", transactionID,
			"code", appErr.Code,
			"query", r.URL.RawQuery)
		return
	}
	h.logger.Error("callback failed", "kind", kind, "transaction_id", transactionID, "error", err)
}

// transactionIDFrom reads trans_id from the posted form or the query string.
func transactionIDFrom(r *http.Request) string {
	if err := r.ParseForm(); err != nil {
		return strings.TrimSpace(r.URL.Query().Get(paymentgateway.KeyTransID))
	}
	return strings.TrimSpace(r.Form.Get(paymentgateway.KeyTransID))
}

func noticeCookie(notices []Notice) (*http.Cookie, error) {
	data, err := json.Marshal(notices)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     NoticeCookie,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// DecodeNotices reads notices back out of the flash cookie value.
func DecodeNotices(value string) ([]Notice, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	var notices []Notice
	if err := json.Unmarshal(data, &notices); err != nil {
		return nil, err
	}
	return notices, nil
}
