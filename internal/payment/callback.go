package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
)

type CallbackKind string

const (
	CallbackReturn CallbackKind = "return"
	CallbackCancel CallbackKind = "cancel"
)

func ParseCallbackKind(s string) (CallbackKind, error) {
	switch CallbackKind(s) {
	case CallbackReturn, CallbackCancel:
		return CallbackKind(s), nil
	}
	return "", internal.NewValidationError(fmt.Sprintf("unknown callback %q", s), internal.ErrCodeValidationFailed)
}

type ResultKind string

const (
	ResultRedirect ResultKind = "redirect"
	ResultContinue ResultKind = "continue"
)

// CallbackResult tells the HTTP layer where to send the buyer. Redirect
// carries an absolute URL; Continue names the checkout step of OrderID.
type CallbackResult struct {
	Kind    ResultKind
	URL     string
	OrderID int64
	Step    string
	Notices []Notice
	Outcome *Outcome
}

type CallbackServiceDeps struct {
	Repo            RepositoryAPI
	Orders          OrderProvider
	Flow            CheckoutFlow
	Gateway         GatewayClient
	Reconciler      *Reconciler
	Locker          Locker
	Publisher       Publisher
	Settings        Settings
	CheckoutBaseURL string
	Logger          *slog.Logger
}

// CallbackService handles the buyer coming back from the bank's hosted
// payment page.
type CallbackService struct {
	repo            RepositoryAPI
	orders          OrderProvider
	flow            CheckoutFlow
	gateway         GatewayClient
	reconciler      *Reconciler
	locker          Locker
	publisher       Publisher
	settings        Settings
	checkoutBaseURL string
	logger          *slog.Logger
}

func NewCallbackService(deps CallbackServiceDeps) *CallbackService {
	return &CallbackService{
		repo:            deps.Repo,
		orders:          deps.Orders,
		flow:            deps.Flow,
		gateway:         deps.Gateway,
		reconciler:      deps.Reconciler,
		locker:          deps.Locker,
		publisher:       deps.Publisher,
		settings:        deps.Settings,
		checkoutBaseURL: strings.TrimRight(deps.CheckoutBaseURL, "/"),
		logger:          deps.Logger,
	}
}

// Continuation resolves where the bank's return/cancel hit must be
// redirected to. It never mutates state and never calls the bank.
func (s *CallbackService) Continuation(ctx context.Context, kind CallbackKind, transactionID string) (*CallbackResult, error) {
	_, o, err := s.CheckAccess(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/checkout/%d/%s/payment/%s?%s=%s",
		s.checkoutBaseURL, o.ID, url.PathEscape(s.currentStep(o)), kind,
		paymentgateway.KeyTransID, url.QueryEscape(transactionID))

	return &CallbackResult{Kind: ResultRedirect, URL: target, OrderID: o.ID}, nil
}

// OnReturn reconciles the transaction with the bank. Gateway failures are
// reported to the buyer as notices; the buyer always moves to the next step.
func (s *CallbackService) OnReturn(ctx context.Context, transactionID string) (*CallbackResult, error) {
	p, o, err := s.CheckAccess(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.onReturn(ctx, p, o, transactionID)
}

// Resume handles the buyer arriving at the checkout continuation. The
// payment and order are resolved once and the transaction must belong to
// orderID.
func (s *CallbackService) Resume(ctx context.Context, kind CallbackKind, orderID int64, transactionID string) (*CallbackResult, error) {
	p, o, err := s.CheckAccess(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if o.ID != orderID {
		s.logger.Warn("transaction presented for a foreign order",
			"transaction_id", transactionID,
			"order_id", orderID,
			"payment_order_id", o.ID)
		return nil, internal.ErrOrderMismatch
	}

	if kind == CallbackCancel {
		return s.onCancel(ctx, p, o, transactionID)
	}
	return s.onReturn(ctx, p, o, transactionID)
}

func (s *CallbackService) onReturn(ctx context.Context, p *payment.Payment, o *order.Order, transactionID string) (*CallbackResult, error) {
	log := s.logger.With("transaction_id", transactionID, "order_id", o.ID, "payment_id", p.ID)
	res := &CallbackResult{Kind: ResultContinue, OrderID: o.ID, Step: s.flow.NextStep(s.currentStep(o))}

	lease, err := s.locker.TryLock(ctx, lock.TransactionKey(transactionID))
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		log.Info("transaction is being reconciled elsewhere, skipping")
		res.Notices = []Notice{pendingNotice()}
		return res, nil
	case err != nil:
		log.Warn("lock unavailable, relying on conditional updates", "error", err)
	default:
		defer s.release(ctx, log, lease)
	}

	result, err := s.gateway.QueryResult(ctx, transactionID, o.IPAddress)
	if err != nil {
		log.Error("failed to query transaction result", "error", err)
		res.Notices = []Notice{gatewayErrorNotice()}
		return res, nil
	}

	out, err := s.reconciler.Reconcile(ctx, p, result, s.settings.Intent)
	if err != nil {
		log.Error("reconciliation failed", "error", err)
		res.Notices = []Notice{gatewayErrorNotice()}
		return res, nil
	}

	res.Outcome = &out
	res.Notices = append(res.Notices, out.Notices...)
	if out.Action == ActionVoided {
		log.Error("payment failed", "remote_status", out.RemoteStatus, "remote_code", out.RemoteCode)
		res.Notices = append(res.Notices, gatewayErrorNotice())
	}
	return res, nil
}

// OnCancel drops the payment without asking the bank and sends the buyer
// back one step. Payments the bank already settled are kept.
func (s *CallbackService) OnCancel(ctx context.Context, transactionID string) (*CallbackResult, error) {
	p, o, err := s.CheckAccess(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.onCancel(ctx, p, o, transactionID)
}

func (s *CallbackService) onCancel(ctx context.Context, p *payment.Payment, o *order.Order, transactionID string) (*CallbackResult, error) {
	log := s.logger.With("transaction_id", transactionID, "order_id", o.ID, "payment_id", p.ID)
	res := &CallbackResult{Kind: ResultContinue, OrderID: o.ID, Step: s.flow.PreviousStep(s.currentStep(o))}

	if !p.State.Unresolved() {
		log.Error("cancel received for a resolved payment, needs manual review", "state", p.State, "remote_state", p.RemoteState)
		return res, nil
	}

	log.Info("voided payment on buyer cancel", "state", p.State)
	err := s.repo.Delete(ctx, p.ID, p.State)
	switch {
	case errors.Is(err, internal.ErrStaleState), errors.Is(err, internal.ErrPaymentNotFound):
		log.Info("payment changed concurrently, cancel ignored")
		return res, nil
	case err != nil:
		return nil, err
	}

	if s.publisher != nil {
		event := events.NewPaymentStateChangedEvent(events.EventTypePaymentVoided, changeOf(p, p.State, "", p.RemoteState))
		if perr := s.publisher.Publish(ctx, event); perr != nil {
			log.Error("failed to publish payment event", "error", perr)
		}
	}
	return res, nil
}

// CheckAccess attributes a callback to its payment and order, rejecting
// callbacks without a transaction id and those for canceled or empty orders.
func (s *CallbackService) CheckAccess(ctx context.Context, transactionID string) (*payment.Payment, *order.Order, error) {
	if strings.TrimSpace(transactionID) == "" {
		s.logger.Info("return url access without providing transaction id")
		return nil, nil, internal.ErrMissingTransactionID
	}

	p, err := s.repo.GetByRemoteID(ctx, transactionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to locate payment for transaction %s: %w", transactionID, err)
	}

	o, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order %d: %w", p.OrderID, err)
	}

	if o.State == order.StateCanceled {
		s.logger.Info("return url access for a canceled order", "transaction_id", transactionID, "order_id", o.ID)
		return nil, nil, internal.ErrOrderCanceled
	}
	if o.ItemCount <= 0 {
		s.logger.Info("return url access for an order without items", "transaction_id", transactionID, "order_id", o.ID)
		return nil, nil, internal.ErrOrderEmpty
	}

	return p, o, nil
}

func (s *CallbackService) currentStep(o *order.Order) string {
	if o.CheckoutStep != "" {
		return o.CheckoutStep
	}
	return s.flow.PaymentStep()
}

func (s *CallbackService) release(ctx context.Context, log *slog.Logger, lease lock.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		log.Warn("failed to release transaction lock", "key", lease.Key(), "error", err)
	}
}
