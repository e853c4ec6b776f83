package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
)

// ServiceAPI is the admin surface over existing payments.
type ServiceAPI interface {
	GetPayment(ctx context.Context, id string) (*payment.Payment, error)
	Capture(ctx context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error)
	Void(ctx context.Context, id string) error
	Refund(ctx context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error)
}

type OperationsDeps struct {
	Repo            RepositoryAPI
	Orders          OrderProvider
	Gateway         GatewayClient
	Locker          Locker
	Publisher       Publisher
	DefaultLanguage string
	Logger          *slog.Logger
}

// Operations captures, voids and refunds payments the bank already
// confirmed. Gateway failures always propagate and leave the record as is.
type Operations struct {
	repo            RepositoryAPI
	orders          OrderProvider
	gateway         GatewayClient
	locker          Locker
	publisher       Publisher
	defaultLanguage string
	logger          *slog.Logger
}

var _ ServiceAPI = (*Operations)(nil)

func NewOperations(deps OperationsDeps) *Operations {
	lang := deps.DefaultLanguage
	if lang == "" {
		lang = "en"
	}
	return &Operations{
		repo:            deps.Repo,
		orders:          deps.Orders,
		gateway:         deps.Gateway,
		locker:          deps.Locker,
		publisher:       deps.Publisher,
		defaultLanguage: lang,
		logger:          deps.Logger,
	}
}

func (s *Operations) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

// Capture completes an authorized DMS transaction. A nil amount captures the
// full authorized amount.
func (s *Operations) Capture(ctx context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error) {
	p, release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if p.State != payment.StateAuthorization {
		return nil, s.invalidState("capture", p)
	}

	captured := p.Amount
	if amount != nil {
		captured = *amount
	}
	if !captured.IsPositive() || captured.GreaterThan(p.Amount) {
		return nil, internal.NewValidationError("capture amount must be positive and not exceed the authorized amount", internal.ErrCodeInvalidAmount)
	}

	o, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	currencyCode, err := CurrencyCode(p.Currency)
	if err != nil {
		return nil, internal.NewValidationError(err.Error(), internal.ErrCodeInvalidCurrency)
	}
	lang := o.Language
	if lang == "" {
		lang = s.defaultLanguage
	}

	result, err := s.gateway.Capture(ctx, &paymentgateway.CaptureRequest{
		TransactionID: p.RemoteID,
		Amount:        captured,
		CurrencyCode:  currencyCode,
		ClientIP:      o.IPAddress,
		Description:   fmt.Sprintf("Order #%d", o.ID),
		Language:      lang,
	})
	if err := checkOK("capture", result, err); err != nil {
		s.logger.Error("capture failed", "payment_id", p.ID, "transaction_id", p.RemoteID, "error", err)
		return nil, err
	}

	err = s.repo.TransitionState(ctx, p.ID, Transition{
		From:        payment.StateAuthorization,
		To:          payment.StateCompleted,
		RemoteState: result.Result,
		Amount:      &captured,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist captured payment %s: %w", p.ID, err)
	}

	p.State, p.RemoteState, p.Amount = payment.StateCompleted, result.Result, captured
	s.logger.Info("captured payment",
		"payment_id", p.ID,
		"transaction_id", p.RemoteID,
		"amount", captured.StringFixed(2),
		"data", result.Raw)
	s.publish(ctx, events.EventTypePaymentCaptured, changeOf(p, payment.StateAuthorization, payment.StateCompleted, result.Result))
	return p, nil
}

// Void reverses an authorization in full and drops the payment.
func (s *Operations) Void(ctx context.Context, id string) error {
	p, release, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if p.State != payment.StateAuthorization {
		return s.invalidState("void", p)
	}

	result, err := s.gateway.Reverse(ctx, p.RemoteID, p.Amount)
	if err := checkOK("reverse", result, err); err != nil {
		s.logger.Error("void failed", "payment_id", p.ID, "transaction_id", p.RemoteID, "error", err)
		return err
	}

	if err := s.repo.Delete(ctx, p.ID, payment.StateAuthorization); err != nil {
		return fmt.Errorf("failed to delete voided payment %s: %w", p.ID, err)
	}

	s.logger.Info("voided payment", "payment_id", p.ID, "transaction_id", p.RemoteID, "data", result.Raw)
	s.publish(ctx, events.EventTypePaymentVoided, changeOf(p, payment.StateAuthorization, "", result.Result))
	return nil
}

// Refund reverses a completed payment, fully when amount is nil.
func (s *Operations) Refund(ctx context.Context, id string, amount *decimal.Decimal) (*payment.Payment, error) {
	p, release, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if p.State != payment.StateCompleted {
		return nil, s.invalidState("refund", p)
	}

	refund := p.Amount
	if amount != nil {
		refund = *amount
	}
	if !refund.IsPositive() || refund.GreaterThan(p.Amount) {
		return nil, internal.ErrInvalidRefundAmount
	}

	result, err := s.gateway.Reverse(ctx, p.RemoteID, refund)
	if err := checkOK("reverse", result, err); err != nil {
		s.logger.Error("refund failed", "payment_id", p.ID, "transaction_id", p.RemoteID, "error", err)
		return nil, err
	}

	err = s.repo.TransitionState(ctx, p.ID, Transition{
		From:           payment.StateCompleted,
		To:             payment.StateRefunded,
		RemoteState:    result.Result,
		RefundedAmount: &refund,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist refunded payment %s: %w", p.ID, err)
	}

	p.State, p.RemoteState, p.RefundedAmount = payment.StateRefunded, result.Result, refund
	s.logger.Info("refunded payment",
		"payment_id", p.ID,
		"transaction_id", p.RemoteID,
		"amount", refund.StringFixed(2),
		"data", result.Raw)
	s.publish(ctx, events.EventTypePaymentRefunded, changeOf(p, payment.StateCompleted, payment.StateRefunded, result.Result))
	return p, nil
}

func (s *Operations) acquire(ctx context.Context, id string) (*payment.Payment, func(), error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	lease, err := s.locker.TryLock(ctx, lock.TransactionKey(p.RemoteID))
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, nil, internal.ErrTransactionLocked
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock transaction %s: %w", p.RemoteID, err)
	}

	release := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release transaction lock", "key", lease.Key(), "error", err)
		}
	}

	// Reload under the lock: a callback may have moved the payment meanwhile.
	p, err = s.repo.GetByID(ctx, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	return p, release, nil
}

func (s *Operations) invalidState(op string, p *payment.Payment) error {
	s.logger.Warn("operation not allowed in payment state", "operation", op, "payment_id", p.ID, "state", p.State)
	return internal.ErrInvalidPaymentState.WithDetails(map[string]string{"state": string(p.State), "operation": op})
}

func (s *Operations) publish(ctx context.Context, eventType string, change events.PaymentChange) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewPaymentStateChangedEvent(eventType, change)); err != nil {
		s.logger.Error("failed to publish payment event", "event_type", eventType, "payment_id", change.PaymentID, "error", err)
	}
}

func checkOK(op string, result *paymentgateway.RemoteResult, err error) error {
	if err != nil {
		if _, ok := paymentgateway.IsGatewayError(err); ok {
			return err
		}
		return &paymentgateway.GatewayError{Op: op, Message: "request failed", Cause: err}
	}
	if result == nil {
		return &paymentgateway.GatewayError{Op: op, Message: "empty response"}
	}
	if result.Error != "" {
		return &paymentgateway.GatewayError{Op: op, Message: result.Error, Raw: result.Raw}
	}
	if result.Result != paymentgateway.ResultOK {
		return &paymentgateway.GatewayError{Op: op, Message: fmt.Sprintf("unexpected result %q (code %s)", result.Result, result.ResultCode), Raw: result.Raw}
	}
	return nil
}
