package payment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/pkg/logger"
)

// Reconciler maps a remote transaction result onto the local payment record.
// Every write is conditional on the state the payment was loaded in, so a
// concurrent reconciler that lost the race ends up with ActionAlreadyResolved.
type Reconciler struct {
	repo      RepositoryAPI
	publisher Publisher
	logger    *slog.Logger
}

func NewReconciler(repo RepositoryAPI, publisher Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, p *payment.Payment, result *paymentgateway.RemoteResult, intent Intent) (Outcome, error) {
	if result == nil {
		return Outcome{}, &paymentgateway.GatewayError{Op: "result", Message: "empty response"}
	}
	if result.Error != "" {
		return Outcome{}, &paymentgateway.GatewayError{Op: "result", Message: result.Error, Raw: result.Raw}
	}

	log := r.log(ctx).With(
		"transaction_id", p.RemoteID,
		"order_id", p.OrderID,
		"payment_id", p.ID,
		"remote_status", result.Result)

	out := Outcome{RemoteStatus: result.Result, RemoteCode: result.ResultCode}

	switch {
	case result.Result == paymentgateway.ResultOK:
		return r.applyOK(ctx, log, p, result, intent, out)
	case result.Result == paymentgateway.ResultPending:
		return r.applyPending(ctx, log, p, out)
	case paymentgateway.IsTerminalFailure(result.Result):
		return r.applyFailure(ctx, log, p, result, out)
	case result.Result == paymentgateway.ResultCreated:
		log.Debug("transaction registered but not yet resolved")
		out.Action = ActionUnchanged
		out.Notices = []Notice{pendingNotice()}
		return out, nil
	default:
		log.Warn("unrecognized remote status, awaiting resolution", "data", result.Raw)
		out.Action = ActionUnrecognized
		out.Notices = []Notice{pendingNotice()}
		return out, nil
	}
}

func (r *Reconciler) applyOK(ctx context.Context, log *slog.Logger, p *payment.Payment, result *paymentgateway.RemoteResult, intent Intent, out Outcome) (Outcome, error) {
	out.Notices = []Notice{successNotice()}

	if !p.State.Unresolved() {
		log.Info("payment already resolved", "state", p.State)
		out.Action = ActionAlreadyResolved
		return out, nil
	}

	from, to := p.State, intent.ResolvedState()
	err := r.repo.TransitionState(ctx, p.ID, Transition{From: from, To: to, RemoteState: result.Result})
	if errors.Is(err, internal.ErrStaleState) {
		log.Info("payment resolved concurrently", "state", from)
		out.Action = ActionAlreadyResolved
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	p.State, p.RemoteState = to, result.Result
	out.Changed = true

	eventType := events.EventTypePaymentCompleted
	out.Action = ActionCompleted
	msg := "completed payment"
	if to == payment.StateAuthorization {
		eventType = events.EventTypePaymentAuthorized
		out.Action = ActionAuthorized
		msg = "completed authorization payment"
	}
	log.Info(msg, "data", result.Raw)
	r.publish(ctx, eventType, changeOf(p, from, to, result.Result))

	return out, nil
}

func (r *Reconciler) applyPending(ctx context.Context, log *slog.Logger, p *payment.Payment, out Outcome) (Outcome, error) {
	out.Notices = []Notice{pendingNotice()}

	switch p.State {
	case payment.StatePending:
		out.Action = ActionPending
		return out, nil
	case payment.StateNew:
	default:
		log.Warn("pending result for resolved payment ignored", "state", p.State)
		out.Action = ActionAlreadyResolved
		return out, nil
	}

	err := r.repo.TransitionState(ctx, p.ID, Transition{
		From:        payment.StateNew,
		To:          payment.StatePending,
		RemoteState: paymentgateway.ResultPending,
	})
	if errors.Is(err, internal.ErrStaleState) {
		log.Info("payment changed concurrently while marking pending")
		out.Action = ActionAlreadyResolved
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	p.State, p.RemoteState = payment.StatePending, paymentgateway.ResultPending
	out.Action = ActionPending
	out.Changed = true
	r.publish(ctx, events.EventTypePaymentPending, changeOf(p, payment.StateNew, payment.StatePending, paymentgateway.ResultPending))
	return out, nil
}

func (r *Reconciler) applyFailure(ctx context.Context, log *slog.Logger, p *payment.Payment, result *paymentgateway.RemoteResult, out Outcome) (Outcome, error) {
	if !p.State.Unresolved() {
		log.Error("terminal remote status for resolved payment, manual review needed",
			"state", p.State, "result_code", result.ResultCode, "data", result.Raw)
		out.Action = ActionAlreadyResolved
		return out, nil
	}

	out.Notices = []Notice{cancelledNotice(result.Result)}

	err := r.repo.Delete(ctx, p.ID, p.State)
	if errors.Is(err, internal.ErrStaleState) || errors.Is(err, internal.ErrPaymentNotFound) {
		log.Info("payment changed concurrently while voiding")
		out.Action = ActionAlreadyResolved
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	log.Error("voided payment",
		"result_code", result.ResultCode,
		"data", result.Raw)

	out.Action = ActionVoided
	out.Changed = true
	r.publish(ctx, events.EventTypePaymentVoided, changeOf(p, p.State, "", result.Result))
	return out, nil
}

func (r *Reconciler) publish(ctx context.Context, eventType string, change events.PaymentChange) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, events.NewPaymentStateChangedEvent(eventType, change)); err != nil {
		r.log(ctx).Error("failed to publish payment event", "event_type", eventType, "payment_id", change.PaymentID, "error", err)
	}
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logger.From(ctx)
}
