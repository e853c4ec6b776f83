package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/lock"
)

type SweeperSettings struct {
	Interval     time.Duration
	StalledAfter time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
}

type SweeperDeps struct {
	Repo       RepositoryAPI
	Orders     OrderProvider
	Gateway    GatewayClient
	Reconciler *Reconciler
	Locker     Locker
	Queue      Queue
	Settings   Settings
	Sweep      SweeperSettings
	Logger     *slog.Logger
}

// Sweeper resolves payments whose return callback never arrived by polling
// the bank for their result.
type Sweeper struct {
	repo       RepositoryAPI
	orders     OrderProvider
	gateway    GatewayClient
	reconciler *Reconciler
	locker     Locker
	queue      Queue
	settings   Settings
	sweep      SweeperSettings
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(deps SweeperDeps) *Sweeper {
	sweep := deps.Sweep
	if sweep.BatchSize <= 0 {
		sweep.BatchSize = 50
	}
	if sweep.LeaseTTL <= 0 {
		sweep.LeaseTTL = 2 * time.Minute
	}
	if sweep.Interval <= 0 {
		sweep.Interval = time.Minute
	}
	return &Sweeper{
		repo:       deps.Repo,
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		reconciler: deps.Reconciler,
		locker:     deps.Locker,
		queue:      deps.Queue,
		settings:   deps.Settings,
		sweep:      sweep,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// ProcessItem reconciles one queued payment. A nil outcome means the item
// was skipped. Errors are store failures worth a redelivery; bank failures
// are logged and swallowed, the payment stays stalled and is picked up by a
// later cycle.
func (s *Sweeper) ProcessItem(ctx context.Context, paymentID string) (*Outcome, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if errors.Is(err, internal.ErrPaymentNotFound) {
		s.logger.Debug("stalled payment no longer exists", "payment_id", paymentID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", paymentID, err)
	}

	if !p.State.Unresolved() {
		s.logger.Debug("payment already resolved, skipping", "payment_id", p.ID, "state", p.State)
		return nil, nil
	}

	log := s.logger.With("transaction_id", p.RemoteID, "order_id", p.OrderID, "payment_id", p.ID)

	lease, err := s.locker.TryLock(ctx, lock.TransactionKey(p.RemoteID))
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		log.Info("transaction is being reconciled elsewhere, skipping")
		return nil, nil
	case err != nil:
		log.Warn("lock unavailable, relying on conditional updates", "error", err)
	default:
		defer func() {
			if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn("failed to release transaction lock", "error", rerr)
			}
		}()
	}

	o, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		log.Error("failed to load order of stalled payment", "error", err)
		return nil, nil
	}

	result, err := s.gateway.QueryResult(ctx, p.RemoteID, o.IPAddress)
	if err != nil {
		log.Error("failed to query stalled transaction", "error", err)
		return nil, nil
	}
	if result.Error != "" {
		log.Error("bank returned an error for stalled transaction", "error", result.Error, "data", result.Raw)
		return nil, nil
	}

	log = log.With("remote_status", result.Result)

	if result.Result == paymentgateway.ResultCreated || result.Result == paymentgateway.ResultPending {
		log.Debug("stalled transaction still unresolved, retrying next cycle")
		return &Outcome{Action: ActionUnchanged, RemoteStatus: result.Result, RemoteCode: result.ResultCode}, nil
	}

	out, err := s.reconciler.Reconcile(ctx, p, result, s.settings.Intent)
	if err != nil {
		return nil, err
	}

	switch out.Action {
	case ActionVoided:
		log.Warn("voided stalled payment", "remote_code", result.ResultCode)
	case ActionCompleted, ActionAuthorized:
		log.Info("completed stalled payment", "state", p.State)
	case ActionUnrecognized:
		log.Error("unknown remote status for stalled payment", "data", result.Raw)
	}

	return &out, nil
}

// EnqueueStalled queues every unresolved payment not touched for the
// configured stall window.
func (s *Sweeper) EnqueueStalled(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.sweep.StalledAfter)
	stalled, err := s.repo.ListStalled(ctx, cutoff, s.sweep.BatchSize*10)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled payments: %w", err)
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stalled))
	for _, p := range stalled {
		ids = append(ids, p.ID)
	}

	n, err := s.queue.Enqueue(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue stalled payments: %w", err)
	}

	s.logger.Info("stalled payments enqueued", "found", len(ids), "enqueued", n)
	return n, nil
}

// Drain processes queued items one at a time until the queue has nothing
// claimable left.
func (s *Sweeper) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		items, err := s.queue.Claim(ctx, s.sweep.BatchSize, s.sweep.LeaseTTL)
		if err != nil {
			return processed, fmt.Errorf("failed to claim queue items: %w", err)
		}
		if len(items) == 0 {
			return processed, nil
		}

		for _, item := range items {
			if _, err := s.ProcessItem(ctx, item.PaymentID); err != nil {
				s.logger.Error("failed to process stalled payment, will retry",
					"payment_id", item.PaymentID,
					"attempts", item.Attempts,
					"error", err)
				if rerr := s.queue.Release(ctx, item.ID, s.sweep.Interval); rerr != nil {
					s.logger.Error("failed to release queue item", "item_id", item.ID, "error", rerr)
				}
				continue
			}
			if err := s.queue.Ack(ctx, item.ID); err != nil {
				s.logger.Error("failed to ack queue item", "item_id", item.ID, "error", err)
			}
			processed++
		}
	}
}

// RunOnce is a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if _, err := s.EnqueueStalled(ctx); err != nil {
		return err
	}
	n, err := s.Drain(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("sweep cycle finished", "processed", n)
	return nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("stalled payment sweeper started",
		"interval", s.sweep.Interval,
		"stalled_after", s.sweep.StalledAfter,
		"batch_size", s.sweep.BatchSize)

	ticker := time.NewTicker(s.sweep.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("stalled payment sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
