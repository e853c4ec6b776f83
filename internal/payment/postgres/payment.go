package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	paymentpkg "github.com/maibank/checkout-reconciler/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByRemoteID(ctx context.Context, remoteID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("remote_id = ?", remoteID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionState updates the payment only while it is still in t.From.
func (r *PaymentRepository) TransitionState(ctx context.Context, id string, t paymentpkg.Transition) error {
	updates := map[string]interface{}{
		"state":        t.To,
		"remote_state": t.RemoteState,
		"updated_at":   time.Now().UTC(),
	}
	if t.Amount != nil {
		updates["amount"] = *t.Amount
	}
	if t.RefundedAmount != nil {
		updates["refunded_amount"] = *t.RefundedAmount
	}

	res := r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("id = ? AND state = ?", id, t.From).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update payment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrStale(ctx, id)
	}
	return nil
}

// Delete removes the payment only while it is still in from.
func (r *PaymentRepository) Delete(ctx context.Context, id string, from payment.State) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND state = ?", id, from).
		Delete(&payment.Payment{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete payment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missOrStale(ctx, id)
	}
	return nil
}

// ListStalled returns unresolved payments last touched before updatedBefore,
// oldest first.
func (r *PaymentRepository) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	q := r.db.WithContext(ctx).
		Where("state IN ?", []string{string(payment.StateNew), string(payment.StatePending)}).
		Where("updated_at < ?", updatedBefore.UTC()).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) missOrStale(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&payment.Payment{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return internal.ErrPaymentNotFound
	}
	return internal.ErrStaleState
}
