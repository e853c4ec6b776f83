package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	orderpkg "github.com/maibank/checkout-reconciler/internal/order"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

var _ orderpkg.RepositoryAPI = (*OrderRepository)(nil)

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	var o order.Order
	err := r.db.WithContext(ctx).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.db.WithContext(ctx).Create(o).Error
}
