package order

import (
	"context"
	"log/slog"

	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
)

type RepositoryAPI interface {
	GetByID(ctx context.Context, id int64) (*order.Order, error)
	Create(ctx context.Context, o *order.Order) error
}

// Service is the read side of the hosting shop's orders. Lookups return
// internal.ErrOrderNotFound for unknown ids.
type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*order.Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Debug("order lookup failed", "order_id", id, "error", err)
		return nil, err
	}
	return o, nil
}
