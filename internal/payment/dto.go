package payment

import (
	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal/core/common/validation"
)

// AmountRequest is the body of capture and refund calls. A missing amount
// means the full payment amount.
type AmountRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

func (r *AmountRequest) Validate() error {
	if appErr := validation.ValidateAmount("amount", r.Amount); appErr != nil {
		return appErr
	}
	return nil
}

type OperationResponse struct {
	Status  string `json:"status"`
	Payment *View  `json:"payment,omitempty"`
}
