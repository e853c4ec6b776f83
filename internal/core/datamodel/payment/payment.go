package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateNew           State = "new"
	StatePending       State = "pending"
	StateAuthorization State = "authorization"
	StateCompleted     State = "completed"
	StateRefunded      State = "refunded"
)

// Unresolved reports whether the bank has not yet confirmed the payment.
// Only unresolved payments are picked up by the sweeper.
func (s State) Unresolved() bool {
	return s == StateNew || s == StatePending
}

type Payment struct {
	ID             string          `gorm:"primaryKey;size:36"`
	OrderID        int64           `gorm:"column:order_id;not null;index"`
	RemoteID       string          `gorm:"column:remote_id;size:64;not null;uniqueIndex"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency       string          `gorm:"column:currency;size:3;not null"`
	RefundedAmount decimal.Decimal `gorm:"column:refunded_amount;type:numeric(12,2);not null"`
	State          State           `gorm:"column:state;size:32;not null;index"`
	RemoteState    string          `gorm:"column:remote_state;size:32"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
