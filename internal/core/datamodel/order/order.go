package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateDraft     State = "draft"
	StatePlaced    State = "placed"
	StateCompleted State = "completed"
	StateCanceled  State = "canceled"
)

type Order struct {
	ID           int64           `gorm:"primaryKey"`
	State        State           `gorm:"column:state;size:32;not null;default:draft"`
	IPAddress    string          `gorm:"column:ip_address;size:45"`
	Balance      decimal.Decimal `gorm:"column:balance;type:numeric(12,2);not null"`
	Currency     string          `gorm:"column:currency;size:3;not null"`
	ItemCount    int             `gorm:"column:item_count;not null"`
	CheckoutStep string          `gorm:"column:checkout_step;size:64"`
	Language     string          `gorm:"column:language;size:8"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
