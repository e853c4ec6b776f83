package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maibank/checkout-reconciler/internal/core/datamodel/order"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
	"github.com/maibank/checkout-reconciler/internal/core/events"
	"github.com/maibank/checkout-reconciler/internal/lock"
)

type Intent string

const (
	IntentAuthorize Intent = "authorize"
	IntentCapture   Intent = "capture"
)

func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentAuthorize, IntentCapture:
		return Intent(s), nil
	}
	return "", fmt.Errorf("unknown payment intent %q", s)
}

// Mode is the registration mode the bank expects for this intent.
func (i Intent) Mode() paymentgateway.Mode {
	if i == IntentAuthorize {
		return paymentgateway.ModeDMS
	}
	return paymentgateway.ModeSMS
}

// ResolvedState is the local state an OK result moves a payment to.
func (i Intent) ResolvedState() payment.State {
	if i == IntentAuthorize {
		return payment.StateAuthorization
	}
	return payment.StateCompleted
}

type Settings struct {
	Intent       Intent
	DebugLogging bool
	DebugLogPath string
}

// GatewayClient is the bank ECOMM surface the reconciler depends on.
type GatewayClient interface {
	Register(ctx context.Context, req *paymentgateway.RegisterRequest) (*paymentgateway.RegisterResponse, error)
	QueryResult(ctx context.Context, transactionID, clientIP string) (*paymentgateway.RemoteResult, error)
	Capture(ctx context.Context, req *paymentgateway.CaptureRequest) (*paymentgateway.RemoteResult, error)
	Reverse(ctx context.Context, transactionID string, amount decimal.Decimal) (*paymentgateway.RemoteResult, error)
}

// Transition is a conditional update: it only applies while the stored
// payment is still in From.
type Transition struct {
	From           payment.State
	To             payment.State
	RemoteState    string
	Amount         *decimal.Decimal
	RefundedAmount *decimal.Decimal
}

// RepositoryAPI is the payment store. TransitionState and Delete return
// internal.ErrStaleState when the precondition no longer holds, and lookups
// return internal.ErrPaymentNotFound.
type RepositoryAPI interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id string) (*payment.Payment, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*payment.Payment, error)
	TransitionState(ctx context.Context, id string, t Transition) error
	Delete(ctx context.Context, id string, from payment.State) error
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*payment.Payment, error)
}

type OrderProvider interface {
	GetOrder(ctx context.Context, id int64) (*order.Order, error)
}

type CheckoutFlow interface {
	PaymentStep() string
	NextStep(step string) string
	PreviousStep(step string) string
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Locker interface {
	TryLock(ctx context.Context, key string) (lock.Lease, error)
}

type QueueItem struct {
	ID        int64
	PaymentID string
	Attempts  int
}

// Queue is the durable stalled-payment work queue. Claimed items stay
// invisible to other workers until Ack or lease expiry; Release makes an
// item visible again after delay.
type Queue interface {
	Enqueue(ctx context.Context, paymentIDs ...string) (int, error)
	Claim(ctx context.Context, limit int, lease time.Duration) ([]QueueItem, error)
	Ack(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64, delay time.Duration) error
}

type NoticeLevel string

const (
	NoticeStatus NoticeLevel = "status"
	NoticeError  NoticeLevel = "error"
)

// Notice is a message shown to the buyer on the next checkout page.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}

const (
	msgSuccess      = "Your transaction was successful."
	msgPending      = "Your transaction is still in pending process. Please check its status later."
	msgCancelledFmt = "Your transaction was cancelled. Remote status: %s"
	msgGatewayError = "Payment failed at the payment server. Please review your information and try again."
)

func successNotice() Notice { return Notice{Level: NoticeStatus, Text: msgSuccess} }
func pendingNotice() Notice { return Notice{Level: NoticeStatus, Text: msgPending} }
func gatewayErrorNotice() Notice {
	return Notice{Level: NoticeError, Text: msgGatewayError}
}
func cancelledNotice(status string) Notice {
	return Notice{Level: NoticeError, Text: fmt.Sprintf(msgCancelledFmt, status)}
}

type Action string

const (
	ActionAuthorized      Action = "authorized"
	ActionCompleted       Action = "completed"
	ActionPending         Action = "pending"
	ActionVoided          Action = "voided"
	ActionUnchanged       Action = "unchanged"
	ActionAlreadyResolved Action = "already_resolved"
	ActionUnrecognized    Action = "unrecognized"
)

// Outcome describes what one reconciliation did. Changed is true only when
// the store was actually mutated by this call.
type Outcome struct {
	Action       Action
	Changed      bool
	RemoteStatus string
	RemoteCode   string
	Notices      []Notice
}

// View is the admin representation of a payment.
type View struct {
	ID             string    `json:"id"`
	OrderID        int64     `json:"order_id"`
	TransactionID  string    `json:"transaction_id"`
	Amount         string    `json:"amount"`
	RefundedAmount string    `json:"refunded_amount"`
	Currency       string    `json:"currency"`
	State          string    `json:"state"`
	RemoteState    string    `json:"remote_state"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func ToView(p *payment.Payment) View {
	return View{
		ID:             p.ID,
		OrderID:        p.OrderID,
		TransactionID:  p.RemoteID,
		Amount:         p.Amount.StringFixed(2),
		RefundedAmount: p.RefundedAmount.StringFixed(2),
		Currency:       p.Currency,
		State:          string(p.State),
		RemoteState:    p.RemoteState,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func changeOf(p *payment.Payment, from, to payment.State, remoteState string) events.PaymentChange {
	return events.PaymentChange{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TransactionID: p.RemoteID,
		FromState:     string(from),
		ToState:       string(to),
		RemoteState:   remoteState,
		Amount:        p.Amount.StringFixed(2),
		Currency:      p.Currency,
	}
}
