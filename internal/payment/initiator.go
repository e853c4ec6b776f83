package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/payment"
	"github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
)

// RedirectData is what the buyer's browser posts to the bank's hosted page.
type RedirectData struct {
	PaymentID     string            `json:"payment_id"`
	TransactionID string            `json:"transaction_id"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Fields        map[string]string `json:"fields"`
}

type InitiatorDeps struct {
	Repo            RepositoryAPI
	Orders          OrderProvider
	Gateway         GatewayClient
	Settings        Settings
	RedirectURL     string
	DefaultLanguage string
	Logger          *slog.Logger
}

// Initiator registers a transaction with the bank before the buyer is sent
// off-site.
type Initiator struct {
	repo            RepositoryAPI
	orders          OrderProvider
	gateway         GatewayClient
	settings        Settings
	redirectURL     string
	defaultLanguage string
	logger          *slog.Logger
	newID           func() string
}

func NewInitiator(deps InitiatorDeps) *Initiator {
	lang := deps.DefaultLanguage
	if lang == "" {
		lang = "en"
	}
	return &Initiator{
		repo:            deps.Repo,
		orders:          deps.Orders,
		gateway:         deps.Gateway,
		settings:        deps.Settings,
		redirectURL:     deps.RedirectURL,
		defaultLanguage: lang,
		logger:          deps.Logger,
		newID:           func() string { return uuid.NewString() },
	}
}

func (i *Initiator) Initiate(ctx context.Context, orderID int64) (*RedirectData, error) {
	o, err := i.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	currencyCode, err := CurrencyCode(o.Currency)
	if err != nil {
		return nil, internal.NewValidationError(err.Error(), internal.ErrCodeInvalidCurrency)
	}

	lang := strings.TrimSpace(o.Language)
	if lang == "" {
		lang = i.defaultLanguage
	}

	req := &paymentgateway.RegisterRequest{
		Amount:       o.Balance,
		CurrencyCode: currencyCode,
		ClientIP:     o.IPAddress,
		Description:  fmt.Sprintf("Order #%d", o.ID),
		Language:     lang,
		Mode:         i.settings.Intent.Mode(),
	}
	if err := req.Validate(); err != nil {
		return nil, internal.NewValidationError(err.Error(), internal.ErrCodeValidationFailed)
	}

	i.logger.Info("registering transaction",
		"order_id", o.ID,
		"amount", o.Balance.StringFixed(2),
		"currency", o.Currency,
		"mode", req.Mode)

	resp, err := i.gateway.Register(ctx, req)
	if err != nil {
		i.logger.Error("transaction registration failed", "order_id", o.ID, "error", err)
		return nil, err
	}
	if resp.Error != "" {
		i.logger.Error("bank rejected transaction registration", "order_id", o.ID, "error", resp.Error, "data", resp.Raw)
		return nil, &paymentgateway.GatewayError{Op: "register", Message: resp.Error, Raw: resp.Raw}
	}
	if strings.TrimSpace(resp.TransactionID) == "" {
		i.logger.Error("bank returned no transaction id", "order_id", o.ID, "data", resp.Raw)
		return nil, internal.ErrMissingTransactionID
	}

	p := &payment.Payment{
		ID:          i.newID(),
		OrderID:     o.ID,
		RemoteID:    resp.TransactionID,
		Amount:      o.Balance,
		Currency:    strings.ToUpper(o.Currency),
		State:       payment.StateNew,
		RemoteState: paymentgateway.ResultCreated,
	}
	if err := i.repo.Create(ctx, p); err != nil {
		i.logger.Error("failed to create payment record",
			"error", err,
			"order_id", o.ID,
			"transaction_id", resp.TransactionID)
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	i.logger.Info("payment record created",
		"payment_id", p.ID,
		"order_id", o.ID,
		"transaction_id", p.RemoteID)

	return &RedirectData{
		PaymentID:     p.ID,
		TransactionID: p.RemoteID,
		URL:           i.redirectURL,
		Method:        http.MethodPost,
		Fields:        map[string]string{paymentgateway.KeyTransID: p.RemoteID},
	}, nil
}
