package paymentgateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gw "github.com/maibank/checkout-reconciler/internal/core/datamodel/paymentgateway"
)

// Gateway is the ECOMM surface, mirrored here so decorators do not depend on
// the payment package.
type Gateway interface {
	Register(ctx context.Context, req *gw.RegisterRequest) (*gw.RegisterResponse, error)
	QueryResult(ctx context.Context, transactionID, clientIP string) (*gw.RemoteResult, error)
	Capture(ctx context.Context, req *gw.CaptureRequest) (*gw.RemoteResult, error)
	Reverse(ctx context.Context, transactionID string, amount decimal.Decimal) (*gw.RemoteResult, error)
}

var _ Gateway = (*Client)(nil)

// DebugClient logs every request and response exchanged with the host.
type DebugClient struct {
	next   Gateway
	logger *slog.Logger
}

func NewDebugClient(next Gateway, logger *slog.Logger) *DebugClient {
	return &DebugClient{next: next, logger: logger}
}

func (d *DebugClient) Register(ctx context.Context, req *gw.RegisterRequest) (*gw.RegisterResponse, error) {
	start := time.Now()
	resp, err := d.next.Register(ctx, req)

	attrs := []any{
		"op", "register",
		"amount", req.Amount.StringFixed(2),
		"currency", req.CurrencyCode,
		"client_ip", req.ClientIP,
		"description", req.Description,
		"language", req.Language,
		"mode", req.Mode,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if resp != nil {
		attrs = append(attrs, "response", resp.Raw)
	}
	d.log(err, attrs...)
	return resp, err
}

func (d *DebugClient) QueryResult(ctx context.Context, transactionID, clientIP string) (*gw.RemoteResult, error) {
	start := time.Now()
	res, err := d.next.QueryResult(ctx, transactionID, clientIP)
	d.log(err, d.resultAttrs("result", transactionID, start, res, "client_ip", clientIP)...)
	return res, err
}

func (d *DebugClient) Capture(ctx context.Context, req *gw.CaptureRequest) (*gw.RemoteResult, error) {
	start := time.Now()
	res, err := d.next.Capture(ctx, req)
	d.log(err, d.resultAttrs("capture", req.TransactionID, start, res,
		"amount", req.Amount.StringFixed(2),
		"currency", req.CurrencyCode)...)
	return res, err
}

func (d *DebugClient) Reverse(ctx context.Context, transactionID string, amount decimal.Decimal) (*gw.RemoteResult, error) {
	start := time.Now()
	res, err := d.next.Reverse(ctx, transactionID, amount)
	d.log(err, d.resultAttrs("reverse", transactionID, start, res, "amount", amount.StringFixed(2))...)
	return res, err
}

func (d *DebugClient) resultAttrs(op, transactionID string, start time.Time, res *gw.RemoteResult, extra ...any) []any {
	attrs := append([]any{
		"op", op,
		"transaction_id", transactionID,
		"duration_ms", time.Since(start).Milliseconds(),
	}, extra...)
	if res != nil {
		attrs = append(attrs, "response", res.Raw)
	}
	return attrs
}

func (d *DebugClient) log(err error, attrs ...any) {
	if err != nil {
		d.logger.Error("gateway call failed", append(attrs, "error", err)...)
		return
	}
	d.logger.Debug("gateway call", attrs...)
}
