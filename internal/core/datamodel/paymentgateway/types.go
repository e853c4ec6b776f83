package paymentgateway

import (
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
)

// Keys of the ECOMM key/value responses and the buyer return form.
const (
	KeyTransID       = "trans_id"
	KeyTransactionID = "TRANSACTION_ID"
	KeyResult        = "RESULT"
	KeyResultCode    = "RESULT_CODE"
	KeyError         = "error"
)

// Remote result vocabulary. Comparisons are exact and case sensitive.
const (
	ResultOK           = "OK"
	ResultFailed       = "FAILED"
	ResultCreated      = "CREATED"
	ResultPending      = "PENDING"
	ResultDeclined     = "DECLINED"
	ResultReversed     = "REVERSED"
	ResultAutoReversed = "AUTOREVERSED"
	ResultTimeout      = "TIMEOUT"
)

// IsTerminalFailure reports whether status means the transaction will never
// succeed.
func IsTerminalFailure(status string) bool {
	switch status {
	case ResultFailed, ResultDeclined, ResultReversed, ResultAutoReversed, ResultTimeout:
		return true
	}
	return false
}

type Mode string

const (
	// ModeSMS registers a single message transaction, captured immediately.
	ModeSMS Mode = "sms"
	// ModeDMS registers a dual message transaction, authorized now and
	// completed later.
	ModeDMS Mode = "dms"
)

// RemoteResult is the outcome of a transaction status query or of a
// capture/reverse call.
type RemoteResult struct {
	Result     string
	ResultCode string
	Error      string
	Raw        map[string]string
}

// NewRemoteResult builds a result out of a raw key/value payload.
func NewRemoteResult(raw map[string]string) *RemoteResult {
	if raw == nil {
		raw = map[string]string{}
	}
	return &RemoteResult{
		Result:     raw[KeyResult],
		ResultCode: raw[KeyResultCode],
		Error:      raw[KeyError],
		Raw:        raw,
	}
}

type RegisterRequest struct {
	Amount       decimal.Decimal
	CurrencyCode int
	ClientIP     string
	Description  string
	Language     string
	Mode         Mode
}

func (r *RegisterRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if r.CurrencyCode <= 0 {
		return errors.New("currency code is required")
	}
	if net.ParseIP(r.ClientIP) == nil {
		return fmt.Errorf("invalid client ip %q", r.ClientIP)
	}
	if r.Mode != ModeSMS && r.Mode != ModeDMS {
		return fmt.Errorf("unknown registration mode %q", r.Mode)
	}
	return nil
}

type RegisterResponse struct {
	TransactionID string
	Error         string
	Raw           map[string]string
}

// CaptureRequest completes a previously authorized DMS transaction.
type CaptureRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	CurrencyCode  int
	ClientIP      string
	Description   string
	Language      string
}

// GatewayError is returned when the bank cannot be reached, answers with an
// error field, or rejects an operation. Raw carries the payload, if any.
type GatewayError struct {
	Op      string
	Message string
	Raw     map[string]string
	Cause   error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("MAIB error: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("MAIB %s error: %s", e.Op, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

func IsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
