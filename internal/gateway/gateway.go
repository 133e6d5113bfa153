// Package gateway defines the payment gateway boundary. The engine only
// ever sees this interface; concrete processors register through the
// Registry and are resolved by name from the payment source.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Status is the gateway-reported outcome of a charge or status poll.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// ChargeRequest describes one charge attempt. Amount is integer minor
// units in Currency. CorrelationID ties the gateway call back to the
// InitiatedCharge audit row.
type ChargeRequest struct {
	Amount        int64
	Currency      string
	CorrelationID string
	CustomerRef   string
	Metadata      map[string]string
}

// PaymentMethod is a raw, single-use instrument (token from a checkout
// form), as opposed to a stored payment source.
type PaymentMethod struct {
	Kind  string
	Token string
}

// ChargeResult is the gateway's answer to a charge call. Pending is a
// successful charge creation that has not yet settled.
type ChargeResult struct {
	GatewayID string
	Status    Status
	Message   string
}

// RefundResult reports a refund call.
type RefundResult struct {
	RefundID string
	Status   Status
	Message  string
}

// Gateway is one payment processor.
type Gateway interface {
	Name() string

	// Charge charges a raw payment method.
	Charge(ctx context.Context, method PaymentMethod, req ChargeRequest) (ChargeResult, error)

	// ChargeSource charges a stored source reference.
	ChargeSource(ctx context.Context, sourceRef string, req ChargeRequest) (ChargeResult, error)

	// TransactionStatus polls the current status of an earlier charge.
	TransactionStatus(ctx context.Context, gatewayID string) (Status, string, error)

	// Refund returns amount minor units of an earlier charge.
	Refund(ctx context.Context, gatewayID string, amount int64, currency string) (RefundResult, error)

	// SupportsCurrency reports whether the processor accepts the currency.
	SupportsCurrency(currency string) bool

	// MinimumAmount is the smallest chargeable amount in minor units for
	// the currency.
	MinimumAmount(currency string) int64
}

var ErrGatewayNotFound = errors.New("payment gateway not registered")

// ChargeError wraps a raw gateway failure. It is fully recoverable:
// the caller rolls back in-flight audit state and may retry later.
type ChargeError struct {
	Gateway string
	Message string
	Err     error
}

func (e *ChargeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s", e.Gateway, e.Message)
	}
	return fmt.Sprintf("gateway %s: charge failed", e.Gateway)
}

func (e *ChargeError) Unwrap() error { return e.Err }
