package domain

import "errors"

var (
	// ErrDuplicatePaymentAttempt is returned when the per-target mutex is
	// held or InitiatedCharge audit rows already exist for the target.
	ErrDuplicatePaymentAttempt = errors.New("duplicate payment attempt in progress")

	// ErrReconciliationFailed marks the one failure mode that must never
	// be retried blindly: the gateway moved money but local persistence
	// failed. Callers surface it verbatim.
	ErrReconciliationFailed = errors.New("payment was processed but could not be saved; do not retry")

	ErrEmptyApplication         = errors.New("charge application is empty")
	ErrInvalidApplicationKind   = errors.New("invalid application target kind")
	ErrInvalidApplicationTarget = errors.New("application target id is required")
	ErrInvalidApplicationAmount = errors.New("application amount must be positive")
	ErrApplicationTotalMismatch = errors.New("application total does not match payment amount")

	// ErrMissingOrg is returned when a request carries no org ID and the
	// context has none either.
	ErrMissingOrg = errors.New("organization id is required")

	ErrChargeNotFound        = errors.New("charge not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPaymentSourceNotFound = errors.New("payment source not found")

	ErrUnsupportedCurrency = errors.New("currency not supported by gateway and payment method")
	ErrAmountTooSmall      = errors.New("amount below the minimum chargeable unit for the currency")
)
