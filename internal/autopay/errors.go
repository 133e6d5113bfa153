package autopay

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Ineligibility reasons, one distinct message per failed check so
// operators can tell from the error alone why an invoice was skipped.
const (
	ReasonAutoPayDisabled     = "auto pay is disabled"
	ReasonInvoiceClosed       = "invoice is closed"
	ReasonInvoiceVoided       = "invoice is voided"
	ReasonInvoicePaid         = "invoice is already paid"
	ReasonInvoiceDraft        = "invoice is a draft"
	ReasonPlanNotActive       = "payment plan is not active"
	ReasonNoPaymentSource     = "customer has no payment source on file"
	ReasonSourceUnverified    = "payment source is not verified"
	ReasonPendingTransaction  = "a pending transaction already exists for the invoice"
	ReasonUnsupportedCurrency = "invoice currency is not supported by the gateway"
	ReasonAmountTooSmall      = "amount due is below the gateway minimum"
	ReasonNothingDue          = "nothing is currently due"
)

// IneligibleError reports that an invoice failed a collection
// eligibility check. It is an expected outcome, not a fault; batch
// collection logs and skips it.
type IneligibleError struct {
	InvoiceID snowflake.ID
	Reason    string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("invoice %d is ineligible for collection: %s", e.InvoiceID, e.Reason)
}

func ineligible(invoiceID snowflake.ID, reason string) error {
	return &IneligibleError{InvoiceID: invoiceID, Reason: reason}
}

// IsIneligible reports whether err is an eligibility rejection.
func IsIneligible(err error) bool {
	var ie *IneligibleError
	return errors.As(err, &ie)
}

// errStaleClaim marks a batch claim that another worker resolved
// between the claim and the charge.
var errStaleClaim = errors.New("collection claim is stale")
