package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ApplicationKind is the closed set of documents a payment can be
// applied to.
type ApplicationKind string

const (
	ApplicationKindInvoice        ApplicationKind = "INVOICE"
	ApplicationKindEstimate       ApplicationKind = "ESTIMATE"
	ApplicationKindCreditNote     ApplicationKind = "CREDIT_NOTE"
	ApplicationKindCredit         ApplicationKind = "CREDIT"
	ApplicationKindConvenienceFee ApplicationKind = "CONVENIENCE_FEE"
	ApplicationKindAppliedCredit  ApplicationKind = "APPLIED_CREDIT"
)

func (k ApplicationKind) Valid() bool {
	switch k {
	case ApplicationKindInvoice, ApplicationKindEstimate, ApplicationKindCreditNote,
		ApplicationKindCredit, ApplicationKindConvenienceFee, ApplicationKindAppliedCredit:
		return true
	}
	return false
}

// Application is one split of a charge across a target document.
// Amount is integer minor units.
type Application struct {
	Kind     ApplicationKind
	TargetID snowflake.ID
	Amount   int64
}

// ChargeApplication is the ordered breakdown of one charge attempt.
// The first split is the primary target; its identity keys the
// per-attempt mutex and the duplicate-detection audit rows.
type ChargeApplication []Application

func (a ChargeApplication) Validate() error {
	if len(a) == 0 {
		return ErrEmptyApplication
	}
	for _, split := range a {
		if !split.Kind.Valid() {
			return ErrInvalidApplicationKind
		}
		if split.TargetID == 0 {
			return ErrInvalidApplicationTarget
		}
		if split.Amount <= 0 {
			return ErrInvalidApplicationAmount
		}
	}
	return nil
}

// Total sums every split. It must equal the funded payment's amount;
// reconciliation enforces the invariant.
func (a ChargeApplication) Total() int64 {
	var total int64
	for _, split := range a {
		total += split.Amount
	}
	return total
}

// Primary returns the split whose target keys locking and duplicate
// detection.
func (a ChargeApplication) Primary() Application {
	if len(a) == 0 {
		return Application{}
	}
	return a[0]
}

// PaymentApplication is the persisted form of one Application split.
type PaymentApplication struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	OrgID     snowflake.ID    `gorm:"not null;index"`
	PaymentID snowflake.ID    `gorm:"not null;index"`
	Kind      ApplicationKind `gorm:"type:text;not null"`
	TargetID  snowflake.ID    `gorm:"not null;index"`
	Amount    int64           `gorm:"not null"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentApplication) TableName() string { return "payment_applications" }
