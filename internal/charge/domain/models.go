// Package domain contains gateway-facing charge records, the payments
// they fund, and the pre-commit audit rows used for crash and duplicate
// detection.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ChargeStatus is the gateway-reported state of a charge.
type ChargeStatus string

const (
	ChargeStatusPending   ChargeStatus = "PENDING"
	ChargeStatusSucceeded ChargeStatus = "SUCCEEDED"
	ChargeStatusFailed    ChargeStatus = "FAILED"
)

// PaymentStatus is the application-facing state of a money movement.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusVoided    PaymentStatus = "VOIDED"
)

// Initiator tags who triggered a charge attempt.
type Initiator string

const (
	InitiatorAutoPay        Initiator = "AUTOPAY"
	InitiatorAPI            Initiator = "API"
	InitiatorCustomerPortal Initiator = "CUSTOMER_PORTAL"
)

// Charge is the gateway-facing record of one charge attempt. Amount is
// integer minor units in Currency; no floating point money anywhere in
// the reconciled path.
type Charge struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	OrgID           snowflake.ID  `gorm:"not null;index"`
	PaymentID       snowflake.ID  `gorm:"not null;index"`
	Amount          int64         `gorm:"not null"`
	Currency        string        `gorm:"type:text;not null"`
	Gateway         string        `gorm:"type:text;not null"`
	GatewayID       string        `gorm:"type:text;not null;index"`
	Status          ChargeStatus  `gorm:"type:text;not null"`
	PaymentSourceID *snowflake.ID `gorm:"index"`
	LastStatusCheck *time.Time    `gorm:""`
	FailureMessage  *string       `gorm:"type:text"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Charge) TableName() string { return "charges" }

// Payment is the application-facing money movement funded by a Charge.
// Its applications break the amount down across receivable documents;
// their sum always equals Amount.
type Payment struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	OrgID      snowflake.ID      `gorm:"not null;index"`
	CustomerID snowflake.ID      `gorm:"not null;index"`
	Number     string            `gorm:"type:text;not null"`
	Amount     int64             `gorm:"not null"`
	Currency   string            `gorm:"type:text;not null"`
	Status     PaymentStatus     `gorm:"type:text;not null"`
	Initiator  Initiator         `gorm:"type:text;not null"`
	VoidedAt   *time.Time        `gorm:""`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// PaymentSource is a stored, chargeable instrument.
type PaymentSource struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"not null;index"`
	CustomerID snowflake.ID `gorm:"not null;index"`
	Gateway    string       `gorm:"type:text;not null"`
	SourceRef  string       `gorm:"type:text;not null"`
	Verified   bool         `gorm:"not null;default:false"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentSource) TableName() string { return "payment_sources" }

// InitiatedCharge is written before any gateway call and deleted only
// after the resulting payment is durably recorded. Its presence is the
// source of truth for "a request for this money movement is in flight";
// rows that survive a crash block duplicates until swept.
type InitiatedCharge struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	CustomerID    snowflake.ID `gorm:"not null;index"`
	CorrelationID string       `gorm:"type:text;not null;uniqueIndex"`
	Gateway       string       `gorm:"type:text;not null"`
	Amount        int64        `gorm:"not null"`
	Currency      string       `gorm:"type:text;not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (InitiatedCharge) TableName() string { return "initiated_charges" }

// InitiatedChargeDocument pins one application target of an in-flight
// charge, so duplicate detection works per target document.
type InitiatedChargeDocument struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	OrgID             snowflake.ID    `gorm:"not null;index"`
	InitiatedChargeID snowflake.ID    `gorm:"not null;index"`
	TargetKind        ApplicationKind `gorm:"type:text;not null;index:ix_initiated_target"`
	TargetID          snowflake.ID    `gorm:"not null;index:ix_initiated_target"`
	Amount            int64           `gorm:"not null"`
	CreatedAt         time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (InitiatedChargeDocument) TableName() string { return "initiated_charge_documents" }

// PaymentFlowStatus represents async redirect payment session states.
type PaymentFlowStatus string

const (
	PaymentFlowStatusCollectDetails PaymentFlowStatus = "COLLECT_PAYMENT_DETAILS"
	PaymentFlowStatusSucceeded      PaymentFlowStatus = "SUCCEEDED"
	PaymentFlowStatusFailed         PaymentFlowStatus = "FAILED"
)

// PaymentFlow tracks a 3rd-party-redirect payment session until the
// gateway reports a terminal status.
type PaymentFlow struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	OrgID      snowflake.ID      `gorm:"not null;index"`
	CustomerID snowflake.ID      `gorm:"not null;index"`
	Status     PaymentFlowStatus `gorm:"type:text;not null"`
	Amount     int64             `gorm:"not null"`
	Currency   string            `gorm:"type:text;not null"`
	Identifier string            `gorm:"type:text;not null;index"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentFlow) TableName() string { return "payment_flows" }
