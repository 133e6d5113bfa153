// Package domain contains persistence models for invoices and the
// sibling documents payments can be applied to.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "DRAFT"
	InvoiceStatusOpen    InvoiceStatus = "OPEN"
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPastDue InvoiceStatus = "PAST_DUE"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusVoided  InvoiceStatus = "VOIDED"
	InvoiceStatusClosed  InvoiceStatus = "CLOSED"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// Invoice is the receivable the collection engine charges against.
// Balance and TotalAmount are integer minor units in Currency.
type Invoice struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	OrgID              snowflake.ID      `gorm:"not null;index"`
	CustomerID         snowflake.ID      `gorm:"not null;index"`
	SubscriptionID     *snowflake.ID     `gorm:"index"`
	PaymentPlanID      *snowflake.ID     `gorm:"index"`
	PaymentSourceID    *snowflake.ID     `gorm:"index"`
	Number             string            `gorm:"type:text;not null;uniqueIndex:ux_invoice_org_number,composite:org_id"`
	Status             InvoiceStatus     `gorm:"type:text;not null;default:'DRAFT'"`
	TotalAmount        int64             `gorm:"not null;default:0"`
	Balance            int64             `gorm:"not null;default:0"`
	Currency           string            `gorm:"type:text;not null"`
	AutoPay            bool              `gorm:"not null;default:false"`
	NextPaymentAttempt *time.Time        `gorm:""`
	AttemptCount       int               `gorm:"not null;default:0"`
	IssuedAt           *time.Time        `gorm:""`
	DueAt              *time.Time        `gorm:""`
	PaidAt             *time.Time        `gorm:""`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Estimate is a quoted document a payment can be applied to.
type Estimate struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"not null;index"`
	CustomerID snowflake.ID `gorm:"not null;index"`
	Number     string       `gorm:"type:text;not null"`
	Balance    int64        `gorm:"not null;default:0"`
	Currency   string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Estimate) TableName() string { return "estimates" }

// CreditNote is issued credit a payment can settle.
type CreditNote struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"not null;index"`
	CustomerID snowflake.ID `gorm:"not null;index"`
	Number     string       `gorm:"type:text;not null"`
	Balance    int64        `gorm:"not null;default:0"`
	Currency   string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditNote) TableName() string { return "credit_notes" }
