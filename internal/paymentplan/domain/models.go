// Package domain contains persistence models for installment payment plans.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanStatus represents payment plan lifecycle states.
type PlanStatus string

const (
	PlanStatusPendingSignup PlanStatus = "PENDING_SIGNUP"
	PlanStatusActive        PlanStatus = "ACTIVE"
	PlanStatusFinished      PlanStatus = "FINISHED"
)

// PlanMode selects which installments a collection attempt covers.
type PlanMode string

const (
	// PlanModeCurrentlyDue sums every installment due at or before now
	// with a nonzero balance.
	PlanModeCurrentlyDue PlanMode = "currently_due"
	// PlanModeNext charges only the single nearest unpaid installment.
	PlanModeNext PlanMode = "next"
)

var (
	ErrPlanNotFound    = errors.New("payment plan not found")
	ErrInvalidPlanMode = errors.New("invalid payment plan mode")
)

// PaymentPlan spreads an invoice across scheduled installments.
type PaymentPlan struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index"`
	InvoiceID snowflake.ID `gorm:"not null;index"`
	Status    PlanStatus   `gorm:"type:text;not null;default:'PENDING_SIGNUP'"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentPlan) TableName() string { return "payment_plans" }

// Installment is one scheduled slice of a payment plan. Amount and
// Balance are integer minor units.
type Installment struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	PaymentPlanID snowflake.ID `gorm:"not null;index"`
	Sequence      int          `gorm:"not null"`
	DueDate       time.Time    `gorm:"not null"`
	Amount        int64        `gorm:"not null"`
	Balance       int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Installment) TableName() string { return "installments" }

// AmountDue computes how much of the plan a collection attempt should
// cover. Installments must be ordered by due date ascending.
func AmountDue(installments []Installment, mode PlanMode, now time.Time) (int64, error) {
	switch mode {
	case PlanModeCurrentlyDue:
		var total int64
		for _, inst := range installments {
			if inst.Balance <= 0 {
				continue
			}
			if inst.DueDate.After(now) {
				continue
			}
			total += inst.Balance
		}
		return total, nil
	case PlanModeNext:
		for _, inst := range installments {
			if inst.Balance > 0 {
				return inst.Balance, nil
			}
		}
		return 0, nil
	default:
		return 0, ErrInvalidPlanMode
	}
}
