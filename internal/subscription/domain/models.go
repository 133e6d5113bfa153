// Package domain contains persistence models for subscriptions as seen
// by the collection engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
)

// CanceledReasonNonpayment marks a cancellation driven by the
// nonpayment policy after repeated failed collection attempts.
const CanceledReasonNonpayment = "nonpayment"

// Subscription captures a customer's recurring billing agreement. The
// engine only transitions its paid/canceled bookkeeping; plan contents
// live with the subscription items.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	OrgID              snowflake.ID       `gorm:"not null;index"`
	CustomerID         snowflake.ID       `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	PlanAmount         int64              `gorm:"not null;default:0"`
	Quantity           int64              `gorm:"not null;default:1"`
	Currency           string             `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	CanceledAt         *time.Time         `gorm:""`
	CanceledReason     *string            `gorm:"type:text"`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
