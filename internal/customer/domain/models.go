// Package domain contains the customer model consumed by collection.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Customer owns payment sources and receivables within one org.
type Customer struct {
	ID                     snowflake.ID  `gorm:"primaryKey"`
	OrgID                  snowflake.ID  `gorm:"not null;index"`
	Name                   string        `gorm:"type:text;not null"`
	DefaultPaymentSourceID *snowflake.ID `gorm:"index"`
	CreatedAt              time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }
