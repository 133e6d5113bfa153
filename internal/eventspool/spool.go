// Package eventspool emits domain events for notification and analytics
// consumers. Events are written to an outbox table; a separate relay owns
// delivery, so emission is fire-and-forget for the engine.
package eventspool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TopicChargeSucceeded      = "charge.succeeded"
	TopicChargePending        = "charge.pending"
	TopicChargeFailed         = "charge.failed"
	TopicInvoicePaid          = "invoice.paid"
	TopicInvoiceReopened      = "invoice.reopened"
	TopicSubscriptionCanceled = "subscription.canceled"
	TopicNumberReserved       = "number.reserved"
)

// Spool is the fire-and-forget event emitter consumed by the engine.
type Spool interface {
	Publish(ctx context.Context, orgID snowflake.ID, topic string, payload map[string]any) error
}

// BillingEvent is a spooled event row awaiting relay.
type BillingEvent struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OrgID     snowflake.ID   `gorm:"not null;index"`
	EventType string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	Published bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"not null"`
}

func (BillingEvent) TableName() string { return "billing_events" }

type outboxSpool struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutboxSpool(db *gorm.DB, genID *snowflake.Node) Spool {
	return &outboxSpool{db: db, genID: genID}
}

func (s *outboxSpool) Publish(ctx context.Context, orgID snowflake.ID, topic string, payload map[string]any) error {
	if orgID == 0 {
		return errors.New("missing org id")
	}
	if topic == "" {
		return errors.New("missing event topic")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, org_id, event_type, payload, published, created_at)
		 VALUES (?, ?, ?, ?, false, ?)`,
		s.genID.Generate(),
		orgID,
		topic,
		datatypes.JSON(raw),
		now,
	).Error
}
