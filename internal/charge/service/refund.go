package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/charge/domain"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	obsmetrics "github.com/corebill/corebill/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrRefundExceedsCharge = errors.New("refund amount exceeds the charged amount")

// Refund returns amount minor units of a settled charge through its
// gateway and restores the refunded portion to the funded documents.
// A full refund voids the payment. Refunds never put an invoice back on
// the automatic retry schedule; the money left by choice, not by a
// failed collection.
func (e *Executor) Refund(ctx context.Context, orgID, chargeID snowflake.ID, amount int64) (*gateway.RefundResult, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidApplicationAmount
	}

	var charge domain.Charge
	err := e.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, chargeID).
		First(&charge).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrChargeNotFound
		}
		return nil, err
	}
	if charge.Status != domain.ChargeStatusSucceeded {
		return nil, fmt.Errorf("charge %d is %s, only succeeded charges can be refunded", chargeID, charge.Status)
	}
	if amount > charge.Amount {
		return nil, ErrRefundExceedsCharge
	}

	gw, err := e.gateways.Resolve(charge.Gateway)
	if err != nil {
		return nil, err
	}

	start := e.clock.Now()
	result, err := gw.Refund(ctx, charge.GatewayID, amount, charge.Currency)
	obsmetrics.Collection().ObserveGateway(gw.Name(), "refund", e.clock.Now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("gateway refund: %w", err)
	}

	var apps []domain.PaymentApplication
	if err := e.db.WithContext(ctx).
		Where("org_id = ? AND payment_id = ?", orgID, charge.PaymentID).
		Order("created_at ASC, id ASC").
		Find(&apps).Error; err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	var reopened []snowflake.ID
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if amount == charge.Amount {
			if err := tx.Exec(
				`UPDATE payments SET status = ?, voided_at = ?, updated_at = ?
				 WHERE org_id = ? AND id = ? AND status <> ?`,
				domain.PaymentStatusVoided, now, now,
				orgID, charge.PaymentID, domain.PaymentStatusVoided,
			).Error; err != nil {
				return err
			}
		}

		remaining := amount
		for _, app := range apps {
			if remaining <= 0 {
				break
			}
			restore := app.Amount
			if restore > remaining {
				restore = remaining
			}
			remaining -= restore

			if app.Kind != domain.ApplicationKindInvoice {
				continue
			}
			if err := tx.Exec(
				`UPDATE invoices
				 SET balance = balance + ?, status = ?, paid_at = NULL, updated_at = ?
				 WHERE org_id = ? AND id = ?`,
				restore, invoicedomain.InvoiceStatusOpen, now, orgID, app.TargetID,
			).Error; err != nil {
				return err
			}
			reopened = append(reopened, app.TargetID)
		}
		return nil
	})
	if err != nil {
		e.log.Error("refund reconciliation failed; gateway refund is not reflected locally",
			zap.Int64("org_id", int64(orgID)),
			zap.Int64("charge_id", int64(chargeID)),
			zap.String("refund_id", result.RefundID),
			zap.Int64("amount", amount),
			zap.Error(err))
		return nil, domain.ErrReconciliationFailed
	}

	for _, invoiceID := range reopened {
		if err := e.spool.Publish(ctx, orgID, eventspool.TopicInvoiceReopened, map[string]any{
			"invoice_id": invoiceID.String(),
			"charge_id":  chargeID.String(),
			"refund_id":  result.RefundID,
		}); err != nil {
			e.log.Warn("failed to spool refund event", zap.Error(err))
		}
	}
	return &result, nil
}
