package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/charge/domain"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/config"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	obsmetrics "github.com/corebill/corebill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ReconcilerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Gateways *gateway.Registry
	Spool    eventspool.Spool
	Clock    clock.Clock
	Policy   *config.CollectionConfigHolder
}

// Reconciler folds gateway-reported charge outcomes back into the
// ledger. Pending charges settle asynchronously (bank transfers, ACH),
// and even succeeded charges can later be reported failed; every
// transition is applied in one transaction and is idempotent.
type Reconciler struct {
	db       *gorm.DB
	log      *zap.Logger
	gateways *gateway.Registry
	spool    eventspool.Spool
	clock    clock.Clock
	policy   *config.CollectionConfigHolder
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:       p.DB,
		log:      p.Log.Named("charge.reconciler"),
		gateways: p.Gateways,
		spool:    p.Spool,
		clock:    p.Clock,
		policy:   p.Policy,
	}
}

// UpdateChargeStatus applies a gateway-reported status to a charge.
// Reporting the status a charge already has is a no-op. The gateway is
// the source of truth: a pending charge moves to succeeded or failed,
// and a succeeded charge can still move to failed when the processor
// reverses it after settlement.
func (r *Reconciler) UpdateChargeStatus(ctx context.Context, orgID, chargeID snowflake.ID, reported gateway.Status, message string) error {
	charge, err := r.loadCharge(ctx, orgID, chargeID)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()

	switch {
	case reported == gateway.StatusPending:
		return r.handleStillPending(ctx, charge, now)

	case reported == gateway.StatusSucceeded && charge.Status == domain.ChargeStatusPending:
		return r.settleSucceeded(ctx, charge, now)

	case reported == gateway.StatusFailed && charge.Status == domain.ChargeStatusPending:
		return r.settleFailed(ctx, charge, message, now, false)

	case reported == gateway.StatusFailed && charge.Status == domain.ChargeStatusSucceeded:
		// Late reversal: the invoice was already paid down, so the
		// applied amounts have to be restored.
		return r.settleFailed(ctx, charge, message, now, true)

	case reported == gateway.StatusSucceeded && charge.Status == domain.ChargeStatusSucceeded,
		reported == gateway.StatusFailed && charge.Status == domain.ChargeStatusFailed:
		// Identical observation: nothing to fold in beyond the poll
		// timestamp.
		return r.touchStatusCheck(ctx, charge, now)

	default:
		// A transition out of a terminal failed state; the retry
		// schedule owns recovery, not a late gateway report.
		return nil
	}
}

func (r *Reconciler) touchStatusCheck(ctx context.Context, charge *domain.Charge, now time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE charges SET last_status_check = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		now, now, charge.OrgID, charge.ID,
	).Error
}

// PollPendingCharges asks the gateway for the current status of every
// pending charge whose last check is older than the poll interval, and
// applies what it learns. Failures on individual charges do not stop
// the sweep.
func (r *Reconciler) PollPendingCharges(ctx context.Context) error {
	cfg := r.policy.Get()
	staleBefore := r.clock.Now().UTC().Add(-cfg.PendingPollInterval())

	var charges []domain.Charge
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_status_check IS NULL OR last_status_check < ?)",
			domain.ChargeStatusPending, staleBefore).
		Order("last_status_check ASC").
		Limit(500).
		Find(&charges).Error
	if err != nil {
		return err
	}

	var errs []error
	for _, charge := range charges {
		if err := r.pollOne(ctx, charge); err != nil {
			r.log.Warn("pending charge poll failed",
				zap.Int64("charge_id", int64(charge.ID)),
				zap.String("gateway", charge.Gateway),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("charge %d: %w", charge.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) pollOne(ctx context.Context, charge domain.Charge) error {
	gw, err := r.gateways.Resolve(charge.Gateway)
	if err != nil {
		return err
	}

	start := r.clock.Now()
	status, message, err := gw.TransactionStatus(ctx, charge.GatewayID)
	obsmetrics.Collection().ObserveGateway(gw.Name(), "status", r.clock.Now().Sub(start))
	if err != nil {
		return err
	}
	return r.UpdateChargeStatus(ctx, charge.OrgID, charge.ID, status, message)
}

func (r *Reconciler) loadCharge(ctx context.Context, orgID, chargeID snowflake.ID) (*domain.Charge, error) {
	var charge domain.Charge
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, chargeID).
		First(&charge).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

// handleStillPending bumps the poll timestamp, or force-settles charges
// that have sat pending past the staleness window. Processors that old
// have long since paid out; leaving the invoice dark forever is worse
// than trusting the payout.
func (r *Reconciler) handleStillPending(ctx context.Context, charge *domain.Charge, now time.Time) error {
	if charge.Status != domain.ChargeStatusPending {
		return nil
	}

	window := r.policy.Get().PendingStalenessWindow()
	if now.Sub(charge.CreatedAt) > window {
		r.log.Warn("pending charge exceeded staleness window, settling as succeeded",
			zap.Int64("charge_id", int64(charge.ID)),
			zap.String("gateway", charge.Gateway),
			zap.Time("created_at", charge.CreatedAt))
		return r.settleSucceeded(ctx, charge, now)
	}

	return r.touchStatusCheck(ctx, charge, now)
}

// checkApplicationTotal guards the invariant that the recorded splits
// still sum to the charged amount before any balance moves.
func checkApplicationTotal(charge *domain.Charge, apps []domain.PaymentApplication) error {
	var total int64
	for _, app := range apps {
		total += app.Amount
	}
	if total != charge.Amount {
		return fmt.Errorf("charge %d: applications sum to %d, charged %d: %w",
			charge.ID, total, charge.Amount, domain.ErrApplicationTotalMismatch)
	}
	return nil
}

func (r *Reconciler) settleSucceeded(ctx context.Context, charge *domain.Charge, now time.Time) error {
	apps, err := r.loadApplications(ctx, charge.OrgID, charge.PaymentID)
	if err != nil {
		return err
	}
	if err := checkApplicationTotal(charge, apps); err != nil {
		return err
	}

	var paidInvoices []snowflake.ID
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`UPDATE charges SET status = ?, failure_message = NULL, last_status_check = ?, updated_at = ?
			 WHERE org_id = ? AND id = ?`,
			domain.ChargeStatusSucceeded, now, now, charge.OrgID, charge.ID,
		).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			`UPDATE payments SET status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			domain.PaymentStatusSucceeded, now, charge.OrgID, charge.PaymentID,
		).Error; err != nil {
			return err
		}

		for _, app := range apps {
			paid, err := r.settleApplication(tx, charge.OrgID, app, now)
			if err != nil {
				return err
			}
			if paid {
				paidInvoices = append(paidInvoices, app.TargetID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	obsmetrics.Collection().IncStatusTransition(string(charge.Status), string(domain.ChargeStatusSucceeded))
	r.publish(ctx, charge.OrgID, eventspool.TopicChargeSucceeded, map[string]any{
		"charge_id":  charge.ID.String(),
		"payment_id": charge.PaymentID.String(),
		"amount":     charge.Amount,
		"currency":   charge.Currency,
	})
	for _, invoiceID := range paidInvoices {
		r.publish(ctx, charge.OrgID, eventspool.TopicInvoicePaid, map[string]any{
			"invoice_id": invoiceID.String(),
			"payment_id": charge.PaymentID.String(),
		})
	}
	return nil
}

// settleFailed voids the payment and puts funded invoices back into
// collection. When restoreBalance is set the charge had already settled
// and its applied amounts are added back before reopening.
func (r *Reconciler) settleFailed(ctx context.Context, charge *domain.Charge, message string, now time.Time, restoreBalance bool) error {
	apps, err := r.loadApplications(ctx, charge.OrgID, charge.PaymentID)
	if err != nil {
		return err
	}
	if restoreBalance {
		// Restoring adds the split amounts back, so the same invariant
		// applies as when they were taken.
		if err := checkApplicationTotal(charge, apps); err != nil {
			return err
		}
	}

	cfg := r.policy.Get()
	nextAttempt := now.Add(cfg.RetryInterval())

	var reopened []snowflake.ID
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`UPDATE charges SET status = ?, failure_message = ?, last_status_check = ?, updated_at = ?
			 WHERE org_id = ? AND id = ?`,
			domain.ChargeStatusFailed, nullableString(message), now, now, charge.OrgID, charge.ID,
		).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			`UPDATE payments SET status = ?, voided_at = ?, updated_at = ?
			 WHERE org_id = ? AND id = ? AND status <> ?`,
			domain.PaymentStatusVoided, now, now,
			charge.OrgID, charge.PaymentID, domain.PaymentStatusVoided,
		).Error; err != nil {
			return err
		}

		for _, app := range apps {
			if app.Kind != domain.ApplicationKindInvoice {
				continue
			}
			if err := r.reopenInvoice(tx, charge.OrgID, app, now, nextAttempt, restoreBalance); err != nil {
				return err
			}
			reopened = append(reopened, app.TargetID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	obsmetrics.Collection().IncStatusTransition(string(charge.Status), string(domain.ChargeStatusFailed))
	r.publish(ctx, charge.OrgID, eventspool.TopicChargeFailed, map[string]any{
		"charge_id":  charge.ID.String(),
		"payment_id": charge.PaymentID.String(),
		"amount":     charge.Amount,
		"currency":   charge.Currency,
		"message":    message,
	})
	for _, invoiceID := range reopened {
		r.publish(ctx, charge.OrgID, eventspool.TopicInvoiceReopened, map[string]any{
			"invoice_id": invoiceID.String(),
			"charge_id":  charge.ID.String(),
		})
	}
	return nil
}

// settleApplication applies one split of a now-settled pending charge.
// Invoices were only marked PENDING at execution time, so the balance
// comes down here.
func (r *Reconciler) settleApplication(tx *gorm.DB, orgID snowflake.ID, app domain.PaymentApplication, now time.Time) (bool, error) {
	switch app.Kind {
	case domain.ApplicationKindInvoice:
		var invoice invoicedomain.Invoice
		err := tx.Raw(
			`SELECT id, balance, status FROM invoices WHERE org_id = ? AND id = ?`,
			orgID, app.TargetID,
		).Scan(&invoice).Error
		if err != nil {
			return false, err
		}
		if invoice.ID == 0 {
			return false, invoicedomain.ErrInvoiceNotFound
		}

		newBalance := invoice.Balance - app.Amount
		if newBalance <= 0 {
			err := tx.Exec(
				`UPDATE invoices
				 SET balance = ?, status = ?, paid_at = ?, next_payment_attempt = NULL, updated_at = ?
				 WHERE org_id = ? AND id = ?`,
				newBalance, invoicedomain.InvoiceStatusPaid, now, now, orgID, app.TargetID,
			).Error
			return err == nil, err
		}
		return false, tx.Exec(
			`UPDATE invoices SET balance = ?, status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			newBalance, invoicedomain.InvoiceStatusOpen, now, orgID, app.TargetID,
		).Error

	case domain.ApplicationKindEstimate:
		return false, tx.Exec(
			`UPDATE estimates SET balance = balance - ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			app.Amount, now, orgID, app.TargetID,
		).Error

	case domain.ApplicationKindCreditNote:
		return false, tx.Exec(
			`UPDATE credit_notes SET balance = balance - ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			app.Amount, now, orgID, app.TargetID,
		).Error

	default:
		return false, nil
	}
}

func (r *Reconciler) reopenInvoice(tx *gorm.DB, orgID snowflake.ID, app domain.PaymentApplication, now, nextAttempt time.Time, restoreBalance bool) error {
	if restoreBalance {
		return tx.Exec(
			`UPDATE invoices
			 SET balance = balance + ?, status = ?, paid_at = NULL,
			     next_payment_attempt = CASE WHEN auto_pay THEN ? ELSE next_payment_attempt END,
			     attempt_count = attempt_count + 1, updated_at = ?
			 WHERE org_id = ? AND id = ?`,
			app.Amount, invoicedomain.InvoiceStatusPastDue,
			nextAttempt, now, orgID, app.TargetID,
		).Error
	}
	// The pending attempt never reduced the balance; just lift the
	// PENDING flag and put the invoice back on the retry schedule.
	return tx.Exec(
		`UPDATE invoices
		 SET status = ?,
		     next_payment_attempt = CASE WHEN auto_pay THEN ? ELSE next_payment_attempt END,
		     attempt_count = attempt_count + 1, updated_at = ?
		 WHERE org_id = ? AND id = ? AND status = ?`,
		invoicedomain.InvoiceStatusPastDue,
		nextAttempt, now, orgID, app.TargetID,
		invoicedomain.InvoiceStatusPending,
	).Error
}

func (r *Reconciler) loadApplications(ctx context.Context, orgID, paymentID snowflake.ID) ([]domain.PaymentApplication, error) {
	var apps []domain.PaymentApplication
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND payment_id = ?", orgID, paymentID).
		Order("created_at ASC, id ASC").
		Find(&apps).Error
	return apps, err
}

func (r *Reconciler) publish(ctx context.Context, orgID snowflake.ID, topic string, payload map[string]any) {
	if err := r.spool.Publish(ctx, orgID, topic, payload); err != nil {
		r.log.Warn("failed to spool event", zap.String("topic", topic), zap.Error(err))
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
