// Package service implements charge execution and gateway status
// reconciliation. Execution is guarded twice against double charging:
// a TTL-leased lock on the primary application target, and durable
// InitiatedCharge audit rows written before any gateway call.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/charge/domain"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	"github.com/corebill/corebill/internal/locker"
	numberingdomain "github.com/corebill/corebill/internal/numbering/domain"
	numbering "github.com/corebill/corebill/internal/numbering/service"
	obsmetrics "github.com/corebill/corebill/internal/observability/metrics"
	"github.com/corebill/corebill/internal/orgcontext"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// chargeLeaseTTL bounds how long a crashed attempt can hold the
// per-target mutex. The audit rows keep blocking duplicates after the
// lease lapses.
const chargeLeaseTTL = 5 * time.Minute

type ExecutorParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Locker    locker.Locker
	Gateways  *gateway.Registry
	Spool     eventspool.Spool
	Numbering *numbering.Service
	GenID     *snowflake.Node
	Clock     clock.Clock
}

// Executor runs one charge attempt end to end: duplicate guards, audit
// rows, the gateway call, and transactional reconciliation of the
// resulting payment.
type Executor struct {
	db        *gorm.DB
	log       *zap.Logger
	locker    locker.Locker
	gateways  *gateway.Registry
	spool     eventspool.Spool
	numbering *numbering.Service
	genID     *snowflake.Node
	clock     clock.Clock
}

func NewExecutor(p ExecutorParams) *Executor {
	return &Executor{
		db:        p.DB,
		log:       p.Log.Named("charge.executor"),
		locker:    p.Locker,
		gateways:  p.Gateways,
		spool:     p.Spool,
		numbering: p.Numbering,
		genID:     p.GenID,
		clock:     p.Clock,
	}
}

// PayRequest describes one collection attempt. The application lists
// how the charged amount breaks down across target documents; its
// total is the amount sent to the gateway.
type PayRequest struct {
	OrgID       snowflake.ID
	CustomerID  snowflake.ID
	Currency    string
	Initiator   domain.Initiator
	Application domain.ChargeApplication
	Metadata    map[string]string
}

// PayResult is the reconciled outcome of a charge attempt.
type PayResult struct {
	Payment *domain.Payment
	Charge  *domain.Charge
}

// resolveOrg fills in the org from context when the request omits it.
func resolveOrg(ctx context.Context, req *PayRequest) error {
	if req.OrgID != 0 {
		return nil
	}
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ErrMissingOrg
	}
	req.OrgID = orgID
	return nil
}

// PayWithSource charges a stored payment source.
func (e *Executor) PayWithSource(ctx context.Context, sourceID snowflake.ID, req PayRequest) (*PayResult, error) {
	if err := resolveOrg(ctx, &req); err != nil {
		return nil, err
	}
	source, err := e.loadPaymentSource(ctx, req.OrgID, sourceID)
	if err != nil {
		return nil, err
	}
	gw, err := e.gateways.Resolve(source.Gateway)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, gw, &source.ID, req, func(ctx context.Context, chargeReq gateway.ChargeRequest) (gateway.ChargeResult, error) {
		return gw.ChargeSource(ctx, source.SourceRef, chargeReq)
	})
}

// Pay charges a raw, single-use payment method against a named gateway.
func (e *Executor) Pay(ctx context.Context, gatewayName string, method gateway.PaymentMethod, req PayRequest) (*PayResult, error) {
	if err := resolveOrg(ctx, &req); err != nil {
		return nil, err
	}
	gw, err := e.gateways.Resolve(gatewayName)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, gw, nil, req, func(ctx context.Context, chargeReq gateway.ChargeRequest) (gateway.ChargeResult, error) {
		return gw.Charge(ctx, method, chargeReq)
	})
}

type chargeFn func(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error)

func chargeLockKey(orgID snowflake.ID, primary domain.Application) string {
	return fmt.Sprintf("charge:%d:%s:%d", orgID, primary.Kind, primary.TargetID)
}

func (e *Executor) execute(ctx context.Context, gw gateway.Gateway, sourceID *snowflake.ID, req PayRequest, charge chargeFn) (*PayResult, error) {
	if err := req.Application.Validate(); err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !gw.SupportsCurrency(currency) {
		return nil, domain.ErrUnsupportedCurrency
	}
	total := req.Application.Total()
	if total < gw.MinimumAmount(currency) {
		return nil, domain.ErrAmountTooSmall
	}

	primary := req.Application.Primary()
	lockKey := chargeLockKey(req.OrgID, primary)
	token, ok, err := e.locker.TryAcquire(ctx, lockKey, chargeLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		obsmetrics.Collection().IncDuplicateAttempt()
		return nil, domain.ErrDuplicatePaymentAttempt
	}
	defer func() {
		if relErr := e.locker.Release(ctx, lockKey, token); relErr != nil {
			e.log.Warn("failed to release charge lock",
				zap.String("key", lockKey), zap.Error(relErr))
		}
	}()

	inflight, err := e.hasInFlightCharge(ctx, req.OrgID, req.Application)
	if err != nil {
		return nil, err
	}
	if inflight {
		obsmetrics.Collection().IncDuplicateAttempt()
		return nil, domain.ErrDuplicatePaymentAttempt
	}

	initiated, err := e.writeAuditRows(ctx, req, gw.Name(), total, currency)
	if err != nil {
		return nil, err
	}

	start := e.clock.Now()
	result, chargeErr := charge(ctx, gateway.ChargeRequest{
		Amount:        total,
		Currency:      currency,
		CorrelationID: initiated.CorrelationID,
		CustomerRef:   req.CustomerID.String(),
		Metadata:      req.Metadata,
	})
	obsmetrics.Collection().ObserveGateway(gw.Name(), "charge", e.clock.Now().Sub(start))

	if chargeErr != nil {
		// Nothing was charged; the audit rows can go.
		e.clearAuditRows(ctx, req.OrgID, initiated.ID)
		obsmetrics.Collection().IncAttempt(obsmetrics.OutcomeFailed)
		return nil, fmt.Errorf("gateway charge: %w", chargeErr)
	}
	if result.Status == gateway.StatusFailed {
		e.clearAuditRows(ctx, req.OrgID, initiated.ID)
		obsmetrics.Collection().IncAttempt(obsmetrics.OutcomeFailed)
		return nil, &gateway.ChargeError{Gateway: gw.Name(), Message: result.Message}
	}

	// Money moved (or is settling). From here on failure means the
	// gateway state and the ledger disagree; that is surfaced as
	// ErrReconciliationFailed and never retried blindly.
	payResult, paidInvoices, recErr := e.reconcile(ctx, req, gw.Name(), sourceID, initiated, result, total, currency)
	if recErr != nil {
		e.log.Error("charge reconciliation failed; gateway transaction is not recorded locally",
			zap.String("severity", "emergency"),
			zap.Int64("org_id", int64(req.OrgID)),
			zap.String("gateway", gw.Name()),
			zap.String("gateway_id", result.GatewayID),
			zap.String("correlation_id", initiated.CorrelationID),
			zap.Int64("amount", total),
			zap.String("currency", currency),
			zap.Error(recErr))
		obsmetrics.Collection().IncReconciliationFailure()
		return nil, domain.ErrReconciliationFailed
	}

	e.publishOutcome(ctx, req, payResult, paidInvoices)
	switch result.Status {
	case gateway.StatusPending:
		obsmetrics.Collection().IncAttempt(obsmetrics.OutcomePending)
	default:
		obsmetrics.Collection().IncAttempt(obsmetrics.OutcomeSucceeded)
	}
	return payResult, nil
}

func (e *Executor) loadPaymentSource(ctx context.Context, orgID, sourceID snowflake.ID) (*domain.PaymentSource, error) {
	var source domain.PaymentSource
	err := e.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, sourceID).
		First(&source).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrPaymentSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

func (e *Executor) hasInFlightCharge(ctx context.Context, orgID snowflake.ID, app domain.ChargeApplication) (bool, error) {
	for _, split := range app {
		var count int64
		err := e.db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM initiated_charge_documents
			 WHERE org_id = ? AND target_kind = ? AND target_id = ?`,
			orgID, split.Kind, split.TargetID,
		).Scan(&count).Error
		if err != nil {
			return false, err
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) writeAuditRows(ctx context.Context, req PayRequest, gatewayName string, total int64, currency string) (*domain.InitiatedCharge, error) {
	now := e.clock.Now().UTC()
	initiated := &domain.InitiatedCharge{
		ID:            e.genID.Generate(),
		OrgID:         req.OrgID,
		CustomerID:    req.CustomerID,
		CorrelationID: uuid.NewString(),
		Gateway:       gatewayName,
		Amount:        total,
		Currency:      currency,
		CreatedAt:     now,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(initiated).Error; err != nil {
			return err
		}
		for _, split := range req.Application {
			doc := &domain.InitiatedChargeDocument{
				ID:                e.genID.Generate(),
				OrgID:             req.OrgID,
				InitiatedChargeID: initiated.ID,
				TargetKind:        split.Kind,
				TargetID:          split.TargetID,
				Amount:            split.Amount,
				CreatedAt:         now,
			}
			if err := tx.Create(doc).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return initiated, nil
}

func (e *Executor) clearAuditRows(ctx context.Context, orgID, initiatedID snowflake.ID) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM initiated_charge_documents WHERE org_id = ? AND initiated_charge_id = ?`,
			orgID, initiatedID,
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			`DELETE FROM initiated_charges WHERE org_id = ? AND id = ?`,
			orgID, initiatedID,
		).Error
	})
	if err != nil {
		e.log.Warn("failed to clear initiated charge audit rows",
			zap.Int64("org_id", int64(orgID)),
			zap.Int64("initiated_charge_id", int64(initiatedID)),
			zap.Error(err))
	}
}

func (e *Executor) reconcile(
	ctx context.Context,
	req PayRequest,
	gatewayName string,
	sourceID *snowflake.ID,
	initiated *domain.InitiatedCharge,
	result gateway.ChargeResult,
	total int64,
	currency string,
) (*PayResult, []snowflake.ID, error) {
	sequencer := e.numbering.NewSequencer()
	_, number, err := sequencer.Next(ctx, req.OrgID, numberingdomain.DocumentTypePayment, false)
	if err != nil {
		return nil, nil, fmt.Errorf("issue payment number: %w", err)
	}

	now := e.clock.Now().UTC()

	paymentStatus := domain.PaymentStatusSucceeded
	chargeStatus := domain.ChargeStatusSucceeded
	if result.Status == gateway.StatusPending {
		paymentStatus = domain.PaymentStatusPending
		chargeStatus = domain.ChargeStatusPending
	}

	payment := &domain.Payment{
		ID:         e.genID.Generate(),
		OrgID:      req.OrgID,
		CustomerID: req.CustomerID,
		Number:     number,
		Amount:     total,
		Currency:   currency,
		Status:     paymentStatus,
		Initiator:  req.Initiator,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	chargeRow := &domain.Charge{
		ID:              e.genID.Generate(),
		OrgID:           req.OrgID,
		PaymentID:       payment.ID,
		Amount:          total,
		Currency:        currency,
		Gateway:         gatewayName,
		GatewayID:       result.GatewayID,
		Status:          chargeStatus,
		PaymentSourceID: sourceID,
		LastStatusCheck: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var paidInvoices []snowflake.ID
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return err
		}
		if err := tx.Create(chargeRow).Error; err != nil {
			return err
		}
		for _, split := range req.Application {
			application := &domain.PaymentApplication{
				ID:        e.genID.Generate(),
				OrgID:     req.OrgID,
				PaymentID: payment.ID,
				Kind:      split.Kind,
				TargetID:  split.TargetID,
				Amount:    split.Amount,
				CreatedAt: now,
			}
			if err := tx.Create(application).Error; err != nil {
				return err
			}

			switch chargeStatus {
			case domain.ChargeStatusSucceeded:
				paid, err := e.applySplit(tx, req.OrgID, split, now)
				if err != nil {
					return err
				}
				if paid {
					paidInvoices = append(paidInvoices, split.TargetID)
				}
			case domain.ChargeStatusPending:
				if err := e.markTargetPending(tx, req.OrgID, split, now); err != nil {
					return err
				}
			}
		}

		if err := tx.Exec(
			`DELETE FROM initiated_charge_documents WHERE org_id = ? AND initiated_charge_id = ?`,
			req.OrgID, initiated.ID,
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			`DELETE FROM initiated_charges WHERE org_id = ? AND id = ?`,
			req.OrgID, initiated.ID,
		).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &PayResult{Payment: payment, Charge: chargeRow}, paidInvoices, nil
}

// applySplit settles one application split against its target document.
// Returns true when the split paid an invoice down to zero.
func (e *Executor) applySplit(tx *gorm.DB, orgID snowflake.ID, split domain.Application, now time.Time) (bool, error) {
	switch split.Kind {
	case domain.ApplicationKindInvoice:
		return e.applyInvoiceSplit(tx, orgID, split, now)
	case domain.ApplicationKindEstimate:
		res := tx.Exec(
			`UPDATE estimates SET balance = balance - ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			split.Amount, now, orgID, split.TargetID,
		)
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			return false, fmt.Errorf("estimate %d not found", split.TargetID)
		}
		return false, nil
	case domain.ApplicationKindCreditNote:
		res := tx.Exec(
			`UPDATE credit_notes SET balance = balance - ?, updated_at = ? WHERE org_id = ? AND id = ?`,
			split.Amount, now, orgID, split.TargetID,
		)
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 0 {
			return false, fmt.Errorf("credit note %d not found", split.TargetID)
		}
		return false, nil
	default:
		// Credit, convenience fee and applied credit splits have no
		// backing document row; the payment application is the record.
		return false, nil
	}
}

func (e *Executor) applyInvoiceSplit(tx *gorm.DB, orgID snowflake.ID, split domain.Application, now time.Time) (bool, error) {
	var invoice invoicedomain.Invoice
	err := tx.Raw(
		`SELECT id, balance, status FROM invoices WHERE org_id = ? AND id = ?`,
		orgID, split.TargetID,
	).Scan(&invoice).Error
	if err != nil {
		return false, err
	}
	if invoice.ID == 0 {
		return false, invoicedomain.ErrInvoiceNotFound
	}

	newBalance := invoice.Balance - split.Amount
	if newBalance <= 0 {
		err := tx.Exec(
			`UPDATE invoices
			 SET balance = ?, status = ?, paid_at = ?, next_payment_attempt = NULL, updated_at = ?
			 WHERE org_id = ? AND id = ?`,
			newBalance, invoicedomain.InvoiceStatusPaid, now, now, orgID, split.TargetID,
		).Error
		return err == nil, err
	}

	return false, tx.Exec(
		`UPDATE invoices SET balance = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		newBalance, now, orgID, split.TargetID,
	).Error
}

// markTargetPending flags invoices funded by a still-settling charge so
// eligibility checks and operators can see a transaction is in flight.
func (e *Executor) markTargetPending(tx *gorm.DB, orgID snowflake.ID, split domain.Application, now time.Time) error {
	if split.Kind != domain.ApplicationKindInvoice {
		return nil
	}
	// A settling transaction also suspends the retry schedule; the
	// status reconciler reinstates it if the charge fails.
	return tx.Exec(
		`UPDATE invoices SET status = ?, next_payment_attempt = NULL, updated_at = ?
		 WHERE org_id = ? AND id = ? AND status IN (?, ?)`,
		invoicedomain.InvoiceStatusPending, now,
		orgID, split.TargetID,
		invoicedomain.InvoiceStatusOpen, invoicedomain.InvoiceStatusPastDue,
	).Error
}

func (e *Executor) publishOutcome(ctx context.Context, req PayRequest, result *PayResult, paidInvoices []snowflake.ID) {
	topic := eventspool.TopicChargeSucceeded
	if result.Charge.Status == domain.ChargeStatusPending {
		topic = eventspool.TopicChargePending
	}
	payload := map[string]any{
		"payment_id": result.Payment.ID.String(),
		"charge_id":  result.Charge.ID.String(),
		"number":     result.Payment.Number,
		"amount":     result.Payment.Amount,
		"currency":   result.Payment.Currency,
		"initiator":  string(result.Payment.Initiator),
	}
	if err := e.spool.Publish(ctx, req.OrgID, topic, payload); err != nil {
		e.log.Warn("failed to spool charge event", zap.String("topic", topic), zap.Error(err))
	}
	for _, invoiceID := range paidInvoices {
		if err := e.spool.Publish(ctx, req.OrgID, eventspool.TopicInvoicePaid, map[string]any{
			"invoice_id": invoiceID.String(),
			"payment_id": result.Payment.ID.String(),
		}); err != nil {
			e.log.Warn("failed to spool invoice.paid event", zap.Error(err))
		}
	}
}

// SweepAbandonedInitiatedCharges deletes audit rows older than maxAge.
// Rows that old belong to crashed attempts whose gateway outcome has
// been settled by the status reconciler (or investigated by hand); once
// swept, collection on their targets unblocks.
func (e *Executor) SweepAbandonedInitiatedCharges(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := e.clock.Now().UTC().Add(-maxAge)

	var swept int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM initiated_charge_documents
			 WHERE initiated_charge_id IN (SELECT id FROM initiated_charges WHERE created_at < ?)`,
			cutoff,
		).Error; err != nil {
			return err
		}
		res := tx.Exec(`DELETE FROM initiated_charges WHERE created_at < ?`, cutoff)
		if res.Error != nil {
			return res.Error
		}
		swept = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		e.log.Info("swept abandoned initiated charges", zap.Int64("count", swept))
	}
	return swept, nil
}

// ListAbandonedInitiatedCharges returns audit rows older than maxAge
// without removing them. Each row is an attempt whose gateway outcome
// was never reconciled and needs operator review before its target can
// be collected again.
func (e *Executor) ListAbandonedInitiatedCharges(ctx context.Context, maxAge time.Duration) ([]domain.InitiatedCharge, error) {
	cutoff := e.clock.Now().UTC().Add(-maxAge)

	var rows []domain.InitiatedCharge
	err := e.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
