// Package autopay drives automatic collection of invoices with auto pay
// enabled: single-invoice collection with ordered eligibility checks,
// the batch scheduler that claims due invoices, and the nonpayment
// policy applied after repeated failures.
package autopay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	chargedomain "github.com/corebill/corebill/internal/charge/domain"
	chargeservice "github.com/corebill/corebill/internal/charge/service"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/config"
	customerdomain "github.com/corebill/corebill/internal/customer/domain"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	plandomain "github.com/corebill/corebill/internal/paymentplan/domain"
	subscriptiondomain "github.com/corebill/corebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Executor *chargeservice.Executor
	Gateways *gateway.Registry
	Spool    eventspool.Spool
	Clock    clock.Clock
	Policy   *config.CollectionConfigHolder
}

// Service collects a single invoice through its stored payment source.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	executor *chargeservice.Executor
	gateways *gateway.Registry
	spool    eventspool.Spool
	clock    clock.Clock
	policy   *config.CollectionConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("autopay"),
		executor: p.Executor,
		gateways: p.Gateways,
		spool:    p.Spool,
		clock:    p.Clock,
		policy:   p.Policy,
	}
}

// Collect charges the invoice's payment source for what is due. The
// eligibility checks run in a fixed order and each rejection carries
// its own message. mode only matters when the invoice is on an active
// payment plan.
func (s *Service) Collect(ctx context.Context, orgID, invoiceID snowflake.ID, mode plandomain.PlanMode) (*chargeservice.PayResult, error) {
	return s.collect(ctx, orgID, invoiceID, mode, nil)
}

func (s *Service) collect(ctx context.Context, orgID, invoiceID snowflake.ID, mode plandomain.PlanMode, claimedNext *time.Time) (*chargeservice.PayResult, error) {
	invoice, err := s.loadInvoice(ctx, orgID, invoiceID)
	if err != nil {
		return nil, err
	}

	// Staleness guard for batch claims: if the scheduled attempt moved
	// since this worker claimed the row, another worker (or a manual
	// payment) got here first.
	if claimedNext != nil {
		if invoice.NextPaymentAttempt == nil || !invoice.NextPaymentAttempt.Equal(*claimedNext) {
			return nil, errStaleClaim
		}
	}

	// The first failing check determines the message, so the order here
	// is part of the contract.
	if !invoice.AutoPay {
		return nil, ineligible(invoiceID, ReasonAutoPayDisabled)
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusClosed:
		return nil, ineligible(invoiceID, ReasonInvoiceClosed)
	case invoicedomain.InvoiceStatusVoided:
		return nil, ineligible(invoiceID, ReasonInvoiceVoided)
	case invoicedomain.InvoiceStatusPaid:
		return nil, ineligible(invoiceID, ReasonInvoicePaid)
	case invoicedomain.InvoiceStatusDraft:
		return nil, ineligible(invoiceID, ReasonInvoiceDraft)
	}

	if invoice.PaymentPlanID != nil {
		if err := s.checkPlanActive(ctx, orgID, *invoice.PaymentPlanID, invoiceID); err != nil {
			return nil, err
		}
	}

	source, err := s.resolvePaymentSource(ctx, invoice)
	if err != nil {
		return nil, err
	}
	if !source.Verified {
		return nil, ineligible(invoiceID, ReasonSourceUnverified)
	}

	if invoice.Status == invoicedomain.InvoiceStatusPending {
		return nil, ineligible(invoiceID, ReasonPendingTransaction)
	}

	amount := invoice.Balance
	if invoice.PaymentPlanID != nil {
		planAmount, err := s.planAmountDue(ctx, orgID, *invoice.PaymentPlanID, mode)
		if err != nil {
			return nil, err
		}
		amount = planAmount
	}
	if amount <= 0 {
		return nil, ineligible(invoiceID, ReasonNothingDue)
	}

	gw, err := s.gateways.Resolve(source.Gateway)
	if err != nil {
		return nil, err
	}
	if !gw.SupportsCurrency(invoice.Currency) {
		return nil, ineligible(invoiceID, ReasonUnsupportedCurrency)
	}
	if amount < gw.MinimumAmount(invoice.Currency) {
		return nil, ineligible(invoiceID, ReasonAmountTooSmall)
	}

	result, err := s.executor.PayWithSource(ctx, source.ID, chargeservice.PayRequest{
		OrgID:      orgID,
		CustomerID: invoice.CustomerID,
		Currency:   invoice.Currency,
		Initiator:  chargedomain.InitiatorAutoPay,
		Application: chargedomain.ChargeApplication{
			{Kind: chargedomain.ApplicationKindInvoice, TargetID: invoice.ID, Amount: amount},
		},
	})
	if err != nil {
		if errors.Is(err, chargedomain.ErrDuplicatePaymentAttempt) ||
			errors.Is(err, chargedomain.ErrReconciliationFailed) {
			// Neither is a failed collection: one is already being
			// handled elsewhere, the other needs an operator, and
			// retrying either would double charge.
			return nil, err
		}
		if recordErr := s.recordFailedAttempt(ctx, invoice); recordErr != nil {
			s.log.Error("failed to record collection failure",
				zap.Int64("invoice_id", int64(invoiceID)), zap.Error(recordErr))
		}
		return nil, fmt.Errorf("collect invoice %d: %w", invoiceID, err)
	}
	return result, nil
}

func (s *Service) loadInvoice(ctx context.Context, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, invoiceID).
		First(&invoice).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) checkPlanActive(ctx context.Context, orgID, planID, invoiceID snowflake.ID) error {
	var plan plandomain.PaymentPlan
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, planID).
		First(&plan).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return plandomain.ErrPlanNotFound
		}
		return err
	}
	if plan.Status != plandomain.PlanStatusActive {
		return ineligible(invoiceID, ReasonPlanNotActive)
	}
	return nil
}

func (s *Service) planAmountDue(ctx context.Context, orgID, planID snowflake.ID, mode plandomain.PlanMode) (int64, error) {
	var installments []plandomain.Installment
	if err := s.db.WithContext(ctx).
		Where("org_id = ? AND payment_plan_id = ?", orgID, planID).
		Order("due_date ASC, sequence ASC").
		Find(&installments).Error; err != nil {
		return 0, err
	}
	return plandomain.AmountDue(installments, mode, s.clock.Now().UTC())
}

func (s *Service) resolvePaymentSource(ctx context.Context, invoice *invoicedomain.Invoice) (*chargedomain.PaymentSource, error) {
	sourceID := invoice.PaymentSourceID
	if sourceID == nil {
		var customer customerdomain.Customer
		err := s.db.WithContext(ctx).
			Where("org_id = ? AND id = ?", invoice.OrgID, invoice.CustomerID).
			First(&customer).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return nil, err
		}
		sourceID = customer.DefaultPaymentSourceID
	}
	if sourceID == nil {
		return nil, ineligible(invoice.ID, ReasonNoPaymentSource)
	}

	var source chargedomain.PaymentSource
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", invoice.OrgID, *sourceID).
		First(&source).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ineligible(invoice.ID, ReasonNoPaymentSource)
		}
		return nil, err
	}
	return &source, nil
}

// recordFailedAttempt books one failed collection and applies the
// nonpayment policy. The invoice goes past due and gets its next
// attempt scheduled; once the attempt budget is spent, collection
// gives up and the policy decides whether the subscription is
// canceled.
func (s *Service) recordFailedAttempt(ctx context.Context, invoice *invoicedomain.Invoice) error {
	cfg := s.policy.Get()
	now := s.clock.Now().UTC()
	attempts := invoice.AttemptCount + 1
	exhausted := attempts >= cfg.MaxAttempts

	var canceledSubscription *snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if exhausted {
			if err := tx.Exec(
				`UPDATE invoices
				 SET status = ?, attempt_count = ?, next_payment_attempt = NULL, updated_at = ?
				 WHERE org_id = ? AND id = ?`,
				invoicedomain.InvoiceStatusPastDue, attempts, now, invoice.OrgID, invoice.ID,
			).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Exec(
				`UPDATE invoices
				 SET status = ?, attempt_count = ?, next_payment_attempt = ?, updated_at = ?
				 WHERE org_id = ? AND id = ?`,
				invoicedomain.InvoiceStatusPastDue, attempts, now.Add(cfg.RetryInterval()), now,
				invoice.OrgID, invoice.ID,
			).Error; err != nil {
				return err
			}
		}

		if exhausted && cfg.AfterNonpayment == config.NonpaymentActionCancel && invoice.SubscriptionID != nil {
			res := tx.Exec(
				`UPDATE subscriptions
				 SET status = ?, canceled_at = ?, canceled_reason = ?, updated_at = ?
				 WHERE org_id = ? AND id = ? AND status IN (?, ?)`,
				subscriptiondomain.SubscriptionStatusCanceled, now,
				subscriptiondomain.CanceledReasonNonpayment, now,
				invoice.OrgID, *invoice.SubscriptionID,
				subscriptiondomain.SubscriptionStatusActive,
				subscriptiondomain.SubscriptionStatusPastDue,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				canceledSubscription = invoice.SubscriptionID
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if canceledSubscription != nil {
		s.log.Warn("subscription canceled for nonpayment",
			zap.Int64("org_id", int64(invoice.OrgID)),
			zap.Int64("subscription_id", int64(*canceledSubscription)),
			zap.Int64("invoice_id", int64(invoice.ID)),
			zap.Int("attempts", attempts))
		if err := s.spool.Publish(ctx, invoice.OrgID, eventspool.TopicSubscriptionCanceled, map[string]any{
			"subscription_id": canceledSubscription.String(),
			"invoice_id":      invoice.ID.String(),
			"reason":          subscriptiondomain.CanceledReasonNonpayment,
		}); err != nil {
			s.log.Warn("failed to spool cancellation event", zap.Error(err))
		}
	}
	return nil
}
