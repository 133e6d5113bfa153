package autopay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	chargeservice "github.com/corebill/corebill/internal/charge/service"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/config"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	obsmetrics "github.com/corebill/corebill/internal/observability/metrics"
	"github.com/corebill/corebill/internal/orgcontext"
	plandomain "github.com/corebill/corebill/internal/paymentplan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize   = 100
	defaultRunInterval = time.Minute
	jobTimeout         = 5 * time.Minute

	// Initiated-charge audit rows older than this belong to crashed
	// attempts; the sweep unblocks their targets.
	sweepAbandonedAfter = 24 * time.Hour
)

type SchedulerParams struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Collector  *Service
	Executor   *chargeservice.Executor
	Reconciler *chargeservice.Reconciler
	Clock      clock.Clock
	Policy     *config.CollectionConfigHolder
}

// Scheduler owns the periodic collection jobs: claiming and charging
// due invoices, polling pending charges, and sweeping abandoned audit
// rows.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	collector  *Service
	executor   *chargeservice.Executor
	reconciler *chargeservice.Reconciler
	clock      clock.Clock
	policy     *config.CollectionConfigHolder

	batchSize   int
	runInterval time.Duration
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("autopay.scheduler"),
		collector:   p.Collector,
		executor:    p.Executor,
		reconciler:  p.Reconciler,
		clock:       p.Clock,
		policy:      p.Policy,
		batchSize:   defaultBatchSize,
		runInterval: defaultRunInterval,
	}
}

type claimedInvoice struct {
	ID    snowflake.ID
	OrgID snowflake.ID
}

// CollectDueInvoices claims every invoice whose scheduled attempt has
// arrived and collects each one. Claiming bumps next_payment_attempt to
// the following retry slot before any charge, so a crash mid-batch
// costs one retry interval instead of a duplicate attempt; success
// clears the schedule and the staleness guard in Collect rejects rows
// another worker resolved in between. One failing invoice never stops
// the rest of the batch.
func (s *Scheduler) CollectDueInvoices(ctx context.Context) error {
	cfg := s.policy.Get()
	now := s.clock.Now().UTC()
	claimUntil := now.Add(cfg.RetryInterval())

	var claimed []claimedInvoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT id, org_id FROM invoices
			 WHERE auto_pay AND balance > 0
			   AND status IN (?, ?)
			   AND next_payment_attempt IS NOT NULL AND next_payment_attempt <= ?
			 ORDER BY next_payment_attempt ASC, id ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT ?`,
			invoicedomain.InvoiceStatusOpen, invoicedomain.InvoiceStatusPastDue,
			now, s.batchSize,
		).Scan(&claimed).Error; err != nil {
			return err
		}
		for _, row := range claimed {
			if err := tx.Exec(
				`UPDATE invoices SET next_payment_attempt = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
				claimUntil, now, row.OrgID, row.ID,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	obsmetrics.Collection().SetDueBacklog(len(claimed))
	if len(claimed) == 0 {
		return nil
	}

	var errs []error
	for _, row := range claimed {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rowCtx := orgcontext.WithOrgID(ctx, int64(row.OrgID))
		_, err := s.collector.collect(rowCtx, row.OrgID, row.ID, plandomain.PlanModeCurrentlyDue, &claimUntil)
		switch {
		case err == nil:
		case errors.Is(err, errStaleClaim):
			obsmetrics.Collection().IncAttempt(obsmetrics.OutcomeSkipped)
		case IsIneligible(err):
			obsmetrics.Collection().IncAttempt(obsmetrics.OutcomeSkipped)
			s.log.Debug("skipped ineligible invoice",
				zap.Int64("invoice_id", int64(row.ID)), zap.Error(err))
		default:
			s.log.Warn("collection attempt failed",
				zap.Int64("org_id", int64(row.OrgID)),
				zap.Int64("invoice_id", int64(row.ID)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)
	if err != nil {
		s.log.Warn("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed))
	return nil
}

// RunOnce executes one pass of every collection job.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "collect_due", s.CollectDueInvoices))
	err = errors.Join(err, s.runJob(parent, "poll_pending", s.reconciler.PollPendingCharges))
	err = errors.Join(err, s.runJob(parent, "sweep_initiated", func(ctx context.Context) error {
		_, sweepErr := s.executor.SweepAbandonedInitiatedCharges(ctx, sweepAbandonedAfter)
		return sweepErr
	}))
	return err
}

// RunForever loops RunOnce until ctx is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.runInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("collection run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
