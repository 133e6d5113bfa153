package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	chargedomain "github.com/corebill/corebill/internal/charge/domain"
	"github.com/corebill/corebill/internal/charge/service"
	"github.com/corebill/corebill/internal/clock"
	"github.com/corebill/corebill/internal/config"
	"github.com/corebill/corebill/internal/eventspool"
	"github.com/corebill/corebill/internal/gateway"
	invoicedomain "github.com/corebill/corebill/internal/invoice/domain"
	"github.com/corebill/corebill/internal/locker"
	numbering "github.com/corebill/corebill/internal/numbering/service"
	"github.com/corebill/corebill/internal/orgcontext"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:charge_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	schema := []string{
		`CREATE TABLE customers (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			default_payment_source_id BIGINT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE invoices (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			subscription_id BIGINT,
			payment_plan_id BIGINT,
			payment_source_id BIGINT,
			number TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			total_amount BIGINT NOT NULL DEFAULT 0,
			balance BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			auto_pay BOOLEAN NOT NULL DEFAULT FALSE,
			next_payment_attempt DATETIME,
			attempt_count INT NOT NULL DEFAULT 0,
			issued_at DATETIME,
			due_at DATETIME,
			paid_at DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE estimates (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			number TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE credit_notes (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			number TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE payment_sources (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			gateway TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			number TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			initiator TEXT NOT NULL,
			voided_at DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE charges (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			payment_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			gateway TEXT NOT NULL,
			gateway_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_source_id BIGINT,
			last_status_check DATETIME,
			failure_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE payment_applications (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			payment_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE initiated_charges (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			correlation_id TEXT NOT NULL UNIQUE,
			gateway TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE initiated_charge_documents (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			initiated_charge_id BIGINT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_flows (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			customer_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			identifier TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE auto_number_sequences (
			org_id BIGINT NOT NULL,
			document_type TEXT NOT NULL,
			next_value BIGINT NOT NULL DEFAULT 1,
			template TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (org_id, document_type)
		)`,
		`CREATE TABLE billing_events (
			id BIGINT PRIMARY KEY,
			org_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	db         *gorm.DB
	executor   *service.Executor
	reconciler *service.Reconciler
	gateway    *gateway.RecordingGateway
	locker     *locker.MemoryLocker
	clock      *clock.FakeClock
	policy     *config.CollectionConfigHolder
	node       *snowflake.Node

	orgID      snowflake.ID
	customerID snowflake.ID
	sourceID   snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	memLocker := locker.NewMemoryLockerAt(fakeClock.Now)
	policy := config.NewStaticCollectionConfigHolder(config.DefaultCollectionConfig())

	node, err := snowflake.NewNode(11)
	require.NoError(t, err)

	gw := gateway.NewRecordingGateway("sandbox")
	registry := gateway.NewRegistry(gw)
	spool := eventspool.NewOutboxSpool(db, node)

	numberingSvc := numbering.NewService(numbering.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Locker: memLocker,
		Spool:  spool,
		Policy: policy,
	})

	f := &fixture{
		db:      db,
		gateway: gw,
		locker:  memLocker,
		clock:   fakeClock,
		policy:  policy,
		node:    node,
	}
	f.executor = service.NewExecutor(service.ExecutorParams{
		DB:        db,
		Log:       zap.NewNop(),
		Locker:    memLocker,
		Gateways:  registry,
		Spool:     spool,
		Numbering: numberingSvc,
		GenID:     node,
		Clock:     fakeClock,
	})
	f.reconciler = service.NewReconciler(service.ReconcilerParams{
		DB:       db,
		Log:      zap.NewNop(),
		Gateways: registry,
		Spool:    spool,
		Clock:    fakeClock,
		Policy:   policy,
	})

	f.orgID = node.Generate()
	f.customerID = node.Generate()
	f.sourceID = node.Generate()

	require.NoError(t, db.Exec(
		`INSERT INTO customers (id, org_id, name, default_payment_source_id) VALUES (?, ?, 'Acme Co', ?)`,
		f.customerID, f.orgID, f.sourceID,
	).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO payment_sources (id, org_id, customer_id, gateway, source_ref, verified)
		 VALUES (?, ?, ?, 'sandbox', 'src_1', TRUE)`,
		f.sourceID, f.orgID, f.customerID,
	).Error)

	return f
}

func (f *fixture) seedInvoice(t *testing.T, balance int64, status invoicedomain.InvoiceStatus) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO invoices (id, org_id, customer_id, payment_source_id, number, status, total_amount, balance, currency, auto_pay)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'USD', TRUE)`,
		id, f.orgID, f.customerID, f.sourceID, fmt.Sprintf("INV-%06d", id%1000000), status, balance, balance,
	).Error)
	return id
}

func (f *fixture) invoice(t *testing.T, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	var inv invoicedomain.Invoice
	require.NoError(t, f.db.Where("org_id = ? AND id = ?", f.orgID, id).First(&inv).Error)
	return inv
}

func (f *fixture) invoiceRequest(invoiceID snowflake.ID, amount int64) service.PayRequest {
	return service.PayRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		Currency:   "USD",
		Initiator:  chargedomain.InitiatorAPI,
		Application: chargedomain.ChargeApplication{
			{Kind: chargedomain.ApplicationKindInvoice, TargetID: invoiceID, Amount: amount},
		},
	}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestPayWithSourceSettlesInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	result, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.NoError(t, err)
	require.Equal(t, chargedomain.PaymentStatusSucceeded, result.Payment.Status)
	require.Equal(t, "PAY-000001", result.Payment.Number)
	require.Equal(t, int64(5000), result.Payment.Amount)
	require.Equal(t, chargedomain.ChargeStatusSucceeded, result.Charge.Status)
	require.NotEmpty(t, result.Charge.GatewayID)

	inv := f.invoice(t, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, inv.Status)
	require.Equal(t, int64(0), inv.Balance)
	require.NotNil(t, inv.PaidAt)
	require.Nil(t, inv.NextPaymentAttempt)

	// Audit rows are gone once the payment is durable.
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM initiated_charge_documents`))

	require.Equal(t, int64(1), f.count(t,
		`SELECT COUNT(1) FROM billing_events WHERE event_type = ?`, eventspool.TopicChargeSucceeded))
	require.Equal(t, int64(1), f.count(t,
		`SELECT COUNT(1) FROM billing_events WHERE event_type = ?`, eventspool.TopicInvoicePaid))
}

func TestOrgResolvedFromContext(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	req := f.invoiceRequest(invoiceID, 5000)
	req.OrgID = 0

	// Without an org in the request or the context the attempt is refused
	// before any lookup.
	_, err := f.executor.PayWithSource(context.Background(), f.sourceID, req)
	require.ErrorIs(t, err, chargedomain.ErrMissingOrg)

	ctx := orgcontext.WithOrgID(context.Background(), int64(f.orgID))
	result, err := f.executor.PayWithSource(ctx, f.sourceID, req)
	require.NoError(t, err)
	require.Equal(t, f.orgID, result.Payment.OrgID)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoice(t, invoiceID).Status)
}

func TestPartialPaymentKeepsInvoiceOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	_, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 2000))
	require.NoError(t, err)

	inv := f.invoice(t, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusOpen, inv.Status)
	require.Equal(t, int64(3000), inv.Balance)
	require.Nil(t, inv.PaidAt)
}

func TestHeldLockRejectsDuplicateAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	key := fmt.Sprintf("charge:%d:%s:%d", f.orgID, chargedomain.ApplicationKindInvoice, invoiceID)
	_, ok, err := f.locker.TryAcquire(ctx, key, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.ErrorIs(t, err, chargedomain.ErrDuplicatePaymentAttempt)
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM payments`))
}

func TestLeftoverAuditRowRejectsDuplicateAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	// A crashed attempt left its audit rows behind; the lock has long
	// expired but the rows still block collection on the same target.
	initiatedID := f.node.Generate()
	now := f.clock.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO initiated_charges (id, org_id, customer_id, correlation_id, gateway, amount, currency, created_at)
		 VALUES (?, ?, ?, 'corr-1', 'sandbox', 5000, 'USD', ?)`,
		initiatedID, f.orgID, f.customerID, now,
	).Error)
	require.NoError(t, f.db.Exec(
		`INSERT INTO initiated_charge_documents (id, org_id, initiated_charge_id, target_kind, target_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, 5000, ?)`,
		f.node.Generate(), f.orgID, initiatedID, chargedomain.ApplicationKindInvoice, invoiceID, now,
	).Error)

	_, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.ErrorIs(t, err, chargedomain.ErrDuplicatePaymentAttempt)
	require.Zero(t, len(f.gateway.ChargeCalls))
}

func TestGatewayDeclineLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	f.gateway.EnqueueResult(gateway.ChargeResult{Status: gateway.StatusFailed, Message: "card declined"})

	_, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.Error(t, err)
	var chargeErr *gateway.ChargeError
	require.ErrorAs(t, err, &chargeErr)
	require.Contains(t, chargeErr.Message, "card declined")

	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM payments`))
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))
	inv := f.invoice(t, invoiceID)
	require.Equal(t, int64(5000), inv.Balance)
	require.Equal(t, invoicedomain.InvoiceStatusOpen, inv.Status)

	// A fresh attempt is allowed immediately.
	_, err = f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.NoError(t, err)
}

func TestGatewayErrorCleansAuditRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	f.gateway.FailNext(errors.New("connection reset"))

	_, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.Error(t, err)
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM initiated_charge_documents`))
}

func TestReconciliationFailureKeepsAuditRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	// Break persistence after the gateway call: the reconciling
	// transaction cannot record the payment applications.
	require.NoError(t, f.db.Exec(`DROP TABLE payment_applications`).Error)

	_, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.ErrorIs(t, err, chargedomain.ErrReconciliationFailed)

	// The gateway was charged, so the audit rows must survive for
	// operator follow-up.
	require.Len(t, f.gateway.SourceCalls, 1)
	require.Equal(t, int64(1), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))
	require.Equal(t, int64(1), f.count(t, `SELECT COUNT(1) FROM initiated_charge_documents`))

	// The rolled-back transaction left no ledger rows and the invoice
	// untouched.
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM payments`))
	require.Equal(t, int64(0), f.count(t, `SELECT COUNT(1) FROM charges`))
	inv := f.invoice(t, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusOpen, inv.Status)
	require.Equal(t, int64(5000), inv.Balance)

	// While the audit rows stand, a blind retry is refused instead of
	// charging twice.
	_, err = f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.ErrorIs(t, err, chargedomain.ErrDuplicatePaymentAttempt)
	require.Len(t, f.gateway.SourceCalls, 1)
}

func TestPendingChargeSuspendsTheInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	f.gateway.EnqueueResult(gateway.ChargeResult{Status: gateway.StatusPending})

	result, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.NoError(t, err)
	require.Equal(t, chargedomain.PaymentStatusPending, result.Payment.Status)
	require.Equal(t, chargedomain.ChargeStatusPending, result.Charge.Status)

	inv := f.invoice(t, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusPending, inv.Status)
	// Balance only moves when the charge settles.
	require.Equal(t, int64(5000), inv.Balance)
	require.Nil(t, inv.NextPaymentAttempt)

	require.Equal(t, int64(1), f.count(t,
		`SELECT COUNT(1) FROM billing_events WHERE event_type = ?`, eventspool.TopicChargePending))
}

func TestMultiSplitApplication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	req := service.PayRequest{
		OrgID:      f.orgID,
		CustomerID: f.customerID,
		Currency:   "USD",
		Initiator:  chargedomain.InitiatorCustomerPortal,
		Application: chargedomain.ChargeApplication{
			{Kind: chargedomain.ApplicationKindInvoice, TargetID: invoiceID, Amount: 5000},
			{Kind: chargedomain.ApplicationKindConvenienceFee, TargetID: f.node.Generate(), Amount: 150},
		},
	}

	result, err := f.executor.PayWithSource(ctx, f.sourceID, req)
	require.NoError(t, err)
	require.Equal(t, int64(5150), result.Payment.Amount)

	require.Equal(t, int64(2), f.count(t,
		`SELECT COUNT(1) FROM payment_applications WHERE payment_id = ?`, result.Payment.ID))
	var applied int64
	require.NoError(t, f.db.Raw(
		`SELECT SUM(amount) FROM payment_applications WHERE payment_id = ?`, result.Payment.ID,
	).Scan(&applied).Error)
	require.Equal(t, result.Payment.Amount, applied)

	require.Equal(t, int64(0), f.invoice(t, invoiceID).Balance)
}

func TestApplicationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name string
		app  chargedomain.ChargeApplication
		want error
	}{
		{"empty", chargedomain.ChargeApplication{}, chargedomain.ErrEmptyApplication},
		{"bad kind", chargedomain.ChargeApplication{
			{Kind: "LOYALTY_POINTS", TargetID: 1, Amount: 100},
		}, chargedomain.ErrInvalidApplicationKind},
		{"zero target", chargedomain.ChargeApplication{
			{Kind: chargedomain.ApplicationKindInvoice, TargetID: 0, Amount: 100},
		}, chargedomain.ErrInvalidApplicationTarget},
		{"non-positive amount", chargedomain.ChargeApplication{
			{Kind: chargedomain.ApplicationKindInvoice, TargetID: 1, Amount: 0},
		}, chargedomain.ErrInvalidApplicationAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.executor.PayWithSource(ctx, f.sourceID, service.PayRequest{
				OrgID:       f.orgID,
				CustomerID:  f.customerID,
				Currency:    "USD",
				Initiator:   chargedomain.InitiatorAPI,
				Application: tc.app,
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCurrencyAndMinimumGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	req := f.invoiceRequest(invoiceID, 5000)
	req.Currency = "XAU"
	_, err := f.executor.PayWithSource(ctx, f.sourceID, req)
	require.ErrorIs(t, err, chargedomain.ErrUnsupportedCurrency)

	small := f.invoiceRequest(invoiceID, 25) // sandbox USD minimum is 50
	_, err = f.executor.PayWithSource(ctx, f.sourceID, small)
	require.ErrorIs(t, err, chargedomain.ErrAmountTooSmall)
}

func TestFullRefundVoidsPaymentAndReopensInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	result, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.NoError(t, err)

	refund, err := f.executor.Refund(ctx, f.orgID, result.Charge.ID, 5000)
	require.NoError(t, err)
	require.NotEmpty(t, refund.RefundID)
	require.Len(t, f.gateway.RefundCalls, 1)

	var payment chargedomain.Payment
	require.NoError(t, f.db.Where("id = ?", result.Payment.ID).First(&payment).Error)
	require.Equal(t, chargedomain.PaymentStatusVoided, payment.Status)
	require.NotNil(t, payment.VoidedAt)

	inv := f.invoice(t, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusOpen, inv.Status)
	require.Equal(t, int64(5000), inv.Balance)
	require.Nil(t, inv.PaidAt)
	// Refunds never reschedule collection.
	require.Nil(t, inv.NextPaymentAttempt)
}

func TestRefundGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	result, err := f.executor.PayWithSource(ctx, f.sourceID, f.invoiceRequest(invoiceID, 5000))
	require.NoError(t, err)

	_, err = f.executor.Refund(ctx, f.orgID, result.Charge.ID, 6000)
	require.ErrorIs(t, err, service.ErrRefundExceedsCharge)

	_, err = f.executor.Refund(ctx, f.orgID, f.node.Generate(), 100)
	require.ErrorIs(t, err, chargedomain.ErrChargeNotFound)
}

func TestPaymentFlowLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	flow, err := f.executor.BeginPaymentFlow(ctx, f.orgID, f.customerID, 2500, "usd")
	require.NoError(t, err)
	require.Equal(t, chargedomain.PaymentFlowStatusCollectDetails, flow.Status)
	require.Equal(t, "USD", flow.Currency)
	require.NotEmpty(t, flow.Identifier)

	require.NoError(t, f.executor.ResolvePaymentFlow(ctx, f.orgID, flow.Identifier, gateway.StatusSucceeded))

	var status string
	require.NoError(t, f.db.Raw(
		`SELECT status FROM payment_flows WHERE identifier = ?`, flow.Identifier,
	).Scan(&status).Error)
	require.Equal(t, string(chargedomain.PaymentFlowStatusSucceeded), status)

	// Terminal flows stay terminal.
	require.NoError(t, f.executor.ResolvePaymentFlow(ctx, f.orgID, flow.Identifier, gateway.StatusFailed))
	require.NoError(t, f.db.Raw(
		`SELECT status FROM payment_flows WHERE identifier = ?`, flow.Identifier,
	).Scan(&status).Error)
	require.Equal(t, string(chargedomain.PaymentFlowStatusSucceeded), status)

	err = f.executor.ResolvePaymentFlow(ctx, f.orgID, "missing", gateway.StatusSucceeded)
	require.ErrorIs(t, err, service.ErrPaymentFlowNotFound)
}

func TestSweepAbandonedInitiatedCharges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	invoiceID := f.seedInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	old := f.clock.Now().UTC().Add(-25 * time.Hour)
	fresh := f.clock.Now().UTC().Add(-time.Hour)
	for i, createdAt := range []time.Time{old, fresh} {
		initiatedID := f.node.Generate()
		require.NoError(t, f.db.Exec(
			`INSERT INTO initiated_charges (id, org_id, customer_id, correlation_id, gateway, amount, currency, created_at)
			 VALUES (?, ?, ?, ?, 'sandbox', 5000, 'USD', ?)`,
			initiatedID, f.orgID, f.customerID, fmt.Sprintf("corr-%d", i), createdAt,
		).Error)
		require.NoError(t, f.db.Exec(
			`INSERT INTO initiated_charge_documents (id, org_id, initiated_charge_id, target_kind, target_id, amount, created_at)
			 VALUES (?, ?, ?, ?, ?, 5000, ?)`,
			f.node.Generate(), f.orgID, initiatedID, chargedomain.ApplicationKindInvoice, invoiceID, createdAt,
		).Error)
	}

	// The listing shows only the stale attempt, and leaves it in place.
	orphaned, err := f.executor.ListAbandonedInitiatedCharges(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "corr-0", orphaned[0].CorrelationID)
	require.Equal(t, int64(2), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))

	swept, err := f.executor.SweepAbandonedInitiatedCharges(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), swept)
	require.Equal(t, int64(1), f.count(t, `SELECT COUNT(1) FROM initiated_charges`))
	require.Equal(t, int64(1), f.count(t, `SELECT COUNT(1) FROM initiated_charge_documents`))
}
