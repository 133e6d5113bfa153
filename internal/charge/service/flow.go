package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/corebill/corebill/internal/charge/domain"
	"github.com/corebill/corebill/internal/gateway"
	"github.com/google/uuid"
)

var ErrPaymentFlowNotFound = errors.New("payment flow not found")

// BeginPaymentFlow opens a redirect payment session for amount. The
// returned flow carries the identifier handed to the gateway; the
// session stays in COLLECT_PAYMENT_DETAILS until ResolvePaymentFlow is
// called with the gateway's terminal status.
func (e *Executor) BeginPaymentFlow(ctx context.Context, orgID, customerID snowflake.ID, amount int64, currency string) (*domain.PaymentFlow, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidApplicationAmount
	}

	now := e.clock.Now().UTC()
	flow := &domain.PaymentFlow{
		ID:         e.genID.Generate(),
		OrgID:      orgID,
		CustomerID: customerID,
		Status:     domain.PaymentFlowStatusCollectDetails,
		Amount:     amount,
		Currency:   strings.ToUpper(strings.TrimSpace(currency)),
		Identifier: uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.db.WithContext(ctx).Create(flow).Error; err != nil {
		return nil, err
	}
	return flow, nil
}

// ResolvePaymentFlow records the gateway-reported terminal status of a
// redirect session. Resolving an already-terminal flow is a no-op.
func (e *Executor) ResolvePaymentFlow(ctx context.Context, orgID snowflake.ID, identifier string, reported gateway.Status) error {
	status := domain.PaymentFlowStatusFailed
	if reported == gateway.StatusSucceeded {
		status = domain.PaymentFlowStatusSucceeded
	}

	res := e.db.WithContext(ctx).Exec(
		`UPDATE payment_flows SET status = ?, updated_at = ?
		 WHERE org_id = ? AND identifier = ? AND status = ?`,
		status, e.clock.Now().UTC(),
		orgID, identifier, domain.PaymentFlowStatusCollectDetails,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := e.db.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM payment_flows WHERE org_id = ? AND identifier = ?`,
			orgID, identifier,
		).Scan(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrPaymentFlowNotFound
		}
	}
	return nil
}
