// Package proration computes signed invoice adjustments for
// mid-period subscription changes. Amounts are integer minor units;
// the period coefficient is calendar-day based and computed with
// decimals so rounding happens exactly once, at the end.
package proration

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Behavior controls whether a change produces proration items at all.
type Behavior string

const (
	BehaviorCreateProrations Behavior = "create_prorations"
	BehaviorNone             Behavior = "none"
)

// Action is the kind of subscription change being prorated.
type Action string

const (
	ActionUpgrade        Action = "upgrade"
	ActionDowngrade      Action = "downgrade"
	ActionQuantityChange Action = "quantity_change"
	ActionAddItem        Action = "add_item"
	ActionRemoveItem     Action = "remove_item"
	ActionCancellation   Action = "cancellation"
)

var (
	ErrInvalidPeriod = errors.New("proration period end must be after period start")
	ErrInvalidAction = errors.New("invalid proration action")
)

// Params describes one mid-period change. OldAmount/NewAmount are
// per-unit plan prices in minor units. PaidAmount caps how much credit
// can ever be issued for the old item; CreditsIssued is what earlier
// changes in the same period already returned.
type Params struct {
	Action   Action
	Behavior Behavior

	OldAmount   int64
	OldQuantity int64
	NewAmount   int64
	NewQuantity int64

	PeriodStart time.Time
	PeriodEnd   time.Time
	ProrateAt   time.Time

	// PayInAdvance reports whether the period was charged up front;
	// credits only exist when money was already collected.
	PayInAdvance bool

	PaidAmount    int64
	CreditsIssued int64
}

// LineItem is one signed adjustment. Credits are negative.
type LineItem struct {
	Description string
	Amount      int64
	Quantity    int64
	StartDate   time.Time
	EndDate     time.Time
}

// Result is the outcome of one proration calculation.
type Result struct {
	CreditItems []LineItem
	ChargeItems []LineItem
	NetAmount   int64
}

func validAction(a Action) bool {
	switch a {
	case ActionUpgrade, ActionDowngrade, ActionQuantityChange,
		ActionAddItem, ActionRemoveItem, ActionCancellation:
		return true
	}
	return false
}

// Calculate returns the credit for the unused remainder of the old
// item and the charge for the new item over the same remainder, both
// scaled by remaining-days / total-days. Behavior none returns an
// empty result.
func Calculate(p Params) (Result, error) {
	if p.Behavior == BehaviorNone {
		return Result{}, nil
	}
	if !validAction(p.Action) {
		return Result{}, ErrInvalidAction
	}

	totalDays := daysBetween(p.PeriodStart, p.PeriodEnd)
	if totalDays <= 0 {
		return Result{}, ErrInvalidPeriod
	}
	remainingDays := daysBetween(p.ProrateAt, p.PeriodEnd)
	if remainingDays < 0 {
		remainingDays = 0
	}

	coefficient := decimal.NewFromInt(remainingDays).Div(decimal.NewFromInt(totalDays))

	result := Result{}

	if p.shouldCredit() {
		oldTotal := decimal.NewFromInt(p.OldAmount).Mul(decimal.NewFromInt(p.OldQuantity))
		credit := oldTotal.Mul(coefficient)
		credit = capCredit(credit, p.PaidAmount, p.CreditsIssued)
		if credit.IsPositive() {
			item := LineItem{
				Description: "Unused time credit",
				Amount:      -credit.Round(0).IntPart(),
				Quantity:    p.OldQuantity,
				StartDate:   p.ProrateAt,
				EndDate:     p.PeriodEnd,
			}
			result.CreditItems = append(result.CreditItems, item)
			result.NetAmount += item.Amount
		}
	}

	if p.shouldCharge() {
		newTotal := decimal.NewFromInt(p.NewAmount).Mul(decimal.NewFromInt(p.NewQuantity))
		charge := newTotal.Mul(coefficient)
		if charge.IsPositive() {
			item := LineItem{
				Description: "Remaining time charge",
				Amount:      charge.Round(0).IntPart(),
				Quantity:    p.NewQuantity,
				StartDate:   p.ProrateAt,
				EndDate:     p.PeriodEnd,
			}
			result.ChargeItems = append(result.ChargeItems, item)
			result.NetAmount += item.Amount
		}
	}

	return result, nil
}

// shouldCredit: the change retires an existing item whose remainder was
// already paid for.
func (p Params) shouldCredit() bool {
	if !p.PayInAdvance {
		return false
	}
	switch p.Action {
	case ActionUpgrade, ActionDowngrade, ActionQuantityChange,
		ActionRemoveItem, ActionCancellation:
		return true
	}
	return false
}

// shouldCharge: the change introduces an item that covers the
// remainder of the period.
func (p Params) shouldCharge() bool {
	switch p.Action {
	case ActionUpgrade, ActionDowngrade, ActionQuantityChange, ActionAddItem:
		return true
	}
	return false
}

// capCredit never returns more than what was actually paid and not yet
// credited back.
func capCredit(credit decimal.Decimal, paidAmount, creditsIssued int64) decimal.Decimal {
	if paidAmount <= 0 {
		return credit
	}
	refundable := decimal.NewFromInt(paidAmount - creditsIssued)
	if refundable.IsNegative() {
		return decimal.Zero
	}
	if credit.GreaterThan(refundable) {
		return refundable
	}
	return credit
}

// daysBetween counts calendar days from start (inclusive) to end
// (exclusive), both normalized to midnight UTC.
func daysBetween(start, end time.Time) int64 {
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int64(endDay.Sub(startDay) / (24 * time.Hour))
}
