package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func planFixture(now time.Time) []Installment {
	return []Installment{
		{Sequence: 1, DueDate: now.AddDate(0, 0, -21), Amount: 200, Balance: 0}, // already paid
		{Sequence: 2, DueDate: now.AddDate(0, 0, -14), Amount: 300, Balance: 300},
		{Sequence: 3, DueDate: now.AddDate(0, 0, -7), Amount: 400, Balance: 400},
		{Sequence: 4, DueDate: now.AddDate(0, 0, 7), Amount: 500, Balance: 500},
	}
}

func TestAmountDueCurrentlyDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	due, err := AmountDue(planFixture(now), PlanModeCurrentlyDue, now)
	require.NoError(t, err)
	// Overdue unpaid installments only; the future one waits its turn.
	require.Equal(t, int64(700), due)
}

func TestAmountDueCurrentlyDueIncludesToday(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	installments := []Installment{
		{Sequence: 1, DueDate: now, Amount: 250, Balance: 250},
	}

	due, err := AmountDue(installments, PlanModeCurrentlyDue, now)
	require.NoError(t, err)
	require.Equal(t, int64(250), due)
}

func TestAmountDueNext(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	due, err := AmountDue(planFixture(now), PlanModeNext, now)
	require.NoError(t, err)
	// The earliest unpaid installment, regardless of due date.
	require.Equal(t, int64(300), due)
}

func TestAmountDueNextOnSettledPlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	installments := []Installment{
		{Sequence: 1, DueDate: now.AddDate(0, 0, -14), Amount: 300, Balance: 0},
		{Sequence: 2, DueDate: now.AddDate(0, 0, -7), Amount: 400, Balance: 0},
	}

	due, err := AmountDue(installments, PlanModeNext, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), due)
}

func TestAmountDueEmptyPlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, mode := range []PlanMode{PlanModeCurrentlyDue, PlanModeNext} {
		due, err := AmountDue(nil, mode, now)
		require.NoError(t, err)
		require.Equal(t, int64(0), due)
	}
}

func TestAmountDueInvalidMode(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := AmountDue(planFixture(now), PlanMode("everything"), now)
	require.ErrorIs(t, err, ErrInvalidPlanMode)
}
