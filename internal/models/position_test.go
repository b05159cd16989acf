package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var posNow = time.Date(2026, 3, 16, 15, 0, 0, 0, time.UTC)

func openLeg(t *testing.T) *Position {
	t.Helper()
	pos := NewPosition("leg-1", 2, "F", SidePut, 11.5, posNow.AddDate(0, 0, 10))
	require.NoError(t, pos.TransitionStatus(StatusPendingOpen, ConditionOrderPlaced))
	pos.OpenOrderID = "ord-1"
	pos.OptionSymbol = "F260326P00011500"
	require.NoError(t, pos.TransitionStatus(StatusOpen, ConditionOrderFilled))
	pos.Quantity = -1
	pos.CreditReceived = 0.42
	pos.Delta = -0.21
	pos.DeltaUpdatedAt = posNow
	return pos
}

func TestSideValidAndOpposite(t *testing.T) {
	assert.True(t, SidePut.Valid())
	assert.True(t, SideCall.Valid())
	assert.False(t, Side("straddle").Valid())
	assert.Equal(t, SideCall, SidePut.Opposite())
	assert.Equal(t, SidePut, SideCall.Opposite())
}

func TestTransitionSetsLifecycleDates(t *testing.T) {
	pos := openLeg(t)
	assert.False(t, pos.OpenDate.IsZero())

	require.NoError(t, pos.TransitionStatus(StatusPendingClose, ConditionCloseStarted))
	require.NoError(t, pos.TransitionStatus(StatusClosed, ConditionOrderFilled))
	assert.False(t, pos.CloseDate.IsZero())
	assert.Equal(t, ConditionOrderFilled, pos.CloseReason)
}

func TestTransitionKeepsExplicitCloseReason(t *testing.T) {
	pos := openLeg(t)
	pos.CloseReason = "delta_threshold"
	require.NoError(t, pos.TransitionStatus(StatusPendingClose, ConditionCloseStarted))
	require.NoError(t, pos.TransitionStatus(StatusClosed, ConditionOrderFilled))
	assert.Equal(t, "delta_threshold", pos.CloseReason)
}

func TestRollLegFailureClearsContractFields(t *testing.T) {
	pos := openLeg(t)
	pos.CloseOrderID = "ord-2"
	require.NoError(t, pos.TransitionStatus(StatusPendingRoll, ConditionRollStarted))
	require.NoError(t, pos.TransitionStatus(StatusPendingOpen, ConditionRollLegFailed))

	// The old contract is gone; only the slot's targeting survives.
	assert.Empty(t, pos.OptionSymbol)
	assert.Empty(t, pos.OpenOrderID)
	assert.Empty(t, pos.CloseOrderID)
	assert.Zero(t, pos.Quantity)
	assert.Zero(t, pos.Delta)
	assert.True(t, pos.DeltaUpdatedAt.IsZero())
	assert.Equal(t, SidePut, pos.Side)
	assert.InDelta(t, 11.5, pos.Strike, 1e-9)
}

func TestInvalidTransitionWrapsSlotContext(t *testing.T) {
	pos := NewPosition("leg-9", 4, "F", SideCall, 13.0, posNow)
	err := pos.TransitionStatus(StatusOpen, ConditionOrderFilled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot 4")
	assert.Equal(t, StatusEmpty, pos.CurrentStatus())
}

func TestHasWorkingOrder(t *testing.T) {
	pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow)
	assert.False(t, pos.HasWorkingOrder())

	require.NoError(t, pos.TransitionStatus(StatusPendingOpen, ConditionOrderPlaced))
	// Pending but no broker order id yet.
	assert.False(t, pos.HasWorkingOrder())

	pos.OpenOrderID = "ord-1"
	assert.True(t, pos.HasWorkingOrder())
}

func TestDaysToExpiry(t *testing.T) {
	pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow.AddDate(0, 0, 4))
	assert.Equal(t, 4, pos.DaysToExpiry(posNow))
	assert.Equal(t, 0, pos.DaysToExpiry(posNow.AddDate(0, 0, 4)))
	// Past expiration clamps at zero.
	assert.Equal(t, 0, pos.DaysToExpiry(posNow.AddDate(0, 0, 9)))
}

func TestDeltaIsStale(t *testing.T) {
	pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow)
	assert.True(t, pos.DeltaIsStale(posNow, 30*time.Minute), "never observed")

	pos.DeltaUpdatedAt = posNow.Add(-10 * time.Minute)
	assert.False(t, pos.DeltaIsStale(posNow, 30*time.Minute))

	pos.DeltaUpdatedAt = posNow.Add(-31 * time.Minute)
	assert.True(t, pos.DeltaIsStale(posNow, 30*time.Minute))
}

func TestPremiumCollected(t *testing.T) {
	pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow)
	pos.CreditReceived = 0.42

	pos.Quantity = -1
	assert.InDelta(t, 42.0, pos.PremiumCollected(), 1e-9)

	pos.Quantity = -3
	assert.InDelta(t, 126.0, pos.PremiumCollected(), 1e-9)

	// Unfilled legs report the single-contract credit.
	pos.Quantity = 0
	assert.InDelta(t, 42.0, pos.PremiumCollected(), 1e-9)
}

func TestValidatePerStatus(t *testing.T) {
	t.Run("fresh leg is valid", func(t *testing.T) {
		pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow)
		assert.NoError(t, pos.Validate())
	})

	t.Run("open leg is valid", func(t *testing.T) {
		assert.NoError(t, openLeg(t).Validate())
	})

	t.Run("open leg must be short", func(t *testing.T) {
		pos := openLeg(t)
		pos.Quantity = 1
		require.Error(t, pos.Validate())
	})

	t.Run("open leg needs credit", func(t *testing.T) {
		pos := openLeg(t)
		pos.CreditReceived = 0
		require.Error(t, pos.Validate())
	})

	t.Run("pending open cannot hold quantity", func(t *testing.T) {
		pos := NewPosition("leg-1", 0, "F", SidePut, 11.5, posNow)
		require.NoError(t, pos.TransitionStatus(StatusPendingOpen, ConditionOrderPlaced))
		pos.Quantity = -1
		require.Error(t, pos.Validate())
	})

	t.Run("delta outside unit range", func(t *testing.T) {
		pos := openLeg(t)
		pos.Delta = -1.4
		require.Error(t, pos.Validate())
	})

	t.Run("closed leg needs reason", func(t *testing.T) {
		pos := openLeg(t)
		require.NoError(t, pos.TransitionStatus(StatusPendingClose, ConditionCloseStarted))
		require.NoError(t, pos.TransitionStatus(StatusClosed, ConditionOrderFilled))
		pos.CloseReason = "  "
		require.Error(t, pos.Validate())
	})
}

func TestValidateRehydratedFromStatus(t *testing.T) {
	// A leg loaded from persistence carries only the canonical status.
	pos := &Position{
		ID:             "leg-1",
		SlotID:         1,
		Symbol:         "F",
		Side:           SidePut,
		Strike:         11.5,
		Expiration:     posNow.AddDate(0, 0, 10),
		Quantity:       -1,
		CreditReceived: 0.42,
		OpenDate:       posNow.AddDate(0, 0, -3),
		Status:         StatusOpen,
	}
	assert.NoError(t, pos.Validate())
	assert.Equal(t, StatusOpen, pos.CurrentStatus())
	assert.True(t, pos.IsActive())
}
