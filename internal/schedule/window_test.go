package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var windowNow = time.Date(2026, 3, 16, 15, 0, 0, 0, time.UTC) // a Monday

func TestNextWeeklyExpiration(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			"monday skips this week's friday",
			windowNow,
			time.Date(2026, 3, 27, 0, 0, 0, 0, time.UTC),
		},
		{
			"friday lands exactly one week out",
			time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 27, 0, 0, 0, 0, time.UTC),
		},
		{
			"saturday rolls to the friday after next",
			time.Date(2026, 3, 21, 10, 0, 0, 0, time.UTC),
			time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextWeeklyExpiration(tt.now)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.Friday, got.Weekday())
			assert.GreaterOrEqual(t, got.Sub(tt.now.Truncate(24*time.Hour)), 7*24*time.Hour)
		})
	}
}

func TestNewWindowInvariant(t *testing.T) {
	w, err := NewWindow(windowNow, 5)
	require.NoError(t, err)
	require.NoError(t, w.Validate())

	slots := w.Slots()
	require.Len(t, slots, 5)
	for i := 1; i < len(slots); i++ {
		assert.Equal(t, 7*24*time.Hour, slots[i].Expiration.Sub(slots[i-1].Expiration))
	}
	assert.Equal(t, slots[0], w.Earliest())
	assert.Equal(t, slots[4], w.Farthest())
}

func TestNewWindowRejectsBadSize(t *testing.T) {
	_, err := NewWindow(windowNow, 0)
	assert.Error(t, err)
}

func TestRetireKeepsIDAndInvariant(t *testing.T) {
	w, err := NewWindow(windowNow, 5)
	require.NoError(t, err)

	first := w.Earliest()
	oldFarthest := w.Farthest().Expiration
	w.retire()

	require.NoError(t, w.Validate())
	refreshed, ok := w.Slot(first.ID)
	require.True(t, ok)
	assert.Equal(t, oldFarthest.Add(7*24*time.Hour), refreshed.Expiration)
	assert.Equal(t, refreshed, w.Farthest())
	assert.NotEqual(t, first.ID, w.Earliest().ID)
}

func TestRankAndSlotAfter(t *testing.T) {
	w, err := NewWindow(windowNow, 5)
	require.NoError(t, err)

	slots := w.Slots()
	assert.Equal(t, 0, w.Rank(slots[0].ID))
	assert.Equal(t, 4, w.Rank(slots[4].ID))
	assert.Equal(t, -1, w.Rank(99))

	next, ok := w.SlotAfter(slots[1].Expiration)
	require.True(t, ok)
	assert.Equal(t, slots[2].ID, next.ID)

	_, ok = w.SlotAfter(slots[4].Expiration)
	assert.False(t, ok)
}
