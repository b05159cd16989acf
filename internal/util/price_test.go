package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloorToTick(t *testing.T) {
	assert.InDelta(t, 0.21, FloorToTick(0.215, 0.01), 1e-9)
	assert.InDelta(t, 0.21, FloorToTick(0.21, 0.01), 1e-9)
	assert.InDelta(t, 11.5, FloorToTick(11.73, 0.5), 1e-9)
	assert.InDelta(t, 0.215, FloorToTick(0.215, 0), 1e-9)
}

func TestCeilToTick(t *testing.T) {
	assert.InDelta(t, 0.22, CeilToTick(0.215, 0.01), 1e-9)
	assert.InDelta(t, 0.21, CeilToTick(0.21, 0.01), 1e-9)
	assert.InDelta(t, 12.0, CeilToTick(11.73, 0.5), 1e-9)
}

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 0.22, RoundToTick(0.216, 0.01), 1e-9)
	assert.InDelta(t, 0.21, RoundToTick(0.214, 0.01), 1e-9)
}
