package main

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/mock"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper"},
		Broker:      config.BrokerConfig{Provider: "paper"},
		Strategy: config.StrategyConfig{
			Underlying:         "F",
			TargetShares:       1000,
			Contracts:          1,
			RollDeltaThreshold: 0.70,
			BaseDelta:          0.20,
			MaxDelta:           0.40,
			NeutralBand:        0.05,
			MinDTE:             1,
			DeltaMaxAge:        "30m",
		},
		Schedule: config.ScheduleConfig{
			Slots:             5,
			EvalInterval:      "15m",
			OrderPollInterval: "1ms",
			OrderPollTimeout:  "100ms",
		},
		Liquidity: config.LiquidityConfig{
			MinOpenInterest:     100,
			MaxSpreadPct:        0.20,
			StrikeBandPct:       0.15,
			ExpiryToleranceDays: 2,
		},
		Storage: config.StorageConfig{Path: filepath.Join(t.TempDir(), "state.json")},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestBot(t *testing.T, b broker.Broker) (*Bot, storage.Interface) {
	t.Helper()
	cfg := testConfig(t)
	store, err := storage.NewJSONStore(cfg.Storage.Path)
	require.NoError(t, err)
	bot, err := NewBot(cfg, b, nil, store, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return bot, store
}

func TestPaperCycleFillsWindowWithPuts(t *testing.T) {
	paper := mock.NewBroker("F", 12.40, 25000, 400)
	bot, store := newTestBot(t, paper)

	require.NoError(t, bot.reconcile(context.Background()))
	bot.runCycle(context.Background())

	// Cash-heavy account (400 of 1000 target shares): every slot sells a put.
	require.Len(t, bot.positions, 5)
	for slotID, pos := range bot.positions {
		require.NotNil(t, pos, "slot %d", slotID)
		assert.Equal(t, models.StatusOpen, pos.CurrentStatus(), "slot %d", slotID)
		assert.Equal(t, models.SidePut, pos.Side, "slot %d", slotID)
		assert.Equal(t, -1, pos.Quantity)
		assert.Greater(t, pos.CreditReceived, 0.0)
		assert.LessOrEqual(t, pos.Strike, 12.40)
	}

	// Each slot landed on its own expiration.
	seen := map[string]bool{}
	for _, pos := range bot.positions {
		key := pos.Expiration.Format("2006-01-02")
		assert.False(t, seen[key], "duplicate expiration %s", key)
		seen[key] = true
	}

	stats := store.Stats()
	assert.Equal(t, 5, stats.Opens)
	assert.Greater(t, stats.TotalPremium, 0.0)

	status := bot.Status()
	assert.Equal(t, 1, status.CycleCount)
	assert.False(t, status.HoldOnly)
	assert.InDelta(t, -0.6, status.Portfolio.AllocationBias, 1e-9)
}

func TestSecondCycleHoldsFullWindow(t *testing.T) {
	paper := mock.NewBroker("F", 12.40, 25000, 400)
	bot, store := newTestBot(t, paper)

	require.NoError(t, bot.reconcile(context.Background()))
	bot.runCycle(context.Background())
	bot.runCycle(context.Background())

	// Fresh deltas sit near target, far below the roll threshold, so the
	// second cycle changes nothing.
	assert.Equal(t, 5, store.Stats().Opens)
	assert.Equal(t, 0, store.Stats().Rolls)
	assert.Equal(t, 2, bot.Status().CycleCount)
}

func TestReconcileAdoptsBrokerPositions(t *testing.T) {
	paper := mock.NewBroker("F", 12.40, 25000, 400)

	// Seed the broker with an existing short put before the bot starts.
	exps, err := paper.GetExpirations("F")
	require.NoError(t, err)
	chain, err := paper.GetOptionChain("F", exps[2], true)
	require.NoError(t, err)
	var sym string
	for _, o := range chain {
		if o.OptionType == "put" && o.Strike == 11.5 {
			sym = o.Symbol
		}
	}
	require.NotEmpty(t, sym)
	_, err = paper.PlaceOptionOrder(broker.OrderRequest{
		Underlying:   "F",
		OptionSymbol: sym,
		Side:         broker.SellToOpen,
		Quantity:     1,
		OrderType:    "market",
		Duration:     broker.DurationDay,
	})
	require.NoError(t, err)

	bot, _ := newTestBot(t, paper)
	require.NoError(t, bot.reconcile(context.Background()))

	found := false
	for _, pos := range bot.positions {
		if pos != nil && pos.OptionSymbol == sym {
			found = true
			assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
			assert.Equal(t, -1, pos.Quantity)
			assert.InDelta(t, 11.5, pos.Strike, 1e-9)
		}
	}
	assert.True(t, found, "expected the short put to be adopted into a slot")
}

// brokenBroker fails the market clock call, simulating a dead connection.
type brokenBroker struct {
	broker.Broker
}

func (brokenBroker) IsTradingDay(bool) (bool, error) {
	return false, errors.New("connection refused")
}

func TestBrokerDownGoesHoldOnly(t *testing.T) {
	paper := mock.NewBroker("F", 12.40, 25000, 400)
	bot, store := newTestBot(t, brokenBroker{paper})

	require.NoError(t, bot.reconcile(context.Background()))
	bot.runCycle(context.Background())

	assert.True(t, bot.Status().HoldOnly)
	assert.Empty(t, bot.positions)

	reports := store.Snapshot().Reports
	require.NotEmpty(t, reports)
	assert.Equal(t, "broker_disconnected", reports[len(reports)-1].Code)
}

func TestTriggerCoalescing(t *testing.T) {
	paper := mock.NewBroker("F", 12.40, 25000, 400)
	bot, _ := newTestBot(t, paper)

	for i := 0; i < 10; i++ {
		bot.TriggerEvaluation()
	}
	// One queued trigger at most.
	assert.Len(t, bot.trigger, 1)
}
