package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/chain"
	"github.com/eddiefleurent/wheelhouse/internal/config"
	"github.com/eddiefleurent/wheelhouse/internal/dashboard"
	"github.com/eddiefleurent/wheelhouse/internal/engine"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/monitor"
	"github.com/eddiefleurent/wheelhouse/internal/orders"
	"github.com/eddiefleurent/wheelhouse/internal/rebalance"
	"github.com/eddiefleurent/wheelhouse/internal/schedule"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Bot owns the evaluation loop. A single goroutine runs cycles; triggers are
// coalesced through a buffered channel so a burst of wake-ups produces at
// most one queued evaluation.
type Bot struct {
	cfg      *config.Config
	broker   broker.Broker
	breaker  *broker.CircuitBreakerBroker
	store    storage.Interface
	schedule *schedule.Manager
	monitor  *monitor.Monitor
	filter   *chain.Filter
	engine   *engine.Engine
	orders   *orders.Manager
	policy   rebalance.Policy
	logger   *log.Logger

	// positions is touched only by the cycle goroutine.
	positions map[int]*models.Position

	trigger chan struct{}

	mu         sync.Mutex
	cycleCount int
	holdOnly   bool
	assessment rebalance.Assessment
	lastCycle  time.Time
}

// NewBot wires the bot's components together.
func NewBot(cfg *config.Config, b broker.Broker, breaker *broker.CircuitBreakerBroker, store storage.Interface, logger *log.Logger) (*Bot, error) {
	policy := rebalance.Policy{
		NeutralBand: cfg.Strategy.NeutralBand,
		BaseDelta:   cfg.Strategy.BaseDelta,
		MaxDelta:    cfg.Strategy.MaxDelta,
	}
	sched, err := schedule.NewManager(time.Now(), cfg.Schedule.Slots, logger)
	if err != nil {
		return nil, fmt.Errorf("init schedule: %w", err)
	}
	return &Bot{
		cfg:      cfg,
		broker:   b,
		breaker:  breaker,
		store:    store,
		schedule: sched,
		monitor:  monitor.New(cfg.Strategy.RollDeltaThreshold, cfg.GetDeltaMaxAge(), logger),
		filter: chain.New(chain.Criteria{
			MinOpenInterest:     cfg.Liquidity.MinOpenInterest,
			MaxSpreadPct:        cfg.Liquidity.MaxSpreadPct,
			StrikeBandPct:       cfg.Liquidity.StrikeBandPct,
			ExpiryToleranceDays: cfg.Liquidity.ExpiryToleranceDays,
		}),
		engine: engine.New(policy, cfg.Strategy.MinDTE, logger),
		orders: orders.NewManager(b, orders.Config{
			Underlying:   cfg.Strategy.Underlying,
			Contracts:    cfg.Strategy.Contracts,
			PollInterval: cfg.GetOrderPollInterval(),
			PollTimeout:  cfg.GetOrderPollTimeout(),
		}, logger),
		policy:    policy,
		logger:    logger,
		positions: make(map[int]*models.Position),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// TriggerEvaluation requests a cycle. Requests arriving while one is already
// queued coalesce into it.
func (b *Bot) TriggerEvaluation() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run executes the evaluation loop until the context is canceled. State is
// rebuilt from the broker on startup; there is no local recovery path.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Printf("Rebuilding slot state from broker...")
	if err := b.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	ticker := time.NewTicker(b.cfg.GetEvalInterval())
	defer ticker.Stop()

	b.TriggerEvaluation()

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Evaluation loop stopping")
			return nil
		case <-ticker.C:
			b.TriggerEvaluation()
		case <-b.trigger:
			b.runCycle(ctx)
		}
	}
}

// Status snapshots the loop state for the dashboard.
func (b *Bot) Status() dashboard.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	holdOnly := b.holdOnly
	if b.breaker != nil && b.breaker.Open() {
		holdOnly = true
	}
	return dashboard.Status{
		Mode:       b.cfg.Environment.Mode,
		Underlying: b.cfg.Strategy.Underlying,
		Portfolio:  b.assessment,
		CycleCount: b.cycleCount,
		HoldOnly:   holdOnly,
		AsOf:       b.lastCycle,
	}
}

func (b *Bot) setHoldOnly(v bool) {
	b.mu.Lock()
	b.holdOnly = v
	b.mu.Unlock()
}

func (b *Bot) recordCycle(a rebalance.Assessment) {
	b.mu.Lock()
	b.cycleCount++
	b.assessment = a
	b.lastCycle = time.Now().UTC()
	b.mu.Unlock()
}
