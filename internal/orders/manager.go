// Package orders turns engine decisions into broker orders and shepherds each
// slot's leg through its status transitions as fills and rejections arrive.
package orders

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/retry"
	"github.com/eddiefleurent/wheelhouse/internal/util"
)

const priceTick = 0.01

// Config holds order execution settings.
type Config struct {
	// Underlying is the wheel's single underlying ticker.
	Underlying string
	// Contracts is the number of contracts sold per slot.
	Contracts int
	// PollInterval is the delay between order status polls.
	PollInterval time.Duration
	// PollTimeout bounds how long a working order is polled before it is
	// canceled and reconciled.
	PollTimeout time.Duration
}

// Manager executes decisions against the broker. One order pair at most is in
// flight per slot; the caller serializes dispatches within a cycle.
type Manager struct {
	broker   broker.Broker
	cfg      Config
	retryCfg retry.Config
	logger   *log.Logger
	newID    func() string
}

// NewManager creates an order lifecycle manager.
func NewManager(b broker.Broker, cfg Config, logger *log.Logger) *Manager {
	if cfg.Contracts <= 0 {
		cfg.Contracts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	return &Manager{
		broker:   b,
		cfg:      cfg,
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
	}
}

// Dispatch executes one decision and returns the slot's resulting leg. HOLD
// decisions return the leg unchanged. The returned error is recoverable
// unless it is a PartialRollFailureError, which leaves the slot unhedged.
func (m *Manager) Dispatch(ctx context.Context, d models.RollDecision, pos *models.Position) (*models.Position, error) {
	switch d.Action {
	case models.ActionHold:
		return pos, nil
	case models.ActionOpen:
		return m.executeOpen(ctx, d, pos)
	case models.ActionRoll:
		return pos, m.executeRoll(ctx, d, pos)
	case models.ActionClose:
		return pos, m.executeClose(ctx, d, pos)
	default:
		return pos, fmt.Errorf("slot %d: unknown action %q", d.SlotID, d.Action)
	}
}

// executeOpen sells a fresh short leg into an empty slot.
func (m *Manager) executeOpen(ctx context.Context, d models.RollDecision, pos *models.Position) (*models.Position, error) {
	if d.Target == nil {
		return pos, fmt.Errorf("slot %d: open decision without a target contract", d.SlotID)
	}
	spec := *d.Target
	if pos == nil {
		pos = models.NewPosition(m.newID(), d.SlotID, m.cfg.Underlying, spec.Side, spec.Strike, spec.Expiration)
	} else {
		pos.Side = spec.Side
		pos.Strike = spec.Strike
		pos.Expiration = spec.Expiration
	}
	pos.OptionSymbol = spec.OptionSymbol

	resp, err := retry.PlaceOrder(ctx, m.retryCfg, m.logger, m.broker, broker.OrderRequest{
		Underlying:   m.cfg.Underlying,
		OptionSymbol: spec.OptionSymbol,
		Side:         broker.SellToOpen,
		Quantity:     m.cfg.Contracts,
		OrderType:    "limit",
		LimitPrice:   util.FloorToTick(spec.MidPrice, priceTick),
		Duration:     broker.DurationDay,
		Tag:          fmt.Sprintf("wheel-open-slot%d", d.SlotID),
	})
	if err != nil {
		return pos, fmt.Errorf("slot %d: open order placement failed: %w", d.SlotID, err)
	}
	if err := pos.TransitionStatus(models.StatusPendingOpen, models.ConditionOrderPlaced); err != nil {
		return pos, err
	}
	pos.OpenOrderID = fmt.Sprintf("%d", resp.Order.ID)
	m.logger.Printf("Slot %d: sell_to_open %s working (order %d)", d.SlotID, spec.OptionSymbol, resp.Order.ID)

	state, final, err := m.awaitTerminal(ctx, resp.Order.ID)
	if err != nil {
		return pos, err
	}
	switch state {
	case broker.OrderFilled:
		return pos, m.finishOpen(pos, d.SlotID, spec, m.cfg.Contracts, final)
	case broker.OrderRejected:
		m.resetToEmpty(pos, models.ConditionOrderRejected)
		return pos, fmt.Errorf("slot %d: open order %d rejected", d.SlotID, resp.Order.ID)
	default:
		// A cancel can land after some contracts executed. Those are live
		// shorts the slot must own, not orphans for the next reconcile.
		if qty := executedQuantity(final); qty > 0 {
			m.logger.Printf("Slot %d: open order %d filled %d of %d before cancel, keeping the partial",
				d.SlotID, resp.Order.ID, qty, m.cfg.Contracts)
			return pos, m.finishOpen(pos, d.SlotID, spec, qty, final)
		}
		m.resetToEmpty(pos, models.ConditionOrderExpired)
		return pos, fmt.Errorf("slot %d: open order %d ended %s without fill", d.SlotID, resp.Order.ID, state)
	}
}

// finishOpen records a fill of qty contracts and brings the leg live.
func (m *Manager) finishOpen(pos *models.Position, slotID int, spec models.ContractSpec, qty int, final *broker.OrderResponse) error {
	pos.Quantity = -qty
	pos.CreditReceived = fillPrice(final, spec.MidPrice)
	pos.Delta = spec.Delta
	pos.DeltaUpdatedAt = time.Now().UTC()
	if err := pos.TransitionStatus(models.StatusOpen, models.ConditionOrderFilled); err != nil {
		return err
	}
	m.logger.Printf("Slot %d: opened %s at %.2f credit", slotID, spec.OptionSymbol, pos.CreditReceived)
	return nil
}

// executeRoll closes the live leg and reopens at the target contract. The
// close leg fills first; only then is the reopen submitted, so a rejection on
// the reopen leaves the slot flat rather than doubled.
func (m *Manager) executeRoll(ctx context.Context, d models.RollDecision, pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("slot %d: roll decision with no live leg", d.SlotID)
	}
	if d.Target == nil {
		return fmt.Errorf("slot %d: roll decision without a landing contract", d.SlotID)
	}
	spec := *d.Target

	if err := pos.TransitionStatus(models.StatusPendingRoll, models.ConditionRollStarted); err != nil {
		return err
	}
	// While rolling, a non-empty OpenOrderID identifies the reopen leg; the
	// original opening order is long settled and must not be mistaken for it.
	pos.OpenOrderID = ""

	closeResp, err := retry.PlaceOrder(ctx, m.retryCfg, m.logger, m.broker, broker.OrderRequest{
		Underlying:   m.cfg.Underlying,
		OptionSymbol: pos.OptionSymbol,
		Side:         broker.BuyToClose,
		Quantity:     legQuantity(pos, m.cfg.Contracts),
		OrderType:    "market",
		Duration:     broker.DurationDay,
		Tag:          fmt.Sprintf("wheel-roll-close-slot%d", d.SlotID),
	})
	if err != nil {
		m.abortRoll(pos)
		return fmt.Errorf("slot %d: roll close placement failed: %w", d.SlotID, err)
	}
	pos.CloseOrderID = fmt.Sprintf("%d", closeResp.Order.ID)

	state, _, err := m.awaitTerminal(ctx, closeResp.Order.ID)
	if err != nil {
		return err
	}
	if state != broker.OrderFilled {
		m.abortRoll(pos)
		pos.CloseOrderID = ""
		return fmt.Errorf("slot %d: roll close order %d ended %s, roll aborted", d.SlotID, closeResp.Order.ID, state)
	}
	m.logger.Printf("Slot %d: roll close filled, reopening %s", d.SlotID, spec.OptionSymbol)

	openResp, err := retry.PlaceOrder(ctx, m.retryCfg, m.logger, m.broker, broker.OrderRequest{
		Underlying:   m.cfg.Underlying,
		OptionSymbol: spec.OptionSymbol,
		Side:         broker.SellToOpen,
		Quantity:     m.cfg.Contracts,
		OrderType:    "limit",
		LimitPrice:   util.FloorToTick(spec.MidPrice, priceTick),
		Duration:     broker.DurationDay,
		Tag:          fmt.Sprintf("wheel-roll-open-slot%d", d.SlotID),
	})
	if err != nil {
		return m.rollLegFailed(pos, spec, closeResp.Order.ID, 0, err.Error())
	}

	// The slot tracks the reopen leg from submission, not from fill, so a
	// broker outage between here and the fill can be resumed next cycle.
	pos.Side = spec.Side
	pos.Strike = spec.Strike
	pos.Expiration = spec.Expiration
	pos.OptionSymbol = spec.OptionSymbol
	pos.OpenOrderID = fmt.Sprintf("%d", openResp.Order.ID)

	state, final, err := m.awaitTerminal(ctx, openResp.Order.ID)
	if err != nil {
		return err
	}
	if state != broker.OrderFilled {
		if qty := executedQuantity(final); qty > 0 {
			m.logger.Printf("Slot %d: reopen order %d filled %d of %d before cancel, keeping the partial",
				d.SlotID, openResp.Order.ID, qty, m.cfg.Contracts)
			return m.finishRoll(pos, d.SlotID, spec, qty, final)
		}
		return m.rollLegFailed(pos, spec, closeResp.Order.ID, openResp.Order.ID,
			fmt.Sprintf("reopen ended %s", state))
	}
	return m.finishRoll(pos, d.SlotID, spec, m.cfg.Contracts, final)
}

// finishRoll records the reopen fill and completes the roll.
func (m *Manager) finishRoll(pos *models.Position, slotID int, spec models.ContractSpec, qty int, final *broker.OrderResponse) error {
	pos.CloseOrderID = ""
	pos.Quantity = -qty
	pos.CreditReceived = fillPrice(final, spec.MidPrice)
	pos.Delta = spec.Delta
	pos.DeltaUpdatedAt = time.Now().UTC()
	pos.RollCount++
	if err := pos.TransitionStatus(models.StatusOpen, models.ConditionRollComplete); err != nil {
		return err
	}
	m.logger.Printf("Slot %d: roll complete, now %s %.2f exp %s (roll #%d)",
		slotID, pos.Side, pos.Strike, pos.Expiration.Format("2006-01-02"), pos.RollCount)
	return nil
}

// executeClose buys the leg back with no replacement.
func (m *Manager) executeClose(ctx context.Context, d models.RollDecision, pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("slot %d: close decision with no live leg", d.SlotID)
	}
	if err := pos.TransitionStatus(models.StatusPendingClose, models.ConditionCloseStarted); err != nil {
		return err
	}
	resp, err := retry.PlaceOrder(ctx, m.retryCfg, m.logger, m.broker, broker.OrderRequest{
		Underlying:   m.cfg.Underlying,
		OptionSymbol: pos.OptionSymbol,
		Side:         broker.BuyToClose,
		Quantity:     legQuantity(pos, m.cfg.Contracts),
		OrderType:    "market",
		Duration:     broker.DurationDay,
		Tag:          fmt.Sprintf("wheel-close-slot%d", d.SlotID),
	})
	if err != nil {
		if terr := pos.TransitionStatus(models.StatusOpen, models.ConditionOrderRejected); terr != nil {
			return terr
		}
		return fmt.Errorf("slot %d: close placement failed: %w", d.SlotID, err)
	}
	pos.CloseOrderID = fmt.Sprintf("%d", resp.Order.ID)

	state, _, err := m.awaitTerminal(ctx, resp.Order.ID)
	if err != nil {
		return err
	}
	if state != broker.OrderFilled {
		if terr := pos.TransitionStatus(models.StatusOpen, models.ConditionOrderRejected); terr != nil {
			return terr
		}
		pos.CloseOrderID = ""
		return fmt.Errorf("slot %d: close order %d ended %s, leg still live", d.SlotID, resp.Order.ID, state)
	}
	pos.CloseReason = d.Reason
	return pos.TransitionStatus(models.StatusClosed, models.ConditionOrderFilled)
}

// ExpireWorthless marks a live leg closed after the broker reports it expired.
func (m *Manager) ExpireWorthless(pos *models.Position) error {
	pos.CloseReason = models.ConditionExpiredWorthless
	return pos.TransitionStatus(models.StatusClosed, models.ConditionExpiredWorthless)
}

// awaitTerminal polls an order until it reaches a terminal state. On timeout
// the order is canceled and re-queried once: a fill that raced the cancel
// wins, since the broker's executions are authoritative.
func (m *Manager) awaitTerminal(ctx context.Context, orderID int) (broker.OrderState, *broker.OrderResponse, error) {
	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		resp, err := m.broker.GetOrderStatusCtx(ctx, orderID)
		if err == nil {
			if state := broker.StateOf(resp); state.IsTerminal() {
				return state, resp, nil
			}
		} else {
			m.logger.Printf("Order %d: status poll failed: %v", orderID, err)
		}

		select {
		case <-ctx.Done():
			return broker.OrderUnknown, nil, ctx.Err()
		case <-deadline.C:
			return m.cancelAndReconcile(ctx, orderID)
		case <-ticker.C:
		}
	}
}

// cancelAndReconcile cancels a stale order, then trusts the broker's final
// word on whether the cancel or a fill won the race.
func (m *Manager) cancelAndReconcile(ctx context.Context, orderID int) (broker.OrderState, *broker.OrderResponse, error) {
	if _, err := m.broker.CancelOrder(orderID); err != nil {
		m.logger.Printf("Order %d: cancel after timeout failed: %v", orderID, err)
	}
	resp, err := m.broker.GetOrderStatusCtx(ctx, orderID)
	if err != nil {
		return broker.OrderUnknown, nil, fmt.Errorf("order %d: cancel reconciliation failed: %w", orderID, err)
	}
	state := broker.StateOf(resp)
	if state == broker.OrderFilled {
		m.logger.Printf("Order %d: filled before cancel landed, honoring the fill", orderID)
		return state, resp, nil
	}
	if !state.IsTerminal() {
		state = broker.OrderCancelled
	}
	return state, resp, nil
}

// rollLegFailed records the unhedged slot after a close fill with no reopen.
func (m *Manager) rollLegFailed(pos *models.Position, spec models.ContractSpec, closeID, openID int, reason string) error {
	slotID := pos.SlotID
	if err := pos.TransitionStatus(models.StatusPendingOpen, models.ConditionRollLegFailed); err != nil {
		return err
	}
	// Keep the intended contract so the retry path knows what it was after.
	pos.Side = spec.Side
	pos.Strike = spec.Strike
	pos.Expiration = spec.Expiration
	return &models.PartialRollFailureError{
		SlotID:       slotID,
		CloseOrderID: fmt.Sprintf("%d", closeID),
		OpenOrderID:  fmt.Sprintf("%d", openID),
		Reason:       reason,
	}
}

func (m *Manager) abortRoll(pos *models.Position) {
	if err := pos.TransitionStatus(models.StatusOpen, models.ConditionRollAborted); err != nil {
		m.logger.Printf("Slot %d: roll abort transition failed: %v", pos.SlotID, err)
	}
}

func (m *Manager) resetToEmpty(pos *models.Position, condition string) {
	pos.OptionSymbol = ""
	pos.OpenOrderID = ""
	pos.Quantity = 0
	pos.Delta = 0
	pos.DeltaUpdatedAt = time.Time{}
	if err := pos.TransitionStatus(models.StatusEmpty, condition); err != nil {
		m.logger.Printf("Slot %d: reset transition failed: %v", pos.SlotID, err)
	}
}

func legQuantity(pos *models.Position, fallback int) int {
	if pos.Quantity < 0 {
		return -pos.Quantity
	}
	return fallback
}

func fillPrice(resp *broker.OrderResponse, fallback float64) float64 {
	if resp != nil && resp.Order.AvgFillPrice > 0 {
		return resp.Order.AvgFillPrice
	}
	return fallback
}

// executedQuantity is the contract count the broker reports executed,
// regardless of the order's final status.
func executedQuantity(resp *broker.OrderResponse) int {
	if resp == nil {
		return 0
	}
	return int(math.Round(resp.Order.ExecQuantity))
}
