package orders

import (
	"context"
	"fmt"
	"strconv"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// Resume resolves a leg whose order was stranded in flight by a broker
// failure in an earlier cycle: the order id is re-queried and its terminal
// state applied, so a dead order can never pin a slot past the outage that
// stranded it. A leg the broker still cannot answer for is left untouched
// and retried on the next cycle.
func (m *Manager) Resume(ctx context.Context, pos *models.Position) error {
	switch pos.CurrentStatus() {
	case models.StatusPendingOpen:
		return m.resumeOpen(ctx, pos)
	case models.StatusPendingRoll:
		return m.resumeRoll(ctx, pos)
	case models.StatusPendingClose:
		return m.resumeClose(ctx, pos)
	default:
		return nil
	}
}

func (m *Manager) resumeOpen(ctx context.Context, pos *models.Position) error {
	id, ok := parseOrderID(pos.OpenOrderID)
	if !ok {
		// No order ever reached the broker; the stale-pending sweep frees
		// the slot.
		return nil
	}
	state, resp, err := m.resolveOrder(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case state == broker.OrderFilled:
		return m.recoverFill(pos, resp, m.cfg.Contracts, models.ConditionOrderFilled)
	case state == broker.OrderRejected:
		m.resetToEmpty(pos, models.ConditionOrderRejected)
	case executedQuantity(resp) > 0:
		return m.recoverFill(pos, resp, executedQuantity(resp), models.ConditionOrderFilled)
	default:
		m.resetToEmpty(pos, models.ConditionOrderExpired)
	}
	return nil
}

func (m *Manager) resumeRoll(ctx context.Context, pos *models.Position) error {
	closeID, ok := parseOrderID(pos.CloseOrderID)
	if !ok {
		// The close order never reached the broker; the original leg is
		// intact.
		m.abortRoll(pos)
		return nil
	}
	state, closeResp, err := m.resolveOrder(ctx, closeID)
	if err != nil {
		return err
	}
	if state != broker.OrderFilled && executedQuantity(closeResp) <= 0 {
		m.abortRoll(pos)
		pos.CloseOrderID = ""
		return nil
	}

	// The old leg is bought back. A non-empty OpenOrderID during a roll
	// identifies the reopen leg; without one, no reopen reached the broker.
	openID, ok := parseOrderID(pos.OpenOrderID)
	if !ok {
		return m.recoverUnhedged(pos, closeID, 0, "reopen never reached the broker")
	}
	state, resp, err := m.resolveOrder(ctx, openID)
	if err != nil {
		return err
	}
	qty := executedQuantity(resp)
	if state != broker.OrderFilled && qty <= 0 {
		return m.recoverUnhedged(pos, closeID, openID, fmt.Sprintf("reopen ended %s", state))
	}
	if qty <= 0 {
		qty = m.cfg.Contracts
	}
	pos.RollCount++
	return m.recoverFill(pos, resp, qty, models.ConditionRollComplete)
}

func (m *Manager) resumeClose(ctx context.Context, pos *models.Position) error {
	id, ok := parseOrderID(pos.CloseOrderID)
	if !ok {
		return pos.TransitionStatus(models.StatusOpen, models.ConditionOrderRejected)
	}
	state, _, err := m.resolveOrder(ctx, id)
	if err != nil {
		return err
	}
	if state == broker.OrderFilled {
		m.logger.Printf("Slot %d: recovered close fill for order %d", pos.SlotID, id)
		return pos.TransitionStatus(models.StatusClosed, models.ConditionOrderFilled)
	}
	pos.CloseOrderID = ""
	return pos.TransitionStatus(models.StatusOpen, models.ConditionOrderRejected)
}

// resolveOrder forces a terminal answer for an order. A still-working order
// is canceled and reconciled the same way a poll timeout is: the cycle that
// placed it gave up long ago.
func (m *Manager) resolveOrder(ctx context.Context, orderID int) (broker.OrderState, *broker.OrderResponse, error) {
	resp, err := m.broker.GetOrderStatusCtx(ctx, orderID)
	if err != nil {
		return broker.OrderUnknown, nil, fmt.Errorf("order %d: status query failed: %w", orderID, err)
	}
	if state := broker.StateOf(resp); state.IsTerminal() {
		return state, resp, nil
	}
	return m.cancelAndReconcile(ctx, orderID)
}

// recoverFill brings the leg live from a fill discovered after the fact. The
// credit comes from the broker's fill report; the delta observation stays
// stale until the next chain refresh.
func (m *Manager) recoverFill(pos *models.Position, resp *broker.OrderResponse, qty int, condition string) error {
	pos.CloseOrderID = ""
	pos.Quantity = -qty
	pos.CreditReceived = recoveredCredit(resp)
	if err := pos.TransitionStatus(models.StatusOpen, condition); err != nil {
		return err
	}
	m.logger.Printf("Slot %d: recovered fill for order %d, %s live at %.2f credit",
		pos.SlotID, resp.Order.ID, pos.OptionSymbol, pos.CreditReceived)
	return nil
}

// recoverUnhedged parks the slot flat after a close fill with no reopen, the
// same unhedged state an in-cycle partial roll failure leaves.
func (m *Manager) recoverUnhedged(pos *models.Position, closeID, openID int, reason string) error {
	if err := pos.TransitionStatus(models.StatusPendingOpen, models.ConditionRollLegFailed); err != nil {
		return err
	}
	m.logger.Printf("Slot %d: roll recovery left the slot flat (%s), open retries next", pos.SlotID, reason)
	return &models.PartialRollFailureError{
		SlotID:       pos.SlotID,
		CloseOrderID: fmt.Sprintf("%d", closeID),
		OpenOrderID:  fmt.Sprintf("%d", openID),
		Reason:       reason,
	}
}

func recoveredCredit(resp *broker.OrderResponse) float64 {
	if resp.Order.AvgFillPrice > 0 {
		return resp.Order.AvgFillPrice
	}
	if resp.Order.Price > 0 {
		return resp.Order.Price
	}
	return 0.01
}

func parseOrderID(s string) (int, bool) {
	id, err := strconv.Atoi(s)
	return id, err == nil && id > 0
}
