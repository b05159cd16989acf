package main

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

// reconcile rebuilds slot state from the broker's positions. The broker is
// the source of truth: whatever short legs it reports in our underlying are
// adopted into the window, and anything else is surfaced for the operator.
func (b *Bot) reconcile(ctx context.Context) error {
	items, err := b.broker.GetPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBrokerDisconnected, err)
	}

	underlying := strings.ToUpper(b.cfg.Strategy.Underlying)
	window := b.schedule.Window()
	b.positions = make(map[int]*models.Position)
	var reports []models.Report

	for _, item := range items {
		if strings.EqualFold(item.Symbol, underlying) {
			continue // the equity position, counted via balances
		}
		sym, exp, optType, strike, perr := broker.ParseOptionSymbol(item.Symbol)
		if perr != nil || !strings.EqualFold(sym, underlying) {
			continue // not one of our options
		}
		if item.Quantity >= 0 {
			reports = append(reports, models.NewReport(-1, models.ReportWarning, "unmanaged_position",
				fmt.Sprintf("long option %s is not part of the wheel", item.Symbol)))
			continue
		}

		slotID, ok := b.matchSlot(exp)
		if !ok {
			reports = append(reports, models.NewReport(-1, models.ReportWarning, "unmanaged_position",
				fmt.Sprintf("short option %s expires outside the window", item.Symbol)))
			continue
		}
		if b.positions[slotID] != nil {
			reports = append(reports, models.NewReport(slotID, models.ReportWarning, "unmanaged_position",
				fmt.Sprintf("slot already holds a leg, ignoring extra short %s", item.Symbol)))
			continue
		}

		side := models.SidePut
		if optType == broker.OptionTypeCall {
			side = models.SideCall
		}
		pos := models.NewPosition(uuid.New().String(), slotID, underlying, side, strike, exp)
		if err := pos.TransitionStatus(models.StatusPendingOpen, models.ConditionOrderPlaced); err != nil {
			return err
		}
		if err := pos.TransitionStatus(models.StatusOpen, models.ConditionOrderFilled); err != nil {
			return err
		}
		pos.OptionSymbol = item.Symbol
		pos.Quantity = int(item.Quantity)
		pos.CreditReceived = creditFromCostBasis(item)
		b.positions[slotID] = pos
		b.logger.Printf("Adopted slot %d leg from broker: %s x%d", slotID, item.Symbol, pos.Quantity)
	}

	b.closeExpiredLegs(time.Now())

	if len(reports) > 0 {
		if err := b.store.AppendReports(reports); err != nil {
			b.logger.Printf("Warning: failed to persist reconciliation reports: %v", err)
		}
	}
	return b.store.SetSlots(b.positions, window.Slots())
}

// matchSlot maps an expiration to the nearest window slot within the
// configured tolerance.
func (b *Bot) matchSlot(exp time.Time) (int, bool) {
	bestID, bestDays := -1, b.cfg.Liquidity.ExpiryToleranceDays+1
	for _, slot := range b.schedule.Window().Slots() {
		days := broker.DaysBetween(exp, slot.Expiration)
		if days < bestDays {
			bestID, bestDays = slot.ID, days
		}
	}
	return bestID, bestID >= 0 && bestDays <= b.cfg.Liquidity.ExpiryToleranceDays
}

// closeExpiredLegs retires legs whose expiration has passed. A short option
// the broker still listed at reconcile time but which has expired is treated
// as expired worthless; assignment shows up in the share balance instead.
func (b *Bot) closeExpiredLegs(now time.Time) {
	for _, pos := range b.positions {
		if pos == nil || pos.CurrentStatus() != models.StatusOpen {
			continue
		}
		if now.UTC().After(pos.Expiration.Add(24 * time.Hour)) {
			if err := b.orders.ExpireWorthless(pos); err != nil {
				b.logger.Printf("Slot %d: failed to expire leg: %v", pos.SlotID, err)
			} else {
				b.logger.Printf("Slot %d: %s expired, slot recycles on window advance", pos.SlotID, pos.OptionSymbol)
			}
		}
	}
}

// creditFromCostBasis recovers the per-share credit from the broker's cost
// basis for a short position. Falls back to a token credit when the broker
// reports nothing usable.
func creditFromCostBasis(item broker.PositionItem) float64 {
	qty := math.Abs(item.Quantity)
	if qty == 0 {
		return 0.01
	}
	credit := -item.CostBasis / (qty * 100)
	if credit <= 0 {
		return 0.01
	}
	return credit
}
