package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/chain"
	"github.com/eddiefleurent/wheelhouse/internal/engine"
	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/monitor"
	"github.com/eddiefleurent/wheelhouse/internal/rebalance"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

const sharesPerContract = 100

// runCycle executes one full evaluation: gather an immutable snapshot,
// evaluate, dispatch, persist. Everything mutable is owned by this goroutine.
func (b *Bot) runCycle(ctx context.Context) {
	now := time.Now()

	if !b.cfg.IsPaper() && !b.cfg.IsWithinTradingHours(now) {
		b.logger.Printf("Outside trading hours (%s - %s), skipping cycle",
			b.cfg.Schedule.TradingStart, b.cfg.Schedule.TradingEnd)
		return
	}
	if open, err := b.broker.IsTradingDay(true); err != nil {
		b.brokerDown(fmt.Errorf("market clock: %w", err))
		return
	} else if !open {
		b.logger.Printf("Market closed, skipping cycle")
		return
	}

	b.resumePending(ctx)
	b.releaseStalePending()
	b.schedule.Advance(now, b.positions)

	snap, assessment, reports, err := b.gatherSnapshot(ctx, now)
	if err != nil {
		b.brokerDown(err)
		return
	}
	b.setHoldOnly(false)

	decisions, evalReports := b.engine.Evaluate(snap)
	reports = append(reports, evalReports...)

	for _, d := range decisions {
		if !d.RequiresOrder() {
			continue
		}
		reports = append(reports, b.dispatch(ctx, d)...)
	}

	if err := b.store.SetSlots(b.positions, b.schedule.Window().Slots()); err != nil {
		b.logger.Printf("Warning: failed to persist slots: %v", err)
	}
	if err := b.store.AppendReports(reports); err != nil {
		b.logger.Printf("Warning: failed to persist reports: %v", err)
	}
	b.recordCycle(assessment)
}

// gatherSnapshot reads everything one evaluation needs from the broker. Any
// failure aborts the whole cycle: decisions are only made on a complete,
// coherent view.
func (b *Bot) gatherSnapshot(ctx context.Context, now time.Time) (engine.Snapshot, rebalance.Assessment, []models.Report, error) {
	var reports []models.Report
	underlying := b.cfg.Strategy.Underlying

	balances, err := b.broker.GetAccountBalancesCtx(ctx, underlying)
	if err != nil {
		return engine.Snapshot{}, rebalance.Assessment{}, nil, fmt.Errorf("balances: %w", err)
	}
	quote, err := b.broker.GetQuote(underlying)
	if err != nil {
		return engine.Snapshot{}, rebalance.Assessment{}, nil, fmt.Errorf("quote: %w", err)
	}
	spot := quote.Price()
	if spot <= 0 {
		return engine.Snapshot{}, rebalance.Assessment{}, nil, fmt.Errorf("no usable price for %s", underlying)
	}
	listed, err := b.listedExpirations(underlying)
	if err != nil {
		return engine.Snapshot{}, rebalance.Assessment{}, nil, fmt.Errorf("expirations: %w", err)
	}

	portfolio := rebalance.Snapshot(balances.Cash, balances.SharesHeld, b.cfg.Strategy.TargetShares, spot, now)
	assessment := rebalance.Assess(portfolio)
	bias := portfolio.AllocationBias
	targetDelta := b.policy.TargetDelta(bias)

	chains := make(map[string][]broker.Option)
	fetch := func(exp time.Time) ([]broker.Option, error) {
		key := exp.UTC().Format("2006-01-02")
		if c, ok := chains[key]; ok {
			return c, nil
		}
		c, err := b.broker.GetOptionChainCtx(ctx, underlying, key, true)
		if err != nil {
			return nil, err
		}
		chains[key] = c
		return c, nil
	}

	classifications := make(map[int]monitor.Classification)
	rollTargets := make(map[int]*chain.Candidate)
	window := b.schedule.Window()

	// Collateral already committed to live legs.
	reservedCash, reservedShares := b.reservedCollateral()
	availableCash := balances.Cash - reservedCash
	availableShares := balances.SharesHeld - reservedShares

	for _, slot := range window.Slots() {
		pos := b.positions[slot.ID]
		if pos == nil || pos.CurrentStatus() != models.StatusOpen {
			continue
		}

		legChain, err := fetch(pos.Expiration)
		if err != nil {
			return engine.Snapshot{}, assessment, nil, fmt.Errorf("chain for %s: %w", pos.Expiration.Format("2006-01-02"), err)
		}
		b.monitor.Refresh(pos, legChain, now)
		class, cerr := b.monitor.Classify(pos, now)
		classifications[slot.ID] = class
		if cerr != nil {
			var stale *models.StaleMarketDataError
			if errors.As(cerr, &stale) {
				b.logger.Printf("Slot %d: %v", slot.ID, stale)
			}
			continue
		}

		// A roll lands on the next slot past the current expiration; legs at
		// the window's far end have nowhere to go and simply hold.
		landing, ok := window.SlotAfter(pos.Expiration)
		if !ok {
			continue
		}
		exp, ok := b.filter.SelectExpiration(listed, landing.Expiration)
		if !ok {
			reports = append(reports, models.NewReport(slot.ID, models.ReportWarning, engine.ReasonNoContract,
				fmt.Sprintf("no listed expiration near %s for roll", landing.Expiration.Format("2006-01-02"))))
			continue
		}
		landingChain, err := fetch(exp)
		if err != nil {
			return engine.Snapshot{}, assessment, nil, fmt.Errorf("chain for %s: %w", exp.Format("2006-01-02"), err)
		}
		// Closing the old put releases its collateral for the new one.
		rollCash := availableCash
		if pos.Side == models.SidePut {
			rollCash += pos.Strike * sharesPerContract * math.Abs(float64(pos.Quantity))
		}
		cand, err := b.filter.Best(slot.ID, landingChain, pos.Side, exp, spot, targetDelta, rollCash)
		if err != nil {
			b.logger.Printf("Slot %d: %v", slot.ID, err)
			continue
		}
		rollTargets[slot.ID] = cand
	}

	openCandidates, openReports, err := b.openCandidates(fetch, listed, spot, bias, targetDelta, availableCash, availableShares)
	if err != nil {
		return engine.Snapshot{}, assessment, nil, err
	}
	reports = append(reports, openReports...)

	return engine.Snapshot{
		Portfolio:       portfolio,
		Positions:       b.positions,
		Window:          window.Slots(),
		OpenCandidates:  openCandidates,
		RollTargets:     rollTargets,
		Classifications: classifications,
		Now:             now,
	}, assessment, reports, nil
}

// openCandidates picks a contract for each empty slot, visiting slots in the
// bias-preferred order so scarce collateral goes to the expirations the
// rebalancer wants filled first.
func (b *Bot) openCandidates(fetch func(time.Time) ([]broker.Option, error), listed []time.Time, spot, bias, targetDelta float64, availableCash float64, availableShares int) (map[int]*chain.Candidate, []models.Report, error) {
	var reports []models.Report
	out := make(map[int]*chain.Candidate)
	window := b.schedule.Window()
	side := b.policy.SideFor(bias)
	preferred := b.policy.PreferredSlotRank(bias, window.Size())

	empty := make([]int, 0, window.Size())
	for _, slot := range window.Slots() {
		pos := b.positions[slot.ID]
		if pos == nil || pos.CurrentStatus() == models.StatusEmpty {
			empty = append(empty, slot.ID)
		}
	}
	sort.Slice(empty, func(i, j int) bool {
		di := abs(window.Rank(empty[i]) - preferred)
		dj := abs(window.Rank(empty[j]) - preferred)
		if di != dj {
			return di < dj
		}
		return window.Rank(empty[i]) < window.Rank(empty[j])
	})

	for _, slotID := range empty {
		slot, _ := window.Slot(slotID)
		exp, ok := b.filter.SelectExpiration(listed, slot.Expiration)
		if !ok {
			reports = append(reports, models.NewReport(slotID, models.ReportWarning, engine.ReasonNoContract,
				fmt.Sprintf("no listed expiration near %s", slot.Expiration.Format("2006-01-02"))))
			continue
		}

		if side == models.SideCall && availableShares < sharesPerContract*b.cfg.Strategy.Contracts {
			reports = append(reports, models.NewReport(slotID, models.ReportWarning, engine.ReasonNoContract,
				fmt.Sprintf("call side preferred but only %d uncommitted shares, need %d",
					availableShares, sharesPerContract*b.cfg.Strategy.Contracts)))
			continue
		}

		slotChain, err := fetch(exp)
		if err != nil {
			return nil, nil, fmt.Errorf("chain for %s: %w", exp.Format("2006-01-02"), err)
		}
		cand, err := b.filter.Best(slotID, slotChain, side, exp, spot, targetDelta, availableCash)
		if err != nil {
			b.logger.Printf("Slot %d: %v", slotID, err)
			continue
		}
		out[slotID] = cand
		if side == models.SidePut {
			availableCash -= cand.CashRequired * float64(b.cfg.Strategy.Contracts)
		} else {
			availableShares -= sharesPerContract * b.cfg.Strategy.Contracts
		}
	}
	return out, reports, nil
}

// dispatch executes one non-HOLD decision and converts the outcome into
// journal entries and reports.
func (b *Bot) dispatch(ctx context.Context, d models.RollDecision) []models.Report {
	var reports []models.Report

	pos, err := b.orders.Dispatch(ctx, d, b.positions[d.SlotID])
	if pos != nil {
		b.positions[d.SlotID] = pos
	}

	if err != nil {
		var partial *models.PartialRollFailureError
		if errors.As(err, &partial) {
			reports = append(reports, models.NewReport(d.SlotID, models.ReportWarning, "partial_roll_failure", partial.Error()))
		} else {
			reports = append(reports, models.NewReport(d.SlotID, models.ReportWarning, "order_failed", err.Error()))
		}
	} else {
		entry := storage.JournalEntry{
			Time:   time.Now().UTC(),
			SlotID: d.SlotID,
			Action: d.Action,
			Reason: d.Reason,
		}
		if pos != nil {
			entry.OptionSymbol = pos.OptionSymbol
			entry.Side = pos.Side
			entry.Strike = pos.Strike
			entry.Expiration = pos.Expiration
			if d.Action != models.ActionClose {
				entry.Credit = pos.PremiumCollected()
			}
		}
		if jerr := b.store.AppendJournal(entry); jerr != nil {
			b.logger.Printf("Warning: failed to journal slot %d: %v", d.SlotID, jerr)
		}
	}

	if pos != nil {
		if verr := pos.Validate(); verr != nil {
			reports = append(reports, b.haltSlot(pos, verr)...)
		}
	}
	return reports
}

// haltSlot freezes a slot whose leg failed validation. Other slots continue.
func (b *Bot) haltSlot(pos *models.Position, cause error) []models.Report {
	violation := &models.InvariantViolationError{SlotID: pos.SlotID, Detail: cause.Error()}
	b.logger.Printf("HALT: %v", violation)
	if err := pos.TransitionStatus(models.StatusHalted, models.ConditionInvariantViolation); err != nil {
		b.logger.Printf("Slot %d: halt transition failed: %v", pos.SlotID, err)
	}
	return []models.Report{
		models.NewReport(pos.SlotID, models.ReportFatal, "invariant_violation", violation.Error()),
	}
}

// resumePending resolves legs left mid-order by a broker failure in an
// earlier cycle: each in-flight order id is re-queried and its terminal state
// applied, so a dead order never pins a slot past the outage that stranded
// it. Legs the broker still cannot answer for stay put and retry next cycle.
func (b *Bot) resumePending(ctx context.Context) {
	for _, slot := range b.schedule.Window().Slots() {
		pos := b.positions[slot.ID]
		if pos == nil || !pos.HasWorkingOrder() {
			continue
		}
		before := pos.CurrentStatus()
		beforeRolls := pos.RollCount

		err := b.orders.Resume(ctx, pos)
		var partial *models.PartialRollFailureError
		switch {
		case errors.As(err, &partial):
			report := models.NewReport(pos.SlotID, models.ReportWarning, "partial_roll_failure", partial.Error())
			if serr := b.store.AppendReports([]models.Report{report}); serr != nil {
				b.logger.Printf("Warning: failed to persist recovery report: %v", serr)
			}
		case err != nil:
			b.logger.Printf("Slot %d: order recovery failed, will retry next cycle: %v", pos.SlotID, err)
		case pos.CurrentStatus() != before:
			b.journalRecovery(before, beforeRolls, pos)
		}
	}
}

// journalRecovery records a fill discovered during order recovery so the
// premium stats stay honest across outages.
func (b *Bot) journalRecovery(before models.PositionStatus, beforeRolls int, pos *models.Position) {
	entry := storage.JournalEntry{
		Time:         time.Now().UTC(),
		SlotID:       pos.SlotID,
		Reason:       "order_recovered",
		OptionSymbol: pos.OptionSymbol,
		Side:         pos.Side,
		Strike:       pos.Strike,
		Expiration:   pos.Expiration,
	}
	switch {
	case before == models.StatusPendingOpen && pos.CurrentStatus() == models.StatusOpen:
		entry.Action = models.ActionOpen
		entry.Credit = pos.PremiumCollected()
	case before == models.StatusPendingRoll && pos.RollCount > beforeRolls:
		entry.Action = models.ActionRoll
		entry.Credit = pos.PremiumCollected()
	case pos.CurrentStatus() == models.StatusClosed:
		entry.Action = models.ActionClose
	default:
		// Released to empty or aborted back to open; nothing executed.
		return
	}
	if err := b.store.AppendJournal(entry); err != nil {
		b.logger.Printf("Warning: failed to journal slot %d recovery: %v", pos.SlotID, err)
	}
}

// releaseStalePending frees slots stuck in pending_open with no working
// order, the state a partial roll failure leaves behind. The slot becomes
// empty and the normal open path retries it this cycle.
func (b *Bot) releaseStalePending() {
	for _, pos := range b.positions {
		if pos != nil && pos.CurrentStatus() == models.StatusPendingOpen && !pos.HasWorkingOrder() {
			if err := pos.TransitionStatus(models.StatusEmpty, models.ConditionOrderExpired); err != nil {
				b.logger.Printf("Slot %d: failed to release stale pending leg: %v", pos.SlotID, err)
			} else {
				b.logger.Printf("Slot %d: released stale pending leg, will retry open", pos.SlotID)
			}
		}
	}
}

// brokerDown puts the loop in HOLD-only mode for this cycle.
func (b *Bot) brokerDown(err error) {
	b.setHoldOnly(true)
	wrapped := fmt.Errorf("%w: %v", models.ErrBrokerDisconnected, err)
	b.logger.Printf("Broker unreachable, holding all slots: %v", wrapped)
	report := models.NewReport(-1, models.ReportWarning, "broker_disconnected", wrapped.Error())
	if serr := b.store.AppendReports([]models.Report{report}); serr != nil {
		b.logger.Printf("Warning: failed to persist disconnect report: %v", serr)
	}
}

// reservedCollateral totals the cash and shares committed to live legs.
func (b *Bot) reservedCollateral() (cash float64, shares int) {
	for _, pos := range b.positions {
		if pos == nil || !pos.IsActive() || pos.Quantity >= 0 {
			continue
		}
		qty := -pos.Quantity
		switch pos.Side {
		case models.SidePut:
			cash += pos.Strike * sharesPerContract * float64(qty)
		case models.SideCall:
			shares += sharesPerContract * qty
		}
	}
	return cash, shares
}

// listedExpirations parses the broker's expiration dates.
func (b *Bot) listedExpirations(underlying string) ([]time.Time, error) {
	raw, err := b.broker.GetExpirations(underlying)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			b.logger.Printf("Warning: skipping unparseable expiration %q", s)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
