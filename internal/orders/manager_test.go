package orders

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
	"github.com/eddiefleurent/wheelhouse/internal/models"
)

var rollExpiry = time.Date(2026, 3, 27, 0, 0, 0, 0, time.UTC)

// stubBroker scripts order placement and status responses. Unstubbed Broker
// methods panic via the nil embedded interface, which is what we want in a
// test that should never touch them.
type stubBroker struct {
	broker.Broker
	placed   []broker.OrderRequest
	canceled []int

	nextID    int
	placeErr  error
	statusErr error
	cancelErr error
	// fillAfterCancel makes status queries report a fill once a cancel has
	// been issued, simulating a fill racing the cancel.
	fillAfterCancel bool
	// statuses maps order id to the scripted sequence of status strings;
	// the last entry repeats once the sequence is exhausted.
	statuses map[int][]string
	fills    map[int]float64
	polls    map[int]int
	// quantities overrides the order size reported back (default 1);
	// partialExec reports that many contracts executed regardless of status.
	quantities  map[int]float64
	partialExec map[int]float64
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		nextID:      100,
		statuses:    map[int][]string{},
		fills:       map[int]float64{},
		polls:       map[int]int{},
		quantities:  map[int]float64{},
		partialExec: map[int]float64{},
	}
}

// script registers the status sequence for the next placed order and returns
// its id.
func (s *stubBroker) script(fill float64, statuses ...string) int {
	id := s.nextID + len(s.statuses)
	s.statuses[id] = statuses
	s.fills[id] = fill
	return id
}

func (s *stubBroker) PlaceOptionOrderCtx(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if s.placeErr != nil {
		err := s.placeErr
		s.placeErr = nil
		return nil, err
	}
	id := s.nextID + len(s.placed)
	s.placed = append(s.placed, req)
	resp := &broker.OrderResponse{}
	resp.Order.ID = id
	resp.Order.Status = "pending"
	return resp, nil
}

func (s *stubBroker) GetOrderStatusCtx(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	seq, ok := s.statuses[orderID]
	if !ok {
		return nil, errors.New("unknown order")
	}
	if s.fillAfterCancel {
		for _, id := range s.canceled {
			if id == orderID {
				seq = []string{"filled"}
				s.polls[orderID] = 0
				break
			}
		}
	}
	i := s.polls[orderID]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	s.polls[orderID]++

	resp := &broker.OrderResponse{}
	resp.Order.ID = orderID
	resp.Order.Status = seq[i]
	resp.Order.Quantity = 1
	if q, ok := s.quantities[orderID]; ok {
		resp.Order.Quantity = q
	}
	if seq[i] == "filled" {
		resp.Order.ExecQuantity = resp.Order.Quantity
		resp.Order.AvgFillPrice = s.fills[orderID]
	}
	if exec, ok := s.partialExec[orderID]; ok {
		resp.Order.ExecQuantity = exec
	}
	return resp, nil
}

func (s *stubBroker) CancelOrder(orderID int) (*broker.OrderResponse, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	s.canceled = append(s.canceled, orderID)
	resp := &broker.OrderResponse{}
	resp.Order.ID = orderID
	resp.Order.Status = "canceled"
	return resp, nil
}

func testManager(b broker.Broker) *Manager {
	return NewManager(b, Config{
		Underlying:   "F",
		Contracts:    1,
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}, log.New(io.Discard, "", 0))
}

func openDecision(slotID int) models.RollDecision {
	return models.RollDecision{
		SlotID: slotID,
		Action: models.ActionOpen,
		Reason: "fill_empty_slot",
		Target: &models.ContractSpec{
			OptionSymbol: "F260327P00011000",
			Side:         models.SidePut,
			Strike:       11.0,
			Expiration:   rollExpiry,
			MidPrice:     0.22,
			Delta:        0.31,
		},
	}
}

func openLeg(t *testing.T, slotID int) *models.Position {
	t.Helper()
	pos := models.NewPosition("leg", slotID, "F", models.SidePut, 11.5, rollExpiry.AddDate(0, 0, -7))
	require.NoError(t, pos.TransitionStatus(models.StatusPendingOpen, models.ConditionOrderPlaced))
	require.NoError(t, pos.TransitionStatus(models.StatusOpen, models.ConditionOrderFilled))
	pos.OptionSymbol = "F260320P00011500"
	pos.Quantity = -1
	pos.CreditReceived = 0.30
	return pos
}

func TestOpenFills(t *testing.T) {
	b := newStubBroker()
	b.script(0.22, "open", "filled")
	m := testManager(b)

	pos, err := m.Dispatch(context.Background(), openDecision(0), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, -1, pos.Quantity)
	assert.InDelta(t, 0.22, pos.CreditReceived, 1e-9)
	assert.Equal(t, "F260327P00011000", pos.OptionSymbol)
	require.Len(t, b.placed, 1)
	assert.Equal(t, broker.SellToOpen, b.placed[0].Side)
	assert.Equal(t, "limit", b.placed[0].OrderType)
	assert.InDelta(t, 0.22, b.placed[0].LimitPrice, 1e-9)
}

func TestOpenRejectedResetsSlot(t *testing.T) {
	b := newStubBroker()
	b.script(0, "rejected")
	m := testManager(b)

	pos, err := m.Dispatch(context.Background(), openDecision(2), nil)
	require.Error(t, err)

	assert.Equal(t, models.StatusEmpty, pos.CurrentStatus())
	assert.Equal(t, 0, pos.Quantity)
	assert.Empty(t, pos.OptionSymbol)
}

func TestRollComplete(t *testing.T) {
	b := newStubBroker()
	b.script(0.45, "filled")       // buy_to_close old leg
	b.script(0.22, "open", "filled") // sell_to_open new leg
	m := testManager(b)
	pos := openLeg(t, 1)

	d := openDecision(1)
	d.Action = models.ActionRoll
	d.Reason = "delta_threshold"

	_, err := m.Dispatch(context.Background(), d, pos)
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, 1, pos.RollCount)
	assert.Equal(t, "F260327P00011000", pos.OptionSymbol)
	assert.Equal(t, rollExpiry, pos.Expiration)
	assert.InDelta(t, 0.22, pos.CreditReceived, 1e-9)

	require.Len(t, b.placed, 2)
	assert.Equal(t, broker.BuyToClose, b.placed[0].Side)
	assert.Equal(t, "F260320P00011500", b.placed[0].OptionSymbol)
	assert.Equal(t, broker.SellToOpen, b.placed[1].Side)
}

func TestPartialRollFailure(t *testing.T) {
	b := newStubBroker()
	b.script(0.45, "filled")   // close fills
	b.script(0, "rejected")    // reopen rejected
	m := testManager(b)
	pos := openLeg(t, 3)

	d := openDecision(3)
	d.Action = models.ActionRoll

	_, err := m.Dispatch(context.Background(), d, pos)
	require.Error(t, err)

	var partial *models.PartialRollFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 3, partial.SlotID)

	// Slot is flat and waiting for a retried open; the intended contract
	// terms are preserved.
	assert.Equal(t, models.StatusPendingOpen, pos.CurrentStatus())
	assert.Equal(t, 0, pos.Quantity)
	assert.Empty(t, pos.OptionSymbol)
	assert.InDelta(t, 11.0, pos.Strike, 1e-9)
	assert.Equal(t, rollExpiry, pos.Expiration)
}

func TestRollAbortedWhenCloseFails(t *testing.T) {
	b := newStubBroker()
	b.script(0, "rejected") // close leg rejected
	m := testManager(b)
	pos := openLeg(t, 4)

	d := openDecision(4)
	d.Action = models.ActionRoll

	_, err := m.Dispatch(context.Background(), d, pos)
	require.Error(t, err)
	assert.NotErrorAs(t, err, new(*models.PartialRollFailureError))

	// Original leg untouched.
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, "F260320P00011500", pos.OptionSymbol)
	assert.Equal(t, 0, pos.RollCount)
}

func TestCloseFills(t *testing.T) {
	b := newStubBroker()
	b.script(0.10, "filled")
	m := testManager(b)
	pos := openLeg(t, 0)

	d := models.RollDecision{SlotID: 0, Action: models.ActionClose, Reason: "manual"}
	_, err := m.Dispatch(context.Background(), d, pos)
	require.NoError(t, err)

	assert.Equal(t, models.StatusClosed, pos.CurrentStatus())
	assert.Equal(t, "manual", pos.CloseReason)
}

func TestTimeoutCancelHonorsRacingFill(t *testing.T) {
	b := newStubBroker()
	// Never terminal while polling; the post-cancel query reports the fill
	// that raced the cancel.
	b.script(0.22, "open")
	b.fillAfterCancel = true
	m := testManager(b)

	pos, err := m.Dispatch(context.Background(), openDecision(0), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.NotEmpty(t, b.canceled)
}

// rollingLeg puts an open leg into pending_roll the way executeRoll does,
// simulating a cycle that died partway through.
func rollingLeg(t *testing.T, slotID int) *models.Position {
	t.Helper()
	pos := openLeg(t, slotID)
	require.NoError(t, pos.TransitionStatus(models.StatusPendingRoll, models.ConditionRollStarted))
	pos.OpenOrderID = ""
	return pos
}

func TestResumeRecoversOpenStrandedByOutage(t *testing.T) {
	b := newStubBroker()
	b.statusErr = errors.New("connection refused")
	b.cancelErr = errors.New("connection refused")
	m := testManager(b)

	// The broker goes dark right after accepting the order: dispatch fails
	// with the slot stranded mid-order.
	pos, err := m.Dispatch(context.Background(), openDecision(1), nil)
	require.Error(t, err)
	require.Equal(t, models.StatusPendingOpen, pos.CurrentStatus())
	require.Equal(t, "100", pos.OpenOrderID)
	require.True(t, pos.HasWorkingOrder())

	// Connectivity returns; the next cycle resolves the order in-process
	// instead of waiting for a restart.
	b.statusErr, b.cancelErr = nil, nil
	b.statuses[100] = []string{"filled"}
	b.fills[100] = 0.22

	require.NoError(t, m.Resume(context.Background(), pos))
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, -1, pos.Quantity)
	assert.InDelta(t, 0.22, pos.CreditReceived, 1e-9)
	assert.False(t, pos.HasWorkingOrder())
}

func TestResumeStillDarkLeavesLegForNextCycle(t *testing.T) {
	b := newStubBroker()
	b.statusErr = errors.New("connection refused")
	b.cancelErr = b.statusErr
	m := testManager(b)

	pos, err := m.Dispatch(context.Background(), openDecision(1), nil)
	require.Error(t, err)

	// Broker still down: the leg keeps its order id for another attempt.
	err = m.Resume(context.Background(), pos)
	require.Error(t, err)
	assert.Equal(t, models.StatusPendingOpen, pos.CurrentStatus())
	assert.True(t, pos.HasWorkingOrder())
}

func TestResumeAbortsRollWhoseCloseDidNotFill(t *testing.T) {
	b := newStubBroker()
	m := testManager(b)
	pos := rollingLeg(t, 2)
	pos.CloseOrderID = "200"
	b.statuses[200] = []string{"canceled"}

	require.NoError(t, m.Resume(context.Background(), pos))
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Empty(t, pos.CloseOrderID)
	assert.Equal(t, "F260320P00011500", pos.OptionSymbol)
	assert.Equal(t, 0, pos.RollCount)
}

func TestResumeFinalizesRollWhoseReopenFilled(t *testing.T) {
	b := newStubBroker()
	m := testManager(b)
	pos := rollingLeg(t, 3)
	pos.CloseOrderID = "200"
	b.statuses[200] = []string{"filled"}
	b.fills[200] = 0.45

	// The reopen leg was submitted before the outage, so the slot already
	// tracks the target contract and the reopen order id.
	pos.OptionSymbol = "F260327P00011000"
	pos.Strike = 11.0
	pos.Expiration = rollExpiry
	pos.OpenOrderID = "201"
	b.statuses[201] = []string{"filled"}
	b.fills[201] = 0.22

	require.NoError(t, m.Resume(context.Background(), pos))
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, 1, pos.RollCount)
	assert.Equal(t, -1, pos.Quantity)
	assert.InDelta(t, 0.22, pos.CreditReceived, 1e-9)
	assert.Empty(t, pos.CloseOrderID)
}

func TestResumeParksUnhedgedRollForRetry(t *testing.T) {
	b := newStubBroker()
	m := testManager(b)
	pos := rollingLeg(t, 4)
	pos.CloseOrderID = "200"
	b.statuses[200] = []string{"filled"}
	b.fills[200] = 0.45

	// Close filled but no reopen ever reached the broker.
	err := m.Resume(context.Background(), pos)
	var partial *models.PartialRollFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 4, partial.SlotID)
	assert.Equal(t, models.StatusPendingOpen, pos.CurrentStatus())
	assert.Empty(t, pos.OptionSymbol)
	assert.False(t, pos.HasWorkingOrder())
}

func TestResumeRecoversCloseFill(t *testing.T) {
	b := newStubBroker()
	m := testManager(b)
	pos := openLeg(t, 0)
	require.NoError(t, pos.TransitionStatus(models.StatusPendingClose, models.ConditionCloseStarted))
	pos.CloseOrderID = "300"
	b.statuses[300] = []string{"filled"}
	b.fills[300] = 0.08

	require.NoError(t, m.Resume(context.Background(), pos))
	assert.Equal(t, models.StatusClosed, pos.CurrentStatus())
}

func TestOpenKeepsPartialFillOnCancel(t *testing.T) {
	b := newStubBroker()
	id := b.script(0, "open") // never reaches a terminal status
	b.quantities[id] = 2
	b.partialExec[id] = 1
	m := NewManager(b, Config{
		Underlying:   "F",
		Contracts:    2,
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}, log.New(io.Discard, "", 0))

	pos, err := m.Dispatch(context.Background(), openDecision(0), nil)
	require.NoError(t, err)

	// One of two contracts executed before the cancel; the slot owns it.
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
	assert.Equal(t, -1, pos.Quantity)
	assert.InDelta(t, 0.22, pos.CreditReceived, 1e-9)
	assert.NotEmpty(t, b.canceled)
}

func TestHoldIsANoOp(t *testing.T) {
	m := testManager(newStubBroker())
	pos := openLeg(t, 0)

	got, err := m.Dispatch(context.Background(), models.RollDecision{SlotID: 0, Action: models.ActionHold}, pos)
	require.NoError(t, err)
	assert.Same(t, pos, got)
	assert.Equal(t, models.StatusOpen, pos.CurrentStatus())
}
