// Package mock provides an in-memory broker with a synthetic option chain for
// paper trading and tests. Orders fill immediately at their limit price (or
// the synthetic midpoint for market orders).
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/wheelhouse/internal/broker"
)

// Broker is a self-contained paper broker. All prices derive from a single
// synthetic underlying quote, so runs are reproducible.
type Broker struct {
	mu        sync.Mutex
	symbol    string
	price     float64
	cash      float64
	shares    int
	optionQty map[string]int
	orders    map[int]*broker.OrderResponse
	nextID    int
	now       func() time.Time
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates a paper broker seeded with an account snapshot.
func NewBroker(symbol string, price, cash float64, shares int) *Broker {
	return &Broker{
		symbol:    strings.ToUpper(symbol),
		price:     price,
		cash:      cash,
		shares:    shares,
		optionQty: make(map[string]int),
		orders:    make(map[int]*broker.OrderResponse),
		nextID:    1000,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPrice moves the synthetic underlying, shifting every option's greeks and
// premiums on the next chain fetch.
func (m *Broker) SetPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = price
}

// GetAccountBalances returns the paper cash balance and held shares.
func (m *Broker) GetAccountBalances(symbol string) (*broker.AccountBalances, error) {
	return m.GetAccountBalancesCtx(context.Background(), symbol)
}

// GetAccountBalancesCtx returns the paper cash balance and held shares.
func (m *Broker) GetAccountBalancesCtx(_ context.Context, symbol string) (*broker.AccountBalances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shares := 0
	if strings.EqualFold(symbol, m.symbol) {
		shares = m.shares
	}
	return &broker.AccountBalances{Cash: m.cash, SharesHeld: shares}, nil
}

// GetPositions returns the equity position plus any open option legs.
func (m *Broker) GetPositions() ([]broker.PositionItem, error) {
	return m.GetPositionsCtx(context.Background())
}

// GetPositionsCtx returns the equity position plus any open option legs.
func (m *Broker) GetPositionsCtx(_ context.Context) ([]broker.PositionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []broker.PositionItem
	if m.shares != 0 {
		out = append(out, broker.PositionItem{Symbol: m.symbol, Quantity: float64(m.shares)})
	}
	for sym, qty := range m.optionQty {
		if qty != 0 {
			out = append(out, broker.PositionItem{Symbol: sym, Quantity: float64(qty)})
		}
	}
	return out, nil
}

// GetQuote returns the synthetic underlying quote.
func (m *Broker) GetQuote(symbol string) (*broker.QuoteItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &broker.QuoteItem{
		Symbol: strings.ToUpper(symbol),
		Last:   m.price,
		Bid:    m.price - 0.01,
		Ask:    m.price + 0.01,
	}, nil
}

// GetExpirations lists the next eight weekly Friday expirations.
func (m *Broker) GetExpirations(string) ([]string, error) {
	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()

	d := now.Truncate(24 * time.Hour)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	out := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		out = append(out, d.AddDate(0, 0, 7*i).Format("2006-01-02"))
	}
	return out, nil
}

// GetOptionChain generates a synthetic chain for one expiration.
func (m *Broker) GetOptionChain(symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	return m.GetOptionChainCtx(context.Background(), symbol, expiration, withGreeks)
}

// GetOptionChainCtx generates a synthetic chain for one expiration.
func (m *Broker) GetOptionChainCtx(_ context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return nil, fmt.Errorf("bad expiration %q: %w", expiration, err)
	}
	m.mu.Lock()
	spot := m.price
	now := m.now()
	m.mu.Unlock()
	return Chain(strings.ToUpper(symbol), spot, exp, now, withGreeks), nil
}

// GetMarketClock reports an always-open market.
func (m *Broker) GetMarketClock(bool) (*broker.MarketClockResponse, error) {
	resp := &broker.MarketClockResponse{}
	resp.Clock.State = "open"
	resp.Clock.Description = "Paper market is always open"
	return resp, nil
}

// IsTradingDay reports an always-open market.
func (m *Broker) IsTradingDay(bool) (bool, error) {
	return true, nil
}

// PlaceOptionOrder fills the order immediately against the synthetic chain.
func (m *Broker) PlaceOptionOrder(req broker.OrderRequest) (*broker.OrderResponse, error) {
	return m.PlaceOptionOrderCtx(context.Background(), req)
}

// PlaceOptionOrderCtx fills the order immediately against the synthetic chain.
func (m *Broker) PlaceOptionOrderCtx(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := req.LimitPrice
	if req.OrderType == "market" || price <= 0 {
		price = m.syntheticMidLocked(req.OptionSymbol)
	}

	m.nextID++
	resp := &broker.OrderResponse{}
	resp.Order.ID = m.nextID
	resp.Order.Symbol = req.Underlying
	resp.Order.OptionSymbol = req.OptionSymbol
	resp.Order.Side = string(req.Side)
	resp.Order.Class = "option"
	resp.Order.Status = "filled"
	resp.Order.Duration = string(req.Duration)
	resp.Order.Quantity = float64(req.Quantity)
	resp.Order.ExecQuantity = float64(req.Quantity)
	resp.Order.AvgFillPrice = price
	resp.Order.CreateDate = m.now().Format(time.RFC3339)

	notional := price * float64(req.Quantity) * 100
	switch req.Side {
	case broker.SellToOpen:
		m.cash += notional
		m.optionQty[req.OptionSymbol] -= req.Quantity
	case broker.BuyToClose:
		m.cash -= notional
		m.optionQty[req.OptionSymbol] += req.Quantity
	default:
		return nil, fmt.Errorf("unsupported order side %q", req.Side)
	}

	m.orders[resp.Order.ID] = resp
	return resp, nil
}

// CancelOrder marks a still-working order canceled. Paper orders fill at
// placement, so this only matters for tests that pre-seed working orders.
func (m *Broker) CancelOrder(orderID int) (*broker.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %d", orderID)
	}
	if !broker.StateOf(resp).IsTerminal() {
		resp.Order.Status = "canceled"
	}
	return resp, nil
}

// ModifyOrder updates a working order's limit price.
func (m *Broker) ModifyOrder(orderID int, newLimit float64) (*broker.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %d", orderID)
	}
	resp.Order.Price = newLimit
	return resp, nil
}

// GetOrderStatus returns the stored order.
func (m *Broker) GetOrderStatus(orderID int) (*broker.OrderResponse, error) {
	return m.GetOrderStatusCtx(context.Background(), orderID)
}

// GetOrderStatusCtx returns the stored order.
func (m *Broker) GetOrderStatusCtx(_ context.Context, orderID int) (*broker.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %d", orderID)
	}
	return resp, nil
}

// syntheticMidLocked prices an option symbol off the current spot.
func (m *Broker) syntheticMidLocked(optionSymbol string) float64 {
	_, exp, optType, strike, err := broker.ParseOptionSymbol(optionSymbol)
	if err != nil {
		return 0.05
	}
	return midPrice(m.price, strike, optType, yearsTo(m.now(), exp))
}

func yearsTo(now, exp time.Time) float64 {
	y := exp.Sub(now).Hours() / 24 / 365
	if y < 1.0/365 {
		y = 1.0 / 365
	}
	return y
}
