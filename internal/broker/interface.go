package broker

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
)

// AccountBalances is the cash/equity snapshot consumed each decision cycle.
type AccountBalances struct {
	Cash       float64
	SharesHeld int
}

// OrderState is the normalized lifecycle state of a broker order.
type OrderState string

const (
	// OrderPending means the order was received but not yet acknowledged.
	OrderPending OrderState = "pending"
	// OrderAcked means the order is acknowledged and working.
	OrderAcked OrderState = "acked"
	// OrderPartiallyFilled means some contracts have executed.
	OrderPartiallyFilled OrderState = "partially_filled"
	// OrderFilled means the order is completely executed.
	OrderFilled OrderState = "filled"
	// OrderRejected means the broker refused the order.
	OrderRejected OrderState = "rejected"
	// OrderCancelled means the order was canceled before completion.
	OrderCancelled OrderState = "cancelled"
	// OrderExpired means the order lapsed without filling.
	OrderExpired OrderState = "expired"
	// OrderUnknown is returned for unrecognized status strings.
	OrderUnknown OrderState = "unknown"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

// NormalizeOrderState maps a raw broker status string onto OrderState.
func NormalizeOrderState(raw string) OrderState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "submitted":
		return OrderPending
	case "open", "accepted", "acked":
		return OrderAcked
	case "partial", "partially_filled":
		return OrderPartiallyFilled
	case "filled":
		return OrderFilled
	case "rejected", "error":
		return OrderRejected
	case "canceled", "cancelled":
		return OrderCancelled
	case "expired":
		return OrderExpired
	default:
		return OrderUnknown
	}
}

// StateOf normalizes an order response, upgrading a non-filled status to
// filled when the executed quantity covers the request. Rejected orders with
// zero executions never count as filled.
func StateOf(resp *OrderResponse) OrderState {
	if resp == nil || resp.Order.ID == 0 {
		return OrderUnknown
	}
	state := NormalizeOrderState(resp.Order.Status)
	const epsilon = 1e-6
	if resp.Order.Quantity > epsilon &&
		resp.Order.ExecQuantity >= resp.Order.Quantity-epsilon &&
		state != OrderRejected && state != OrderCancelled {
		return OrderFilled
	}
	return state
}

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// Account operations
	GetAccountBalances(symbol string) (*AccountBalances, error)
	GetAccountBalancesCtx(ctx context.Context, symbol string) (*AccountBalances, error)
	GetPositions() ([]PositionItem, error)
	GetPositionsCtx(ctx context.Context) ([]PositionItem, error)

	// Market data
	GetQuote(symbol string) (*QuoteItem, error)
	GetExpirations(symbol string) ([]string, error)
	GetOptionChain(symbol, expiration string, withGreeks bool) ([]Option, error)
	GetOptionChainCtx(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetMarketClock(delayed bool) (*MarketClockResponse, error)
	IsTradingDay(delayed bool) (bool, error)

	// Order operations
	PlaceOptionOrder(req OrderRequest) (*OrderResponse, error)
	PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(orderID int) (*OrderResponse, error)
	ModifyOrder(orderID int, newLimit float64) (*OrderResponse, error)
	GetOrderStatus(orderID int) (*OrderResponse, error)
	GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error)
}

// TradierClient wraps TradierAPI to implement the Broker interface.
type TradierClient struct {
	*TradierAPI
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client.
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPI(apiKey, accountID, sandbox)}
}

// GetAccountBalances returns cash plus the share count held in the given
// underlying, derived from the authoritative positions query.
func (t *TradierClient) GetAccountBalances(symbol string) (*AccountBalances, error) {
	return t.GetAccountBalancesCtx(context.Background(), symbol)
}

// GetAccountBalancesCtx returns cash and held shares with a context.
func (t *TradierClient) GetAccountBalancesCtx(ctx context.Context, symbol string) (*AccountBalances, error) {
	balances, err := t.GetBalancesCtx(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := t.GetPositionsCtx(ctx)
	if err != nil {
		return nil, err
	}
	shares := 0
	for _, p := range positions {
		// Equity position symbols match the underlying exactly; option
		// symbols carry the OSI suffix.
		if strings.EqualFold(p.Symbol, symbol) {
			shares = int(p.Quantity)
			break
		}
	}
	return &AccountBalances{Cash: balances.Balances.TotalCash, SharesHeld: shares}, nil
}

// IsPermanentAPIError checks whether an error is a permanent 4xx API error
// (429 excepted) that retrying cannot fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// GetOptionByStrike finds the option with a specific strike and type.
func GetOptionByStrike(options []Option, strike float64, optionType OptionType) *Option {
	for i := range options {
		if math.Abs(options[i].Strike-strike) <= 1e-4 && options[i].OptionType == string(optionType) {
			return &options[i]
		}
	}
	return nil
}

// DaysBetween calculates the number of calendar days between two dates.
func DaysBetween(from, to time.Time) int {
	f := from.UTC().Truncate(24 * time.Hour)
	t := to.UTC().Truncate(24 * time.Hour)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Open reports whether the breaker is currently refusing calls; the loop
// treats an open breaker as a broker disconnect and goes HOLD-only.
func (c *CircuitBreakerBroker) Open() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// GetAccountBalances wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalances(symbol string) (*AccountBalances, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*AccountBalances, error) {
		return b.GetAccountBalances(symbol)
	})
}

// GetAccountBalancesCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalancesCtx(ctx context.Context, symbol string) (*AccountBalances, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*AccountBalances, error) {
		return b.GetAccountBalancesCtx(ctx, symbol)
	})
}

// GetPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions() ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions() })
}

// GetPositionsCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositionsCtx(ctx) })
}

// GetQuote wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(symbol) })
}

// GetExpirations wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetExpirations(symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(symbol) })
}

// GetOptionChain wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(symbol, expiration, withGreeks)
	})
}

// GetOptionChainCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChainCtx(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChainCtx(ctx, symbol, expiration, withGreeks)
	})
}

// GetMarketClock wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(delayed)
	})
}

// IsTradingDay wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) IsTradingDay(delayed bool) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) { return b.IsTradingDay(delayed) })
}

// PlaceOptionOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOptionOrder(req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.PlaceOptionOrder(req) })
}

// PlaceOptionOrderCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrderCtx(ctx, req)
	})
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.CancelOrder(orderID) })
}

// ModifyOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ModifyOrder(orderID int, newLimit float64) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.ModifyOrder(orderID, newLimit)
	})
}

// GetOrderStatus wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) { return b.GetOrderStatus(orderID) })
}

// GetOrderStatusCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}
