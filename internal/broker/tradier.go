package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	productionBaseURL = "https://api.tradier.com/v1"
	sandboxBaseURL    = "https://sandbox.tradier.com/v1"

	defaultHTTPTimeout = 30 * time.Second
)

// APIError represents a non-2xx response from the brokerage API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// TradierAPI is a minimal client for the Tradier brokerage REST API, covering
// the account, market-data, and single-leg option order endpoints the wheel
// needs.
type TradierAPI struct {
	apiKey    string
	accountID string
	baseURL   string
	client    *http.Client
}

// NewTradierAPI creates a new API client. Sandbox mode targets the paper
// trading endpoint.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	base := productionBaseURL
	if sandbox {
		base = sandboxBaseURL
	}
	return &TradierAPI{
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   base,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// NewTradierAPIWithBaseURL creates a client against an explicit base URL,
// used by tests with httptest servers.
func NewTradierAPIWithBaseURL(apiKey, accountID, baseURL string) *TradierAPI {
	return &TradierAPI{
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// singleOrArray decodes JSON fields Tradier returns as either a single object
// or an array of objects.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*s = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []T
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*s = []T{one}
	return nil
}

// OptionChainResponse wraps the option chain payload.
type OptionChainResponse struct {
	Options struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the chain endpoint.
type Option struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	Symbol         string  `json:"symbol"`
	Description    string  `json:"description"`
	OptionType     string  `json:"option_type"`
	ExpirationDate string  `json:"expiration_date"`
	Underlying     string  `json:"underlying"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Last           float64 `json:"last"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	OpenInterest   int64   `json:"open_interest"`
	Strike         float64 `json:"strike"`
}

// MidPrice returns the bid/ask midpoint, falling back to last when the book
// is one-sided.
func (o *Option) MidPrice() float64 {
	if o.Bid > 0 && o.Ask > 0 && o.Ask >= o.Bid {
		return (o.Bid + o.Ask) / 2
	}
	return o.Last
}

// SpreadPct returns the bid/ask spread as a fraction of the midpoint.
func (o *Option) SpreadPct() float64 {
	mid := o.MidPrice()
	if mid <= 0 || o.Bid <= 0 || o.Ask <= 0 {
		return 1.0
	}
	return (o.Ask - o.Bid) / mid
}

// Greeks contains option greeks data from the chain endpoint.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	MidIV     float64 `json:"mid_iv"`
}

// PositionsResponse wraps the account positions payload.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles positions arriving as "null", one object, or a list.
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

// UnmarshalJSON tolerates the bare/quoted null Tradier sends for flat accounts.
func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}
	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents one account position (equity or option).
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse wraps the quotes payload.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single underlying quote.
type QuoteItem struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Close     float64 `json:"close"`
	PrevClose float64 `json:"prevclose"`
	Volume    int64   `json:"volume"`
}

// Price returns the best available price: last, then close, then mid.
// Mirrors the fallback chain market data sources need outside regular hours.
func (q *QuoteItem) Price() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Close > 0 {
		return q.Close
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

// ExpirationsResponse wraps the expirations payload.
type ExpirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// BalancesResponse wraps the account balances payload.
type BalancesResponse struct {
	Balances struct {
		TotalCash   float64 `json:"total_cash"`
		TotalEquity float64 `json:"total_equity"`
		StockValue  float64 `json:"long_market_value"`
	} `json:"balances"`
}

// MarketClockResponse wraps the market clock payload.
type MarketClockResponse struct {
	Clock struct {
		State       string `json:"state"`
		Date        string `json:"date"`
		Description string `json:"description"`
		NextChange  string `json:"next_change"`
	} `json:"clock"`
}

// OrderResponse wraps a single order payload as returned by both the order
// placement and order status endpoints.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

// OrderSide is the broker-side order action for a single option leg.
type OrderSide string

const (
	// SellToOpen opens a new short leg.
	SellToOpen OrderSide = "sell_to_open"
	// BuyToClose closes an existing short leg.
	BuyToClose OrderSide = "buy_to_close"
)

// OrderDuration controls how long an order works.
type OrderDuration string

const (
	// DurationDay expires the order at the end of the session.
	DurationDay OrderDuration = "day"
	// DurationGTC keeps the order working until canceled.
	DurationGTC OrderDuration = "gtc"
)

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	Underlying   string
	OptionSymbol string
	Side         OrderSide
	Quantity     int
	OrderType    string // "limit" or "market"
	LimitPrice   float64
	Duration     OrderDuration
	Tag          string
}

func (r *OrderRequest) validate() error {
	if r.Underlying == "" || r.OptionSymbol == "" {
		return fmt.Errorf("order request missing symbol (underlying %q, option %q)", r.Underlying, r.OptionSymbol)
	}
	if r.Side != SellToOpen && r.Side != BuyToClose {
		return fmt.Errorf("unsupported order side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be > 0 (got %d)", r.Quantity)
	}
	if r.OrderType == "limit" && r.LimitPrice <= 0 {
		return fmt.Errorf("limit order requires positive price (got %.4f)", r.LimitPrice)
	}
	return nil
}

// GetQuote returns the current quote for a symbol.
func (t *TradierAPI) GetQuote(symbol string) (*QuoteItem, error) {
	return t.GetQuoteCtx(context.Background(), symbol)
}

// GetQuoteCtx returns the current quote for a symbol with a context.
func (t *TradierAPI) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{"symbols": {symbol}, "greeks": {"false"}}
	var resp QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, "/markets/quotes", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &resp.Quotes.Quote[0], nil
}

// GetExpirations returns available option expirations for a symbol.
func (t *TradierAPI) GetExpirations(symbol string) ([]string, error) {
	return t.GetExpirationsCtx(context.Background(), symbol)
}

// GetExpirationsCtx returns available option expirations with a context.
func (t *TradierAPI) GetExpirationsCtx(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{"symbol": {symbol}, "includeAllRoots": {"true"}}
	var resp ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, "/markets/options/expirations", params, &resp); err != nil {
		return nil, err
	}
	return resp.Expirations.Date, nil
}

// GetOptionChain returns the option chain for one expiration.
func (t *TradierAPI) GetOptionChain(symbol, expiration string, greeks bool) ([]Option, error) {
	return t.GetOptionChainCtx(context.Background(), symbol, expiration, greeks)
}

// GetOptionChainCtx returns the option chain for one expiration with a context.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{
		"symbol":     {symbol},
		"expiration": {expiration},
		"greeks":     {strconv.FormatBool(greeks)},
	}
	var resp OptionChainResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, "/markets/options/chains", params, &resp); err != nil {
		return nil, err
	}
	return resp.Options.Option, nil
}

// GetPositions returns all account positions.
func (t *TradierAPI) GetPositions() ([]PositionItem, error) {
	return t.GetPositionsCtx(context.Background())
}

// GetPositionsCtx returns all account positions with a context.
func (t *TradierAPI) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("/accounts/%s/positions", t.accountID)
	var resp PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions.Position, nil
}

// GetBalances returns the raw account balances payload.
func (t *TradierAPI) GetBalances() (*BalancesResponse, error) {
	return t.GetBalancesCtx(context.Background())
}

// GetBalancesCtx returns the raw account balances payload with a context.
func (t *TradierAPI) GetBalancesCtx(ctx context.Context) (*BalancesResponse, error) {
	endpoint := fmt.Sprintf("/accounts/%s/balances", t.accountID)
	var resp BalancesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMarketClock returns the current market clock status.
func (t *TradierAPI) GetMarketClock(delayed bool) (*MarketClockResponse, error) {
	params := url.Values{"delayed": {strconv.FormatBool(delayed)}}
	var resp MarketClockResponse
	if err := t.makeRequestCtx(context.Background(), http.MethodGet, "/markets/clock", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsTradingDay reports whether the market is currently open.
func (t *TradierAPI) IsTradingDay(delayed bool) (bool, error) {
	clock, err := t.GetMarketClock(delayed)
	if err != nil {
		return false, err
	}
	return clock.Clock.State == "open", nil
}

// PlaceOptionOrder places a single-leg option order.
func (t *TradierAPI) PlaceOptionOrder(req OrderRequest) (*OrderResponse, error) {
	return t.PlaceOptionOrderCtx(context.Background(), req)
}

// PlaceOptionOrderCtx places a single-leg option order with a context.
func (t *TradierAPI) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = "limit"
	}
	duration := req.Duration
	if duration == "" {
		duration = DurationDay
	}

	params := url.Values{
		"class":         {"option"},
		"symbol":        {req.Underlying},
		"option_symbol": {req.OptionSymbol},
		"side":          {string(req.Side)},
		"quantity":      {strconv.Itoa(req.Quantity)},
		"type":          {orderType},
		"duration":      {string(duration)},
	}
	if orderType == "limit" {
		params.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("/accounts/%s/orders", t.accountID)
	var resp OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder requests cancellation of a working order. Cancellation is
// best-effort: a fill can race the cancel, and the order status response is
// the authority on which one won.
func (t *TradierAPI) CancelOrder(orderID int) (*OrderResponse, error) {
	return t.CancelOrderCtx(context.Background(), orderID)
}

// CancelOrderCtx requests cancellation with a context.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("/accounts/%s/orders/%d", t.accountID, orderID)
	var resp OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ModifyOrder updates the limit price of a working order.
func (t *TradierAPI) ModifyOrder(orderID int, newLimit float64) (*OrderResponse, error) {
	return t.ModifyOrderCtx(context.Background(), orderID, newLimit)
}

// ModifyOrderCtx updates the limit price of a working order with a context.
func (t *TradierAPI) ModifyOrderCtx(ctx context.Context, orderID int, newLimit float64) (*OrderResponse, error) {
	if newLimit <= 0 {
		return nil, fmt.Errorf("modify order %d: limit must be positive (got %.4f)", orderID, newLimit)
	}
	endpoint := fmt.Sprintf("/accounts/%s/orders/%d", t.accountID, orderID)
	params := url.Values{
		"type":  {"limit"},
		"price": {fmt.Sprintf("%.2f", newLimit)},
	}
	var resp OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPut, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrderStatus retrieves the status of an existing order.
func (t *TradierAPI) GetOrderStatus(orderID int) (*OrderResponse, error) {
	return t.GetOrderStatusCtx(context.Background(), orderID)
}

// GetOrderStatusCtx retrieves the status of an existing order with a context.
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("/accounts/%s/orders/%d", t.accountID, orderID)
	var resp OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	fullURL := t.baseURL + endpoint

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}
	default:
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if response == nil {
		return nil
	}
	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// BuildOptionSymbol constructs an OSI option symbol:
// TICKER + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
func BuildOptionSymbol(underlying string, expiration time.Time, optionType OptionType, strike float64) string {
	side := "P"
	if optionType == OptionTypeCall {
		side = "C"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying), expiration.Format("060102"), side, int(strike*1000+0.5))
}

// ParseOptionSymbol extracts underlying, expiration, type, and strike from an
// OSI option symbol.
func ParseOptionSymbol(symbol string) (underlying string, expiration time.Time, optionType OptionType, strike float64, err error) {
	if len(symbol) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("option symbol too short: %s", symbol)
	}
	strikePart := symbol[len(symbol)-8:]
	typeChar := symbol[len(symbol)-9]
	datePart := symbol[len(symbol)-15 : len(symbol)-9]
	underlying = symbol[:len(symbol)-15]

	switch typeChar {
	case 'C':
		optionType = OptionTypeCall
	case 'P':
		optionType = OptionTypePut
	default:
		return "", time.Time{}, "", 0, fmt.Errorf("no option type (C/P) found in symbol: %s", symbol)
	}

	expiration, err = time.Parse("060102", datePart)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid expiration in symbol %s: %w", symbol, err)
	}
	strikeInt, err := strconv.ParseInt(strikePart, 10, 64)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid strike in symbol %s: %w", symbol, err)
	}
	strike = float64(strikeInt) / 1000.0
	return underlying, expiration, optionType, strike, nil
}
