// Package binancespot implements the Binance spot venue adapter.
package binancespot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	httpclient "grid_trader/pkg/http"
	"grid_trader/pkg/websocket"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultSpotURL = "https://api.binance.com"
	defaultSpotWS  = "wss://stream.binance.com:9443/ws"

	requestTimeout     = 10 * time.Second
	listenKeyKeepalive = 30 * time.Minute
)

// BinanceSpotExchange implements core.IExchange against the Binance spot API.
//
// Signed endpoints go through a query-signing HTTP client; the user data
// stream authenticates by listen key. Order commissions arrive per execution
// on the stream and are accumulated per order so the Fill emitted at FILLED
// carries the order's full fee.
type BinanceSpotExchange struct {
	cfg    *config.ExchangeConfig
	logger core.ILogger

	signed *httpclient.Client // signed endpoints: orders, trades, account
	public *httpclient.Client // market data endpoints
	stream *httpclient.Client // listen key endpoints, API key header only

	wsURL string

	mu    sync.RWMutex
	rules map[string]*core.SymbolRules
	// commissions per venue order id, valued in the quote asset
	fees map[int64]decimal.Decimal

	fillClient   *websocket.Client
	tickerClient *websocket.Client
}

var _ core.IExchange = (*BinanceSpotExchange)(nil)

// NewBinanceSpotExchange creates a new Binance spot exchange instance
func NewBinanceSpotExchange(cfg *config.ExchangeConfig, logger core.ILogger) *BinanceSpotExchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultSpotURL
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultSpotWS
	}

	return &BinanceSpotExchange{
		cfg:    cfg,
		logger: logger.WithField("exchange", "binance_spot"),
		signed: httpclient.NewClient(baseURL, requestTimeout, &querySigner{
			apiKey:    cfg.APIKey.Reveal(),
			secretKey: cfg.SecretKey.Reveal(),
		}),
		public: httpclient.NewClient(baseURL, requestTimeout, nil),
		stream: httpclient.NewClient(baseURL, requestTimeout, &keyOnlySigner{
			apiKey: cfg.APIKey.Reveal(),
		}),
		wsURL: wsURL,
		rules: make(map[string]*core.SymbolRules),
		fees:  make(map[int64]decimal.Decimal),
	}
}

func (e *BinanceSpotExchange) GetName() string {
	return "binance_spot"
}

// CheckHealth pings the venue.
func (e *BinanceSpotExchange) CheckHealth(ctx context.Context) error {
	if _, err := e.public.Get(ctx, "/api/v3/ping", nil); err != nil {
		return e.mapError(err)
	}
	return nil
}

// querySigner implements the Binance signed-endpoint scheme: HMAC-SHA256 over
// the encoded query string, appended as the final parameter so the signed
// bytes are exactly what is sent.
type querySigner struct {
	apiKey    string
	secretKey string
}

func (s *querySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	query := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(query))
	req.URL.RawQuery = query + "&signature=" + hex.EncodeToString(mac.Sum(nil))

	return nil
}

// keyOnlySigner sets the API key header without a signature. Listen key
// endpoints authenticate by key alone and reject signed parameters.
type keyOnlySigner struct {
	apiKey string
}

func (s *keyOnlySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)
	return nil
}

func (e *BinanceSpotExchange) mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseVenueError(apiErr.Body)
	}
	return err
}

func parseVenueError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance spot error (unmarshal failed): %s", string(body))
	}

	// Map Binance error codes
	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -1013, -1111:
		return apperrors.ErrInvalidOrderParameter
	case -2010:
		if strings.Contains(errResp.Msg, "Duplicate") {
			return apperrors.ErrDuplicateOrder
		}
		return apperrors.ErrInsufficientFunds
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("binance spot error %d: %s", errResp.Code, errResp.Msg)
}

type rawOrder struct {
	Symbol        string    `json:"symbol"`
	OrderID       int64     `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Price         string    `json:"price"`
	OrigQty       string    `json:"origQty"`
	ExecutedQty   string    `json:"executedQty"`
	CumQuoteQty   string    `json:"cummulativeQuoteQty"`
	Status        string    `json:"status"`
	Type          string    `json:"type"`
	Side          string    `json:"side"`
	Time          int64     `json:"time"`
	TransactTime  int64     `json:"transactTime"`
	UpdateTime    int64     `json:"updateTime"`
	Fills         []rawFill `json:"fills"`
}

type rawFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderStatusCancelled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusExpired
	}
	return core.OrderStatusUnknown
}

func (e *BinanceSpotExchange) mapOrder(raw *rawOrder) *core.Order {
	executed := e.parseDecimal(raw.ExecutedQty)

	// The spot API reports cumulative quote volume, not an average price.
	avg := decimal.Zero
	if executed.IsPositive() {
		if quote := e.parseDecimal(raw.CumQuoteQty); quote.IsPositive() {
			avg = quote.Div(executed)
		}
	}

	updateTime := raw.UpdateTime
	if updateTime == 0 {
		updateTime = raw.TransactTime
	}
	if updateTime == 0 {
		updateTime = raw.Time
	}

	return &core.Order{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Side:          core.OrderSide(raw.Side),
		Type:          core.OrderType(raw.Type),
		Status:        mapOrderStatus(raw.Status),
		Price:         e.parseDecimal(raw.Price),
		Quantity:      e.parseDecimal(raw.OrigQty),
		ExecutedQty:   executed,
		AvgPrice:      avg,
		UpdateTime:    updateTime,
	}
}

func (e *BinanceSpotExchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"quantity":         req.Quantity.String(),
		"newOrderRespType": "FULL",
	}

	switch req.Type {
	case core.OrderTypeLimit:
		params["type"] = "LIMIT"
		params["timeInForce"] = "GTC"
		params["price"] = req.Price.String()
	case core.OrderTypeMarket:
		params["type"] = "MARKET"
	default:
		return nil, fmt.Errorf("%w: order type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := e.signed.PostParams(ctx, "/api/v3/order", params)
	if err != nil {
		venueErr := e.mapError(err)
		// The venue rejects a reused client order id while the original is
		// still open; return the existing order instead.
		if errors.Is(venueErr, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
			if existing, lookupErr := e.GetOrder(ctx, req.Symbol, req.ClientOrderID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, venueErr
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	order := e.mapOrder(&raw)

	// Immediate executions arrive inline on the FULL response.
	if len(raw.Fills) > 0 {
		fee := decimal.Zero
		for _, f := range raw.Fills {
			fee = fee.Add(e.commissionInQuote(req.Symbol, f.Commission, f.CommissionAsset, f.Price))
		}
		order.Fee = fee
		order.FeeAsset = e.quoteAsset(req.Symbol)
	}

	return order, nil
}

func (e *BinanceSpotExchange) CancelOrder(ctx context.Context, symbol string, clientOrderID string) (core.CancelResult, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}

	if _, err := e.signed.Delete(ctx, "/api/v3/order", params); err != nil {
		venueErr := e.mapError(err)
		if errors.Is(venueErr, apperrors.ErrOrderNotFound) {
			// The venue no longer has the order open: filled, already
			// cancelled, or expired.
			return core.CancelAlreadyGone, nil
		}
		return core.CancelError, venueErr
	}

	return core.CancelOK, nil
}

func (e *BinanceSpotExchange) GetOrder(ctx context.Context, symbol string, clientOrderID string) (*core.Order, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}

	body, err := e.signed.Get(ctx, "/api/v3/order", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	order := e.mapOrder(&raw)

	// The order endpoint carries no commissions; recover them from the
	// order's trades so filled orders report their full fee.
	if order.Status == core.OrderStatusFilled {
		fee, feeErr := e.orderCommission(ctx, symbol, order.OrderID)
		if feeErr != nil {
			e.logger.Warn("Failed to fetch order commissions", "order_id", order.OrderID, "error", feeErr)
		} else {
			order.Fee = fee
			order.FeeAsset = e.quoteAsset(symbol)
		}
	}

	return order, nil
}

// orderCommission sums the commissions across an order's trades, valued in
// the quote asset.
func (e *BinanceSpotExchange) orderCommission(ctx context.Context, symbol string, orderID int64) (decimal.Decimal, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}

	body, err := e.signed.Get(ctx, "/api/v3/myTrades", params)
	if err != nil {
		return decimal.Zero, e.mapError(err)
	}

	var trades []struct {
		Price           string `json:"price"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	}
	if err := json.Unmarshal(body, &trades); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode trades: %w", err)
	}

	total := decimal.Zero
	for _, tr := range trades {
		total = total.Add(e.commissionInQuote(symbol, tr.Commission, tr.CommissionAsset, tr.Price))
	}
	return total, nil
}

func (e *BinanceSpotExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	params := map[string]string{"symbol": symbol}

	body, err := e.signed.Get(ctx, "/api/v3/openOrders", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var rawOrders []rawOrder
	if err := json.Unmarshal(body, &rawOrders); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}

	orders := make([]*core.Order, len(rawOrders))
	for i := range rawOrders {
		orders[i] = e.mapOrder(&rawOrders[i])
	}
	return orders, nil
}

func (e *BinanceSpotExchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	params := map[string]string{"symbol": symbol}

	body, err := e.public.Get(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var raw struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		CloseTime int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode ticker: %w", err)
	}

	return &core.Ticker{
		Symbol:    raw.Symbol,
		Last:      e.parseDecimal(raw.LastPrice),
		Bid:       e.parseDecimal(raw.BidPrice),
		Ask:       e.parseDecimal(raw.AskPrice),
		Timestamp: raw.CloseTime,
	}, nil
}

func (e *BinanceSpotExchange) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	e.mu.RLock()
	rules, ok := e.rules[symbol]
	e.mu.RUnlock()
	if ok {
		return rules, nil
	}

	body, err := e.public.Get(ctx, "/api/v3/exchangeInfo", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, e.mapError(err)
	}

	var response struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode exchange info: %w", err)
	}

	e.mu.Lock()
	for _, s := range response.Symbols {
		r := &core.SymbolRules{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				r.TickSize = e.parseDecimal(f.TickSize)
			case "LOT_SIZE":
				r.LotStep = e.parseDecimal(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				r.MinNotional = e.parseDecimal(f.MinNotional)
			}
		}
		e.rules[s.Symbol] = r
	}
	rules, ok = e.rules[symbol]
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return rules, nil
}

func (e *BinanceSpotExchange) StartFillStream(ctx context.Context, symbol string, callback func(*core.Fill)) error {
	// Commission valuation needs the symbol's base and quote assets.
	if _, err := e.GetSymbolRules(ctx, symbol); err != nil {
		return fmt.Errorf("failed to load symbol rules: %w", err)
	}

	listenKey, err := e.createListenKey(ctx)
	if err != nil {
		return err
	}
	go e.keepAliveListenKey(ctx, listenKey)

	client := websocket.NewClient(fmt.Sprintf("%s/%s", e.wsURL, listenKey), func(message []byte) {
		e.handleUserDataEvent(symbol, message, callback)
	}, e.logger)

	e.mu.Lock()
	e.fillClient = client
	e.mu.Unlock()

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	return nil
}

func (e *BinanceSpotExchange) handleUserDataEvent(symbol string, message []byte, callback func(*core.Fill)) {
	var event struct {
		Event           string `json:"e"`
		Symbol          string `json:"s"`
		ClientOid       string `json:"c"`
		OrigClientOid   string `json:"C"`
		Side            string `json:"S"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		CumQty          string `json:"z"`
		LastPrice       string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		CumQuoteQty     string `json:"Z"`
		OrderTime       int64  `json:"T"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		e.logger.Error("Failed to unmarshal user data event", "error", err)
		return
	}

	if event.Event != "executionReport" || event.Symbol != symbol {
		return
	}

	// Commissions arrive per execution; accumulate until the order is done.
	if event.ExecType == "TRADE" {
		fee := e.commissionInQuote(symbol, event.Commission, event.CommissionAsset, event.LastPrice)
		e.mu.Lock()
		e.fees[event.OrderID] = e.fees[event.OrderID].Add(fee)
		e.mu.Unlock()
	}

	status := mapOrderStatus(event.Status)
	if !status.IsTerminal() {
		return
	}

	e.mu.Lock()
	fee := e.fees[event.OrderID]
	delete(e.fees, event.OrderID)
	e.mu.Unlock()

	// Only full fills become Fill events.
	if status != core.OrderStatusFilled {
		return
	}

	clientID := event.ClientOid
	if clientID == "" {
		clientID = event.OrigClientOid
	}

	cumQty := e.parseDecimal(event.CumQty)
	price := e.parseDecimal(event.LastPrice)
	if quote := e.parseDecimal(event.CumQuoteQty); quote.IsPositive() && cumQty.IsPositive() {
		price = quote.Div(cumQty)
	}

	callback(&core.Fill{
		OrderID:       event.OrderID,
		ClientOrderID: clientID,
		Symbol:        event.Symbol,
		Side:          core.OrderSide(event.Side),
		Price:         price,
		Quantity:      cumQty,
		Fee:           fee,
		FeeAsset:      e.quoteAsset(symbol),
		TradeTime:     event.OrderTime,
	})
}

func (e *BinanceSpotExchange) StopFillStream() error {
	e.mu.Lock()
	client := e.fillClient
	e.fillClient = nil
	e.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	return nil
}

func (e *BinanceSpotExchange) StartTickerStream(ctx context.Context, symbol string, callback func(*core.Ticker)) error {
	streamURL := fmt.Sprintf("%s/%s@ticker", e.wsURL, strings.ToLower(symbol))

	client := websocket.NewClient(streamURL, func(message []byte) {
		var event struct {
			Event     string `json:"e"`
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			LastPrice string `json:"c"`
			BidPrice  string `json:"b"`
			AskPrice  string `json:"a"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			return
		}
		if event.Event != "24hrTicker" {
			return
		}

		callback(&core.Ticker{
			Symbol:    event.Symbol,
			Last:      e.parseDecimal(event.LastPrice),
			Bid:       e.parseDecimal(event.BidPrice),
			Ask:       e.parseDecimal(event.AskPrice),
			Timestamp: event.EventTime,
		})
	}, e.logger)

	e.mu.Lock()
	e.tickerClient = client
	e.mu.Unlock()

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	return nil
}

func (e *BinanceSpotExchange) StopTickerStream() error {
	e.mu.Lock()
	client := e.tickerClient
	e.tickerClient = nil
	e.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	return nil
}

func (e *BinanceSpotExchange) createListenKey(ctx context.Context) (string, error) {
	body, err := e.stream.PostParams(ctx, "/api/v3/userDataStream", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", e.mapError(err))
	}

	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	if result.ListenKey == "" {
		return "", fmt.Errorf("venue returned an empty listen key")
	}
	return result.ListenKey, nil
}

func (e *BinanceSpotExchange) keepAliveListenKey(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.stream.Put(ctx, "/api/v3/userDataStream", map[string]string{"listenKey": listenKey}); err != nil {
				e.logger.Error("Failed to refresh listen key", "error", err)
			}
		}
	}
}

// commissionInQuote values a commission in the quote asset. Commissions paid
// in a third asset (venue token discounts) cannot be valued here and count
// as zero, which the engine covers with its fee estimate.
func (e *BinanceSpotExchange) commissionInQuote(symbol, commission, asset, price string) decimal.Decimal {
	c := e.parseDecimal(commission)
	if c.IsZero() {
		return decimal.Zero
	}

	e.mu.RLock()
	rules, ok := e.rules[symbol]
	e.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}

	switch asset {
	case rules.QuoteAsset:
		return c
	case rules.BaseAsset:
		return c.Mul(e.parseDecimal(price))
	}
	return decimal.Zero
}

func (e *BinanceSpotExchange) quoteAsset(symbol string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rules, ok := e.rules[symbol]; ok {
		return rules.QuoteAsset
	}
	return ""
}

func (e *BinanceSpotExchange) parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		e.logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}
