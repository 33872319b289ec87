package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/models"
)

const angelName = "angel"

// AngelBroker implements the Broker interface for the Angel One SmartAPI.
type AngelBroker struct {
	cfg         AngelConfig
	client      *smartClient
	instruments *InstrumentCache
	logger      zerolog.Logger

	mu              sync.RWMutex
	tokens          models.Tokens
	authenticated   bool
	authenticatedAt time.Time

	streamMu sync.Mutex
	stream   *angelStream
}

// AngelConfig holds configuration for the SmartAPI broker.
type AngelConfig struct {
	APIKey            string
	BaseURL           string
	StreamURL         string
	LoginURL          string
	ClientLocalIP     string
	ClientPublicIP    string
	MACAddress        string
	DefaultExchange   models.Exchange
	HeartbeatInterval time.Duration
	HistoryLookback   time.Duration
	Timeout           time.Duration
	// BreakerThreshold is the number of consecutive transport or 5xx
	// failures that open the REST circuit. Negative disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           zerolog.Logger
	// Dialer is used for the market data socket; nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Now overrides the clock used for token age and candle windows.
	Now func() time.Time
}

func (c *AngelConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://apiconnect.angelone.in"
	}
	if c.StreamURL == "" {
		c.StreamURL = "wss://smartapisocket.angelone.in/smart-stream"
	}
	if c.LoginURL == "" {
		c.LoginURL = "https://smartapi.angelone.in/publisher-login"
	}
	if c.DefaultExchange == "" {
		c.DefaultExchange = models.NSE
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HistoryLookback <= 0 {
		c.HistoryLookback = 4380 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// NewAngelBroker creates a new SmartAPI broker. No network call is made until
// Login, Refresh or a data operation is invoked.
func NewAngelBroker(cfg AngelConfig) *AngelBroker {
	cfg.applyDefaults()
	logger := logging.WithBroker(cfg.Logger, angelName)

	a := &AngelBroker{
		cfg:    cfg,
		client: newSmartClient(cfg, logger),
		logger: logger,
	}
	a.instruments = NewInstrumentCache(a.searchScrip)
	return a
}

var _ Broker = (*AngelBroker)(nil)

// Name returns the broker name.
func (a *AngelBroker) Name() string { return angelName }

// Kind returns the broker kind.
func (a *AngelBroker) Kind() models.BrokerKind { return models.BrokerLive }

// Instruments exposes the symbol/token cache.
func (a *AngelBroker) Instruments() *InstrumentCache { return a.instruments }

// loginData is the token triple returned by login and refresh.
type loginData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

func (d loginData) tokens(clientCode string) models.Tokens {
	return models.Tokens{
		JWT:        strings.TrimPrefix(d.JWTToken, "Bearer "),
		Refresh:    d.RefreshToken,
		Feed:       d.FeedToken,
		ClientCode: clientCode,
	}
}

// LoginURL returns the publisher login page for browser based logins.
func (a *AngelBroker) LoginURL() (string, error) {
	if a.cfg.APIKey == "" {
		return "", fmt.Errorf("%s: api key not configured", angelName)
	}
	return a.cfg.LoginURL + "?api_key=" + url.QueryEscape(a.cfg.APIKey), nil
}

// HandleCallback accepts the query string of the publisher login redirect and
// seeds the session from the tokens it carries.
func (a *AngelBroker) HandleCallback(ctx context.Context, code string) error {
	query := code
	if i := strings.IndexByte(query, '?'); i >= 0 {
		query = query[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("%s: parsing callback: %w", angelName, err)
	}

	tokens := models.Tokens{
		JWT:     strings.TrimPrefix(values.Get("auth_token"), "Bearer "),
		Refresh: values.Get("refresh_token"),
		Feed:    values.Get("feed_token"),
	}
	if tokens.JWT == "" {
		return errors.Wrap(errors.ErrInvalidCredentials, "callback is missing auth_token")
	}

	a.setTokens(tokens)
	return nil
}

// Login authenticates with client code, password and a one-time code. When
// no code is given and a TOTP secret is, the current code is generated.
func (a *AngelBroker) Login(ctx context.Context, creds models.Credentials) error {
	if creds.ClientCode == "" || creds.Password == "" {
		return errors.Wrap(errors.ErrInvalidCredentials, "client code and password are required")
	}

	code := creds.TOTP
	if code == "" && creds.TOTPSecret != "" {
		generated, err := totp.GenerateCode(creds.TOTPSecret, a.cfg.Now())
		if err != nil {
			return fmt.Errorf("%s: generating totp: %w", angelName, err)
		}
		code = generated
	}
	if code == "" {
		return errors.Wrap(errors.ErrInvalidCredentials, "totp is required")
	}

	body := map[string]string{
		"clientcode": creds.ClientCode,
		"password":   creds.Password,
		"totp":       code,
	}

	var data loginData
	if _, err := a.client.do(ctx, "login", http.MethodPost, pathLogin, "", body, &data); err != nil {
		return err
	}

	tokens := data.tokens(creds.ClientCode)
	if !tokens.Complete() {
		return errors.NewBrokerError(angelName, "login", "", "incomplete token set in login response", errors.ErrNotAuthenticated)
	}

	a.setTokens(tokens)
	a.logger.Info().
		Str("client_code", creds.ClientCode).
		Str("jwt", logging.MaskToken(tokens.JWT)).
		Msg("Logged in")
	return nil
}

// RestoreSession seeds tokens obtained earlier. No network call is made.
func (a *AngelBroker) RestoreSession(tokens models.Tokens) error {
	if tokens.IsZero() {
		return errors.Wrap(errors.ErrNotAuthenticated, "restore requires a jwt token")
	}
	a.setTokens(tokens)
	return nil
}

func (a *AngelBroker) setTokens(tokens models.Tokens) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tokens.ClientCode == "" {
		tokens.ClientCode = a.tokens.ClientCode
	}
	a.tokens = tokens
	a.authenticated = !tokens.IsZero()
	a.authenticatedAt = a.cfg.Now()
}

// Refresh exchanges the refresh token for a new token triple. On any failure
// the current tokens are kept.
func (a *AngelBroker) Refresh(ctx context.Context) error {
	a.mu.RLock()
	current := a.tokens
	a.mu.RUnlock()

	if current.Refresh == "" {
		return errors.Wrap(errors.ErrNotAuthenticated, "no refresh token")
	}

	body := map[string]string{"refreshToken": current.Refresh}

	var data loginData
	if _, err := a.client.do(ctx, "refresh", http.MethodPost, pathRefresh, current.JWT, body, &data); err != nil {
		return err
	}

	tokens := data.tokens(current.ClientCode)
	if tokens.Refresh == "" {
		tokens.Refresh = current.Refresh
	}
	if tokens.Feed == "" {
		tokens.Feed = current.Feed
	}
	if tokens.IsZero() {
		return errors.NewBrokerError(angelName, "refresh", "", "refresh response carried no jwt token", errors.ErrSessionExpired)
	}

	a.setTokens(tokens)
	a.logger.Debug().Str("jwt", logging.MaskToken(tokens.JWT)).Msg("Session refreshed")
	return nil
}

// Logout terminates the session on the server when possible and always
// clears local state.
func (a *AngelBroker) Logout(ctx context.Context) error {
	a.mu.RLock()
	current := a.tokens
	a.mu.RUnlock()

	if current.JWT != "" {
		body := map[string]string{"clientcode": current.ClientCode}
		if _, err := a.client.do(ctx, "logout", http.MethodPost, pathLogout, current.JWT, body, nil); err != nil {
			a.logger.Warn().Err(err).Msg("Server logout failed, clearing local session")
		}
	}

	a.mu.Lock()
	a.tokens = models.Tokens{}
	a.authenticated = false
	a.authenticatedAt = time.Time{}
	a.mu.Unlock()

	return nil
}

// IsAuthenticated returns whether the broker holds a jwt token.
func (a *AngelBroker) IsAuthenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// Tokens returns a copy of the current token triple.
func (a *AngelBroker) Tokens() models.Tokens {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens
}

// AuthenticatedAt returns when the current tokens were obtained.
func (a *AngelBroker) AuthenticatedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticatedAt
}

func (a *AngelBroker) jwt() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tokens.JWT == "" {
		return "", errors.ErrNotAuthenticated
	}
	return a.tokens.JWT, nil
}

// secure sends an authenticated request.
func (a *AngelBroker) secure(ctx context.Context, op, method, path string, body, out interface{}) error {
	jwt, err := a.jwt()
	if err != nil {
		return fmt.Errorf("%s %s: %w", angelName, op, err)
	}
	_, err = a.client.do(ctx, op, method, path, jwt, body, out)
	return err
}

// Order Operations

type orderPayload struct {
	Variety         string `json:"variety"`
	OrderID         string `json:"orderid,omitempty"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype,omitempty"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	TriggerPrice    string `json:"triggerprice"`
	SquareOff       string `json:"squareoff"`
	StopLoss        string `json:"stoploss"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// buildOrder fills defaults and resolves the symbol token.
func (a *AngelBroker) buildOrder(ctx context.Context, params models.OrderParams) (orderPayload, error) {
	if err := checkPrices(params); err != nil {
		return orderPayload{}, err
	}
	exchange := params.Exchange
	if exchange == "" {
		exchange = a.cfg.DefaultExchange
	}
	variety := params.Variety
	if variety == "" {
		variety = models.VarietyNormal
	}
	orderType := params.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}
	product := params.Product
	if product == "" {
		product = models.ProductDelivery
	}
	duration := params.Duration
	if duration == "" {
		duration = models.DurationDay
	}

	symbol, token := params.Symbol, params.Token
	if token == "" {
		inst, err := a.instruments.Resolve(ctx, exchange, params.Symbol)
		if err != nil {
			return orderPayload{}, err
		}
		token = inst.Token
		if inst.Symbol != "" {
			symbol = inst.Symbol
		}
	}

	return orderPayload{
		Variety:         string(variety),
		TradingSymbol:   symbol,
		SymbolToken:     token,
		TransactionType: string(params.Side),
		Exchange:        string(exchange),
		OrderType:       string(orderType),
		ProductType:     string(product),
		Duration:        string(duration),
		Price:           formatPrice(params.Price),
		TriggerPrice:    formatPrice(params.TriggerPrice),
		SquareOff:       "0",
		StopLoss:        "0",
		Quantity:        fmt.Sprintf("%d", params.Quantity),
		OrderTag:        params.Tag,
	}, nil
}

// PlaceOrder places a new order.
func (a *AngelBroker) PlaceOrder(ctx context.Context, params models.OrderParams) (*OrderResult, error) {
	if params.Quantity <= 0 {
		return nil, errors.NewValidationError("quantity", params.Quantity, "must be positive")
	}
	if params.Side != models.OrderSideBuy && params.Side != models.OrderSideSell {
		return nil, errors.NewValidationError("side", params.Side, "must be BUY or SELL")
	}
	if _, err := a.jwt(); err != nil {
		return nil, fmt.Errorf("%s place order: %w", angelName, err)
	}

	payload, err := a.buildOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := a.secure(ctx, "place order", http.MethodPost, pathPlaceOrder, payload, &data); err != nil {
		return nil, err
	}

	logging.LogOrder(a.logger, data.OrderID, payload.TradingSymbol, payload.TransactionType, "placed")
	return &OrderResult{
		OrderID: data.OrderID,
		Status:  "placed",
	}, nil
}

// ModifyOrder modifies an existing order.
func (a *AngelBroker) ModifyOrder(ctx context.Context, orderID string, params models.OrderParams) error {
	if _, err := a.jwt(); err != nil {
		return fmt.Errorf("%s modify order: %w", angelName, err)
	}

	payload, err := a.buildOrder(ctx, params)
	if err != nil {
		return err
	}
	payload.OrderID = orderID
	payload.TransactionType = ""

	if err := a.secure(ctx, "modify order", http.MethodPost, pathModifyOrder, payload, nil); err != nil {
		return err
	}
	logging.LogOrder(a.logger, orderID, payload.TradingSymbol, string(params.Side), "modified")
	return nil
}

// CancelOrder cancels an order.
func (a *AngelBroker) CancelOrder(ctx context.Context, orderID string, variety models.Variety) error {
	if variety == "" {
		variety = models.VarietyNormal
	}
	body := map[string]string{
		"variety": string(variety),
		"orderid": orderID,
	}
	if err := a.secure(ctx, "cancel order", http.MethodPost, pathCancelOrder, body, nil); err != nil {
		return err
	}
	logging.LogOrder(a.logger, orderID, "", "", "cancelled")
	return nil
}

type bookEntry struct {
	OrderID         string    `json:"orderid"`
	Variety         string    `json:"variety"`
	OrderType       string    `json:"ordertype"`
	ProductType     string    `json:"producttype"`
	Duration        string    `json:"duration"`
	Price           flexFloat `json:"price"`
	TriggerPrice    flexFloat `json:"triggerprice"`
	Quantity        flexInt   `json:"quantity"`
	TradingSymbol   string    `json:"tradingsymbol"`
	SymbolToken     string    `json:"symboltoken"`
	TransactionType string    `json:"transactiontype"`
	Exchange        string    `json:"exchange"`
	AveragePrice    flexFloat `json:"averageprice"`
	FilledShares    flexInt   `json:"filledshares"`
	Status          string    `json:"status"`
	OrderStatus     string    `json:"orderstatus"`
	Text            string    `json:"text"`
	OrderTag        string    `json:"ordertag"`
	UpdateTime      string    `json:"updatetime"`
	ExchangeTime    string    `json:"exchtime"`
}

const bookTimeLayout = "02-Jan-2006 15:04:05"

func (e bookEntry) order() models.Order {
	status := e.OrderStatus
	if status == "" {
		status = e.Status
	}
	updated, _ := time.Parse(bookTimeLayout, e.UpdateTime)
	placed, err := time.Parse(bookTimeLayout, e.ExchangeTime)
	if err != nil {
		placed = updated
	}

	return models.Order{
		ID:           e.OrderID,
		Symbol:       e.TradingSymbol,
		Token:        e.SymbolToken,
		Exchange:     models.Exchange(e.Exchange),
		Side:         models.OrderSide(e.TransactionType),
		Type:         models.OrderType(e.OrderType),
		Product:      models.ProductType(e.ProductType),
		Variety:      models.Variety(e.Variety),
		Duration:     models.Duration(e.Duration),
		Quantity:     int(e.Quantity),
		Price:        float64(e.Price),
		TriggerPrice: float64(e.TriggerPrice),
		Status:       strings.ToUpper(status),
		FilledQty:    int(e.FilledShares),
		AveragePrice: float64(e.AveragePrice),
		Message:      e.Text,
		Tag:          e.OrderTag,
		PlacedAt:     placed,
		UpdatedAt:    updated,
	}
}

// ListOrders returns the day's order book.
func (a *AngelBroker) ListOrders(ctx context.Context) ([]models.Order, error) {
	var book []bookEntry
	if err := a.secure(ctx, "order book", http.MethodGet, pathOrderBook, nil, &book); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(book))
	for _, e := range book {
		orders = append(orders, e.order())
	}
	return orders, nil
}

// OrderStatus finds one order in the order book.
func (a *AngelBroker) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := a.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ID == orderID {
			return &orders[i], nil
		}
	}
	return nil, errors.NewOrderError(orderID, "", "status", "not in order book", errors.ErrOrderNotFound)
}

// Portfolio Operations

// Positions returns open positions. Flat positions are skipped.
func (a *AngelBroker) Positions(ctx context.Context) ([]models.Position, error) {
	var rows []struct {
		TradingSymbol string    `json:"tradingsymbol"`
		Exchange      string    `json:"exchange"`
		ProductType   string    `json:"producttype"`
		NetQty        flexInt   `json:"netqty"`
		NetPrice      flexFloat `json:"netprice"`
		AvgNetPrice   flexFloat `json:"avgnetprice"`
		LTP           flexFloat `json:"ltp"`
	}
	if err := a.secure(ctx, "positions", http.MethodGet, pathPositions, nil, &rows); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		if r.NetQty == 0 {
			continue
		}
		avg := float64(r.AvgNetPrice)
		if avg == 0 {
			avg = float64(r.NetPrice)
		}
		positions = append(positions, newPosition(r.TradingSymbol, models.Exchange(r.Exchange),
			models.ProductType(r.ProductType), int(r.NetQty), avg, float64(r.LTP)))
	}
	return positions, nil
}

// Holdings returns delivery holdings.
func (a *AngelBroker) Holdings(ctx context.Context) ([]models.Holding, error) {
	var rows []struct {
		TradingSymbol string    `json:"tradingsymbol"`
		Exchange      string    `json:"exchange"`
		Quantity      flexInt   `json:"quantity"`
		AveragePrice  flexFloat `json:"averageprice"`
		LTP           flexFloat `json:"ltp"`
	}
	if err := a.secure(ctx, "holdings", http.MethodGet, pathHoldings, nil, &rows); err != nil {
		return nil, err
	}

	holdings := make([]models.Holding, 0, len(rows))
	for _, r := range rows {
		holdings = append(holdings, newHolding(r.TradingSymbol, models.Exchange(r.Exchange),
			int(r.Quantity), float64(r.AveragePrice), float64(r.LTP)))
	}
	return holdings, nil
}

// Funds returns the account's risk management summary.
func (a *AngelBroker) Funds(ctx context.Context) (*models.Funds, error) {
	var rms struct {
		Net            flexFloat `json:"net"`
		AvailableCash  flexFloat `json:"availablecash"`
		UtilisedDebits flexFloat `json:"utiliseddebits"`
	}
	if err := a.secure(ctx, "funds", http.MethodGet, pathFunds, nil, &rms); err != nil {
		return nil, err
	}

	return &models.Funds{
		Available:  float64(rms.AvailableCash),
		UsedMargin: float64(rms.UtilisedDebits),
		Total:      float64(rms.Net),
	}, nil
}

// Market Data Operations

type ltpData struct {
	Exchange      string    `json:"exchange"`
	TradingSymbol string    `json:"tradingsymbol"`
	SymbolToken   string    `json:"symboltoken"`
	Open          flexFloat `json:"open"`
	High          flexFloat `json:"high"`
	Low           flexFloat `json:"low"`
	Close         flexFloat `json:"close"`
	LTP           flexFloat `json:"ltp"`
}

func (a *AngelBroker) fetchLTP(ctx context.Context, exchange models.Exchange, symbol string) (*ltpData, error) {
	if exchange == "" {
		exchange = a.cfg.DefaultExchange
	}
	if _, err := a.jwt(); err != nil {
		return nil, fmt.Errorf("%s ltp: %w", angelName, err)
	}

	inst, err := a.instruments.Resolve(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}
	tradingSymbol := inst.Symbol
	if tradingSymbol == "" {
		tradingSymbol = symbol
	}

	body := map[string]string{
		"exchange":      string(exchange),
		"tradingsymbol": tradingSymbol,
		"symboltoken":   inst.Token,
	}

	var data ltpData
	if err := a.secure(ctx, "ltp", http.MethodPost, pathLTP, body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// LastPrice returns the last traded price of a symbol.
func (a *AngelBroker) LastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	data, err := a.fetchLTP(ctx, exchange, symbol)
	if err != nil {
		return 0, err
	}
	return float64(data.LTP), nil
}

// Quote returns a quote built from the LTP endpoint.
func (a *AngelBroker) Quote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error) {
	data, err := a.fetchLTP(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}

	q := &models.Quote{
		Symbol:    strings.ToUpper(symbol),
		Exchange:  models.Exchange(data.Exchange),
		LTP:       float64(data.LTP),
		Open:      float64(data.Open),
		High:      float64(data.High),
		Low:       float64(data.Low),
		Close:     float64(data.Close),
		Timestamp: a.cfg.Now(),
	}
	if q.Exchange == "" {
		q.Exchange = exchange
	}
	if q.Close > 0 {
		q.Change = q.LTP - q.Close
		q.ChangePercent = q.Change / q.Close * 100
	}
	return q, nil
}

// candleIntervals maps caller interval names onto SmartAPI intervals.
var candleIntervals = map[string]string{
	"1-minute":  "ONE_MINUTE",
	"3-minute":  "THREE_MINUTE",
	"5-minute":  "FIVE_MINUTE",
	"10-minute": "TEN_MINUTE",
	"15-minute": "FIFTEEN_MINUTE",
	"30-minute": "THIRTY_MINUTE",
	"1-hour":    "ONE_HOUR",
	"1-day":     "ONE_DAY",
	"1m":        "ONE_MINUTE",
	"3m":        "THREE_MINUTE",
	"5m":        "FIVE_MINUTE",
	"10m":       "TEN_MINUTE",
	"15m":       "FIFTEEN_MINUTE",
	"30m":       "THIRTY_MINUTE",
	"1h":        "ONE_HOUR",
	"1d":        "ONE_DAY",
}

// CandleInterval maps an interval name onto the SmartAPI interval.
func CandleInterval(name string) (string, error) {
	if name == "" {
		return "ONE_DAY", nil
	}
	interval, ok := candleIntervals[strings.ToLower(name)]
	if !ok {
		return "", errors.NewValidationError("interval", name, "unsupported candle interval")
	}
	return interval, nil
}

const candleDateLayout = "2006-01-02 15:04"

// HistoricalCandles returns OHLCV candles. A zero window defaults to the
// configured lookback ending now.
func (a *AngelBroker) HistoricalCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	interval, err := CandleInterval(req.Interval)
	if err != nil {
		return nil, err
	}

	exchange := req.Exchange
	if exchange == "" {
		exchange = a.cfg.DefaultExchange
	}

	to := req.To
	if to.IsZero() {
		to = a.cfg.Now()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-a.cfg.HistoryLookback)
	}

	token := req.Token
	if token == "" {
		if _, err := a.jwt(); err != nil {
			return nil, fmt.Errorf("%s candles: %w", angelName, err)
		}
		inst, err := a.instruments.Resolve(ctx, exchange, req.Symbol)
		if err != nil {
			return nil, err
		}
		token = inst.Token
	}

	body := map[string]string{
		"exchange":    string(exchange),
		"symboltoken": token,
		"interval":    interval,
		"fromdate":    from.Format(candleDateLayout),
		"todate":      to.Format(candleDateLayout),
	}

	var rows [][]json.RawMessage
	if err := a.secure(ctx, "candles", http.MethodPost, pathCandles, body, &rows); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandle(row)
		if err != nil {
			return nil, fmt.Errorf("%s candles: %w", angelName, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseCandle(row []json.RawMessage) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}

	var ts string
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return models.Candle{}, fmt.Errorf("candle timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return models.Candle{}, fmt.Errorf("candle timestamp %q: %w", ts, err)
	}

	var vals [5]flexFloat
	for i := range vals {
		if err := vals[i].UnmarshalJSON(row[i+1]); err != nil {
			return models.Candle{}, err
		}
	}

	return models.Candle{
		Timestamp: t,
		Open:      float64(vals[0]),
		High:      float64(vals[1]),
		Low:       float64(vals[2]),
		Close:     float64(vals[3]),
		Volume:    int64(vals[4]),
	}, nil
}

// searchScrip is the cache's miss handler.
func (a *AngelBroker) searchScrip(ctx context.Context, exchange models.Exchange, symbol string) ([]models.Instrument, error) {
	body := map[string]string{
		"exchange":    string(exchange),
		"searchscrip": strings.ToUpper(symbol),
	}

	var rows []struct {
		Exchange      string `json:"exchange"`
		TradingSymbol string `json:"tradingsymbol"`
		SymbolToken   string `json:"symboltoken"`
	}
	if err := a.secure(ctx, "search scrip", http.MethodPost, pathSearchScrip, body, &rows); err != nil {
		return nil, err
	}

	instruments := make([]models.Instrument, 0, len(rows))
	for _, r := range rows {
		instruments = append(instruments, models.Instrument{
			Token:    r.SymbolToken,
			Symbol:   r.TradingSymbol,
			Name:     r.TradingSymbol,
			Exchange: models.Exchange(r.Exchange),
		})
	}
	return instruments, nil
}

func newPosition(symbol string, exchange models.Exchange, product models.ProductType, qty int, avg, ltp float64) models.Position {
	pnl := (ltp - avg) * float64(qty)
	var pnlPct float64
	if avg > 0 {
		pnlPct = (ltp - avg) / avg * 100
		if qty < 0 {
			pnlPct = -pnlPct
		}
	}
	return models.Position{
		Symbol:       symbol,
		Exchange:     exchange,
		Product:      product,
		Quantity:     qty,
		AveragePrice: avg,
		LTP:          ltp,
		PnL:          pnl,
		PnLPercent:   pnlPct,
		Value:        ltp * float64(qty),
	}
}

func newHolding(symbol string, exchange models.Exchange, qty int, avg, ltp float64) models.Holding {
	invested := avg * float64(qty)
	current := ltp * float64(qty)
	var pnlPct float64
	if invested > 0 {
		pnlPct = (current - invested) / invested * 100
	}
	return models.Holding{
		Symbol:        symbol,
		Exchange:      exchange,
		Quantity:      qty,
		AveragePrice:  avg,
		LTP:           ltp,
		PnL:           current - invested,
		PnLPercent:    pnlPct,
		InvestedValue: invested,
		CurrentValue:  current,
	}
}
