package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradegate/internal/errors"
	"tradegate/internal/logging"
	"tradegate/internal/models"
)

const paperName = "paper"

// PaperBroker implements the Broker interface with a simulated ledger.
// Orders fill immediately at the limit price, or at a synthesized price for
// market orders. Historical data and browser login are not available.
type PaperBroker struct {
	Unimplemented

	prices           *PriceSynth
	tickInterval     time.Duration
	streamVolatility float64
	initialBalance   float64
	now              func() time.Time
	logger           zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*paperPosition
	orders    map[string]*models.Order
	orderIDs  []string
	available decimal.Decimal
	used      decimal.Decimal
	total     decimal.Decimal

	streamMu sync.Mutex
	stream   *paperStream
	subs     map[string]*paperSub
	subOrder []string
}

// paperPosition tracks a position and the funds reserved for it.
type paperPosition struct {
	symbol   string
	exchange models.Exchange
	product  models.ProductType
	quantity int
	average  decimal.Decimal
	margin   decimal.Decimal
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	InitialBalance   float64
	Volatility       float64
	StreamVolatility float64
	TickInterval     time.Duration
	// Seed fixes the price source; zero seeds from the clock.
	Seed   int64
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	initialBalance := cfg.InitialBalance
	if initialBalance == 0 {
		initialBalance = 1000000 // 10 lakhs default
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	streamVolatility := cfg.StreamVolatility
	if streamVolatility <= 0 {
		streamVolatility = 0.005
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p := &PaperBroker{
		Unimplemented:    Unimplemented{Broker: paperName},
		prices:           NewPriceSynth(cfg.Volatility, cfg.Seed),
		tickInterval:     tickInterval,
		streamVolatility: streamVolatility,
		initialBalance:   initialBalance,
		now:              now,
		logger:           logging.WithBroker(cfg.Logger, paperName),
		subs:             make(map[string]*paperSub),
	}
	p.Reset(initialBalance)
	return p
}

var _ Broker = (*PaperBroker)(nil)

// Kind returns the broker kind.
func (p *PaperBroker) Kind() models.BrokerKind { return models.BrokerPaper }

// Login resets the ledger when an initial balance is supplied. The paper
// broker is always authenticated.
func (p *PaperBroker) Login(ctx context.Context, creds models.Credentials) error {
	if creds.InitialBalance > 0 {
		p.Reset(creds.InitialBalance)
	}
	return nil
}

// RestoreSession is a no-op for paper trading.
func (p *PaperBroker) RestoreSession(tokens models.Tokens) error { return nil }

// Refresh is a no-op for paper trading.
func (p *PaperBroker) Refresh(ctx context.Context) error { return nil }

// Logout is a no-op for paper trading.
func (p *PaperBroker) Logout(ctx context.Context) error { return nil }

// IsAuthenticated always returns true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool { return true }

// Tokens returns an empty token set.
func (p *PaperBroker) Tokens() models.Tokens { return models.Tokens{} }

func positionKey(exchange models.Exchange, symbol string, product models.ProductType) string {
	return fmt.Sprintf("%s:%s:%s", exchange, symbol, product)
}

// PlaceOrder fills an order immediately against the ledger. Rejected orders
// leave funds, positions and the order book untouched.
func (p *PaperBroker) PlaceOrder(ctx context.Context, params models.OrderParams) (*OrderResult, error) {
	if params.Quantity <= 0 {
		return nil, errors.NewValidationError("quantity", params.Quantity, "must be positive")
	}
	if params.Side != models.OrderSideBuy && params.Side != models.OrderSideSell {
		return nil, errors.NewValidationError("side", params.Side, "must be BUY or SELL")
	}
	if strings.TrimSpace(params.Symbol) == "" {
		return nil, errors.NewValidationError("symbol", params.Symbol, "is required")
	}
	if err := checkPrices(params); err != nil {
		return nil, err
	}

	symbol := strings.ToUpper(params.Symbol)
	exchange := params.Exchange
	if exchange == "" {
		exchange = models.NSE
	}
	product := params.Product
	if product == "" {
		product = models.ProductDelivery
	}
	orderType := params.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}

	fill := params.Price
	if fill <= 0 {
		fill = p.prices.Price(symbol)
	}
	price := decimal.NewFromFloat(fill)
	qty := decimal.NewFromInt(int64(params.Quantity))
	value := price.Mul(qty)

	p.mu.Lock()
	defer p.mu.Unlock()

	key := positionKey(exchange, symbol, product)
	pos := p.positions[key]

	switch params.Side {
	case models.OrderSideBuy:
		if value.GreaterThan(p.available) {
			return nil, errors.NewOrderError("", symbol, "place",
				fmt.Sprintf("need %s, have %s", value.StringFixed(2), p.available.StringFixed(2)),
				errors.ErrInsufficientFunds)
		}

		p.available = p.available.Sub(value)
		p.used = p.used.Add(value)

		if pos == nil {
			pos = &paperPosition{symbol: symbol, exchange: exchange, product: product}
			p.positions[key] = pos
		}
		held := decimal.NewFromInt(int64(pos.quantity))
		pos.average = pos.average.Mul(held).Add(value).Div(held.Add(qty))
		pos.quantity += params.Quantity
		pos.margin = pos.margin.Add(value)

	case models.OrderSideSell:
		if pos == nil {
			return nil, errors.NewOrderError("", symbol, "place", "no position to sell", errors.ErrPositionNotFound)
		}
		if pos.quantity < params.Quantity {
			return nil, errors.NewOrderError("", symbol, "place",
				fmt.Sprintf("holding %d, selling %d", pos.quantity, params.Quantity),
				errors.ErrInsufficientQuantity)
		}

		released := pos.margin
		if params.Quantity < pos.quantity {
			released = pos.margin.Mul(qty).Div(decimal.NewFromInt(int64(pos.quantity)))
		}

		p.available = p.available.Add(value)
		p.used = p.used.Sub(released)
		p.total = p.total.Add(value).Sub(released)

		pos.quantity -= params.Quantity
		pos.margin = pos.margin.Sub(released)
		if pos.quantity == 0 {
			delete(p.positions, key)
		}
	}

	now := p.now()
	order := &models.Order{
		ID:           "PAPER-" + uuid.NewString(),
		Symbol:       symbol,
		Token:        params.Token,
		Exchange:     exchange,
		Side:         params.Side,
		Type:         orderType,
		Product:      product,
		Variety:      params.Variety,
		Duration:     params.Duration,
		Quantity:     params.Quantity,
		Price:        params.Price,
		TriggerPrice: params.TriggerPrice,
		Status:       models.OrderStatusComplete,
		FilledQty:    params.Quantity,
		AveragePrice: fill,
		Message:      "Paper order filled",
		Tag:          params.Tag,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
	p.orders[order.ID] = order
	p.orderIDs = append(p.orderIDs, order.ID)

	logging.LogOrder(p.logger, order.ID, symbol, string(params.Side), order.Status)

	return &OrderResult{
		OrderID: order.ID,
		Status:  order.Status,
		Message: order.Message,
	}, nil
}

// ModifyOrder always fails: paper orders are filled on placement.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, params models.OrderParams) error {
	return p.rejectChange(orderID, "modify")
}

// CancelOrder always fails: paper orders are filled on placement.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string, variety models.Variety) error {
	return p.rejectChange(orderID, "cancel")
}

func (p *PaperBroker) rejectChange(orderID, action string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return errors.NewOrderError(orderID, "", action, "unknown order", errors.ErrOrderNotFound)
	}

	status := "completed"
	if order.Status == models.OrderStatusCancelled {
		status = "cancelled"
	}
	logger := logging.WithOrderID(p.logger, orderID)
	logger.Debug().Str("action", action).Str("status", order.Status).Msg("Order change rejected")
	return errors.NewOrderError(orderID, order.Symbol, action,
		fmt.Sprintf("cannot %s %s order", action, status), errors.ErrOrderCompleted)
}

// ListOrders returns all paper orders in placement order.
func (p *PaperBroker) ListOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]models.Order, 0, len(p.orderIDs))
	for _, id := range p.orderIDs {
		orders = append(orders, *p.orders[id])
	}
	return orders, nil
}

// OrderStatus returns one paper order.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, errors.NewOrderError(orderID, "", "status", "unknown order", errors.ErrOrderNotFound)
	}
	o := *order
	return &o, nil
}

// Positions returns open positions valued at a fresh synthesized price.
func (p *PaperBroker) Positions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.sortedPositions() {
		positions = append(positions, newPosition(pos.symbol, pos.exchange, pos.product,
			pos.quantity, pos.average.InexactFloat64(), p.prices.Price(pos.symbol)))
	}
	return positions, nil
}

// Holdings reports delivery positions as holdings.
func (p *PaperBroker) Holdings(ctx context.Context) ([]models.Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	holdings := make([]models.Holding, 0)
	for _, pos := range p.sortedPositions() {
		if pos.product != models.ProductDelivery {
			continue
		}
		holdings = append(holdings, newHolding(pos.symbol, pos.exchange,
			pos.quantity, pos.average.InexactFloat64(), p.prices.Price(pos.symbol)))
	}
	return holdings, nil
}

func (p *PaperBroker) sortedPositions() []*paperPosition {
	keys := make([]string, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*paperPosition, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.positions[k])
	}
	return out
}

// Funds returns a snapshot of the ledger.
func (p *PaperBroker) Funds(ctx context.Context) (*models.Funds, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return &models.Funds{
		Available:  p.available.InexactFloat64(),
		UsedMargin: p.used.InexactFloat64(),
		Total:      p.total.InexactFloat64(),
	}, nil
}

// LastPrice returns a synthesized price.
func (p *PaperBroker) LastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	if strings.TrimSpace(symbol) == "" {
		return 0, errors.NewValidationError("symbol", symbol, "is required")
	}
	return p.prices.Price(symbol), nil
}

// Quote returns a synthesized quote measured against the symbol's base price.
func (p *PaperBroker) Quote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error) {
	ltp, err := p.LastPrice(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = models.NSE
	}

	base := roundPaise(BasePrice(symbol))
	q := &models.Quote{
		Symbol:    strings.ToUpper(symbol),
		Exchange:  exchange,
		LTP:       ltp,
		Open:      base,
		High:      max(base, ltp),
		Low:       min(base, ltp),
		Close:     base,
		Change:    ltp - base,
		Timestamp: p.now(),
	}
	q.ChangePercent = q.Change / base * 100
	return q, nil
}

// Reset resets the paper broker to a fresh ledger.
func (p *PaperBroker) Reset(initialBalance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.positions = make(map[string]*paperPosition)
	p.orders = make(map[string]*models.Order)
	p.orderIDs = nil
	p.available = decimal.NewFromFloat(initialBalance)
	p.used = decimal.Zero
	p.total = p.available
}

// Trades returns all completed orders in placement order.
func (p *PaperBroker) Trades() []models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trades := make([]models.Order, 0, len(p.orderIDs))
	for _, id := range p.orderIDs {
		if o := p.orders[id]; o.Status == models.OrderStatusComplete {
			trades = append(trades, *o)
		}
	}
	return trades
}
