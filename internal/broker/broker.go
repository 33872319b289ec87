// Package broker provides the broker capability contract and its implementations.
package broker

import (
	"context"
	"math"
	"time"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// Broker defines the full operation set every broker implementation exposes.
// Operations an implementation does not support fail with an error matching
// errors.ErrNotImplemented rather than silently succeeding.
type Broker interface {
	Name() string
	Kind() models.BrokerKind

	// Authentication
	LoginURL() (string, error)
	HandleCallback(ctx context.Context, code string) error
	Login(ctx context.Context, creds models.Credentials) error
	RestoreSession(tokens models.Tokens) error
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
	Tokens() models.Tokens

	// Orders
	PlaceOrder(ctx context.Context, params models.OrderParams) (*OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, params models.OrderParams) error
	CancelOrder(ctx context.Context, orderID string, variety models.Variety) error
	ListOrders(ctx context.Context) ([]models.Order, error)
	OrderStatus(ctx context.Context, orderID string) (*models.Order, error)

	// Portfolio
	Positions(ctx context.Context) ([]models.Position, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
	Funds(ctx context.Context) (*models.Funds, error)

	// Market Data
	LastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error)
	Quote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error)
	HistoricalCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)

	// Streaming
	OpenStream(ctx context.Context, onTick TickHandler, onError ErrorHandler) error
	Subscribe(ctx context.Context, subs ...models.Subscription) error
	Unsubscribe(ctx context.Context, subs ...models.Subscription) error
	CloseStream() error
}

// TickHandler receives normalized ticks.
type TickHandler func(models.Tick)

// ErrorHandler receives errors raised after a stream was opened.
type ErrorHandler func(error)

// HistoricalRequest represents a request for historical data.
type HistoricalRequest struct {
	Symbol   string
	Token    string
	Exchange models.Exchange
	// Interval is a caller level name such as "1-minute" or "1-day".
	Interval string
	From     time.Time
	To       time.Time
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}

// Symbols builds unresolved subscriptions for plain trading symbols.
func Symbols(symbols ...string) []models.Subscription {
	subs := make([]models.Subscription, 0, len(symbols))
	for _, s := range symbols {
		subs = append(subs, models.Subscription{Symbol: s})
	}
	return subs
}

// checkPrices rejects prices that cannot be priced or sent, such as NaN.
func checkPrices(params models.OrderParams) error {
	for _, f := range []struct {
		name  string
		value float64
	}{{"price", params.Price}, {"trigger_price", params.TriggerPrice}} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return errors.NewValidationError(f.name, f.value, "must be a finite number")
		}
	}
	return nil
}
