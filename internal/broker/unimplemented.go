package broker

import (
	"context"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// Unimplemented can be embedded by a broker so every operation it does not
// override reports a NotImplementedError naming the broker and operation.
type Unimplemented struct {
	Broker string
}

func (u Unimplemented) notImplemented(op string) error {
	return errors.NotImplemented(u.Broker, op)
}

func (u Unimplemented) Name() string { return u.Broker }

func (u Unimplemented) LoginURL() (string, error) { return "", u.notImplemented("LoginURL") }

func (u Unimplemented) HandleCallback(ctx context.Context, code string) error {
	return u.notImplemented("HandleCallback")
}

func (u Unimplemented) Login(ctx context.Context, creds models.Credentials) error {
	return u.notImplemented("Login")
}

func (u Unimplemented) RestoreSession(tokens models.Tokens) error {
	return u.notImplemented("RestoreSession")
}

func (u Unimplemented) Refresh(ctx context.Context) error { return u.notImplemented("Refresh") }

func (u Unimplemented) Logout(ctx context.Context) error { return u.notImplemented("Logout") }

func (u Unimplemented) IsAuthenticated() bool { return false }

func (u Unimplemented) Tokens() models.Tokens { return models.Tokens{} }

func (u Unimplemented) PlaceOrder(ctx context.Context, params models.OrderParams) (*OrderResult, error) {
	return nil, u.notImplemented("PlaceOrder")
}

func (u Unimplemented) ModifyOrder(ctx context.Context, orderID string, params models.OrderParams) error {
	return u.notImplemented("ModifyOrder")
}

func (u Unimplemented) CancelOrder(ctx context.Context, orderID string, variety models.Variety) error {
	return u.notImplemented("CancelOrder")
}

func (u Unimplemented) ListOrders(ctx context.Context) ([]models.Order, error) {
	return nil, u.notImplemented("ListOrders")
}

func (u Unimplemented) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	return nil, u.notImplemented("OrderStatus")
}

func (u Unimplemented) Positions(ctx context.Context) ([]models.Position, error) {
	return nil, u.notImplemented("Positions")
}

func (u Unimplemented) Holdings(ctx context.Context) ([]models.Holding, error) {
	return nil, u.notImplemented("Holdings")
}

func (u Unimplemented) Funds(ctx context.Context) (*models.Funds, error) {
	return nil, u.notImplemented("Funds")
}

func (u Unimplemented) LastPrice(ctx context.Context, exchange models.Exchange, symbol string) (float64, error) {
	return 0, u.notImplemented("LastPrice")
}

func (u Unimplemented) Quote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error) {
	return nil, u.notImplemented("Quote")
}

func (u Unimplemented) HistoricalCandles(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	return nil, u.notImplemented("HistoricalCandles")
}

func (u Unimplemented) OpenStream(ctx context.Context, onTick TickHandler, onError ErrorHandler) error {
	return u.notImplemented("OpenStream")
}

func (u Unimplemented) Subscribe(ctx context.Context, subs ...models.Subscription) error {
	return u.notImplemented("Subscribe")
}

func (u Unimplemented) Unsubscribe(ctx context.Context, subs ...models.Subscription) error {
	return u.notImplemented("Unsubscribe")
}

func (u Unimplemented) CloseStream() error { return u.notImplemented("CloseStream") }
