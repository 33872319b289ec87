package broker

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/errors"
	"tradegate/internal/models"
	"tradegate/internal/resilience"
)

func TestAngelLoginStoresTokens(t *testing.T) {
	m := newMockSmartAPI(t)
	a := NewAngelBroker(m.config())

	err := a.Login(context.Background(), models.Credentials{ClientCode: "A123", Password: "1234", TOTP: "654321"})
	require.NoError(t, err)

	tokens := a.Tokens()
	assert.Equal(t, "jwt-x", tokens.JWT)
	assert.Equal(t, "refresh-x", tokens.Refresh)
	assert.Equal(t, "feed-x", tokens.Feed)
	assert.Equal(t, "A123", tokens.ClientCode)
	assert.True(t, a.IsAuthenticated())
	assert.False(t, a.AuthenticatedAt().IsZero())

	body := m.body(pathLogin)
	assert.Equal(t, "A123", body["clientcode"])
	assert.Equal(t, "654321", body["totp"])

	m.mu.Lock()
	headers := m.headers[pathLogin]
	m.mu.Unlock()
	assert.Equal(t, "test-key", headers.Get("X-PrivateKey"))
	assert.Equal(t, "USER", headers.Get("X-UserType"))
	assert.Equal(t, "WEB", headers.Get("X-SourceID"))
	assert.Empty(t, headers.Get("Authorization"))
}

func TestAngelLoginGeneratesTOTP(t *testing.T) {
	m := newMockSmartAPI(t)
	a := NewAngelBroker(m.config())

	err := a.Login(context.Background(), models.Credentials{
		ClientCode: "A123",
		Password:   "1234",
		TOTPSecret: "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)

	code, _ := m.body(pathLogin)["totp"].(string)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
}

func TestAngelLoginRejected(t *testing.T) {
	m := newMockSmartAPI(t)
	m.loginMessage = "Invalid totp"
	a := NewAngelBroker(m.config())

	err := a.Login(context.Background(), models.Credentials{ClientCode: "A123", Password: "1234", TOTP: "000000"})
	require.Error(t, err)

	var berr *errors.BrokerError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "Invalid totp", berr.Message)
	assert.Equal(t, "AB1050", berr.Code)
	assert.Contains(t, err.Error(), "Invalid totp")
	assert.False(t, a.IsAuthenticated())
	assert.True(t, a.Tokens().IsZero())
}

func TestAngelLoginRequiresCredentials(t *testing.T) {
	m := newMockSmartAPI(t)
	a := NewAngelBroker(m.config())

	err := a.Login(context.Background(), models.Credentials{ClientCode: "A123"})
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
	assert.Zero(t, m.totalCalls())
}

func TestAngelRestoreMakesNoNetworkCall(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	assert.True(t, a.IsAuthenticated())
	assert.Equal(t, "jwt-seed", a.Tokens().JWT)
	assert.Zero(t, m.totalCalls())

	err := NewAngelBroker(m.config()).RestoreSession(models.Tokens{})
	assert.True(t, errors.Is(err, errors.ErrNotAuthenticated))
}

func TestAngelRefreshReplacesTokens(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	require.NoError(t, a.Refresh(context.Background()))

	tokens := a.Tokens()
	assert.Equal(t, "jwt-x", tokens.JWT)
	assert.Equal(t, "refresh-x", tokens.Refresh)
	assert.Equal(t, "feed-x", tokens.Feed)
	assert.Equal(t, "A123", tokens.ClientCode)
	assert.Equal(t, "refresh-seed", m.body(pathRefresh)["refreshToken"])
}

func TestAngelRefreshFailureKeepsTokens(t *testing.T) {
	m := newMockSmartAPI(t)
	m.refreshFail = true
	a := loggedInAngel(t, m)
	before := a.Tokens()

	err := a.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid refresh token")

	assert.Equal(t, before, a.Tokens())
	assert.True(t, a.IsAuthenticated())
}

func TestAngelLogoutClearsOnServerError(t *testing.T) {
	m := newMockSmartAPI(t)
	m.logoutFail = true
	a := loggedInAngel(t, m)

	require.NoError(t, a.Logout(context.Background()))
	assert.False(t, a.IsAuthenticated())
	assert.True(t, a.Tokens().IsZero())
	assert.Equal(t, 1, m.count(pathLogout))
}

func TestAngelCallsRequireAuthentication(t *testing.T) {
	m := newMockSmartAPI(t)
	a := NewAngelBroker(m.config())
	ctx := context.Background()

	_, err := a.PlaceOrder(ctx, models.OrderParams{Symbol: "SBIN", Side: models.OrderSideBuy, Quantity: 1})
	assert.True(t, errors.Is(err, errors.ErrNotAuthenticated))

	_, err = a.Funds(ctx)
	assert.True(t, errors.Is(err, errors.ErrNotAuthenticated))

	_, err = a.LastPrice(ctx, models.NSE, "SBIN")
	assert.True(t, errors.Is(err, errors.ErrNotAuthenticated))

	assert.True(t, errors.Is(a.OpenStream(ctx, nil, nil), errors.ErrNotAuthenticated))
	assert.Zero(t, m.totalCalls())
}

func TestAngelPlaceOrderDefaults(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	res, err := a.PlaceOrder(context.Background(), models.OrderParams{
		Symbol:   "sbin",
		Side:     models.OrderSideBuy,
		Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "231009000000123", res.OrderID)

	body := m.body(pathPlaceOrder)
	assert.Equal(t, "NSE", body["exchange"])
	assert.Equal(t, "DAY", body["duration"])
	assert.Equal(t, "DELIVERY", body["producttype"])
	assert.Equal(t, "NORMAL", body["variety"])
	assert.Equal(t, "MARKET", body["ordertype"])
	assert.Equal(t, "BUY", body["transactiontype"])
	assert.Equal(t, "5", body["quantity"])
	assert.Equal(t, "3045", body["symboltoken"])
	assert.Equal(t, "SBIN-EQ", body["tradingsymbol"])

	m.mu.Lock()
	auth := m.headers[pathPlaceOrder].Get("Authorization")
	m.mu.Unlock()
	assert.Equal(t, "Bearer jwt-seed", auth)
}

func TestAngelPlaceOrderRejectedKeepsMessage(t *testing.T) {
	m := newMockSmartAPI(t)
	m.placeFail = "Order price is out of the circuit range"
	a := loggedInAngel(t, m)

	_, err := a.PlaceOrder(context.Background(), models.OrderParams{
		Symbol: "INFY", Token: "1594", Side: models.OrderSideSell, Quantity: 1, Type: models.OrderTypeLimit, Price: 1.5,
	})
	require.Error(t, err)

	var berr *errors.BrokerError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "Order price is out of the circuit range", berr.Message)
	assert.Zero(t, m.count(pathSearchScrip), "caller supplied token must skip resolution")
}

func TestAngelRejectsNonFinitePrices(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	ctx := context.Background()

	_, err := a.PlaceOrder(ctx, models.OrderParams{
		Symbol: "INFY", Token: "1594", Side: models.OrderSideBuy, Quantity: 1, Price: math.NaN(),
	})
	var verr *errors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "price", verr.Field)

	err = a.ModifyOrder(ctx, "42", models.OrderParams{Symbol: "INFY", Token: "1594", Quantity: 1, TriggerPrice: math.Inf(1)})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "trigger_price", verr.Field)

	assert.Zero(t, m.count(pathPlaceOrder))
	assert.Zero(t, m.count(pathModifyOrder))
}

func TestAngelModifyAndCancel(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	ctx := context.Background()

	err := a.ModifyOrder(ctx, "42", models.OrderParams{Symbol: "INFY", Token: "1594", Quantity: 2, Price: 1501.5, Type: models.OrderTypeLimit})
	require.NoError(t, err)
	body := m.body(pathModifyOrder)
	assert.Equal(t, "42", body["orderid"])
	assert.Equal(t, "1501.5", body["price"])
	assert.Equal(t, "LIMIT", body["ordertype"])

	require.NoError(t, a.CancelOrder(ctx, "42", ""))
	body = m.body(pathCancelOrder)
	assert.Equal(t, "42", body["orderid"])
	assert.Equal(t, "NORMAL", body["variety"])
}

func TestAngelOrderStatusScansBook(t *testing.T) {
	m := newMockSmartAPI(t)
	m.orderBook = []map[string]interface{}{
		{"orderid": "1", "tradingsymbol": "SBIN-EQ", "transactiontype": "BUY", "quantity": "10", "filledshares": "10", "averageprice": 600.5, "orderstatus": "complete", "updatetime": "09-Oct-2023 10:15:00"},
		{"orderid": "2", "tradingsymbol": "INFY", "transactiontype": "SELL", "quantity": "3", "filledshares": "0", "orderstatus": "open"},
	}
	a := loggedInAngel(t, m)
	ctx := context.Background()

	order, err := a.OrderStatus(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", order.Status)
	assert.Equal(t, 10, order.FilledQty)
	assert.Equal(t, 600.5, order.AveragePrice)
	assert.Equal(t, 2023, order.UpdatedAt.Year())

	_, err = a.OrderStatus(ctx, "99")
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))

	orders, err := a.ListOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestAngelPortfolio(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	ctx := context.Background()

	positions, err := a.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "SBIN-EQ", positions[0].Symbol)
	assert.Equal(t, 100.0, positions[0].PnL)

	holdings, err := a.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, 500.0, holdings[0].PnL)

	funds, err := a.Funds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 95000.0, funds.Available)
	assert.Equal(t, 5000.0, funds.UsedMargin)
	assert.Equal(t, 100000.0, funds.Total)
}

func TestAngelQuoteAndLastPrice(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	ctx := context.Background()

	ltp, err := a.LastPrice(ctx, "", "SBIN")
	require.NoError(t, err)
	assert.Equal(t, 606.0, ltp)

	q, err := a.Quote(ctx, models.NSE, "SBIN")
	require.NoError(t, err)
	assert.Equal(t, 606.0, q.LTP)
	assert.Equal(t, 600.0, q.Close)
	assert.InDelta(t, 1.0, q.ChangePercent, 1e-9)

	assert.Equal(t, 1, m.count(pathSearchScrip))
	assert.Equal(t, "SBIN-EQ", m.body(pathLTP)["tradingsymbol"])
}

func TestAngelHistoricalCandles(t *testing.T) {
	m := newMockSmartAPI(t)
	m.candles = [][]interface{}{
		{"2023-10-09T09:15:00+05:30", 600.0, 605.5, 598.0, 604.0, 10000},
		{"2023-10-09T09:20:00+05:30", 604.0, 606.0, 601.0, 602.5, 8000},
	}
	a := loggedInAngel(t, m)
	ctx := context.Background()

	to := time.Date(2023, 10, 9, 15, 30, 0, 0, time.UTC)
	candles, err := a.HistoricalCandles(ctx, HistoricalRequest{Token: "3045", Exchange: models.NSE, Interval: "5-minute", To: to})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 605.5, candles[0].High)
	assert.Equal(t, int64(8000), candles[1].Volume)

	body := m.body(pathCandles)
	assert.Equal(t, "FIVE_MINUTE", body["interval"])
	assert.Equal(t, "2023-10-09 15:30", body["todate"])
	assert.Equal(t, to.Add(-4380*time.Hour).Format(candleDateLayout), body["fromdate"])

	_, err = a.HistoricalCandles(ctx, HistoricalRequest{Token: "3045", Interval: "7-minute"})
	var verr *errors.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestCandleInterval(t *testing.T) {
	tests := map[string]string{
		"":          "ONE_DAY",
		"1-minute":  "ONE_MINUTE",
		"1m":        "ONE_MINUTE",
		"15-minute": "FIFTEEN_MINUTE",
		"1-hour":    "ONE_HOUR",
		"1D":        "ONE_DAY",
	}
	for in, want := range tests {
		got, err := CandleInterval(in)
		if err != nil || got != want {
			t.Errorf("CandleInterval(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestAngelLoginURLAndCallback(t *testing.T) {
	m := newMockSmartAPI(t)
	a := NewAngelBroker(m.config())

	u, err := a.LoginURL()
	require.NoError(t, err)
	assert.Equal(t, "https://smartapi.angelone.in/publisher-login?api_key=test-key", u)

	err = a.HandleCallback(context.Background(), "https://example.test/cb?auth_token=abc&feed_token=def&refresh_token=ghi")
	require.NoError(t, err)
	assert.Equal(t, models.Tokens{JWT: "abc", Feed: "def", Refresh: "ghi"}, a.Tokens())

	err = NewAngelBroker(m.config()).HandleCallback(context.Background(), "feed_token=def")
	assert.True(t, errors.Is(err, errors.ErrInvalidCredentials))
}

func TestAngelConcurrentResolutionSearchesOnce(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Instruments().Resolve(context.Background(), models.NSE, "INFY")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.count(pathSearchScrip))
	symbol, ok := a.Instruments().SymbolFor(models.NSE, "1594")
	assert.True(t, ok)
	assert.Equal(t, "INFY", symbol)
}

func collectTicks(n int) (TickHandler, <-chan models.Tick) {
	ch := make(chan models.Tick, n)
	return func(tick models.Tick) {
		select {
		case ch <- tick:
		default:
		}
	}, ch
}

func waitTick(t *testing.T, ch <-chan models.Tick) models.Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return models.Tick{}
	}
}

func TestAngelStreamSubscribeAndTicks(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	ctx := context.Background()

	onTick, ticks := collectTicks(16)
	require.NoError(t, a.OpenStream(ctx, onTick, func(err error) { t.Errorf("stream error: %v", err) }))

	m.mu.Lock()
	headers := m.streamHeaders
	m.mu.Unlock()
	assert.Equal(t, "jwt-seed", headers.Get("Authorization"))
	assert.Equal(t, "test-key", headers.Get("x-api-key"))
	assert.Equal(t, "A123", headers.Get("x-client-code"))
	assert.Equal(t, "feed-seed", headers.Get("x-feed-token"))

	require.NoError(t, a.Subscribe(ctx, Symbols("SBIN")...))
	tick := waitTick(t, ticks)
	assert.Equal(t, "SBIN", tick.Symbol)
	assert.Equal(t, "3045", tick.Token)
	assert.True(t, tick.SymbolResolved)
	assert.Equal(t, models.NSE, tick.Exchange)
	assert.Equal(t, 606.5, tick.LTP)
	assert.InDelta(t, 1.0833, tick.ChangePercent, 1e-3)
	assert.Equal(t, int64(12345), tick.Volume)

	require.NoError(t, a.Subscribe(ctx, Symbols("SBIN")...))
	waitTick(t, ticks)
	assert.Equal(t, 1, m.count(pathSearchScrip), "second subscribe must hit the cache")

	reqs := m.subscriptionRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, streamActionSubscribe, reqs[0].Action)
	assert.Equal(t, StreamModeSnapQuote, reqs[0].Params.Mode)
	assert.Len(t, reqs[0].CorrelationID, 10)
	assert.Equal(t, []tokenGroup{{ExchangeType: 1, Tokens: []string{"3045"}}}, reqs[0].Params.TokenList)

	require.NoError(t, a.Unsubscribe(ctx, Symbols("SBIN")...))
	require.Eventually(t, func() bool { return len(m.subscriptionRequests()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, streamActionUnsubscribe, m.subscriptionRequests()[2].Action)

	require.NoError(t, a.CloseStream())
	require.NoError(t, a.CloseStream())
}

func TestAngelStreamUnresolvedToken(t *testing.T) {
	m := newMockSmartAPI(t)
	m.extraTextFrame = `{"tk":"1594","lp":"1510.25","c":"1500"}`
	a := loggedInAngel(t, m)
	a.Instruments().Register(models.NSE, "INFY", "1594")
	ctx := context.Background()

	onTick, ticks := collectTicks(16)
	require.NoError(t, a.OpenStream(ctx, onTick, nil))
	defer a.CloseStream()

	require.NoError(t, a.Subscribe(ctx, models.Subscription{Token: "99999", ExchangeType: 2}))

	tick := waitTick(t, ticks)
	assert.Equal(t, "99999", tick.Symbol)
	assert.False(t, tick.SymbolResolved)
	assert.Equal(t, models.NFO, tick.Exchange)
	assert.Zero(t, m.count(pathSearchScrip))

	text := waitTick(t, ticks)
	assert.Equal(t, "INFY", text.Symbol)
	assert.True(t, text.SymbolResolved)
	assert.Equal(t, 1510.25, text.LTP)
	assert.InDelta(t, 0.6833, text.ChangePercent, 1e-3)
}

func TestAngelStreamTokenScopedByExchange(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)
	a.Instruments().Register(models.NSE, "SBIN", "3045")
	ctx := context.Background()

	onTick, ticks := collectTicks(16)
	require.NoError(t, a.OpenStream(ctx, onTick, nil))
	defer a.CloseStream()

	require.NoError(t, a.Subscribe(ctx, models.Subscription{Token: "3045", ExchangeType: 2}))
	tick := waitTick(t, ticks)
	assert.Equal(t, models.NFO, tick.Exchange)
	assert.Equal(t, "3045", tick.Symbol)
	assert.False(t, tick.SymbolResolved)

	require.NoError(t, a.Subscribe(ctx, models.Subscription{Token: "3045", ExchangeType: 1}))
	tick = waitTick(t, ticks)
	assert.Equal(t, "SBIN", tick.Symbol)
	assert.True(t, tick.SymbolResolved)
}

func TestAngelStreamHeartbeat(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	require.NoError(t, a.OpenStream(context.Background(), nil, nil))
	require.Eventually(t, func() bool { return m.pingCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.CloseStream())

	time.Sleep(30 * time.Millisecond)
	after := m.pingCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, m.pingCount(), "heartbeat must stop after close")
}

func TestAngelStreamDroppedByServer(t *testing.T) {
	m := newMockSmartAPI(t)
	m.dropStreams = 1
	a := loggedInAngel(t, m)
	ctx := context.Background()

	streamErrs := make(chan error, 4)
	onTick, ticks := collectTicks(16)
	require.NoError(t, a.OpenStream(ctx, onTick, func(err error) { streamErrs <- err }))

	select {
	case err := <-streamErrs:
		assert.Contains(t, err.Error(), "stream read")
	case <-time.After(2 * time.Second):
		t.Fatal("dropped socket was not reported")
	}

	require.Eventually(t, func() bool {
		return errors.Is(a.Subscribe(ctx, Symbols("SBIN")...), errors.ErrStreamNotOpen)
	}, time.Second, 10*time.Millisecond)

	// Reopening dials a fresh socket instead of reusing the dead one.
	require.NoError(t, a.OpenStream(ctx, onTick, func(err error) { t.Errorf("stream error: %v", err) }))
	assert.Equal(t, 2, m.dialCount())

	require.NoError(t, a.Subscribe(ctx, Symbols("SBIN")...))
	tick := waitTick(t, ticks)
	assert.Equal(t, "SBIN", tick.Symbol)
	require.NoError(t, a.CloseStream())
}

func TestAngelSubscribeWithoutStream(t *testing.T) {
	m := newMockSmartAPI(t)
	a := loggedInAngel(t, m)

	err := a.Subscribe(context.Background(), Symbols("SBIN")...)
	assert.True(t, errors.Is(err, errors.ErrStreamNotOpen))
}

func TestAngelCircuitOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == pathOrderBook {
			w.Write([]byte(`{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`))
			return
		}
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAngelBroker(AngelConfig{BaseURL: srv.URL, BreakerThreshold: 2, BreakerCooldown: time.Hour})
	require.NoError(t, a.RestoreSession(models.Tokens{JWT: "j", Refresh: "r", Feed: "f"}))
	ctx := context.Background()

	// Structured rejections do not count against the circuit.
	for i := 0; i < 3; i++ {
		_, err := a.ListOrders(ctx)
		var berr *errors.BrokerError
		require.True(t, errors.As(err, &berr))
		assert.Equal(t, "Invalid Token", berr.Message)
	}

	for i := 0; i < 2; i++ {
		_, err := a.Funds(ctx)
		require.Error(t, err)
		assert.False(t, errors.Is(err, resilience.ErrCircuitOpen))
	}

	before := hits.Load()
	_, err := a.Funds(ctx)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen), "err = %v", err)
	assert.Equal(t, before, hits.Load(), "open circuit must not reach the server")
}
