package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// SmartStream subscription modes.
const (
	StreamModeLTP       = 1
	StreamModeQuote     = 2
	StreamModeSnapQuote = 3
)

const (
	streamActionUnsubscribe = 0
	streamActionSubscribe   = 1
)

// exchangeTypes maps exchanges onto SmartStream exchange type codes.
var exchangeTypes = map[models.Exchange]int{
	models.NSE:             1,
	models.NFO:             2,
	models.BSE:             3,
	models.Exchange("BFO"): 4,
	models.MCX:             5,
	models.Exchange("NCX"): 7,
	models.CDS:             13,
}

// ExchangeType returns the SmartStream exchange type for an exchange.
func ExchangeType(exchange models.Exchange) (int, bool) {
	t, ok := exchangeTypes[exchange]
	return t, ok
}

func exchangeForType(t int) models.Exchange {
	for ex, code := range exchangeTypes {
		if code == t {
			return ex
		}
	}
	return ""
}

type tokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type streamRequest struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int          `json:"mode"`
		TokenList []tokenGroup `json:"tokenList"`
	} `json:"params"`
}

func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// angelStream owns one SmartStream connection.
type angelStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex // Protects websocket writes
	onTick    TickHandler
	onError   ErrorHandler
	normalize func(rawTick) models.Tick
	heartbeat time.Duration
	logger    zerolog.Logger

	closing   atomic.Bool
	stop      chan struct{}
	readDone  chan struct{}
	hbDone    sync.WaitGroup
	closeOnce sync.Once
}

// OpenStream connects to SmartStream and starts the heartbeat and read loop.
// Handlers run on the read goroutine and must not call CloseStream
// synchronously. Opening an open stream is a no-op; a stream whose socket
// dropped is redialled. Subscriptions are not replayed.
func (a *AngelBroker) OpenStream(ctx context.Context, onTick TickHandler, onError ErrorHandler) error {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.stream != nil {
		if !a.stream.dropped() {
			return nil
		}
		_ = a.stream.close()
		a.stream = nil
		a.logger.Info().Msg("Replacing dropped stream")
	}

	tokens := a.Tokens()
	if tokens.JWT == "" || tokens.Feed == "" {
		return fmt.Errorf("%s open stream: %w", angelName, errors.ErrNotAuthenticated)
	}

	header := http.Header{}
	header.Set("Authorization", tokens.JWT)
	header.Set("x-api-key", a.cfg.APIKey)
	header.Set("x-client-code", tokens.ClientCode)
	header.Set("x-feed-token", tokens.Feed)

	conn, resp, err := a.cfg.Dialer.DialContext(ctx, a.cfg.StreamURL, header)
	if err != nil {
		if resp != nil {
			return errors.NewBrokerError(angelName, "open stream", strconv.Itoa(resp.StatusCode), resp.Status, err)
		}
		return fmt.Errorf("%s open stream: %w", angelName, err)
	}

	if onTick == nil {
		onTick = func(models.Tick) {}
	}
	if onError == nil {
		onError = func(err error) {
			a.logger.Warn().Err(err).Msg("Stream error")
		}
	}

	s := &angelStream{
		conn:      conn,
		onTick:    onTick,
		onError:   onError,
		normalize: a.normalizeTick,
		heartbeat: a.cfg.HeartbeatInterval,
		logger:    a.logger,
		stop:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	s.hbDone.Add(1)
	go s.heartbeatLoop()
	go s.readLoop()

	a.stream = s
	a.logger.Info().Str("url", a.cfg.StreamURL).Msg("Stream connected")
	return nil
}

// CloseStream stops the heartbeat, waits for it and closes the socket.
// Closing a closed stream is a no-op.
func (a *AngelBroker) CloseStream() error {
	a.streamMu.Lock()
	s := a.stream
	a.stream = nil
	a.streamMu.Unlock()

	if s == nil {
		return nil
	}
	return s.close()
}

// Subscribe starts streaming the given instruments. Plain symbols are
// resolved to tokens through the instrument cache.
func (a *AngelBroker) Subscribe(ctx context.Context, subs ...models.Subscription) error {
	return a.sendSubscription(ctx, streamActionSubscribe, subs)
}

// Unsubscribe stops streaming the given instruments.
func (a *AngelBroker) Unsubscribe(ctx context.Context, subs ...models.Subscription) error {
	return a.sendSubscription(ctx, streamActionUnsubscribe, subs)
}

func (a *AngelBroker) sendSubscription(ctx context.Context, action int, subs []models.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	a.streamMu.Lock()
	s := a.stream
	a.streamMu.Unlock()
	if s == nil {
		return errors.ErrStreamNotOpen
	}
	if s.dropped() {
		return fmt.Errorf("%s stream dropped, reopen it: %w", angelName, errors.ErrStreamNotOpen)
	}

	groups, err := a.tokenGroups(ctx, subs)
	if err != nil {
		return err
	}

	req := streamRequest{
		CorrelationID: newCorrelationID(),
		Action:        action,
	}
	req.Params.Mode = StreamModeSnapQuote
	req.Params.TokenList = groups

	return s.writeJSON(req)
}

// tokenGroups resolves subscriptions and batches tokens by exchange type in
// first-seen order.
func (a *AngelBroker) tokenGroups(ctx context.Context, subs []models.Subscription) ([]tokenGroup, error) {
	var groups []tokenGroup
	index := make(map[int]int)

	for _, sub := range subs {
		token, exType := sub.Token, sub.ExchangeType
		if !sub.Resolved() {
			exchange := sub.Exchange
			if exchange == "" {
				exchange = a.cfg.DefaultExchange
			}
			t, ok := ExchangeType(exchange)
			if !ok {
				return nil, errors.NewValidationError("exchange", exchange, "no stream exchange type")
			}
			exType = t

			if token == "" {
				inst, err := a.instruments.Resolve(ctx, exchange, sub.Symbol)
				if err != nil {
					return nil, err
				}
				token = inst.Token
			}
		} else if sub.Symbol != "" {
			a.instruments.Register(exchangeForType(exType), sub.Symbol, token)
		}

		i, ok := index[exType]
		if !ok {
			i = len(groups)
			index[exType] = i
			groups = append(groups, tokenGroup{ExchangeType: exType})
		}
		groups[i].Tokens = append(groups[i].Tokens, token)
	}

	return groups, nil
}

// normalizeTick maps a decoded frame onto a Tick, resolving the trading
// symbol from the token when the cache knows it.
func (a *AngelBroker) normalizeTick(raw rawTick) models.Tick {
	tick := models.Tick{
		Symbol:    raw.Token,
		Token:     raw.Token,
		Exchange:  exchangeForType(raw.ExchangeType),
		LTP:       raw.LTP,
		Open:      raw.Open,
		High:      raw.High,
		Low:       raw.Low,
		Close:     raw.Close,
		Volume:    raw.Volume,
		Timestamp: raw.Timestamp,
	}

	if symbol, ok := a.instruments.SymbolFor(tick.Exchange, raw.Token); ok {
		tick.Symbol = symbol
		tick.SymbolResolved = true
	}

	switch {
	case raw.HasChangePercent:
		tick.ChangePercent = raw.ChangePercent
	case raw.Close > 0:
		tick.ChangePercent = (raw.LTP - raw.Close) / raw.Close * 100
	}

	if tick.Timestamp.IsZero() {
		tick.Timestamp = a.cfg.Now()
	}
	return tick
}

// dropped reports whether the read loop has exited, which happens when the
// server closes the socket or a read fails.
func (s *angelStream) dropped() bool {
	select {
	case <-s.readDone:
		return true
	default:
		return false
	}
}

func (s *angelStream) writeJSON(v interface{}) error {
	if s.closing.Load() || s.dropped() {
		return errors.ErrStreamNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%s stream write: %w", angelName, err)
	}
	return nil
}

func (s *angelStream) heartbeatLoop() {
	defer s.hbDone.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.readDone:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

func (s *angelStream) readLoop() {
	defer close(s.readDone)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.onError(fmt.Errorf("%s stream read: %w", angelName, err))
			}
			return
		}
		if s.closing.Load() {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			raw, err := decodeBinaryTick(data)
			if err != nil {
				s.onError(err)
				continue
			}
			s.onTick(s.normalize(raw))
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

func (s *angelStream) handleText(data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "" || strings.EqualFold(text, "pong") {
		return
	}

	raw, err := decodeJSONTick(data)
	if err != nil {
		s.onError(err)
		return
	}
	if raw.Token == "" {
		s.logger.Debug().Str("frame", text).Msg("Ignoring stream frame without token")
		return
	}
	s.onTick(s.normalize(raw))
}

func (s *angelStream) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		s.hbDone.Wait()

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

// rawTick is a decoded SmartStream frame before symbol resolution.
type rawTick struct {
	Mode             int
	ExchangeType     int
	Token            string
	Sequence         int64
	Timestamp        time.Time
	LTP              float64
	LastQty          int64
	AveragePrice     float64
	Volume           int64
	BuyQty           float64
	SellQty          float64
	Open             float64
	High             float64
	Low              float64
	Close            float64
	ChangePercent    float64
	HasChangePercent bool
}

const (
	binaryLTPSize   = 51
	binaryQuoteSize = 123
)

// decodeBinaryTick decodes a little-endian SmartStream v2 frame. Prices are
// sent in paise.
func decodeBinaryTick(b []byte) (rawTick, error) {
	if len(b) < binaryLTPSize {
		return rawTick{}, fmt.Errorf("%s stream: binary frame too short (%d bytes)", angelName, len(b))
	}

	le := binary.LittleEndian
	paise := func(off int) float64 {
		return float64(int64(le.Uint64(b[off:off+8]))) / 100
	}
	i64 := func(off int) int64 {
		return int64(le.Uint64(b[off : off+8]))
	}

	raw := rawTick{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        strings.TrimRight(string(b[2:27]), "\x00 "),
		Sequence:     i64(27),
		LTP:          paise(43),
	}
	if ms := i64(35); ms > 0 {
		raw.Timestamp = time.UnixMilli(ms)
	}

	if raw.Mode >= StreamModeQuote && len(b) >= binaryQuoteSize {
		raw.LastQty = i64(51)
		raw.AveragePrice = paise(59)
		raw.Volume = i64(67)
		raw.BuyQty = math.Float64frombits(le.Uint64(b[75:83]))
		raw.SellQty = math.Float64frombits(le.Uint64(b[83:91]))
		raw.Open = paise(91)
		raw.High = paise(99)
		raw.Low = paise(107)
		raw.Close = paise(115)
	}

	return raw, nil
}

var (
	jsonPriceKeys  = []string{"ltp", "last_traded_price", "lastTradedPrice", "lp"}
	jsonTokenKeys  = []string{"token", "symboltoken", "tk"}
	jsonCloseKeys  = []string{"close", "close_price", "closePrice", "c"}
	jsonChangeKeys = []string{"change_percent", "percentChange", "pc"}
)

// decodeJSONTick decodes a text frame. Error frames become BrokerErrors.
func decodeJSONTick(data []byte) (rawTick, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return rawTick{}, fmt.Errorf("%s stream: decoding text frame: %w", angelName, err)
	}

	if code, ok := m["errorCode"]; ok {
		msg, _ := m["errorMessage"].(string)
		return rawTick{}, errors.NewBrokerError(angelName, "stream", fmt.Sprint(code), msg, nil)
	}

	raw := rawTick{}
	if v, ok := lookupString(m, jsonTokenKeys); ok {
		raw.Token = v
	}
	if v, ok := lookupFloat(m, jsonPriceKeys); ok {
		raw.LTP = v
	}
	if v, ok := lookupFloat(m, jsonCloseKeys); ok {
		raw.Close = v
	}
	if v, ok := lookupFloat(m, jsonChangeKeys); ok {
		raw.ChangePercent = v
		raw.HasChangePercent = true
	}
	if v, ok := lookupFloat(m, []string{"open", "o"}); ok {
		raw.Open = v
	}
	if v, ok := lookupFloat(m, []string{"high", "h"}); ok {
		raw.High = v
	}
	if v, ok := lookupFloat(m, []string{"low", "l"}); ok {
		raw.Low = v
	}
	if v, ok := lookupFloat(m, []string{"volume", "v"}); ok {
		raw.Volume = int64(v)
	}
	if v, ok := lookupFloat(m, []string{"exchangeType", "exchange_type"}); ok {
		raw.ExchangeType = int(v)
	}

	return raw, nil
}

func lookupFloat(m map[string]interface{}, keys []string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func lookupString(m map[string]interface{}, keys []string) (string, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}
